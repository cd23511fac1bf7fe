// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the control-plane HTTP surface: runs, templates,
// triggers, and per-superstep run details. It is a thin layer over
// orchestrator state; all coordination happens in the backend.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/internal/controller/metrics"
	"github.com/wirl-lang/wirld/internal/controller/templates"
	"github.com/wirl-lang/wirld/internal/httputil"
	"github.com/wirl-lang/wirld/internal/log"
)

// Store is the storage surface the API needs.
type Store interface {
	backend.RunStore
	backend.RunLister
	backend.CheckpointStore
	backend.TriggerStore
}

// Server handles control-plane requests.
type Server struct {
	store     Store
	templates *templates.Registry
	logger    *slog.Logger
}

// New creates an API server.
func New(store Store, registry *templates.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     store,
		templates: registry,
		logger:    log.WithComponent(logger, "api"),
	}
}

// Routes returns the handler for the full API surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /workflow-templates", s.handleListTemplates)

	mux.HandleFunc("GET /workflows", s.handleListRuns)
	mux.HandleFunc("POST /workflows", s.handleStartRun)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetRun)
	mux.HandleFunc("GET /workflows/{id}/run-details", s.handleRunDetails)
	mux.HandleFunc("POST /workflows/{id}/continue", s.handleContinueRun)
	mux.HandleFunc("POST /workflows/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /workflow-triggers", s.handleListTriggers)
	mux.HandleFunc("POST /workflow-triggers", s.handleCreateTrigger)
	mux.HandleFunc("PATCH /workflow-triggers/{id}", s.handleUpdateTrigger)
	mux.HandleFunc("DELETE /workflow-triggers/{id}", s.handleDeleteTrigger)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respond writes a success body and records the request metric.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	metrics.RecordAPIRequest(r.Pattern, status)
	httputil.WriteJSON(w, status, data)
}

// fail translates an error to an HTTP status, logging unexpected ones.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	metrics.RecordAPIRequest(r.Pattern, status)
	httputil.WriteError(w, status, message)
}

// storeError maps backend errors onto 404/500.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	var nf *backend.NotFoundError
	if errors.As(err, &nf) {
		s.fail(w, r, http.StatusNotFound, nf.Error())
		return
	}
	s.logger.Error("store error", "path", r.URL.Path, log.Error(err))
	metrics.RecordStoreError(r.Pattern, err)
	s.fail(w, r, http.StatusInternalServerError, "internal error")
}
