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

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/internal/controller/metrics"
	"github.com/wirl-lang/wirld/internal/controller/scheduler"
	"github.com/wirl-lang/wirld/internal/httputil"
)

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.store.ListTriggers(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if triggers == nil {
		triggers = []*backend.Trigger{}
	}
	s.respond(w, r, http.StatusOK, triggers)
}

type createTriggerRequest struct {
	Name           string         `json:"name"`
	TemplateName   string         `json:"template_name"`
	InputsTemplate map[string]any `json:"inputs_template"`
	CronExpression string         `json:"cron_expression"`
	Timezone       string         `json:"timezone"`
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req createTriggerRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.TemplateName == "" || req.CronExpression == "" {
		s.fail(w, r, http.StatusBadRequest, "name, template_name and cron_expression are required")
		return
	}
	if _, ok := s.templates.Get(req.TemplateName); !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Sprintf("workflow %q not found", req.TemplateName))
		return
	}

	trigger := &backend.Trigger{
		ID:             uuid.NewString(),
		Name:           req.Name,
		TemplateName:   req.TemplateName,
		InputsTemplate: req.InputsTemplate,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		IsActive:       true,
	}
	if trigger.Timezone == "" {
		trigger.Timezone = "UTC"
	}
	if err := scheduler.ValidateTrigger(trigger, time.Now().UTC()); err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreateTrigger(r.Context(), trigger); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, trigger)
}

// updateTriggerRequest uses pointers so PATCH can distinguish "absent"
// from zero values.
type updateTriggerRequest struct {
	Name           *string         `json:"name"`
	TemplateName   *string         `json:"template_name"`
	InputsTemplate *map[string]any `json:"inputs_template"`
	CronExpression *string         `json:"cron_expression"`
	Timezone       *string         `json:"timezone"`
	IsActive       *bool           `json:"is_active"`
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var req updateTriggerRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	trigger, err := s.store.GetTrigger(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	if req.Name != nil {
		trigger.Name = *req.Name
	}
	if req.TemplateName != nil {
		if _, ok := s.templates.Get(*req.TemplateName); !ok {
			s.fail(w, r, http.StatusNotFound, fmt.Sprintf("workflow %q not found", *req.TemplateName))
			return
		}
		trigger.TemplateName = *req.TemplateName
	}
	if req.InputsTemplate != nil {
		trigger.InputsTemplate = *req.InputsTemplate
	}
	if req.CronExpression != nil {
		trigger.CronExpression = *req.CronExpression
	}
	if req.Timezone != nil {
		trigger.Timezone = *req.Timezone
	}
	if req.IsActive != nil {
		trigger.IsActive = *req.IsActive
		// Reactivation clears the fault that deactivated it.
		if trigger.IsActive {
			trigger.LastError = ""
		}
	}

	if err := scheduler.ValidateTrigger(trigger, time.Now().UTC()); err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateTrigger(r.Context(), trigger); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, trigger)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTrigger(r.Context(), r.PathValue("id")); err != nil {
		s.storeError(w, r, err)
		return
	}
	metrics.RecordAPIRequest(r.Pattern, http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}
