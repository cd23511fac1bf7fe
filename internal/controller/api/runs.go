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
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/internal/httputil"
	"github.com/wirl-lang/wirld/pkg/engine"
)

const defaultPageLimit = 50

type templateSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list := s.templates.List()
	out := make([]templateSummary, 0, len(list))
	for _, tmpl := range list {
		out = append(out, templateSummary{ID: tmpl.Hash, Name: tmpl.Name, Path: tmpl.Path})
	}
	s.respond(w, r, http.StatusOK, out)
}

type runSummary struct {
	ID        string    `json:"id"`
	Template  string    `json:"template"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type runPage struct {
	Items  []runSummary `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil || limit <= 0 {
		s.fail(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.fail(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	filter := backend.RunFilter{
		Status:   r.URL.Query().Get("status"),
		Template: r.URL.Query().Get("template"),
		Limit:    limit,
		Offset:   offset,
	}
	runs, total, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	items := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		items = append(items, runSummary{
			ID:        run.ID,
			Template:  run.TemplateName,
			Status:    run.Status,
			CreatedAt: run.CreatedAt,
		})
	}
	s.respond(w, r, http.StatusOK, runPage{Items: items, Total: total, Limit: limit, Offset: offset})
}

type runDetail struct {
	ID       string         `json:"id"`
	Template string         `json:"template"`
	Status   string         `json:"status"`
	Inputs   map[string]any `json:"inputs"`
	Result   map[string]any `json:"result"`
	Error    string         `json:"error,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, runDetail{
		ID:       run.ID,
		Template: run.TemplateName,
		Status:   run.Status,
		Inputs:   run.Inputs,
		Result:   run.Result,
		Error:    run.Error,
	})
}

type startRequest struct {
	TemplateName string         `json:"template_name"`
	Inputs       map[string]any `json:"inputs"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TemplateName == "" {
		s.fail(w, r, http.StatusBadRequest, "template_name is required")
		return
	}

	tmpl, ok := s.templates.Get(req.TemplateName)
	if !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Sprintf("workflow %q not found", req.TemplateName))
		return
	}
	for _, in := range tmpl.Graph.Inputs {
		if _, ok := req.Inputs[in.Name]; !ok {
			s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("missing input %q", in.Name))
			return
		}
	}

	run := &backend.Run{
		ID:           uuid.NewString(),
		TemplateName: tmpl.Name,
		WorkflowHash: tmpl.Hash,
		Status:       backend.StatusQueued,
		Inputs:       req.Inputs,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, map[string]any{
		"id":     run.ID,
		"status": run.Status,
		"result": nil,
	})
}

type continueRequest struct {
	Inputs map[string]any `json:"inputs"`
}

// handleContinueRun resumes a suspended run or retries a failed one.
func (s *Server) handleContinueRun(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	switch run.Status {
	case backend.StatusNeedsInput:
		run.ResumePayload = req.Inputs
	case backend.StatusFailed:
		run.RetryCount++
		run.Error = ""
		run.ResumePayload = req.Inputs
	default:
		s.fail(w, r, http.StatusConflict,
			fmt.Sprintf("cannot continue run in status %q", run.Status))
		return
	}

	run.Status = backend.StatusQueued
	run.ClaimedBy = ""
	run.ClaimedAt = nil
	if err := s.store.UpdateRun(r.Context(), run); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusAccepted, map[string]any{
		"id":     run.ID,
		"status": run.Status,
	})
}

// handleCancelRun requests cooperative cancellation. Runs no worker is
// executing cancel immediately; running ones cancel at the next
// superstep boundary.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	switch run.Status {
	case backend.StatusQueued, backend.StatusNeedsInput:
		run.Status = backend.StatusCanceled
		run.CancelRequested = false
	case backend.StatusRunning:
		run.CancelRequested = true
	default:
		s.fail(w, r, http.StatusConflict,
			fmt.Sprintf("cannot cancel run in status %q", run.Status))
		return
	}

	if err := s.store.UpdateRun(r.Context(), run); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusAccepted, map[string]any{
		"id":               run.ID,
		"status":           run.Status,
		"cancel_requested": run.CancelRequested,
	})
}

type stepWrite struct {
	Kind      string `json:"kind"`
	Channel   string `json:"channel"`
	Value     any    `json:"value"`
	Iteration int    `json:"iteration,omitempty"`
}

type stepDetail struct {
	Step        int            `json:"step"`
	Node        string         `json:"node"`
	TaskID      string         `json:"task_id"`
	Timestamp   time.Time      `json:"timestamp"`
	InputState  map[string]any `json:"input_state"`
	OutputState map[string]any `json:"output_state"`
	Branches    []string       `json:"branches,omitempty"`
	Writes      []stepWrite    `json:"writes"`
}

type runDetails struct {
	InitialState map[string]any `json:"initial_state"`
	Steps        []stepDetail   `json:"steps"`
}

// handleRunDetails reconstructs the per-superstep trace from the
// checkpoint sequence. Snapshot N records the writes that moved state
// from snapshot N-1 to snapshot N.
func (s *Server) handleRunDetails(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	snaps, err := s.store.ListCheckpoints(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	details := runDetails{Steps: []stepDetail{}}
	var prev map[string]any
	for i, snap := range snaps {
		if i == 0 {
			details.InitialState = snap.Channels
			prev = snap.Channels
			continue
		}
		for _, step := range stepsFromSnapshot(run.ID, snap, prev) {
			details.Steps = append(details.Steps, step)
		}
		prev = snap.Channels
	}
	s.respond(w, r, http.StatusOK, details)
}

// stepsFromSnapshot groups a snapshot's write log by node. Writes from
// inside a cycle carry an iteration tag, so each pass over a cycle node
// becomes its own step.
func stepsFromSnapshot(runID string, snap *engine.Snapshot, prev map[string]any) []stepDetail {
	var order []string
	byNode := make(map[string]*stepDetail)
	for _, wr := range snap.Writes {
		key := wr.Node
		taskID := fmt.Sprintf("%s:%d:%s", runID, snap.Superstep, wr.Node)
		if wr.Iteration > 0 {
			key = fmt.Sprintf("%s#%d", wr.Node, wr.Iteration)
			taskID = fmt.Sprintf("%s:%d", taskID, wr.Iteration)
		}
		step, ok := byNode[key]
		if !ok {
			step = &stepDetail{
				Step:        snap.Superstep,
				Node:        wr.Node,
				TaskID:      taskID,
				Timestamp:   snap.CreatedAt,
				InputState:  prev,
				OutputState: snap.Channels,
				Writes:      []stepWrite{},
			}
			byNode[key] = step
			order = append(order, key)
		}
		if wr.Kind == engine.WriteBranch {
			step.Branches = append(step.Branches, wr.Channel)
			continue
		}
		step.Writes = append(step.Writes, stepWrite{
			Kind:      wr.Kind,
			Channel:   wr.Channel,
			Value:     wr.Value,
			Iteration: wr.Iteration,
		})
	}

	out := make([]stepDetail, 0, len(order))
	for _, key := range order {
		out = append(out, *byNode[key])
	}
	return out
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
