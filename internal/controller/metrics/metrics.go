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

// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirld_runs_started_total",
			Help: "Total run executions claimed by workers, by template",
		},
		[]string{"template"},
	)

	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirld_runs_finished_total",
			Help: "Total run executions finished by workers, by template and resulting status",
		},
		[]string{"template", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wirld_run_duration_seconds",
			Help:    "Wall-clock duration of run executions",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"template", "status"},
	)

	triggersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirld_triggers_fired_total",
			Help: "Total trigger firings that enqueued a run",
		},
		[]string{"template"},
	)

	apiRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirld_api_requests_total",
			Help: "Total control-plane API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

// Worker satisfies the worker pool's metrics interface.
type Worker struct{}

// RunStarted records a claimed run.
func (Worker) RunStarted(template string) {
	runsStarted.WithLabelValues(template).Inc()
}

// RunFinished records a finished run with its resulting status.
func (Worker) RunFinished(template, status string, duration time.Duration) {
	runsFinished.WithLabelValues(template, status).Inc()
	runDuration.WithLabelValues(template, status).Observe(duration.Seconds())
}

// RecordTriggerFired records a trigger firing.
func RecordTriggerFired(template string) {
	triggersFired.WithLabelValues(template).Inc()
}

// RecordAPIRequest records a control-plane request outcome.
func RecordAPIRequest(route string, code int) {
	apiRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
