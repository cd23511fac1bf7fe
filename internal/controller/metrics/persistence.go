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

package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wirld_store_errors_total",
		Help: "Total storage operation failures by operation and error type",
	},
	[]string{"operation", "error_type"},
)

// RecordStoreError increments the storage failure counter. operation
// names the backend call (ClaimRun, FinishRun, Heartbeat, ...).
func RecordStoreError(operation string, err error) {
	storeErrors.WithLabelValues(operation, classifyError(err)).Inc()
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "io_error"
	}
}
