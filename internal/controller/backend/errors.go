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

package backend

import "fmt"

// NotFoundError reports a missing row. Entity is "run" or "trigger".
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ClaimLostError reports that a worker no longer owns a run row, usually
// because its claim went stale and another worker reclaimed it. The
// worker must abort and leave the run alone.
type ClaimLostError struct {
	RunID    string
	WorkerID string
}

func (e *ClaimLostError) Error() string {
	return fmt.Sprintf("worker %s lost its claim on run %s", e.WorkerID, e.RunID)
}
