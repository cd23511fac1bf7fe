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

package workflow

import "github.com/wirl-lang/wirld/pkg/wirl"

// ApplyReducer combines a new write with the prior value of a channel.
// Values follow JSON shapes: append requires []any on both sides, merge
// requires map[string]any with the later value winning per key. A nil
// prior means the channel has not been written yet.
func ApplyReducer(r wirl.Reducer, channel string, prior, next any) (any, error) {
	switch r {
	case wirl.ReducerReplace, "":
		return next, nil

	case wirl.ReducerAppend:
		nextList, ok := next.([]any)
		if !ok {
			return nil, &ReducerError{Channel: channel, Reducer: r, Value: next}
		}
		if prior == nil {
			return append([]any(nil), nextList...), nil
		}
		priorList, ok := prior.([]any)
		if !ok {
			return nil, &ReducerError{Channel: channel, Reducer: r, Value: prior}
		}
		merged := make([]any, 0, len(priorList)+len(nextList))
		merged = append(merged, priorList...)
		merged = append(merged, nextList...)
		return merged, nil

	case wirl.ReducerMerge:
		nextMap, ok := next.(map[string]any)
		if !ok {
			return nil, &ReducerError{Channel: channel, Reducer: r, Value: next}
		}
		if prior == nil {
			out := make(map[string]any, len(nextMap))
			for k, v := range nextMap {
				out[k] = v
			}
			return out, nil
		}
		priorMap, ok := prior.(map[string]any)
		if !ok {
			return nil, &ReducerError{Channel: channel, Reducer: r, Value: prior}
		}
		out := make(map[string]any, len(priorMap)+len(nextMap))
		for k, v := range priorMap {
			out[k] = v
		}
		for k, v := range nextMap {
			out[k] = v
		}
		return out, nil
	}

	return nil, &ReducerError{Channel: channel, Reducer: r, Value: next}
}
