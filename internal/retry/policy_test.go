// Copyright 2025 Comfy Deploy
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

package retry

import "testing"

func TestRetryable(t *testing.T) {
	cases := []struct {
		errorType string
		message   string
		want      bool
	}{
		{"cuda_out_of_memory", "oom on device 0", true},
		{"connection_reset", "", true},
		{"", "", true},
		{"value_error", "", false},
		{"Value_Error", "", false},
		{"pydantic: value_error.missing", "", false},
		{"node_not_found", "", false},
		{"NODE_NOT_FOUND", "", false},
		{"invalid_workflow", "", false},
		{"missing_node", "", false},
		{"invalid_input", "", false},
		{"type_error", "", false},
		{"exec: type_error on node 7", "", false},
		{"timeout", "backend gave up", true},

		// Some backends only surface the permanent class in the message.
		{"execution_error", "invalid_input: seed must be an int", false},
		{"", "pydantic value_error.missing for field prompt", false},
		{"execution_error", "MISSING_NODE while resolving 12", false},
		{"execution_error", "device hung", true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.errorType, tc.message); got != tc.want {
			t.Errorf("Retryable(%q, %q) = %v, want %v", tc.errorType, tc.message, got, tc.want)
		}
	}
}
