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

// Package retry classifies execution failures reported by workflow backends.
package retry

import "strings"

// permanentErrorTypes are failure classes rooted in the workflow or its
// inputs. Re-running the same graph on another machine cannot fix them.
var permanentErrorTypes = []string{
	"value_error",
	"node_not_found",
	"invalid_workflow",
	"missing_node",
	"invalid_input",
	"type_error",
}

// Retryable reports whether a failure with the given error type and
// message is worth retrying on another attempt. Both fields are checked
// because some backends surface the permanent class only in the message
// text. Matching is a case-insensitive substring check since backends
// decorate the base type with module paths and exception class names.
func Retryable(errorType, errorMessage string) bool {
	for _, field := range []string{errorType, errorMessage} {
		lowered := strings.ToLower(field)
		for _, permanent := range permanentErrorTypes {
			if strings.Contains(lowered, permanent) {
				return false
			}
		}
	}
	return true
}
