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

package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter name fragments redacted before a
// URL is logged. Machine endpoints and webhook targets carry bearer
// tokens, serverless provider API keys, and signed URLs in their query
// strings.
var sensitiveParams = []string{
	"token",
	"api_key",
	"apikey",
	"auth",
	"password",
	"secret",
	"key",
	"credential",
	"signature",
}

// sanitizeURL strips credentials from a URL before logging. Sensitive
// query parameters are redacted and any userinfo component is replaced,
// since machine endpoints may embed basic-auth credentials.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	q := u.Query()
	for param := range q {
		if isSensitiveParam(param) {
			q.Set(param, "[REDACTED]")
		}
	}

	safe := *u
	safe.RawQuery = q.Encode()
	if safe.User != nil {
		safe.User = url.User("[REDACTED]")
	}
	return safe.String()
}

// isSensitiveParam reports whether a parameter name looks credential
// bearing. Matching is a case-insensitive substring check so variants
// like "AUTH_TOKEN" and "machine_api_key" are caught.
func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, sensitive := range sensitiveParams {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
