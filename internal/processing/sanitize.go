// Copyright (c) 2026 ChipHi, Inc.
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

package processing

import "strings"

// sensitiveHeaders are metadata keys that must never reach storage or logs.
// Matched case-insensitively.
var sensitiveHeaders = map[string]struct{}{
	"authorization":          {},
	"x-api-key":              {},
	"x-shared-secret":        {},
	"x-cloudflare-signature": {},
	"cookie":                 {},
	"set-cookie":             {},
	"x-auth-token":           {},
	"proxy-authorization":    {},
}

// SanitizeMetadata returns a copy of the metadata map with sensitive header
// names removed. A nil map stays nil.
func SanitizeMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if _, bad := sensitiveHeaders[strings.ToLower(strings.TrimSpace(k))]; bad {
			continue
		}
		out[k] = v
	}
	return out
}
