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

package providers

import "strings"

// Environment names controlling configuration strictness. Production
// requires real secrets; development and test skip the requirement so local
// runs and builds never need live credentials.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// placeholderSecrets are values that look configured but are not. Production
// rejects them the same as an empty secret.
var placeholderSecrets = map[string]struct{}{
	"changeme":    {},
	"change_me":   {},
	"placeholder": {},
	"secret":      {},
	"todo":        {},
	"xxx":         {},
}

// IsPlaceholderSecret reports whether a secret value is a known placeholder.
func IsPlaceholderSecret(secret string) bool {
	_, ok := placeholderSecrets[strings.ToLower(strings.TrimSpace(secret))]
	return ok
}

// requireSecretInProduction enforces the environment-dependent secret
// policy: production needs a real, non-placeholder value; other
// environments may run without one.
func requireSecretInProduction(provider, field, secret, env string) error {
	if env != EnvProduction {
		return nil
	}
	if strings.TrimSpace(secret) == "" {
		return &ConfigurationError{Provider: provider, Field: field, Reason: "required in production"}
	}
	if IsPlaceholderSecret(secret) {
		return &ConfigurationError{Provider: provider, Field: field, Reason: "placeholder value is not allowed in production"}
	}
	return nil
}
