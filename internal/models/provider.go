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

package models

import "time"

// Timeout bounds for provider configuration, in milliseconds.
const (
	MinTimeoutMs     = 1000
	MaxTimeoutMs     = 60000
	DefaultTimeoutMs = 30000
)

// ProviderConfig holds per-adapter configuration. Constructed once per
// adapter instantiation from the environment; never persisted.
type ProviderConfig struct {
	Name          string
	Enabled       bool
	WebhookSecret string
	SharedSecret  string
	TimeoutMs     int
	// VerifySignatures can only be disabled outside production.
	VerifySignatures bool
	Options          map[string]string
}

// ClampTimeout returns the configured timeout forced into the allowed
// [MinTimeoutMs, MaxTimeoutMs] range, defaulting when unset.
func (c ProviderConfig) ClampTimeout() time.Duration {
	ms := c.TimeoutMs
	if ms == 0 {
		ms = DefaultTimeoutMs
	}
	if ms < MinTimeoutMs {
		ms = MinTimeoutMs
	}
	if ms > MaxTimeoutMs {
		ms = MaxTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Redacted returns a copy safe for logging: secrets are replaced with a
// fixed marker so they never reach log output.
func (c ProviderConfig) Redacted() ProviderConfig {
	out := c
	if out.WebhookSecret != "" {
		out.WebhookSecret = "[REDACTED]"
	}
	if out.SharedSecret != "" {
		out.SharedSecret = "[REDACTED]"
	}
	return out
}

// ProviderHealthCheck is the result of probing a single provider adapter.
// Cached by the factory with a TTL; recomputed on demand or expiry.
type ProviderHealthCheck struct {
	Provider       string            `json:"provider"`
	Healthy        bool              `json:"healthy"`
	LastChecked    time.Time         `json:"last_checked"`
	ResponseTimeMs int64             `json:"response_time_ms,omitempty"`
	Error          string            `json:"error,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// EmailProcessingContext is created once per accepted (non-duplicate)
// inbound request. It is not persisted; its correlation ID threads through
// every log line and processing-log entry for the request.
type EmailProcessingContext struct {
	CorrelationID       string            `json:"correlation_id"`
	Provider            string            `json:"provider"`
	OrgSlug             string            `json:"org_slug"`
	MessageID           string            `json:"message_id"`
	ReceivedAt          time.Time         `json:"received_at"`
	ProcessingStartedAt time.Time         `json:"processing_started_at"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}
