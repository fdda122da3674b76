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

// Package providers implements the inbound email provider adapters:
// verification and parsing of webhook deliveries from Cloudflare Email
// Routing, Amazon SES (SNS-notification and Lambda-relayed paths) and the
// internal Gmail automation path, plus the factory and switcher that select
// between them at runtime.
package providers

import (
	"context"
	"net/http"

	"github.com/chiphi/ingestion/internal/models"
)

// Provider names, used as configuration and cache keys.
const (
	NameCloudflare = "cloudflare"
	NameSES        = "ses"
	NameGmail      = "gmail"
)

// InboundRequest is a snapshot of an inbound webhook request. The HTTP layer
// reads the body exactly once and hands adapters this copy, so Verify and
// Parse can both consume it without draining the live request.
type InboundRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// Header returns the first value for the named header, or "".
func (r *InboundRequest) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// Provider is the capability set every inbound email adapter implements.
// Adapters hold only immutable configuration (secrets, timeouts) and are
// safe for concurrent use across requests.
type Provider interface {
	// Verify authenticates the request against the provider's wire
	// protocol. A nil return means the request is trusted; failures are
	// *VerificationError values.
	Verify(ctx context.Context, req *InboundRequest) error

	// Parse converts the provider wire format into the canonical payload.
	// Failures are *ParsingError values carrying a fresh correlation ID
	// and the accumulated validation problems.
	Parse(ctx context.Context, req *InboundRequest) (*models.NormalizedEmailPayload, error)

	// Name returns the stable provider identifier.
	Name() string

	// HealthCheck reports configuration completeness. It never returns an
	// error and never makes network calls — failures become an unhealthy
	// result.
	HealthCheck(ctx context.Context) models.ProviderHealthCheck
}

// RawContentFetcher retrieves stored raw content (e.g. MIME from object
// storage) referenced by a key carried in the provider payload. Injected
// into adapters so content retrieval stays out of the parsing path.
type RawContentFetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}
