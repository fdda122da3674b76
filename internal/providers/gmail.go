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

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/processing"
	"github.com/chiphi/ingestion/internal/validation"
)

// Headers that mark a request as coming from trusted internal automation.
const (
	HeaderN8NWorkflow = "x-n8n-workflow"
	HeaderN8NAIAgent  = "x-n8n-ai-agent"
	HeaderTestMode    = "x-test-mode"
)

// Gmail is the secondary, lower-trust ingestion path used by internal
// automation and testing. It performs no signature verification: requests
// are trusted when they carry an internal-automation header, or — in
// non-production test mode — when the body is at least well-formed JSON.
// Not intended to face the public internet.
type Gmail struct {
	cfg     models.ProviderConfig
	env     string
	aliases *validation.AliasValidator
}

// NewGmail constructs the Gmail adapter. No secret is required in any
// environment; the trust model is network-level.
func NewGmail(cfg models.ProviderConfig, env string, aliases *validation.AliasValidator) (*Gmail, error) {
	cfg.Name = NameGmail
	return &Gmail{cfg: cfg, env: env, aliases: aliases}, nil
}

// Name returns the stable provider identifier.
func (g *Gmail) Name() string { return NameGmail }

// Verify accepts trusted internal-automation headers, or well-formed JSON
// in restricted test mode.
func (g *Gmail) Verify(_ context.Context, req *InboundRequest) error {
	if req.Header(HeaderN8NWorkflow) != "" || req.Header(HeaderN8NAIAgent) != "" {
		return nil
	}
	if g.env != EnvProduction && req.Header(HeaderTestMode) != "" {
		if !json.Valid(req.Body) {
			return &VerificationError{Provider: NameGmail, Reason: "test-mode body is not valid JSON"}
		}
		return nil
	}
	return &VerificationError{Provider: NameGmail, Reason: "no trusted automation header present"}
}

// gmailPayload is already canonical-shaped; anything else is unsupported.
type gmailPayload struct {
	Alias       string            `json:"alias"`
	MessageID   string            `json:"messageId"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	HTML        string            `json:"html"`
	RawRef      string            `json:"rawRef"`
	ReceivedAt  string            `json:"receivedAt"`
	Attachments []map[string]any  `json:"attachments"`
	Metadata    map[string]string `json:"metadata"`
}

// Parse passes a canonical-shaped payload through unchanged.
func (g *Gmail) Parse(_ context.Context, req *InboundRequest) (*models.NormalizedEmailPayload, error) {
	correlationID := processing.NewCorrelationID()

	var raw gmailPayload
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return nil, &ParsingError{
			Provider:      NameGmail,
			CorrelationID: correlationID,
			Problems:      []string{"body is not a canonical-shaped JSON payload"},
			Err:           err,
		}
	}

	var receivedAt *time.Time
	if raw.ReceivedAt != "" {
		if ts, err := time.Parse(time.RFC3339, raw.ReceivedAt); err == nil {
			utc := ts.UTC()
			receivedAt = &utc
		}
	}

	payload := &models.NormalizedEmailPayload{
		Alias:       raw.Alias,
		MessageID:   raw.MessageID,
		From:        raw.From,
		To:          raw.To,
		Subject:     raw.Subject,
		Text:        raw.Text,
		HTML:        raw.HTML,
		Attachments: NormalizeAttachments(raw.Attachments),
		RawRef:      raw.RawRef,
		ReceivedAt:  receivedAt,
		Metadata:    processing.SanitizeMetadata(raw.Metadata),
	}
	if payload.To == "" {
		payload.To = raw.Alias
	}

	if problems := g.aliases.Payload(payload); len(problems) > 0 {
		return nil, &ParsingError{Provider: NameGmail, CorrelationID: correlationID, Problems: problems}
	}
	return payload, nil
}

// HealthCheck always succeeds when the adapter is enabled — there is no
// configuration that can be incomplete.
func (g *Gmail) HealthCheck(_ context.Context) models.ProviderHealthCheck {
	start := time.Now()
	return models.ProviderHealthCheck{
		Provider:       NameGmail,
		Healthy:        true,
		LastChecked:    time.Now().UTC(),
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Details: map[string]string{
			"trust":       "internal-automation headers",
			"environment": g.env,
			"enabled":     fmt.Sprintf("%t", g.cfg.Enabled),
		},
	}
}
