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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/processing"
	"github.com/chiphi/ingestion/internal/validation"
)

// HeaderCloudflareSignature carries the hex HMAC-SHA256 of the raw body.
const HeaderCloudflareSignature = "x-cloudflare-signature"

// Cloudflare verifies and parses Cloudflare Email Routing webhook deliveries.
type Cloudflare struct {
	cfg     models.ProviderConfig
	env     string
	aliases *validation.AliasValidator
}

// NewCloudflare constructs the Cloudflare adapter. In production a real
// webhook secret is required; development and test environments may run
// without one, in which case verification short-circuits to success.
func NewCloudflare(cfg models.ProviderConfig, env string, aliases *validation.AliasValidator) (*Cloudflare, error) {
	cfg.Name = NameCloudflare
	if err := requireSecretInProduction(NameCloudflare, "webhook_secret", cfg.WebhookSecret, env); err != nil {
		return nil, err
	}
	return &Cloudflare{cfg: cfg, env: env, aliases: aliases}, nil
}

// Name returns the stable provider identifier.
func (c *Cloudflare) Name() string { return NameCloudflare }

// Verify checks the x-cloudflare-signature header: hex HMAC-SHA256 over the
// raw body with the shared secret, compared in constant time. The length
// check happens before any digest comparison so short signatures are never
// fed into a timing-sensitive path.
func (c *Cloudflare) Verify(_ context.Context, req *InboundRequest) error {
	if c.cfg.WebhookSecret == "" {
		if c.env == EnvProduction {
			return &VerificationError{Provider: NameCloudflare, Reason: "no webhook secret configured"}
		}
		// Explicit development escape hatch, not a default.
		return nil
	}

	sig := strings.TrimSpace(req.Header(HeaderCloudflareSignature))
	if sig == "" {
		return &VerificationError{Provider: NameCloudflare, Reason: "missing " + HeaderCloudflareSignature + " header"}
	}
	if len(sig) != hex.EncodedLen(sha256.Size) {
		return &VerificationError{Provider: NameCloudflare, Reason: "signature has wrong length"}
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return &VerificationError{Provider: NameCloudflare, Reason: "signature is not valid hex", Err: err}
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(req.Body)
	if subtle.ConstantTimeCompare(got, mac.Sum(nil)) != 1 {
		return &VerificationError{Provider: NameCloudflare, Reason: "signature mismatch"}
	}
	return nil
}

// cloudflarePayload mirrors the Cloudflare Email Routing webhook schema.
type cloudflarePayload struct {
	Personalizations []struct {
		To []struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"to"`
	} `json:"personalizations"`
	From struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"from"`
	Subject string `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
	Headers     map[string]string `json:"headers"`
	Attachments []struct {
		Filename string `json:"filename"`
		Type     string `json:"type"`
		Content  string `json:"content"` // base64
	} `json:"attachments"`
	RawRef string `json:"raw_ref"`
}

// Parse validates the Cloudflare payload and converts it into the canonical
// form. The message ID falls back to a generated cf_<timestamp>_<random>
// identifier when the headers carry none.
func (c *Cloudflare) Parse(_ context.Context, req *InboundRequest) (*models.NormalizedEmailPayload, error) {
	correlationID := processing.NewCorrelationID()

	var raw cloudflarePayload
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return nil, &ParsingError{
			Provider:      NameCloudflare,
			CorrelationID: correlationID,
			Problems:      []string{"body is not valid JSON"},
			Err:           err,
		}
	}

	var problems []string
	if len(raw.Personalizations) == 0 || len(raw.Personalizations[0].To) == 0 ||
		raw.Personalizations[0].To[0].Email == "" {
		problems = append(problems, "personalizations[0].to[0].email is required")
	}
	if raw.From.Email == "" {
		problems = append(problems, "from.email is required")
	}

	var text, html string
	for _, part := range raw.Content {
		switch part.Type {
		case "text/plain":
			text = part.Value
		case "text/html":
			html = part.Value
		}
	}
	if text == "" && html == "" {
		problems = append(problems, "content[] has neither text/plain nor text/html entry")
	}
	if len(problems) > 0 {
		return nil, &ParsingError{Provider: NameCloudflare, CorrelationID: correlationID, Problems: problems}
	}

	messageID := messageIDFromHeaders(raw.Headers)
	if messageID == "" {
		messageID = generatedMessageID("cf")
	}

	attachments := make([]models.Attachment, 0, len(raw.Attachments))
	for _, a := range raw.Attachments {
		if a.Filename == "" {
			continue
		}
		size := 0
		if a.Content != "" {
			if decoded, err := base64.StdEncoding.DecodeString(a.Content); err == nil {
				size = len(decoded)
			}
		}
		attachments = append(attachments, models.Attachment{
			Name:        a.Filename,
			ContentType: a.Type,
			Size:        int64(size),
		})
	}

	payload := &models.NormalizedEmailPayload{
		Alias:       raw.Personalizations[0].To[0].Email,
		MessageID:   messageID,
		From:        raw.From.Email,
		To:          raw.Personalizations[0].To[0].Email,
		Subject:     raw.Subject,
		Text:        text,
		HTML:        html,
		Attachments: attachments,
		RawRef:      raw.RawRef,
		Metadata:    processing.SanitizeMetadata(raw.Headers),
	}

	if problems := c.aliases.Payload(payload); len(problems) > 0 {
		return nil, &ParsingError{Provider: NameCloudflare, CorrelationID: correlationID, Problems: problems}
	}
	return payload, nil
}

// HealthCheck reports configuration completeness without network calls.
func (c *Cloudflare) HealthCheck(_ context.Context) models.ProviderHealthCheck {
	start := time.Now()
	secretPresent := c.cfg.WebhookSecret != ""
	healthy := secretPresent || c.env != EnvProduction

	hc := models.ProviderHealthCheck{
		Provider:       NameCloudflare,
		Healthy:        healthy,
		LastChecked:    time.Now().UTC(),
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Details: map[string]string{
			"secret_present": fmt.Sprintf("%t", secretPresent),
			"environment":    c.env,
		},
	}
	if !healthy {
		hc.Error = "webhook secret missing in production"
	}
	return hc
}

// messageIDFromHeaders extracts a Message-ID style header, case-insensitively.
func messageIDFromHeaders(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "message-id") {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// generatedMessageID builds a fallback provider-unique identifier.
func generatedMessageID(prefix string) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().Unix(), random)
}
