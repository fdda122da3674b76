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
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/processing"
	"github.com/chiphi/ingestion/internal/validation"
)

// HeaderSharedSecret authenticates the Lambda-relayed SES path.
const HeaderSharedSecret = "x-shared-secret"

// snsCertURLPattern is the SSRF guard: signing certificates may only be
// downloaded from SNS endpoints. Checked BEFORE any network call.
var snsCertURLPattern = regexp.MustCompile(`^https://sns\.[a-z0-9-]+\.amazonaws\.com/`)

// SES verifies and parses Amazon SES deliveries on two wire paths:
//
//   - SNS path (default): the body is an SNS Notification envelope whose
//     RSA-SHA1 signature is verified against a certificate downloaded from
//     the envelope's SigningCertURL.
//   - Lambda path (request path contains "/lambda"): a Lambda relay has
//     already unwrapped the message; the body is a compact pre-normalised
//     payload authenticated by a shared-secret header.
//
// The path decides the protocol — a Lambda-path request is never treated as
// an SNS envelope even if the body looks like one, and vice versa.
type SES struct {
	cfg     models.ProviderConfig
	env     string
	aliases *validation.AliasValidator
	client  *http.Client
	content RawContentFetcher

	mu    sync.Mutex
	certs map[string]*rsa.PublicKey
}

// NewSES constructs the SES adapter. At least one of webhook secret (SNS
// path is self-authenticating, so this is only used as a kill switch) or
// shared secret must be real in production. The content fetcher may be nil;
// payloads then carry only the storage key.
func NewSES(cfg models.ProviderConfig, env string, aliases *validation.AliasValidator, content RawContentFetcher) (*SES, error) {
	cfg.Name = NameSES
	if err := requireSecretInProduction(NameSES, "shared_secret", cfg.SharedSecret, env); err != nil {
		return nil, err
	}
	return &SES{
		cfg:     cfg,
		env:     env,
		aliases: aliases,
		client:  &http.Client{Timeout: cfg.ClampTimeout()},
		content: content,
		certs:   make(map[string]*rsa.PublicKey),
	}, nil
}

// Name returns the stable provider identifier.
func (s *SES) Name() string { return NameSES }

// isLambdaPath selects the compact shared-secret protocol. The two paths
// are registered as distinct endpoints; this is the single dispatch point.
func isLambdaPath(path string) bool {
	return strings.Contains(path, "/lambda")
}

// Verify authenticates according to the request path: shared-secret header
// for the Lambda relay, SNS envelope signature otherwise.
func (s *SES) Verify(ctx context.Context, req *InboundRequest) error {
	if !s.cfg.VerifySignatures && s.env != EnvProduction {
		return nil
	}
	if isLambdaPath(req.Path) {
		return s.verifySharedSecret(req)
	}
	return s.verifySNS(ctx, req)
}

// verifySharedSecret compares the x-shared-secret header in constant time.
// A length mismatch or missing header is rejected immediately rather than
// leaking timing through an unequal-length comparison.
func (s *SES) verifySharedSecret(req *InboundRequest) error {
	if s.cfg.SharedSecret == "" {
		return &VerificationError{Provider: NameSES, Reason: "no shared secret configured"}
	}
	got := req.Header(HeaderSharedSecret)
	if got == "" {
		return &VerificationError{Provider: NameSES, Reason: "missing " + HeaderSharedSecret + " header"}
	}
	if len(got) != len(s.cfg.SharedSecret) {
		return &VerificationError{Provider: NameSES, Reason: "shared secret mismatch"}
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.SharedSecret)) != 1 {
		return &VerificationError{Provider: NameSES, Reason: "shared secret mismatch"}
	}
	return nil
}

// snsEnvelope is the outer SNS notification wrapper.
type snsEnvelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
}

func (e *snsEnvelope) validate() []string {
	var problems []string
	if e.Type != "Notification" {
		problems = append(problems, fmt.Sprintf("Type must be Notification, got %q", e.Type))
	}
	if e.MessageID == "" {
		problems = append(problems, "MessageId is required")
	}
	if e.TopicArn == "" {
		problems = append(problems, "TopicArn is required")
	}
	if e.Message == "" {
		problems = append(problems, "Message is required")
	}
	if e.Timestamp == "" {
		problems = append(problems, "Timestamp is required")
	}
	if e.SignatureVersion != "1" {
		problems = append(problems, fmt.Sprintf("SignatureVersion must be 1, got %q", e.SignatureVersion))
	}
	if e.Signature == "" {
		problems = append(problems, "Signature is required")
	}
	if e.SigningCertURL == "" {
		problems = append(problems, "SigningCertURL is required")
	}
	return problems
}

// stringToSign builds the canonical SNS signing string: the fixed ordered
// fields, each rendered as "<Key>\n<Value>\n". Subject is included only
// when present.
func (e *snsEnvelope) stringToSign() []byte {
	var b strings.Builder
	write := func(key, value string) {
		b.WriteString(key)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	write("Message", e.Message)
	write("MessageId", e.MessageID)
	if e.Subject != "" {
		write("Subject", e.Subject)
	}
	write("Timestamp", e.Timestamp)
	write("TopicArn", e.TopicArn)
	write("Type", e.Type)
	return []byte(b.String())
}

// verifySNS validates the envelope schema, enforces the certificate URL
// guard, downloads the signing certificate and checks the RSA-SHA1
// signature. Any failure at any stage collapses to a VerificationError.
func (s *SES) verifySNS(ctx context.Context, req *InboundRequest) error {
	var env snsEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return &VerificationError{Provider: NameSES, Reason: "body is not a valid SNS envelope", Err: err}
	}
	if problems := env.validate(); len(problems) > 0 {
		return &VerificationError{Provider: NameSES, Reason: strings.Join(problems, "; ")}
	}
	if !snsCertURLPattern.MatchString(env.SigningCertURL) {
		return &VerificationError{Provider: NameSES, Reason: fmt.Sprintf("signing cert URL %q is not an SNS endpoint", env.SigningCertURL)}
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return &VerificationError{Provider: NameSES, Reason: "signature is not valid base64", Err: err}
	}

	pub, err := s.signingCert(ctx, env.SigningCertURL)
	if err != nil {
		return &VerificationError{Provider: NameSES, Reason: "fetch signing certificate", Err: err}
	}

	digest := sha1.Sum(env.stringToSign())
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig); err != nil {
		return &VerificationError{Provider: NameSES, Reason: "SNS signature mismatch", Err: err}
	}
	return nil
}

// signingCert downloads and caches the RSA public key behind an SNS signing
// certificate URL. The download honours the configured timeout via the
// adapter's HTTP client and the request context.
func (s *SES) signingCert(ctx context.Context, url string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	if pub, ok := s.certs[url]; ok {
		s.mu.Unlock()
		return pub, nil
	}
	s.mu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build cert request: %w", err)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download cert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cert download returned HTTP %d", resp.StatusCode)
	}
	// SNS certificates are ~2KB; cap the read defensively.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read cert body: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("cert body is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse cert: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cert public key is not RSA")
	}

	s.mu.Lock()
	s.certs[url] = pub
	s.mu.Unlock()
	return pub, nil
}

// sesMessage is the inner SES message carried in an SNS envelope.
type sesMessage struct {
	Mail struct {
		Timestamp     string   `json:"timestamp"`
		MessageID     string   `json:"messageId"`
		Source        string   `json:"source"`
		Destination   []string `json:"destination"`
		CommonHeaders struct {
			Subject string `json:"subject"`
		} `json:"commonHeaders"`
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"mail"`
	Content struct {
		Text        string `json:"text"`
		HTML        string `json:"html"`
		S3ObjectKey string `json:"s3ObjectKey"`
	} `json:"content"`
	Attachments []map[string]any `json:"attachments"`
}

// lambdaPayload is the compact pre-normalised shape the Lambda relay sends.
type lambdaPayload struct {
	Alias       string           `json:"alias"`
	MessageID   string           `json:"messageId"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Subject     string           `json:"subject"`
	Text        string           `json:"text"`
	HTML        string           `json:"html"`
	RawRef      string           `json:"rawRef"`
	ReceivedAt  string           `json:"receivedAt"`
	Attachments []map[string]any `json:"attachments"`
}

// Parse dispatches on the request path like Verify does.
func (s *SES) Parse(ctx context.Context, req *InboundRequest) (*models.NormalizedEmailPayload, error) {
	if isLambdaPath(req.Path) {
		return s.parseLambda(req)
	}
	return s.parseSNS(ctx, req)
}

// parseSNS unwraps envelope → inner message → canonical payload.
func (s *SES) parseSNS(ctx context.Context, req *InboundRequest) (*models.NormalizedEmailPayload, error) {
	correlationID := processing.NewCorrelationID()

	var env snsEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, &ParsingError{
			Provider:      NameSES,
			CorrelationID: correlationID,
			Problems:      []string{"body is not valid JSON"},
			Err:           err,
		}
	}
	if problems := env.validate(); len(problems) > 0 {
		return nil, &ParsingError{Provider: NameSES, CorrelationID: correlationID, Problems: problems}
	}

	var msg sesMessage
	if err := json.Unmarshal([]byte(env.Message), &msg); err != nil {
		return nil, &ParsingError{
			Provider:      NameSES,
			CorrelationID: correlationID,
			Problems:      []string{"SNS Message is not valid JSON"},
			Err:           err,
		}
	}

	var problems []string
	if msg.Mail.MessageID == "" {
		problems = append(problems, "mail.messageId is required")
	}
	if msg.Mail.Source == "" {
		problems = append(problems, "mail.source is required")
	}
	if len(msg.Mail.Destination) == 0 {
		problems = append(problems, "mail.destination must have at least one recipient")
	}
	if len(problems) > 0 {
		return nil, &ParsingError{Provider: NameSES, CorrelationID: correlationID, Problems: problems}
	}

	text, html := msg.Content.Text, msg.Content.HTML
	if text == "" && html == "" && msg.Content.S3ObjectKey != "" && s.content != nil {
		// Raw MIME lives in object storage; retrieval is an injected
		// capability so the adapter stays protocol-only.
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.ClampTimeout())
		raw, err := s.content.Fetch(fetchCtx, msg.Content.S3ObjectKey)
		cancel()
		if err == nil {
			text = string(raw)
		}
	}
	if text == "" && html == "" {
		return nil, &ParsingError{
			Provider:      NameSES,
			CorrelationID: correlationID,
			Problems:      []string{"message has no text or html content"},
		}
	}

	metadata := make(map[string]string, len(msg.Mail.Headers))
	for _, h := range msg.Mail.Headers {
		metadata[h.Name] = h.Value
	}

	var receivedAt *time.Time
	if ts, err := time.Parse(time.RFC3339, msg.Mail.Timestamp); err == nil {
		utc := ts.UTC()
		receivedAt = &utc
	}

	payload := &models.NormalizedEmailPayload{
		Alias:       msg.Mail.Destination[0],
		MessageID:   msg.Mail.MessageID,
		From:        msg.Mail.Source,
		To:          msg.Mail.Destination[0],
		Subject:     msg.Mail.CommonHeaders.Subject,
		Text:        text,
		HTML:        html,
		Attachments: NormalizeAttachments(msg.Attachments),
		RawRef:      msg.Content.S3ObjectKey,
		ReceivedAt:  receivedAt,
		Metadata:    processing.SanitizeMetadata(metadata),
	}

	if problems := s.aliases.Payload(payload); len(problems) > 0 {
		return nil, &ParsingError{Provider: NameSES, CorrelationID: correlationID, Problems: problems}
	}
	return payload, nil
}

// parseLambda validates the compact payload and passes it through with type
// coercion.
func (s *SES) parseLambda(req *InboundRequest) (*models.NormalizedEmailPayload, error) {
	correlationID := processing.NewCorrelationID()

	var raw lambdaPayload
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return nil, &ParsingError{
			Provider:      NameSES,
			CorrelationID: correlationID,
			Problems:      []string{"body is not valid JSON"},
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
	}
	if payload.To == "" {
		payload.To = raw.Alias
	}

	if problems := s.aliases.Payload(payload); len(problems) > 0 {
		return nil, &ParsingError{Provider: NameSES, CorrelationID: correlationID, Problems: problems}
	}
	return payload, nil
}

// HealthCheck reports which secrets are present. The SNS certificate
// download is exercised during actual verification, never here.
func (s *SES) HealthCheck(_ context.Context) models.ProviderHealthCheck {
	start := time.Now()
	webhookPresent := s.cfg.WebhookSecret != ""
	sharedPresent := s.cfg.SharedSecret != ""
	healthy := webhookPresent || sharedPresent ||
		(!s.cfg.VerifySignatures && s.env != EnvProduction)

	hc := models.ProviderHealthCheck{
		Provider:       NameSES,
		Healthy:        healthy,
		LastChecked:    time.Now().UTC(),
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Details: map[string]string{
			"webhook_secret_present": fmt.Sprintf("%t", webhookPresent),
			"shared_secret_present":  fmt.Sprintf("%t", sharedPresent),
			"verification_enabled":   fmt.Sprintf("%t", s.cfg.VerifySignatures),
			"environment":            s.env,
		},
	}
	if !healthy {
		hc.Error = "no secret configured and verification enabled"
	}
	return hc
}

// NormalizeAttachments converts mixed-shape upstream attachment entries into
// the canonical form. Upstream senders disagree on field names
// (filename/name, contentType/type, s3ObjectKey/key); entries with no name
// under any variant are dropped, not fatal.
func NormalizeAttachments(raw []map[string]any) []models.Attachment {
	if len(raw) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(raw))
	for _, entry := range raw {
		name := firstString(entry, "filename", "name")
		if name == "" {
			continue
		}
		out = append(out, models.Attachment{
			Name:        name,
			ContentType: firstString(entry, "contentType", "type", "content_type"),
			Size:        firstSize(entry, "size"),
			StorageKey:  firstString(entry, "s3ObjectKey", "key", "storage_key"),
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstSize(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case int:
		if v > 0 {
			return int64(v)
		}
	}
	return 0
}
