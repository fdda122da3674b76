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

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/chiphi/ingestion/internal/idempotency"
	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/providers"
)

const testSecret = "cf-webhook-secret-1"

// memIdem is an in-memory idempotency guard keyed on (org, alias, message ID).
type memIdem struct {
	mu       sync.Mutex
	records  map[string]*models.IdempotencyRecord
	checks   int
	checkErr error
}

func newMemIdem() *memIdem {
	return &memIdem{records: make(map[string]*models.IdempotencyRecord)}
}

func idemKey(p idempotency.CheckParams) string {
	return p.OrgID + "|" + p.Alias + "|" + p.MessageID
}

func (m *memIdem) Check(_ context.Context, p idempotency.CheckParams) models.IdempotencyResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks++
	if m.checkErr != nil {
		return models.IdempotencyResult{ShouldProcess: true, CheckError: m.checkErr}
	}
	if existing, ok := m.records[idemKey(p)]; ok {
		return models.IdempotencyResult{IsDuplicate: true, ExistingRecord: existing}
	}
	rec := &models.IdempotencyRecord{
		OrgID:         p.OrgID,
		Alias:         p.Alias,
		MessageID:     p.MessageID,
		Provider:      p.Provider,
		CorrelationID: p.CorrelationID,
	}
	m.records[idemKey(p)] = rec
	return models.IdempotencyResult{ShouldProcess: true, Record: rec}
}

func (m *memIdem) LinkEmail(_ context.Context, p idempotency.CheckParams, emailID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[idemKey(p)]; ok {
		rec.EmailID = &emailID
	}
}

type memEmails struct {
	mu     sync.Mutex
	stored []*models.NormalizedEmailPayload
	err    error
}

func (m *memEmails) Store(_ context.Context, payload *models.NormalizedEmailPayload, orgID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.stored = append(m.stored, payload)
	return fmt.Sprintf("email-%d", len(m.stored)), nil
}

type memQueue struct {
	mu       sync.Mutex
	enqueued int
	err      error
}

func (m *memQueue) Enqueue(_ context.Context, _, _ string, _ *models.NormalizedEmailPayload, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.enqueued++
	return nil
}

// memFilter is an in-memory advisory dedup filter.
type memFilter struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *memFilter) IsNew(_ context.Context, orgID, alias, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	k := orgID + "|" + alias + "|" + messageID
	if m.seen[k] {
		return false, nil
	}
	m.seen[k] = true
	return true, nil
}

type fixture struct {
	handler  *Handler
	factory  *providers.Factory
	switcher *providers.Switcher
	idem     *memIdem
	emails   *memEmails
	queue    *memQueue
}

// withFilter rebuilds the handler with an advisory dedup filter in front of
// the durable check.
func (f *fixture) withFilter(filter DedupFilter) {
	f.handler = NewHandler(f.factory, f.switcher, f.idem, f.emails, f.queue, filter, nil)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	factory, err := providers.NewFactory(providers.FactoryConfig{
		Environment:     providers.EnvTest,
		InboxDomain:     "inbox.chiphi.ai",
		DefaultProvider: providers.NameCloudflare,
		Providers: map[string]models.ProviderConfig{
			providers.NameCloudflare: {Enabled: true, WebhookSecret: testSecret},
			providers.NameGmail:      {Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	switcher, err := providers.NewSwitcher(factory, providers.NameCloudflare)
	if err != nil {
		t.Fatalf("NewSwitcher: %v", err)
	}

	f := &fixture{
		factory:  factory,
		switcher: switcher,
		idem:     newMemIdem(),
		emails:   &memEmails{},
		queue:    &memQueue{},
	}
	f.handler = NewHandler(factory, switcher, f.idem, f.emails, f.queue, nil, nil)
	return f
}

func cloudflareBody(t *testing.T, alias, messageID string) []byte {
	t.Helper()
	payload := map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": alias}}},
		},
		"from":    map[string]string{"email": "billing@vendor.example"},
		"subject": "Invoice #42",
		"content": []map[string]string{
			{"type": "text/plain", "value": "Amount due: $10"},
		},
		"headers": map[string]string{"Message-ID": messageID},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postCloudflare(f *fixture, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/cloudflare", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(providers.HeaderCloudflareSignature, signature)
	}
	rr := httptest.NewRecorder()
	f.handler.Mux().ServeHTTP(rr, req)
	return rr
}

func TestInboundAccepted(t *testing.T) {
	f := newFixture(t)
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-1@vendor.example>")

	rr := postCloudflare(f, body, sign(testSecret, body))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rr.Code, rr.Body.String())
	}
	var resp response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "accepted" || resp.EmailID == "" || resp.CorrelationID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(f.emails.stored) != 1 {
		t.Fatalf("stored = %d, want 1", len(f.emails.stored))
	}
	if f.queue.enqueued != 1 {
		t.Fatalf("enqueued = %d, want 1", f.queue.enqueued)
	}
	rec := f.idem.records["acme|u_acme@inbox.chiphi.ai|<msg-1@vendor.example>"]
	if rec == nil || rec.EmailID == nil || *rec.EmailID != resp.EmailID {
		t.Fatalf("idempotency record not linked: %+v", rec)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	f := newFixture(t)
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-2@vendor.example>")

	rr := postCloudflare(f, body, sign("wrong-secret", body))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if len(f.emails.stored) != 0 || f.queue.enqueued != 0 {
		t.Fatal("rejected request must not reach storage or queue")
	}
}

func TestMissingSignatureRejected(t *testing.T) {
	f := newFixture(t)
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-3@vendor.example>")

	rr := postCloudflare(f, body, "")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestInvalidPayloadRejected(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"personalizations":[{"to":[{"email":"u_acme@inbox.chiphi.ai"}]}],"subject":"x"}`)

	rr := postCloudflare(f, body, sign(testSecret, body))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body: %s", rr.Code, rr.Body.String())
	}
	var resp response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Problems) == 0 {
		t.Fatal("expected problems list in response")
	}
}

func TestDuplicateDeliveryAcknowledged(t *testing.T) {
	f := newFixture(t)
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-4@vendor.example>")
	sig := sign(testSecret, body)

	first := postCloudflare(f, body, sig)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first delivery status = %d, want 202", first.Code)
	}

	second := postCloudflare(f, body, sig)
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", second.Code)
	}
	var resp response
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "duplicate" {
		t.Fatalf("status = %q, want duplicate", resp.Status)
	}
	if resp.EmailID == "" {
		t.Fatal("duplicate ack should carry the original email ID")
	}
	if len(f.emails.stored) != 1 || f.queue.enqueued != 1 {
		t.Fatalf("duplicate must not store or enqueue again: stored=%d enqueued=%d",
			len(f.emails.stored), f.queue.enqueued)
	}
}

func TestAdvisoryDedupShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.withFilter(&memFilter{})
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-fast@vendor.example>")
	sig := sign(testSecret, body)

	first := postCloudflare(f, body, sig)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first delivery status = %d, want 202", first.Code)
	}
	checksAfterFirst := f.idem.checks

	second := postCloudflare(f, body, sig)
	if second.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", second.Code)
	}
	var resp response
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "duplicate" {
		t.Fatalf("status = %q, want duplicate", resp.Status)
	}
	if f.idem.checks != checksAfterFirst {
		t.Errorf("fast-path hit must not reach the durable check: checks went %d -> %d",
			checksAfterFirst, f.idem.checks)
	}
	if len(f.emails.stored) != 1 || f.queue.enqueued != 1 {
		t.Errorf("fast-path duplicate must not store or enqueue: stored=%d enqueued=%d",
			len(f.emails.stored), f.queue.enqueued)
	}
}

func TestAdvisoryDedupErrorFallsThrough(t *testing.T) {
	f := newFixture(t)
	f.withFilter(&memFilter{err: errors.New("redis down")})
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-redis@vendor.example>")

	rr := postCloudflare(f, body, sign(testSecret, body))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (filter errors must not block intake)", rr.Code)
	}
	if f.idem.checks != 1 {
		t.Errorf("durable check must run when the filter errors: checks = %d", f.idem.checks)
	}
}

func TestIdempotencyFailureFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.idem.checkErr = errors.New("postgres down")
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-5@vendor.example>")

	rr := postCloudflare(f, body, sign(testSecret, body))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (fail open)", rr.Code)
	}
	if len(f.emails.stored) != 1 {
		t.Fatal("fail-open delivery must still be stored")
	}
}

func TestEnqueueFailureStillAccepted(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis down")
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-6@vendor.example>")

	rr := postCloudflare(f, body, sign(testSecret, body))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; the email is durable before enqueue", rr.Code)
	}
}

func TestStoreFailureReturns500(t *testing.T) {
	f := newFixture(t)
	f.emails.err = errors.New("disk full")
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-7@vendor.example>")

	rr := postCloudflare(f, body, sign(testSecret, body))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if f.queue.enqueued != 0 {
		t.Fatal("failed store must not enqueue")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook/cloudflare", nil)
	rr := httptest.NewRecorder()
	f.handler.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestGenericEndpointUsesActiveProvider(t *testing.T) {
	f := newFixture(t)
	body := cloudflareBody(t, "u_acme@inbox.chiphi.ai", "<msg-8@vendor.example>")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(providers.HeaderCloudflareSignature, sign(testSecret, body))
	rr := httptest.NewRecorder()
	f.handler.Mux().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rr.Code, rr.Body.String())
	}
}

func TestGmailEndpointRequiresAutomationHeaders(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"alias":"u_acme@inbox.chiphi.ai","messageId":"<g1@mail.gmail.com>","from":"a@b.example","to":"u_acme@inbox.chiphi.ai","subject":"s","text":"hello"}`)

	// No automation headers, no test-mode header.
	req := httptest.NewRequest(http.MethodPost, "/webhook/gmail", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	f.handler.Mux().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/gmail", bytes.NewReader(body))
	req.Header.Set(providers.HeaderN8NWorkflow, "wf-17")
	rr = httptest.NewRecorder()
	f.handler.Mux().ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rr.Code, rr.Body.String())
	}
}
