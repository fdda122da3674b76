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

// Package webhook is the HTTP surface of the ingestion gateway. Each email
// provider POSTs inbound messages to its own endpoint; the handler verifies
// the request, normalizes the payload, enforces idempotency, persists the
// email and hands it to the extraction queue.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chiphi/ingestion/internal/idempotency"
	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/processing"
	"github.com/chiphi/ingestion/internal/providers"
)

// maxBodyBytes caps inbound webhook bodies. Cloudflare Email Workers top
// out at 25 MiB per message.
const maxBodyBytes = 26 << 20

// EmailStore persists a normalized email and returns its ID.
type EmailStore interface {
	Store(ctx context.Context, payload *models.NormalizedEmailPayload, orgID string) (string, error)
}

// Enqueuer hands an accepted email to the async extraction pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, emailID, orgID string, content *models.NormalizedEmailPayload, metadata map[string]string) error
}

// DedupFilter is the advisory Redis fast path. Errors and misses both fall
// through to the authoritative idempotency check.
type DedupFilter interface {
	IsNew(ctx context.Context, orgID, alias, messageID string) (bool, error)
}

// Idempotency is the authoritative duplicate guard.
type Idempotency interface {
	Check(ctx context.Context, p idempotency.CheckParams) models.IdempotencyResult
	LinkEmail(ctx context.Context, p idempotency.CheckParams, emailID string)
}

// Handler processes inbound email webhooks for all providers.
type Handler struct {
	factory   *providers.Factory
	switcher  *providers.Switcher
	idem      Idempotency
	emails    EmailStore
	publisher Enqueuer
	filter    DedupFilter
	plog      idempotency.ProcessingLog
}

// NewHandler creates the webhook handler. filter and plog may be nil; the
// pipeline degrades to the authoritative checks only.
func NewHandler(
	factory *providers.Factory,
	switcher *providers.Switcher,
	idem Idempotency,
	emails EmailStore,
	publisher Enqueuer,
	filter DedupFilter,
	plog idempotency.ProcessingLog,
) *Handler {
	return &Handler{
		factory:   factory,
		switcher:  switcher,
		idem:      idem,
		emails:    emails,
		publisher: publisher,
		filter:    filter,
		plog:      plog,
	}
}

// response is the JSON body returned to the provider.
type response struct {
	Status        string   `json:"status"`
	EmailID       string   `json:"email_id,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Error         string   `json:"error,omitempty"`
	Problems      []string `json:"problems,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ServeProvider returns the handler for one provider's endpoint.
func (h *Handler) ServeProvider(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, err := h.factory.Provider(name)
		if err != nil {
			slog.Error("provider unavailable", "provider", name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Error: "provider unavailable"})
			return
		}
		h.serveInbound(w, r, provider)
	}
}

// ServeActive handles the generic endpoint routed through the switcher:
// whichever provider is currently active (or its healthy fallback) parses
// the request.
func (h *Handler) ServeActive(w http.ResponseWriter, r *http.Request) {
	provider, err := h.switcher.ActiveProvider(r.Context())
	if err != nil {
		slog.Error("no active provider", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Error: "no active provider"})
		return
	}
	h.serveInbound(w, r, provider)
}

// serveInbound runs the full ingestion pipeline for one delivery.
func (h *Handler) serveInbound(w http.ResponseWriter, r *http.Request, provider providers.Provider) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Error: "method not allowed"})
		return
	}

	correlationID := processing.NewCorrelationID()
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("failed to read webhook body",
			"provider", provider.Name(),
			"correlation_id", correlationID,
			"error", err,
		)
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: "unreadable body", CorrelationID: correlationID})
		return
	}

	req := &providers.InboundRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header,
		Body:    body,
	}

	processing.EmailsReceived.WithLabelValues(provider.Name()).Inc()

	// Verification failures never leak detail to the caller.
	if err := provider.Verify(ctx, req); err != nil {
		processing.VerificationFailures.WithLabelValues(provider.Name()).Inc()
		slog.Warn("webhook verification failed",
			"provider", provider.Name(),
			"correlation_id", correlationID,
			"error", err,
		)
		writeJSON(w, http.StatusUnauthorized, response{Status: "error", Error: "verification failed", CorrelationID: correlationID})
		return
	}

	payload, err := provider.Parse(ctx, req)
	if err != nil {
		processing.ParsingFailures.WithLabelValues(provider.Name()).Inc()
		slog.Warn("webhook parse failed",
			"provider", provider.Name(),
			"correlation_id", correlationID,
			"error", err,
		)
		resp := response{Status: "error", Error: "invalid payload", CorrelationID: correlationID}
		var perr *providers.ParsingError
		if errors.As(err, &perr) {
			resp.Problems = perr.Problems
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	orgSlug, err := h.factory.Aliases().ExtractOrgSlug(payload.Alias)
	if err != nil {
		processing.ParsingFailures.WithLabelValues(provider.Name()).Inc()
		slog.Warn("alias does not map to an org",
			"provider", provider.Name(),
			"correlation_id", correlationID,
			"alias", payload.Alias,
		)
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: "unknown recipient", CorrelationID: correlationID})
		return
	}

	h.logStep(ctx, orgSlug, correlationID, "", "received", "ok",
		fmt.Sprintf("provider=%s message_id=%s", provider.Name(), payload.MessageID))

	// Advisory Redis fast path: a hit means this triple was already seen
	// and its durable record written (the record lands before the email
	// store), so the redelivery can be acknowledged without touching
	// Postgres. A miss or a Redis error falls through to the
	// authoritative check.
	if h.filter != nil {
		if isNew, derr := h.filter.IsNew(ctx, orgSlug, payload.Alias, payload.MessageID); derr != nil {
			slog.Warn("advisory dedup check failed, proceeding",
				"correlation_id", correlationID,
				"error", derr,
			)
		} else if !isNew {
			processing.DuplicateDeliveries.WithLabelValues(provider.Name()).Inc()
			slog.Info("advisory dedup hit, acknowledging duplicate",
				"provider", provider.Name(),
				"correlation_id", correlationID,
				"org", orgSlug,
				"message_id", payload.MessageID,
			)
			h.logStep(ctx, orgSlug, correlationID, "", "dedup", "duplicate", "")
			writeJSON(w, http.StatusOK, response{Status: "duplicate", CorrelationID: correlationID})
			return
		}
	}

	params := idempotency.CheckParams{
		OrgID:         orgSlug,
		Alias:         payload.Alias,
		MessageID:     payload.MessageID,
		Provider:      provider.Name(),
		RawRef:        payload.RawRef,
		CorrelationID: correlationID,
	}

	result := h.idem.Check(ctx, params)
	if result.IsDuplicate {
		processing.DuplicateDeliveries.WithLabelValues(provider.Name()).Inc()
		slog.Info("duplicate delivery acknowledged",
			"provider", provider.Name(),
			"correlation_id", correlationID,
			"org", orgSlug,
			"message_id", payload.MessageID,
		)
		h.logStep(ctx, orgSlug, correlationID, existingEmailID(result), "idempotency", "duplicate", "")
		resp := response{Status: "duplicate", CorrelationID: correlationID}
		if result.ExistingRecord != nil && result.ExistingRecord.EmailID != nil {
			resp.EmailID = *result.ExistingRecord.EmailID
		}
		// Duplicates are acknowledged so the provider stops retrying.
		writeJSON(w, http.StatusOK, resp)
		return
	}

	procCtx := processing.NewContext(provider.Name(), orgSlug, payload, correlationID)

	emailID, err := h.emails.Store(ctx, payload, orgSlug)
	if err != nil {
		slog.Error("email store failed",
			"provider", provider.Name(),
			"correlation_id", correlationID,
			"error", err,
		)
		h.logStep(ctx, orgSlug, correlationID, "", "store", "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Error: "storage failure", CorrelationID: correlationID})
		return
	}

	h.idem.LinkEmail(ctx, params, emailID)
	h.logStep(ctx, orgSlug, correlationID, emailID, "store", "ok", "")

	// The email is durable at this point; enqueue failures must not turn
	// into provider-side retries of an already-accepted message.
	if err := h.publisher.Enqueue(ctx, emailID, orgSlug, payload, procCtx.Metadata); err != nil {
		processing.EnqueueFailures.Inc()
		slog.Error("enqueue failed",
			"email_id", emailID,
			"correlation_id", correlationID,
			"error", err,
		)
		h.logStep(ctx, orgSlug, correlationID, emailID, "enqueue", "error", err.Error())
	} else {
		h.logStep(ctx, orgSlug, correlationID, emailID, "enqueue", "ok", "")
	}

	slog.Info("inbound email accepted",
		"provider", provider.Name(),
		"org", orgSlug,
		"email_id", emailID,
		"correlation_id", correlationID,
		"received_at", procCtx.ReceivedAt,
	)
	writeJSON(w, http.StatusAccepted, response{Status: "accepted", EmailID: emailID, CorrelationID: correlationID})
}

func existingEmailID(result models.IdempotencyResult) string {
	if result.ExistingRecord != nil && result.ExistingRecord.EmailID != nil {
		return *result.ExistingRecord.EmailID
	}
	return ""
}

// logStep writes a processing-log entry; failures are logged and swallowed.
func (h *Handler) logStep(ctx context.Context, orgID, correlationID, emailID, step, status, details string) {
	if h.plog == nil {
		return
	}
	entry := models.ProcessingLogEntry{
		OrgID:         orgID,
		EmailID:       emailID,
		Step:          step,
		Status:        status,
		Details:       details,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.plog.LogStep(ctx, entry); err != nil {
		slog.Warn("processing log write failed", "step", step, "error", err)
	}
}

// Mux returns the webhook ServeMux with all provider endpoints registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/webhook/cloudflare", h.ServeProvider(providers.NameCloudflare))
	mux.HandleFunc("/webhook/ses", h.ServeProvider(providers.NameSES))
	mux.HandleFunc("/webhook/ses/lambda", h.ServeProvider(providers.NameSES))
	mux.HandleFunc("/webhook/gmail", h.ServeProvider(providers.NameGmail))

	// Generic endpoint routed through the provider switcher.
	mux.HandleFunc("/webhook", h.ServeActive)

	return mux
}

// Serve starts the webhook HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned
// channel before starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler: handler.Mux(),
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
