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

package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/processing"
)

// DefaultRetentionDays is how long idempotency records are kept before the
// out-of-band cleanup removes them.
const DefaultRetentionDays = 90

// CheckParams identifies one inbound delivery for an idempotency check.
type CheckParams struct {
	OrgID         string
	Alias         string
	MessageID     string
	Provider      string
	RawRef        string
	CorrelationID string
}

// Service enforces the at-most-once acceptance guarantee on top of a
// durable Store.
type Service struct {
	store Store
	plog  ProcessingLog
}

// NewService creates the idempotency service. The processing log may be nil
// when audit trails are not needed (e.g. the cleanup CLI).
func NewService(store Store, plog ProcessingLog) *Service {
	return &Service{store: store, plog: plog}
}

// Check decides whether this delivery should be processed.
//
// The find-then-insert sequence is not atomic by itself; atomicity against
// concurrent identical deliveries comes from the storage unique constraint.
// A racing insert that loses surfaces as ErrDuplicate and is reported as a
// duplicate with the winner's record.
//
// Fail-open policy: when the storage check itself errors, the result is
// ShouldProcess=true. Availability of email capture is prioritised over
// perfect dedup; the failure is logged as an operational security event.
func (s *Service) Check(ctx context.Context, p CheckParams) models.IdempotencyResult {
	existing, err := s.store.Find(ctx, p.OrgID, p.Alias, p.MessageID)
	if err != nil {
		return s.failOpen(p, "find", err)
	}
	if existing != nil {
		return models.IdempotencyResult{
			IsDuplicate:    true,
			ShouldProcess:  false,
			ExistingRecord: existing,
		}
	}

	rec, err := s.store.Insert(ctx, models.IdempotencyRecord{
		OrgID:         p.OrgID,
		Alias:         p.Alias,
		MessageID:     p.MessageID,
		Provider:      p.Provider,
		RawRef:        p.RawRef,
		CorrelationID: p.CorrelationID,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Someone else won the race. Their insert has committed —
			// the constraint guarantees the winner is now visible.
			winner, findErr := s.store.Find(ctx, p.OrgID, p.Alias, p.MessageID)
			if findErr != nil {
				slog.Warn("duplicate detected but winner lookup failed",
					"org", p.OrgID,
					"message_id", p.MessageID,
					"error", findErr,
				)
			}
			return models.IdempotencyResult{
				IsDuplicate:    true,
				ShouldProcess:  false,
				ExistingRecord: winner,
			}
		}
		return s.failOpen(p, "insert", err)
	}

	return models.IdempotencyResult{
		IsDuplicate:   false,
		ShouldProcess: true,
		Record:        rec,
	}
}

func (s *Service) failOpen(p CheckParams, op string, err error) models.IdempotencyResult {
	slog.Error("idempotency check failed, failing open",
		"op", op,
		"org", p.OrgID,
		"alias", p.Alias,
		"message_id", p.MessageID,
		"correlation_id", p.CorrelationID,
		"error", err,
	)
	processing.IdempotencyFailOpen.Inc()
	return models.IdempotencyResult{
		IsDuplicate:   false,
		ShouldProcess: true,
		CheckError:    err,
	}
}

// LinkEmail attaches the persisted email row's ID to the idempotency
// record. Best effort — the main flow never blocks on it.
func (s *Service) LinkEmail(ctx context.Context, p CheckParams, emailID string) {
	if err := s.store.LinkEmail(ctx, p.OrgID, p.Alias, p.MessageID, emailID); err != nil {
		slog.Warn("failed to link email to idempotency record",
			"org", p.OrgID,
			"message_id", p.MessageID,
			"email_id", emailID,
			"error", err,
		)
	}
}

// CleanupOldRecords deletes records older than the retention window and
// returns the count. Run out-of-band, never on the request path.
func (s *Service) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	slog.Info("idempotency cleanup complete",
		"retention_days", retentionDays,
		"deleted", deleted,
	)
	return deleted, nil
}

// AuditTrail reconstructs the full idempotency and processing history for a
// message, for incident investigation of duplicate-delivery storms.
func (s *Service) AuditTrail(ctx context.Context, orgID, messageID string) (*models.AuditTrail, error) {
	records, err := s.store.RecordsForMessage(ctx, orgID, messageID)
	if err != nil {
		return nil, err
	}

	trail := &models.AuditTrail{
		OrgID:     orgID,
		MessageID: messageID,
		Records:   records,
	}

	if s.plog != nil {
		var correlations []string
		for _, r := range records {
			if r.CorrelationID != "" {
				correlations = append(correlations, r.CorrelationID)
			}
		}
		entries, err := s.plog.EntriesForCorrelations(ctx, orgID, correlations)
		if err != nil {
			return nil, err
		}
		trail.Log = entries
	}
	return trail, nil
}
