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

// Package idempotency guarantees at-most-once acceptance of inbound emails
// per (org, alias, message ID). The guarantee lives in a Postgres unique
// constraint — the only cross-process invariant in the system — so N
// concurrent duplicate deliveries always resolve to exactly one winner.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chiphi/ingestion/internal/models"
)

// ErrDuplicate means a racing insert lost to an existing record for the
// same (org, alias, message ID) triple.
var ErrDuplicate = errors.New("idempotency: record already exists")

// pgUniqueViolation is the Postgres error code for unique constraint hits.
const pgUniqueViolation = "23505"

// Store is the durable record store contract. Backed by Postgres in
// production; tests substitute an in-memory fake.
type Store interface {
	// Find returns the record for the triple, or nil when none exists.
	Find(ctx context.Context, orgID, alias, messageID string) (*models.IdempotencyRecord, error)

	// Insert creates a new record. Returns ErrDuplicate when the unique
	// constraint rejects it — meaning a concurrent delivery won the race.
	Insert(ctx context.Context, rec models.IdempotencyRecord) (*models.IdempotencyRecord, error)

	// LinkEmail sets the email ID on a record once the email row is
	// persisted. Applied at most once.
	LinkEmail(ctx context.Context, orgID, alias, messageID, emailID string) error

	// DeleteOlderThan removes records created before the cutoff and
	// returns the count deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// RecordsForMessage returns all records for (org, message ID) —
	// normally one, but retention cleanup can make history interesting.
	RecordsForMessage(ctx context.Context, orgID, messageID string) ([]models.IdempotencyRecord, error)
}

// ProcessingLog persists processing steps for observability and audit.
type ProcessingLog interface {
	LogStep(ctx context.Context, entry models.ProcessingLogEntry) error
	EntriesForCorrelations(ctx context.Context, orgID string, correlationIDs []string) ([]models.ProcessingLogEntry, error)
}

// PGStore implements Store and ProcessingLog on a Postgres pool.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the Postgres-backed store and ensures its schema.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure idempotency schema: %w", err)
	}
	slog.Info("idempotency store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			id             BIGSERIAL PRIMARY KEY,
			org_id         TEXT NOT NULL,
			alias          TEXT NOT NULL,
			message_id     TEXT NOT NULL,
			provider       TEXT NOT NULL,
			raw_ref        TEXT DEFAULT '',
			email_id       TEXT,
			correlation_id TEXT DEFAULT '',
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			linked_at      TIMESTAMPTZ,
			UNIQUE(org_id, alias, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_idem_created ON idempotency_records(created_at);
		CREATE INDEX IF NOT EXISTS idx_idem_org_msg ON idempotency_records(org_id, message_id);

		CREATE TABLE IF NOT EXISTS processing_log (
			id             BIGSERIAL PRIMARY KEY,
			org_id         TEXT NOT NULL,
			email_id       TEXT DEFAULT '',
			step           TEXT NOT NULL,
			status         TEXT NOT NULL,
			details        TEXT DEFAULT '',
			correlation_id TEXT NOT NULL,
			created_at     TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_plog_org_corr ON processing_log(org_id, correlation_id);
	`)
	return err
}

// Find returns the record for the triple, or nil when none exists.
func (s *PGStore) Find(ctx context.Context, orgID, alias, messageID string) (*models.IdempotencyRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, alias, message_id, provider, raw_ref,
		       email_id, correlation_id, created_at, linked_at
		FROM idempotency_records
		WHERE org_id = $1 AND alias = $2 AND message_id = $3
	`, orgID, alias, messageID)
	return scanRecord(row)
}

// Insert creates a new record, translating a unique-constraint violation
// into ErrDuplicate.
func (s *PGStore) Insert(ctx context.Context, rec models.IdempotencyRecord) (*models.IdempotencyRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_records
			(org_id, alias, message_id, provider, raw_ref, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, org_id, alias, message_id, provider, raw_ref,
		          email_id, correlation_id, created_at, linked_at
	`, rec.OrgID, rec.Alias, rec.MessageID, rec.Provider, rec.RawRef, rec.CorrelationID)

	inserted, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return inserted, nil
}

// LinkEmail sets the email ID once; an already-linked record is untouched.
func (s *PGStore) LinkEmail(ctx context.Context, orgID, alias, messageID, emailID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET email_id = $1, linked_at = NOW()
		WHERE org_id = $2 AND alias = $3 AND message_id = $4 AND email_id IS NULL
	`, emailID, orgID, alias, messageID)
	return err
}

// DeleteOlderThan removes aged records and returns the count deleted.
func (s *PGStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordsForMessage returns every record for (org, message ID).
func (s *PGStore) RecordsForMessage(ctx context.Context, orgID, messageID string) ([]models.IdempotencyRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, alias, message_id, provider, raw_ref,
		       email_id, correlation_id, created_at, linked_at
		FROM idempotency_records
		WHERE org_id = $1 AND message_id = $2
		ORDER BY created_at
	`, orgID, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// LogStep appends a processing-log entry.
func (s *PGStore) LogStep(ctx context.Context, entry models.ProcessingLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_log (org_id, email_id, step, status, details, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.OrgID, entry.EmailID, entry.Step, entry.Status, entry.Details, entry.CorrelationID)
	return err
}

// EntriesForCorrelations returns log entries for any of the correlation IDs.
func (s *PGStore) EntriesForCorrelations(ctx context.Context, orgID string, correlationIDs []string) ([]models.ProcessingLogEntry, error) {
	if len(correlationIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, email_id, step, status, details, correlation_id, created_at
		FROM processing_log
		WHERE org_id = $1 AND correlation_id = ANY($2)
		ORDER BY created_at
	`, orgID, correlationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ProcessingLogEntry
	for rows.Next() {
		var e models.ProcessingLogEntry
		if err := rows.Scan(
			&e.ID, &e.OrgID, &e.EmailID, &e.Step, &e.Status,
			&e.Details, &e.CorrelationID, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// scanRecord scans a single row into an IdempotencyRecord.
func scanRecord(row pgx.Row) (*models.IdempotencyRecord, error) {
	var r models.IdempotencyRecord
	err := row.Scan(
		&r.ID, &r.OrgID, &r.Alias, &r.MessageID, &r.Provider, &r.RawRef,
		&r.EmailID, &r.CorrelationID, &r.CreatedAt, &r.LinkedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// collectRecords scans multiple rows.
func collectRecords(rows pgx.Rows) ([]models.IdempotencyRecord, error) {
	var records []models.IdempotencyRecord
	for rows.Next() {
		var r models.IdempotencyRecord
		if err := rows.Scan(
			&r.ID, &r.OrgID, &r.Alias, &r.MessageID, &r.Provider, &r.RawRef,
			&r.EmailID, &r.CorrelationID, &r.CreatedAt, &r.LinkedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
