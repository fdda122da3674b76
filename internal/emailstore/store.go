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

// Package emailstore persists accepted emails. The full email data model
// (RLS, billing, dashboard queries) lives with the application database;
// this store only writes the inbound row the gateway needs so the record
// can be linked and handed downstream.
package emailstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chiphi/ingestion/internal/models"
)

// PGStore writes accepted emails to Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the email store and ensures its schema.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure email schema: %w", err)
	}
	slog.Info("email store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS inbound_emails (
			id          TEXT PRIMARY KEY,
			org_id      TEXT NOT NULL,
			alias       TEXT NOT NULL,
			message_id  TEXT NOT NULL,
			payload     JSONB NOT NULL,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_emails_org ON inbound_emails(org_id);
	`)
	return err
}

// Store persists the payload for an organisation and returns the new email
// ID.
func (s *PGStore) Store(ctx context.Context, payload *models.NormalizedEmailPayload, orgID string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO inbound_emails (id, org_id, alias, message_id, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, id, orgID, payload.Alias, payload.MessageID, data)
	if err != nil {
		return "", fmt.Errorf("insert email: %w", err)
	}
	return id, nil
}
