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

// IdempotencyRecord is the durable row that guarantees at-most-once
// acceptance per (org, alias, message ID). The triple is unique at the
// storage layer — concurrent duplicate deliveries resolve to exactly one
// winner via the constraint, not application locking.
type IdempotencyRecord struct {
	ID            int64      `json:"id"`
	OrgID         string     `json:"org_id"`
	Alias         string     `json:"alias"`
	MessageID     string     `json:"message_id"`
	Provider      string     `json:"provider"`
	RawRef        string     `json:"raw_ref,omitempty"`
	EmailID       *string    `json:"email_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LinkedAt      *time.Time `json:"linked_at,omitempty"`
}

// IdempotencyResult is the outcome of an idempotency check.
//
// ShouldProcess can be true even when the check itself failed: the service
// fails open so storage blips never drop legitimate email.
type IdempotencyResult struct {
	IsDuplicate    bool
	ShouldProcess  bool
	ExistingRecord *IdempotencyRecord
	Record         *IdempotencyRecord
	CheckError     error
}

// ProcessingLogEntry is one step in the processing history of an inbound
// message, written via the observability collaborator.
type ProcessingLogEntry struct {
	ID            int64     `json:"id"`
	OrgID         string    `json:"org_id"`
	EmailID       string    `json:"email_id,omitempty"`
	Step          string    `json:"step"`
	Status        string    `json:"status"`
	Details       string    `json:"details,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditTrail reconstructs the full idempotency + processing history for a
// message. Used for incident investigation of duplicate-delivery storms.
type AuditTrail struct {
	OrgID     string               `json:"org_id"`
	MessageID string               `json:"message_id"`
	Records   []IdempotencyRecord  `json:"records"`
	Log       []ProcessingLogEntry `json:"log"`
}
