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

// Package models defines the data structures shared across the ingestion
// gateway: the canonical email payload that every provider adapter converges
// to, plus the idempotency and processing-context types.
package models

import "time"

// Attachment represents a file attached to an email, normalised from
// whichever field names the upstream provider used.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	StorageKey  string `json:"storage_key,omitempty"`
}

// NormalizedEmailPayload is the canonical form every provider adapter must
// produce. Downstream processing only ever sees this shape.
//
// The JSON serialisation of this struct is the wire contract the extraction
// workers consume from the queue; renaming a field is a breaking change on
// that boundary.
type NormalizedEmailPayload struct {
	Alias       string            `json:"alias"`
	MessageID   string            `json:"message_id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Subject     string            `json:"subject,omitempty"`
	Text        string            `json:"text,omitempty"`
	HTML        string            `json:"html,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	RawRef      string            `json:"raw_ref,omitempty"`
	ReceivedAt  *time.Time        `json:"received_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HasContent reports whether the payload carries at least one body variant.
// Payloads without text or HTML are rejected by validation.
func (p *NormalizedEmailPayload) HasContent() bool {
	return p.Text != "" || p.HTML != ""
}
