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

// Package processing holds cross-cutting helpers for the inbound request
// path: correlation IDs, the per-request processing context, metadata
// sanitisation and Prometheus metrics.
package processing

import (
	"time"

	"github.com/google/uuid"

	"github.com/chiphi/ingestion/internal/models"
)

// NewCorrelationID returns a globally unique ID that threads through every
// log line and processing-log entry for one inbound request.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewContext creates the processing context for an accepted (non-duplicate)
// inbound message.
func NewContext(provider, orgSlug string, payload *models.NormalizedEmailPayload, correlationID string) *models.EmailProcessingContext {
	receivedAt := time.Now().UTC()
	if payload.ReceivedAt != nil {
		receivedAt = payload.ReceivedAt.UTC()
	}
	return &models.EmailProcessingContext{
		CorrelationID:       correlationID,
		Provider:            provider,
		OrgSlug:             orgSlug,
		MessageID:           payload.MessageID,
		ReceivedAt:          receivedAt,
		ProcessingStartedAt: time.Now().UTC(),
		Metadata:            SanitizeMetadata(payload.Metadata),
	}
}
