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

package processing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chiphi_ingestion"

var (
	// EmailsReceived counts inbound webhook deliveries per provider,
	// before verification.
	EmailsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emails_received_total",
		Help:      "number of inbound webhook deliveries received",
	}, []string{"provider"})

	// VerificationFailures counts rejected webhook deliveries per provider.
	VerificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verification_failures_total",
		Help:      "number of webhook deliveries that failed signature or secret checks",
	}, []string{"provider"})

	// ParsingFailures counts payloads that failed schema validation.
	ParsingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parsing_failures_total",
		Help:      "number of webhook payloads rejected as semantically invalid",
	}, []string{"provider"})

	// DuplicateDeliveries counts deliveries short-circuited by idempotency.
	DuplicateDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_deliveries_total",
		Help:      "number of inbound deliveries acknowledged as duplicates",
	}, []string{"provider"})

	// EnqueueFailures counts downstream enqueue errors (logged, never
	// surfaced to the sender).
	EnqueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enqueue_failures_total",
		Help:      "number of failed hand-offs to the processing queue",
	})

	// IdempotencyFailOpen counts storage errors where ingestion proceeded
	// without a dedup guarantee.
	IdempotencyFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idempotency_fail_open_total",
		Help:      "number of idempotency checks that errored and failed open",
	})
)
