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

// Package dedup provides an advisory duplicate fast path using a Redis SET
// with TTL. It skips obvious redeliveries before the durable idempotency
// check runs; the authoritative at-most-once guarantee stays with the
// Postgres unique constraint, never with Redis.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen message. Webhook
	// redelivery storms resolve within hours; 24h is comfortable.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "chiphi:seen:"
)

// Filter tracks which (org, alias, message ID) triples were recently seen.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the triple has NOT been seen before. If true, the
// triple is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, orgID, alias, messageID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s:%s", keyPrefix, orgID, alias, messageID)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}
