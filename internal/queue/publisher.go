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

// Package queue hands accepted emails to the extraction pipeline via Redis
// as Celery-compatible tasks. This is the bridge between the Go gateway and
// the Python extraction workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chiphi/ingestion/internal/models"
)

// extractionTask is the Celery task name the Python workers consume.
const extractionTask = "pipeline.tasks.process_email"

// Publisher sends accepted emails to Redis in Celery task format. Enqueue
// is fire-and-forget from the gateway's perspective: failures are logged
// and counted, never surfaced to the webhook sender.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a Redis publisher targeting the given queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// enqueuePayload is the task argument the extraction worker receives.
type enqueuePayload struct {
	EmailID  string                         `json:"email_id"`
	OrgID    string                         `json:"org_id"`
	Content  *models.NormalizedEmailPayload `json:"content"`
	Metadata map[string]string              `json:"metadata,omitempty"`
}

// celeryTask represents a Celery-compatible task message.
type celeryTask struct {
	ID      string        `json:"id"`
	Task    string        `json:"task"`
	Args    []interface{} `json:"args"`
	Kwargs  interface{}   `json:"kwargs"`
	Retries int           `json:"retries"`
	ETA     *string       `json:"eta"`
}

// celeryMessage wraps a task for Redis transport.
type celeryMessage struct {
	Body            string                 `json:"body"`
	ContentEncoding string                 `json:"content-encoding"`
	ContentType     string                 `json:"content-type"`
	Headers         map[string]interface{} `json:"headers"`
	Properties      map[string]interface{} `json:"properties"`
}

// Enqueue publishes one accepted email for asynchronous extraction.
func (p *Publisher) Enqueue(ctx context.Context, emailID, orgID string, content *models.NormalizedEmailPayload, metadata map[string]string) error {
	body, err := json.Marshal(enqueuePayload{
		EmailID:  emailID,
		OrgID:    orgID,
		Content:  content,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal enqueue payload: %w", err)
	}

	taskID := uuid.New().String()

	task := celeryTask{
		ID:     taskID,
		Task:   extractionTask,
		Args:   []interface{}{string(body)},
		Kwargs: map[string]interface{}{},
	}

	taskBody, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal celery task: %w", err)
	}

	msg := celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]interface{}{
			"lang":    "py",
			"task":    extractionTask,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]interface{}{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"exchange":       p.queueName,
			"routing_key":    p.queueName,
			"delivery_info": map[string]string{
				"exchange":    p.queueName,
				"routing_key": p.queueName,
			},
		},
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal celery message: %w", err)
	}

	// Celery reads tasks from Redis — LPUSH to the queue
	if err := p.rdb.LPush(ctx, p.queueName, string(msgJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("enqueued email for extraction",
		"task_id", taskID,
		"email_id", emailID,
		"org", orgID,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
