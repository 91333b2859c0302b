// Package tasks is the background job layer: a NATS publisher the paper
// service enqueues into, and a queue-group worker that executes the jobs.
// Enqueueing is fire-and-forget; when the broker is down the publisher
// reports false and callers fall back to inline work or skip it.
package tasks

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/paper-app/gateway/internal/domain"
)

// Task subjects. Workers subscribe with a shared queue group so each job runs
// on exactly one instance.
const (
	SubjectFetch = "gateway.tasks.fetch"
	SubjectMerge = "gateway.tasks.merge"
	SubjectCache = "gateway.tasks.cache"

	queueGroup = "gateway-workers"
)

// FetchTask asks a worker to read a paper through all tiers, merging into the
// graph inline rather than re-enqueueing.
type FetchTask struct {
	TaskID  string `json:"task_id"`
	PaperID string `json:"paper_id"`
	Fields  string `json:"fields,omitempty"`
}

// MergeTask carries a full document for a graph write.
type MergeTask struct {
	TaskID string          `json:"task_id"`
	Doc    domain.Document `json:"doc"`
}

// CacheTask carries a document for a cache write.
type CacheTask struct {
	TaskID  string          `json:"task_id"`
	PaperID string          `json:"paper_id"`
	Doc     domain.Document `json:"doc"`
	Fields  string          `json:"fields,omitempty"`
}

// Queue publishes background jobs.
type Queue struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// NewQueue wraps a NATS connection. nc may be nil when the broker is not
// configured; every enqueue then reports false.
func NewQueue(nc *nats.Conn, logger zerolog.Logger) *Queue {
	return &Queue{nc: nc, logger: logger.With().Str("component", "task_queue").Logger()}
}

func (q *Queue) EnqueueFetch(_ context.Context, paperID, fields string) bool {
	return q.publish(SubjectFetch, FetchTask{TaskID: uuid.NewString(), PaperID: paperID, Fields: fields})
}

func (q *Queue) EnqueueGraphMerge(_ context.Context, doc domain.Document) bool {
	return q.publish(SubjectMerge, MergeTask{TaskID: uuid.NewString(), Doc: doc})
}

func (q *Queue) EnqueueSetCache(_ context.Context, paperID string, doc domain.Document, fields string) bool {
	return q.publish(SubjectCache, CacheTask{TaskID: uuid.NewString(), PaperID: paperID, Doc: doc, Fields: fields})
}

// Connected reports whether the broker is reachable right now.
func (q *Queue) Connected() bool {
	return q.nc != nil && q.nc.IsConnected()
}

func (q *Queue) publish(subject string, payload any) bool {
	if q.nc == nil || q.nc.IsClosed() {
		q.logger.Warn().Str("subject", subject).Msg("task queue unavailable, dropping job")
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		q.logger.Warn().Err(err).Str("subject", subject).Msg("task payload not serializable")
		return false
	}
	if err := q.nc.Publish(subject, data); err != nil {
		q.logger.Warn().Err(err).Str("subject", subject).Msg("task publish failed")
		return false
	}
	q.logger.Debug().Str("subject", subject).Msg("task enqueued")
	return true
}
