package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/paper-app/gateway/internal/domain"
)

// PaperIngestor is the slice of the paper service the worker drives.
type PaperIngestor interface {
	// Refresh reads a paper through all tiers, merging into the graph
	// inline instead of re-enqueueing.
	Refresh(ctx context.Context, paperID, fields string) error
	// MergeFull writes a full document into the graph and identifier index.
	MergeFull(ctx context.Context, doc domain.Document) error
	// CachePaper writes a document into the cache tier.
	CachePaper(ctx context.Context, paperID string, doc domain.Document, fields string) bool
}

// Worker executes background jobs from the task subjects. Instances share a
// queue group, so each job is delivered to exactly one worker.
type Worker struct {
	nc      *nats.Conn
	svc     PaperIngestor
	timeout time.Duration
	logger  zerolog.Logger
	subs    []*nats.Subscription
}

func NewWorker(nc *nats.Conn, svc PaperIngestor, timeout time.Duration, logger zerolog.Logger) *Worker {
	return &Worker{nc: nc, svc: svc, timeout: timeout, logger: logger.With().Str("component", "task_worker").Logger()}
}

// Start subscribes to all task subjects.
func (w *Worker) Start() error {
	if w.nc == nil {
		return fmt.Errorf("task worker requires a NATS connection")
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{SubjectFetch, w.onFetch},
		{SubjectMerge, w.onMerge},
		{SubjectCache, w.onCache},
	}
	for _, h := range handlers {
		sub, err := w.nc.QueueSubscribe(h.subject, queueGroup, h.handler)
		if err != nil {
			return err
		}
		w.subs = append(w.subs, sub)
	}
	w.logger.Info().Str("queue_group", queueGroup).Msg("task worker started")
	return nil
}

// Stop drains the subscriptions so in-flight jobs finish before shutdown.
func (w *Worker) Stop() {
	for _, sub := range w.subs {
		if err := sub.Drain(); err != nil {
			w.logger.Warn().Err(err).Str("subject", sub.Subject).Msg("drain failed")
		}
	}
	w.subs = nil
}

func (w *Worker) onFetch(msg *nats.Msg) {
	if err := w.handleFetch(msg.Data); err != nil {
		w.logger.Error().Err(err).Str("subject", msg.Subject).Msg("fetch task failed")
	}
}

func (w *Worker) onMerge(msg *nats.Msg) {
	if err := w.handleMerge(msg.Data); err != nil {
		w.logger.Error().Err(err).Str("subject", msg.Subject).Msg("merge task failed")
	}
}

func (w *Worker) onCache(msg *nats.Msg) {
	if err := w.handleCache(msg.Data); err != nil {
		w.logger.Error().Err(err).Str("subject", msg.Subject).Msg("cache task failed")
	}
}

func (w *Worker) handleFetch(data []byte) error {
	var task FetchTask
	if err := json.Unmarshal(data, &task); err != nil {
		return err
	}
	if task.PaperID == "" {
		return fmt.Errorf("fetch task missing paper_id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	w.logger.Debug().Str("task_id", task.TaskID).Str("paper_id", task.PaperID).Msg("running fetch task")
	return w.svc.Refresh(ctx, task.PaperID, task.Fields)
}

func (w *Worker) handleMerge(data []byte) error {
	var task MergeTask
	if err := json.Unmarshal(data, &task); err != nil {
		return err
	}
	if domain.PaperID(task.Doc) == "" {
		return fmt.Errorf("merge task document missing paperId")
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	w.logger.Debug().Str("task_id", task.TaskID).Str("paper_id", domain.PaperID(task.Doc)).Msg("running merge task")
	return w.svc.MergeFull(ctx, task.Doc)
}

func (w *Worker) handleCache(data []byte) error {
	var task CacheTask
	if err := json.Unmarshal(data, &task); err != nil {
		return err
	}
	if task.PaperID == "" {
		return fmt.Errorf("cache task missing paper_id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if !w.svc.CachePaper(ctx, task.PaperID, task.Doc, task.Fields) {
		return fmt.Errorf("cache write for %s not stored", task.PaperID)
	}
	return nil
}
