// Package worker implements the job execution loop: it runs the fetch
// phase of a queued job, chains the extraction phase, and reports job
// status and phase events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = 2 * time.Second
)

// Phases runs the two units of work of a job.
type Phases interface {
	RunFetchPhase(ctx context.Context, job string, cfg crawler.CrawlConfig) (crawler.Stats, error)
	RunExtractionPhase(ctx context.Context, job string, rules crawler.RuleSet) ([]crawler.ExtractedRecord, error)
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives a PhaseEvent after each phase; empty disables publishing.
	Topic string
	// MaxAttempts bounds how often an item is requeued while its job name is busy.
	MaxAttempts int
	RetryDelay  time.Duration
}

// Worker consumes queue items and executes job phases.
type Worker struct {
	queue     crawler.Queue
	jobStore  crawler.JobStore
	phases    Phases
	publisher crawler.Publisher
	clock     crawler.Clock
	registry  *Registry
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	jobStore crawler.JobStore,
	phases Phases,
	publisher crawler.Publisher,
	clock crawler.Clock,
	registry *Registry,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobStore:  jobStore,
		phases:    phases,
		publisher: publisher,
		clock:     clock,
		registry:  registry,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("job_id", item.JobID),
			zap.String("phase", string(item.Phase)),
		)
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	logger := logging.ForJob(w.logger, item.JobID, item.Name)
	if w.registry.Canceled(item.JobID) {
		logger.Info("skipping canceled job", zap.String("phase", string(item.Phase)))
		return
	}

	jobCtx, done := w.registry.Start(ctx, item.JobID)
	defer done()

	switch item.Phase {
	case crawler.PhaseExtract:
		w.runExtract(jobCtx, ctx, item, logger)
	default:
		w.runFetch(jobCtx, ctx, item, logger)
	}
}

// runFetch executes phase 1 and, on success, queues phase 2. jobCtx is
// canceled by Cancel; ctx only by shutdown.
func (w *Worker) runFetch(jobCtx, ctx context.Context, item crawler.QueueItem, logger *zap.Logger) {
	w.setStatus(ctx, item, crawler.JobStatusFetching, "", logger)

	st, err := w.phases.RunFetchPhase(jobCtx, item.Name, item.Config)
	if errors.Is(err, crawler.ErrJobRunning) {
		w.retry(ctx, item, err, logger)
		return
	}
	event := crawler.PhaseEvent{
		JobID:    item.JobID,
		Name:     item.Name,
		Phase:    crawler.PhaseFetch,
		Stats:    st,
		Finished: w.clock.Now(),
	}
	if err != nil {
		status := failureStatus(jobCtx, err)
		event.Status, event.Error = status, err.Error()
		w.publish(ctx, event, logger)
		w.setStatus(ctx, item, status, err.Error(), logger)
		return
	}

	next := item
	next.Phase = crawler.PhaseExtract
	next.Attempt = 0
	next.Submitted = w.clock.Now().UnixNano()
	event.Status = crawler.JobStatusExtracting
	w.publish(ctx, event, logger)
	w.setStatus(ctx, item, crawler.JobStatusExtracting, "", logger)
	if err := w.queue.Enqueue(ctx, next); err != nil {
		logger.Error("chain extraction phase failed", zap.Error(err))
		w.setStatus(ctx, item, crawler.JobStatusFailed, fmt.Sprintf("queue extraction: %v", err), logger)
		return
	}
	logger.Info("fetch phase done",
		zap.Int64("total", st.Total),
		zap.Int64("fetched", st.Fetched),
		zap.Int64("cached", st.Cached),
		zap.Int64("errors", st.Errors),
	)
}

func (w *Worker) runExtract(jobCtx, ctx context.Context, item crawler.QueueItem, logger *zap.Logger) {
	records, err := w.phases.RunExtractionPhase(jobCtx, item.Name, item.Config.ExtractionRules)
	if errors.Is(err, crawler.ErrJobRunning) {
		w.retry(ctx, item, err, logger)
		return
	}
	event := crawler.PhaseEvent{
		JobID:    item.JobID,
		Name:     item.Name,
		Phase:    crawler.PhaseExtract,
		Records:  len(records),
		Finished: w.clock.Now(),
	}
	if err != nil {
		status := failureStatus(jobCtx, err)
		event.Status, event.Error = status, err.Error()
		w.publish(ctx, event, logger)
		w.setStatus(ctx, item, status, err.Error(), logger)
		return
	}
	event.Status = crawler.JobStatusSucceeded
	w.publish(ctx, event, logger)
	w.setStatus(ctx, item, crawler.JobStatusSucceeded, "", logger)
	logger.Info("extraction phase done", zap.Int("records", len(records)))
}

// retry requeues an item whose job name is held by another phase.
func (w *Worker) retry(ctx context.Context, item crawler.QueueItem, cause error, logger *zap.Logger) {
	item.Attempt++
	if item.Attempt >= w.cfg.MaxAttempts {
		logger.Warn("giving up on busy job", zap.Int("attempts", item.Attempt), zap.Error(cause))
		w.setStatus(ctx, item, crawler.JobStatusFailed, cause.Error(), logger)
		return
	}
	logger.Info("job name busy, requeueing", zap.Int("attempt", item.Attempt))
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.RetryDelay):
	}
	if err := w.queue.Enqueue(ctx, item); err != nil {
		logger.Error("requeue failed", zap.Error(err))
		w.setStatus(ctx, item, crawler.JobStatusFailed, cause.Error(), logger)
	}
}

func (w *Worker) setStatus(
	ctx context.Context,
	item crawler.QueueItem,
	status crawler.JobStatus,
	errText string,
	logger *zap.Logger,
) {
	if status.Terminal() {
		metrics.ObserveJob(string(status))
	}
	if w.jobStore == nil {
		return
	}
	if err := w.jobStore.UpdateJobStatus(context.WithoutCancel(ctx), item.JobID, status, errText); err != nil {
		logger.Error("update job status failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, event crawler.PhaseEvent, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	id, err := w.publisher.Publish(context.WithoutCancel(ctx), w.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish phase event failed", zap.String("phase", string(event.Phase)), zap.Error(err))
		return
	}
	logger.Debug("phase event published", zap.String("phase", string(event.Phase)), zap.String("message_id", id))
}

func failureStatus(jobCtx context.Context, err error) crawler.JobStatus {
	if jobCtx.Err() != nil || errors.Is(err, context.Canceled) {
		return crawler.JobStatusCanceled
	}
	return crawler.JobStatusFailed
}
