// Package dispatcher manages worker fan-out over the job queue and the
// job lifecycle operations the API exposes.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue    crawler.Queue
	jobs     crawler.JobStore
	ids      crawler.IDGenerator
	clock    crawler.Clock
	registry *worker.Registry
	workers  []*worker.Worker
	logger   *zap.Logger
}

// New creates a Dispatcher. registry must be the one the workers share.
func New(
	queue crawler.Queue,
	jobs crawler.JobStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	registry *worker.Registry,
	workers []*worker.Worker,
	logger *zap.Logger,
) *Dispatcher {
	if registry == nil {
		registry = worker.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		jobs:     jobs,
		ids:      ids,
		clock:    clock,
		registry: registry,
		workers:  workers,
		logger:   logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	d.logger.Info("workers started", zap.Int("count", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Submit validates cfg, records a queued job and schedules its fetch phase.
func (d *Dispatcher) Submit(ctx context.Context, cfg crawler.CrawlConfig) (crawler.Job, error) {
	if cfg.Name == "" {
		return crawler.Job{}, fmt.Errorf("%w: name is required", crawler.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return crawler.Job{}, err
	}
	id, err := d.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("job id: %w", err)
	}
	job := crawler.Job{
		ID:        id,
		Name:      cfg.Name,
		Status:    crawler.JobStatusQueued,
		Submitted: d.clock.Now(),
		Config:    cfg,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	item := crawler.QueueItem{
		JobID:     id,
		Name:      cfg.Name,
		Phase:     crawler.PhaseFetch,
		Config:    cfg,
		Submitted: job.Submitted.UnixNano(),
	}
	if err := d.Enqueue(ctx, item); err != nil {
		_ = d.jobs.UpdateJobStatus(context.WithoutCancel(ctx), id, crawler.JobStatusFailed, err.Error())
		return crawler.Job{}, err
	}
	metrics.ObserveJob(string(crawler.JobStatusQueued))
	d.logger.Info("job submitted", zap.String("job_id", id), zap.String("job", cfg.Name))
	return job, nil
}

// Cancel stops a job. A running phase is interrupted and records its own
// terminal status; a queued job is marked canceled here.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if !d.registry.Cancel(jobID) {
		if err := d.jobs.UpdateJobStatus(ctx, jobID, crawler.JobStatusCanceled, "canceled before start"); err != nil {
			return crawler.Job{}, fmt.Errorf("cancel job: %w", err)
		}
		metrics.ObserveJob(string(crawler.JobStatusCanceled))
	}
	d.logger.Info("job cancel requested", zap.String("job_id", jobID))
	return d.jobs.GetJob(ctx, jobID)
}

// Job returns the stored job.
func (d *Dispatcher) Job(ctx context.Context, jobID string) (crawler.Job, error) {
	return d.jobs.GetJob(ctx, jobID)
}

// Active lists jobs that have not finished.
func (d *Dispatcher) Active(ctx context.Context) ([]crawler.Job, error) {
	return d.jobs.ListJobs(ctx)
}
