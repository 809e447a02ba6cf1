package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"cvtailor/internal/config"
	"cvtailor/internal/models"
	"cvtailor/internal/queue"
	"cvtailor/internal/store"
	"cvtailor/internal/telemetry"
)

// Processor drives the worker loop: reclaim expired leases, dequeue job ids,
// and run the optimization pipeline with bounded concurrency. Dispatch is
// fire-and-forget from the API's point of view; this pool is where the work
// actually lands.
type Processor struct {
	cfg       config.Config
	queue     *queue.Dispatcher
	store     JobStore
	optimizer *Optimizer
	log       *zap.Logger
}

func NewProcessor(cfg config.Config, q *queue.Dispatcher, st JobStore, opt *Optimizer, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:       cfg,
		queue:     q,
		store:     st,
		optimizer: opt,
		log:       log,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	pollInterval := p.cfg.WorkerPollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	sem := make(chan struct{}, concurrency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 50); err == nil && len(reclaimed) > 0 {
			telemetry.JobsReclaimed.Add(float64(len(reclaimed)))
			p.log.Warn("reclaimed expired leases", zap.Strings("job_ids", reclaimed))
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		go func(id string) {
			defer func() { <-sem }()
			p.process(ctx, id)
		}(jobID)
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	defer func() {
		if err := p.queue.Ack(context.Background(), jobID); err != nil {
			p.log.Warn("ack failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.log.Warn("dequeued unknown job", zap.String("job_id", jobID))
			return
		}
		p.log.Error("load job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if models.Terminal(job.Status) {
		return
	}

	// Provider calls can run long; push the lease well past the worst case so
	// a healthy run is not reclaimed mid-pipeline.
	horizon := 4 * p.cfg.GenerateTimeout
	if horizon < p.cfg.VisibilityTimeout {
		horizon = p.cfg.VisibilityTimeout
	}
	_ = p.queue.ExtendLease(ctx, jobID, horizon)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.optimizer.Run(ctx, job); err != nil {
		telemetry.JobsFailed.Inc()
		p.log.Error("optimization failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	telemetry.JobsCompleted.Inc()
}
