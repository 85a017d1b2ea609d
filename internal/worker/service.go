// Package worker runs the background side of the segmentation service: it
// drains the recompute queue and periodically materializes automatic
// memberships for every store.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/cache"
	"github.com/rafaeljc/segmentation/internal/config"
	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/observability"
	"github.com/rafaeljc/segmentation/internal/segment"
	"github.com/rafaeljc/segmentation/internal/segments"
)

// Queue is the source of recompute jobs.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (cache.Job, bool, error)
	Requeue(ctx context.Context, job cache.Job) (bool, error)
	Len(ctx context.Context) (int64, error)
}

// Locker hands out per-store materialization locks.
type Locker interface {
	TryAcquire(ctx context.Context, storeID string) (func(context.Context) error, bool, error)
}

// Engine is the part of the segment service the worker drives.
type Engine interface {
	Recompute(ctx context.Context, storeID string, id uuid.UUID) (segment.Segment, error)
	MaterializeAutomaticMemberships(ctx context.Context, storeID string) (segments.MaterializeResult, error)
	Stores(ctx context.Context) ([]string, error)
}

// Service runs the queue consumers and the materialization sweep.
type Service struct {
	logger *slog.Logger
	config config.WorkerConfig
	engine Engine
	queue  Queue
	locker Locker
}

func New(logger *slog.Logger, cfg config.WorkerConfig, engine Engine, queue Queue, locker Locker) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		panic("worker: engine cannot be nil")
	}
	if queue == nil {
		panic("worker: queue cannot be nil")
	}
	if locker == nil {
		panic("worker: locker cannot be nil")
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.MaterializeInterval <= 0 {
		cfg.MaterializeInterval = 15 * time.Minute
	}

	return &Service{
		logger: logger,
		config: cfg,
		engine: engine,
		queue:  queue,
		locker: locker,
	}
}

// Run blocks until ctx is cancelled. Failures of single jobs or sweeps are
// logged and never stop the loops.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting worker",
		slog.Int("concurrency", s.config.Concurrency),
		slog.Duration("materialize_interval", s.config.MaterializeInterval),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := range s.config.Concurrency {
		g.Go(func() error {
			s.consume(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.depthLoop(ctx)
		return nil
	})

	err := g.Wait()
	s.logger.Info("worker stopped")
	return err
}

func (s *Service) consume(ctx context.Context, n int) {
	log := s.logger.With(slog.Int("consumer", n))
	for ctx.Err() == nil {
		job, ok, err := s.queue.Pop(ctx, s.config.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to pop recompute job", slog.String("error", err.Error()))
			sleep(ctx, s.config.BaseRetryDelay)
			continue
		}
		if !ok {
			continue
		}
		s.ProcessJob(logger.WithContext(ctx, log), job)
	}
}

// ProcessJob recomputes one segment. Transient failures are requeued until
// MaxRetries is reached; other failures drop the job.
func (s *Service) ProcessJob(ctx context.Context, job cache.Job) {
	ctx, log := logger.With(ctx,
		slog.String("store_id", job.StoreID),
		slog.String("segment_id", job.SegmentID.String()),
		slog.Int("attempt", job.Attempt),
	)

	seg, err := s.engine.Recompute(ctx, job.StoreID, job.SegmentID)
	if err == nil {
		observability.WorkerJobsTotal.WithLabelValues("success").Inc()
		if !job.EnqueuedAt.IsZero() {
			observability.WorkerJobDuration.Observe(time.Since(job.EnqueuedAt).Seconds())
		}
		log.Debug("segment recomputed", slog.Int64("member_count", seg.Stats.MemberCount))
		return
	}

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		// Deleted while queued.
		observability.WorkerJobsTotal.WithLabelValues("fail").Inc()
		log.Info("dropping recompute of missing segment")

	case apperrors.IsTransient(err) && job.Attempt <= s.config.MaxRetries:
		observability.WorkerJobsTotal.WithLabelValues("retry").Inc()
		log.Warn("recompute failed, requeueing", slog.String("error", err.Error()))
		sleep(ctx, backoff(s.config.BaseRetryDelay, job.Attempt))
		if _, rqErr := s.queue.Requeue(ctx, job); rqErr != nil {
			log.Error("failed to requeue recompute job", slog.String("error", rqErr.Error()))
		}

	default:
		observability.WorkerJobsTotal.WithLabelValues("fail").Inc()
		log.Error("recompute failed", slog.String("error", err.Error()))
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.MaterializeInterval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep materializes every store whose lock is free. It returns the number
// of stores processed.
func (s *Service) Sweep(ctx context.Context) int {
	stores, err := s.engine.Stores(ctx)
	if err != nil {
		s.logger.Error("failed to list stores", slog.String("error", err.Error()))
		return 0
	}

	done := 0
	for _, storeID := range stores {
		if ctx.Err() != nil {
			break
		}
		if s.materializeStore(ctx, storeID) {
			done++
		}
	}
	return done
}

func (s *Service) materializeStore(ctx context.Context, storeID string) bool {
	log := s.logger.With(slog.String("store_id", storeID))

	release, ok, err := s.locker.TryAcquire(ctx, storeID)
	if err != nil {
		log.Error("failed to acquire materialization lock", slog.String("error", err.Error()))
		return false
	}
	if !ok {
		observability.MaterializeRunsTotal.WithLabelValues("skipped").Inc()
		log.Debug("materialization already running elsewhere")
		return false
	}
	defer func() {
		// The run context may already be cancelled; release must still go out.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(relCtx); err != nil {
			log.Warn("failed to release materialization lock", slog.String("error", err.Error()))
		}
	}()

	if _, err := s.engine.MaterializeAutomaticMemberships(logger.WithContext(ctx, log), storeID); err != nil {
		log.Error("materialization failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Service) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PopTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.queue.Len(ctx); err == nil {
				observability.RecomputeQueueDepth.Set(float64(n))
			}
		}
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < time.Minute; i++ {
		d *= 2
	}
	return min(d, time.Minute)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
