package segments

import (
	"context"
	"log/slog"
	"time"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/observability"
	"github.com/rafaeljc/segmentation/internal/retry"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
)

// checkRules validates rs, compiles it and runs the executability probe.
//
// The two failure classes stay apart: a rule set the Validator rejects is a
// ValidationError and the store is never contacted; a probe that cannot
// reach the store, or times out, is an InfraError the caller may retry
// unchanged.
func (s *Service) checkRules(ctx context.Context, storeID string, rs ruleengine.RuleSet) (ruleengine.Program, error) {
	prog, err := s.compiler.Compile(rs)
	if err != nil {
		observability.ProbesTotal.WithLabelValues("invalid").Inc()
		return ruleengine.Program{}, err
	}

	if err := s.probe(ctx, storeID, prog); err != nil {
		observability.ProbesTotal.WithLabelValues("infra").Inc()
		return ruleengine.Program{}, err
	}

	observability.ProbesTotal.WithLabelValues("ok").Inc()
	return prog, nil
}

// probe runs a bounded count with the compiled filter, retrying transient
// failures. Any failure that survives the retries is reported as infra.
func (s *Service) probe(ctx context.Context, storeID string, prog ruleengine.Program) error {
	start := time.Now()
	defer func() { observability.ProbeDuration.Observe(time.Since(start).Seconds()) }()

	log := logger.FromContext(ctx)

	err := retry.Do(ctx, s.cfg.ProbeRetry, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		defer cancel()

		_, err := s.customers.CountMatching(attemptCtx, storeID, prog.Filter)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return retry.Permanent(err)
		}

		log.Warn("executability probe failed",
			slog.String("store_id", storeID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	})
	if err != nil {
		return apperrors.Infra("segments.probe", err)
	}
	return nil
}
