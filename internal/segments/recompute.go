package segments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/observability"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segment"
)

// Recompute refreshes the cached statistics of a segment and returns the new
// snapshot. It is idempotent, and concurrent calls resolve last-writer-wins on
// the stats alone.
//
// Rule-based segments count customers through the compiled filter. MANUAL
// segments count their membership rows. Both divide by the store total.
func (s *Service) Recompute(ctx context.Context, storeID string, id uuid.UUID) (seg segment.Segment, err error) {
	start := time.Now()
	kind := "unknown"
	defer func() {
		status := "success"
		if err != nil {
			status = "fail"
		}
		observability.RecomputeTotal.WithLabelValues(kind, status).Inc()
		observability.RecomputeDuration.Observe(time.Since(start).Seconds())
	}()

	current, err := s.segments.Get(ctx, storeID, id)
	if err != nil {
		return segment.Segment{}, err
	}
	kind = string(current.Kind)

	var (
		count       int64
		fingerprint uint32
	)
	switch {
	case current.Rules != nil:
		prog, err := s.compiler.Compile(*current.Rules)
		if err != nil {
			// A stored rule set no longer passes validation, e.g. after a
			// field was removed from the registry.
			return segment.Segment{}, err
		}
		fingerprint = prog.Fingerprint
		if count, err = s.customers.CountMatching(ctx, storeID, prog.Filter); err != nil {
			return segment.Segment{}, apperrors.Infra("segments.recompute", err)
		}
	default:
		if count, err = s.memberships.Count(ctx, id); err != nil {
			return segment.Segment{}, apperrors.Infra("segments.recompute", err)
		}
	}

	total, err := s.customers.CountTotal(ctx, storeID)
	if err != nil {
		return segment.Segment{}, apperrors.Infra("segments.recompute", err)
	}

	stats := segment.ComputeStats(count, total, fingerprint, s.now())
	if err := s.segments.SaveStats(ctx, storeID, id, stats); err != nil {
		return segment.Segment{}, err
	}

	logger.FromContext(ctx).Debug("segment stats recomputed",
		slog.String("segment_id", id.String()),
		slog.Int64("members", stats.MemberCount),
		slog.Int64("total", total),
	)
	return current.WithStats(stats), nil
}

// Preview is the dry-run of a rule set against a store.
type Preview struct {
	Diagnostic  string
	Fingerprint uint32
	Filter      ruleengine.Filter
	Matching    int64
	Total       int64
	Percentage  float64
	Sample      []ruleengine.Record
}

// Preview validates and compiles rs and estimates its size without
// persisting anything.
func (s *Service) Preview(ctx context.Context, storeID string, rs ruleengine.RuleSet) (Preview, error) {
	prog, err := s.compiler.Compile(rs)
	if err != nil {
		return Preview{}, err
	}

	matching, err := s.customers.CountMatching(ctx, storeID, prog.Filter)
	if err != nil {
		return Preview{}, apperrors.Infra("segments.preview", err)
	}
	total, err := s.customers.CountTotal(ctx, storeID)
	if err != nil {
		return Preview{}, apperrors.Infra("segments.preview", err)
	}

	var sample []ruleengine.Record
	if s.cfg.SampleSize > 0 && matching > 0 {
		if sample, err = s.customers.SampleMatching(ctx, storeID, prog.Filter, s.cfg.SampleSize); err != nil {
			return Preview{}, apperrors.Infra("segments.preview", err)
		}
	}

	stats := segment.ComputeStats(matching, total, prog.Fingerprint, s.now())
	return Preview{
		Diagnostic:  prog.Diagnostic,
		Fingerprint: prog.Fingerprint,
		Filter:      prog.Filter,
		Matching:    stats.MemberCount,
		Total:       total,
		Percentage:  stats.MemberPercentage,
		Sample:      sample,
	}, nil
}

// Explain validates and compiles rs without touching any store.
func (s *Service) Explain(rs ruleengine.RuleSet) (ruleengine.Program, error) {
	return s.compiler.Compile(rs)
}

// EvaluateCustomer reports whether one stored customer satisfies rs.
func (s *Service) EvaluateCustomer(ctx context.Context, storeID, customerID string, rs ruleengine.RuleSet) (bool, error) {
	if err := s.validator.Validate(rs); err != nil {
		return false, err
	}
	rec, err := s.customers.Get(ctx, storeID, customerID)
	if err != nil {
		return false, err
	}
	return s.evaluator.Evaluate(rs, rec), nil
}

// EvaluateRecord reports whether rec satisfies rs.
func (s *Service) EvaluateRecord(rs ruleengine.RuleSet, rec ruleengine.Record) (bool, error) {
	if err := s.validator.Validate(rs); err != nil {
		return false, fmt.Errorf("evaluate %s: %w", rec.ID, err)
	}
	return s.evaluator.Evaluate(rs, rec), nil
}
