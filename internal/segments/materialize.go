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
)

// MaterializeResult summarizes one materialization run.
type MaterializeResult struct {
	// CustomersTouched counts customers run through the evaluator, once each
	// however many segments were checked.
	CustomersTouched int64
	// SegmentsProcessed counts the ACTIVE rule-based segments evaluated.
	SegmentsProcessed int
	// MembershipsCreated counts rows inserted. It is zero when nothing changed
	// since the previous run.
	MembershipsCreated int64
	// OrphansRemoved counts rows dropped because their segment was deleted.
	OrphansRemoved int64
}

// MaterializeAutomaticMemberships writes a membership row for every customer
// of the store that satisfies an ACTIVE rule-based segment and has no row yet.
//
// Customers are read in id-ordered pages of Config.PageSize and each page is
// evaluated against every segment before the next is read, so memory stays
// bounded. The run is add-only and every insert is keyed by (segment,
// customer): an interrupted run can be repeated and only adds what is missing.
// Rows of deleted segments are collected first.
func (s *Service) MaterializeAutomaticMemberships(ctx context.Context, storeID string) (res MaterializeResult, err error) {
	start := time.Now()
	ctx, log := logger.With(ctx, slog.String("store_id", storeID))
	defer func() {
		status := "success"
		if err != nil {
			status = "fail"
		}
		observability.MaterializeRunsTotal.WithLabelValues(status).Inc()
		observability.MaterializeDuration.Observe(time.Since(start).Seconds())
	}()

	orphans, err := s.memberships.DeleteOrphans(ctx, storeID)
	if err != nil {
		return res, apperrors.Infra("segments.materialize.orphans", err)
	}
	res.OrphansRemoved = orphans
	observability.OrphansRemoved.Add(float64(orphans))

	segs, err := s.segments.ListMaterializable(ctx, storeID)
	if err != nil {
		return res, apperrors.Infra("segments.materialize.list", err)
	}

	type target struct {
		id    uuid.UUID
		match ruleengine.Predicate
	}
	targets := make([]target, 0, len(segs))
	for _, seg := range segs {
		if seg.Rules == nil {
			continue
		}
		if err := s.validator.Validate(*seg.Rules); err != nil {
			log.Warn("skipping segment with invalid rules",
				slog.String("segment_id", seg.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		targets = append(targets, target{id: seg.ID, match: s.evaluator.Bind(*seg.Rules)})
	}
	res.SegmentsProcessed = len(targets)
	if len(targets) == 0 {
		return res, nil
	}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("materialization interrupted after %d customers: %w", res.CustomersTouched, err)
		}

		page, err := s.customers.PageCustomers(ctx, storeID, after, s.cfg.PageSize)
		if err != nil {
			return res, apperrors.Infra("segments.materialize.page", err)
		}
		if len(page) == 0 {
			break
		}

		var rows []Membership
		for _, rec := range page {
			for _, t := range targets {
				if t.match(rec) {
					rows = append(rows, Membership{StoreID: storeID, SegmentID: t.id, CustomerID: rec.ID})
				}
			}
		}

		if len(rows) > 0 {
			created, err := s.memberships.Upsert(ctx, rows...)
			if err != nil {
				return res, apperrors.Infra("segments.materialize.upsert", err)
			}
			res.MembershipsCreated += created
			observability.MembershipsCreated.Add(float64(created))
		}

		res.CustomersTouched += int64(len(page))
		observability.CustomersEvaluated.Add(float64(len(page)))

		if len(page) < s.cfg.PageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	log.Info("memberships materialized",
		slog.Int("segments", res.SegmentsProcessed),
		slog.Int64("customers", res.CustomersTouched),
		slog.Int64("created", res.MembershipsCreated),
		slog.Int64("orphans_removed", res.OrphansRemoved),
		slog.String("duration", time.Since(start).String()),
	)
	return res, nil
}
