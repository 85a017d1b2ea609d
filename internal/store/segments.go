// Package store is the PostgreSQL data access layer for segments and their
// materialized memberships. It talks to the database through pgx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segment"
	"github.com/rafaeljc/segmentation/internal/segments"
)

// Compile-time check that SegmentStore satisfies the service port.
var _ segments.Repository = (*SegmentStore)(nil)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"

	nameConstraint = "segments_store_name_key"
)

const segmentColumns = `id, store_id, name, description, kind, state, rules, tags,
	is_public, is_combinable, template_id,
	member_count, member_percentage, last_evaluated_at, stats_stale, rule_fingerprint,
	version, created_at, updated_at`

// SegmentStore persists segment aggregates in the segments table.
type SegmentStore struct {
	db       *pgxpool.Pool
	registry *ruleengine.Registry
}

// NewSegmentStore returns a repository over db. Stored rule sets are decoded
// with registry.
func NewSegmentStore(db *pgxpool.Pool, registry *ruleengine.Registry) *SegmentStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	if registry == nil {
		panic("store: registry cannot be nil")
	}
	return &SegmentStore{db: db, registry: registry}
}

// Create inserts s with version 1.
func (s *SegmentStore) Create(ctx context.Context, seg segment.Segment) (segment.Segment, error) {
	rules, err := encodeRules(seg.Rules)
	if err != nil {
		return segment.Segment{}, err
	}

	query := `
		INSERT INTO segments (
			id, store_id, name, name_key, description, kind, state, rules, tags,
			is_public, is_combinable, template_id,
			member_count, member_percentage, last_evaluated_at, stats_stale, rule_fingerprint,
			version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $19)
		RETURNING ` + segmentColumns

	row := s.db.QueryRow(ctx, query,
		seg.ID, seg.StoreID, seg.Name, segment.NameKey(seg.Name), seg.Description,
		string(seg.Kind), string(seg.State), rules, nonNilTags(seg.Tags),
		seg.IsPublic, seg.IsCombinable, templateParam(seg.TemplateID),
		seg.Stats.MemberCount, seg.Stats.MemberPercentage, seg.Stats.LastEvaluatedAt,
		seg.Stats.Stale, int64(seg.Stats.RuleFingerprint),
		seg.CreatedAt, seg.UpdatedAt,
	)

	out, err := s.scanSegment(row)
	if err != nil {
		return segment.Segment{}, s.writeError("segments_repo.create", seg.Name, err)
	}
	return out, nil
}

// Get loads one segment of the store.
func (s *SegmentStore) Get(ctx context.Context, storeID string, id uuid.UUID) (segment.Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE store_id = $1 AND id = $2`

	out, err := s.scanSegment(s.db.QueryRow(ctx, query, storeID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return segment.Segment{}, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return segment.Segment{}, apperrors.Infra("segments_repo.get", err)
	}
	return out, nil
}

// Update writes seg when the stored version equals seg.Version and bumps it.
func (s *SegmentStore) Update(ctx context.Context, seg segment.Segment) (segment.Segment, error) {
	rules, err := encodeRules(seg.Rules)
	if err != nil {
		return segment.Segment{}, err
	}

	query := `
		UPDATE segments SET
			name = $4, name_key = $5, description = $6, state = $7, rules = $8, tags = $9,
			is_public = $10, is_combinable = $11,
			member_count = $12, member_percentage = $13, last_evaluated_at = $14,
			stats_stale = $15, rule_fingerprint = $16,
			updated_at = $17, version = version + 1
		WHERE store_id = $1 AND id = $2 AND version = $3
		RETURNING ` + segmentColumns

	row := s.db.QueryRow(ctx, query,
		seg.StoreID, seg.ID, seg.Version,
		seg.Name, segment.NameKey(seg.Name), seg.Description, string(seg.State), rules, nonNilTags(seg.Tags),
		seg.IsPublic, seg.IsCombinable,
		seg.Stats.MemberCount, seg.Stats.MemberPercentage, seg.Stats.LastEvaluatedAt,
		seg.Stats.Stale, int64(seg.Stats.RuleFingerprint),
		seg.UpdatedAt,
	)

	out, err := s.scanSegment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return segment.Segment{}, s.missOrConflict(ctx, seg.StoreID, seg.ID)
	}
	if err != nil {
		return segment.Segment{}, s.writeError("segments_repo.update", seg.Name, err)
	}
	return out, nil
}

// missOrConflict tells an absent row from a stale version after an
// UPDATE ... WHERE version = $n matched nothing.
func (s *SegmentStore) missOrConflict(ctx context.Context, storeID string, id uuid.UUID) error {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM segments WHERE store_id = $1 AND id = $2)`, storeID, id,
	).Scan(&exists)
	if err != nil {
		return apperrors.Infra("segments_repo.update", err)
	}
	if !exists {
		return fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	return fmt.Errorf("segment %s: %w", id, apperrors.ErrConflict)
}

// SaveStats overwrites the statistics columns. version is left alone.
func (s *SegmentStore) SaveStats(ctx context.Context, storeID string, id uuid.UUID, st segment.Stats) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE segments SET
			member_count = $3, member_percentage = $4, last_evaluated_at = $5,
			stats_stale = $6, rule_fingerprint = $7
		WHERE store_id = $1 AND id = $2`,
		storeID, id, st.MemberCount, st.MemberPercentage, st.LastEvaluatedAt, st.Stale, int64(st.RuleFingerprint),
	)
	if err != nil {
		return apperrors.Infra("segments_repo.save_stats", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

// Delete removes the segment. Its memberships are collected by the next
// materialization run.
func (s *SegmentStore) Delete(ctx context.Context, storeID string, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM segments WHERE store_id = $1 AND id = $2`, storeID, id)
	if err != nil {
		return apperrors.Infra("segments_repo.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

func (s *SegmentStore) ExistsByName(ctx context.Context, storeID, name string, exclude uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM segments WHERE store_id = $1 AND name_key = $2 AND id <> $3)`,
		storeID, segment.NameKey(name), exclude,
	).Scan(&exists)
	if err != nil {
		return false, apperrors.Infra("segments_repo.exists_by_name", err)
	}
	return exists, nil
}

// List returns one page of the store's segments ordered by name, plus the
// number of segments matching f before paging.
func (s *SegmentStore) List(ctx context.Context, storeID string, f segments.ListFilter) ([]segment.Segment, int64, error) {
	where := []string{"store_id = $1"}
	args := []any{storeID}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.Tag != "" {
		args = append(args, strings.ToLower(f.Tag))
		where = append(where, fmt.Sprintf("$%d = ANY(tags)", len(args)))
	}
	cond := strings.Join(where, " AND ")

	// A separate count keeps the page query simple; segment tables per store are small.
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM segments WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, apperrors.Infra("segments_repo.list", err)
	}
	if total == 0 {
		return []segment.Segment{}, 0, nil
	}

	// LIMIT NULL means no limit in PostgreSQL.
	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM segments WHERE %s ORDER BY name_key, id LIMIT $%d OFFSET $%d`,
		segmentColumns, cond, len(args)-1, len(args))

	out, err := s.collect(ctx, "segments_repo.list", query, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *SegmentStore) ListMaterializable(ctx context.Context, storeID string) ([]segment.Segment, error) {
	query := `SELECT ` + segmentColumns + `
		FROM segments
		WHERE store_id = $1 AND state = 'ACTIVE' AND kind IN ('AUTOMATIC', 'PREDEFINED')
		ORDER BY created_at, id`
	return s.collect(ctx, "segments_repo.list_materializable", query, storeID)
}

func (s *SegmentStore) ListStores(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT store_id FROM segments ORDER BY store_id`)
	if err != nil {
		return nil, apperrors.Infra("segments_repo.list_stores", err)
	}
	stores, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperrors.Infra("segments_repo.list_stores", err)
	}
	return stores, nil
}

func (s *SegmentStore) collect(ctx context.Context, op, query string, args ...any) ([]segment.Segment, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Infra(op, err)
	}
	defer rows.Close()

	out := []segment.Segment{}
	for rows.Next() {
		seg, err := s.scanSegment(rows)
		if err != nil {
			return nil, apperrors.Infra(op, err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Infra(op, err)
	}
	return out, nil
}

func (s *SegmentStore) scanSegment(row pgx.Row) (segment.Segment, error) {
	var (
		seg         segment.Segment
		kind, state string
		rules       []byte
		template    pgtype.UUID
		fingerprint int64
		evaluatedAt *time.Time
	)
	err := row.Scan(
		&seg.ID, &seg.StoreID, &seg.Name, &seg.Description, &kind, &state, &rules, &seg.Tags,
		&seg.IsPublic, &seg.IsCombinable, &template,
		&seg.Stats.MemberCount, &seg.Stats.MemberPercentage, &evaluatedAt, &seg.Stats.Stale, &fingerprint,
		&seg.Version, &seg.CreatedAt, &seg.UpdatedAt,
	)
	if err != nil {
		return segment.Segment{}, err
	}

	seg.Kind = segment.Kind(kind)
	seg.State = segment.State(state)
	seg.Stats.RuleFingerprint = uint32(fingerprint)
	seg.CreatedAt = seg.CreatedAt.UTC()
	seg.UpdatedAt = seg.UpdatedAt.UTC()
	if evaluatedAt != nil {
		at := evaluatedAt.UTC()
		seg.Stats.LastEvaluatedAt = &at
	}
	if template.Valid {
		id := uuid.UUID(template.Bytes)
		seg.TemplateID = &id
	}
	if rules != nil {
		rs, err := s.registry.DecodeRuleSet(rules)
		if err != nil {
			return segment.Segment{}, fmt.Errorf("segment %s has unreadable rules: %w", seg.ID, err)
		}
		seg.Rules = &rs
	}
	return seg, nil
}

// writeError maps constraint violations to validation errors and everything
// else to an infra error.
func (s *SegmentStore) writeError(op, name string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == nameConstraint:
			return apperrors.Validationf("a segment named %q already exists in this store", name)
		case pgErr.Code == pgUniqueViolation:
			return apperrors.Validationf("segment already exists")
		case pgErr.Code == pgCheckViolation:
			return apperrors.Validationf("segment violates %s", pgErr.ConstraintName)
		}
	}
	return apperrors.Infra(op, err)
}

func encodeRules(rs *ruleengine.RuleSet) (any, error) {
	if rs == nil {
		return nil, nil
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rules: %w", err)
	}
	return data, nil
}

func templateParam(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
