package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/segments"
)

var _ segments.MembershipStore = (*MembershipStore)(nil)

// upsertChunk bounds the array parameters of a single INSERT.
const upsertChunk = 5000

// MembershipStore persists materialized (segment, customer) pairs.
type MembershipStore struct {
	db *pgxpool.Pool
}

func NewMembershipStore(db *pgxpool.Pool) *MembershipStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &MembershipStore{db: db}
}

// Upsert inserts rows that are not present yet and reports how many were
// new. Rows are sent as parallel arrays and unnested server-side.
func (m *MembershipStore) Upsert(ctx context.Context, rows ...segments.Membership) (int64, error) {
	var inserted int64
	for start := 0; start < len(rows); start += upsertChunk {
		chunk := rows[start:min(start+upsertChunk, len(rows))]

		storeIDs := make([]string, len(chunk))
		segmentIDs := make([]string, len(chunk))
		customerIDs := make([]string, len(chunk))
		for i, r := range chunk {
			storeIDs[i] = r.StoreID
			segmentIDs[i] = r.SegmentID.String()
			customerIDs[i] = r.CustomerID
		}

		tag, err := m.db.Exec(ctx, `
			INSERT INTO segment_memberships (store_id, segment_id, customer_id)
			SELECT * FROM unnest($1::text[], $2::uuid[], $3::text[])
			ON CONFLICT (segment_id, customer_id) DO NOTHING`,
			storeIDs, segmentIDs, customerIDs,
		)
		if err != nil {
			return inserted, apperrors.Infra("memberships.upsert", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func (m *MembershipStore) Exists(ctx context.Context, segmentID uuid.UUID, customerID string) (bool, error) {
	var exists bool
	err := m.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM segment_memberships WHERE segment_id = $1 AND customer_id = $2)`,
		segmentID, customerID,
	).Scan(&exists)
	if err != nil {
		return false, apperrors.Infra("memberships.exists", err)
	}
	return exists, nil
}

func (m *MembershipStore) Count(ctx context.Context, segmentID uuid.UUID) (int64, error) {
	var n int64
	if err := m.db.QueryRow(ctx, `SELECT count(*) FROM segment_memberships WHERE segment_id = $1`, segmentID).Scan(&n); err != nil {
		return 0, apperrors.Infra("memberships.count", err)
	}
	return n, nil
}

func (m *MembershipStore) ListStores(ctx context.Context) ([]string, error) {
	rows, err := m.db.Query(ctx, `SELECT DISTINCT store_id FROM segment_memberships ORDER BY store_id`)
	if err != nil {
		return nil, apperrors.Infra("memberships.list_stores", err)
	}
	stores, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperrors.Infra("memberships.list_stores", err)
	}
	return stores, nil
}

// DeleteOrphans removes the store's rows whose segment was deleted.
func (m *MembershipStore) DeleteOrphans(ctx context.Context, storeID string) (int64, error) {
	tag, err := m.db.Exec(ctx, `
		DELETE FROM segment_memberships m
		WHERE m.store_id = $1
		  AND NOT EXISTS (SELECT 1 FROM segments s WHERE s.id = m.segment_id)`,
		storeID,
	)
	if err != nil {
		return 0, apperrors.Infra("memberships.delete_orphans", err)
	}
	return tag.RowsAffected(), nil
}
