package segments

import (
	"context"

	"github.com/google/uuid"

	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segment"
)

// Repository persists segment aggregates.
type Repository interface {
	// Create inserts s and returns it with Version 1. A name already used in
	// the store (case-insensitively) is a validation error.
	Create(ctx context.Context, s segment.Segment) (segment.Segment, error)

	// Get returns apperrors.ErrNotFound when the segment does not exist.
	Get(ctx context.Context, storeID string, id uuid.UUID) (segment.Segment, error)

	// Update writes s if the stored version still equals s.Version and
	// returns the new snapshot with the incremented version. A version
	// mismatch is apperrors.ErrConflict.
	Update(ctx context.Context, s segment.Segment) (segment.Segment, error)

	// SaveStats overwrites the cached statistics without touching Version.
	// Concurrent writers resolve last-writer-wins.
	SaveStats(ctx context.Context, storeID string, id uuid.UUID, st segment.Stats) error

	Delete(ctx context.Context, storeID string, id uuid.UUID) error

	// ExistsByName reports whether another segment of the store uses name,
	// compared case-insensitively. exclude is ignored when uuid.Nil.
	ExistsByName(ctx context.Context, storeID, name string, exclude uuid.UUID) (bool, error)

	List(ctx context.Context, storeID string, f ListFilter) ([]segment.Segment, int64, error)

	// ListMaterializable returns the ACTIVE rule-based segments of a store.
	ListMaterializable(ctx context.Context, storeID string) ([]segment.Segment, error)

	// ListStores returns every store that owns at least one segment.
	ListStores(ctx context.Context) ([]string, error)
}

// ListFilter narrows and pages a segment listing. Zero values mean no filter.
type ListFilter struct {
	Kind   segment.Kind
	State  segment.State
	Tag    string
	Limit  int
	Offset int
}

// CustomerStore runs compiled filters against customer attributes.
type CustomerStore interface {
	CountMatching(ctx context.Context, storeID string, f ruleengine.Filter) (int64, error)
	CountTotal(ctx context.Context, storeID string) (int64, error)
	// PageCustomers returns customers with an id after afterID in id order.
	// A short page means the end was reached.
	PageCustomers(ctx context.Context, storeID, afterID string, limit int) ([]ruleengine.Record, error)
	SampleMatching(ctx context.Context, storeID string, f ruleengine.Filter, limit int) ([]ruleengine.Record, error)
	Get(ctx context.Context, storeID, customerID string) (ruleengine.Record, error)
}

// Membership links a customer to a segment.
type Membership struct {
	StoreID    string
	SegmentID  uuid.UUID
	CustomerID string
}

// MembershipStore persists membership rows keyed by (segment, customer).
type MembershipStore interface {
	// Upsert inserts the rows that do not exist yet and returns how many
	// were inserted. Existing rows are left untouched.
	Upsert(ctx context.Context, rows ...Membership) (int64, error)
	Exists(ctx context.Context, segmentID uuid.UUID, customerID string) (bool, error)
	Count(ctx context.Context, segmentID uuid.UUID) (int64, error)
	// DeleteOrphans removes rows of the store whose segment no longer exists.
	DeleteOrphans(ctx context.Context, storeID string) (int64, error)
	// ListStores returns every store that still has membership rows.
	ListStores(ctx context.Context) ([]string, error)
}

// Scheduler queues a statistics recomputation for later.
type Scheduler interface {
	ScheduleRecompute(ctx context.Context, storeID string, id uuid.UUID) error
}
