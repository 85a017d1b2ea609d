package segments

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/config"
	"github.com/rafaeljc/segmentation/internal/customers"
	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/retry"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segment"
)

// --- Repository ---

type memRepo struct {
	mu   sync.Mutex
	segs map[uuid.UUID]segment.Segment
}

func newMemRepo() *memRepo {
	return &memRepo{segs: make(map[uuid.UUID]segment.Segment)}
}

func (r *memRepo) nameTaken(storeID, name string, exclude uuid.UUID) bool {
	key := segment.NameKey(name)
	for id, s := range r.segs {
		if id != exclude && s.StoreID == storeID && segment.NameKey(s.Name) == key {
			return true
		}
	}
	return false
}

func (r *memRepo) Create(_ context.Context, s segment.Segment) (segment.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nameTaken(s.StoreID, s.Name, uuid.Nil) {
		return segment.Segment{}, apperrors.Validationf("a segment named %q already exists in this store", s.Name)
	}
	s = s.Clone()
	s.Version = 1
	r.segs[s.ID] = s
	return s.Clone(), nil
}

func (r *memRepo) Get(_ context.Context, storeID string, id uuid.UUID) (segment.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segs[id]
	if !ok || s.StoreID != storeID {
		return segment.Segment{}, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	return s.Clone(), nil
}

func (r *memRepo) Update(_ context.Context, s segment.Segment) (segment.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.segs[s.ID]
	if !ok || cur.StoreID != s.StoreID {
		return segment.Segment{}, apperrors.ErrNotFound
	}
	if cur.Version != s.Version {
		return segment.Segment{}, apperrors.ErrConflict
	}
	if r.nameTaken(s.StoreID, s.Name, s.ID) {
		return segment.Segment{}, apperrors.Validationf("a segment named %q already exists in this store", s.Name)
	}
	s = s.Clone()
	s.Version++
	r.segs[s.ID] = s
	return s.Clone(), nil
}

func (r *memRepo) SaveStats(_ context.Context, storeID string, id uuid.UUID, st segment.Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.segs[id]
	if !ok || cur.StoreID != storeID {
		return apperrors.ErrNotFound
	}
	r.segs[id] = cur.WithStats(st)
	return nil
}

func (r *memRepo) Delete(_ context.Context, storeID string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.segs[id]
	if !ok || cur.StoreID != storeID {
		return apperrors.ErrNotFound
	}
	delete(r.segs, id)
	return nil
}

func (r *memRepo) ExistsByName(_ context.Context, storeID, name string, exclude uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nameTaken(storeID, name, exclude), nil
}

func (r *memRepo) all(storeID string) []segment.Segment {
	var out []segment.Segment
	for _, s := range r.segs {
		if s.StoreID == storeID {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b segment.Segment) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (r *memRepo) List(_ context.Context, storeID string, f ListFilter) ([]segment.Segment, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []segment.Segment
	for _, s := range r.all(storeID) {
		if (f.Kind == "" || s.Kind == f.Kind) && (f.State == "" || s.State == f.State) &&
			(f.Tag == "" || slices.Contains(s.Tags, f.Tag)) {
			out = append(out, s)
		}
	}
	total := int64(len(out))
	out = out[min(f.Offset, len(out)):]
	if f.Limit > 0 {
		out = out[:min(f.Limit, len(out))]
	}
	return out, total, nil
}

func (r *memRepo) ListMaterializable(_ context.Context, storeID string) ([]segment.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []segment.Segment
	for _, s := range r.all(storeID) {
		if s.State == segment.StateActive && s.Kind.RuleBased() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) ListStores(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.segs {
		if !slices.Contains(out, s.StoreID) {
			out = append(out, s.StoreID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// --- MembershipStore ---

type memMemberships struct {
	mu   sync.Mutex
	repo *memRepo
	rows map[Membership]struct{}
}

func newMemMemberships(repo *memRepo) *memMemberships {
	return &memMemberships{repo: repo, rows: make(map[Membership]struct{})}
}

func (m *memMemberships) Upsert(_ context.Context, rows ...Membership) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range rows {
		if _, ok := m.rows[r]; !ok {
			m.rows[r] = struct{}{}
			n++
		}
	}
	return n, nil
}

func (m *memMemberships) Exists(_ context.Context, segmentID uuid.UUID, customerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for r := range m.rows {
		if r.SegmentID == segmentID && r.CustomerID == customerID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memMemberships) Count(_ context.Context, segmentID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for r := range m.rows {
		if r.SegmentID == segmentID {
			n++
		}
	}
	return n, nil
}

func (m *memMemberships) DeleteOrphans(_ context.Context, storeID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repo.mu.Lock()
	defer m.repo.mu.Unlock()
	var n int64
	for r := range m.rows {
		if _, ok := m.repo.segs[r.SegmentID]; r.StoreID == storeID && !ok {
			delete(m.rows, r)
			n++
		}
	}
	return n, nil
}

func (m *memMemberships) ListStores(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for r := range m.rows {
		if !slices.Contains(out, r.StoreID) {
			out = append(out, r.StoreID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *memMemberships) customers(segmentID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for r := range m.rows {
		if r.SegmentID == segmentID {
			out = append(out, r.CustomerID)
		}
	}
	slices.Sort(out)
	return out
}

// --- CustomerStore decorators ---

// flakyCustomers fails the first `failures` CountMatching calls with an
// infra error, or every call when failures is negative. When block is set
// calls wait for their context instead.
type flakyCustomers struct {
	CustomerStore
	failures int64
	block    bool
	calls    atomic.Int64
}

func (f *flakyCustomers) CountMatching(ctx context.Context, storeID string, filter ruleengine.Filter) (int64, error) {
	n := f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return 0, apperrors.Infra("customers.count_matching", ctx.Err())
	}
	if f.failures < 0 || n <= f.failures {
		return 0, apperrors.Infra("customers.count_matching", fmt.Errorf("dial tcp 10.0.0.7:5432: connection refused"))
	}
	return f.CustomerStore.CountMatching(ctx, storeID, filter)
}

// --- Scheduler ---

type recordingScheduler struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recordingScheduler) ScheduleRecompute(_ context.Context, _ string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingScheduler) scheduled() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ids)
}

// --- Fixture ---

const storeID = "store-1"

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc         *Service
	repo        *memRepo
	memberships *memMemberships
	customers   *customers.Store
	flaky       *flakyCustomers
	scheduler   *recordingScheduler
}

type fixtureOption func(*fixture, *Config)

func withFlakyCustomers(failures int64, block bool) fixtureOption {
	return func(f *fixture, _ *Config) {
		f.flaky = &flakyCustomers{CustomerStore: f.customers, failures: failures, block: block}
	}
}

func withPageSize(n int) fixtureOption {
	return func(_ *fixture, c *Config) { c.PageSize = n }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	db, err := customers.Open(config.CustomersConfig{URL: "sqlite://:memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := customers.NewStore(db, ruleengine.DefaultRegistry(), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, store.CreateSchema(context.Background()))

	repo := newMemRepo()
	f := &fixture{
		repo:        repo,
		memberships: newMemMemberships(repo),
		customers:   store,
		scheduler:   &recordingScheduler{},
	}
	cfg := Config{
		ProbeTimeout: 200 * time.Millisecond,
		ProbeRetry:   retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2},
		PageSize:     100,
		SampleSize:   3,
	}
	for _, opt := range opts {
		opt(f, &cfg)
	}

	var cs CustomerStore = store
	if f.flaky != nil {
		cs = f.flaky
	}

	f.svc = New(logger.Discard(), cfg, Deps{
		Segments:    repo,
		Customers:   cs,
		Memberships: f.memberships,
		Scheduler:   f.scheduler,
		Clock:       func() time.Time { return fixedNow },
	})
	return f
}

// seedSpenders inserts one customer per amount, with ids c0, c1, ...
func (f *fixture) seedSpenders(t *testing.T, amounts ...float64) {
	t.Helper()
	recs := make([]ruleengine.Record, len(amounts))
	for i, a := range amounts {
		recs[i] = ruleengine.Record{
			ID:         fmt.Sprintf("c%d", i),
			Attributes: map[string]ruleengine.Value{"totalSpent": ruleengine.Number(a)},
		}
	}
	require.NoError(t, f.customers.Insert(context.Background(), storeID, recs...))
}

func spentOver(amount float64) *ruleengine.RuleSet {
	return &ruleengine.RuleSet{
		Combinator: ruleengine.And,
		Conditions: []ruleengine.Condition{
			{Field: "totalSpent", Operator: ruleengine.OpGT, Value: ruleengine.Number(amount)},
		},
	}
}

func ptr[T any](v T) *T { return &v }
