// Package segments implements the segment service: the workflows that
// create, change and duplicate segments, keep their statistics current and
// materialize rule-based memberships.
//
// The service owns no storage. It validates and compiles rule sets with
// ruleengine, applies changes through the segment aggregate and persists
// through the Repository, CustomerStore and MembershipStore ports.
package segments

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/config"
	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/retry"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segment"
	"github.com/rafaeljc/segmentation/internal/validation"
)

// Config tunes the service workflows.
type Config struct {
	// ProbeTimeout bounds each executability probe attempt.
	ProbeTimeout time.Duration
	// ProbeRetry schedules probe attempts after transient failures.
	ProbeRetry retry.Config
	// PageSize is the number of customers evaluated per materialization batch.
	PageSize int
	// SampleSize is the number of customers returned by Preview.
	SampleSize int
}

// ConfigFrom maps the engine section of the process configuration.
func ConfigFrom(c config.EngineConfig) Config {
	return Config{
		ProbeTimeout: c.ProbeTimeout,
		ProbeRetry: retry.Config{
			MaxAttempts:  c.ProbeMaxAttempts,
			InitialDelay: c.ProbeBaseDelay,
			MaxDelay:     c.ProbeTimeout,
			Multiplier:   2,
			Jitter:       true,
		},
		PageSize:   c.PageSize,
		SampleSize: c.SampleSize,
	}
}

// Deps are the collaborators of the service. Registry, Scheduler, Clock and
// NewID are optional.
type Deps struct {
	Segments    Repository
	Customers   CustomerStore
	Memberships MembershipStore
	// Scheduler receives recomputations triggered by rule changes. When nil
	// they run inline.
	Scheduler Scheduler
	Registry  *ruleengine.Registry
	Clock     func() time.Time
	NewID     func() uuid.UUID
}

// Service orchestrates segment workflows. It is safe for concurrent use.
type Service struct {
	logger    *slog.Logger
	cfg       Config
	registry  *ruleengine.Registry
	validator *ruleengine.Validator
	compiler  *ruleengine.Compiler
	evaluator *ruleengine.Evaluator

	segments    Repository
	customers   CustomerStore
	memberships MembershipStore
	scheduler   Scheduler

	now   func() time.Time
	newID func() uuid.UUID
}

// New builds a Service. It panics when a mandatory dependency is missing.
func New(log *slog.Logger, cfg Config, deps Deps) *Service {
	if log == nil {
		log = slog.Default()
	}
	validation.AssertPresent(deps.Segments, "segment repository")
	validation.AssertPresent(deps.Customers, "customer store")
	validation.AssertPresent(deps.Memberships, "membership store")

	if deps.Registry == nil {
		deps.Registry = ruleengine.DefaultRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.New
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}

	s := &Service{
		logger:      log,
		cfg:         cfg,
		registry:    deps.Registry,
		validator:   ruleengine.NewValidator(deps.Registry),
		compiler:    ruleengine.NewCompiler(deps.Registry),
		evaluator:   ruleengine.NewEvaluator(deps.Registry),
		segments:    deps.Segments,
		customers:   deps.Customers,
		memberships: deps.Memberships,
		scheduler:   deps.Scheduler,
		now:         deps.Clock,
		newID:       deps.NewID,
	}
	if s.scheduler == nil {
		s.scheduler = InlineScheduler{service: s}
	}
	return s
}

// Registry returns the field registry rule sets are checked against.
func (s *Service) Registry() *ruleengine.Registry {
	return s.registry
}

// Create validates and persists a new segment. Rule-based segments must pass
// the Validator and the executability probe before anything is written.
func (s *Service) Create(ctx context.Context, d segment.Draft) (segment.Segment, error) {
	seg, err := segment.New(s.newID(), d, s.now())
	if err != nil {
		return segment.Segment{}, err
	}

	if err := s.ensureNameFree(ctx, seg.StoreID, seg.Name, uuid.Nil); err != nil {
		return segment.Segment{}, err
	}

	if seg.Rules != nil {
		prog, err := s.checkRules(ctx, seg.StoreID, *seg.Rules)
		if err != nil {
			return segment.Segment{}, err
		}
		seg.Stats.RuleFingerprint = prog.Fingerprint
	}

	created, err := s.segments.Create(ctx, seg)
	if err != nil {
		return segment.Segment{}, err
	}

	logger.FromContext(ctx).Info("segment created",
		slog.String("store_id", created.StoreID),
		slog.String("segment_id", created.ID.String()),
		slog.String("kind", string(created.Kind)),
	)
	return created, nil
}

// Update applies p to the segment at the given version. A stale version is
// apperrors.ErrConflict. Patches that leave the rule set alone skip rule
// validation and the probe. A changed rule set marks the stats stale and
// schedules a recomputation.
func (s *Service) Update(ctx context.Context, storeID string, id uuid.UUID, version int64, p segment.Patch) (segment.Segment, error) {
	current, err := s.segments.Get(ctx, storeID, id)
	if err != nil {
		return segment.Segment{}, err
	}
	if current.Version != version {
		return segment.Segment{}, fmt.Errorf("segment %s is at version %d, not %d: %w", id, current.Version, version, apperrors.ErrConflict)
	}
	if p.IsEmpty() {
		return current, nil
	}

	next, rulesChanged, err := current.Apply(p, s.now())
	if err != nil {
		return segment.Segment{}, err
	}

	if next.Name != current.Name {
		if err := s.ensureNameFree(ctx, storeID, next.Name, id); err != nil {
			return segment.Segment{}, err
		}
	}

	if rulesChanged {
		if _, err := s.checkRules(ctx, storeID, *next.Rules); err != nil {
			return segment.Segment{}, err
		}
	}

	updated, err := s.segments.Update(ctx, next)
	if err != nil {
		return segment.Segment{}, err
	}

	if rulesChanged {
		s.schedule(ctx, updated)
	}
	return updated, nil
}

// Duplicate copies a segment under a new id in DRAFT state with zeroed
// stats. An empty name picks "<source> (copy)", then "(copy 2)" and so on.
func (s *Service) Duplicate(ctx context.Context, storeID string, id uuid.UUID, name string) (segment.Segment, error) {
	src, err := s.segments.Get(ctx, storeID, id)
	if err != nil {
		return segment.Segment{}, err
	}

	if name == "" {
		name, err = s.copyName(ctx, src)
		if err != nil {
			return segment.Segment{}, err
		}
	} else if err := s.ensureNameFree(ctx, storeID, name, uuid.Nil); err != nil {
		return segment.Segment{}, err
	}

	dup, err := src.Duplicate(s.newID(), name, s.now())
	if err != nil {
		return segment.Segment{}, err
	}
	if dup.Rules != nil {
		if prog, err := s.compiler.Compile(*dup.Rules); err == nil {
			dup.Stats.RuleFingerprint = prog.Fingerprint
		}
	}

	return s.segments.Create(ctx, dup)
}

const maxCopySuffix = 100

func (s *Service) copyName(ctx context.Context, src segment.Segment) (string, error) {
	for n := 1; n <= maxCopySuffix; n++ {
		candidate := src.Name + " (copy)"
		if n > 1 {
			candidate = fmt.Sprintf("%s (copy %d)", src.Name, n)
		}
		taken, err := s.segments.ExistsByName(ctx, src.StoreID, candidate, uuid.Nil)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", apperrors.Validationf("could not find a free copy name for %q, pass one explicitly", src.Name)
}

// Delete removes a segment. Its membership rows are left for the next
// materialization run to collect.
func (s *Service) Delete(ctx context.Context, storeID string, id uuid.UUID) error {
	if err := s.segments.Delete(ctx, storeID, id); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("segment deleted",
		slog.String("store_id", storeID),
		slog.String("segment_id", id.String()),
	)
	return nil
}

// Get returns one segment.
func (s *Service) Get(ctx context.Context, storeID string, id uuid.UUID) (segment.Segment, error) {
	return s.segments.Get(ctx, storeID, id)
}

// List returns a page of segments and the total number matching f.
func (s *Service) List(ctx context.Context, storeID string, f ListFilter) ([]segment.Segment, int64, error) {
	return s.segments.List(ctx, storeID, f)
}

// Stores returns every store that owns a segment or still holds membership
// rows. The latter keeps stores whose last segment was deleted in the sweep
// until their orphans are collected.
func (s *Service) Stores(ctx context.Context) ([]string, error) {
	owners, err := s.segments.ListStores(ctx)
	if err != nil {
		return nil, err
	}
	holders, err := s.memberships.ListStores(ctx)
	if err != nil {
		return nil, err
	}
	stores := append(owners, holders...)
	slices.Sort(stores)
	return slices.Compact(stores), nil
}

// AddMembers links customers to a MANUAL segment and returns how many links
// were new.
func (s *Service) AddMembers(ctx context.Context, storeID string, id uuid.UUID, customerIDs []string) (int64, error) {
	seg, err := s.segments.Get(ctx, storeID, id)
	if err != nil {
		return 0, err
	}
	if seg.Kind != segment.KindManual {
		return 0, apperrors.Validationf("members of %s segments are computed from rules and cannot be added by hand", seg.Kind)
	}

	rows := make([]Membership, 0, len(customerIDs))
	seen := make(map[string]struct{}, len(customerIDs))
	var msgs []string
	for i, cid := range customerIDs {
		if cid == "" {
			msgs = append(msgs, fmt.Sprintf("customer %d: id is required", i+1))
			continue
		}
		if _, dup := seen[cid]; dup {
			continue
		}
		seen[cid] = struct{}{}
		rows = append(rows, Membership{StoreID: storeID, SegmentID: id, CustomerID: cid})
	}
	if len(msgs) > 0 {
		return 0, apperrors.NewValidation(msgs...)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	return s.memberships.Upsert(ctx, rows...)
}

// IsMember reports whether a customer currently has a membership row.
func (s *Service) IsMember(ctx context.Context, storeID string, id uuid.UUID, customerID string) (bool, error) {
	if _, err := s.segments.Get(ctx, storeID, id); err != nil {
		return false, err
	}
	return s.memberships.Exists(ctx, id, customerID)
}

func (s *Service) ensureNameFree(ctx context.Context, storeID, name string, exclude uuid.UUID) error {
	taken, err := s.segments.ExistsByName(ctx, storeID, name, exclude)
	if err != nil {
		return err
	}
	if taken {
		return apperrors.Validationf("a segment named %q already exists in this store", segment.NormalizeName(name))
	}
	return nil
}

// schedule hands a recomputation to the scheduler. The change it follows is
// already persisted, so a failure here only leaves the stats stale.
func (s *Service) schedule(ctx context.Context, seg segment.Segment) {
	if err := s.scheduler.ScheduleRecompute(ctx, seg.StoreID, seg.ID); err != nil {
		logger.FromContext(ctx).Warn("failed to schedule recompute",
			slog.String("store_id", seg.StoreID),
			slog.String("segment_id", seg.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
