// Package segment defines the Segment aggregate: a named, persisted group of
// customers defined by explicit membership or by a rule set.
//
// Segments are immutable snapshots. Every mutation (Apply, Duplicate,
// WithStats) returns a new value and leaves the receiver untouched.
package segment

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
)

const (
	MaxNameLength        = 255
	MaxDescriptionLength = 2_000
	MaxTags              = 20
	MaxTagLength         = 50
)

// Kind says how membership is defined.
type Kind string

const (
	KindManual     Kind = "MANUAL"
	KindAutomatic  Kind = "AUTOMATIC"
	KindPredefined Kind = "PREDEFINED"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindManual || k == KindAutomatic || k == KindPredefined
}

// RuleBased reports whether segments of this kind require a rule set.
func (k Kind) RuleBased() bool {
	return k == KindAutomatic || k == KindPredefined
}

// State is the lifecycle state of a segment.
type State string

const (
	StateDraft    State = "DRAFT"
	StateActive   State = "ACTIVE"
	StateInactive State = "INACTIVE"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StateDraft || s == StateActive || s == StateInactive
}

var transitions = map[State][]State{
	StateDraft:    {StateActive, StateInactive},
	StateActive:   {StateInactive},
	StateInactive: {StateActive},
}

// CanTransitionTo reports whether a segment in state s may move to next.
// Staying in the same state is always allowed. Nothing returns to DRAFT.
func (s State) CanTransitionTo(next State) bool {
	return s == next || slices.Contains(transitions[s], next)
}

// Stats is a cached, derived view of segment size. It is only as current as
// LastEvaluatedAt and is always recomputed explicitly.
type Stats struct {
	MemberCount      int64
	MemberPercentage float64
	// LastEvaluatedAt is nil until the first recomputation.
	LastEvaluatedAt *time.Time
	// Stale is set when the rule set changed after the last recomputation.
	Stale bool
	// RuleFingerprint identifies the compiled rules the stats were computed for.
	RuleFingerprint uint32
}

// ComputeStats derives stats from a matching count and the store total.
// count is clamped to [0, total] since the two counts are taken by separate
// queries and may observe different snapshots. The percentage is rounded
// half away from zero to two decimals.
func ComputeStats(count, total int64, fingerprint uint32, at time.Time) Stats {
	total = max(total, 0)
	count = min(max(count, 0), total)

	var pct float64
	if total > 0 {
		pct = math.Round(float64(count)/float64(total)*100*100) / 100
	}

	at = at.UTC()
	return Stats{
		MemberCount:      count,
		MemberPercentage: pct,
		LastEvaluatedAt:  &at,
		RuleFingerprint:  fingerprint,
	}
}

// Segment is the aggregate root.
type Segment struct {
	ID           uuid.UUID
	StoreID      string
	Name         string
	Description  string
	Kind         Kind
	State        State
	Rules        *ruleengine.RuleSet
	Stats        Stats
	Tags         []string
	IsPublic     bool
	IsCombinable bool
	// TemplateID points at the segment this one was duplicated from.
	TemplateID *uuid.UUID
	// Version is incremented by every persisted update and guards against
	// lost updates. Stats writes do not change it.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Draft carries the caller-supplied attributes of a new segment.
type Draft struct {
	StoreID      string
	Name         string
	Description  string
	Kind         Kind
	State        State
	Rules        *ruleengine.RuleSet
	Tags         []string
	IsPublic     bool
	IsCombinable bool
}

// New builds a segment from d. Stats start zeroed, and rule-based segments
// start stale since they were never evaluated. The rule set's content is
// checked by ruleengine.Validator, not here.
func New(id uuid.UUID, d Draft, now time.Time) (Segment, error) {
	if d.State == "" {
		d.State = StateDraft
	}

	var msgs []string
	if strings.TrimSpace(d.StoreID) == "" {
		msgs = append(msgs, "store id is required")
	}
	if !d.Kind.Valid() {
		msgs = append(msgs, fmt.Sprintf("kind %q is not supported, use MANUAL, AUTOMATIC or PREDEFINED", d.Kind))
	}
	if d.State != StateDraft && d.State != StateActive {
		msgs = append(msgs, fmt.Sprintf("segments are created in DRAFT or ACTIVE state, got %q", d.State))
	}
	msgs = append(msgs, checkName(d.Name)...)
	msgs = append(msgs, checkDescription(d.Description)...)
	msgs = append(msgs, checkRules(d.Kind, d.Rules)...)

	tags, tagMsgs := NormalizeTags(d.Tags)
	msgs = append(msgs, tagMsgs...)

	if len(msgs) > 0 {
		return Segment{}, apperrors.NewValidation(msgs...)
	}

	now = now.UTC()
	s := Segment{
		ID:           id,
		StoreID:      d.StoreID,
		Name:         NormalizeName(d.Name),
		Description:  strings.TrimSpace(d.Description),
		Kind:         d.Kind,
		State:        d.State,
		Tags:         tags,
		IsPublic:     d.IsPublic,
		IsCombinable: d.IsCombinable,
		Stats:        Stats{Stale: d.Kind.RuleBased()},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if d.Rules != nil {
		rs := d.Rules.Clone()
		s.Rules = &rs
	}
	return s, nil
}

// Patch lists the fields an update changes. Nil fields are left alone.
type Patch struct {
	Name         *string
	Description  *string
	State        *State
	Rules        *ruleengine.RuleSet
	Tags         *[]string
	IsPublic     *bool
	IsCombinable *bool
}

// IsEmpty reports whether p changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.State == nil && p.Rules == nil &&
		p.Tags == nil && p.IsPublic == nil && p.IsCombinable == nil
}

// Apply returns a new snapshot with p applied. The second result reports
// whether the rule set changed, in which case the new snapshot's stats are
// marked stale.
func (s Segment) Apply(p Patch, now time.Time) (Segment, bool, error) {
	next := s.Clone()
	var msgs []string

	if p.Name != nil {
		if m := checkName(*p.Name); len(m) > 0 {
			msgs = append(msgs, m...)
		} else {
			next.Name = NormalizeName(*p.Name)
		}
	}
	if p.Description != nil {
		if m := checkDescription(*p.Description); len(m) > 0 {
			msgs = append(msgs, m...)
		} else {
			next.Description = strings.TrimSpace(*p.Description)
		}
	}
	if p.State != nil {
		switch {
		case !p.State.Valid():
			msgs = append(msgs, fmt.Sprintf("state %q is not supported", *p.State))
		case !s.State.CanTransitionTo(*p.State):
			msgs = append(msgs, fmt.Sprintf("cannot move segment from %s to %s", s.State, *p.State))
		default:
			next.State = *p.State
		}
	}
	if p.Tags != nil {
		tags, m := NormalizeTags(*p.Tags)
		msgs = append(msgs, m...)
		next.Tags = tags
	}
	if p.IsPublic != nil {
		next.IsPublic = *p.IsPublic
	}
	if p.IsCombinable != nil {
		next.IsCombinable = *p.IsCombinable
	}

	rulesChanged := false
	if p.Rules != nil {
		if m := checkRules(s.Kind, p.Rules); len(m) > 0 {
			msgs = append(msgs, m...)
		} else if s.Rules == nil || !s.Rules.Equal(*p.Rules) {
			rs := p.Rules.Clone()
			next.Rules = &rs
			next.Stats.Stale = true
			rulesChanged = true
		}
	}

	if len(msgs) > 0 {
		return s, false, apperrors.NewValidation(msgs...)
	}

	next.UpdatedAt = now.UTC()
	return next, rulesChanged, nil
}

// Duplicate returns a copy of s under a new identity: DRAFT state, zeroed
// stats, and TemplateID pointing at s.
func (s Segment) Duplicate(id uuid.UUID, name string, now time.Time) (Segment, error) {
	if m := checkName(name); len(m) > 0 {
		return Segment{}, apperrors.NewValidation(m...)
	}

	dup := s.Clone()
	source := s.ID
	now = now.UTC()

	dup.ID = id
	dup.Name = NormalizeName(name)
	dup.State = StateDraft
	dup.Stats = Stats{Stale: s.Kind.RuleBased()}
	dup.TemplateID = &source
	dup.Version = 0
	dup.CreatedAt = now
	dup.UpdatedAt = now
	return dup, nil
}

// WithStats returns a snapshot carrying st.
func (s Segment) WithStats(st Stats) Segment {
	next := s.Clone()
	next.Stats = st
	if st.LastEvaluatedAt != nil {
		at := *st.LastEvaluatedAt
		next.Stats.LastEvaluatedAt = &at
	}
	return next
}

// StatsCurrent reports whether the stats were computed for the rules whose
// compiled fingerprint is given.
func (s Segment) StatsCurrent(fingerprint uint32) bool {
	return s.Stats.LastEvaluatedAt != nil && !s.Stats.Stale && s.Stats.RuleFingerprint == fingerprint
}

// Clone returns a deep copy of s.
func (s Segment) Clone() Segment {
	out := s
	out.Tags = slices.Clone(s.Tags)
	if s.Rules != nil {
		rs := s.Rules.Clone()
		out.Rules = &rs
	}
	if s.TemplateID != nil {
		id := *s.TemplateID
		out.TemplateID = &id
	}
	if s.Stats.LastEvaluatedAt != nil {
		at := *s.Stats.LastEvaluatedAt
		out.Stats.LastEvaluatedAt = &at
	}
	return out
}

// NormalizeName trims the name and collapses inner runs of whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// NameKey is the case-insensitive uniqueness key of a name within a store.
func NameKey(name string) string {
	return strings.ToLower(NormalizeName(name))
}

// NormalizeTags trims, lowercases, deduplicates and sorts tags.
func NormalizeTags(tags []string) ([]string, []string) {
	var msgs []string
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		switch {
		case t == "":
			continue
		case utf8.RuneCountInString(t) > MaxTagLength:
			msgs = append(msgs, fmt.Sprintf("tag %q exceeds %d characters", t, MaxTagLength))
			continue
		}
		set[t] = struct{}{}
	}
	if len(set) > MaxTags {
		msgs = append(msgs, fmt.Sprintf("a segment can have at most %d tags, got %d", MaxTags, len(set)))
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	slices.Sort(out)
	return out, msgs
}

func checkName(name string) []string {
	n := NormalizeName(name)
	switch {
	case n == "":
		return []string{"name is required"}
	case utf8.RuneCountInString(n) > MaxNameLength:
		return []string{fmt.Sprintf("name must be at most %d characters", MaxNameLength)}
	}
	return nil
}

func checkDescription(desc string) []string {
	if utf8.RuneCountInString(strings.TrimSpace(desc)) > MaxDescriptionLength {
		return []string{fmt.Sprintf("description must be at most %d characters", MaxDescriptionLength)}
	}
	return nil
}

func checkRules(kind Kind, rs *ruleengine.RuleSet) []string {
	switch {
	case kind == KindManual && rs != nil:
		return []string{"MANUAL segments cannot carry a rule set"}
	case kind.RuleBased() && (rs == nil || len(rs.Conditions) == 0):
		return []string{fmt.Sprintf("%s segments require a rule set with at least one condition", kind)}
	}
	return nil
}
