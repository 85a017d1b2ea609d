package segmentapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segment"
	"github.com/rafaeljc/segmentation/internal/segments"
)

// Segment is the segment resource as returned by the API.
type Segment struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"store_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Kind         segment.Kind    `json:"kind"`
	State        segment.State   `json:"state"`
	Rules        json.RawMessage `json:"rules"`
	Stats        Stats           `json:"stats"`
	Tags         []string        `json:"tags"`
	IsPublic     bool            `json:"is_public"`
	IsCombinable bool            `json:"is_combinable"`
	TemplateID   *string         `json:"template_id,omitempty"`

	// Version must be echoed back on PATCH.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats is the cached size of a segment.
type Stats struct {
	MemberCount      int64      `json:"member_count"`
	MemberPercentage float64    `json:"member_percentage"`
	LastEvaluatedAt  *time.Time `json:"last_evaluated_at"`
	Stale            bool       `json:"stale"`
	RuleFingerprint  string     `json:"rule_fingerprint,omitempty"`
}

// toSegmentResponse renders the rule set in its wire form, the same shape
// CreateSegmentRequest accepts.
func toSegmentResponse(s segment.Segment) (Segment, error) {
	resp := Segment{
		ID:           s.ID.String(),
		StoreID:      s.StoreID,
		Name:         s.Name,
		Description:  s.Description,
		Kind:         s.Kind,
		State:        s.State,
		Rules:        json.RawMessage("null"),
		Tags:         s.Tags,
		IsPublic:     s.IsPublic,
		IsCombinable: s.IsCombinable,
		Version:      s.Version,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Stats: Stats{
			MemberCount:      s.Stats.MemberCount,
			MemberPercentage: s.Stats.MemberPercentage,
			LastEvaluatedAt:  s.Stats.LastEvaluatedAt,
			Stale:            s.Stats.Stale,
		},
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if s.Stats.LastEvaluatedAt != nil {
		resp.Stats.RuleFingerprint = formatFingerprint(s.Stats.RuleFingerprint)
	}
	if s.TemplateID != nil {
		id := s.TemplateID.String()
		resp.TemplateID = &id
	}
	if s.Rules != nil {
		raw, err := json.Marshal(s.Rules)
		if err != nil {
			return Segment{}, fmt.Errorf("failed to encode rules of segment %s: %w", s.ID, err)
		}
		resp.Rules = raw
	}
	return resp, nil
}

func toSegmentList(list []segment.Segment) ([]Segment, error) {
	out := make([]Segment, len(list))
	for i, s := range list {
		resp, err := toSegmentResponse(s)
		if err != nil {
			return nil, err
		}
		out[i] = resp
	}
	return out, nil
}

func formatFingerprint(f uint32) string {
	return fmt.Sprintf("%08x", f)
}

// CreateSegmentRequest is the payload of POST /segments.
type CreateSegmentRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Kind        string `json:"kind"`
	// State defaults to DRAFT.
	State string `json:"state,omitempty"`
	// Rules is required for AUTOMATIC and PREDEFINED segments and rejected
	// for MANUAL ones.
	Rules        json.RawMessage `json:"rules,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	IsPublic     bool            `json:"is_public"`
	IsCombinable bool            `json:"is_combinable"`
}

// Sanitize trims free text and upper-cases the enum fields.
func (r *CreateSegmentRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	r.Kind = strings.ToUpper(strings.TrimSpace(r.Kind))
	r.State = strings.ToUpper(strings.TrimSpace(r.State))
}

// Validate only checks what the domain layer cannot see: the shape of the
// payload. Business rules are enforced by segment.New.
func (r *CreateSegmentRequest) Validate() *ErrorResponse {
	if r.Name == "" {
		return invalidInput("name", "Name is required")
	}
	if r.Kind == "" {
		return invalidInput("kind", "Kind is required")
	}
	return nil
}

// UpdateSegmentRequest is the payload of PATCH /segments/{id}. Pointer fields
// distinguish an omitted field from an explicit zero value.
type UpdateSegmentRequest struct {
	Version      *int64           `json:"version"`
	Name         *string          `json:"name,omitempty"`
	Description  *string          `json:"description,omitempty"`
	State        *string          `json:"state,omitempty"`
	Rules        *json.RawMessage `json:"rules,omitempty"`
	Tags         *[]string        `json:"tags,omitempty"`
	IsPublic     *bool            `json:"is_public,omitempty"`
	IsCombinable *bool            `json:"is_combinable,omitempty"`
}

// Validate checks that the optimistic-lock version is present and that the
// patch changes something.
func (r *UpdateSegmentRequest) Validate() *ErrorResponse {
	if r.Version == nil {
		return invalidInput("version", "Version is required")
	}
	if *r.Version < 1 {
		return invalidInput("version", "Version must be a positive integer")
	}
	if r.Name == nil && r.Description == nil && r.State == nil && r.Rules == nil &&
		r.Tags == nil && r.IsPublic == nil && r.IsCombinable == nil {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "At least one field must be updated"}
	}
	return nil
}

// toPatch maps the request onto a domain patch, decoding rules through the
// registry.
func (r *UpdateSegmentRequest) toPatch(reg *ruleengine.Registry) (segment.Patch, error) {
	p := segment.Patch{
		Name:         r.Name,
		Description:  r.Description,
		Tags:         r.Tags,
		IsPublic:     r.IsPublic,
		IsCombinable: r.IsCombinable,
	}
	if r.State != nil {
		st := segment.State(strings.ToUpper(strings.TrimSpace(*r.State)))
		p.State = &st
	}
	if r.Rules != nil {
		rs, err := reg.DecodeRuleSet(*r.Rules)
		if err != nil {
			return segment.Patch{}, err
		}
		p.Rules = &rs
	}
	return p, nil
}

// DuplicateRequest is the payload of POST /segments/{id}/duplicate. An empty
// name lets the service derive "<name> (copy)".
type DuplicateRequest struct {
	Name string `json:"name,omitempty"`
}

// AddMembersRequest is the payload of POST /segments/{id}/members.
type AddMembersRequest struct {
	CustomerIDs []string `json:"customer_ids"`
}

// maxMembersPerRequest bounds a single AddMembers call.
const maxMembersPerRequest = 10_000

// Validate rejects empty and oversized batches.
func (r *AddMembersRequest) Validate() *ErrorResponse {
	if len(r.CustomerIDs) == 0 {
		return invalidInput("customer_ids", "At least one customer id is required")
	}
	if len(r.CustomerIDs) > maxMembersPerRequest {
		return invalidInput("customer_ids", fmt.Sprintf("At most %d customer ids may be added per request", maxMembersPerRequest))
	}
	return nil
}

// AddMembersResponse reports how many rows were inserted.
type AddMembersResponse struct {
	Added int64 `json:"added"`
}

// MembershipResponse answers GET /segments/{id}/members/{customerID}.
type MembershipResponse struct {
	SegmentID  string `json:"segment_id"`
	CustomerID string `json:"customer_id"`
	Member     bool   `json:"member"`
}

// RulesRequest carries a rule set to preview.
type RulesRequest struct {
	Rules json.RawMessage `json:"rules"`
}

// EvaluateRequest tests a rule set against either a stored customer or an
// inline record. Exactly one of CustomerID and Record must be set.
type EvaluateRequest struct {
	Rules      json.RawMessage `json:"rules"`
	CustomerID string          `json:"customer_id,omitempty"`
	Record     *RecordPayload  `json:"record,omitempty"`
}

// RecordPayload is an inline customer record keyed by logical field name.
type RecordPayload struct {
	ID         string                     `json:"id"`
	Attributes map[string]json.RawMessage `json:"attributes"`
}

// Validate enforces that exactly one evaluation target is given.
func (r *EvaluateRequest) Validate() *ErrorResponse {
	if len(r.Rules) == 0 {
		return invalidInput("rules", "Rules are required")
	}
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	if (r.CustomerID == "") == (r.Record == nil) {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Exactly one of customer_id and record must be provided"}
	}
	return nil
}

// EvaluateResponse reports whether the target matched.
type EvaluateResponse struct {
	Match bool `json:"match"`
}

// PreviewResponse is the dry-run result of a rule set.
type PreviewResponse struct {
	Diagnostic  string            `json:"diagnostic"`
	Fingerprint string            `json:"fingerprint"`
	Filter      ruleengine.Filter `json:"filter"`
	Matching    int64             `json:"matching"`
	Total       int64             `json:"total"`
	Percentage  float64           `json:"percentage"`
	Sample      []Record          `json:"sample"`
}

// Record is a customer as shown in previews.
type Record struct {
	ID         string                      `json:"id"`
	Attributes map[string]ruleengine.Value `json:"attributes"`
}

func toPreviewResponse(p segments.Preview) PreviewResponse {
	sample := make([]Record, len(p.Sample))
	for i, rec := range p.Sample {
		sample[i] = Record{ID: rec.ID, Attributes: rec.Attributes}
	}
	return PreviewResponse{
		Diagnostic:  p.Diagnostic,
		Fingerprint: formatFingerprint(p.Fingerprint),
		Filter:      p.Filter,
		Matching:    p.Matching,
		Total:       p.Total,
		Percentage:  p.Percentage,
		Sample:      sample,
	}
}

// MaterializeResponse summarizes a materialization run.
type MaterializeResponse struct {
	CustomersTouched   int64 `json:"customers_touched"`
	SegmentsProcessed  int   `json:"segments_processed"`
	MembershipsCreated int64 `json:"memberships_created"`
	OrphansRemoved     int64 `json:"orphans_removed"`
}

// Field describes an attribute rules may reference.
type Field struct {
	Name      string                  `json:"name"`
	Type      ruleengine.SemanticType `json:"type"`
	Operators []ruleengine.Operator   `json:"operators"`
}

// PaginatedResponse is a standard wrapper for list endpoints to support offset pagination.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// Pagination metadata for the frontend pager.
type Pagination struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_VALIDATION").
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
	// Retryable is set when the same request may succeed later.
	Retryable bool `json:"retryable,omitempty"`
}

// ErrorDetail provides context about specific validation failures. Field is
// empty when the issue is not tied to one input field.
type ErrorDetail struct {
	Field string `json:"field,omitempty"`
	Issue string `json:"issue"`
}

func invalidInput(field, msg string) *ErrorResponse {
	return &ErrorResponse{
		Code:    "ERR_INVALID_INPUT",
		Message: msg,
		Details: []ErrorDetail{{Field: field, Issue: msg}},
	}
}
