package segmentapi_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
	"github.com/rafaeljc/segmentation/internal/segment"
	"github.com/rafaeljc/segmentation/internal/segmentapi"
	"github.com/rafaeljc/segmentation/internal/segments"
	"github.com/rafaeljc/segmentation/internal/testsupport"
)

// fakeService embeds the interface so that tests only stub what they call.
// Calling anything else panics with a nil dereference.
type fakeService struct {
	segmentapi.Service

	create      func(segment.Draft) (segment.Segment, error)
	update      func(id uuid.UUID, version int64, p segment.Patch) (segment.Segment, error)
	get         func(id uuid.UUID) (segment.Segment, error)
	del         func(id uuid.UUID) error
	list        func(f segments.ListFilter) ([]segment.Segment, int64, error)
	duplicate   func(id uuid.UUID, name string) (segment.Segment, error)
	addMembers  func(id uuid.UUID, ids []string) (int64, error)
	preview     func(rs ruleengine.RuleSet) (segments.Preview, error)
	evalRecord  func(rs ruleengine.RuleSet, rec ruleengine.Record) (bool, error)
	materialize func(storeID string) (segments.MaterializeResult, error)
}

func (f *fakeService) Registry() *ruleengine.Registry { return ruleengine.DefaultRegistry() }

func (f *fakeService) Create(_ context.Context, d segment.Draft) (segment.Segment, error) {
	return f.create(d)
}

func (f *fakeService) Update(_ context.Context, _ string, id uuid.UUID, v int64, p segment.Patch) (segment.Segment, error) {
	return f.update(id, v, p)
}

func (f *fakeService) Get(_ context.Context, _ string, id uuid.UUID) (segment.Segment, error) {
	return f.get(id)
}

func (f *fakeService) Delete(_ context.Context, _ string, id uuid.UUID) error {
	return f.del(id)
}

func (f *fakeService) List(_ context.Context, _ string, lf segments.ListFilter) ([]segment.Segment, int64, error) {
	return f.list(lf)
}

func (f *fakeService) Duplicate(_ context.Context, _ string, id uuid.UUID, name string) (segment.Segment, error) {
	return f.duplicate(id, name)
}

func (f *fakeService) AddMembers(_ context.Context, _ string, id uuid.UUID, ids []string) (int64, error) {
	return f.addMembers(id, ids)
}

func (f *fakeService) Preview(_ context.Context, _ string, rs ruleengine.RuleSet) (segments.Preview, error) {
	return f.preview(rs)
}

func (f *fakeService) EvaluateRecord(rs ruleengine.RuleSet, rec ruleengine.Record) (bool, error) {
	return f.evalRecord(rs, rec)
}

func (f *fakeService) MaterializeAutomaticMemberships(_ context.Context, storeID string) (segments.MaterializeResult, error) {
	return f.materialize(storeID)
}

func newTestAPI(svc segmentapi.Service) *segmentapi.API {
	return segmentapi.NewAPI(svc, segmentapi.Options{SkipAuth: true})
}

func do(t *testing.T, api *segmentapi.API, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	api.Router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

func sampleSegment(id uuid.UUID) segment.Segment {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rs := ruleengine.RuleSet{
		Combinator: ruleengine.And,
		Conditions: []ruleengine.Condition{{Field: "totalSpent", Operator: ruleengine.OpGT, Value: ruleengine.Number(500)}},
	}
	return segment.Segment{
		ID:        id,
		StoreID:   "store-1",
		Name:      "Big spenders",
		Kind:      segment.KindAutomatic,
		State:     segment.StateActive,
		Rules:     &rs,
		Stats:     segment.ComputeStats(25, 200, 0x2a, now),
		Version:   3,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

const segmentsPath = "/api/v1/stores/store-1/segments"

func TestNewAPI_Panics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { segmentapi.NewAPI(nil, segmentapi.Options{SkipAuth: true}) })
	assert.Panics(t, func() { segmentapi.NewAPI(&fakeService{}, segmentapi.Options{}) })
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	sum := sha256.Sum256([]byte("s3cret"))
	api := segmentapi.NewAPI(&fakeService{}, segmentapi.Options{APIKeyHash: hex.EncodeToString(sum[:])})

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{name: "missing key", key: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", key: "guess", wantStatus: http.StatusUnauthorized},
		{name: "valid key", key: "s3cret", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stores/store-1/fields", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rr := httptest.NewRecorder()

			// Act
			api.Router.ServeHTTP(rr, req)

			// Assert
			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, "ERR_UNAUTHORIZED", decode[segmentapi.ErrorResponse](t, rr).Code)
			}
		})
	}

	t.Run("health is public", func(t *testing.T) {
		t.Parallel()
		rr := httptest.NewRecorder()
		api.Router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestListFields(t *testing.T) {
	t.Parallel()

	rr := do(t, newTestAPI(&fakeService{}), http.MethodGet, "/api/v1/stores/store-1/fields", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Fields []segmentapi.Field `json:"fields"`
	}](t, rr)
	require.Len(t, body.Fields, len(ruleengine.DefaultRegistry().Fields()))
	for _, f := range body.Fields {
		assert.NotEmpty(t, f.Operators, "field %s", f.Name)
	}
}

func TestCreateSegment(t *testing.T) {
	t.Parallel()

	id := uuid.New()

	tests := []struct {
		name       string
		body       any
		svcErr     error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed json",
			body:       `{"name":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERR_INVALID_JSON",
		},
		{
			name:       "missing name",
			body:       map[string]any{"kind": "MANUAL"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "ERR_INVALID_INPUT",
		},
		{
			name:       "rules are not json objects",
			body:       map[string]any{"name": "x", "kind": "AUTOMATIC", "rules": []int{1}},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "ERR_VALIDATION",
		},
		{
			name:       "domain validation failure",
			body:       map[string]any{"name": "x", "kind": "MANUAL"},
			svcErr:     apperrors.NewValidation("a segment named \"x\" already exists in this store"),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "ERR_VALIDATION",
		},
		{
			name:       "store unavailable",
			body:       map[string]any{"name": "x", "kind": "MANUAL"},
			svcErr:     apperrors.Infra("segments_repo.create", context.DeadlineExceeded),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "ERR_UNAVAILABLE",
		},
		{
			name: "created",
			body: map[string]any{
				"name":  " Big spenders ",
				"kind":  "automatic",
				"state": "active",
				"rules": map[string]any{
					"combinator": "AND",
					"conditions": []map[string]any{{"field": "totalSpent", "operator": "GT", "value": 500}},
				},
				"tags": []string{"vip"},
			},
			wantStatus: http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			var got segment.Draft
			svc := &fakeService{create: func(d segment.Draft) (segment.Segment, error) {
				got = d
				if tt.svcErr != nil {
					return segment.Segment{}, tt.svcErr
				}
				return sampleSegment(id), nil
			}}

			// Act
			rr := do(t, newTestAPI(svc), http.MethodPost, segmentsPath, tt.body)

			// Assert
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantCode != "" {
				errResp := decode[segmentapi.ErrorResponse](t, rr)
				assert.Equal(t, tt.wantCode, errResp.Code)
				if tt.wantCode == "ERR_VALIDATION" {
					assert.NotEmpty(t, errResp.Details)
				}
				if tt.wantCode == "ERR_UNAVAILABLE" {
					assert.True(t, errResp.Retryable)
				}
				return
			}

			assert.Equal(t, "store-1", got.StoreID)
			assert.Equal(t, "Big spenders", got.Name)
			assert.Equal(t, segment.KindAutomatic, got.Kind)
			assert.Equal(t, segment.StateActive, got.State)
			require.NotNil(t, got.Rules)
			assert.Equal(t, ruleengine.And, got.Rules.Combinator)
			assert.True(t, got.Rules.Conditions[0].Value.Equal(ruleengine.Number(500)))

			resp := decode[segmentapi.Segment](t, rr)
			assert.Equal(t, id.String(), resp.ID)
			assert.Equal(t, int64(3), resp.Version)
			assert.Equal(t, int64(25), resp.Stats.MemberCount)
			assert.InDelta(t, 12.5, resp.Stats.MemberPercentage, 0.001)
			assert.Equal(t, "0000002a", resp.Stats.RuleFingerprint)
		})
	}
}

func TestGetSegment(t *testing.T) {
	t.Parallel()

	known := uuid.New()
	svc := &fakeService{get: func(id uuid.UUID) (segment.Segment, error) {
		if id != known {
			return segment.Segment{}, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
		}
		return sampleSegment(id), nil
	}}
	api := newTestAPI(svc)

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{name: "found", id: known.String(), wantStatus: http.StatusOK},
		{name: "unknown", id: uuid.NewString(), wantStatus: http.StatusNotFound},
		{name: "not a uuid", id: "segment-1", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := do(t, api, http.MethodGet, segmentsPath+"/"+tt.id, nil)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
		})
	}
}

func TestGetSegment_RulesDecodeWithRegistry(t *testing.T) {
	t.Parallel()

	// Arrange
	automatic, manual := uuid.New(), uuid.New()
	svc := &fakeService{get: func(id uuid.UUID) (segment.Segment, error) {
		seg := sampleSegment(id)
		if id == manual {
			seg.Kind = segment.KindManual
			seg.Rules = nil
		}
		return seg, nil
	}}
	api := newTestAPI(svc)

	// Act
	auto := decode[segmentapi.Segment](t, do(t, api, http.MethodGet, segmentsPath+"/"+automatic.String(), nil))
	man := decode[segmentapi.Segment](t, do(t, api, http.MethodGet, segmentsPath+"/"+manual.String(), nil))

	// Assert
	assert.JSONEq(t, `{"combinator":"AND","conditions":[{"field":"totalSpent","operator":"GT","value":500}]}`, string(auto.Rules))
	rs, err := ruleengine.DefaultRegistry().DecodeRuleSet(auto.Rules)
	require.NoError(t, err)
	assert.Equal(t, ruleengine.And, rs.Combinator)
	assert.True(t, rs.Conditions[0].Value.Equal(ruleengine.Number(500)))
	assert.JSONEq(t, `null`, string(man.Rules))
}

func TestUpdateSegment(t *testing.T) {
	t.Parallel()

	id := uuid.New()

	t.Run("requires version", func(t *testing.T) {
		t.Parallel()
		rr := do(t, newTestAPI(&fakeService{}), http.MethodPatch, segmentsPath+"/"+id.String(), map[string]any{"name": "x"})
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "version", decode[segmentapi.ErrorResponse](t, rr).Details[0].Field)
	})

	t.Run("requires a change", func(t *testing.T) {
		t.Parallel()
		rr := do(t, newTestAPI(&fakeService{}), http.MethodPatch, segmentsPath+"/"+id.String(), map[string]any{"version": 3})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		t.Parallel()
		svc := &fakeService{update: func(uuid.UUID, int64, segment.Patch) (segment.Segment, error) {
			return segment.Segment{}, apperrors.ErrConflict
		}}
		rr := do(t, newTestAPI(svc), http.MethodPatch, segmentsPath+"/"+id.String(), map[string]any{"version": 2, "name": "x"})
		require.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, "ERR_CONFLICT", decode[segmentapi.ErrorResponse](t, rr).Code)
	})

	t.Run("maps the patch", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			gotVersion int64
			gotPatch   segment.Patch
		)
		svc := &fakeService{update: func(_ uuid.UUID, v int64, p segment.Patch) (segment.Segment, error) {
			gotVersion, gotPatch = v, p
			seg := sampleSegment(id)
			seg.Version = v + 1
			return seg, nil
		}}

		// Act
		rr := do(t, newTestAPI(svc), http.MethodPatch, segmentsPath+"/"+id.String(), map[string]any{
			"version":   3,
			"state":     "inactive",
			"is_public": false,
			"rules": map[string]any{
				"combinator": "OR",
				"conditions": []map[string]any{{"field": "totalSpent", "operator": "LT", "value": 10}},
			},
		})

		// Assert
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, int64(3), gotVersion)
		require.NotNil(t, gotPatch.State)
		assert.Equal(t, segment.StateInactive, *gotPatch.State)
		require.NotNil(t, gotPatch.IsPublic)
		assert.False(t, *gotPatch.IsPublic)
		require.NotNil(t, gotPatch.Rules)
		assert.Equal(t, ruleengine.Or, gotPatch.Rules.Combinator)
		assert.Nil(t, gotPatch.Name)
		assert.Equal(t, int64(4), decode[segmentapi.Segment](t, rr).Version)
	})
}

func TestDeleteSegment(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	var deleted uuid.UUID
	svc := &fakeService{del: func(got uuid.UUID) error {
		deleted = got
		return nil
	}}

	rr := do(t, newTestAPI(svc), http.MethodDelete, segmentsPath+"/"+id.String(), nil)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, id, deleted)
}

func TestListSegments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantFilter segments.ListFilter
		wantPages  int
	}{
		{
			name:       "defaults",
			query:      "",
			wantStatus: http.StatusOK,
			wantFilter: segments.ListFilter{Limit: 10},
			wantPages:  3,
		},
		{
			name:       "filters and paging",
			query:      "?kind=manual&state=ACTIVE&tag=VIP&page=2&page_size=5",
			wantStatus: http.StatusOK,
			wantFilter: segments.ListFilter{Kind: segment.KindManual, State: segment.StateActive, Tag: "VIP", Limit: 5, Offset: 5},
			wantPages:  5,
		},
		{
			name:       "page size is clamped",
			query:      "?page_size=1000&page=0",
			wantStatus: http.StatusOK,
			wantFilter: segments.ListFilter{Limit: 100},
			wantPages:  1,
		},
		{name: "non integer page", query: "?page=two", wantStatus: http.StatusBadRequest},
		{name: "unknown kind", query: "?kind=SMART", wantStatus: http.StatusBadRequest},
		{name: "unknown state", query: "?state=ARCHIVED", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			var got segments.ListFilter
			svc := &fakeService{list: func(f segments.ListFilter) ([]segment.Segment, int64, error) {
				got = f
				return []segment.Segment{sampleSegment(uuid.New())}, 23, nil
			}}

			// Act
			rr := do(t, newTestAPI(svc), http.MethodGet, segmentsPath+tt.query, nil)

			// Assert
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "ERR_INVALID_QUERY_PARAM", decode[segmentapi.ErrorResponse](t, rr).Code)
				return
			}
			assert.Equal(t, tt.wantFilter, got)

			resp := decode[struct {
				Data       []segmentapi.Segment  `json:"data"`
				Pagination segmentapi.Pagination `json:"pagination"`
			}](t, rr)
			assert.Len(t, resp.Data, 1)
			assert.Equal(t, int64(23), resp.Pagination.TotalItems)
			assert.Equal(t, tt.wantPages, resp.Pagination.TotalPages)
		})
	}
}

func TestDuplicateSegment(t *testing.T) {
	t.Parallel()

	src := uuid.New()
	var gotName string
	svc := &fakeService{duplicate: func(id uuid.UUID, name string) (segment.Segment, error) {
		gotName = name
		seg := sampleSegment(uuid.New())
		seg.TemplateID = &id
		seg.Name = "Big spenders (copy)"
		return seg, nil
	}}

	rr := do(t, newTestAPI(svc), http.MethodPost, segmentsPath+"/"+src.String()+"/duplicate", nil)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Empty(t, gotName)
	resp := decode[segmentapi.Segment](t, rr)
	require.NotNil(t, resp.TemplateID)
	assert.Equal(t, src.String(), *resp.TemplateID)
	assert.Equal(t, "Big spenders (copy)", resp.Name)
}

func TestAddMembers(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	svc := &fakeService{addMembers: func(_ uuid.UUID, ids []string) (int64, error) {
		return int64(len(ids)) - 1, nil
	}}
	api := newTestAPI(svc)

	t.Run("empty batch", func(t *testing.T) {
		t.Parallel()
		rr := do(t, api, http.MethodPost, segmentsPath+"/"+id.String()+"/members", map[string]any{"customer_ids": []string{}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("added", func(t *testing.T) {
		t.Parallel()
		rr := do(t, api, http.MethodPost, segmentsPath+"/"+id.String()+"/members", map[string]any{"customer_ids": []string{"c1", "c2", "c1"}})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, int64(2), decode[segmentapi.AddMembersResponse](t, rr).Added)
	})
}

func TestPreviewRules(t *testing.T) {
	t.Parallel()

	svc := &fakeService{preview: func(rs ruleengine.RuleSet) (segments.Preview, error) {
		return segments.Preview{
			Diagnostic:  "FROM customers WHERE totalSpent > 500 ORDER BY lastActivity DESC",
			Fingerprint: 0xbeef,
			Matching:    3,
			Total:       12,
			Percentage:  25,
			Sample: []ruleengine.Record{{
				ID:         "c1",
				Attributes: map[string]ruleengine.Value{"totalSpent": ruleengine.Number(900)},
			}},
		}, nil
	}}
	api := newTestAPI(svc)

	t.Run("rules required", func(t *testing.T) {
		t.Parallel()
		rr := do(t, api, http.MethodPost, "/api/v1/stores/store-1/rules/preview", map[string]any{"rules": nil})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("preview", func(t *testing.T) {
		t.Parallel()

		rr := do(t, api, http.MethodPost, "/api/v1/stores/store-1/rules/preview", map[string]any{
			"rules": map[string]any{
				"combinator": "AND",
				"conditions": []map[string]any{{"field": "totalSpent", "operator": "GT", "value": 500}},
			},
		})

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var resp struct {
			Diagnostic  string  `json:"diagnostic"`
			Fingerprint string  `json:"fingerprint"`
			Percentage  float64 `json:"percentage"`
			Sample      []struct {
				ID         string         `json:"id"`
				Attributes map[string]any `json:"attributes"`
			} `json:"sample"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "0000beef", resp.Fingerprint)
		assert.InDelta(t, 25.0, resp.Percentage, 0.001)
		require.Len(t, resp.Sample, 1)
		assert.Equal(t, "c1", resp.Sample[0].ID)
		assert.Contains(t, resp.Sample[0].Attributes, "totalSpent")
	})
}

func TestEvaluateRules(t *testing.T) {
	t.Parallel()

	rules := map[string]any{
		"combinator": "AND",
		"conditions": []map[string]any{{"field": "totalSpent", "operator": "GT", "value": 500}},
	}
	svc := &fakeService{evalRecord: func(_ ruleengine.RuleSet, rec ruleengine.Record) (bool, error) {
		v, ok := rec.Attributes["totalSpent"]
		return ok && v.Float(0) > 500, nil
	}}
	api := newTestAPI(svc)

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantMatch  bool
	}{
		{
			name:       "no target",
			body:       map[string]any{"rules": rules},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "both targets",
			body: map[string]any{
				"rules":       rules,
				"customer_id": "c1",
				"record":      map[string]any{"id": "c1", "attributes": map[string]any{}},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown attribute",
			body: map[string]any{
				"rules":  rules,
				"record": map[string]any{"id": "c1", "attributes": map[string]any{"shoeSize": 42}},
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "matching record",
			body: map[string]any{
				"rules":  rules,
				"record": map[string]any{"id": "c1", "attributes": map[string]any{"totalSpent": 900}},
			},
			wantStatus: http.StatusOK,
			wantMatch:  true,
		},
		{
			name: "record with null attribute",
			body: map[string]any{
				"rules":  rules,
				"record": map[string]any{"id": "c1", "attributes": map[string]any{"totalSpent": nil}},
			},
			wantStatus: http.StatusOK,
			wantMatch:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rr := do(t, api, http.MethodPost, "/api/v1/stores/store-1/rules/evaluate", tt.body)

			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantMatch, decode[segmentapi.EvaluateResponse](t, rr).Match)
			}
		})
	}
}

func TestMaterialize(t *testing.T) {
	t.Parallel()

	var gotStore string
	svc := &fakeService{materialize: func(storeID string) (segments.MaterializeResult, error) {
		gotStore = storeID
		return segments.MaterializeResult{CustomersTouched: 40, SegmentsProcessed: 2, MembershipsCreated: 7}, nil
	}}

	rr := do(t, newTestAPI(svc), http.MethodPost, "/api/v1/stores/store-9/memberships/materialize", nil)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "store-9", gotStore)
	assert.Equal(t, segmentapi.MaterializeResponse{CustomersTouched: 40, SegmentsProcessed: 2, MembershipsCreated: 7}, decode[segmentapi.MaterializeResponse](t, rr))
}

func TestUnexpectedErrorsDoNotLeak(t *testing.T) {
	t.Parallel()

	svc := &fakeService{get: func(uuid.UUID) (segment.Segment, error) {
		return segment.Segment{}, fmt.Errorf("pq: relation \"segments\" does not exist")
	}}

	rr := do(t, newTestAPI(svc), http.MethodGet, segmentsPath+"/"+uuid.NewString(), nil)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "relation")
	assert.Equal(t, "ERR_INTERNAL", decode[segmentapi.ErrorResponse](t, rr).Code)
}

// TestMetrics runs serially since the Prometheus registry is process-global.
func TestMetrics(t *testing.T) {
	api := newTestAPI(&fakeService{})

	t.Run("counts by route pattern", func(t *testing.T) {
		labels := map[string]string{"method": "GET", "path": "/api/v1/stores/{storeID}/fields", "code": "200"}

		testsupport.AssertMetricDelta(t, "segmentation_api_http_requests_total", labels, 2, func() {
			do(t, api, http.MethodGet, "/api/v1/stores/a/fields", nil)
			do(t, api, http.MethodGet, "/api/v1/stores/b/fields", nil)
		})
		testsupport.AssertHistogramRecorded(t, "segmentation_api_http_handling_seconds",
			map[string]string{"method": "GET", "path": "/api/v1/stores/{storeID}/fields"})
	})

	t.Run("counts errors", func(t *testing.T) {
		labels := map[string]string{"method": "POST", "path": "/api/v1/stores/{storeID}/segments/{segmentID}/duplicate", "code": "400"}

		testsupport.AssertMetricDelta(t, "segmentation_api_http_requests_total", labels, 1, func() {
			do(t, api, http.MethodPost, segmentsPath+"/not-a-uuid/duplicate", nil)
		})
	})
}
