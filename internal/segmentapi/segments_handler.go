package segmentapi

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/rafaeljc/segmentation/internal/logger"
	"github.com/rafaeljc/segmentation/internal/segment"
	"github.com/rafaeljc/segmentation/internal/segments"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// handleCreateSegment processes POST /segments.
func (a *API) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	log := logger.FromContext(r.Context())

	var req CreateSegmentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeInvalidJSON(w, r, err)
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		writeBadRequest(w, r, errResp)
		return
	}

	draft := segment.Draft{
		StoreID:      storeID,
		Name:         req.Name,
		Description:  req.Description,
		Kind:         segment.Kind(req.Kind),
		State:        segment.State(req.State),
		Tags:         req.Tags,
		IsPublic:     req.IsPublic,
		IsCombinable: req.IsCombinable,
	}
	if hasRules(req.Rules) {
		rs, err := a.svc.Registry().DecodeRuleSet(req.Rules)
		if err != nil {
			writeError(w, r, err, "Failed to decode rules")
			return
		}
		draft.Rules = &rs
	}

	seg, err := a.svc.Create(r.Context(), draft)
	if err != nil {
		writeError(w, r, err, "Failed to create segment")
		return
	}

	log.Info("segment created", slog.String("segment_id", seg.ID.String()), slog.String("kind", string(seg.Kind)))
	writeSegment(w, r, http.StatusCreated, seg)
}

// handleListSegments processes GET /segments with optional kind, state and
// tag filters and page/page_size pagination.
func (a *API) handleListSegments(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		writeBadRequest(w, r, &ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}
	pageSize, err := parseOptionalInt(r, "page_size", defaultPageSize)
	if err != nil {
		writeBadRequest(w, r, &ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	q := r.URL.Query()
	filter := segments.ListFilter{
		Kind:   segment.Kind(strings.ToUpper(q.Get("kind"))),
		State:  segment.State(strings.ToUpper(q.Get("state"))),
		Tag:    strings.TrimSpace(q.Get("tag")),
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeBadRequest(w, r, &ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: fmt.Sprintf("parameter 'kind' has unknown value %q", filter.Kind)})
		return
	}
	if filter.State != "" && !filter.State.Valid() {
		writeBadRequest(w, r, &ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: fmt.Sprintf("parameter 'state' has unknown value %q", filter.State)})
		return
	}

	list, totalItems, err := a.svc.List(r.Context(), storeID, filter)
	if err != nil {
		writeError(w, r, err, "Failed to list segments")
		return
	}

	totalPages := 0
	if totalItems > 0 {
		totalPages = int(math.Ceil(float64(totalItems) / float64(pageSize)))
	}

	data, err := toSegmentList(list)
	if err != nil {
		writeError(w, r, err, "Failed to list segments")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PaginatedResponse{
		Data: data,
		Pagination: Pagination{
			TotalItems:  totalItems,
			TotalPages:  totalPages,
			CurrentPage: page,
			PageSize:    pageSize,
		},
	})
}

func (a *API) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	storeID, id, ok := segmentParams(w, r)
	if !ok {
		return
	}

	seg, err := a.svc.Get(r.Context(), storeID, id)
	if err != nil {
		writeError(w, r, err, "Failed to retrieve segment")
		return
	}

	writeSegment(w, r, http.StatusOK, seg)
}

// handleUpdateSegment processes PATCH /segments/{id}. The request must carry
// the version the client last read. A stale version answers 409.
func (a *API) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	storeID, id, ok := segmentParams(w, r)
	if !ok {
		return
	}
	log := logger.FromContext(r.Context())

	var req UpdateSegmentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeInvalidJSON(w, r, err)
		return
	}
	if errResp := req.Validate(); errResp != nil {
		writeBadRequest(w, r, errResp)
		return
	}

	patch, err := req.toPatch(a.svc.Registry())
	if err != nil {
		writeError(w, r, err, "Failed to decode rules")
		return
	}

	seg, err := a.svc.Update(r.Context(), storeID, id, *req.Version, patch)
	if err != nil {
		writeError(w, r, err, "Failed to update segment")
		return
	}

	log.Info("segment updated", slog.String("segment_id", id.String()), slog.Int64("version", seg.Version))
	writeSegment(w, r, http.StatusOK, seg)
}

func (a *API) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	storeID, id, ok := segmentParams(w, r)
	if !ok {
		return
	}

	if err := a.svc.Delete(r.Context(), storeID, id); err != nil {
		writeError(w, r, err, "Failed to delete segment")
		return
	}

	logger.FromContext(r.Context()).Info("segment deleted", slog.String("segment_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// handleDuplicateSegment processes POST /segments/{id}/duplicate. The body is
// optional.
func (a *API) handleDuplicateSegment(w http.ResponseWriter, r *http.Request) {
	storeID, id, ok := segmentParams(w, r)
	if !ok {
		return
	}

	var req DuplicateRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			writeInvalidJSON(w, r, err)
			return
		}
	}

	seg, err := a.svc.Duplicate(r.Context(), storeID, id, strings.TrimSpace(req.Name))
	if err != nil {
		writeError(w, r, err, "Failed to duplicate segment")
		return
	}

	writeSegment(w, r, http.StatusCreated, seg)
}

// handleRecomputeSegment refreshes the statistics of one segment
// synchronously and returns the updated snapshot.
func (a *API) handleRecomputeSegment(w http.ResponseWriter, r *http.Request) {
	storeID, id, ok := segmentParams(w, r)
	if !ok {
		return
	}

	seg, err := a.svc.Recompute(r.Context(), storeID, id)
	if err != nil {
		writeError(w, r, err, "Failed to recompute segment")
		return
	}

	writeSegment(w, r, http.StatusOK, seg)
}

func (a *API) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	storeID, id, ok := segmentParams(w, r)
	if !ok {
		return
	}

	var req AddMembersRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeInvalidJSON(w, r, err)
		return
	}
	if errResp := req.Validate(); errResp != nil {
		writeBadRequest(w, r, errResp)
		return
	}

	added, err := a.svc.AddMembers(r.Context(), storeID, id, req.CustomerIDs)
	if err != nil {
		writeError(w, r, err, "Failed to add members")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, AddMembersResponse{Added: added})
}

func (a *API) handleGetMembership(w http.ResponseWriter, r *http.Request) {
	storeID, id, ok := segmentParams(w, r)
	if !ok {
		return
	}
	customerID := chi.URLParam(r, "customerID")

	member, err := a.svc.IsMember(r.Context(), storeID, id, customerID)
	if err != nil {
		writeError(w, r, err, "Failed to check membership")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, MembershipResponse{SegmentID: id.String(), CustomerID: customerID, Member: member})
}

// handleInstallTemplates creates the predefined segments missing from the
// store and returns the ones it created.
func (a *API) handleInstallTemplates(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	created, err := a.svc.InstallPredefined(r.Context(), storeID)
	if err != nil {
		writeError(w, r, err, "Failed to install predefined segments")
		return
	}

	logger.FromContext(r.Context()).Info("predefined segments installed", slog.Int("created", len(created)))
	data, err := toSegmentList(created)
	if err != nil {
		writeError(w, r, err, "Failed to install predefined segments")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"created": data})
}

func writeSegment(w http.ResponseWriter, r *http.Request, status int, seg segment.Segment) {
	resp, err := toSegmentResponse(seg)
	if err != nil {
		writeError(w, r, err, "Failed to encode segment")
		return
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

// segmentParams extracts the path parameters shared by the per-segment
// routes. It writes a 400 and returns false when the segment id is not a
// UUID.
func segmentParams(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	raw := chi.URLParam(r, "segmentID")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeBadRequest(w, r, &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: fmt.Sprintf("segment id %q is not a valid UUID", raw),
		})
		return "", uuid.Nil, false
	}
	return chi.URLParam(r, "storeID"), id, true
}

// parseOptionalInt extracts an integer query parameter, returning defaultValue
// when it is absent.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}

// hasRules treats an absent field and an explicit null alike.
func hasRules(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}
