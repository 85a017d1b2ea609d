package segmentapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/segmentation/internal/logger"
)

// handleListFields returns the attributes rules may reference and the
// operators each one accepts.
func (a *API) handleListFields(w http.ResponseWriter, r *http.Request) {
	descs := a.svc.Registry().Fields()
	fields := make([]Field, len(descs))
	for i, d := range descs {
		fields[i] = Field{Name: d.Name, Type: d.Type, Operators: d.Operators}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"fields": fields})
}

// handlePreviewRules compiles a rule set and estimates its size in the store
// without persisting anything.
func (a *API) handlePreviewRules(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	var req RulesRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeInvalidJSON(w, r, err)
		return
	}
	if !hasRules(req.Rules) {
		writeBadRequest(w, r, invalidInput("rules", "Rules are required"))
		return
	}

	rs, err := a.svc.Registry().DecodeRuleSet(req.Rules)
	if err != nil {
		writeError(w, r, err, "Failed to decode rules")
		return
	}

	preview, err := a.svc.Preview(r.Context(), storeID, rs)
	if err != nil {
		writeError(w, r, err, "Failed to preview rules")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, toPreviewResponse(preview))
}

// handleEvaluateRules tests a rule set against one stored customer or an
// inline record.
func (a *API) handleEvaluateRules(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	var req EvaluateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeInvalidJSON(w, r, err)
		return
	}
	if errResp := req.Validate(); errResp != nil {
		writeBadRequest(w, r, errResp)
		return
	}

	reg := a.svc.Registry()
	rs, err := reg.DecodeRuleSet(req.Rules)
	if err != nil {
		writeError(w, r, err, "Failed to decode rules")
		return
	}

	var match bool
	if req.Record != nil {
		rec, err := reg.DecodeRecord(req.Record.ID, req.Record.Attributes)
		if err != nil {
			writeError(w, r, err, "Failed to decode record")
			return
		}
		match, err = a.svc.EvaluateRecord(rs, rec)
		if err != nil {
			writeError(w, r, err, "Failed to evaluate rules")
			return
		}
	} else {
		match, err = a.svc.EvaluateCustomer(r.Context(), storeID, req.CustomerID, rs)
		if err != nil {
			writeError(w, r, err, "Failed to evaluate rules")
			return
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, EvaluateResponse{Match: match})
}

// handleMaterialize runs one membership materialization for the store. The
// worker does the same on a schedule.
func (a *API) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	res, err := a.svc.MaterializeAutomaticMemberships(r.Context(), storeID)
	if err != nil {
		writeError(w, r, err, "Failed to materialize memberships")
		return
	}

	logger.FromContext(r.Context()).Info("memberships materialized",
		slog.Int("segments", res.SegmentsProcessed),
		slog.Int64("created", res.MembershipsCreated),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, MaterializeResponse{
		CustomersTouched:   res.CustomersTouched,
		SegmentsProcessed:  res.SegmentsProcessed,
		MembershipsCreated: res.MembershipsCreated,
		OrphansRemoved:     res.OrphansRemoved,
	})
}
