package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/abtree/abtree/internal/model"
	"github.com/abtree/abtree/internal/storage"
)

// HandleCreateExperiment handles POST /v1/experiments (admin-only).
// New experiments always start in draft.
func (h *Handlers) HandleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req model.CreateExperimentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Referenced pages must exist before the experiment does. The foreign
	// keys would catch this too, but an explicit check gives the caller a
	// message naming the missing page.
	refs := append([]uuid.UUID{req.ControlPageID}, req.AlternativeIDs...)
	if req.GoalPageID != nil {
		refs = append(refs, *req.GoalPageID)
	}
	for _, id := range refs {
		if _, err := h.store.GetPageByID(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
					fmt.Sprintf("page %s does not exist", id))
				return
			}
			h.writeInternalError(w, r, "failed to verify page", err)
			return
		}
	}

	exp := model.Experiment{
		Slug:           req.Slug,
		Status:         model.StatusDraft,
		ControlPageID:  req.ControlPageID,
		AlternativeIDs: req.AlternativeIDs,
		GoalPageID:     req.GoalPageID,
	}

	created, err := h.store.CreateExperiment(r.Context(), exp)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				fmt.Sprintf("experiment %q already exists", req.Slug))
			return
		}
		h.writeInternalError(w, r, "failed to create experiment", err)
		return
	}

	h.invalidateLookup(created.ControlPageID)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListExperiments handles GET /v1/experiments (admin-only).
func (h *Handlers) HandleListExperiments(w http.ResponseWriter, r *http.Request) {
	experiments, err := h.store.ListExperiments(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list experiments", err)
		return
	}
	writeJSON(w, r, http.StatusOK, experiments)
}

// HandleGetExperiment handles GET /v1/experiments/{slug} (admin-only).
func (h *Handlers) HandleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.experimentBySlug(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, exp)
}

// HandleUpdateStatus handles PATCH /v1/experiments/{slug}/status (admin-only).
// Moving to completed requires a winning variation from the experiment's own
// variation set; any other target status requires no winner and clears one
// that was previously recorded.
func (h *Handlers) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.experimentBySlug(w, r)
	if !ok {
		return
	}

	var req model.UpdateStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("status must be one of %s, %s, %s",
				model.StatusDraft, model.StatusLive, model.StatusCompleted))
		return
	}

	if req.Status == model.StatusCompleted {
		if req.WinningPageID == nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"winning_page_id is required when completing an experiment")
			return
		}
		if !exp.HasVariation(*req.WinningPageID) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"winning_page_id must be the control or one of the alternatives")
			return
		}
	} else if req.WinningPageID != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"winning_page_id is only valid when completing an experiment")
		return
	}

	if err := h.store.UpdateExperimentStatus(r.Context(), exp.Slug, req.Status, req.WinningPageID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "experiment not found")
			return
		}
		h.writeInternalError(w, r, "failed to update experiment status", err)
		return
	}

	h.invalidateLookup(exp.ControlPageID)

	updated, err := h.store.GetExperimentBySlug(r.Context(), exp.Slug)
	if err != nil {
		h.writeInternalError(w, r, "failed to reload experiment", err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleReport handles GET /v1/experiments/{slug}/report (admin-only).
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if !model.ValidSlug(slug) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid experiment slug")
		return
	}

	report, err := h.resolver.Report(r.Context(), slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "experiment not found")
			return
		}
		h.writeInternalError(w, r, "failed to build report", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleCreatePage handles POST /v1/pages (admin-only).
func (h *Handlers) HandleCreatePage(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	page, err := h.store.CreatePage(r.Context(), model.Page{
		Path:       req.Path,
		Title:      req.Title,
		Breadcrumb: req.Breadcrumb,
		Body:       req.Body,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				fmt.Sprintf("a page already exists at %s", req.Path))
			return
		}
		h.writeInternalError(w, r, "failed to create page", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, page)
}

// HandleGetPage handles GET /v1/pages/{id} (admin-only).
func (h *Handlers) HandleGetPage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid page id")
		return
	}

	page, err := h.store.GetPageByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "page not found")
			return
		}
		h.writeInternalError(w, r, "failed to get page", err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

// experimentBySlug loads the experiment named in the path, writing the
// error response itself when it cannot.
func (h *Handlers) experimentBySlug(w http.ResponseWriter, r *http.Request) (model.Experiment, bool) {
	slug := r.PathValue("slug")
	if !model.ValidSlug(slug) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid experiment slug")
		return model.Experiment{}, false
	}

	exp, err := h.store.GetExperimentBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "experiment not found")
			return model.Experiment{}, false
		}
		h.writeInternalError(w, r, "failed to get experiment", err)
		return model.Experiment{}, false
	}
	return exp, true
}

// invalidateLookup drops the cached control-page lookup so serving sees the
// admin write immediately.
func (h *Handlers) invalidateLookup(pageID uuid.UUID) {
	if h.cache != nil {
		h.cache.Invalidate(pageID)
	}
}
