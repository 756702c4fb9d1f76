package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/audit"
	"github.com/technosupport/nvr-router/internal/rules"
)

// GET /api/v1/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Rules.List())
}

// GET /api/v1/rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.ruleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// POST /api/v1/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var d rules.Draft
	if err := decodeJSON(w, r, &d); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rule, err := d.Rule()
	if err != nil {
		h.ruleError(w, err)
		return
	}
	created, err := h.Rules.Create(r.Context(), rule)
	h.record(r, audit.ActionRuleCreate, rule.ID, err)
	if err != nil {
		h.ruleError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/rules/"+created.ID)
	respondJSON(w, http.StatusCreated, created)
}

// PUT /api/v1/rules/{id}
func (h *Handler) PutRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var d rules.Draft
	if err := decodeJSON(w, r, &d); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if d.ID != "" && d.ID != id {
		respondError(w, http.StatusBadRequest, "body id does not match path")
		return
	}
	d.ID = id
	rule, err := d.Rule()
	if err != nil {
		h.ruleError(w, err)
		return
	}
	stored, err := h.Rules.Upsert(r.Context(), rule)
	h.record(r, audit.ActionRuleUpdate, id, err)
	if err != nil {
		h.ruleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

// DELETE /api/v1/rules/{id}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Rules.Delete(r.Context(), id)
	h.record(r, audit.ActionRuleDelete, id, err)
	if err != nil {
		h.ruleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/rules/{id}/responses lists what happened to the events the
// rule routed, oldest first.
func (h *Handler) RuleResponses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Rules.Get(id); err != nil {
		h.ruleError(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	statuses, err := h.Status.ByRule(r.Context(), id, limit)
	if err != nil {
		h.Log.Error("list rule responses", zap.String("rule_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list responses")
		return
	}
	respondJSON(w, http.StatusOK, statuses)
}

func (h *Handler) ruleError(w http.ResponseWriter, err error) {
	var verr *rules.ValidationError
	var perr *rules.PersistenceError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid rule", Details: verr.Details})
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, rules.ErrRuleExists):
		respondError(w, http.StatusConflict, "rule already exists")
	case errors.As(err, &perr):
		respondError(w, http.StatusServiceUnavailable, "rule store unavailable")
	default:
		h.Log.Error("rule request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
