package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shaiso/Pipeliner/internal/engine"
)

// maxPlanSize — предельный размер тела плана.
const maxPlanSize = 4 << 20

// ListPlans возвращает зарегистрированные планы.
// GET /api/v1/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.store.ListPlans(r.Context())
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]PlanSummary, len(plans))
	for i, p := range plans {
		result[i] = PlanSummaryFromDomain(p)
	}
	List(w, result, len(result))
}

// RegisterPlan регистрирует скомпилированный план.
// POST /api/v1/plans
//
// Тело — план в JSON; с Content-Type application/yaml — в YAML.
func (h *Handler) RegisterPlan(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPlanSize))
	if err != nil {
		BadRequest(w, "failed to read request body")
		return
	}

	format := "json"
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		format = "yaml"
	}

	plan, err := engine.ParsePlan(data, format)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	if plan.ID == "" {
		BadRequest(w, "plan id is required")
		return
	}

	if HandleError(w, h.logger, h.engine.RegisterPlan(r.Context(), plan), "") {
		return
	}
	Created(w, PlanSummaryFromDomain(plan))
}

// GetPlan возвращает план целиком.
// GET /api/v1/plans/{id}
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.store.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if HandleError(w, h.logger, err, "plan not found") {
		return
	}
	Success(w, plan)
}

// StartExecution запускает выполнение плана.
// POST /api/v1/plans/{id}/executions
func (h *Handler) StartExecution(w http.ResponseWriter, r *http.Request) {
	var req StartExecutionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			BadRequest(w, "invalid request body")
			return
		}
	}

	pe, err := h.engine.StartPlanExecution(r.Context(), chi.URLParam(r, "id"), req.Inputs, req.AccountID)
	if HandleError(w, h.logger, err, "plan not found") {
		return
	}
	Created(w, pe)
}
