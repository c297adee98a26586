package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// ListExecutions возвращает последние выполнения планов.
// GET /api/v1/executions?limit=...
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	pes, err := h.store.ListPlanExecutions(r.Context(), limit)
	if HandleError(w, h.logger, err, "") {
		return
	}
	List(w, pes, len(pes))
}

// GetExecution возвращает выполнение плана.
// GET /api/v1/executions/{id}?nodes=true
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pe, err := h.store.GetPlanExecution(r.Context(), id)
	if HandleError(w, h.logger, err, "plan execution not found") {
		return
	}

	resp := ExecutionResponse{PlanExecution: pe}
	if r.URL.Query().Get("nodes") == "true" {
		nodes, err := h.store.ListNodeExecutions(r.Context(), id)
		if HandleError(w, h.logger, err, "") {
			return
		}
		resp.Nodes = nodes
	}
	Success(w, resp)
}

// ListExecutionNodes возвращает узлы выполнения в порядке создания.
// GET /api/v1/executions/{id}/nodes
func (h *Handler) ListExecutionNodes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.GetPlanExecution(r.Context(), id); HandleError(w, h.logger, err, "plan execution not found") {
		return
	}

	nodes, err := h.store.ListNodeExecutions(r.Context(), id)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if nodes == nil {
		nodes = []*domain.NodeExecution{}
	}
	List(w, nodes, len(nodes))
}

// RegisterInterrupt регистрирует и обрабатывает интеррапт.
// POST /api/v1/executions/{id}/interrupts
func (h *Handler) RegisterInterrupt(w http.ResponseWriter, r *http.Request) {
	var req RegisterInterruptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	i, err := h.interrupts.Register(r.Context(), &domain.Interrupt{
		Type:            req.Type,
		PlanExecutionID: chi.URLParam(r, "id"),
		NodeRuntimeID:   req.NodeRuntimeID,
		CreatedBy:       req.CreatedBy,
	})
	if HandleError(w, h.logger, err, "plan execution or node not found") {
		return
	}
	Created(w, i)
}

// GetInterrupt возвращает интеррапт.
// GET /api/v1/interrupts/{id}
func (h *Handler) GetInterrupt(w http.ResponseWriter, r *http.Request) {
	i, err := h.interrupts.Get(r.Context(), chi.URLParam(r, "id"))
	if HandleError(w, h.logger, err, "interrupt not found") {
		return
	}
	Success(w, i)
}

// Callback доставляет ответ внешней системы ожидающему callback-шагу.
// POST /api/v1/callbacks/{correlationID}
//
// Повторная доставка безопасна: дубликат игнорируется коррелятором.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			BadRequest(w, "invalid request body")
			return
		}
	}

	err := h.correlator.DoneWith(r.Context(), chi.URLParam(r, "correlationID"), domain.CallbackResponse{Data: req.Data})
	if HandleError(w, h.logger, err, "callback not found") {
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
