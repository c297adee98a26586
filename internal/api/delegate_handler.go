package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shaiso/Pipeliner/internal/codec"
	"github.com/shaiso/Pipeliner/internal/domain"
)

// DelegateHeartbeat регистрирует делегата или обновляет heartbeat.
// POST /api/v1/delegates/{id}/heartbeat
func (h *Handler) DelegateHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb domain.DelegateHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	// id из пути главнее тела
	hb.DelegateID = chi.URLParam(r, "id")

	d, err := h.delegates.Heartbeat(r.Context(), hb)
	if HandleError(w, h.logger, err, "") {
		return
	}
	Success(w, d)
}

// PendingTasks возвращает задачи, доступные делегату.
// GET /api/v1/delegates/{id}/tasks
func (h *Handler) PendingTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.delegates.PendingTasks(r.Context(), chi.URLParam(r, "id"))
	if HandleError(w, h.logger, err, "") {
		return
	}
	if tasks == nil {
		tasks = []*domain.DelegateTask{}
	}
	List(w, tasks, len(tasks))
}

// AcquireTask захватывает задачу.
// POST /api/v1/delegates/{id}/tasks/{taskID}/acquire
//
// 409 — задачу взял другой делегат, 410 — срок истёк,
// 403 — делегат не подходит.
func (h *Handler) AcquireTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.delegates.Acquire(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskID"))
	if HandleError(w, h.logger, err, "task not found") {
		return
	}
	Success(w, task)
}

// StartTask сообщает о начале выполнения.
// POST /api/v1/delegates/{id}/tasks/{taskID}/start
func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	err := h.delegates.MarkStarted(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskID"))
	if HandleError(w, h.logger, err, "task not found") {
		return
	}
	NoContent(w)
}

// PushResponse принимает результат задачи.
// POST /api/v1/delegates/{id}/tasks/{taskID}/response
func (h *Handler) PushResponse(w http.ResponseWriter, r *http.Request) {
	var result domain.TaskResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	err := h.delegates.PushResponse(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskID"), result)
	if HandleError(w, h.logger, err, "task not found") {
		return
	}
	NoContent(w)
}

// GetTask возвращает задачу делегата.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.delegates.GetTask(r.Context(), chi.URLParam(r, "id"))
	if HandleError(w, h.logger, err, "task not found") {
		return
	}
	Success(w, task)
}

// DelegatePerpetualTasks возвращает постоянные задачи, назначенные делегату.
// GET /api/v1/delegates/{id}/perpetual-tasks
func (h *Handler) DelegatePerpetualTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.delegates.PerpetualTaskList(r.Context(), chi.URLParam(r, "id"))
	if HandleError(w, h.logger, err, "") {
		return
	}
	if tasks == nil {
		tasks = []*domain.PerpetualTask{}
	}
	List(w, tasks, len(tasks))
}

// PerpetualHeartbeat подтверждает выполнение постоянной задачи.
// POST /api/v1/delegates/{id}/perpetual-tasks/{ptID}/heartbeat
//
// 403 — задача переназначена другому делегату.
func (h *Handler) PerpetualHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := h.delegates.PerpetualTaskHeartbeat(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "ptID"))
	if HandleError(w, h.logger, err, "perpetual task not found") {
		return
	}
	NoContent(w)
}

// CreatePerpetualTask создаёт постоянную задачу.
// POST /api/v1/perpetual-tasks
func (h *Handler) CreatePerpetualTask(w http.ResponseWriter, r *http.Request) {
	var req CreatePerpetualTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Type == "" {
		BadRequest(w, "type is required")
		return
	}

	format := req.Format
	if format == "" {
		format = codec.FormatJSON
	}
	if !codec.Valid(format) {
		BadRequest(w, "unsupported format: "+format)
		return
	}
	params, err := codec.Marshal(format, req.Parameters)
	if err != nil {
		BadRequest(w, "invalid parameters: "+err.Error())
		return
	}

	pt, err := h.delegates.CreatePerpetualTask(r.Context(), &domain.PerpetualTask{
		ID:          req.ID,
		AccountID:   req.AccountID,
		Type:        req.Type,
		Parameters:  params,
		Format:      format,
		Selectors:   req.Selectors,
		IntervalSec: req.IntervalSec,
	})
	if HandleError(w, h.logger, err, "") {
		return
	}
	Created(w, pt)
}

// DeletePerpetualTask удаляет постоянную задачу.
// DELETE /api/v1/perpetual-tasks/{id}
func (h *Handler) DeletePerpetualTask(w http.ResponseWriter, r *http.Request) {
	err := h.delegates.DeletePerpetualTask(r.Context(), chi.URLParam(r, "id"))
	if HandleError(w, h.logger, err, "perpetual task not found") {
		return
	}
	NoContent(w)
}

// GetConstraint возвращает состояние ресурса: активные и ожидающие потребители.
// GET /api/v1/constraints/{unit}
func (h *Handler) GetConstraint(w http.ResponseWriter, r *http.Request) {
	state, err := h.constraints.State(r.Context(), chi.URLParam(r, "unit"))
	if HandleError(w, h.logger, err, "") {
		return
	}
	Success(w, state)
}
