package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Pipeliner/internal/constraint"
	"github.com/shaiso/Pipeliner/internal/delegate"
	"github.com/shaiso/Pipeliner/internal/engine"
	"github.com/shaiso/Pipeliner/internal/interrupt"
	"github.com/shaiso/Pipeliner/internal/orchestrator"
	"github.com/shaiso/Pipeliner/internal/repo"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeForbidden      ErrorCode = "FORBIDDEN"
	ErrCodeGone           ErrorCode = "GONE"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllow ErrorCode = "METHOD_NOT_ALLOWED"
)

// Конверты ответов: {"data": ...}, {"data": [...], "total": N},
// {"error": {"code": ..., "message": ...}}.
type (
	ErrorResponse struct {
		Error ErrorDetail `json:"error"`
	}
	ErrorDetail struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	}
	DataResponse struct {
		Data any `json:"data"`
	}
	ListResponse struct {
		Data  any `json:"data"`
		Total int `json:"total,omitempty"`
	}
)

// JSON пишет тело ответа. Ошибку кодирования уже некуда вернуть:
// заголовок отправлен.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// NoContent отправляет ответ без тела (204).
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// MethodNotAllowed отправляет ошибку 405.
func MethodNotAllowed(w http.ResponseWriter) {
	Error(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
}

// errorClass — HTTP-представление группы ошибок сервисов.
type errorClass struct {
	status  int
	code    ErrorCode
	targets []error
}

// errorClasses проверяются по порядку; первая совпавшая группа побеждает.
var errorClasses = []errorClass{
	{http.StatusNotFound, ErrCodeNotFound, []error{
		repo.ErrNotFound,
		delegate.ErrTaskNotFound,
		delegate.ErrPerpetualNotFound,
		orchestrator.ErrPlanNotFound,
		orchestrator.ErrNodeNotFound,
	}},
	// протокол захвата задачи делегатом
	{http.StatusConflict, ErrCodeConflict, []error{delegate.ErrAlreadyAcquired, repo.ErrAlreadyExists}},
	{http.StatusGone, ErrCodeGone, []error{delegate.ErrTaskExpired}},
	{http.StatusForbidden, ErrCodeForbidden, []error{delegate.ErrNotEligible, delegate.ErrNotOwner}},
	{http.StatusUnprocessableEntity, ErrCodeInvalidState, []error{
		repo.ErrConflict,
		delegate.ErrNotAcquired,
		orchestrator.ErrPlanFinished,
		orchestrator.ErrInvalidTransition,
		orchestrator.ErrRetryNotAllowed,
		interrupt.ErrPlanFinished,
		interrupt.ErrNodeMismatch,
	}},
	{http.StatusBadRequest, ErrCodeBadRequest, []error{
		orchestrator.ErrInvalidPlan,
		interrupt.ErrInvalidInterrupt,
		delegate.ErrInvalidResult,
		delegate.ErrInvalidDelegate,
		constraint.ErrInvalidRequest,
	}},
}

// classify возвращает статус и код ответа для ошибки сервиса.
// ok=false — ошибка внутренняя.
func classify(err error) (status int, code ErrorCode, ok bool) {
	for _, c := range errorClasses {
		for _, target := range c.targets {
			if errors.Is(err, target) {
				return c.status, c.code, true
			}
		}
	}

	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, ErrCodeBadRequest, true
	}
	return http.StatusInternalServerError, ErrCodeInternalError, false
}

// HandleError пишет ответ для ошибки сервиса или репозитория.
// Возвращает false, если err == nil. Для 404 используется notFoundMsg,
// для остальных клиентских ошибок текст самой ошибки.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	status, code, ok := classify(err)
	switch {
	case !ok:
		logger.Error("internal error", "error", err)
		Error(w, status, code, "internal server error")
	case status == http.StatusNotFound:
		Error(w, status, code, notFoundMsg)
	default:
		Error(w, status, code, err.Error())
	}
	return true
}
