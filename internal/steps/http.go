package steps

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/httpcall"
)

const (
	// StepTypeHTTP — тип HTTP шага.
	StepTypeHTTP = "http"

	// TaskTypeHTTP — тип задачи делегата для http.
	TaskTypeHTTP = "http"

	// httpTaskSlack — во сколько раз срок задачи больше таймаута запроса:
	// срок включает ожидание свободного делегата.
	httpTaskSlack = 10
)

// HTTPStep — шаг HTTP запроса.
//
// По умолчанию уходит делегату задачей; с "inline": true условный
// фасилитатор отказывается, и запрос выполняется на сервере.
//
// Параметры: method, url, headers, body, follow_redirects, validate_ssl,
// timeout_sec, expected_status (код или список кодов успеха).
//
// Outcomes: status_code, headers, body (JSON или строка), duration_ms,
// truncated (если тело обрезано).
type HTTPStep struct {
	client *httpcall.Client
}

// NewHTTPStep создаёт HTTPStep. client задаёт транспорт; nil — общий.
func NewHTTPStep(client *http.Client) *HTTPStep {
	return &HTTPStep{client: httpcall.NewClient(client)}
}

// Type возвращает тип шага.
func (s *HTTPStep) Type() string {
	return StepTypeHTTP
}

func parseHTTP(params map[string]any) (*httpcall.Request, error) {
	req, err := httpcall.Parse(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, StepTypeHTTP, err)
	}
	return req, nil
}

// Execute выполняет запрос синхронно.
func (s *HTTPStep) Execute(ctx context.Context, in *Input) (*Result, error) {
	req, err := parseHTTP(in.Parameters)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, req)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
	case errors.Is(err, httpcall.ErrInvalidRequest):
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, StepTypeHTTP, err)
	default:
		return Failed(domain.FailureApplication, err.Error()), nil
	}

	if msg := req.Check(resp); msg != "" {
		r := Failed(domain.FailureApplication, msg)
		r.Outcomes = resp.Outcomes()
		return r, nil
	}
	return Succeeded(resp.Outcomes()), nil
}

// ObtainTasks отдаёт запрос делегату. Параметры проверяются до отправки,
// метод нормализуется.
func (s *HTTPStep) ObtainTasks(_ context.Context, in *Input) ([]TaskSpec, error) {
	req, err := parseHTTP(in.Parameters)
	if err != nil {
		return nil, err
	}

	params := maps.Clone(in.Parameters)
	params[httpcall.ParamMethod] = req.Method

	return []TaskSpec{{Type: TaskTypeHTTP, Parameters: params, Timeout: httpTaskSlack * req.Timeout}}, nil
}

// HandleTaskResults переводит ответ делегата в исход.
func (s *HTTPStep) HandleTaskResults(_ context.Context, _ *Input, responses map[string]domain.ResponseData) (*Result, error) {
	return taskResult(responses), nil
}

// taskResult — общий разбор ответов задач: первая неудача определяет исход,
// при успехе outcomes единственной задачи поднимаются наверх.
func taskResult(responses map[string]domain.ResponseData) *Result {
	if r := CheckErrors(responses); r != nil {
		return r
	}

	outcomes := make(map[string]any, len(responses))
	for id, resp := range responses {
		tr, ok := resp.(domain.TaskResponse)
		if !ok {
			return Failed(domain.FailureInfra, fmt.Sprintf("unexpected response %s for task %s", resp.ResponseKind(), id))
		}
		if tr.Status != domain.DelegateTaskSucceeded {
			r := Failed(domain.FailureApplication, tr.Error)
			r.Outcomes = tr.Data
			if r.Outcomes == nil {
				r.Outcomes = make(map[string]any)
			}
			return r
		}
		if len(responses) == 1 {
			return Succeeded(tr.Data)
		}
		outcomes[id] = tr.Data
	}
	return Succeeded(outcomes)
}
