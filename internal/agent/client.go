package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// APIError — ошибка, которую вернул сервер.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

// IsExpected — ожидаемый исход протокола захвата: задачу взял другой
// делегат, срок истёк, делегат не подходит или задачи уже нет.
func IsExpected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusGone:
		return true
	}
	return false
}

// isClientError — 4xx: повтор запроса ничего не изменит.
func isClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client — HTTP-клиент протокола делегата.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для сервера baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func delegatePath(delegateID string) string {
	return "/api/v1/delegates/" + url.PathEscape(delegateID)
}

func taskPath(delegateID, taskID string) string {
	return delegatePath(delegateID) + "/tasks/" + url.PathEscape(taskID)
}

// Heartbeat регистрирует делегата или обновляет его heartbeat.
func (c *Client) Heartbeat(ctx context.Context, hb domain.DelegateHeartbeat) (*domain.Delegate, error) {
	var d domain.Delegate
	err := c.do(ctx, http.MethodPost, delegatePath(hb.DelegateID)+"/heartbeat", hb, &d)
	return &d, err
}

// PendingTasks возвращает задачи, доступные делегату.
func (c *Client) PendingTasks(ctx context.Context, delegateID string) ([]*domain.DelegateTask, error) {
	var tasks []*domain.DelegateTask
	err := c.do(ctx, http.MethodGet, delegatePath(delegateID)+"/tasks", nil, &tasks)
	return tasks, err
}

// Acquire захватывает задачу.
func (c *Client) Acquire(ctx context.Context, delegateID, taskID string) (*domain.DelegateTask, error) {
	var task domain.DelegateTask
	err := c.do(ctx, http.MethodPost, taskPath(delegateID, taskID)+"/acquire", nil, &task)
	return &task, err
}

// Start сообщает о начале выполнения.
func (c *Client) Start(ctx context.Context, delegateID, taskID string) error {
	return c.do(ctx, http.MethodPost, taskPath(delegateID, taskID)+"/start", nil, nil)
}

// PushResponse отправляет результат задачи.
func (c *Client) PushResponse(ctx context.Context, delegateID, taskID string, result domain.TaskResult) error {
	return c.do(ctx, http.MethodPost, taskPath(delegateID, taskID)+"/response", result, nil)
}

// PerpetualTasks возвращает постоянные задачи делегата.
func (c *Client) PerpetualTasks(ctx context.Context, delegateID string) ([]*domain.PerpetualTask, error) {
	var tasks []*domain.PerpetualTask
	err := c.do(ctx, http.MethodGet, delegatePath(delegateID)+"/perpetual-tasks", nil, &tasks)
	return tasks, err
}

// PerpetualHeartbeat подтверждает, что делегат исполняет постоянную задачу.
func (c *Client) PerpetualHeartbeat(ctx context.Context, delegateID, ptID string) error {
	path := delegatePath(delegateID) + "/perpetual-tasks/" + url.PathEscape(ptID) + "/heartbeat"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: resp.Status}
		var er errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error.Code != "" {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
		}
		return apiErr
	}

	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}
