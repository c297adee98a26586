package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// --- Response types ---

// PlanSummary — план в списке.
type PlanSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	StartingNodeID string `json:"starting_node_id"`
	Nodes          int    `json:"nodes"`
	CreatedAt      string `json:"created_at"`
}

// Execution — выполнение плана с узлами (если запрошены).
type Execution struct {
	domain.PlanExecution
	Nodes []*domain.NodeExecution `json:"nodes,omitempty"`
}

// --- Request types ---

// StartRequest — запуск плана.
type StartRequest struct {
	Inputs    map[string]any `json:"inputs,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
}

// InterruptRequest — регистрация интеррапта.
type InterruptRequest struct {
	Type          string `json:"type"`
	NodeRuntimeID string `json:"node_runtime_id,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
}

// PerpetualTaskRequest — создание постоянной задачи.
type PerpetualTaskRequest struct {
	ID          string         `json:"id,omitempty"`
	AccountID   string         `json:"account_id,omitempty"`
	Type        string         `json:"type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Format      string         `json:"format,omitempty"`
	Selectors   []string       `json:"selectors,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
}

// ConstraintState — состояние ресурса.
type ConstraintState struct {
	ResourceUnit  string                       `json:"resource_unit"`
	ActivePermits int                          `json:"active_permits"`
	Active        []*domain.ConstraintInstance `json:"active"`
	Blocked       []*domain.ConstraintInstance `json:"blocked"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Pipeliner API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Plans ---

// ListPlans возвращает зарегистрированные планы.
func (c *Client) ListPlans() ([]PlanSummary, error) {
	var plans []PlanSummary
	err := c.list("/api/v1/plans", nil, &plans)
	return plans, err
}

// RegisterPlan регистрирует план.
func (c *Client) RegisterPlan(plan *domain.Plan) (*PlanSummary, error) {
	var summary PlanSummary
	err := c.post("/api/v1/plans", plan, &summary)
	return &summary, err
}

// GetPlan возвращает план.
func (c *Client) GetPlan(id string) (*domain.Plan, error) {
	var plan domain.Plan
	err := c.get("/api/v1/plans/"+url.PathEscape(id), &plan)
	return &plan, err
}

// --- Executions ---

// StartExecution запускает план.
func (c *Client) StartExecution(planID string, req StartRequest) (*domain.PlanExecution, error) {
	var pe domain.PlanExecution
	err := c.post("/api/v1/plans/"+url.PathEscape(planID)+"/executions", req, &pe)
	return &pe, err
}

// ListExecutions возвращает последние выполнения.
func (c *Client) ListExecutions(limit int) ([]domain.PlanExecution, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var pes []domain.PlanExecution
	err := c.list("/api/v1/executions", params, &pes)
	return pes, err
}

// GetExecution возвращает выполнение; withNodes — вместе с узлами.
func (c *Client) GetExecution(id string, withNodes bool) (*Execution, error) {
	path := "/api/v1/executions/" + url.PathEscape(id)
	if withNodes {
		path += "?nodes=true"
	}
	var exec Execution
	err := c.get(path, &exec)
	return &exec, err
}

// ListNodes возвращает узлы выполнения.
func (c *Client) ListNodes(executionID string) ([]*domain.NodeExecution, error) {
	var nodes []*domain.NodeExecution
	err := c.list("/api/v1/executions/"+url.PathEscape(executionID)+"/nodes", nil, &nodes)
	return nodes, err
}

// --- Interrupts ---

// SendInterrupt регистрирует интеррапт.
func (c *Client) SendInterrupt(executionID string, req InterruptRequest) (*domain.Interrupt, error) {
	var i domain.Interrupt
	err := c.post("/api/v1/executions/"+url.PathEscape(executionID)+"/interrupts", req, &i)
	return &i, err
}

// GetInterrupt возвращает интеррапт.
func (c *Client) GetInterrupt(id string) (*domain.Interrupt, error) {
	var i domain.Interrupt
	err := c.get("/api/v1/interrupts/"+url.PathEscape(id), &i)
	return &i, err
}

// --- Callbacks ---

// Callback доставляет ответ callback-шагу.
func (c *Client) Callback(correlationID string, data map[string]any) error {
	body := map[string]any{"data": data}
	return c.post("/api/v1/callbacks/"+url.PathEscape(correlationID), body, nil)
}

// --- Delegate tasks ---

// GetTask возвращает задачу делегата.
func (c *Client) GetTask(id string) (*domain.DelegateTask, error) {
	var t domain.DelegateTask
	err := c.get("/api/v1/tasks/"+url.PathEscape(id), &t)
	return &t, err
}

// DelegateTasks возвращает задачи, ожидающие делегата.
func (c *Client) DelegateTasks(delegateID string) ([]*domain.DelegateTask, error) {
	var tasks []*domain.DelegateTask
	err := c.list("/api/v1/delegates/"+url.PathEscape(delegateID)+"/tasks", nil, &tasks)
	return tasks, err
}

// CreatePerpetualTask создаёт постоянную задачу.
func (c *Client) CreatePerpetualTask(req PerpetualTaskRequest) (*domain.PerpetualTask, error) {
	var pt domain.PerpetualTask
	err := c.post("/api/v1/perpetual-tasks", req, &pt)
	return &pt, err
}

// DeletePerpetualTask удаляет постоянную задачу.
func (c *Client) DeletePerpetualTask(id string) error {
	return c.delete("/api/v1/perpetual-tasks/" + url.PathEscape(id))
}

// --- Constraints ---

// GetConstraint возвращает состояние ресурса.
func (c *Client) GetConstraint(unit string) (*ConstraintState, error) {
	var state ConstraintState
	err := c.get("/api/v1/constraints/"+url.PathEscape(unit), &state)
	return &state, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 202 / 204 без тела
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
