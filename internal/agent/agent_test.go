package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// --- HTTPExecutor Tests ---

func TestHTTPExecutor_GET_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	result, err := (&HTTPExecutor{}).Execute(context.Background(), map[string]any{
		"method": "GET",
		"url":    server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected execution error: %s", result.Error)
	}
	if result.Data["status_code"] != http.StatusOK {
		t.Errorf("expected status 200, got %v", result.Data["status_code"])
	}

	headers, ok := result.Data["headers"].(map[string]any)
	if !ok {
		t.Fatalf("headers should be map[string]any, got %T", result.Data["headers"])
	}
	if headers["X-Custom"] != "test-value" {
		t.Errorf("expected X-Custom header, got %v", headers["X-Custom"])
	}

	body, ok := result.Data["body"].(map[string]any)
	if !ok {
		t.Fatalf("body should be map, got %T", result.Data["body"])
	}
	if body["result"] != "ok" {
		t.Errorf("expected result=ok, got %v", body["result"])
	}
}

func TestHTTPExecutor_POST_WithBody(t *testing.T) {
	var receivedBody map[string]any
	var receivedContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer server.Close()

	result, err := (&HTTPExecutor{}).Execute(context.Background(), map[string]any{
		"method": "post",
		"url":    server.URL,
		"body":   map[string]any{"name": "test"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedContentType != "application/json" {
		t.Errorf("expected application/json, got %q", receivedContentType)
	}
	if receivedBody["name"] != "test" {
		t.Errorf("expected name=test in body, got %v", receivedBody)
	}
	// не JSON — остаётся строкой
	if result.Data["body"] != "created" {
		t.Errorf("expected raw body, got %v", result.Data["body"])
	}
}

func TestHTTPExecutor_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	result, err := (&HTTPExecutor{}).Execute(context.Background(), map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "HTTP 500: boom" {
		t.Errorf("expected HTTP 500 error, got %q", result.Error)
	}
	if result.Data["status_code"] != http.StatusInternalServerError {
		t.Errorf("data should be kept, got %v", result.Data)
	}
}

func TestHTTPExecutor_MissingURL(t *testing.T) {
	_, err := (&HTTPExecutor{}).Execute(context.Background(), map[string]any{})
	if !errors.Is(err, ErrHTTPRequest) {
		t.Fatalf("expected ErrHTTPRequest, got %v", err)
	}
}

// --- Other Executors Tests ---

func TestDelayExecutor_Completes(t *testing.T) {
	result, err := (&DelayExecutor{}).Execute(context.Background(), map[string]any{"duration_sec": 0.01})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Data["delayed_sec"] != 0.01 {
		t.Errorf("expected delayed_sec=0.01, got %v", result.Data["delayed_sec"])
	}
}

func TestDelayExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&DelayExecutor{}).Execute(ctx, map[string]any{"duration_sec": 10})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDelayExecutor_DurationString(t *testing.T) {
	result, err := (&DelayExecutor{}).Execute(context.Background(), map[string]any{"duration": "5ms"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Data["delayed_sec"] != 0.005 {
		t.Errorf("expected delayed_sec=0.005, got %v", result.Data["delayed_sec"])
	}

	result, err = (&DelayExecutor{}).Execute(context.Background(), map[string]any{"duration": "later"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected logical error for malformed duration")
	}
}

func TestTransformExecutor(t *testing.T) {
	e := &TransformExecutor{}

	result, _ := e.Execute(context.Background(), map[string]any{
		"output": map[string]any{"x": 1},
		"other":  "ignored",
	})
	if len(result.Data) != 1 || result.Data["x"] != 1 {
		t.Errorf("expected output map, got %v", result.Data)
	}

	result, _ = e.Execute(context.Background(), nil)
	if result.Data == nil || len(result.Data) != 0 {
		t.Errorf("expected empty data, got %v", result.Data)
	}
}

func TestEchoExecutor_Fail(t *testing.T) {
	result, err := (&EchoExecutor{}).Execute(context.Background(), map[string]any{
		"message": "hi",
		"fail":    "nope",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "nope" || result.Data["message"] != "hi" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	want := []string{"delay", "echo", "http", "transform"}
	got := r.Types()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("types[%d]: expected %s, got %s", i, want[i], got[i])
		}
	}

	if _, err := r.Get("shell"); !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("expected ErrUnknownTaskType, got %v", err)
	}
}

// --- Client Tests ---

func TestClient_Acquire(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/delegates/d1/tasks/t1/acquire" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "t1", "type": "echo", "status": "ACQUIRED"},
		})
	}))
	defer server.Close()

	task, err := NewClient(server.URL).Acquire(context.Background(), "d1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.ID != "t1" || task.Status != domain.DelegateTaskAcquired {
		t.Errorf("unexpected task: %+v", task)
	}
}

func TestClient_ErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "CONFLICT", "message": "already acquired"},
		})
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Acquire(context.Background(), "d1", "t1")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "CONFLICT" || apiErr.Message != "already acquired" {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
	if !IsExpected(err) {
		t.Error("409 should be expected")
	}
	if IsExpected(&APIError{Status: http.StatusInternalServerError}) {
		t.Error("500 should not be expected")
	}
}

// --- Agent Tests ---

type fakeServer struct {
	mu sync.Mutex

	task       *domain.DelegateTask
	acquireErr error
	startErr   error
	pushErrs   []error

	pushes  []domain.TaskResult
	started int

	perpetual      []*domain.PerpetualTask
	perpetualBeats map[string]int
	perpetualErr   error
}

func (f *fakeServer) Heartbeat(_ context.Context, hb domain.DelegateHeartbeat) (*domain.Delegate, error) {
	return &domain.Delegate{ID: hb.DelegateID}, nil
}

func (f *fakeServer) PendingTasks(context.Context, string) ([]*domain.DelegateTask, error) {
	return nil, nil
}

func (f *fakeServer) Acquire(context.Context, string, string) (*domain.DelegateTask, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.task, nil
}

func (f *fakeServer) Start(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeServer) PushResponse(_ context.Context, _, _ string, result domain.TaskResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, result)
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		return err
	}
	return nil
}

func (f *fakeServer) PerpetualTasks(context.Context, string) ([]*domain.PerpetualTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perpetual, nil
}

func (f *fakeServer) PerpetualHeartbeat(_ context.Context, _ string, ptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.perpetualBeats == nil {
		f.perpetualBeats = make(map[string]int)
	}
	f.perpetualBeats[ptID]++
	return f.perpetualErr
}

func (f *fakeServer) beats(ptID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perpetualBeats[ptID]
}

func newTestAgent(t *testing.T, server Server) *Agent {
	t.Helper()
	a, err := New(Config{
		Server:     server,
		DelegateID: "d1",
		PushPolicy: &domain.RetryPolicy{MaxAttempts: 3, Backoff: "fixed", InitialDelayMs: 1, MaxDelayMs: 1},
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func echoTask(params string) *domain.DelegateTask {
	return &domain.DelegateTask{
		ID:         "t1",
		Type:       "echo",
		Format:     "json",
		Parameters: []byte(params),
		Status:     domain.DelegateTaskAcquired,
	}
}

func TestNew_RequiresDelegateID(t *testing.T) {
	if _, err := New(Config{Server: &fakeServer{}}); !errors.Is(err, ErrMissingDelegateID) {
		t.Fatalf("expected ErrMissingDelegateID, got %v", err)
	}
}

func TestProcessTask_Succeeded(t *testing.T) {
	fs := &fakeServer{task: echoTask(`{"message":"hi"}`)}
	a := newTestAgent(t, fs)

	if err := a.ProcessTask(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.started != 1 {
		t.Errorf("expected one start, got %d", fs.started)
	}
	if len(fs.pushes) != 1 {
		t.Fatalf("expected one push, got %d", len(fs.pushes))
	}
	got := fs.pushes[0]
	if got.Status != domain.DelegateTaskSucceeded || got.Data["message"] != "hi" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestProcessTask_LostAcquire(t *testing.T) {
	fs := &fakeServer{acquireErr: &APIError{Status: http.StatusConflict, Code: "CONFLICT"}}
	a := newTestAgent(t, fs)

	if err := a.ProcessTask(context.Background(), "t1"); err != nil {
		t.Fatalf("lost acquire should not be an error, got %v", err)
	}
	if fs.started != 0 || len(fs.pushes) != 0 {
		t.Errorf("nothing should happen after lost acquire: started=%d pushes=%d", fs.started, len(fs.pushes))
	}
}

func TestProcessTask_UnknownType(t *testing.T) {
	task := echoTask(`{}`)
	task.Type = "shell"
	fs := &fakeServer{task: task}
	a := newTestAgent(t, fs)

	if err := a.ProcessTask(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.pushes) != 1 || fs.pushes[0].Status != domain.DelegateTaskFailed {
		t.Fatalf("expected FAILED push, got %+v", fs.pushes)
	}
}

func TestProcessTask_InvalidParameters(t *testing.T) {
	fs := &fakeServer{task: echoTask(`{not json`)}
	a := newTestAgent(t, fs)

	if err := a.ProcessTask(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.pushes) != 1 || fs.pushes[0].Status != domain.DelegateTaskFailed {
		t.Fatalf("expected FAILED push, got %+v", fs.pushes)
	}
}

func TestProcessTask_LogicalFailure(t *testing.T) {
	fs := &fakeServer{task: echoTask(`{"message":"hi","fail":"bad input"}`)}
	a := newTestAgent(t, fs)

	if err := a.ProcessTask(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := fs.pushes[0]
	if got.Status != domain.DelegateTaskFailed || got.Error != "bad input" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestProcessTask_StartFailureStillPushes(t *testing.T) {
	fs := &fakeServer{
		task:     echoTask(`{"message":"hi"}`),
		startErr: errors.New("connection reset"),
	}
	a := newTestAgent(t, fs)

	if err := a.ProcessTask(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.pushes) != 1 {
		t.Fatalf("expected push after transient start failure, got %d", len(fs.pushes))
	}
}

func TestProcessTask_PushRetried(t *testing.T) {
	fs := &fakeServer{
		task:     echoTask(`{"message":"hi"}`),
		pushErrs: []error{&APIError{Status: http.StatusServiceUnavailable}, errors.New("timeout")},
	}
	a := newTestAgent(t, fs)

	if err := a.ProcessTask(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.pushes) != 3 {
		t.Errorf("expected 3 push attempts, got %d", len(fs.pushes))
	}
}

func TestProcessTask_PushClientErrorNotRetried(t *testing.T) {
	fs := &fakeServer{
		task:     echoTask(`{"message":"hi"}`),
		pushErrs: []error{&APIError{Status: http.StatusForbidden, Code: "FORBIDDEN"}},
	}
	a := newTestAgent(t, fs)

	err := a.ProcessTask(context.Background(), "t1")
	if err == nil {
		t.Fatal("expected push error")
	}
	if len(fs.pushes) != 1 {
		t.Errorf("4xx should not be retried, got %d attempts", len(fs.pushes))
	}
}

func TestProcessTask_CBORParameters(t *testing.T) {
	// echo получает параметры в CBOR так же, как в JSON
	task := echoTask("")
	task.Format = "cbor"
	task.Parameters = []byte{0xa1, 0x67, 'm', 'e', 's', 's', 'a', 'g', 'e', 0x62, 'h', 'i'}
	fs := &fakeServer{task: task}
	a := newTestAgent(t, fs)

	if err := a.ProcessTask(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.pushes[0].Data["message"] != "hi" {
		t.Errorf("expected message=hi, got %+v", fs.pushes[0])
	}
}

// --- Perpetual Tests ---

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestSyncPerpetual_StartsAndStops(t *testing.T) {
	fs := &fakeServer{
		perpetual: []*domain.PerpetualTask{
			{ID: "p1", Type: "echo", Format: "json", Parameters: []byte(`{}`), State: domain.PerpetualAssigned, DelegateID: "d1"},
			{ID: "p2", Type: "echo", Format: "json", State: domain.PerpetualAssigned, DelegateID: "other"},
		},
	}
	a := newTestAgent(t, fs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.syncPerpetual(ctx)
	if n := a.RunningPerpetual(); n != 1 {
		t.Fatalf("expected 1 running perpetual task, got %d", n)
	}
	waitFor(t, func() bool { return fs.beats("p1") > 0 })

	fs.mu.Lock()
	fs.perpetual = nil
	fs.mu.Unlock()

	a.syncPerpetual(ctx)
	if n := a.RunningPerpetual(); n != 0 {
		t.Fatalf("expected 0 running perpetual tasks, got %d", n)
	}
	a.stopPerpetual()
}

func TestSyncPerpetual_StopsWhenReassigned(t *testing.T) {
	fs := &fakeServer{
		perpetual: []*domain.PerpetualTask{
			{ID: "p1", Type: "echo", Format: "json", Parameters: []byte(`{}`), State: domain.PerpetualAssigned, DelegateID: "d1"},
		},
		perpetualErr: &APIError{Status: http.StatusConflict, Code: "CONFLICT"},
	}
	a := newTestAgent(t, fs)

	a.syncPerpetual(context.Background())
	waitFor(t, func() bool { return a.RunningPerpetual() == 0 })
	a.stopPerpetual()
}
