package httpcall

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// --- Parse Tests ---

func TestParse_Defaults(t *testing.T) {
	req, err := Parse(map[string]any{"url": "http://example.test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != http.MethodGet {
		t.Errorf("expected GET, got %s", req.Method)
	}
	if req.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %v", req.Timeout)
	}
	if !req.FollowRedirects || !req.ValidateSSL {
		t.Error("redirects and ssl validation should be on by default")
	}
}

func TestParse_CBORNumbersAndHeaders(t *testing.T) {
	req, err := Parse(map[string]any{
		"url":             "http://example.test",
		"method":          "patch",
		"timeout_sec":     uint64(5),
		"expected_status": []any{int64(200), uint64(202)},
		"headers":         map[string]any{"X-Retry": 3, "X-Name": "job", "X-Nil": nil},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != http.MethodPatch {
		t.Errorf("expected PATCH, got %s", req.Method)
	}
	if req.Timeout != 5*time.Second {
		t.Errorf("expected 5s, got %v", req.Timeout)
	}
	if len(req.ExpectedStatus) != 2 || req.ExpectedStatus[1] != 202 {
		t.Errorf("unexpected expected_status: %v", req.ExpectedStatus)
	}
	if req.Headers["X-Retry"] != "3" || req.Headers["X-Name"] != "job" {
		t.Errorf("unexpected headers: %v", req.Headers)
	}
	if _, ok := req.Headers["X-Nil"]; ok {
		t.Error("nil header should be dropped")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing url", map[string]any{}},
		{"headers not a map", map[string]any{"url": "http://x", "headers": "X-A: b"}},
		{"bad expected_status", map[string]any{"url": "http://x", "expected_status": "200"}},
		{"bad expected_status item", map[string]any{"url": "http://x", "expected_status": []any{"ok"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.params); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

// --- Check Tests ---

func TestRequest_Check(t *testing.T) {
	plain := &Request{}
	strict := &Request{ExpectedStatus: []int{http.StatusAccepted}}

	if msg := plain.Check(&Response{StatusCode: http.StatusNoContent}); msg != "" {
		t.Errorf("204 should succeed, got %q", msg)
	}
	if msg := plain.Check(&Response{StatusCode: http.StatusNotFound}); msg != "HTTP 404: Not Found" {
		t.Errorf("unexpected failure message: %q", msg)
	}
	if msg := strict.Check(&Response{StatusCode: http.StatusOK, Raw: []byte("ok")}); msg != "HTTP 200: ok" {
		t.Errorf("200 is not expected here, got %q", msg)
	}
	if msg := strict.Check(&Response{StatusCode: http.StatusAccepted}); msg != "" {
		t.Errorf("202 is expected, got %q", msg)
	}

	long := plain.Check(&Response{StatusCode: 500, Raw: []byte(strings.Repeat("x", 500))})
	if !strings.HasSuffix(long, "...") || len(long) > 220 {
		t.Errorf("failure detail should be truncated: %d bytes", len(long))
	}
}

// --- Client Tests ---

func TestClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Token") != "abc" {
			t.Errorf("header not forwarded")
		}
		w.Header().Set("X-Seen", "yes")
		w.Write([]byte(`{"echo":` + string(body) + `}`))
	}))
	defer server.Close()

	req, _ := Parse(map[string]any{
		"url":     server.URL,
		"method":  "post",
		"headers": map[string]any{"X-Token": "abc"},
		"body":    map[string]any{"n": 1},
	})
	resp, err := NewClient(server.Client()).Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := resp.Outcomes()
	if out["status_code"] != http.StatusOK {
		t.Errorf("unexpected status: %v", out["status_code"])
	}
	body, ok := out["body"].(map[string]any)
	if !ok {
		t.Fatalf("body should decode as JSON, got %T", out["body"])
	}
	if echo, _ := body["echo"].(map[string]any); echo["n"] != float64(1) {
		t.Errorf("unexpected echo: %v", body)
	}
	if out["headers"].(map[string]any)["X-Seen"] != "yes" {
		t.Errorf("response headers missing: %v", out["headers"])
	}
	if _, ok := out["truncated"]; ok {
		t.Error("small body should not be marked truncated")
	}
}

func TestClient_Do_StringBodyAndRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("plain text"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.Client())

	follow, _ := Parse(map[string]any{"url": server.URL + "/start"})
	resp, err := client.Do(context.Background(), follow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Body != "plain text" {
		t.Errorf("redirect should be followed: %d %v", resp.StatusCode, resp.Body)
	}

	stay, _ := Parse(map[string]any{"url": server.URL + "/start", "follow_redirects": false})
	resp, err = client.Do(context.Background(), stay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("expected 302 without following, got %d", resp.StatusCode)
	}
}

func TestClient_Do_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	req, _ := Parse(map[string]any{"url": url, "timeout_sec": 1})
	if _, err := NewClient(nil).Do(context.Background(), req); !errors.Is(err, ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestClient_Do_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	req, _ := Parse(map[string]any{"url": server.URL, "timeout_sec": 0.05})
	start := time.Now()
	_, err := NewClient(server.Client()).Do(context.Background(), req)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("request should be bounded by timeout_sec")
	}
}
