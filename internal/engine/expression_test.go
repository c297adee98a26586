package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func exprContext() *Context {
	ctx := NewContext(map[string]any{
		"name":     "test",
		"env":      "prod",
		"host":     "https://api.local",
		"replicas": 3,
		"list":     []any{1, 2, 3},
		"empty":    "",
	})
	ctx.Execution = ExecutionContext{ID: "pe-1", PlanID: "deploy"}
	ctx.AddNodeResult("fetch", map[string]any{
		"code":  200,
		"items": []any{"a", "b"},
		"meta":  map[string]any{"count": 2},
	}, "SUCCEEDED")
	return ctx
}

// --- Context Tests ---

func TestNewContext_NilInputs(t *testing.T) {
	ctx := NewContext(nil)
	if ctx.Inputs == nil || ctx.Nodes == nil {
		t.Fatal("inputs and nodes should be initialized")
	}
}

func TestContext_AddNodeResult_Replaces(t *testing.T) {
	ctx := NewContext(nil)
	ctx.AddNodeResult("build", map[string]any{"attempt": 1}, "FAILED")
	ctx.AddNodeResult("build", nil, "SUCCEEDED")

	n := ctx.Nodes["build"]
	if n.Status != "SUCCEEDED" {
		t.Errorf("expected latest status SUCCEEDED, got %s", n.Status)
	}
	if n.Outcomes == nil || len(n.Outcomes) != 0 {
		t.Errorf("expected empty outcomes, got %v", n.Outcomes)
	}
}

func TestContext_Outcome(t *testing.T) {
	ctx := exprContext()

	if got := ctx.Outcome("fetch", "code"); got != 200 {
		t.Errorf("expected 200, got %v", got)
	}
	if got := ctx.Outcome("ghost", "code"); got != nil {
		t.Errorf("expected nil for unknown node, got %v", got)
	}
}

// --- Render Tests ---

func TestRender(t *testing.T) {
	ctx := exprContext()

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"plain text", "no expressions", "no expressions"},
		{"input", "Hello, {{ .Inputs.name }}!", "Hello, test!"},
		{"node status", "{{ .Nodes.fetch.Status }}", "SUCCEEDED"},
		{"nested outcome", "{{ .Nodes.fetch.Outcomes.meta.count }}", "2"},
		{"outcome method", `{{ .Outcome "fetch" "code" }}`, "200"},
		{"execution", "{{ .Execution.PlanID }}/{{ .Execution.ID }}", "deploy/pe-1"},
		{"upper", "{{ upper .Inputs.env }}", "PROD"},
		{"default on missing", `{{ default "fallback" .Inputs.missing }}`, "fallback"},
		{"default on empty", `{{ default "fallback" .Inputs.empty }}`, "fallback"},
		{"coalesce", `{{ coalesce .Inputs.empty .Inputs.name }}`, "test"},
		{"json", "{{ json .Inputs.list }}", "[1,2,3]"},
		{"join split", `{{ join "," (split ";" "a;b") }}`, "a,b"},
		{"join outcomes", `{{ join "+" .Nodes.fetch.Outcomes.items }}`, "a+b"},
		{"conditional", `{{ if eq .Inputs.env "prod" }}live{{ else }}dry{{ end }}`, "live"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.src, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	ctx := exprContext()

	if _, err := Render("{{ .Invalid syntax", ctx); !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
	// узел ещё не завершён: nil *NodeContext
	if _, err := Render("{{ .Nodes.ghost.Status }}", ctx); !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender, got %v", err)
	}
}

// --- RenderValue Tests ---

func TestRenderConfig_KeepsTypes(t *testing.T) {
	ctx := exprContext()

	got, err := RenderConfig(map[string]any{
		"replicas": "{{ .Inputs.replicas }}",
		"items":    "{{ .Nodes.fetch.Outcomes.items }}",
		"missing":  "{{ .Inputs.nothing }}",
		"env":      "{{ .Inputs.env | upper }}",
		"url":      "{{ .Inputs.host }}/users",
		"flag":     true,
		"tags":     []any{"{{ .Inputs.env }}", 7},
		"headers":  map[string]string{"X-Env": "{{ .Inputs.env }}"},
	}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]any{
		"replicas": float64(3),
		"items":    []any{"a", "b"},
		"missing":  nil,
		"env":      "PROD",
		"url":      "https://api.local/users",
		"flag":     true,
		"tags":     []any{"prod", 7},
		"headers":  map[string]string{"X-Env": "prod"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected result:\n got: %#v\nwant: %#v", got, want)
	}
}

func TestRenderConfig_Nil(t *testing.T) {
	got, err := RenderConfig(nil, exprContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestRenderConfig_ErrorPath(t *testing.T) {
	_, err := RenderConfig(map[string]any{
		"body": map[string]any{"field": "{{ .Broken"},
	}, exprContext())
	if !errors.Is(err, ErrTemplateParse) {
		t.Fatalf("expected ErrTemplateParse, got %v", err)
	}
	if !strings.Contains(err.Error(), "body: field:") {
		t.Errorf("error should carry the parameter path: %v", err)
	}
}

// --- RenderCondition Tests ---

func TestRenderCondition(t *testing.T) {
	ctx := exprContext()

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"empty", "", true},
		{"blank", "   ", true},
		{"comparison", "gt .Inputs.replicas 2", true},
		{"comparison false", "gt .Inputs.replicas 10", false},
		{"node status", `eq .Nodes.fetch.Status "SUCCEEDED"`, true},
		{"missing value", ".Inputs.nothing", false},
		{"full template", `{{ eq .Inputs.env "prod" }}`, true},
		{"full template false", `{{ eq .Inputs.env "dev" }}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderCondition(tt.condition, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRenderCondition_Error(t *testing.T) {
	if _, err := RenderCondition(`gt .Inputs.env 3`, exprContext()); err == nil {
		t.Error("expected error for incompatible comparison")
	}
}
