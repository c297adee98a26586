package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"text/template/parse"
)

// Context — данные, доступные выражениям параметров и условий пропуска:
//
//	{{ .Inputs.region }}
//	{{ .Nodes.fetch.Outcomes.status_code }}
//	{{ .Nodes.fetch.Status }}
//	{{ .Outcome "fetch" "status_code" }}
//	{{ .Execution.ID }}
type Context struct {
	Inputs    map[string]any          `json:"inputs"`
	Nodes     map[string]*NodeContext `json:"nodes"`
	Execution ExecutionContext        `json:"execution"`
}

// ExecutionContext — идентификаторы текущего выполнения.
type ExecutionContext struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	AccountID string `json:"account_id,omitempty"`
}

// NodeContext — завершённый узел, видимый выражениям.
type NodeContext struct {
	Outcomes map[string]any `json:"outcomes"`
	Status   string         `json:"status"`
}

// NewContext создаёт контекст с входными параметрами плана.
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &Context{
		Inputs: inputs,
		Nodes:  make(map[string]*NodeContext),
	}
}

// AddNodeResult регистрирует результат узла под его identifier.
// Повторная регистрация (новая попытка) заменяет прежнюю.
func (c *Context) AddNodeResult(identifier string, outcomes map[string]any, status string) {
	if outcomes == nil {
		outcomes = make(map[string]any)
	}
	c.Nodes[identifier] = &NodeContext{Outcomes: outcomes, Status: status}
}

// Outcome возвращает результат узла или nil, если узел ещё не завершён.
func (c *Context) Outcome(identifier, key string) any {
	n, ok := c.Nodes[identifier]
	if !ok {
		return nil
	}
	return n.Outcomes[key]
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

var exprFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"fromJSON": func(s string) (any, error) {
		var v any
		err := json.Unmarshal([]byte(s), &v)
		return v, err
	},
	"default": func(def, val any) any {
		if isEmpty(val) {
			return def
		}
		return val
	},
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if !isEmpty(v) {
				return v
			}
		}
		return nil
	},
	"join": func(sep string, items any) (string, error) {
		switch v := items.(type) {
		case []string:
			return strings.Join(v, sep), nil
		case []any:
			parts := make([]string, len(v))
			for i, it := range v {
				parts[i] = fmt.Sprint(it)
			}
			return strings.Join(parts, sep), nil
		default:
			return "", fmt.Errorf("join: expected list, got %T", items)
		}
	},
	"split":     func(sep, s string) []string { return strings.Split(s, sep) },
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

func compile(src string) (*template.Template, error) {
	t, err := template.New("expr").Funcs(exprFuncs).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	return t, nil
}

func execute(t *template.Template, ctx *Context) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// Render подставляет выражения в строку. Строка без "{{" возвращается
// без разбора.
func Render(src string, ctx *Context) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	t, err := compile(src)
	if err != nil {
		return "", err
	}
	return execute(t, ctx)
}

// soleAction возвращает конвейер, если шаблон состоит из одного действия
// без окружающего текста и объявления переменных.
func soleAction(t *template.Template) (string, bool) {
	if t.Tree == nil || len(t.Tree.Root.Nodes) != 1 {
		return "", false
	}
	action, ok := t.Tree.Root.Nodes[0].(*parse.ActionNode)
	if !ok || len(action.Pipe.Decl) > 0 {
		return "", false
	}
	return action.Pipe.String(), true
}

// renderTyped рендерит строковый параметр. Параметр из одного действия
// сохраняет JSON-тип значения: "{{ .Inputs.replicas }}" даёт число,
// а не строку.
func renderTyped(src string, ctx *Context) (any, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	t, err := compile(src)
	if err != nil {
		return nil, err
	}

	pipe, ok := soleAction(t)
	if !ok {
		return execute(t, ctx)
	}

	typed, err := compile("{{ json (" + pipe + ") }}")
	if err != nil {
		return execute(t, ctx)
	}
	out, err := execute(typed, ctx)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return v, nil
}

// RenderValue рекурсивно рендерит строки внутри map и slice.
// Остальные значения возвращаются как есть.
func RenderValue(value any, ctx *Context) (any, error) {
	switch v := value.(type) {
	case string:
		return renderTyped(v, ctx)

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			r, err := RenderValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = r
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			r, err := RenderValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil

	case map[string]string:
		out := make(map[string]string, len(v))
		for key, val := range v {
			r, err := Render(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = r
		}
		return out, nil

	default:
		return value, nil
	}
}

// RenderConfig рендерит параметры шага.
func RenderConfig(params map[string]any, ctx *Context) (map[string]any, error) {
	if params == nil {
		return make(map[string]any), nil
	}
	rendered, err := RenderValue(params, ctx)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

// RenderCondition вычисляет условие пропуска. Пустое условие истинно.
//
// Условие записывается как аргумент if ("eq .Inputs.env \"prod\"") либо
// полным шаблоном, который должен дать "true".
func RenderCondition(condition string, ctx *Context) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	src := condition
	if !strings.HasPrefix(condition, "{{") {
		src = "{{ if " + condition + " }}true{{ else }}false{{ end }}"
	}

	out, err := Render(src, ctx)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}
