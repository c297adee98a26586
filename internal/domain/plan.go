package domain

import (
	"time"
)

// NodeGroup — группа узла плана (уровень вложенности).
type NodeGroup string

const (
	GroupPipeline  NodeGroup = "PIPELINE"
	GroupStage     NodeGroup = "STAGE"
	GroupStepGroup NodeGroup = "STEP_GROUP"
	GroupStep      NodeGroup = "STEP"
	GroupFork      NodeGroup = "FORK"
	GroupSection   NodeGroup = "SECTION"
)

// EdgeKind — тип ребра между узлами плана.
type EdgeKind string

const (
	// EdgeOnSuccess — переход после успешного завершения.
	EdgeOnSuccess EdgeKind = "ON_SUCCESS"

	// EdgeOnFailure — переход после неудачи.
	EdgeOnFailure EdgeKind = "ON_FAILURE"

	// EdgeAlways — переход при любом исходе.
	EdgeAlways EdgeKind = "ALWAYS"
)

// Plan — скомпилированный неизменяемый граф выполнения.
//
// Plan получается от компилятора планов и во время выполнения
// только читается. Узлы адресуются по setup id.
type Plan struct {
	// ID — идентификатор плана.
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// StartingNodeID — setup id первого узла.
	StartingNodeID string `json:"starting_node_id" yaml:"starting_node_id"`

	// Nodes — все узлы плана (setupID → PlanNode).
	Nodes map[string]*PlanNode `json:"nodes" yaml:"nodes"`

	// CreatedAt — время регистрации плана.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Node возвращает узел по setup id.
func (p *Plan) Node(setupID string) (*PlanNode, bool) {
	n, ok := p.Nodes[setupID]
	return n, ok
}

// PlanNode — скомпилированный узел плана.
type PlanNode struct {
	// ID — стабильный setup id.
	ID string `json:"id" yaml:"id"`

	// Identifier — идентификатор, под которым outcomes видны выражениям.
	Identifier string `json:"identifier" yaml:"identifier"`

	// Name — человекочитаемое имя узла.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// StepType — тип шага (определяет реализацию и фасилитатор по умолчанию).
	StepType string `json:"step_type" yaml:"step_type"`

	// Group — уровень вложенности (STAGE, STEP и т.д.).
	Group NodeGroup `json:"group" yaml:"group"`

	// FacilitatorType — явно указанный фасилитатор (опционально).
	FacilitatorType string `json:"facilitator_type,omitempty" yaml:"facilitator_type,omitempty"`

	// Edges — исходящие рёбра.
	Edges []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`

	// Children — дочерние узлы для CHILD/CHILDREN шагов.
	Children []ChildRef `json:"children,omitempty" yaml:"children,omitempty"`

	// SkipCondition — выражение; при true узел пропускается (SKIPPED).
	SkipCondition string `json:"skip_condition,omitempty" yaml:"skip_condition,omitempty"`

	// SkipExpressionChain — пропуск распространяется на следующий узел цепочки.
	SkipExpressionChain bool `json:"skip_expression_chain,omitempty" yaml:"skip_expression_chain,omitempty"`

	// StepParameters — параметры шага (могут содержать выражения {{ }}).
	StepParameters map[string]any `json:"step_parameters,omitempty" yaml:"step_parameters,omitempty"`

	// Advisers — политики обработки исхода, применяются по порядку.
	Advisers []AdviserSpec `json:"advisers,omitempty" yaml:"advisers,omitempty"`

	// TimeoutSec — дедлайн узла для watchdog (0 — по умолчанию).
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`

	// TaskSelectors — селекторы делегатов для TASK шагов.
	TaskSelectors []string `json:"task_selectors,omitempty" yaml:"task_selectors,omitempty"`

	// Capabilities — требуемые возможности делегата (например, tcp://host:443).
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Next возвращает цель ребра указанного типа.
func (n *PlanNode) Next(kind EdgeKind) (string, bool) {
	for _, e := range n.Edges {
		if e.Kind == kind {
			return e.Target, true
		}
	}
	return "", false
}

// Timeout возвращает дедлайн узла.
func (n *PlanNode) Timeout() time.Duration {
	return time.Duration(n.TimeoutSec) * time.Second
}

// Edge — ребро плана.
type Edge struct {
	Target string   `json:"target" yaml:"target"`
	Kind   EdgeKind `json:"kind" yaml:"kind"`
}

// ChildRef — ссылка на дочерний узел.
type ChildRef struct {
	NodeID string `json:"node_id" yaml:"node_id"`

	// Optional — неудача необязательного ребёнка не влияет на статус родителя.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// AdviserSpec — настройка политики обработки исхода узла.
type AdviserSpec struct {
	// Type — тип: RETRY, IGNORE_FAILURE, MARK_SUCCESS, ON_FAIL_NEXT, END_PLAN.
	Type string `json:"type" yaml:"type"`

	// OnStatuses — статусы, к которым применяется политика (пусто — все неудачные).
	OnStatuses []NodeStatus `json:"on_statuses,omitempty" yaml:"on_statuses,omitempty"`

	// Retry — параметры повторов для RETRY.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// NextNodeID — цель для ON_FAIL_NEXT.
	NextNodeID string `json:"next_node_id,omitempty" yaml:"next_node_id,omitempty"`
}

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

// Delay вычисляет задержку перед попыткой attempt (нумерация с 1).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil {
		return time.Second
	}

	initialDelay := time.Duration(p.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := time.Duration(p.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := initialDelay
	if p.Backoff == "exponential" {
		// delay = initialDelay * 2^(attempt-1)
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				break
			}
		}
	}

	return min(delay, maxDelay)
}

// Attempts возвращает максимальное число попыток (минимум 1).
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}
