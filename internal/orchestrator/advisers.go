package orchestrator

import (
	"context"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Типы встроенных политик.
const (
	AdviserRetry         = "RETRY"
	AdviserIgnoreFailure = "IGNORE_FAILURE"
	AdviserMarkSuccess   = "MARK_SUCCESS"
	AdviserOnFailNext    = "ON_FAIL_NEXT"
	AdviserEndPlan       = "END_PLAN"
)

// AdviceKind — решение политики.
type AdviceKind string

const (
	// AdviceNone — политика не применилась, маршрут по рёбрам.
	AdviceNone AdviceKind = ""

	AdviceRetry         AdviceKind = "RETRY"
	AdviceIgnoreFailure AdviceKind = "IGNORE_FAILURE"
	AdviceMarkSuccess   AdviceKind = "MARK_SUCCESS"
	AdviceNext          AdviceKind = "NEXT"
	AdviceEndPlan       AdviceKind = "END_PLAN"
)

// Advice — что делать после завершения узла.
type Advice struct {
	Kind AdviceKind

	// NextNodeID — setup id следующего узла (AdviceNext).
	NextNodeID string

	// Wait — задержка перед повтором (AdviceRetry).
	Wait time.Duration
}

// AdviseInput — данные для политики.
type AdviseInput struct {
	Node     *domain.NodeExecution
	PlanNode *domain.PlanNode
	Status   domain.NodeStatus
	Spec     domain.AdviserSpec
}

// Adviser — политика обработки исхода узла.
//
// Advise возвращает nil, если политика к исходу не применима.
// Политики узла опрашиваются по порядку, первое решение побеждает.
type Adviser interface {
	Type() string
	Advise(ctx context.Context, in AdviseInput) *Advice
}

// BuiltinAdvisers возвращает встроенные политики.
func BuiltinAdvisers() []Adviser {
	return []Adviser{
		retryAdviser{},
		ignoreFailureAdviser{},
		markSuccessAdviser{},
		onFailNextAdviser{},
		endPlanAdviser{},
	}
}

// appliesTo проверяет фильтр статусов. Пустой фильтр — любые неудачи.
func appliesTo(spec domain.AdviserSpec, status domain.NodeStatus) bool {
	if len(spec.OnStatuses) == 0 {
		return status.IsFailure()
	}
	return domain.ContainsStatus(spec.OnStatuses, status)
}

type retryAdviser struct{}

func (retryAdviser) Type() string { return AdviserRetry }

func (retryAdviser) Advise(_ context.Context, in AdviseInput) *Advice {
	if !appliesTo(in.Spec, in.Status) {
		return nil
	}
	attempt := in.Node.RetryIndex + 1
	if attempt >= in.Spec.Retry.Attempts() {
		return nil
	}
	return &Advice{Kind: AdviceRetry, Wait: in.Spec.Retry.Delay(attempt)}
}

type ignoreFailureAdviser struct{}

func (ignoreFailureAdviser) Type() string { return AdviserIgnoreFailure }

func (ignoreFailureAdviser) Advise(_ context.Context, in AdviseInput) *Advice {
	if !appliesTo(in.Spec, in.Status) {
		return nil
	}
	return &Advice{Kind: AdviceIgnoreFailure}
}

type markSuccessAdviser struct{}

func (markSuccessAdviser) Type() string { return AdviserMarkSuccess }

func (markSuccessAdviser) Advise(_ context.Context, in AdviseInput) *Advice {
	if !appliesTo(in.Spec, in.Status) {
		return nil
	}
	return &Advice{Kind: AdviceMarkSuccess}
}

type onFailNextAdviser struct{}

func (onFailNextAdviser) Type() string { return AdviserOnFailNext }

func (onFailNextAdviser) Advise(_ context.Context, in AdviseInput) *Advice {
	if !appliesTo(in.Spec, in.Status) || in.Spec.NextNodeID == "" {
		return nil
	}
	return &Advice{Kind: AdviceNext, NextNodeID: in.Spec.NextNodeID}
}

type endPlanAdviser struct{}

func (endPlanAdviser) Type() string { return AdviserEndPlan }

func (endPlanAdviser) Advise(_ context.Context, in AdviseInput) *Advice {
	if !appliesTo(in.Spec, in.Status) {
		return nil
	}
	return &Advice{Kind: AdviceEndPlan}
}

// advise опрашивает политики узла. ABORTED политики не обрабатывают.
func (e *Engine) advise(ctx context.Context, n *domain.NodeExecution, node *domain.PlanNode, status domain.NodeStatus) Advice {
	if node == nil || status == domain.NodeStatusAborted {
		return Advice{}
	}

	for _, spec := range node.Advisers {
		a, ok := e.advisers[spec.Type]
		if !ok {
			e.logger.Warn("unknown adviser type", "type", spec.Type, "setup_id", node.ID)
			continue
		}
		if advice := a.Advise(ctx, AdviseInput{Node: n, PlanNode: node, Status: status, Spec: spec}); advice != nil {
			return *advice
		}
	}
	return Advice{}
}

// route выбирает следующий узел по рёбрам.
func route(node *domain.PlanNode, status domain.NodeStatus) string {
	if node == nil {
		return ""
	}
	kind := domain.EdgeOnFailure
	if status.IsPositive() {
		kind = domain.EdgeOnSuccess
	}
	if next, ok := node.Next(kind); ok {
		return next
	}
	next, _ := node.Next(domain.EdgeAlways)
	return next
}
