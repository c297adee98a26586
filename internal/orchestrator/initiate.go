package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/engine"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/steps"
	"github.com/shaiso/Pipeliner/internal/telemetry"
	"github.com/shaiso/Pipeliner/internal/waitnotify"
)

// Ключи служебных outcomes.
const (
	outcomeSkipped   = "skipped"
	outcomeSkipChain = "skip_chain"
	outcomeProgress  = "_progress"
)

// InitiateOptions — связи новой попытки узла.
type InitiateOptions struct {
	ParentRuntimeID   string
	PreviousRuntimeID string
	NotifyID          string
	RetryIndex        int
	RetryIDs          []string
}

// InitiateNode создаёт попытку узла setupID и запускает её.
//
// amb — контекст вызывающего (без уровня самого узла). Повторная
// инициация того же runtimeID ничего не делает.
func (e *Engine) InitiateNode(ctx context.Context, amb domain.Ambiance, setupID, runtimeID string, opts InitiateOptions) (err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.InitiateNode", trace.WithAttributes(
		attribute.String("plan_execution_id", amb.PlanExecutionID),
		attribute.String("setup_id", setupID),
		attribute.String("runtime_id", runtimeID),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	n, err := e.createNode(ctx, amb, setupID, runtimeID, opts)
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			e.logger.Debug("node already initiated", "runtime_id", runtimeID)
			return nil
		}
		return err
	}
	return e.proceed(ctx, n)
}

// createNode сохраняет попытку в статусе QUEUED.
func (e *Engine) createNode(ctx context.Context, amb domain.Ambiance, setupID, runtimeID string, opts InitiateOptions) (*domain.NodeExecution, error) {
	node, _, err := e.planNode(ctx, amb.PlanID, setupID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	n := &domain.NodeExecution{
		RuntimeID:       runtimeID,
		PlanExecutionID: amb.PlanExecutionID,
		SetupID:         node.ID,
		Identifier:      node.Identifier,
		StepType:        node.StepType,
		Group:           node.Group,
		Status:          domain.NodeStatusQueued,
		Ambiance: amb.WithLevel(domain.Level{
			SetupID:    node.ID,
			RuntimeID:  runtimeID,
			Identifier: node.Identifier,
			RetryIndex: opts.RetryIndex,
			StepType:   node.StepType,
			Group:      node.Group,
			StartTs:    now,
		}),
		ParentRuntimeID:   opts.ParentRuntimeID,
		PreviousRuntimeID: opts.PreviousRuntimeID,
		NotifyID:          opts.NotifyID,
		RetryIndex:        opts.RetryIndex,
		RetryIDs:          opts.RetryIDs,
		CreatedAt:         now,
		LastUpdatedAt:     now,
	}
	if err := e.store.CreateNodeExecution(ctx, n); err != nil {
		return nil, err
	}
	e.transitioned(ctx, n, "")
	return n, nil
}

// proceed запускает QUEUED узел с учётом состояния плана.
func (e *Engine) proceed(ctx context.Context, n *domain.NodeExecution) error {
	pe, err := e.store.GetPlanExecution(ctx, n.PlanExecutionID)
	if err != nil {
		return fmt.Errorf("get plan execution: %w", err)
	}

	if pe.IsFinished() {
		now := e.now()
		_, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusQueued}, domain.NodeStatusAborted, func(x *domain.NodeExecution) {
			x.FailureInfo = &domain.FailureInfo{Type: domain.FailureAborted, Message: "plan execution already finished"}
			x.EndTs = &now
		})
		return ignoreConflict(err)
	}

	if pe.IsHeld() {
		_, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusQueued}, domain.NodeStatusPaused, nil)
		if err == nil {
			telemetry.WithNode(e.logger, n).Info("node held by paused plan")
		}
		return ignoreConflict(err)
	}

	return e.startNode(ctx, n)
}

// startNode проверяет пропуск, подставляет параметры, фасилитирует и запускает шаг.
func (e *Engine) startNode(ctx context.Context, n *domain.NodeExecution) error {
	queued := []domain.NodeStatus{domain.NodeStatusQueued}

	node, _, err := e.planNode(ctx, n.Ambiance.PlanID, n.SetupID)
	if err != nil {
		return e.failFatal(ctx, n, queued, err)
	}

	tc, err := e.templateContext(ctx, n.PlanExecutionID)
	if err != nil {
		return err
	}

	skip, chained, err := e.shouldSkip(ctx, n, node, tc)
	if err != nil {
		return e.conclude(ctx, n, queued, configError(fmt.Errorf("skip condition: %w", err)))
	}
	if skip {
		return e.conclude(ctx, n, queued, &steps.Result{
			Status:   domain.NodeStatusSkipped,
			Outcomes: map[string]any{outcomeSkipped: true, outcomeSkipChain: chained},
		})
	}

	params, err := engine.RenderConfig(node.StepParameters, tc)
	if err != nil {
		return e.conclude(ctx, n, queued, configError(err))
	}

	step, err := e.steps.Get(node.StepType)
	if err != nil {
		return e.failFatal(ctx, n, queued, err)
	}

	decision, err := e.facilitators.Facilitate(ctx, n.Ambiance, node, params)
	if err != nil {
		return e.failFatal(ctx, n, queued, err)
	}

	now := e.now()
	running, err := e.updateNode(ctx, n, queued, domain.NodeStatusRunning, func(x *domain.NodeExecution) {
		x.ResolvedParameters = params
		x.Mode = decision.Mode
		x.StartTs = &now
		if timeout := e.timeoutFor(node); timeout > 0 {
			deadline := now.Add(timeout)
			x.Deadline = &deadline
		}
	})
	if err != nil {
		return ignoreConflict(err)
	}

	if decision.InitialWait > 0 {
		return e.deferDispatch(ctx, running, decision.InitialWait)
	}

	in := &steps.Input{
		Ambiance:   running.Ambiance,
		Node:       node,
		RuntimeID:  running.RuntimeID,
		Parameters: params,
		Template:   tc,
	}
	return e.dispatch(ctx, running, step, in)
}

// shouldSkip вычисляет условие пропуска. Пропуск по цепочке наследуется
// от предыдущего узла без вычисления.
func (e *Engine) shouldSkip(ctx context.Context, n *domain.NodeExecution, node *domain.PlanNode, tc *engine.Context) (skip, chained bool, err error) {
	if n.PreviousRuntimeID != "" {
		prev, err := e.store.GetNodeExecution(ctx, n.PreviousRuntimeID)
		if err == nil && prev.Status == domain.NodeStatusSkipped {
			if c, _ := prev.Outcomes[outcomeSkipChain].(bool); c {
				return true, true, nil
			}
		}
	}

	if node.SkipCondition == "" {
		return false, false, nil
	}
	skip, err = engine.RenderCondition(node.SkipCondition, tc)
	if err != nil {
		return false, false, err
	}
	return skip, skip && node.SkipExpressionChain, nil
}

func (e *Engine) timeoutFor(node *domain.PlanNode) time.Duration {
	if t := node.Timeout(); t > 0 {
		return t
	}
	return e.nodeTimeout
}

// deferDispatch откладывает запуск шага на InitialWait.
func (e *Engine) deferDispatch(ctx context.Context, n *domain.NodeExecution, wait time.Duration) error {
	waiting, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusRunning}, domain.NodeStatusAsyncWaiting, func(x *domain.NodeExecution) {
		x.ExecutableResponse = &domain.ExecutableResponse{Mode: n.Mode, PendingDispatch: true}
	})
	if err != nil {
		return ignoreConflict(err)
	}

	timerID, err := e.correlator.Schedule(ctx, e.callback(domain.CallbackNodeDispatch, waiting), wait)
	if err != nil {
		return e.failWaiting(ctx, waiting, err)
	}

	// id таймера нужен, чтобы abort мог разрешить ожидание
	_, err = e.store.UpdateNodeStatus(ctx, waiting.RuntimeID, []domain.NodeStatus{domain.NodeStatusAsyncWaiting}, domain.NodeStatusAsyncWaiting, func(x *domain.NodeExecution) {
		if x.ExecutableResponse != nil && x.ExecutableResponse.PendingDispatch {
			x.ExecutableResponse.CallbackIDs = []string{timerID}
		}
	})
	return ignoreConflict(err)
}

// dispatch выполняет шаг в выбранном фасилитатором режиме.
func (e *Engine) dispatch(ctx context.Context, n *domain.NodeExecution, step steps.Step, in *steps.Input) error {
	running := []domain.NodeStatus{domain.NodeStatusRunning}

	switch n.Mode {
	case domain.ModeSync:
		s, ok := step.(steps.SyncStep)
		if !ok {
			return e.failFatal(ctx, n, running, modeError(step, n.Mode))
		}
		res, err := s.Execute(ctx, in)
		if err != nil {
			res = internalError(err)
		}
		return e.HandleStepResponse(ctx, n, res)

	case domain.ModeAsync:
		a, ok := step.(steps.AsyncStep)
		if !ok {
			return e.failFatal(ctx, n, running, modeError(step, n.Mode))
		}
		return e.dispatchAsync(ctx, n, a, in)

	case domain.ModeTask:
		t, ok := step.(steps.TaskStep)
		if !ok {
			return e.failFatal(ctx, n, running, modeError(step, n.Mode))
		}
		return e.dispatchTasks(ctx, n, t, in)

	case domain.ModeAsyncChain:
		c, ok := step.(steps.ChainStep)
		if !ok {
			return e.failFatal(ctx, n, running, modeError(step, n.Mode))
		}
		link, err := c.StartLink(ctx, in, 0, nil)
		if err != nil {
			return e.HandleStepResponse(ctx, n, internalError(err))
		}
		res, err := e.startLink(ctx, n, c, in, 0, link)
		if err != nil {
			res = internalError(err)
		}
		if res == nil {
			return nil
		}
		return e.HandleStepResponse(ctx, n, res)

	case domain.ModeChild, domain.ModeChildren:
		c, ok := step.(steps.ChildrenStep)
		if !ok {
			return e.failFatal(ctx, n, running, modeError(step, n.Mode))
		}
		return e.dispatchChildren(ctx, n, c, in)

	default:
		return e.failFatal(ctx, n, running, modeError(step, n.Mode))
	}
}

func (e *Engine) dispatchAsync(ctx context.Context, n *domain.NodeExecution, a steps.AsyncStep, in *steps.Input) error {
	resp, err := a.ExecuteAsync(ctx, in)
	if err != nil {
		return e.HandleStepResponse(ctx, n, internalError(err))
	}

	if len(resp.CallbackIDs) == 0 {
		res, err := a.HandleAsyncResponse(ctx, in, nil)
		if err != nil {
			res = internalError(err)
		}
		return e.HandleStepResponse(ctx, n, res)
	}

	waiting, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusRunning}, domain.NodeStatusAsyncWaiting, func(x *domain.NodeExecution) {
		x.ExecutableResponse = &domain.ExecutableResponse{Mode: domain.ModeAsync, CallbackIDs: resp.CallbackIDs}
		x.Outcomes = mergeOutcomes(x.Outcomes, resp.Outcomes)
	})
	if err != nil {
		return ignoreConflict(err)
	}

	timeout := resp.Timeout
	if timeout <= 0 {
		timeout = waitnotify.NoTimeout
	}
	if _, err := e.correlator.WaitForAll(ctx, e.callback(domain.CallbackNodeResume, waiting), timeout, resp.CallbackIDs...); err != nil {
		return e.failWaiting(ctx, waiting, err)
	}
	return nil
}

func (e *Engine) dispatchTasks(ctx context.Context, n *domain.NodeExecution, t steps.TaskStep, in *steps.Input) error {
	specs, err := t.ObtainTasks(ctx, in)
	if err != nil {
		return e.HandleStepResponse(ctx, n, internalError(err))
	}
	if len(specs) == 0 {
		res, err := t.HandleTaskResults(ctx, in, nil)
		if err != nil {
			res = internalError(err)
		}
		return e.HandleStepResponse(ctx, n, res)
	}

	reqs := taskRequests(n, in.Node, specs)
	waiting, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusRunning}, domain.NodeStatusTaskWaiting, func(x *domain.NodeExecution) {
		x.ExecutableResponse = &domain.ExecutableResponse{Mode: domain.ModeTask, TaskIDs: requestIDs(reqs)}
	})
	if err != nil {
		return ignoreConflict(err)
	}

	if _, err := e.correlator.DispatchTasks(ctx, e.callback(domain.CallbackNodeResume, waiting), reqs...); err != nil {
		return e.failWaiting(ctx, waiting, err)
	}
	return nil
}

// startLink запускает звено цепочки. nil без ошибки — узел ждёт ответов.
func (e *Engine) startLink(ctx context.Context, n *domain.NodeExecution, c steps.ChainStep, in *steps.Input, index int, link *steps.ChainLink) (*steps.Result, error) {
	if link.Result != nil {
		return link.Result, nil
	}
	if len(link.Tasks) == 0 {
		return c.FinalizeChain(ctx, in, nil)
	}

	reqs := taskRequests(n, in.Node, link.Tasks)
	waiting, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusRunning}, domain.NodeStatusAsyncWaiting, func(x *domain.NodeExecution) {
		x.ExecutableResponse = &domain.ExecutableResponse{
			Mode:       domain.ModeAsyncChain,
			TaskIDs:    requestIDs(reqs),
			ChainIndex: index,
			ChainEnd:   link.End,
		}
	})
	if err != nil {
		return nil, ignoreConflict(err)
	}

	if _, err := e.correlator.DispatchTasks(ctx, e.callback(domain.CallbackNodeResume, waiting), reqs...); err != nil {
		if ferr := e.failWaiting(ctx, waiting, err); ferr != nil {
			e.logger.Error("failed to fail chain node", "runtime_id", n.RuntimeID, "error", ferr)
		}
	}
	return nil, nil
}

// dispatchChildren запускает дочерние ветки. Ожидание регистрируется
// до инициации детей: ветка может завершиться синхронно.
func (e *Engine) dispatchChildren(ctx context.Context, n *domain.NodeExecution, c steps.ChildrenStep, in *steps.Input) error {
	refs := in.Node.Children
	if len(refs) == 0 {
		return e.HandleStepResponse(ctx, n, steps.Succeeded(c.AggregateOutcomes(nil)))
	}

	children := make([]domain.ChildExecution, 0, len(refs))
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		id := uuid.New().String()
		children = append(children, domain.ChildExecution{RuntimeID: id, SetupID: ref.NodeID, Optional: ref.Optional})
		ids = append(ids, id)
	}

	waiting, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusRunning}, domain.NodeStatusAsyncWaiting, func(x *domain.NodeExecution) {
		x.ExecutableResponse = &domain.ExecutableResponse{Mode: n.Mode, Children: children}
	})
	if err != nil {
		return ignoreConflict(err)
	}

	if _, err := e.correlator.WaitForAll(ctx, e.callback(domain.CallbackNodeResume, waiting), waitnotify.NoTimeout, ids...); err != nil {
		return e.failWaiting(ctx, waiting, err)
	}

	for _, child := range children {
		err := e.InitiateNode(ctx, waiting.Ambiance, child.SetupID, child.RuntimeID, InitiateOptions{
			ParentRuntimeID: waiting.RuntimeID,
			NotifyID:        child.RuntimeID,
		})
		if err == nil {
			continue
		}

		e.logger.Error("failed to initiate child",
			"runtime_id", waiting.RuntimeID,
			"child_setup_id", child.SetupID,
			"error", err,
		)
		derr := e.correlator.DoneWith(ctx, child.RuntimeID, domain.ErrorResponse{
			Type:    domain.FailureInfra,
			Message: fmt.Sprintf("initiate child %s: %v", child.SetupID, err),
		})
		if derr != nil {
			return derr
		}
	}
	return nil
}

// failWaiting завершает ждущий узел внутренней ошибкой,
// если ожидание не удалось зарегистрировать.
func (e *Engine) failWaiting(ctx context.Context, n *domain.NodeExecution, cause error) error {
	running, err := e.updateNode(ctx, n, domain.WaitingStatuses(), domain.NodeStatusRunning, nil)
	if err != nil {
		return ignoreConflict(err)
	}
	return e.HandleStepResponse(ctx, running, internalError(cause))
}

// failFatal — ошибка конфигурации: узел ERRORED без политик, план завершается.
func (e *Engine) failFatal(ctx context.Context, n *domain.NodeExecution, from []domain.NodeStatus, cause error) error {
	now := e.now()
	failed, err := e.updateNode(ctx, n, from, domain.NodeStatusErrored, func(x *domain.NodeExecution) {
		x.FailureInfo = &domain.FailureInfo{Type: domain.FailureConfiguration, Message: cause.Error()}
		x.EndTs = &now
	})
	if err != nil {
		return ignoreConflict(err)
	}

	telemetry.WithNode(e.logger, n).Error("node configuration error",
		"setup_id", n.SetupID,
		"step_type", n.StepType,
		"error", cause,
	)
	e.release(ctx, failed)
	return e.endPlan(ctx, failed.PlanExecutionID, domain.NodeStatusErrored)
}

func (e *Engine) callback(kind domain.CallbackKind, n *domain.NodeExecution) domain.Callback {
	return domain.Callback{Kind: kind, PlanExecutionID: n.PlanExecutionID, RuntimeID: n.RuntimeID}
}

// taskRequests строит задачи делегатов с заранее выделенными id.
func taskRequests(n *domain.NodeExecution, node *domain.PlanNode, specs []steps.TaskSpec) []waitnotify.TaskRequest {
	reqs := make([]waitnotify.TaskRequest, 0, len(specs))
	for _, s := range specs {
		reqs = append(reqs, waitnotify.TaskRequest{
			ID:           waitnotify.NewTaskID(),
			AccountID:    n.Ambiance.AccountID,
			Type:         s.Type,
			Parameters:   s.Parameters,
			Format:       s.Format,
			Selectors:    slices.Clone(node.TaskSelectors),
			Capabilities: slices.Clone(node.Capabilities),
			Timeout:      s.Timeout,
		})
	}
	return reqs
}

func requestIDs(reqs []waitnotify.TaskRequest) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}

// internalError — ошибка, возвращённая шагом: узел ERRORED, политики применяются.
func internalError(err error) *steps.Result {
	failureType := domain.FailureInfra
	if errors.Is(err, steps.ErrInvalidConfig) {
		failureType = domain.FailureConfiguration
	}
	return &steps.Result{
		Status:      domain.NodeStatusErrored,
		Outcomes:    make(map[string]any),
		FailureInfo: &domain.FailureInfo{Type: failureType, Message: err.Error()},
	}
}

func configError(err error) *steps.Result {
	return &steps.Result{
		Status:      domain.NodeStatusErrored,
		Outcomes:    make(map[string]any),
		FailureInfo: &domain.FailureInfo{Type: domain.FailureConfiguration, Message: err.Error()},
	}
}

func modeError(step steps.Step, mode domain.ExecutionMode) error {
	return fmt.Errorf("%w: %s in mode %s", steps.ErrModeNotSupported, step.Type(), mode)
}

// ignoreConflict гасит проигранную гонку.
func ignoreConflict(err error) error {
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	return err
}

func mergeOutcomes(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
