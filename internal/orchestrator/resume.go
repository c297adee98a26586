package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Pipeliner/internal/codec"
	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/steps"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// ResumeNode — единая точка возобновления узла.
//
// Вызывается коррелятором, когда ожидание разрешилось. Узел,
// который уже ушёл из статуса ожидания, молча пропускается.
// Ошибка оставляет ожидание для повторной доставки.
func (e *Engine) ResumeNode(ctx context.Context, cb domain.Callback, responses map[string]domain.ResponseData) (err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.ResumeNode", trace.WithAttributes(
		attribute.String("runtime_id", cb.RuntimeID),
		attribute.String("callback_kind", string(cb.Kind)),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	switch cb.Kind {
	case domain.CallbackNodeStart:
		return e.resumeStart(ctx, cb)
	case domain.CallbackNodeDispatch:
		return e.resumeDispatch(ctx, cb, responses)
	case domain.CallbackNodeResume:
		return e.resumeWaiting(ctx, cb, responses)
	default:
		return fmt.Errorf("unknown callback kind %q", cb.Kind)
	}
}

// getNode читает узел; отсутствующий узел — nil без ошибки.
func (e *Engine) getNode(ctx context.Context, runtimeID string) (*domain.NodeExecution, error) {
	n, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logger.Warn("node not found", "runtime_id", runtimeID)
			return nil, nil
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// resumeStart запускает отложенную попытку (повтор с задержкой).
func (e *Engine) resumeStart(ctx context.Context, cb domain.Callback) error {
	n, err := e.getNode(ctx, cb.RuntimeID)
	if err != nil || n == nil {
		return err
	}
	if n.Status != domain.NodeStatusQueued {
		return nil
	}
	return e.proceed(ctx, n)
}

// resumeDispatch выполняет решение фасилитатора после InitialWait.
func (e *Engine) resumeDispatch(ctx context.Context, cb domain.Callback, responses map[string]domain.ResponseData) error {
	n, err := e.getNode(ctx, cb.RuntimeID)
	if err != nil || n == nil {
		return err
	}
	if n.Status != domain.NodeStatusAsyncWaiting || n.ExecutableResponse == nil || !n.ExecutableResponse.PendingDispatch {
		return nil
	}

	running, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusAsyncWaiting}, domain.NodeStatusRunning, func(x *domain.NodeExecution) {
		x.ExecutableResponse = nil
	})
	if err != nil {
		return ignoreConflict(err)
	}

	// таймер истекает с TIMEOUT; abort и watchdog приходят другими типами
	for _, resp := range responses {
		if er, ok := resp.(domain.ErrorResponse); ok && er.Type != domain.FailureTimeout {
			return e.HandleStepResponse(ctx, running, steps.ErrorResult(er))
		}
	}

	step, in, err := e.prepare(ctx, running)
	if err != nil {
		return e.HandleStepResponse(ctx, running, internalError(err))
	}
	return e.dispatch(ctx, running, step, in)
}

// resumeWaiting передаёт ответы шагу ждущего узла.
func (e *Engine) resumeWaiting(ctx context.Context, cb domain.Callback, responses map[string]domain.ResponseData) error {
	n, err := e.getNode(ctx, cb.RuntimeID)
	if err != nil || n == nil {
		return err
	}
	if !n.Status.IsWaiting() {
		e.logger.Debug("resume of non-waiting node ignored",
			"runtime_id", n.RuntimeID,
			"status", n.Status,
		)
		return nil
	}

	// до смены статуса: ошибка чтения оставит ожидание для повтора
	responses, err = e.resolveBlobs(ctx, responses)
	if err != nil {
		return err
	}

	if concludesFromWait(n.Mode) {
		return e.finishWaiting(ctx, n, responses)
	}

	running, err := e.updateNode(ctx, n, domain.WaitingStatuses(), domain.NodeStatusRunning, nil)
	if err != nil {
		return ignoreConflict(err)
	}

	step, in, err := e.prepare(ctx, running)
	if err != nil {
		return e.HandleStepResponse(ctx, running, internalError(err))
	}

	res, err := e.handleResponses(ctx, running, step, in, responses)
	if err != nil {
		res = internalError(err)
	}
	if res == nil {
		return nil
	}
	return e.HandleStepResponse(ctx, running, res)
}

// concludesFromWait: обработчики TASK и ASYNC только разбирают ответы,
// поэтому узел завершается прямо из статуса ожидания
// (TASK_WAITING → SUCCEEDED). Цепочкам и дочерним узлам нужен RUNNING:
// они могут снова уйти в ожидание.
func concludesFromWait(mode domain.ExecutionMode) bool {
	return mode == domain.ModeTask || mode == domain.ModeAsync
}

// finishWaiting вызывает обработчик шага и завершает узел CAS из
// наблюдённого статуса ожидания. Проигравший гонку (abort, watchdog,
// повторная доставка) отбрасывается.
func (e *Engine) finishWaiting(ctx context.Context, n *domain.NodeExecution, responses map[string]domain.ResponseData) error {
	from := []domain.NodeStatus{n.Status}

	step, in, err := e.prepare(ctx, n)
	if err != nil {
		return e.conclude(ctx, n, from, internalError(err))
	}

	res, err := e.handleResponses(ctx, n, step, in, responses)
	if err != nil {
		res = internalError(err)
	}
	if res == nil {
		return nil
	}
	return e.conclude(ctx, n, from, res)
}

// prepare восстанавливает шаг и его вход для запущенного узла.
func (e *Engine) prepare(ctx context.Context, n *domain.NodeExecution) (steps.Step, *steps.Input, error) {
	node, _, err := e.planNode(ctx, n.Ambiance.PlanID, n.SetupID)
	if err != nil {
		return nil, nil, err
	}
	step, err := e.steps.Get(n.StepType)
	if err != nil {
		return nil, nil, err
	}
	tc, err := e.templateContext(ctx, n.PlanExecutionID)
	if err != nil {
		return nil, nil, err
	}
	return step, &steps.Input{
		Ambiance:   n.Ambiance,
		Node:       node,
		RuntimeID:  n.RuntimeID,
		Parameters: n.ResolvedParameters,
		Template:   tc,
	}, nil
}

// handleResponses вызывает обработчик режима. nil без ошибки — узел снова ждёт.
func (e *Engine) handleResponses(ctx context.Context, n *domain.NodeExecution, step steps.Step, in *steps.Input, responses map[string]domain.ResponseData) (*steps.Result, error) {
	switch n.Mode {
	case domain.ModeAsync:
		a, ok := step.(steps.AsyncStep)
		if !ok {
			return nil, modeError(step, n.Mode)
		}
		return a.HandleAsyncResponse(ctx, in, responses)

	case domain.ModeTask:
		t, ok := step.(steps.TaskStep)
		if !ok {
			return nil, modeError(step, n.Mode)
		}
		return t.HandleTaskResults(ctx, in, responses)

	case domain.ModeAsyncChain:
		c, ok := step.(steps.ChainStep)
		if !ok {
			return nil, modeError(step, n.Mode)
		}
		er := n.ExecutableResponse
		if er == nil || er.ChainEnd {
			return c.FinalizeChain(ctx, in, responses)
		}
		next := er.ChainIndex + 1
		link, err := c.StartLink(ctx, in, next, responses)
		if err != nil {
			return nil, err
		}
		return e.startLink(ctx, n, c, in, next, link)

	case domain.ModeChild, domain.ModeChildren:
		c, ok := step.(steps.ChildrenStep)
		if !ok {
			return nil, modeError(step, n.Mode)
		}
		return e.join(ctx, n, c, responses)

	default:
		return nil, modeError(step, n.Mode)
	}
}

// join вычисляет статус родителя по ответам веток:
// FAILED, если хотя бы одна обязательная ветка неудачна,
// иначе ABORTED, если какая-то обязательная ветка отменена, иначе SUCCEEDED.
func (e *Engine) join(ctx context.Context, n *domain.NodeExecution, c steps.ChildrenStep, responses map[string]domain.ResponseData) (*steps.Result, error) {
	er := n.ExecutableResponse
	if er == nil {
		return nil, fmt.Errorf("node %s has no children recorded", n.RuntimeID)
	}
	g, err := e.graph(ctx, n.Ambiance.PlanID)
	if err != nil {
		return nil, err
	}

	notifies := make([]domain.StepNotify, 0, len(er.Children))
	var (
		failed  bool
		aborted bool
		failure *domain.FailureInfo
	)

	for _, child := range er.Children {
		notify := domain.StepNotify{RuntimeID: child.RuntimeID, SetupID: child.SetupID}
		if head, ok := g.Node(child.SetupID); ok {
			notify.Identifier = head.Identifier
		}

		switch r := responses[child.RuntimeID].(type) {
		case domain.StepNotify:
			notify.Status = r.Status
			notify.FailureInfo = r.FailureInfo
			notify.Outcomes = r.Outcomes
		case domain.ErrorResponse:
			res := steps.ErrorResult(r)
			notify.Status = res.Status
			notify.FailureInfo = res.FailureInfo
		default:
			notify.Status = domain.NodeStatusFailed
			notify.FailureInfo = &domain.FailureInfo{Type: domain.FailureInfra, Message: "no response from child branch"}
		}
		notifies = append(notifies, notify)

		if child.Optional {
			continue
		}
		switch {
		case notify.Status.IsFailure() || notify.Status == domain.NodeStatusSuspended:
			failed = true
			if failure == nil {
				failure = notify.FailureInfo
			}
		case notify.Status == domain.NodeStatusAborted:
			aborted = true
		}
	}

	outcomes := c.AggregateOutcomes(notifies)
	switch {
	case failed:
		if failure == nil {
			failure = &domain.FailureInfo{Type: domain.FailureApplication, Message: "child branch failed"}
		}
		return &steps.Result{Status: domain.NodeStatusFailed, Outcomes: outcomes, FailureInfo: failure}, nil
	case aborted:
		return &steps.Result{
			Status:      domain.NodeStatusAborted,
			Outcomes:    outcomes,
			FailureInfo: &domain.FailureInfo{Type: domain.FailureAborted, Message: "child branch aborted"},
		}, nil
	default:
		return steps.Succeeded(outcomes), nil
	}
}

// resolveBlobs подставляет вынесенные результаты задач в TaskResponse.Data.
func (e *Engine) resolveBlobs(ctx context.Context, responses map[string]domain.ResponseData) (map[string]domain.ResponseData, error) {
	if e.blobs == nil {
		return responses, nil
	}

	out := make(map[string]domain.ResponseData, len(responses))
	for id, resp := range responses {
		tr, ok := resp.(domain.TaskResponse)
		if ok && tr.ResultRef != "" && tr.Data == nil {
			data, err := e.blobs.Get(ctx, tr.ResultRef)
			if err != nil {
				return nil, fmt.Errorf("load task result %s: %w", tr.ResultRef, err)
			}
			m, err := codec.DecodeMap(codec.FormatJSON, data)
			if err != nil {
				return nil, fmt.Errorf("decode task result %s: %w", tr.ResultRef, err)
			}
			tr.Data = m
			resp = tr
		}
		out[id] = resp
	}
	return out, nil
}

// HandleProgress записывает промежуточное состояние ждущей работы в outcomes узла.
func (e *Engine) HandleProgress(ctx context.Context, runtimeID string, progress domain.ProgressData) error {
	n, err := e.getNode(ctx, runtimeID)
	if err != nil || n == nil {
		return err
	}
	if n.IsFinished() {
		return nil
	}

	_, err = e.store.UpdateNodeStatus(ctx, runtimeID, []domain.NodeStatus{n.Status}, n.Status, func(x *domain.NodeExecution) {
		x.Outcomes = mergeOutcomes(x.Outcomes, map[string]any{
			outcomeProgress: map[string]any{
				"message":     progress.Message,
				"delegate_id": progress.DelegateID,
				"task_status": string(progress.TaskStatus),
			},
		})
	})
	return ignoreConflict(err)
}
