package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/steps"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// maxControlAttempts — сколько раз управляющее действие перечитывает узел после проигранной гонки.
const maxControlAttempts = 3

// AbortNode отменяет узел. Ждущий узел с дочерними ветками отменяет их
// сверху вниз и завершается, когда ветки сообщат об отмене.
func (e *Engine) AbortNode(ctx context.Context, runtimeID string) error {
	return e.terminate(ctx, runtimeID, domain.ErrorResponse{Type: domain.FailureAborted, Message: "aborted"})
}

// ExpireNode завершает узел по таймауту (статус EXPIRED, политики применяются).
func (e *Engine) ExpireNode(ctx context.Context, runtimeID string) error {
	return e.terminate(ctx, runtimeID, domain.ErrorResponse{Type: domain.FailureExpired, Message: "node deadline exceeded"})
}

func (e *Engine) terminate(ctx context.Context, runtimeID string, reason domain.ErrorResponse) error {
	for attempt := 0; ; attempt++ {
		n, err := e.store.GetNodeExecution(ctx, runtimeID)
		if err != nil {
			return err
		}
		if n.IsFinished() {
			return nil
		}
		if attempt == maxControlAttempts {
			return fmt.Errorf("%w: node %s keeps changing status", ErrInvalidTransition, runtimeID)
		}

		if n.Status.IsWaiting() {
			return e.cancelWaiting(ctx, n, reason)
		}

		// проигранная гонка: перечитываем узел на следующей итерации
		if err := e.conclude(ctx, n, []domain.NodeStatus{n.Status}, steps.ErrorResult(reason)); err != nil {
			return err
		}
	}
}

// cancelWaiting разрешает ожидание узла синтетическим ответом.
func (e *Engine) cancelWaiting(ctx context.Context, n *domain.NodeExecution, reason domain.ErrorResponse) error {
	er := n.ExecutableResponse
	if er == nil {
		return fmt.Errorf("%w: waiting node %s has no executable response", ErrInvalidTransition, n.RuntimeID)
	}

	if (er.Mode == domain.ModeChild || er.Mode == domain.ModeChildren) && !er.PendingDispatch {
		return e.terminateChildren(ctx, n, reason)
	}

	e.abortTasks(ctx, er)

	if er.Mode == domain.ModeAsync && !er.PendingDispatch {
		step, in, err := e.prepare(ctx, n)
		if err == nil {
			if ab, ok := step.(steps.Aborter); ok {
				if err := ab.Abort(ctx, in, er); err != nil {
					e.logger.Warn("step abort failed", "runtime_id", n.RuntimeID, "error", err)
				}
			}
		}
	}

	return e.resolveWaits(ctx, er, reason)
}

// abortTasks отменяет задачи делегатов узла.
func (e *Engine) abortTasks(ctx context.Context, er *domain.ExecutableResponse) {
	if e.tasks == nil {
		return
	}
	for _, taskID := range er.TaskIDs {
		if err := e.tasks.Abort(ctx, taskID); err != nil {
			e.logger.Warn("failed to abort task", "task_id", taskID, "error", err)
		}
	}
}

// resolveWaits разрешает записи корреляции узла синтетическим ответом.
func (e *Engine) resolveWaits(ctx context.Context, er *domain.ExecutableResponse, reason domain.ErrorResponse) error {
	ids := make([]string, 0, len(er.CallbackIDs)+len(er.TaskIDs))
	ids = append(ids, er.CallbackIDs...)
	ids = append(ids, er.TaskIDs...)
	for _, id := range ids {
		if err := e.correlator.DoneWith(ctx, id, reason); err != nil {
			return fmt.Errorf("resolve %s: %w", id, err)
		}
	}
	return nil
}

// terminateChildren отменяет незавершённые узлы дочерних веток.
func (e *Engine) terminateChildren(ctx context.Context, n *domain.NodeExecution, reason domain.ErrorResponse) error {
	nodes, err := e.store.ListNodeExecutions(ctx, n.PlanExecutionID)
	if err != nil {
		return err
	}
	for _, child := range nodes {
		if child.ParentRuntimeID != n.RuntimeID || child.IsFinished() {
			continue
		}
		if err := e.terminate(ctx, child.RuntimeID, reason); err != nil {
			return err
		}
	}
	return nil
}

// AbortPlan отменяет все незавершённые узлы и завершает план статусом ABORTED.
func (e *Engine) AbortPlan(ctx context.Context, peID string) error {
	pe, err := e.store.GetPlanExecution(ctx, peID)
	if err != nil {
		return err
	}
	if pe.IsFinished() {
		return nil
	}

	nodes, err := e.store.ListNodeExecutions(ctx, peID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.IsFinished() || n.ParentRuntimeID != "" {
			continue
		}
		if err := e.AbortNode(ctx, n.RuntimeID); err != nil {
			return err
		}
	}
	return e.endPlan(ctx, peID, domain.NodeStatusAborted)
}

// PausePlan удерживает план: новые узлы остаются PAUSED до ResumePlan.
func (e *Engine) PausePlan(ctx context.Context, peID string) error {
	_, err := e.store.UpdatePlanExecutionStatus(ctx, peID,
		[]domain.NodeStatus{domain.NodeStatusRunning}, domain.NodeStatusPaused, nil)
	if err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			return err
		}
		pe, gerr := e.store.GetPlanExecution(ctx, peID)
		if gerr != nil {
			return gerr
		}
		if pe.IsFinished() {
			return ErrPlanFinished
		}
		if !pe.IsHeld() {
			return fmt.Errorf("%w: plan execution %s is %s", ErrInvalidTransition, peID, pe.Status)
		}
	}

	nodes, err := e.store.ListNodeExecutions(ctx, peID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Status != domain.NodeStatusQueued {
			continue
		}
		if _, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusQueued}, domain.NodeStatusPaused, nil); ignoreConflict(err) != nil {
			return err
		}
	}

	telemetry.WithPlanExecutionID(e.logger, peID).Info("plan execution paused")
	return nil
}

// PauseNode удерживает ещё не запущенный узел.
func (e *Engine) PauseNode(ctx context.Context, runtimeID string) error {
	n, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return err
	}
	if n.Status == domain.NodeStatusPaused {
		return nil
	}
	_, err = e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusQueued}, domain.NodeStatusPaused, nil)
	if errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("%w: node %s is %s", ErrInvalidTransition, runtimeID, n.Status)
	}
	return err
}

// ResumePlan снимает паузу и запускает удержанные узлы.
func (e *Engine) ResumePlan(ctx context.Context, peID string) error {
	_, err := e.store.UpdatePlanExecutionStatus(ctx, peID,
		[]domain.NodeStatus{domain.NodeStatusPaused}, domain.NodeStatusRunning, nil)
	if err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			return err
		}
		pe, gerr := e.store.GetPlanExecution(ctx, peID)
		if gerr != nil {
			return gerr
		}
		if pe.IsFinished() {
			return ErrPlanFinished
		}
	}

	telemetry.WithPlanExecutionID(e.logger, peID).Info("plan execution resumed")

	nodes, err := e.store.ListNodeExecutions(ctx, peID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Status != domain.NodeStatusPaused {
			continue
		}
		if err := e.UnpauseNode(ctx, n.RuntimeID); err != nil {
			return err
		}
	}
	return nil
}

// UnpauseNode возвращает удержанный узел в очередь и запускает его.
func (e *Engine) UnpauseNode(ctx context.Context, runtimeID string) error {
	n, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return err
	}
	queued, err := e.updateNode(ctx, n, []domain.NodeStatus{domain.NodeStatusPaused}, domain.NodeStatusQueued, nil)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("%w: node %s is %s", ErrInvalidTransition, runtimeID, n.Status)
		}
		return err
	}
	return e.proceed(ctx, queued)
}

// RetryNode перезапускает неудачный узел.
//
// Если родитель узла уже завершён, перезапускается ближайший
// завершённый предок: ветку некому ждать. Завершённый план
// снова переходит в RUNNING.
func (e *Engine) RetryNode(ctx context.Context, runtimeID string) error {
	n, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return err
	}
	if !n.IsFinished() || n.OldRetry || n.Status.IsPositive() {
		return fmt.Errorf("%w: node %s is %s", ErrRetryNotAllowed, runtimeID, n.Status)
	}

	target := n
	for target.ParentRuntimeID != "" {
		parent, err := e.store.GetNodeExecution(ctx, target.ParentRuntimeID)
		if err != nil {
			return err
		}
		if !parent.IsFinished() {
			break
		}
		target = parent
	}
	if target.OldRetry {
		return fmt.Errorf("%w: ancestor %s already retried", ErrRetryNotAllowed, target.RuntimeID)
	}

	pe, err := e.store.GetPlanExecution(ctx, n.PlanExecutionID)
	if err != nil {
		return err
	}
	if pe.IsFinished() {
		_, err := e.store.UpdatePlanExecutionStatus(ctx, pe.ID, []domain.NodeStatus{pe.Status}, domain.NodeStatusRunning, func(p *domain.PlanExecution) {
			p.EndTs = nil
		})
		if err := ignoreConflict(err); err != nil {
			return err
		}
		telemetry.WithPlanExecutionID(e.logger, pe.ID).Info("plan execution reopened for retry", "runtime_id", target.RuntimeID)
	}

	return e.retry(ctx, target, 0)
}

// MarkNodeStatus принудительно завершает незавершённый узел статусом
// SUCCEEDED или FAILED. Дальше узел идёт обычным маршрутом.
func (e *Engine) MarkNodeStatus(ctx context.Context, runtimeID string, status domain.NodeStatus) error {
	if status != domain.NodeStatusSucceeded && status != domain.NodeStatusFailed {
		return fmt.Errorf("%w: cannot mark node %s", ErrInvalidTransition, status)
	}

	n, err := e.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return err
	}
	if n.IsFinished() {
		return fmt.Errorf("%w: node %s already %s", ErrInvalidTransition, runtimeID, n.Status)
	}

	res := steps.Succeeded(nil)
	if status == domain.NodeStatusFailed {
		res = steps.Failed(domain.FailureApplication, "marked failed")
	}

	er := n.ExecutableResponse
	if err := e.conclude(ctx, n, []domain.NodeStatus{n.Status}, res); err != nil {
		return err
	}

	// ожидание узла больше не нужно; запоздалый resume завершённого узла игнорируется
	if er == nil || !n.Status.IsWaiting() {
		return nil
	}
	reason := domain.ErrorResponse{Type: domain.FailureAborted, Message: "node marked " + string(status)}
	if (er.Mode == domain.ModeChild || er.Mode == domain.ModeChildren) && !er.PendingDispatch {
		return e.terminateChildren(ctx, n, reason)
	}
	e.abortTasks(ctx, er)
	return e.resolveWaits(ctx, er, reason)
}

// SweepStale завершает по таймауту узлы с истёкшим дедлайном
// и RUNNING узлы, которые давно не обновлялись.
func (e *Engine) SweepStale(ctx context.Context) (int, error) {
	now := e.now()
	nodes, err := e.store.ListStaleNodes(ctx, now, now.Add(-e.stuckThreshold), e.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale nodes: %w", err)
	}

	expired := 0
	for _, n := range nodes {
		if err := e.ExpireNode(ctx, n.RuntimeID); err != nil {
			e.logger.Error("failed to expire node", "runtime_id", n.RuntimeID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		e.logger.Info("stale nodes expired", "count", expired)
	}
	return expired, nil
}
