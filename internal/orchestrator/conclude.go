package orchestrator

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/mq"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/steps"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// HandleStepResponse завершает RUNNING узел исходом шага.
func (e *Engine) HandleStepResponse(ctx context.Context, n *domain.NodeExecution, res *steps.Result) error {
	return e.conclude(ctx, n, []domain.NodeStatus{domain.NodeStatusRunning}, res)
}

// conclude переводит узел в финальный статус, применяет политики
// и выбирает продолжение: повтор, следующий узел, конец ветки или плана.
func (e *Engine) conclude(ctx context.Context, n *domain.NodeExecution, from []domain.NodeStatus, res *steps.Result) (err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.HandleStepResponse", trace.WithAttributes(
		attribute.String("runtime_id", n.RuntimeID),
		attribute.String("status", string(res.Status)),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	node, _, err := e.planNode(ctx, n.Ambiance.PlanID, n.SetupID)
	if err != nil {
		e.logger.Warn("plan node unavailable, advisers skipped", "runtime_id", n.RuntimeID, "error", err)
		node = nil
	}

	advice := e.advise(ctx, n, node, res.Status)

	status := res.Status
	failure := res.FailureInfo
	ignored := false
	switch advice.Kind {
	case AdviceMarkSuccess:
		status = domain.NodeStatusSucceeded
		failure = nil
	case AdviceIgnoreFailure:
		ignored = true
	}

	now := e.now()
	done, err := e.updateNode(ctx, n, from, status, func(x *domain.NodeExecution) {
		x.Outcomes = mergeOutcomes(x.Outcomes, res.Outcomes)
		delete(x.Outcomes, outcomeProgress)
		x.FailureInfo = failure
		x.FailureIgnored = ignored
		x.EndTs = &now
	})
	if err != nil {
		return ignoreConflict(err)
	}

	telemetry.WithNode(e.logger, done).Info("node finished",
		"status", done.Status,
		"advice", advice.Kind,
		"duration", done.Duration(),
	)

	e.release(ctx, done)

	switch advice.Kind {
	case AdviceRetry:
		return e.retry(ctx, done, advice.Wait)
	case AdviceEndPlan:
		return e.endPlan(ctx, done.PlanExecutionID, domain.PlanFinalStatus(done.EffectiveStatus()))
	case AdviceNext:
		return e.next(ctx, done, advice.NextNodeID)
	}

	if done.Status == domain.NodeStatusAborted {
		return e.endNode(ctx, done)
	}
	if nextID := route(node, done.EffectiveStatus()); nextID != "" {
		return e.next(ctx, done, nextID)
	}
	return e.endNode(ctx, done)
}

// next инициирует следующий узел цепочки с теми же родителем и NotifyID.
func (e *Engine) next(ctx context.Context, done *domain.NodeExecution, setupID string) error {
	return e.InitiateNode(ctx, done.Ambiance.Parent(), setupID, uuid.New().String(), InitiateOptions{
		ParentRuntimeID:   done.ParentRuntimeID,
		PreviousRuntimeID: done.RuntimeID,
		NotifyID:          done.NotifyID,
	})
}

// endNode завершает ветку: уведомляет родителя или завершает план.
func (e *Engine) endNode(ctx context.Context, done *domain.NodeExecution) error {
	if done.NotifyID != "" {
		return e.correlator.DoneWith(ctx, done.NotifyID, domain.StepNotify{
			RuntimeID:   done.RuntimeID,
			SetupID:     done.SetupID,
			Identifier:  done.Identifier,
			Status:      done.EffectiveStatus(),
			FailureInfo: done.FailureInfo,
			Outcomes:    done.Outcomes,
		})
	}
	return e.endPlan(ctx, done.PlanExecutionID, domain.PlanFinalStatus(done.EffectiveStatus()))
}

// retry заменяет завершившуюся попытку новой.
func (e *Engine) retry(ctx context.Context, old *domain.NodeExecution, wait time.Duration) error {
	_, err := e.store.UpdateNodeStatus(ctx, old.RuntimeID, []domain.NodeStatus{old.Status}, old.Status, func(x *domain.NodeExecution) {
		x.OldRetry = true
	})
	if err != nil {
		return ignoreConflict(err)
	}

	opts := InitiateOptions{
		ParentRuntimeID:   old.ParentRuntimeID,
		PreviousRuntimeID: old.PreviousRuntimeID,
		NotifyID:          old.NotifyID,
		RetryIndex:        old.RetryIndex + 1,
		RetryIDs:          append(slices.Clone(old.RetryIDs), old.RuntimeID),
	}
	runtimeID := uuid.New().String()
	amb := old.Ambiance.Parent()

	telemetry.WithNode(e.logger, old).Info("node retry",
		"retry_index", opts.RetryIndex,
		"new_runtime_id", runtimeID,
		"wait", wait,
	)

	if wait <= 0 {
		return e.InitiateNode(ctx, amb, old.SetupID, runtimeID, opts)
	}

	n, err := e.createNode(ctx, amb, old.SetupID, runtimeID, opts)
	if err != nil {
		return err
	}
	_, err = e.correlator.Schedule(ctx, e.callback(domain.CallbackNodeStart, n), wait)
	return err
}

// endPlan переводит выполнение плана в финальный статус и закрывает всё, что к нему привязано.
func (e *Engine) endPlan(ctx context.Context, peID string, status domain.NodeStatus) error {
	now := e.now()
	pe, err := e.store.UpdatePlanExecutionStatus(ctx, peID,
		[]domain.NodeStatus{domain.NodeStatusRunning, domain.NodeStatusPaused}, status,
		func(p *domain.PlanExecution) { p.EndTs = &now })
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			telemetry.CASConflicts.WithLabelValues("plan").Inc()
			return nil
		}
		return err
	}

	logger := telemetry.WithPlanExecutionID(e.logger, peID)
	logger.Info("plan execution finished", "status", status, "duration", pe.Duration())
	telemetry.PlanExecutionsFinished.WithLabelValues(string(status)).Inc()

	if e.publisher != nil {
		err := e.publisher.PublishOrchestrationEnd(ctx, mq.OrchestrationEndPayload{
			PlanExecutionID: pe.ID,
			PlanID:          pe.PlanID,
			Status:          pe.Status,
		})
		if err != nil {
			logger.Warn("failed to publish orchestration end", "error", err)
		}
	}

	if err := e.abortOpenNodes(ctx, peID); err != nil {
		logger.Error("failed to abort open nodes", "error", err)
	}

	if e.constraints != nil {
		if err := e.constraints.ReleaseEntity(ctx, peID); err != nil {
			logger.Warn("failed to release plan constraints", "error", err)
		}
	}

	if c := e.interruptCloser(); c != nil {
		if err := c.CloseAll(ctx, peID); err != nil {
			logger.Warn("failed to close interrupts", "error", err)
		}
	}
	return nil
}

// abortOpenNodes отменяет узлы, оставшиеся незавершёнными после конца плана.
func (e *Engine) abortOpenNodes(ctx context.Context, peID string) error {
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
	return nil
}

// release освобождает ресурсы, удерживаемые узлом.
func (e *Engine) release(ctx context.Context, n *domain.NodeExecution) {
	if e.constraints == nil {
		return
	}
	if err := e.constraints.ReleaseEntity(ctx, n.RuntimeID); err != nil {
		e.logger.Warn("failed to release node constraints", "runtime_id", n.RuntimeID, "error", err)
	}
}
