package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Pipeliner/internal/codec"
	"github.com/shaiso/Pipeliner/internal/domain"
)

// syncPerpetual приводит набор запущенных постоянных задач
// к списку, назначенному делегату на сервере.
func (a *Agent) syncPerpetual(ctx context.Context) {
	tasks, err := a.server.PerpetualTasks(ctx, a.hb.DelegateID)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("failed to list perpetual tasks", "error", err)
		}
		return
	}

	assigned := make(map[string]*domain.PerpetualTask, len(tasks))
	for _, pt := range tasks {
		if pt.State == domain.PerpetualAssigned && pt.DelegateID == a.hb.DelegateID {
			assigned[pt.ID] = pt
		}
	}

	a.perpetualMu.Lock()
	defer a.perpetualMu.Unlock()

	for id, cancel := range a.perpetual {
		if _, ok := assigned[id]; !ok {
			a.logger.Info("perpetual task unassigned", "perpetual_task_id", id)
			cancel()
			delete(a.perpetual, id)
		}
	}

	for id, pt := range assigned {
		if _, ok := a.perpetual[id]; ok {
			continue
		}
		ptCtx, cancel := context.WithCancel(ctx)
		a.perpetual[id] = cancel
		a.perpetualWG.Add(1)
		go func() {
			defer a.perpetualWG.Done()
			a.runPerpetual(ptCtx, pt)
		}()
	}
}

// runPerpetual выполняет постоянную задачу каждые Interval()
// и подтверждает выполнение heartbeat'ом.
func (a *Agent) runPerpetual(ctx context.Context, pt *domain.PerpetualTask) {
	logger := a.logger.With(slog.String("perpetual_task_id", pt.ID), slog.String("type", pt.Type))
	logger.Info("perpetual task started", "interval", pt.Interval())

	ticker := time.NewTicker(pt.Interval())
	defer ticker.Stop()

	for {
		if !a.runPerpetualOnce(ctx, pt, logger) {
			a.forgetPerpetual(pt.ID)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runPerpetualOnce — одна итерация. false — задачу забрали у делегата.
func (a *Agent) runPerpetualOnce(ctx context.Context, pt *domain.PerpetualTask, logger *slog.Logger) bool {
	executor, err := a.registry.Get(pt.Type)
	if err != nil {
		logger.Error("perpetual task has unknown type", "error", err)
		return true
	}

	params, err := codec.DecodeMap(pt.Format, pt.Parameters)
	if err != nil {
		logger.Error("perpetual task has invalid parameters", "error", err)
		return true
	}

	res, err := executor.Execute(ctx, params)
	if ctx.Err() != nil {
		return true
	}
	switch {
	case err != nil:
		logger.Warn("perpetual task iteration failed", "error", err)
	case res != nil && res.Error != "":
		logger.Warn("perpetual task iteration failed", "error", res.Error)
	default:
		logger.Debug("perpetual task iteration done")
	}

	if err := a.server.PerpetualHeartbeat(ctx, a.hb.DelegateID, pt.ID); err != nil {
		if IsExpected(err) {
			logger.Info("perpetual task reassigned", "reason", err)
			return false
		}
		logger.Warn("perpetual heartbeat failed", "error", err)
	}
	return true
}

func (a *Agent) forgetPerpetual(id string) {
	a.perpetualMu.Lock()
	defer a.perpetualMu.Unlock()
	if cancel, ok := a.perpetual[id]; ok {
		cancel()
		delete(a.perpetual, id)
	}
}

// stopPerpetual останавливает все постоянные задачи и ждёт их завершения.
func (a *Agent) stopPerpetual() {
	a.perpetualMu.Lock()
	for id, cancel := range a.perpetual {
		cancel()
		delete(a.perpetual, id)
	}
	a.perpetualMu.Unlock()
	a.perpetualWG.Wait()
}

// RunningPerpetual возвращает число запущенных постоянных задач.
func (a *Agent) RunningPerpetual() int {
	a.perpetualMu.Lock()
	defer a.perpetualMu.Unlock()
	return len(a.perpetual)
}
