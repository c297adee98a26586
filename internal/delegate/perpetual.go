package delegate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// lapseFactor — сколько интервалов без heartbeat допускается до переназначения.
const lapseFactor = 3

// CreatePerpetualTask сохраняет постоянную задачу и сразу пытается её назначить.
func (s *Service) CreatePerpetualTask(ctx context.Context, pt *domain.PerpetualTask) (*domain.PerpetualTask, error) {
	if pt.ID == "" {
		pt.ID = uuid.NewString()
	}
	pt.State = domain.PerpetualUnassigned
	pt.DelegateID = ""
	pt.CreatedAt = s.now()

	if err := s.store.CreatePerpetualTask(ctx, pt); err != nil {
		return nil, fmt.Errorf("create perpetual task: %w", err)
	}

	if _, err := s.assign(ctx, pt, s.now()); err != nil {
		s.logger.Warn("perpetual task left unassigned", "perpetual_task_id", pt.ID, "error", err)
	}

	return s.store.GetPerpetualTask(ctx, pt.ID)
}

// DeletePerpetualTask удаляет постоянную задачу.
func (s *Service) DeletePerpetualTask(ctx context.Context, id string) error {
	err := s.store.DeletePerpetualTask(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrPerpetualNotFound
	}
	return err
}

// PerpetualTaskList возвращает постоянные задачи, назначенные делегату.
func (s *Service) PerpetualTaskList(ctx context.Context, delegateID string) ([]*domain.PerpetualTask, error) {
	tasks, err := s.store.ListPerpetualTasks(ctx, delegateID)
	if err != nil {
		return nil, err
	}

	out := tasks[:0]
	for _, pt := range tasks {
		if pt.State == domain.PerpetualAssigned {
			out = append(out, pt)
		}
	}
	return out, nil
}

// PerpetualTaskHeartbeat подтверждает очередное выполнение постоянной задачи.
func (s *Service) PerpetualTaskHeartbeat(ctx context.Context, delegateID, id string) error {
	pt, err := s.store.GetPerpetualTask(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrPerpetualNotFound
		}
		return err
	}
	if pt.DelegateID != delegateID {
		return ErrNotOwner
	}

	now := s.now()
	pt.LastHeartbeat = &now
	if err := s.store.UpdatePerpetualTask(ctx, pt, delegateID); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ErrNotOwner
		}
		return fmt.Errorf("update perpetual task: %w", err)
	}
	return nil
}

// ReassignPerpetualTasks назначает свободные задачи и переназначает задачи
// делегатов, которые перестали присылать heartbeat.
func (s *Service) ReassignPerpetualTasks(ctx context.Context, now time.Time) (int, error) {
	tasks, err := s.store.ListPerpetualTasks(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list perpetual tasks: %w", err)
	}

	reassigned := 0
	for _, pt := range tasks {
		if pt.State == domain.PerpetualPaused {
			continue
		}
		if pt.State == domain.PerpetualAssigned && !s.lapsed(ctx, pt, now) {
			continue
		}

		ok, err := s.assign(ctx, pt, now)
		if err != nil {
			s.logger.Warn("perpetual task reassignment failed", "perpetual_task_id", pt.ID, "error", err)
			continue
		}
		if ok {
			reassigned++
		}
	}
	return reassigned, nil
}

// lapsed проверяет, потерян ли исполнитель задачи.
func (s *Service) lapsed(ctx context.Context, pt *domain.PerpetualTask, now time.Time) bool {
	d, err := s.store.GetDelegate(ctx, pt.DelegateID)
	if err != nil || !d.IsAlive(now, s.heartbeatTimeout) {
		return true
	}

	last := pt.AssignedAt
	if pt.LastHeartbeat != nil {
		last = pt.LastHeartbeat
	}
	return last != nil && now.Sub(*last) > lapseFactor*pt.Interval()
}

// assign выбирает наименее загруженного живого делегата, отличного от текущего.
func (s *Service) assign(ctx context.Context, pt *domain.PerpetualTask, now time.Time) (bool, error) {
	delegates, err := s.store.ListDelegates(ctx, pt.AccountID)
	if err != nil {
		return false, fmt.Errorf("list delegates: %w", err)
	}

	all, err := s.store.ListPerpetualTasks(ctx, "")
	if err != nil {
		return false, fmt.Errorf("list perpetual tasks: %w", err)
	}
	load := make(map[string]int)
	for _, other := range all {
		if other.State == domain.PerpetualAssigned {
			load[other.DelegateID]++
		}
	}

	var best *domain.Delegate
	for _, d := range delegates {
		if d.ID == pt.DelegateID {
			continue
		}
		if !d.IsAlive(now, s.heartbeatTimeout) || !d.Matches(pt.AccountID, pt.Selectors, nil) {
			continue
		}
		if best == nil || load[d.ID] < load[best.ID] {
			best = d
		}
	}

	previous := pt.DelegateID
	if best == nil {
		if previous == "" {
			return false, nil
		}
		pt.Unassign()
	} else {
		pt.Assign(best.ID, now)
	}

	if err := s.store.UpdatePerpetualTask(ctx, pt, previous); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return false, nil
		}
		return false, err
	}

	logger := s.logger.With("perpetual_task_id", pt.ID, "previous_delegate_id", previous)
	if best == nil {
		logger.Warn("perpetual task unassigned, no eligible delegates")
		return false, nil
	}
	telemetry.WithDelegateID(logger, best.ID).Info("perpetual task assigned")
	return true, nil
}
