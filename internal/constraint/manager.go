package constraint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Pipeliner/internal/backoff"
	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

const reconcileBatch = 500

// Request — запрос на занятие ресурса.
type Request struct {
	ResourceUnit    string
	Capacity        int
	Permits         int
	HoldingScope    domain.HoldingScope
	ReleaseEntityID string
	PlanExecutionID string

	// ConsumerID — id экземпляра и callback id ждущего шага (пусто — сгенерировать).
	ConsumerID string
}

// UnitState — состояние ресурса для API и CLI.
type UnitState struct {
	ResourceUnit  string                       `json:"resource_unit"`
	ActivePermits int                          `json:"active_permits"`
	Active        []*domain.ConstraintInstance `json:"active"`
	Blocked       []*domain.ConstraintInstance `json:"blocked"`
}

// Config — конфигурация менеджера.
type Config struct {
	Store    Store
	Lookup   EntityLookup
	Notifier Notifier
	Logger   *slog.Logger

	// NotifyPolicy — повторы уведомления о продвижении.
	NotifyPolicy *domain.RetryPolicy

	Now func() time.Time
}

// Manager — менеджер ограничений ресурсов.
type Manager struct {
	store        Store
	lookup       EntityLookup
	notifier     Notifier
	logger       *slog.Logger
	notifyPolicy *domain.RetryPolicy
	now          func() time.Time
}

// New создаёт Manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NotifyPolicy == nil {
		cfg.NotifyPolicy = backoff.DefaultPolicy
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		store:        cfg.Store,
		lookup:       cfg.Lookup,
		notifier:     cfg.Notifier,
		logger:       cfg.Logger,
		notifyPolicy: cfg.NotifyPolicy,
		now:          cfg.Now,
	}
}

func (r *Request) validate() error {
	if r.ResourceUnit == "" || r.ReleaseEntityID == "" || r.Capacity <= 0 {
		return fmt.Errorf("%w: unit=%q release_entity=%q capacity=%d",
			ErrInvalidRequest, r.ResourceUnit, r.ReleaseEntityID, r.Capacity)
	}
	if r.Permits <= 0 {
		r.Permits = 1
	}
	if r.Permits > r.Capacity {
		return fmt.Errorf("%w: %d > %d", ErrPermitsExceedCapacity, r.Permits, r.Capacity)
	}
	// ресурс, привязанный к самому выполнению плана, держится до конца плана
	if r.HoldingScope == "" || r.ReleaseEntityID == r.PlanExecutionID {
		r.HoldingScope = domain.ScopePlan
	}
	if r.ConsumerID == "" {
		r.ConsumerID = uuid.NewString()
	}
	return nil
}

// Acquire ставит запрос в очередь ресурса.
//
// Повторный запрос той же сущности возвращает существующий экземпляр.
func (m *Manager) Acquire(ctx context.Context, req Request) (*domain.ConstraintInstance, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var result *domain.ConstraintInstance
	err := m.store.WithUnitLock(ctx, req.ResourceUnit, func(ctx context.Context) error {
		existing, err := m.store.FindInstance(ctx, req.ResourceUnit, req.ReleaseEntityID)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("find instance: %w", err)
		}

		instances, err := m.store.ListInstances(ctx, req.ResourceUnit)
		if err != nil {
			return fmt.Errorf("list instances: %w", err)
		}

		active, blockedAhead := 0, false
		for _, ci := range instances {
			switch ci.State {
			case domain.ConsumerActive:
				active += ci.Permits
			case domain.ConsumerBlocked:
				blockedAhead = true
			}
		}

		maxOrder, err := m.store.MaxOrder(ctx, req.ResourceUnit)
		if err != nil {
			return fmt.Errorf("max order: %w", err)
		}

		now := m.now()
		ci := &domain.ConstraintInstance{
			ID:              req.ConsumerID,
			ResourceUnit:    req.ResourceUnit,
			Capacity:        req.Capacity,
			Permits:         req.Permits,
			HoldingScope:    req.HoldingScope,
			ReleaseEntityID: req.ReleaseEntityID,
			PlanExecutionID: req.PlanExecutionID,
			Order:           maxOrder + 1,
			State:           domain.ConsumerBlocked,
			CreatedAt:       now,
		}
		if !blockedAhead && active+req.Permits <= req.Capacity {
			ci.State = domain.ConsumerActive
			ci.AcquiredAt = &now
			active += req.Permits
		}

		if err := m.store.CreateInstance(ctx, ci); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}

		telemetry.ConstraintActive.WithLabelValues(req.ResourceUnit).Set(float64(active))
		result = ci
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("resource requested",
		"resource_unit", result.ResourceUnit,
		"consumer_id", result.ID,
		"release_entity_id", result.ReleaseEntityID,
		"order", result.Order,
		"state", result.State,
	)
	return result, nil
}

// Release освобождает ресурс сущности и продвигает очередь.
func (m *Manager) Release(ctx context.Context, unit, releaseEntityID string) error {
	var promoted []*domain.ConstraintInstance

	err := m.store.WithUnitLock(ctx, unit, func(ctx context.Context) error {
		ci, err := m.store.FindInstance(ctx, unit, releaseEntityID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("find instance: %w", err)
		}

		err = m.store.UpdateInstanceState(ctx, ci.ID,
			[]domain.ConsumerState{domain.ConsumerActive, domain.ConsumerBlocked},
			domain.ConsumerFinished, m.now())
		if err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return nil
			}
			return fmt.Errorf("finish instance: %w", err)
		}

		m.logger.Info("resource released",
			"resource_unit", unit,
			"consumer_id", ci.ID,
			"previous_state", ci.State,
		)

		promoted, err = m.promoteLocked(ctx, unit)
		return err
	})
	if err != nil {
		return err
	}

	m.notifyPromoted(ctx, promoted)
	return nil
}

// promoteLocked переводит BLOCKED в ACTIVE строго по Order, пока хватает ёмкости.
func (m *Manager) promoteLocked(ctx context.Context, unit string) ([]*domain.ConstraintInstance, error) {
	instances, err := m.store.ListInstances(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	active := 0
	for _, ci := range instances {
		if ci.State == domain.ConsumerActive {
			active += ci.Permits
		}
	}

	var promoted []*domain.ConstraintInstance
	for _, ci := range instances {
		if ci.State != domain.ConsumerBlocked {
			continue
		}
		if active+ci.Permits > ci.Capacity {
			break
		}

		err := m.store.UpdateInstanceState(ctx, ci.ID,
			[]domain.ConsumerState{domain.ConsumerBlocked}, domain.ConsumerActive, m.now())
		if err != nil {
			return promoted, fmt.Errorf("promote %s: %w", ci.ID, err)
		}

		active += ci.Permits
		ci.State = domain.ConsumerActive
		promoted = append(promoted, ci)
	}

	telemetry.ConstraintActive.WithLabelValues(unit).Set(float64(active))
	return promoted, nil
}

// notifyPromoted будит шаги, чьи экземпляры стали ACTIVE.
func (m *Manager) notifyPromoted(ctx context.Context, promoted []*domain.ConstraintInstance) {
	if m.notifier == nil {
		return
	}

	for _, ci := range promoted {
		resp := domain.ConstraintResponse{
			ConsumerID:   ci.ID,
			ResourceUnit: ci.ResourceUnit,
			State:        domain.ConsumerActive,
		}
		err := backoff.Retry(ctx, m.notifyPolicy, func(ctx context.Context) error {
			return m.notifier.DoneWith(ctx, ci.ID, resp)
		})
		if err != nil {
			m.logger.Error("failed to notify promoted consumer",
				"resource_unit", ci.ResourceUnit,
				"consumer_id", ci.ID,
				"error", err,
			)
			continue
		}
		m.logger.Info("resource granted", "resource_unit", ci.ResourceUnit, "consumer_id", ci.ID, "order", ci.Order)
	}
}

// ReleaseEntity освобождает все ресурсы, удерживаемые сущностью.
func (m *Manager) ReleaseEntity(ctx context.Context, releaseEntityID string) error {
	instances, err := m.store.ListInstancesByReleaseEntity(ctx, releaseEntityID)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	var errs []error
	for _, ci := range instances {
		if err := m.Release(ctx, ci.ResourceUnit, releaseEntityID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reconcile завершает ACTIVE экземпляры, чья удерживающая сущность уже финальна.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	instances, err := m.store.ListActiveInstances(ctx, reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("list active instances: %w", err)
	}

	released := 0
	for _, ci := range instances {
		terminal, err := m.ownerTerminal(ctx, ci)
		if err != nil {
			m.logger.Warn("failed to check owner", "consumer_id", ci.ID, "error", err)
			continue
		}
		if !terminal {
			continue
		}

		m.logger.Warn("releasing resource held by finished entity",
			"resource_unit", ci.ResourceUnit,
			"consumer_id", ci.ID,
			"release_entity_id", ci.ReleaseEntityID,
		)
		if err := m.Release(ctx, ci.ResourceUnit, ci.ReleaseEntityID); err != nil {
			m.logger.Error("reconcile release failed", "consumer_id", ci.ID, "error", err)
			continue
		}
		telemetry.ConstraintReconciled.Inc()
		released++
	}
	return released, nil
}

// ownerTerminal проверяет, завершена ли сущность. Отсутствующая сущность считается завершённой.
func (m *Manager) ownerTerminal(ctx context.Context, ci *domain.ConstraintInstance) (bool, error) {
	if m.lookup == nil {
		return false, nil
	}

	var (
		status domain.NodeStatus
		err    error
	)
	if ci.HoldingScope == domain.ScopePlan || ci.ReleaseEntityID == ci.PlanExecutionID {
		var pe *domain.PlanExecution
		pe, err = m.lookup.GetPlanExecution(ctx, ci.ReleaseEntityID)
		if pe != nil {
			status = pe.Status
		}
	} else {
		var n *domain.NodeExecution
		n, err = m.lookup.GetNodeExecution(ctx, ci.ReleaseEntityID)
		if n != nil {
			status = n.Status
		}
	}

	if errors.Is(err, repo.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return status.IsTerminal(), nil
}

// State возвращает текущее состояние ресурса.
func (m *Manager) State(ctx context.Context, unit string) (*UnitState, error) {
	instances, err := m.store.ListInstances(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	state := &UnitState{
		ResourceUnit: unit,
		Active:       []*domain.ConstraintInstance{},
		Blocked:      []*domain.ConstraintInstance{},
	}
	for _, ci := range instances {
		switch ci.State {
		case domain.ConsumerActive:
			state.Active = append(state.Active, ci)
			state.ActivePermits += ci.Permits
		case domain.ConsumerBlocked:
			state.Blocked = append(state.Blocked, ci)
		}
	}
	return state, nil
}
