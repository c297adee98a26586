package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
)

// WithUnitLock выполняет fn под эксклюзивной блокировкой ресурса.
// Внутри fn используется само хранилище.
func (s *Store) WithUnitLock(ctx context.Context, unit string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	l, ok := s.unitLocks[unit]
	if !ok {
		l = &sync.Mutex{}
		s.unitLocks[unit] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// ListInstances возвращает незавершённые экземпляры ресурса по возрастанию Order.
func (s *Store) ListInstances(_ context.Context, unit string) ([]*domain.ConstraintInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ConstraintInstance
	for _, ci := range s.constraints {
		if ci.ResourceUnit == unit && ci.State != domain.ConsumerFinished {
			out = append(out, cloneConstraint(ci))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// FindInstance возвращает незавершённый экземпляр ресурса для освобождающей сущности.
func (s *Store) FindInstance(_ context.Context, unit, releaseEntityID string) (*domain.ConstraintInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ci := range s.constraints {
		if ci.ResourceUnit == unit && ci.ReleaseEntityID == releaseEntityID && ci.State != domain.ConsumerFinished {
			return cloneConstraint(ci), nil
		}
	}
	return nil, repo.ErrNotFound
}

// MaxOrder возвращает максимальный Order ресурса (0, если экземпляров не было).
func (s *Store) MaxOrder(_ context.Context, unit string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m int64
	for _, ci := range s.constraints {
		if ci.ResourceUnit == unit && ci.Order > m {
			m = ci.Order
		}
	}
	return m, nil
}

// CreateInstance сохраняет экземпляр ограничения.
func (s *Store) CreateInstance(_ context.Context, ci *domain.ConstraintInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.constraints[ci.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.constraints[ci.ID] = cloneConstraint(ci)
	return nil
}

// UpdateInstanceState — условный переход состояния экземпляра.
func (s *Store) UpdateInstanceState(_ context.Context, id string, from []domain.ConsumerState, to domain.ConsumerState, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ci, ok := s.constraints[id]
	if !ok {
		return repo.ErrNotFound
	}
	if !slices.Contains(from, ci.State) {
		return repo.ErrConflict
	}

	ci.State = to
	switch to {
	case domain.ConsumerActive:
		ci.AcquiredAt = &now
	case domain.ConsumerFinished:
		ci.FinishedAt = &now
	}
	return nil
}

// ListActiveInstances возвращает ACTIVE экземпляры всех ресурсов.
func (s *Store) ListActiveInstances(_ context.Context, limit int) ([]*domain.ConstraintInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ConstraintInstance
	for _, ci := range s.constraints {
		if ci.State == domain.ConsumerActive {
			out = append(out, cloneConstraint(ci))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceUnit == out[j].ResourceUnit {
			return out[i].Order < out[j].Order
		}
		return out[i].ResourceUnit < out[j].ResourceUnit
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListInstancesByReleaseEntity возвращает незавершённые экземпляры сущности.
func (s *Store) ListInstancesByReleaseEntity(_ context.Context, releaseEntityID string) ([]*domain.ConstraintInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ConstraintInstance
	for _, ci := range s.constraints {
		if ci.ReleaseEntityID == releaseEntityID && ci.State != domain.ConsumerFinished {
			out = append(out, cloneConstraint(ci))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}
