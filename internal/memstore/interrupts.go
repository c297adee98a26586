package memstore

import (
	"context"
	"slices"
	"sort"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
)

// CreateInterrupt сохраняет интеррапт.
func (s *Store) CreateInterrupt(_ context.Context, i *domain.Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.interrupts[i.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.interrupts[i.ID] = cloneInterrupt(i)
	return nil
}

// GetInterrupt возвращает интеррапт.
func (s *Store) GetInterrupt(_ context.Context, id string) (*domain.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.interrupts[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneInterrupt(i), nil
}

// UpdateInterruptStatus — условный переход статуса интеррапта.
func (s *Store) UpdateInterruptStatus(_ context.Context, id string, from []domain.InterruptStatus, to domain.InterruptStatus, apply func(*domain.Interrupt)) (*domain.Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.interrupts[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if !slices.Contains(from, i.Status) {
		return nil, repo.ErrConflict
	}

	updated := cloneInterrupt(i)
	updated.Status = to
	if apply != nil {
		apply(updated)
	}
	s.interrupts[id] = updated
	return cloneInterrupt(updated), nil
}

// ListOpenInterrupts возвращает незакрытые интерапты (пустой planExecutionID — все).
func (s *Store) ListOpenInterrupts(_ context.Context, planExecutionID string, limit int) ([]*domain.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Interrupt
	for _, i := range s.interrupts {
		if i.Status.IsTerminal() {
			continue
		}
		if planExecutionID != "" && i.PlanExecutionID != planExecutionID {
			continue
		}
		out = append(out, cloneInterrupt(i))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
