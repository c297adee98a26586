package memstore

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
)

// CreateWait сохраняет запись ожидания.
func (s *Store) CreateWait(_ context.Context, w *domain.WaitInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.waits[w.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.waits[w.ID] = cloneWait(w)
	return nil
}

// GetWait возвращает запись ожидания.
func (s *Store) GetWait(_ context.Context, id string) (*domain.WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.waits[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneWait(w), nil
}

// FindWaitsByCorrelationID возвращает WAITING записи, ждущие id.
func (s *Store) FindWaitsByCorrelationID(_ context.Context, correlationID string) ([]*domain.WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WaitInstance
	for _, w := range s.waits {
		if w.Status == domain.WaitStatusWaiting && slices.Contains(w.WaitingOn, correlationID) {
			out = append(out, cloneWait(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveWaitingOn атомарно удаляет id из WaitingOn.
func (s *Store) RemoveWaitingOn(_ context.Context, waitID, correlationID string) (*domain.WaitInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waits[waitID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	w.WaitingOn = slices.DeleteFunc(w.WaitingOn, func(id string) bool { return id == correlationID })
	return cloneWait(w), nil
}

// ClaimWait переводит запись WAITING → RESOLVED.
func (s *Store) ClaimWait(_ context.Context, waitID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waits[waitID]
	if !ok {
		return repo.ErrNotFound
	}
	if w.Status != domain.WaitStatusWaiting {
		return repo.ErrConflict
	}
	w.Status = domain.WaitStatusResolved
	w.ResolvedAt = &now
	return nil
}

// DeleteWait удаляет запись.
func (s *Store) DeleteWait(_ context.Context, waitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.waits[waitID]; !ok {
		return repo.ErrNotFound
	}
	delete(s.waits, waitID)
	return nil
}

// ListExpiredWaits возвращает WAITING записи с истёкшим сроком.
func (s *Store) ListExpiredWaits(_ context.Context, now time.Time, limit int) ([]*domain.WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WaitInstance
	for _, w := range s.waits {
		if w.Status == domain.WaitStatusWaiting && w.IsExpired(now) {
			out = append(out, cloneWait(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListResolvedWaits возвращает RESOLVED записи, захваченные раньше before.
func (s *Store) ListResolvedWaits(_ context.Context, before time.Time, limit int) ([]*domain.WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WaitInstance
	for _, w := range s.waits {
		if w.Status == domain.WaitStatusResolved && w.ResolvedAt != nil && w.ResolvedAt.Before(before) {
			out = append(out, cloneWait(w))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SaveResponse сохраняет ответ; correlation id уникален.
func (s *Store) SaveResponse(_ context.Context, r *domain.NotifyResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.responses[r.CorrelationID]; ok {
		return repo.ErrAlreadyExists
	}
	c := *r
	c.Payload = slices.Clone(r.Payload)
	s.responses[r.CorrelationID] = &c
	return nil
}

// GetResponses возвращает сохранённые ответы для ids.
func (s *Store) GetResponses(_ context.Context, correlationIDs []string) ([]*domain.NotifyResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.NotifyResponse
	for _, id := range correlationIDs {
		if r, ok := s.responses[id]; ok {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

// DeleteResponses удаляет ответы, на которые не ссылается ни одна запись ожидания.
func (s *Store) DeleteResponses(_ context.Context, correlationIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range correlationIDs {
		if !s.referencedLocked(id) {
			delete(s.responses, id)
		}
	}
	return nil
}

// PurgeOrphanResponses удаляет старые ответы без записи ожидания.
func (s *Store) PurgeOrphanResponses(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.responses {
		if r.CreatedAt.Before(before) && !s.referencedLocked(id) {
			delete(s.responses, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) referencedLocked(correlationID string) bool {
	for _, w := range s.waits {
		if slices.Contains(w.CorrelationIDs, correlationID) {
			return true
		}
	}
	return false
}
