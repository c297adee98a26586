package memstore

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
)

// --- Delegate tasks ---

// CreateTask сохраняет задачу делегата.
func (s *Store) CreateTask(_ context.Context, t *domain.DelegateTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// GetTask возвращает задачу по id.
func (s *Store) GetTask(_ context.Context, id string) (*domain.DelegateTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneTask(t), nil
}

// UpdateTaskStatus — условное обновление статуса задачи.
//
// apply может отказаться от обновления, вернув ошибку; она возвращается как есть.
func (s *Store) UpdateTaskStatus(_ context.Context, id string, from []domain.DelegateTaskStatus, to domain.DelegateTaskStatus, apply func(*domain.DelegateTask) error) (*domain.DelegateTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if !slices.Contains(from, t.Status) {
		return nil, repo.ErrConflict
	}

	updated := cloneTask(t)
	updated.Status = to
	if apply != nil {
		if err := apply(updated); err != nil {
			return nil, err
		}
	}
	s.tasks[id] = updated
	return cloneTask(updated), nil
}

// UpdateTaskBroadcast сохраняет состояние рассылки, если задача всё ещё
// QUEUED и никто не обновил её после чтения (BroadcastCount == prevCount).
func (s *Store) UpdateTaskBroadcast(_ context.Context, t *domain.DelegateTask, prevCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[t.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if cur.Status != domain.DelegateTaskQueued || cur.BroadcastCount != prevCount {
		return repo.ErrConflict
	}

	cur.EligibleDelegates = slices.Clone(t.EligibleDelegates)
	cur.AlreadyTried = slices.Clone(t.AlreadyTried)
	cur.BroadcastRound = t.BroadcastRound
	cur.BroadcastCount = t.BroadcastCount
	cur.NextBroadcast = t.NextBroadcast
	return nil
}

// ListPendingTasks возвращает QUEUED задачи, доступные делегату, в порядке id.
func (s *Store) ListPendingTasks(_ context.Context, delegateID string, now time.Time, limit int) ([]*domain.DelegateTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.DelegateTask
	for _, t := range s.tasks {
		if t.Status == domain.DelegateTaskQueued && t.IsEligible(delegateID) && !t.IsExpired(now) {
			out = append(out, cloneTask(t))
		}
	}
	return sortTasks(out, limit), nil
}

// ListExpiredTasks возвращает нефинальные задачи с истёкшим сроком.
func (s *Store) ListExpiredTasks(_ context.Context, now time.Time, limit int) ([]*domain.DelegateTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.DelegateTask
	for _, t := range s.tasks {
		if !t.IsFinished() && t.IsExpired(now) {
			out = append(out, cloneTask(t))
		}
	}
	return sortTasks(out, limit), nil
}

// ListRebroadcastTasks возвращает незахваченные задачи, которым пора в новую рассылку.
func (s *Store) ListRebroadcastTasks(_ context.Context, now time.Time, limit int) ([]*domain.DelegateTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.DelegateTask
	for _, t := range s.tasks {
		if t.Status != domain.DelegateTaskQueued || t.DelegateID != "" {
			continue
		}
		if t.NextBroadcast.Before(now) && !t.IsExpired(now) {
			out = append(out, cloneTask(t))
		}
	}
	return sortTasks(out, limit), nil
}

func sortTasks(tasks []*domain.DelegateTask, limit int) []*domain.DelegateTask {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

// --- Delegates ---

// UpsertDelegate регистрирует делегата или обновляет его heartbeat.
func (s *Store) UpsertDelegate(_ context.Context, d *domain.Delegate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.delegates[d.ID]; ok {
		d.CreatedAt = cur.CreatedAt
	}
	s.delegates[d.ID] = cloneDelegate(d)
	return nil
}

// GetDelegate возвращает делегата.
func (s *Store) GetDelegate(_ context.Context, id string) (*domain.Delegate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.delegates[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneDelegate(d), nil
}

// ListDelegates возвращает делегатов аккаунта (пустой accountID — всех).
func (s *Store) ListDelegates(_ context.Context, accountID string) ([]*domain.Delegate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Delegate
	for _, d := range s.delegates {
		if accountID == "" || d.AccountID == "" || d.AccountID == accountID {
			out = append(out, cloneDelegate(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Perpetual tasks ---

// CreatePerpetualTask сохраняет постоянную задачу.
func (s *Store) CreatePerpetualTask(_ context.Context, p *domain.PerpetualTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.perpetuals[p.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.perpetuals[p.ID] = clonePerpetual(p)
	return nil
}

// GetPerpetualTask возвращает постоянную задачу.
func (s *Store) GetPerpetualTask(_ context.Context, id string) (*domain.PerpetualTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.perpetuals[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clonePerpetual(p), nil
}

// DeletePerpetualTask удаляет постоянную задачу.
func (s *Store) DeletePerpetualTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.perpetuals[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.perpetuals, id)
	return nil
}

// ListPerpetualTasks возвращает задачи делегата (пустой delegateID — все).
func (s *Store) ListPerpetualTasks(_ context.Context, delegateID string) ([]*domain.PerpetualTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.PerpetualTask
	for _, p := range s.perpetuals {
		if delegateID == "" || p.DelegateID == delegateID {
			out = append(out, clonePerpetual(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdatePerpetualTask сохраняет задачу, если её исполнитель не сменился.
func (s *Store) UpdatePerpetualTask(_ context.Context, p *domain.PerpetualTask, expectedDelegateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.perpetuals[p.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if cur.DelegateID != expectedDelegateID {
		return repo.ErrConflict
	}
	s.perpetuals[p.ID] = clonePerpetual(p)
	return nil
}
