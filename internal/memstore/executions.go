package memstore

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/shaiso/Pipeliner/internal/domain"
	"github.com/shaiso/Pipeliner/internal/repo"
)

// --- Plans ---

// CreatePlan сохраняет план. Планы неизменяемы.
func (s *Store) CreatePlan(_ context.Context, p *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[p.ID]; ok {
		return repo.ErrAlreadyExists
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.plans[p.ID] = p
	return nil
}

// GetPlan возвращает план по id.
func (s *Store) GetPlan(_ context.Context, id string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return p, nil
}

// ListPlans возвращает все планы, отсортированные по id.
func (s *Store) ListPlans(_ context.Context) ([]*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]*domain.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

// --- Plan executions ---

// CreatePlanExecution сохраняет выполнение плана.
func (s *Store) CreatePlanExecution(_ context.Context, pe *domain.PlanExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.planExecutions[pe.ID]; ok {
		return repo.ErrAlreadyExists
	}
	pe.Version = 1
	s.planExecutions[pe.ID] = clonePlanExecution(pe)
	return nil
}

// GetPlanExecution возвращает выполнение плана.
func (s *Store) GetPlanExecution(_ context.Context, id string) (*domain.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pe, ok := s.planExecutions[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clonePlanExecution(pe), nil
}

// UpdatePlanExecutionStatus — условное обновление статуса выполнения плана.
func (s *Store) UpdatePlanExecutionStatus(_ context.Context, id string, from []domain.NodeStatus, to domain.NodeStatus, apply func(*domain.PlanExecution)) (*domain.PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pe, ok := s.planExecutions[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if !domain.ContainsStatus(from, pe.Status) {
		return nil, repo.ErrConflict
	}

	updated := clonePlanExecution(pe)
	updated.Status = to
	if apply != nil {
		apply(updated)
	}
	updated.Version = pe.Version + 1
	s.planExecutions[id] = updated
	return clonePlanExecution(updated), nil
}

// ListPlanExecutions возвращает последние выполнения, новые первыми.
func (s *Store) ListPlanExecutions(_ context.Context, limit int) ([]*domain.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.PlanExecution, 0, len(s.planExecutions))
	for _, pe := range s.planExecutions {
		out = append(out, clonePlanExecution(pe))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTs.After(out[j].StartTs) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Node executions ---

// CreateNodeExecution сохраняет попытку выполнения узла.
func (s *Store) CreateNodeExecution(_ context.Context, n *domain.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[n.RuntimeID]; ok {
		return repo.ErrAlreadyExists
	}
	n.Version = 1
	s.nodes[n.RuntimeID] = cloneNode(n)
	return nil
}

// GetNodeExecution возвращает попытку по runtime id.
func (s *Store) GetNodeExecution(_ context.Context, runtimeID string) (*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[runtimeID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneNode(n), nil
}

// UpdateNodeStatus — compare-and-swap по статусу.
//
// Если текущий статус не входит в from, возвращает repo.ErrConflict.
// apply получает копию записи с уже выставленным статусом to.
func (s *Store) UpdateNodeStatus(_ context.Context, runtimeID string, from []domain.NodeStatus, to domain.NodeStatus, apply func(*domain.NodeExecution)) (*domain.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[runtimeID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if !domain.ContainsStatus(from, n.Status) {
		return nil, repo.ErrConflict
	}

	updated := cloneNode(n)
	updated.Status = to
	if apply != nil {
		apply(updated)
	}
	updated.Version = n.Version + 1
	updated.LastUpdatedAt = time.Now()
	s.nodes[runtimeID] = updated
	return cloneNode(updated), nil
}

// ListNodeExecutions возвращает узлы выполнения плана в порядке создания.
func (s *Store) ListNodeExecutions(_ context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.NodeExecution
	for _, n := range s.nodes {
		if n.PlanExecutionID == planExecutionID {
			out = append(out, cloneNode(n))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RuntimeID < out[j].RuntimeID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListStaleNodes возвращает ждущие и выполняющиеся узлы с истёкшим дедлайном,
// а также RUNNING узлы без обновлений с stuckBefore.
func (s *Store) ListStaleNodes(_ context.Context, now, stuckBefore time.Time, limit int) ([]*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := []domain.NodeStatus{domain.NodeStatusRunning, domain.NodeStatusAsyncWaiting, domain.NodeStatusTaskWaiting}

	var out []*domain.NodeExecution
	for _, n := range s.nodes {
		if !slices.Contains(active, n.Status) {
			continue
		}
		deadlinePassed := n.Deadline != nil && n.Deadline.Before(now)
		stuck := n.Status == domain.NodeStatusRunning && n.LastUpdatedAt.Before(stuckBefore)
		if deadlinePassed || stuck {
			out = append(out, cloneNode(n))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
