package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// ExecutionRepo — планы, выполнения планов и попытки узлов.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

// --- Plans ---

// CreatePlan сохраняет план целиком в JSONB.
func (r *ExecutionRepo) CreatePlan(ctx context.Context, p *domain.Plan) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	definition, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	query := `
		INSERT INTO plans (id, name, definition, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err = db(ctx, r.pool).Exec(ctx, query, p.ID, nullString(p.Name), definition, p.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// GetPlan возвращает план по id.
func (r *ExecutionRepo) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	var definition []byte
	err := db(ctx, r.pool).QueryRow(ctx, `SELECT definition FROM plans WHERE id = $1`, id).Scan(&definition)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return unmarshalPlan(definition)
}

// ListPlans возвращает все планы по id.
func (r *ExecutionRepo) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	rows, err := db(ctx, r.pool).Query(ctx, `SELECT definition FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		p, err := unmarshalPlan(definition)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func unmarshalPlan(definition []byte) (*domain.Plan, error) {
	var p domain.Plan
	if err := json.Unmarshal(definition, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &p, nil
}

// --- Plan executions ---

const planExecutionColumns = `id, plan_id, account_id, status, inputs, start_ts, end_ts, version`

// CreatePlanExecution сохраняет выполнение плана с версией 1.
func (r *ExecutionRepo) CreatePlanExecution(ctx context.Context, pe *domain.PlanExecution) error {
	inputsJSON, err := json.Marshal(pe.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	pe.Version = 1

	query := `
		INSERT INTO plan_executions (id, plan_id, account_id, status, inputs, start_ts, end_ts, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = db(ctx, r.pool).Exec(ctx, query,
		pe.ID,
		pe.PlanID,
		nullString(pe.AccountID),
		pe.Status,
		inputsJSON,
		pe.StartTs,
		pe.EndTs,
		pe.Version,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert plan execution: %w", err)
	}
	return nil
}

// GetPlanExecution возвращает выполнение плана.
func (r *ExecutionRepo) GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error) {
	query := `SELECT ` + planExecutionColumns + ` FROM plan_executions WHERE id = $1`
	return scanPlanExecution(db(ctx, r.pool).QueryRow(ctx, query, id))
}

// UpdatePlanExecutionStatus — условное обновление статуса.
//
// Строка блокируется FOR UPDATE; apply получает запись с уже выставленным to.
func (r *ExecutionRepo) UpdatePlanExecutionStatus(ctx context.Context, id string, from []domain.NodeStatus, to domain.NodeStatus, apply func(*domain.PlanExecution)) (*domain.PlanExecution, error) {
	var updated *domain.PlanExecution
	err := inTx(ctx, r.pool, func(ctx context.Context, q querier) error {
		query := `SELECT ` + planExecutionColumns + ` FROM plan_executions WHERE id = $1 FOR UPDATE`
		pe, err := scanPlanExecution(q.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		if !domain.ContainsStatus(from, pe.Status) {
			return ErrConflict
		}

		pe.Status = to
		if apply != nil {
			apply(pe)
		}
		pe.Version++

		inputsJSON, err := json.Marshal(pe.Inputs)
		if err != nil {
			return fmt.Errorf("marshal inputs: %w", err)
		}
		_, err = q.Exec(ctx, `
			UPDATE plan_executions
			SET status = $2, inputs = $3, end_ts = $4, version = $5
			WHERE id = $1
		`, pe.ID, pe.Status, inputsJSON, pe.EndTs, pe.Version)
		if err != nil {
			return fmt.Errorf("update plan execution: %w", err)
		}
		updated = pe
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListPlanExecutions возвращает последние выполнения, новые первыми.
func (r *ExecutionRepo) ListPlanExecutions(ctx context.Context, limit int) ([]*domain.PlanExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + planExecutionColumns + ` FROM plan_executions ORDER BY start_ts DESC LIMIT $1`
	rows, err := db(ctx, r.pool).Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query plan executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.PlanExecution
	for rows.Next() {
		pe, err := scanPlanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

func scanPlanExecution(row pgx.Row) (*domain.PlanExecution, error) {
	var pe domain.PlanExecution
	var accountID *string
	var inputsJSON []byte

	err := row.Scan(
		&pe.ID,
		&pe.PlanID,
		&accountID,
		&pe.Status,
		&inputsJSON,
		&pe.StartTs,
		&pe.EndTs,
		&pe.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan execution: %w", err)
	}

	pe.AccountID = derefString(accountID)
	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &pe.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	return &pe, nil
}

// --- Node executions ---

const nodeColumns = `
	runtime_id, plan_execution_id, setup_id, identifier, step_type, node_group, status, mode,
	ambiance, parent_runtime_id, previous_runtime_id, notify_id, retry_index, retry_ids, old_retry,
	resolved_parameters, outcomes, failure_info, failure_ignored, executable_response,
	deadline, start_ts, end_ts, created_at, last_updated_at, version`

// nodeJSON — JSONB поля попытки.
type nodeJSON struct {
	ambiance, params, outcomes, failure, response []byte
}

func marshalNode(n *domain.NodeExecution) (nodeJSON, error) {
	var j nodeJSON
	var err error
	if j.ambiance, err = json.Marshal(n.Ambiance); err != nil {
		return j, fmt.Errorf("marshal ambiance: %w", err)
	}
	if j.params, err = json.Marshal(n.ResolvedParameters); err != nil {
		return j, fmt.Errorf("marshal resolved parameters: %w", err)
	}
	if j.outcomes, err = json.Marshal(n.Outcomes); err != nil {
		return j, fmt.Errorf("marshal outcomes: %w", err)
	}
	if n.FailureInfo != nil {
		if j.failure, err = json.Marshal(n.FailureInfo); err != nil {
			return j, fmt.Errorf("marshal failure info: %w", err)
		}
	}
	if n.ExecutableResponse != nil {
		if j.response, err = json.Marshal(n.ExecutableResponse); err != nil {
			return j, fmt.Errorf("marshal executable response: %w", err)
		}
	}
	return j, nil
}

// CreateNodeExecution сохраняет попытку с версией 1.
func (r *ExecutionRepo) CreateNodeExecution(ctx context.Context, n *domain.NodeExecution) error {
	j, err := marshalNode(n)
	if err != nil {
		return err
	}
	n.Version = 1

	query := `INSERT INTO node_executions (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`
	_, err = db(ctx, r.pool).Exec(ctx, query,
		n.RuntimeID,
		n.PlanExecutionID,
		n.SetupID,
		n.Identifier,
		n.StepType,
		n.Group,
		n.Status,
		nullString(string(n.Mode)),
		j.ambiance,
		nullString(n.ParentRuntimeID),
		nullString(n.PreviousRuntimeID),
		nullString(n.NotifyID),
		n.RetryIndex,
		n.RetryIDs,
		n.OldRetry,
		j.params,
		j.outcomes,
		j.failure,
		n.FailureIgnored,
		j.response,
		n.Deadline,
		n.StartTs,
		n.EndTs,
		n.CreatedAt,
		n.LastUpdatedAt,
		n.Version,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert node execution: %w", err)
	}
	return nil
}

// GetNodeExecution возвращает попытку по runtime id.
func (r *ExecutionRepo) GetNodeExecution(ctx context.Context, runtimeID string) (*domain.NodeExecution, error) {
	query := `SELECT ` + nodeColumns + ` FROM node_executions WHERE runtime_id = $1`
	return scanNode(db(ctx, r.pool).QueryRow(ctx, query, runtimeID))
}

// UpdateNodeStatus — compare-and-swap по статусу.
//
// Если текущий статус не входит в from, возвращает ErrConflict.
// apply получает запись с уже выставленным статусом to.
func (r *ExecutionRepo) UpdateNodeStatus(ctx context.Context, runtimeID string, from []domain.NodeStatus, to domain.NodeStatus, apply func(*domain.NodeExecution)) (*domain.NodeExecution, error) {
	var updated *domain.NodeExecution
	err := inTx(ctx, r.pool, func(ctx context.Context, q querier) error {
		query := `SELECT ` + nodeColumns + ` FROM node_executions WHERE runtime_id = $1 FOR UPDATE`
		n, err := scanNode(q.QueryRow(ctx, query, runtimeID))
		if err != nil {
			return err
		}
		if !domain.ContainsStatus(from, n.Status) {
			return ErrConflict
		}

		n.Status = to
		if apply != nil {
			apply(n)
		}
		n.Version++
		n.LastUpdatedAt = time.Now()

		j, err := marshalNode(n)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, `
			UPDATE node_executions
			SET status = $2, mode = $3, notify_id = $4, retry_ids = $5, old_retry = $6,
			    resolved_parameters = $7, outcomes = $8, failure_info = $9, failure_ignored = $10,
			    executable_response = $11, deadline = $12, start_ts = $13, end_ts = $14,
			    last_updated_at = $15, version = $16
			WHERE runtime_id = $1
		`,
			n.RuntimeID,
			n.Status,
			nullString(string(n.Mode)),
			nullString(n.NotifyID),
			n.RetryIDs,
			n.OldRetry,
			j.params,
			j.outcomes,
			j.failure,
			n.FailureIgnored,
			j.response,
			n.Deadline,
			n.StartTs,
			n.EndTs,
			n.LastUpdatedAt,
			n.Version,
		)
		if err != nil {
			return fmt.Errorf("update node execution: %w", err)
		}
		updated = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListNodeExecutions возвращает попытки выполнения плана в порядке создания.
func (r *ExecutionRepo) ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	query := `SELECT ` + nodeColumns + ` FROM node_executions
		WHERE plan_execution_id = $1
		ORDER BY created_at, runtime_id`
	return r.queryNodes(ctx, query, planExecutionID)
}

// ListStaleNodes возвращает активные узлы с истёкшим дедлайном
// и RUNNING узлы без обновлений с stuckBefore.
func (r *ExecutionRepo) ListStaleNodes(ctx context.Context, now, stuckBefore time.Time, limit int) ([]*domain.NodeExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + nodeColumns + ` FROM node_executions
		WHERE status IN ('RUNNING', 'ASYNC_WAITING', 'TASK_WAITING')
		  AND ((deadline IS NOT NULL AND deadline < $1)
		       OR (status = 'RUNNING' AND last_updated_at < $2))
		ORDER BY last_updated_at
		LIMIT $3`
	return r.queryNodes(ctx, query, now, stuckBefore, limit)
}

func (r *ExecutionRepo) queryNodes(ctx context.Context, query string, args ...any) ([]*domain.NodeExecution, error) {
	rows, err := db(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query node executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.NodeExecution
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNode(row pgx.Row) (*domain.NodeExecution, error) {
	var n domain.NodeExecution
	var mode, parent, previous, notify *string
	var j nodeJSON

	err := row.Scan(
		&n.RuntimeID,
		&n.PlanExecutionID,
		&n.SetupID,
		&n.Identifier,
		&n.StepType,
		&n.Group,
		&n.Status,
		&mode,
		&j.ambiance,
		&parent,
		&previous,
		&notify,
		&n.RetryIndex,
		&n.RetryIDs,
		&n.OldRetry,
		&j.params,
		&j.outcomes,
		&j.failure,
		&n.FailureIgnored,
		&j.response,
		&n.Deadline,
		&n.StartTs,
		&n.EndTs,
		&n.CreatedAt,
		&n.LastUpdatedAt,
		&n.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node execution: %w", err)
	}

	n.Mode = domain.ExecutionMode(derefString(mode))
	n.ParentRuntimeID = derefString(parent)
	n.PreviousRuntimeID = derefString(previous)
	n.NotifyID = derefString(notify)

	if err := json.Unmarshal(j.ambiance, &n.Ambiance); err != nil {
		return nil, fmt.Errorf("unmarshal ambiance: %w", err)
	}
	if err := unmarshalOptional(j.params, &n.ResolvedParameters); err != nil {
		return nil, fmt.Errorf("unmarshal resolved parameters: %w", err)
	}
	if err := unmarshalOptional(j.outcomes, &n.Outcomes); err != nil {
		return nil, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	if j.failure != nil {
		n.FailureInfo = &domain.FailureInfo{}
		if err := json.Unmarshal(j.failure, n.FailureInfo); err != nil {
			return nil, fmt.Errorf("unmarshal failure info: %w", err)
		}
	}
	if j.response != nil {
		n.ExecutableResponse = &domain.ExecutableResponse{}
		if err := json.Unmarshal(j.response, n.ExecutableResponse); err != nil {
			return nil, fmt.Errorf("unmarshal executable response: %w", err)
		}
	}
	return &n, nil
}

// unmarshalOptional пропускает NULL и JSON null.
func unmarshalOptional(data []byte, v any) error {
	if data == nil || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
