package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// ConstraintRepo — экземпляры ограничений ресурсов.
type ConstraintRepo struct {
	pool *pgxpool.Pool
}

// NewConstraintRepo создаёт новый ConstraintRepo.
func NewConstraintRepo(pool *pgxpool.Pool) *ConstraintRepo {
	return &ConstraintRepo{pool: pool}
}

const constraintColumns = `
	id, resource_unit, capacity, permits, holding_scope, release_entity_id,
	plan_execution_id, ord, state, acquired_at, finished_at, created_at`

// WithUnitLock выполняет fn в транзакции под pg_advisory_xact_lock ресурса.
// Вызовы репозитория внутри fn идут через ту же транзакцию.
func (r *ConstraintRepo) WithUnitLock(ctx context.Context, unit string, fn func(ctx context.Context) error) error {
	return inTx(ctx, r.pool, func(ctx context.Context, q querier) error {
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, unit); err != nil {
			return fmt.Errorf("lock unit %s: %w", unit, err)
		}
		return fn(ctx)
	})
}

// ListInstances возвращает незавершённые экземпляры ресурса по возрастанию Order.
func (r *ConstraintRepo) ListInstances(ctx context.Context, unit string) ([]*domain.ConstraintInstance, error) {
	query := `SELECT ` + constraintColumns + ` FROM constraint_instances
		WHERE resource_unit = $1 AND state <> 'FINISHED'
		ORDER BY ord`
	return r.queryInstances(ctx, query, unit)
}

// FindInstance возвращает незавершённый экземпляр сущности на ресурсе.
func (r *ConstraintRepo) FindInstance(ctx context.Context, unit, releaseEntityID string) (*domain.ConstraintInstance, error) {
	query := `SELECT ` + constraintColumns + ` FROM constraint_instances
		WHERE resource_unit = $1 AND release_entity_id = $2 AND state <> 'FINISHED'
		ORDER BY ord
		LIMIT 1`
	return scanConstraint(db(ctx, r.pool).QueryRow(ctx, query, unit, releaseEntityID))
}

// MaxOrder возвращает максимальный Order ресурса (0, если экземпляров не было).
func (r *ConstraintRepo) MaxOrder(ctx context.Context, unit string) (int64, error) {
	var m int64
	err := db(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(ord), 0) FROM constraint_instances WHERE resource_unit = $1`, unit,
	).Scan(&m)
	if err != nil {
		return 0, fmt.Errorf("max order: %w", err)
	}
	return m, nil
}

// CreateInstance сохраняет экземпляр ограничения.
func (r *ConstraintRepo) CreateInstance(ctx context.Context, ci *domain.ConstraintInstance) error {
	query := `INSERT INTO constraint_instances (` + constraintColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := db(ctx, r.pool).Exec(ctx, query,
		ci.ID,
		ci.ResourceUnit,
		ci.Capacity,
		ci.Permits,
		ci.HoldingScope,
		ci.ReleaseEntityID,
		nullString(ci.PlanExecutionID),
		ci.Order,
		ci.State,
		ci.AcquiredAt,
		ci.FinishedAt,
		ci.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert constraint instance: %w", err)
	}
	return nil
}

// UpdateInstanceState — условный переход состояния экземпляра.
func (r *ConstraintRepo) UpdateInstanceState(ctx context.Context, id string, from []domain.ConsumerState, to domain.ConsumerState, now time.Time) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	tag, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE constraint_instances
		SET state = $3,
		    acquired_at = CASE WHEN $3 = 'ACTIVE' THEN $4 ELSE acquired_at END,
		    finished_at = CASE WHEN $3 = 'FINISHED' THEN $4 ELSE finished_at END
		WHERE id = $1 AND state = ANY($2)
	`, id, states, string(to), now)
	if err != nil {
		return fmt.Errorf("update constraint state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := db(ctx, r.pool).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM constraint_instances WHERE id = $1)`, id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check constraint instance: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ListActiveInstances возвращает ACTIVE экземпляры всех ресурсов.
func (r *ConstraintRepo) ListActiveInstances(ctx context.Context, limit int) ([]*domain.ConstraintInstance, error) {
	query := `SELECT ` + constraintColumns + ` FROM constraint_instances
		WHERE state = 'ACTIVE'
		ORDER BY resource_unit, ord
		LIMIT $1`
	return r.queryInstances(ctx, query, limitOrDefault(limit))
}

// ListInstancesByReleaseEntity возвращает незавершённые экземпляры сущности.
func (r *ConstraintRepo) ListInstancesByReleaseEntity(ctx context.Context, releaseEntityID string) ([]*domain.ConstraintInstance, error) {
	query := `SELECT ` + constraintColumns + ` FROM constraint_instances
		WHERE release_entity_id = $1 AND state <> 'FINISHED'
		ORDER BY ord`
	return r.queryInstances(ctx, query, releaseEntityID)
}

func (r *ConstraintRepo) queryInstances(ctx context.Context, query string, args ...any) ([]*domain.ConstraintInstance, error) {
	rows, err := db(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query constraint instances: %w", err)
	}
	defer rows.Close()

	var out []*domain.ConstraintInstance
	for rows.Next() {
		ci, err := scanConstraint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

func scanConstraint(row pgx.Row) (*domain.ConstraintInstance, error) {
	var ci domain.ConstraintInstance
	var planExecutionID *string

	err := row.Scan(
		&ci.ID,
		&ci.ResourceUnit,
		&ci.Capacity,
		&ci.Permits,
		&ci.HoldingScope,
		&ci.ReleaseEntityID,
		&planExecutionID,
		&ci.Order,
		&ci.State,
		&ci.AcquiredAt,
		&ci.FinishedAt,
		&ci.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan constraint instance: %w", err)
	}
	ci.PlanExecutionID = derefString(planExecutionID)
	return &ci, nil
}
