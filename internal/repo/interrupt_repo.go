package repo

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// InterruptRepo — интерапты.
type InterruptRepo struct {
	pool *pgxpool.Pool
}

// NewInterruptRepo создаёт новый InterruptRepo.
func NewInterruptRepo(pool *pgxpool.Pool) *InterruptRepo {
	return &InterruptRepo{pool: pool}
}

const interruptColumns = `
	id, type, plan_execution_id, node_runtime_id, status, error, created_by, created_at, processed_at`

// CreateInterrupt сохраняет интеррапт.
func (r *InterruptRepo) CreateInterrupt(ctx context.Context, i *domain.Interrupt) error {
	query := `INSERT INTO interrupts (` + interruptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := db(ctx, r.pool).Exec(ctx, query,
		i.ID,
		i.Type,
		i.PlanExecutionID,
		nullString(i.NodeRuntimeID),
		i.Status,
		nullString(i.Error),
		nullString(i.CreatedBy),
		i.CreatedAt,
		i.ProcessedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert interrupt: %w", err)
	}
	return nil
}

// GetInterrupt возвращает интеррапт.
func (r *InterruptRepo) GetInterrupt(ctx context.Context, id string) (*domain.Interrupt, error) {
	query := `SELECT ` + interruptColumns + ` FROM interrupts WHERE id = $1`
	return scanInterrupt(db(ctx, r.pool).QueryRow(ctx, query, id))
}

// UpdateInterruptStatus — условный переход статуса интеррапта.
// apply получает запись с уже выставленным статусом to и может его изменить.
func (r *InterruptRepo) UpdateInterruptStatus(ctx context.Context, id string, from []domain.InterruptStatus, to domain.InterruptStatus, apply func(*domain.Interrupt)) (*domain.Interrupt, error) {
	var updated *domain.Interrupt
	err := inTx(ctx, r.pool, func(ctx context.Context, q querier) error {
		query := `SELECT ` + interruptColumns + ` FROM interrupts WHERE id = $1 FOR UPDATE`
		i, err := scanInterrupt(q.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		if !slices.Contains(from, i.Status) {
			return ErrConflict
		}

		i.Status = to
		if apply != nil {
			apply(i)
		}

		_, err = q.Exec(ctx, `
			UPDATE interrupts SET status = $2, error = $3, processed_at = $4
			WHERE id = $1
		`, i.ID, i.Status, nullString(i.Error), i.ProcessedAt)
		if err != nil {
			return fmt.Errorf("update interrupt: %w", err)
		}
		updated = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListOpenInterrupts возвращает незакрытые интерапты (пустой planExecutionID — все).
// limit <= 0 — без ограничения.
func (r *InterruptRepo) ListOpenInterrupts(ctx context.Context, planExecutionID string, limit int) ([]*domain.Interrupt, error) {
	query := `SELECT ` + interruptColumns + ` FROM interrupts
		WHERE status IN ('REGISTERED', 'PROCESSING')
		  AND ($1 = '' OR plan_execution_id = $1)
		ORDER BY created_at
		LIMIT NULLIF($2, 0)`
	rows, err := db(ctx, r.pool).Query(ctx, query, planExecutionID, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("query interrupts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Interrupt
	for rows.Next() {
		i, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func scanInterrupt(row pgx.Row) (*domain.Interrupt, error) {
	var i domain.Interrupt
	var nodeRuntimeID, interruptError, createdBy *string

	err := row.Scan(
		&i.ID,
		&i.Type,
		&i.PlanExecutionID,
		&nodeRuntimeID,
		&i.Status,
		&interruptError,
		&createdBy,
		&i.CreatedAt,
		&i.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan interrupt: %w", err)
	}
	i.NodeRuntimeID = derefString(nodeRuntimeID)
	i.Error = derefString(interruptError)
	i.CreatedBy = derefString(createdBy)
	return &i, nil
}
