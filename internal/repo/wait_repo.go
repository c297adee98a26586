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

// WaitRepo — записи ожидания и сохранённые ответы.
type WaitRepo struct {
	pool *pgxpool.Pool
}

// NewWaitRepo создаёт новый WaitRepo.
func NewWaitRepo(pool *pgxpool.Pool) *WaitRepo {
	return &WaitRepo{pool: pool}
}

const waitColumns = `id, correlation_ids, waiting_on, callback, status, expires_at, resolved_at, created_at`

// CreateWait сохраняет запись ожидания.
func (r *WaitRepo) CreateWait(ctx context.Context, w *domain.WaitInstance) error {
	callbackJSON, err := json.Marshal(w.Callback)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	query := `INSERT INTO wait_instances (` + waitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = db(ctx, r.pool).Exec(ctx, query,
		w.ID,
		w.CorrelationIDs,
		w.WaitingOn,
		callbackJSON,
		w.Status,
		w.ExpiresAt,
		w.ResolvedAt,
		w.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert wait: %w", err)
	}
	return nil
}

// GetWait возвращает запись ожидания.
func (r *WaitRepo) GetWait(ctx context.Context, id string) (*domain.WaitInstance, error) {
	query := `SELECT ` + waitColumns + ` FROM wait_instances WHERE id = $1`
	return scanWait(db(ctx, r.pool).QueryRow(ctx, query, id))
}

// FindWaitsByCorrelationID возвращает WAITING записи, ждущие id.
func (r *WaitRepo) FindWaitsByCorrelationID(ctx context.Context, correlationID string) ([]*domain.WaitInstance, error) {
	query := `SELECT ` + waitColumns + ` FROM wait_instances
		WHERE status = 'WAITING' AND waiting_on @> ARRAY[$1]::text[]
		ORDER BY id`
	return r.queryWaits(ctx, query, correlationID)
}

// RemoveWaitingOn атомарно удаляет id из waiting_on.
func (r *WaitRepo) RemoveWaitingOn(ctx context.Context, waitID, correlationID string) (*domain.WaitInstance, error) {
	query := `UPDATE wait_instances
		SET waiting_on = array_remove(waiting_on, $2)
		WHERE id = $1
		RETURNING ` + waitColumns
	return scanWait(db(ctx, r.pool).QueryRow(ctx, query, waitID, correlationID))
}

// ClaimWait переводит запись WAITING → RESOLVED.
func (r *WaitRepo) ClaimWait(ctx context.Context, waitID string, now time.Time) error {
	tag, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE wait_instances SET status = 'RESOLVED', resolved_at = $2
		WHERE id = $1 AND status = 'WAITING'
	`, waitID, now)
	if err != nil {
		return fmt.Errorf("claim wait: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, waitID)
	}
	return nil
}

func (r *WaitRepo) missingOrConflict(ctx context.Context, waitID string) error {
	var exists bool
	err := db(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wait_instances WHERE id = $1)`, waitID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check wait: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// DeleteWait удаляет запись.
func (r *WaitRepo) DeleteWait(ctx context.Context, waitID string) error {
	tag, err := db(ctx, r.pool).Exec(ctx, `DELETE FROM wait_instances WHERE id = $1`, waitID)
	if err != nil {
		return fmt.Errorf("delete wait: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpiredWaits возвращает WAITING записи с истёкшим сроком.
func (r *WaitRepo) ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*domain.WaitInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + waitColumns + ` FROM wait_instances
		WHERE status = 'WAITING' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`
	return r.queryWaits(ctx, query, now, limit)
}

// ListResolvedWaits возвращает RESOLVED записи, захваченные раньше before.
func (r *WaitRepo) ListResolvedWaits(ctx context.Context, before time.Time, limit int) ([]*domain.WaitInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + waitColumns + ` FROM wait_instances
		WHERE status = 'RESOLVED' AND resolved_at < $1
		ORDER BY resolved_at
		LIMIT $2`
	return r.queryWaits(ctx, query, before, limit)
}

func (r *WaitRepo) queryWaits(ctx context.Context, query string, args ...any) ([]*domain.WaitInstance, error) {
	rows, err := db(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waits: %w", err)
	}
	defer rows.Close()

	var out []*domain.WaitInstance
	for rows.Next() {
		w, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWait(row pgx.Row) (*domain.WaitInstance, error) {
	var w domain.WaitInstance
	var callbackJSON []byte

	err := row.Scan(
		&w.ID,
		&w.CorrelationIDs,
		&w.WaitingOn,
		&callbackJSON,
		&w.Status,
		&w.ExpiresAt,
		&w.ResolvedAt,
		&w.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wait: %w", err)
	}
	if err := json.Unmarshal(callbackJSON, &w.Callback); err != nil {
		return nil, fmt.Errorf("unmarshal callback: %w", err)
	}
	return &w, nil
}

// --- Responses ---

// SaveResponse сохраняет ответ; correlation id уникален.
func (r *WaitRepo) SaveResponse(ctx context.Context, resp *domain.NotifyResponse) error {
	_, err := db(ctx, r.pool).Exec(ctx, `
		INSERT INTO notify_responses (correlation_id, payload, format, is_error, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, resp.CorrelationID, resp.Payload, resp.Format, resp.IsError, resp.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

// GetResponses возвращает сохранённые ответы для ids.
func (r *WaitRepo) GetResponses(ctx context.Context, correlationIDs []string) ([]*domain.NotifyResponse, error) {
	rows, err := db(ctx, r.pool).Query(ctx, `
		SELECT correlation_id, payload, format, is_error, created_at
		FROM notify_responses
		WHERE correlation_id = ANY($1)
	`, correlationIDs)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var out []*domain.NotifyResponse
	for rows.Next() {
		var resp domain.NotifyResponse
		if err := rows.Scan(&resp.CorrelationID, &resp.Payload, &resp.Format, &resp.IsError, &resp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, &resp)
	}
	return out, rows.Err()
}

// DeleteResponses удаляет ответы, на которые не ссылается ни одна запись ожидания.
func (r *WaitRepo) DeleteResponses(ctx context.Context, correlationIDs []string) error {
	_, err := db(ctx, r.pool).Exec(ctx, `
		DELETE FROM notify_responses nr
		WHERE nr.correlation_id = ANY($1)
		  AND NOT EXISTS (
		      SELECT 1 FROM wait_instances w
		      WHERE w.correlation_ids @> ARRAY[nr.correlation_id])
	`, correlationIDs)
	if err != nil {
		return fmt.Errorf("delete responses: %w", err)
	}
	return nil
}

// PurgeOrphanResponses удаляет старые ответы без записи ожидания.
func (r *WaitRepo) PurgeOrphanResponses(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db(ctx, r.pool).Exec(ctx, `
		DELETE FROM notify_responses nr
		WHERE nr.created_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM wait_instances w
		      WHERE w.correlation_ids @> ARRAY[nr.correlation_id])
	`, before)
	if err != nil {
		return 0, fmt.Errorf("purge responses: %w", err)
	}
	return tag.RowsAffected(), nil
}
