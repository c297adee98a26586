package repo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// DelegateRepo — задачи делегатов, сами делегаты и постоянные задачи.
type DelegateRepo struct {
	pool *pgxpool.Pool
}

// NewDelegateRepo создаёт новый DelegateRepo.
func NewDelegateRepo(pool *pgxpool.Pool) *DelegateRepo {
	return &DelegateRepo{pool: pool}
}

// --- Delegate tasks ---

const taskColumns = `
	id, account_id, type, parameters, format, selectors, capabilities, eligible_delegates,
	already_tried, broadcast_round, broadcast_count, next_broadcast, delegate_id, status,
	correlation_id, expiry, result, result_ref, error, created_at, acquired_at, finished_at`

// CreateTask сохраняет задачу делегата.
func (r *DelegateRepo) CreateTask(ctx context.Context, t *domain.DelegateTask) error {
	query := `INSERT INTO delegate_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err := db(ctx, r.pool).Exec(ctx, query,
		t.ID,
		nullString(t.AccountID),
		t.Type,
		t.Parameters,
		t.Format,
		t.Selectors,
		t.Capabilities,
		t.EligibleDelegates,
		t.AlreadyTried,
		t.BroadcastRound,
		t.BroadcastCount,
		t.NextBroadcast,
		nullString(t.DelegateID),
		t.Status,
		t.CorrelationID,
		nullTime(t.Expiry),
		t.Result,
		nullString(t.ResultRef),
		nullString(t.Error),
		t.CreatedAt,
		t.AcquiredAt,
		t.FinishedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask возвращает задачу по id.
func (r *DelegateRepo) GetTask(ctx context.Context, id string) (*domain.DelegateTask, error) {
	query := `SELECT ` + taskColumns + ` FROM delegate_tasks WHERE id = $1`
	return scanTask(db(ctx, r.pool).QueryRow(ctx, query, id))
}

// UpdateTaskStatus — условное обновление статуса задачи.
//
// apply может отказаться от обновления, вернув ошибку; она возвращается как есть.
func (r *DelegateRepo) UpdateTaskStatus(ctx context.Context, id string, from []domain.DelegateTaskStatus, to domain.DelegateTaskStatus, apply func(*domain.DelegateTask) error) (*domain.DelegateTask, error) {
	var updated *domain.DelegateTask
	err := inTx(ctx, r.pool, func(ctx context.Context, q querier) error {
		query := `SELECT ` + taskColumns + ` FROM delegate_tasks WHERE id = $1 FOR UPDATE`
		t, err := scanTask(q.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		if !slices.Contains(from, t.Status) {
			return ErrConflict
		}

		t.Status = to
		if apply != nil {
			if err := apply(t); err != nil {
				return err
			}
		}

		_, err = q.Exec(ctx, `
			UPDATE delegate_tasks
			SET status = $2, delegate_id = $3, eligible_delegates = $4, already_tried = $5,
			    result = $6, result_ref = $7, error = $8, acquired_at = $9, finished_at = $10
			WHERE id = $1
		`,
			t.ID,
			t.Status,
			nullString(t.DelegateID),
			t.EligibleDelegates,
			t.AlreadyTried,
			t.Result,
			nullString(t.ResultRef),
			nullString(t.Error),
			t.AcquiredAt,
			t.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateTaskBroadcast сохраняет состояние рассылки, если задача всё ещё
// QUEUED и никто не обновил её после чтения (broadcast_count = prevCount).
func (r *DelegateRepo) UpdateTaskBroadcast(ctx context.Context, t *domain.DelegateTask, prevCount int) error {
	tag, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE delegate_tasks
		SET eligible_delegates = $2, already_tried = $3, broadcast_round = $4,
		    broadcast_count = $5, next_broadcast = $6
		WHERE id = $1 AND status = 'QUEUED' AND broadcast_count = $7
	`,
		t.ID,
		t.EligibleDelegates,
		t.AlreadyTried,
		t.BroadcastRound,
		t.BroadcastCount,
		t.NextBroadcast,
		prevCount,
	)
	if err != nil {
		return fmt.Errorf("update task broadcast: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetTask(ctx, t.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ListPendingTasks возвращает QUEUED задачи, доступные делегату.
func (r *DelegateRepo) ListPendingTasks(ctx context.Context, delegateID string, now time.Time, limit int) ([]*domain.DelegateTask, error) {
	query := `SELECT ` + taskColumns + ` FROM delegate_tasks
		WHERE status = 'QUEUED'
		  AND eligible_delegates @> ARRAY[$1]::text[]
		  AND (expiry IS NULL OR expiry > $2)
		ORDER BY id
		LIMIT $3`
	return r.queryTasks(ctx, query, delegateID, now, limitOrDefault(limit))
}

// ListExpiredTasks возвращает нефинальные задачи с истёкшим сроком.
func (r *DelegateRepo) ListExpiredTasks(ctx context.Context, now time.Time, limit int) ([]*domain.DelegateTask, error) {
	query := `SELECT ` + taskColumns + ` FROM delegate_tasks
		WHERE status IN ('QUEUED', 'ACQUIRED', 'STARTED')
		  AND expiry IS NOT NULL AND expiry <= $1
		ORDER BY id
		LIMIT $2`
	return r.queryTasks(ctx, query, now, limitOrDefault(limit))
}

// ListRebroadcastTasks возвращает незахваченные задачи, которым пора в новую рассылку.
func (r *DelegateRepo) ListRebroadcastTasks(ctx context.Context, now time.Time, limit int) ([]*domain.DelegateTask, error) {
	query := `SELECT ` + taskColumns + ` FROM delegate_tasks
		WHERE status = 'QUEUED' AND delegate_id IS NULL
		  AND next_broadcast < $1
		  AND (expiry IS NULL OR expiry > $1)
		ORDER BY id
		LIMIT $2`
	return r.queryTasks(ctx, query, now, limitOrDefault(limit))
}

func (r *DelegateRepo) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.DelegateTask, error) {
	rows, err := db(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.DelegateTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*domain.DelegateTask, error) {
	var t domain.DelegateTask
	var accountID, delegateID, resultRef, taskError *string
	var expiry *time.Time

	err := row.Scan(
		&t.ID,
		&accountID,
		&t.Type,
		&t.Parameters,
		&t.Format,
		&t.Selectors,
		&t.Capabilities,
		&t.EligibleDelegates,
		&t.AlreadyTried,
		&t.BroadcastRound,
		&t.BroadcastCount,
		&t.NextBroadcast,
		&delegateID,
		&t.Status,
		&t.CorrelationID,
		&expiry,
		&t.Result,
		&resultRef,
		&taskError,
		&t.CreatedAt,
		&t.AcquiredAt,
		&t.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.AccountID = derefString(accountID)
	t.DelegateID = derefString(delegateID)
	t.ResultRef = derefString(resultRef)
	t.Error = derefString(taskError)
	if expiry != nil {
		t.Expiry = *expiry
	}
	return &t, nil
}

// --- Delegates ---

const delegateColumns = `id, account_id, selectors, capabilities, version, last_heartbeat, created_at`

// UpsertDelegate регистрирует делегата или обновляет его heartbeat.
// created_at первой регистрации сохраняется.
func (r *DelegateRepo) UpsertDelegate(ctx context.Context, d *domain.Delegate) error {
	err := db(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO delegates (`+delegateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET account_id = EXCLUDED.account_id,
		    selectors = EXCLUDED.selectors,
		    capabilities = EXCLUDED.capabilities,
		    version = EXCLUDED.version,
		    last_heartbeat = EXCLUDED.last_heartbeat
		RETURNING created_at
	`,
		d.ID,
		nullString(d.AccountID),
		d.Selectors,
		d.Capabilities,
		nullString(d.Version),
		d.LastHeartbeat,
		d.CreatedAt,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert delegate: %w", err)
	}
	return nil
}

// GetDelegate возвращает делегата.
func (r *DelegateRepo) GetDelegate(ctx context.Context, id string) (*domain.Delegate, error) {
	query := `SELECT ` + delegateColumns + ` FROM delegates WHERE id = $1`
	return scanDelegate(db(ctx, r.pool).QueryRow(ctx, query, id))
}

// ListDelegates возвращает делегатов аккаунта (пустой accountID — всех).
// Делегаты без аккаунта обслуживают любой аккаунт.
func (r *DelegateRepo) ListDelegates(ctx context.Context, accountID string) ([]*domain.Delegate, error) {
	query := `SELECT ` + delegateColumns + ` FROM delegates
		WHERE $1 = '' OR account_id IS NULL OR account_id = $1
		ORDER BY id`
	rows, err := db(ctx, r.pool).Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query delegates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Delegate
	for rows.Next() {
		d, err := scanDelegate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelegate(row pgx.Row) (*domain.Delegate, error) {
	var d domain.Delegate
	var accountID, version *string

	err := row.Scan(&d.ID, &accountID, &d.Selectors, &d.Capabilities, &version, &d.LastHeartbeat, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delegate: %w", err)
	}
	d.AccountID = derefString(accountID)
	d.Version = derefString(version)
	return &d, nil
}

// --- Perpetual tasks ---

const perpetualColumns = `
	id, account_id, type, parameters, format, selectors, interval_sec,
	delegate_id, state, assigned_at, last_heartbeat, created_at`

// CreatePerpetualTask сохраняет постоянную задачу.
func (r *DelegateRepo) CreatePerpetualTask(ctx context.Context, p *domain.PerpetualTask) error {
	query := `INSERT INTO perpetual_tasks (` + perpetualColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := db(ctx, r.pool).Exec(ctx, query,
		p.ID,
		nullString(p.AccountID),
		p.Type,
		p.Parameters,
		p.Format,
		p.Selectors,
		p.IntervalSec,
		nullString(p.DelegateID),
		p.State,
		p.AssignedAt,
		p.LastHeartbeat,
		p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert perpetual task: %w", err)
	}
	return nil
}

// GetPerpetualTask возвращает постоянную задачу.
func (r *DelegateRepo) GetPerpetualTask(ctx context.Context, id string) (*domain.PerpetualTask, error) {
	query := `SELECT ` + perpetualColumns + ` FROM perpetual_tasks WHERE id = $1`
	return scanPerpetual(db(ctx, r.pool).QueryRow(ctx, query, id))
}

// DeletePerpetualTask удаляет постоянную задачу.
func (r *DelegateRepo) DeletePerpetualTask(ctx context.Context, id string) error {
	tag, err := db(ctx, r.pool).Exec(ctx, `DELETE FROM perpetual_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete perpetual task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPerpetualTasks возвращает задачи делегата (пустой delegateID — все).
func (r *DelegateRepo) ListPerpetualTasks(ctx context.Context, delegateID string) ([]*domain.PerpetualTask, error) {
	query := `SELECT ` + perpetualColumns + ` FROM perpetual_tasks
		WHERE $1 = '' OR delegate_id = $1
		ORDER BY id`
	rows, err := db(ctx, r.pool).Query(ctx, query, delegateID)
	if err != nil {
		return nil, fmt.Errorf("query perpetual tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.PerpetualTask
	for rows.Next() {
		p, err := scanPerpetual(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePerpetualTask сохраняет задачу, если её исполнитель не сменился.
func (r *DelegateRepo) UpdatePerpetualTask(ctx context.Context, p *domain.PerpetualTask, expectedDelegateID string) error {
	tag, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE perpetual_tasks
		SET parameters = $2, selectors = $3, interval_sec = $4, delegate_id = $5,
		    state = $6, assigned_at = $7, last_heartbeat = $8
		WHERE id = $1 AND COALESCE(delegate_id, '') = $9
	`,
		p.ID,
		p.Parameters,
		p.Selectors,
		p.IntervalSec,
		nullString(p.DelegateID),
		p.State,
		p.AssignedAt,
		p.LastHeartbeat,
		expectedDelegateID,
	)
	if err != nil {
		return fmt.Errorf("update perpetual task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetPerpetualTask(ctx, p.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func scanPerpetual(row pgx.Row) (*domain.PerpetualTask, error) {
	var p domain.PerpetualTask
	var accountID, delegateID *string

	err := row.Scan(
		&p.ID,
		&accountID,
		&p.Type,
		&p.Parameters,
		&p.Format,
		&p.Selectors,
		&p.IntervalSec,
		&delegateID,
		&p.State,
		&p.AssignedAt,
		&p.LastHeartbeat,
		&p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan perpetual task: %w", err)
	}
	p.AccountID = derefString(accountID)
	p.DelegateID = derefString(delegateID)
	return &p, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
