package repo

import "github.com/jackc/pgx/v5/pgxpool"

// Store объединяет все репозитории поверх одного пула.
// Реализует хранилища orchestrator, waitnotify, delegate, constraint и interrupt.
type Store struct {
	*ExecutionRepo
	*WaitRepo
	*DelegateRepo
	*ConstraintRepo
	*InterruptRepo
}

// NewStore создаёт Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		ExecutionRepo:  NewExecutionRepo(pool),
		WaitRepo:       NewWaitRepo(pool),
		DelegateRepo:   NewDelegateRepo(pool),
		ConstraintRepo: NewConstraintRepo(pool),
		InterruptRepo:  NewInterruptRepo(pool),
	}
}
