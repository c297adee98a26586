package memstore

import (
	"sync"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Store — потокобезопасное хранилище в памяти.
type Store struct {
	mu sync.RWMutex

	plans          map[string]*domain.Plan
	planExecutions map[string]*domain.PlanExecution
	nodes          map[string]*domain.NodeExecution

	waits     map[string]*domain.WaitInstance
	responses map[string]*domain.NotifyResponse

	tasks      map[string]*domain.DelegateTask
	delegates  map[string]*domain.Delegate
	perpetuals map[string]*domain.PerpetualTask

	constraints map[string]*domain.ConstraintInstance
	unitLocks   map[string]*sync.Mutex

	interrupts map[string]*domain.Interrupt
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		plans:          make(map[string]*domain.Plan),
		planExecutions: make(map[string]*domain.PlanExecution),
		nodes:          make(map[string]*domain.NodeExecution),
		waits:          make(map[string]*domain.WaitInstance),
		responses:      make(map[string]*domain.NotifyResponse),
		tasks:          make(map[string]*domain.DelegateTask),
		delegates:      make(map[string]*domain.Delegate),
		perpetuals:     make(map[string]*domain.PerpetualTask),
		constraints:    make(map[string]*domain.ConstraintInstance),
		unitLocks:      make(map[string]*sync.Mutex),
		interrupts:     make(map[string]*domain.Interrupt),
	}
}
