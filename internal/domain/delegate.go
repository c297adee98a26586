package domain

import (
	"slices"
	"time"
)

// Delegate — удалённый процесс-исполнитель задач.
type Delegate struct {
	// ID — идентификатор делегата (задаётся самим делегатом).
	ID string `json:"id"`

	// AccountID — аккаунт делегата.
	AccountID string `json:"account_id,omitempty"`

	// Selectors — метки для маршрутизации задач.
	Selectors []string `json:"selectors,omitempty"`

	// Capabilities — подтверждённые возможности (например, доступность tcp://db:5432).
	Capabilities []string `json:"capabilities,omitempty"`

	// Version — версия агента.
	Version string `json:"version,omitempty"`

	// LastHeartbeat — время последнего heartbeat.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	CreatedAt time.Time `json:"created_at"`
}

// IsAlive возвращает true, если heartbeat не просрочен.
func (d *Delegate) IsAlive(now time.Time, timeout time.Duration) bool {
	return now.Sub(d.LastHeartbeat) <= timeout
}

// Matches проверяет, удовлетворяет ли делегат требованиям задачи.
func (d *Delegate) Matches(accountID string, selectors, capabilities []string) bool {
	if accountID != "" && d.AccountID != "" && d.AccountID != accountID {
		return false
	}
	for _, s := range selectors {
		if !slices.Contains(d.Selectors, s) {
			return false
		}
	}
	for _, c := range capabilities {
		if !slices.Contains(d.Capabilities, c) {
			return false
		}
	}
	return true
}

// DelegateHeartbeat — heartbeat делегата.
type DelegateHeartbeat struct {
	DelegateID   string   `json:"delegate_id"`
	AccountID    string   `json:"account_id,omitempty"`
	Selectors    []string `json:"selectors,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// PerpetualTaskState — состояние постоянной задачи.
type PerpetualTaskState string

const (
	PerpetualUnassigned PerpetualTaskState = "UNASSIGNED"
	PerpetualAssigned   PerpetualTaskState = "ASSIGNED"
	PerpetualPaused     PerpetualTaskState = "PAUSED"
)

// PerpetualTask — периодическая задача, закреплённая за одним делегатом.
//
// Делегат выполняет её каждые IntervalSec и подтверждает heartbeat'ом.
// Если делегат перестаёт присылать heartbeat дольше порога,
// задача переназначается другому подходящему делегату.
type PerpetualTask struct {
	// ID — уникальный идентификатор.
	ID string `json:"id"`

	// AccountID — аккаунт.
	AccountID string `json:"account_id,omitempty"`

	// Type — тип задачи (executor на стороне делегата).
	Type string `json:"type"`

	// Parameters — сериализованные параметры.
	Parameters []byte `json:"parameters,omitempty"`

	// Format — формат сериализации Parameters.
	Format string `json:"format"`

	// Selectors — требуемые селекторы делегата.
	Selectors []string `json:"selectors,omitempty"`

	// IntervalSec — период выполнения в секундах.
	IntervalSec int `json:"interval_sec"`

	// DelegateID — текущий исполнитель.
	DelegateID string `json:"delegate_id,omitempty"`

	// State — состояние назначения.
	State PerpetualTaskState `json:"state"`

	// AssignedAt — время назначения.
	AssignedAt *time.Time `json:"assigned_at,omitempty"`

	// LastHeartbeat — последнее подтверждение выполнения.
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Interval возвращает период выполнения.
func (p *PerpetualTask) Interval() time.Duration {
	if p.IntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(p.IntervalSec) * time.Second
}

// Assign закрепляет задачу за делегатом.
func (p *PerpetualTask) Assign(delegateID string, now time.Time) {
	p.DelegateID = delegateID
	p.State = PerpetualAssigned
	p.AssignedAt = &now
	p.LastHeartbeat = nil
}

// Unassign снимает задачу с делегата.
func (p *PerpetualTask) Unassign() {
	p.DelegateID = ""
	p.State = PerpetualUnassigned
	p.AssignedAt = nil
}
