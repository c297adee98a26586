package domain

import "time"

// Level — один уровень стека контекста выполнения.
type Level struct {
	SetupID    string    `json:"setup_id"`
	RuntimeID  string    `json:"runtime_id"`
	Identifier string    `json:"identifier"`
	RetryIndex int       `json:"retry_index"`
	StepType   string    `json:"step_type"`
	Group      NodeGroup `json:"group"`
	StartTs    time.Time `json:"start_ts"`
}

// Ambiance — неизменяемый стек уровней от корня плана до текущего узла.
//
// Передаётся по значению. WithLevel всегда возвращает копию,
// исходный срез уровней никогда не модифицируется.
type Ambiance struct {
	PlanExecutionID string  `json:"plan_execution_id"`
	PlanID          string  `json:"plan_id"`
	AccountID       string  `json:"account_id,omitempty"`
	Levels          []Level `json:"levels"`
}

// NewAmbiance создаёт корневой контекст для выполнения плана.
func NewAmbiance(planExecutionID, planID, accountID string) Ambiance {
	return Ambiance{
		PlanExecutionID: planExecutionID,
		PlanID:          planID,
		AccountID:       accountID,
	}
}

// WithLevel возвращает новый контекст с добавленным уровнем.
func (a Ambiance) WithLevel(l Level) Ambiance {
	levels := make([]Level, len(a.Levels), len(a.Levels)+1)
	copy(levels, a.Levels)
	a.Levels = append(levels, l)
	return a
}

// Depth возвращает количество уровней.
func (a Ambiance) Depth() int {
	return len(a.Levels)
}

// CurrentLevel возвращает последний уровень или nil для корня.
func (a Ambiance) CurrentLevel() *Level {
	if len(a.Levels) == 0 {
		return nil
	}
	l := a.Levels[len(a.Levels)-1]
	return &l
}

// RuntimeID возвращает runtime id текущего уровня.
func (a Ambiance) RuntimeID() string {
	if l := a.CurrentLevel(); l != nil {
		return l.RuntimeID
	}
	return ""
}

// SetupID возвращает setup id текущего уровня.
func (a Ambiance) SetupID() string {
	if l := a.CurrentLevel(); l != nil {
		return l.SetupID
	}
	return ""
}

// FindLevel ищет ближайший к текущему узлу уровень указанной группы.
func (a Ambiance) FindLevel(group NodeGroup) *Level {
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].Group == group {
			l := a.Levels[i]
			return &l
		}
	}
	return nil
}

// Parent возвращает контекст без последнего уровня.
func (a Ambiance) Parent() Ambiance {
	if len(a.Levels) == 0 {
		return a
	}
	levels := make([]Level, len(a.Levels)-1)
	copy(levels, a.Levels[:len(a.Levels)-1])
	a.Levels = levels
	return a
}
