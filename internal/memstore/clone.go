package memstore

import (
	"maps"
	"slices"

	"github.com/shaiso/Pipeliner/internal/domain"
)

func clonePlanExecution(p *domain.PlanExecution) *domain.PlanExecution {
	c := *p
	c.Inputs = maps.Clone(p.Inputs)
	return &c
}

func cloneNode(n *domain.NodeExecution) *domain.NodeExecution {
	c := *n
	c.Ambiance.Levels = slices.Clone(n.Ambiance.Levels)
	c.RetryIDs = slices.Clone(n.RetryIDs)
	c.ResolvedParameters = maps.Clone(n.ResolvedParameters)
	c.Outcomes = maps.Clone(n.Outcomes)
	if n.FailureInfo != nil {
		fi := *n.FailureInfo
		c.FailureInfo = &fi
	}
	if n.ExecutableResponse != nil {
		er := *n.ExecutableResponse
		er.CallbackIDs = slices.Clone(er.CallbackIDs)
		er.TaskIDs = slices.Clone(er.TaskIDs)
		er.Children = slices.Clone(er.Children)
		c.ExecutableResponse = &er
	}
	return &c
}

func cloneWait(w *domain.WaitInstance) *domain.WaitInstance {
	c := *w
	c.CorrelationIDs = slices.Clone(w.CorrelationIDs)
	c.WaitingOn = slices.Clone(w.WaitingOn)
	return &c
}

func cloneTask(t *domain.DelegateTask) *domain.DelegateTask {
	c := *t
	c.Parameters = slices.Clone(t.Parameters)
	c.Selectors = slices.Clone(t.Selectors)
	c.Capabilities = slices.Clone(t.Capabilities)
	c.EligibleDelegates = slices.Clone(t.EligibleDelegates)
	c.AlreadyTried = slices.Clone(t.AlreadyTried)
	c.Result = slices.Clone(t.Result)
	return &c
}

func cloneDelegate(d *domain.Delegate) *domain.Delegate {
	c := *d
	c.Selectors = slices.Clone(d.Selectors)
	c.Capabilities = slices.Clone(d.Capabilities)
	return &c
}

func clonePerpetual(p *domain.PerpetualTask) *domain.PerpetualTask {
	c := *p
	c.Parameters = slices.Clone(p.Parameters)
	c.Selectors = slices.Clone(p.Selectors)
	return &c
}

func cloneConstraint(ci *domain.ConstraintInstance) *domain.ConstraintInstance {
	c := *ci
	return &c
}

func cloneInterrupt(i *domain.Interrupt) *domain.Interrupt {
	c := *i
	return &c
}
