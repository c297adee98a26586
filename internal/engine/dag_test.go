package engine

import (
	"errors"
	"slices"
	"testing"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// chainPlan строит план A → B → C по ON_SUCCESS.
func chainPlan() *domain.Plan {
	return &domain.Plan{
		ID:             "plan-1",
		StartingNodeID: "A",
		Nodes: map[string]*domain.PlanNode{
			"A": {ID: "A", Identifier: "a", StepType: "transform",
				Edges: []domain.Edge{{Target: "B", Kind: domain.EdgeOnSuccess}}},
			"B": {ID: "B", Identifier: "b", StepType: "http",
				Edges: []domain.Edge{{Target: "C", Kind: domain.EdgeOnSuccess}}},
			"C": {ID: "C", Identifier: "c", StepType: "transform"},
		},
	}
}

// forkPlan строит план stage(CHILDREN: X, Y) → end, X → X2.
func forkPlan() *domain.Plan {
	return &domain.Plan{
		ID:             "plan-fork",
		StartingNodeID: "stage",
		Nodes: map[string]*domain.PlanNode{
			"stage": {ID: "stage", Identifier: "stage", StepType: "parallel", Group: domain.GroupStage,
				Children: []domain.ChildRef{{NodeID: "X"}, {NodeID: "Y", Optional: true}},
				Edges:    []domain.Edge{{Target: "end", Kind: domain.EdgeAlways}}},
			"X": {ID: "X", Identifier: "x", StepType: "http",
				Edges: []domain.Edge{{Target: "X2", Kind: domain.EdgeOnSuccess}}},
			"X2":  {ID: "X2", Identifier: "x2", StepType: "transform"},
			"Y":   {ID: "Y", Identifier: "y", StepType: "http"},
			"end": {ID: "end", Identifier: "end", StepType: "transform"},
		},
	}
}

func TestBuildGraph_SimpleChain(t *testing.T) {
	g, err := BuildGraph(chainPlan())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if g.Size() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.Size())
	}
	if !slices.Equal(g.Order, []string{"A", "B", "C"}) {
		t.Errorf("expected order A,B,C, got %v", g.Order)
	}
	if g.Start().ID != "A" {
		t.Errorf("expected start A, got %s", g.Start().ID)
	}
	if !slices.Equal(g.Predecessors("C"), []string{"B"}) {
		t.Errorf("expected C predecessors [B], got %v", g.Predecessors("C"))
	}
}

func TestBuildGraph_Children(t *testing.T) {
	g, err := BuildGraph(forkPlan())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	owner, ok := g.Owner("X")
	if !ok || owner != "stage" {
		t.Errorf("expected X owned by stage, got %q (%v)", owner, ok)
	}
	if _, ok := g.Owner("X2"); ok {
		t.Error("X2 is reached by edge, not owned")
	}

	// Родитель раньше детей в топологическом порядке
	pos := func(id string) int { return slices.Index(g.Order, id) }
	if pos("stage") > pos("X") || pos("X") > pos("X2") {
		t.Errorf("unexpected order %v", g.Order)
	}
}

func TestBuildGraph_Cycle(t *testing.T) {
	plan := chainPlan()
	plan.Nodes["C"].Edges = []domain.Edge{{Target: "A", Kind: domain.EdgeOnSuccess}}

	_, err := BuildGraph(plan)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestBuildGraph_CycleThroughChildren(t *testing.T) {
	plan := forkPlan()
	plan.Nodes["X2"].Children = []domain.ChildRef{{NodeID: "stage"}}

	_, err := BuildGraph(plan)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestGraph_Chain(t *testing.T) {
	g, err := BuildGraph(chainPlan())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := g.Chain("B"); !slices.Equal(got, []string{"B", "C"}) {
		t.Errorf("expected chain [B C], got %v", got)
	}

	fork, err := BuildGraph(forkPlan())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fork.Chain("stage"); !slices.Equal(got, []string{"stage", "end"}) {
		t.Errorf("expected ALWAYS edge followed, got %v", got)
	}
}
