package engine

import (
	"slices"
	"sort"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Graph — индекс над скомпилированным планом.
//
// Plan хранит только исходящие связи узлов. Graph добавляет обратные:
// кто ссылается на узел через рёбра и кто владеет им как ребёнком.
// Строится один раз при регистрации плана и только читается.
type Graph struct {
	Plan *domain.Plan

	// Order — топологический порядок setup id (рёбра + дети).
	Order []string

	// predecessors — узлы, из которых есть ребро в данный.
	predecessors map[string][]string

	// owners — узел, в Children которого указан данный.
	owners map[string]string
}

// BuildGraph строит индекс и проверяет отсутствие циклов.
//
// Ожидает структурно валидный план (см. Validate).
func BuildGraph(plan *domain.Plan) (*Graph, error) {
	g := &Graph{
		Plan:         plan,
		predecessors: make(map[string][]string),
		owners:       make(map[string]string),
	}

	for _, id := range sortedIDs(plan) {
		node := plan.Nodes[id]
		for _, e := range node.Edges {
			g.predecessors[e.Target] = append(g.predecessors[e.Target], id)
		}
		for _, c := range node.Children {
			g.owners[c.NodeID] = id
		}
	}

	order, err := g.topologicalSort()
	if err != nil {
		return nil, err
	}
	g.Order = order

	return g, nil
}

// outgoing возвращает все узлы, на которые ссылается узел (рёбра и дети).
func outgoing(node *domain.PlanNode) []string {
	out := make([]string, 0, len(node.Edges)+len(node.Children))
	for _, e := range node.Edges {
		if !slices.Contains(out, e.Target) {
			out = append(out, e.Target)
		}
	}
	for _, c := range node.Children {
		if !slices.Contains(out, c.NodeID) {
			out = append(out, c.NodeID)
		}
	}
	return out
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ошибку, если обнаружен цикл.
func (g *Graph) topologicalSort() ([]string, error) {
	ids := sortedIDs(g.Plan)

	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, target := range outgoing(g.Plan.Nodes[id]) {
			inDegree[target]++
		}
	}

	queue := make([]string, 0)
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ids))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, target := range outgoing(g.Plan.Nodes[id]) {
			inDegree[target]--
			if inDegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}

	// Если не все узлы обработаны — есть цикл
	if len(order) != len(ids) {
		return nil, ErrCyclicDependency
	}

	return order, nil
}

// Node возвращает узел по setup id.
func (g *Graph) Node(id string) (*domain.PlanNode, bool) {
	return g.Plan.Node(id)
}

// Start возвращает стартовый узел.
func (g *Graph) Start() *domain.PlanNode {
	return g.Plan.Nodes[g.Plan.StartingNodeID]
}

// Predecessors возвращает узлы, из которых есть ребро в данный.
func (g *Graph) Predecessors(id string) []string {
	return g.predecessors[id]
}

// Owner возвращает узел, который запускает данный как ребёнка.
func (g *Graph) Owner(id string) (string, bool) {
	owner, ok := g.owners[id]
	return owner, ok
}

// Chain возвращает цепочку ON_SUCCESS/ALWAYS начиная с узла.
// Используется для пропуска цепочки по SkipExpressionChain.
func (g *Graph) Chain(id string) []string {
	chain := make([]string, 0)
	seen := make(map[string]bool)

	for id != "" && !seen[id] {
		seen[id] = true
		chain = append(chain, id)

		node, ok := g.Plan.Nodes[id]
		if !ok {
			break
		}
		next, ok := node.Next(domain.EdgeOnSuccess)
		if !ok {
			next, _ = node.Next(domain.EdgeAlways)
		}
		id = next
	}

	return chain
}

// Size возвращает количество узлов.
func (g *Graph) Size() int {
	return len(g.Plan.Nodes)
}

func sortedIDs(plan *domain.Plan) []string {
	ids := make([]string, 0, len(plan.Nodes))
	for id := range plan.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
