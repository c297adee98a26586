package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// Допустимые типы adviser.
var validAdviserTypes = map[string]bool{
	"RETRY":          true,
	"IGNORE_FAILURE": true,
	"MARK_SUCCESS":   true,
	"ON_FAIL_NEXT":   true,
	"END_PLAN":       true,
}

// ParsePlan разбирает скомпилированный план.
//
// format — "yaml" или "json". JSON является подмножеством YAML,
// но разбирается encoding/json, чтобы числа оставались float64
// так же, как в HTTP API.
func ParsePlan(data []byte, format string) (*domain.Plan, error) {
	var plan domain.Plan

	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&plan); err != nil {
			return nil, fmt.Errorf("decode json plan: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("decode yaml plan: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported plan format: %s", format)
	}

	normalize(&plan)
	return &plan, nil
}

// LoadPlan читает план из файла. Формат определяется по расширению.
func LoadPlan(path string) (*domain.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if format == "" {
		format = "yaml"
	}

	return ParsePlan(data, format)
}

// normalize заполняет значения по умолчанию.
func normalize(plan *domain.Plan) {
	for key, node := range plan.Nodes {
		if node == nil {
			continue
		}
		if node.ID == "" {
			node.ID = key
		}
		if node.Identifier == "" {
			node.Identifier = node.ID
		}
		if node.Group == "" {
			node.Group = domain.GroupStep
		}
	}
}

// Validate выполняет полную структурную валидацию плана.
//
// Проверяет:
// - Наличие узлов и стартового узла
// - Совпадение ключа map и ID узла
// - Ссылки рёбер и детей на существующие узлы
// - Однозначность рёбер: одна цель на тип, ALWAYS исключает остальные
// - Настройки advisers
// - Отсутствие циклов (делегируется Graph)
func Validate(plan *domain.Plan) error {
	if plan == nil || len(plan.Nodes) == 0 {
		return ErrEmptyPlan
	}

	if _, ok := plan.Nodes[plan.StartingNodeID]; !ok {
		return NewValidationError("", "starting_node_id",
			fmt.Sprintf("starting node %q not found", plan.StartingNodeID), ErrMissingStartNode)
	}

	identifiers := make(map[string]string)

	for _, id := range sortedIDs(plan) {
		node := plan.Nodes[id]
		if node == nil || node.ID == "" {
			return NewValidationError(id, "id", "node has empty ID", ErrEmptyNodeID)
		}
		if node.ID != id {
			return NewValidationError(id, "id",
				fmt.Sprintf("node key %q does not match ID %q", id, node.ID), ErrDuplicateNodeID)
		}
		if other, ok := identifiers[node.Identifier]; ok {
			return NewValidationError(id, "identifier",
				fmt.Sprintf("identifier %q already used by %s", node.Identifier, other), ErrDuplicateNodeID)
		}
		identifiers[node.Identifier] = id

		if err := ValidateNode(plan, node); err != nil {
			return err
		}
	}

	if _, err := BuildGraph(plan); err != nil {
		return err
	}

	return nil
}

// ValidateNode валидирует один узел.
func ValidateNode(plan *domain.Plan, node *domain.PlanNode) error {
	if node.StepType == "" {
		return NewValidationError(node.ID, "step_type",
			"node has empty step type", ErrUnknownStepType)
	}

	kinds := make(map[domain.EdgeKind]bool)
	for _, e := range node.Edges {
		switch e.Kind {
		case domain.EdgeOnSuccess, domain.EdgeOnFailure, domain.EdgeAlways:
		default:
			return NewValidationError(node.ID, "edges",
				fmt.Sprintf("unknown edge kind: %s", e.Kind), ErrAmbiguousEdge)
		}
		if kinds[e.Kind] {
			return NewValidationError(node.ID, "edges",
				fmt.Sprintf("more than one %s edge", e.Kind), ErrAmbiguousEdge)
		}
		kinds[e.Kind] = true

		if err := checkReference(plan, node.ID, "edges", e.Target); err != nil {
			return err
		}
	}
	if kinds[domain.EdgeAlways] && len(kinds) > 1 {
		return NewValidationError(node.ID, "edges",
			"ALWAYS edge cannot be combined with other edges", ErrAmbiguousEdge)
	}

	for _, c := range node.Children {
		if err := checkReference(plan, node.ID, "children", c.NodeID); err != nil {
			return err
		}
	}

	for i, a := range node.Advisers {
		if !validAdviserTypes[a.Type] {
			return NewValidationError(node.ID, "advisers",
				fmt.Sprintf("adviser %d: unknown type %q", i, a.Type), ErrInvalidAdviser)
		}
		if a.Type == "ON_FAIL_NEXT" {
			if err := checkReference(plan, node.ID, "advisers", a.NextNodeID); err != nil {
				return err
			}
		}
	}

	return nil
}

// ValidateStepTypes проверяет, что каждый тип шага известен.
func ValidateStepTypes(plan *domain.Plan, known func(stepType string) bool) error {
	for _, id := range sortedIDs(plan) {
		node := plan.Nodes[id]
		if !known(node.StepType) {
			return NewValidationError(id, "step_type",
				fmt.Sprintf("unknown step type: %s", node.StepType), ErrUnknownStepType)
		}
	}
	return nil
}

func checkReference(plan *domain.Plan, nodeID, field, target string) error {
	if target == nodeID {
		return NewValidationError(nodeID, field, "node references itself", ErrSelfReference)
	}
	if _, ok := plan.Nodes[target]; !ok {
		return NewValidationError(nodeID, field,
			fmt.Sprintf("references unknown node: %s", target), ErrMissingReference)
	}
	return nil
}

// IsValidAdviserType проверяет, является ли тип adviser допустимым.
func IsValidAdviserType(t string) bool {
	return validAdviserTypes[t]
}
