// Package engine содержит всё, что движку нужно знать о графе плана.
//
// Включает:
//   - parser.go   — загрузка скомпилированного плана (YAML/JSON) и валидация
//   - dag.go      — индекс графа: топологический порядок, владельцы дочерних узлов
//   - expression.go — подстановка выражений ({{ .Inputs.x }}, {{ .Nodes.id.Outcomes.y }}), типизированные параметры
//
// Сам обход графа выполняет orchestrator; engine только отвечает
// на вопросы о структуре плана.
package engine
