// Package api содержит HTTP API сервер (chi).
//
// Структура:
//   - handler.go           — Handler с DI (сервисы, logger)
//   - routes.go            — chi-роутер, /healthz, /metrics
//   - middleware.go        — логирование, метрики по шаблону маршрута, recovery
//   - response.go          — унифицированные JSON-ответы и отображение ошибок в HTTP
//   - dto.go               — Data Transfer Objects (request/response)
//   - plan_handler.go      — /plans
//   - execution_handler.go — /executions, /interrupts, /callbacks
//   - delegate_handler.go  — протокол делегата, /perpetual-tasks, /constraints
//
// Успешный ответ — {"data": ...}, ошибка — {"error": {"code", "message"}}.
package api
