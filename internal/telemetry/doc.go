// Package telemetry — логи, метрики и трассировка Pipeliner.
//
// logging.go настраивает slog по LOG_LEVEL/LOG_FORMAT и даёт хелперы,
// привязывающие логгер к выполнению (plan_execution_id, runtime_id,
// task_id, delegate_id). metrics.go объявляет Prometheus-метрики
// через promauto; сервер и делегат отдают их на /metrics.
// tracing.go — обвязка OpenTelemetry: noop-tracer по умолчанию и
// закрытие span с записью ошибки.
package telemetry
