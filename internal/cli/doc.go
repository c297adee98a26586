// Package cli реализует инструмент командной строки Pipeliner.
//
// # Обзор
//
// CLI — клиентская утилита для Pipeliner API. Работает только через HTTP;
// из внутренних пакетов использует domain (типы ответов) и engine
// (локальная валидация плана перед регистрацией).
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует запросы, разбор конвертов
// {"data": ...} и {"error": {...}} и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	plans, err := client.ListPlans()
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr:
// pipeliner exec list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - plan: list, register, show
//   - exec: list, start, show, nodes
//   - interrupt: send, show
//   - callback
//   - task: show, pending
//   - perpetual: create, delete
//   - constraint: show
//
// Каждая группа создаётся фабричной функцией (NewPlanCmd и т.д.),
// принимающей clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
