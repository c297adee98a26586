// Package agent — процесс делегата.
//
// Делегат — удалённый исполнитель задач TASK-узлов. Agent регистрируется
// на сервере heartbeat'ом и дальше работает по протоколу захвата:
//
//	Acquire → Start → Execute → PushResponse
//
// Задачи приходят двумя путями:
//
//   - рассылка pipeliner.tasks через персональную очередь делегата (если есть RabbitMQ)
//   - периодический опрос /delegates/{id}/tasks
//
// Опрос — источник истины: рассылка только ускоряет захват.
// Проигранный захват (409/410/403/404) — нормальный исход, не ошибка.
//
// Результат отправляется с повторами (backoff.Retry); 4xx не повторяются.
//
// Постоянные задачи (PerpetualTask) синхронизируются со списком сервера:
// каждая назначенная задача выполняется в своей горутине раз в Interval()
// и подтверждается heartbeat'ом. Если сервер отвечает, что задача
// переназначена, горутина останавливается.
//
// Типы задач задаются Registry: http, delay, transform, echo.
package agent
