// Package delegate реализует серверную сторону протокола делегатов.
//
// Жизненный цикл задачи:
//
//	Enqueue      → QUEUED, рассылка ≤10 подходящим делегатам
//	Acquire      → QUEUED → ACQUIRED (CAS, ровно один делегат)
//	MarkStarted  → ACQUIRED → STARTED
//	PushResponse → уведомление корреллятора, затем STARTED → SUCCEEDED | FAILED
//	ExpireStale  → просроченные задачи → EXPIRED + синтетическая ошибка
//	Rebroadcast  → незахваченные задачи рассылаются следующим делегатам
//
// База данных — источник истины: рассылка через RabbitMQ лишь ускоряет
// захват, делегат всегда может получить задачи опросом PendingTasks.
package delegate
