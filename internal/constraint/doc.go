// Package constraint реализует распределённый FIFO-семафор над именованными ресурсами.
//
// Каждый запрос — экземпляр (consumer) с монотонным Order внутри ресурса.
// Экземпляр становится ACTIVE, только если перед ним нет BLOCKED и
// сумма Permits ACTIVE-экземпляров с учётом нового не превышает Capacity.
// Освобождение продвигает BLOCKED строго по порядку и будит ждущий шаг
// через DoneWith(consumerID, ConstraintResponse).
//
// Все изменения одного ресурса выполняются под блокировкой ресурса
// (pg_advisory_xact_lock в PostgreSQL, mutex в памяти).
package constraint
