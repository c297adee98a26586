// Package steps содержит реализации типов шагов плана.
//
// # Обзор
//
// Шаг — точка расширения движка. Каждый тип шага реализует один или
// несколько режимов выполнения, которые выбирает фасилитатор:
//
//	SYNC        SyncStep.Execute — выполняется внутри инициации узла
//	ASYNC       AsyncStep.ExecuteAsync + HandleAsyncResponse — ждёт callback id
//	TASK        TaskStep.ObtainTasks + HandleTaskResults — работа уходит делегатам
//	ASYNC_CHAIN ChainStep.StartLink + FinalizeChain — последовательность задач
//	CHILD(REN)  ChildrenStep.AggregateOutcomes — дочерние ветки плана
//
// Шаги не ходят в хранилище и не знают о корреляции: они возвращают
// описание работы (callback id, задачи), а движок регистрирует
// ожидания и возобновляет узел ответами.
//
// # Встроенные шаги
//
//	http                 CONDITIONAL_TASK, SYNC  (inline: true — синхронно)
//	transform            SYNC
//	delay                ASYNC (таймер; истечение — успех)
//	callback             ASYNC (ответ внешней системы)
//	resource_constraint  ASYNC (FIFO-семафор; ACTIVE — сразу, BLOCKED — ждёт consumer id)
//	task                 TASK
//	task_chain           ASYNC_CHAIN
//	parallel             CHILDREN
//	stage                CHILD
//
// # Registry
//
// Registry хранит реализации и фасилитаторы по умолчанию. StepDefaults
// передаётся в facilitator.Config при сборке сервиса:
//
//	registry := steps.DefaultRegistry(steps.Deps{Constraints: manager})
//	facilitators, err := facilitator.NewRegistry(facilitator.Config{
//	    StepDefaults: registry.StepDefaults(),
//	})
//
// # Ошибки
//
// Ошибка, возвращённая шагом, — внутренняя ошибка движка (узел ERRORED).
// Штатная неудача возвращается как Result со статусом FAILED.
package steps
