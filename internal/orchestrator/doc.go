// Package orchestrator — движок выполнения плана.
//
// Engine проходит граф плана узел за узлом:
//   - InitiateNode создаёт NodeExecution, подставляет выражения,
//     проверяет условие пропуска и спрашивает фасилитатор о режиме
//   - SYNC шаги выполняются сразу, ASYNC/TASK/ASYNC_CHAIN/CHILD(REN)
//     переводят узел в ожидание и регистрируют корреляцию
//   - ResumeNode — единая точка возобновления, её вызывает корреллятор
//   - HandleStepResponse применяет политики (advisers) и выбирает
//     следующий узел, повтор или завершение ветки / плана
//
// Все переходы статусов — условные обновления (status + version),
// проигравший гонку писатель молча отбрасывает свою работу.
package orchestrator
