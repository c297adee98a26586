// Package mq — транспорт Pipeliner поверх RabbitMQ.
//
// Брокер ускоряет доставку, но не хранит состояние: задачи, интерапты и
// ответы лежат в БД, а polling-циклы подбирают всё, что потерялось в
// очереди. Без RABBITMQ_URL сервер и делегат работают только на polling.
//
// Сообщения (JSON-конверт Message):
//   - task.broadcast       — pipeliner.tasks (fanout), очередь tasks.delegate.<id> у каждого делегата
//   - interrupt.registered — pipeliner.interrupts, очередь interrupts.registered с DLQ
//   - node.status_changed, orchestration.end — pipeliner.events (topic), transient
//
// Topology объявляется через Connection.Declare и повторно объявляется
// после каждого переподключения.
package mq
