package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

const (
	// ExchangeTasks — рассылка task.broadcast всем делегатам (fanout).
	ExchangeTasks Exchange = "pipeliner.tasks"
	// ExchangeInterrupts — интерапты на обработку.
	ExchangeInterrupts Exchange = "pipeliner.interrupts"
	// ExchangeEvents — события выполнения для внешних наблюдателей.
	ExchangeEvents Exchange = "pipeliner.events"
	ExchangeDLQ    Exchange = "pipeliner.dlq"
)

const (
	QueueInterruptsRegistered Queue = "interrupts.registered"
	QueueDLQInterrupts        Queue = "dlq.interrupts"
)

const (
	RoutingKeyRegistered        RoutingKey = "registered"
	RoutingKeyNodeStatusChanged RoutingKey = "node.status_changed"
	RoutingKeyOrchestrationEnd  RoutingKey = "orchestration.end"
	RoutingKeyDLQInterrupts     RoutingKey = "interrupts"
)

// ExchangeSpec описывает обменник. Все обменники durable.
type ExchangeSpec struct {
	Name Exchange
	Kind string
}

// QueueSpec описывает очередь.
type QueueSpec struct {
	Name Queue

	// Transient — очередь живёт, пока живо соединение
	// (non-durable, exclusive, auto-delete).
	Transient bool

	// DeadLetter — куда уходят отклонённые сообщения.
	DeadLetter *Binding
}

// Binding — привязка очереди к обменнику.
type Binding struct {
	Queue      Queue
	Exchange   Exchange
	RoutingKey RoutingKey
}

// Topology — набор обменников, очередей и привязок.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []Binding
}

// ServerTopology — топология сервера: интерапты с DLQ, события и
// обменник рассылки задач.
func ServerTopology() Topology {
	return Topology{
		Exchanges: []ExchangeSpec{
			{ExchangeTasks, amqp.ExchangeFanout},
			{ExchangeInterrupts, amqp.ExchangeDirect},
			{ExchangeEvents, amqp.ExchangeTopic},
			{ExchangeDLQ, amqp.ExchangeDirect},
		},
		Queues: []QueueSpec{
			{
				Name: QueueInterruptsRegistered,
				// непринятые интерапты всё равно подберёт ProcessPending
				DeadLetter: &Binding{Exchange: ExchangeDLQ, RoutingKey: RoutingKeyDLQInterrupts},
			},
			{Name: QueueDLQInterrupts},
		},
		Bindings: []Binding{
			{QueueInterruptsRegistered, ExchangeInterrupts, RoutingKeyRegistered},
			{QueueDLQInterrupts, ExchangeDLQ, RoutingKeyDLQInterrupts},
		},
	}
}

// DelegateQueue возвращает имя очереди рассылки делегата.
func DelegateQueue(delegateID string) Queue {
	return Queue("tasks.delegate." + delegateID)
}

// DelegateTopology — transient очередь делегата, привязанная к
// pipeliner.tasks.
func DelegateTopology(delegateID string) Topology {
	q := DelegateQueue(delegateID)
	return Topology{
		Exchanges: []ExchangeSpec{{ExchangeTasks, amqp.ExchangeFanout}},
		Queues:    []QueueSpec{{Name: q, Transient: true}},
		Bindings:  []Binding{{Queue: q, Exchange: ExchangeTasks}},
	}
}

// Declare объявляет топологию на канале.
func (t Topology) Declare(ch *amqp.Channel) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(string(ex.Name), ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	for _, q := range t.Queues {
		durable, exclusive := !q.Transient, q.Transient
		if _, err := ch.QueueDeclare(string(q.Name), durable, q.Transient, exclusive, false, q.arguments()); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
	}

	for _, b := range t.Bindings {
		if err := ch.QueueBind(string(b.Queue), string(b.RoutingKey), string(b.Exchange), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.Exchange, err)
		}
	}

	return nil
}

func (q QueueSpec) arguments() amqp.Table {
	if q.DeadLetter == nil {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    string(q.DeadLetter.Exchange),
		"x-dead-letter-routing-key": string(q.DeadLetter.RoutingKey),
	}
}

// SetupTopology объявляет топологию сервера.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.Declare(ctx, ServerTopology())
}

// DeclareDelegateQueue объявляет очередь рассылки делегата. После
// переподключения очередь объявляется заново.
func DeclareDelegateQueue(ctx context.Context, conn *Connection, delegateID string) (Queue, error) {
	return DelegateQueue(delegateID), conn.Declare(ctx, DelegateTopology(delegateID))
}
