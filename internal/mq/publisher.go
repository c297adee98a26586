package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// route — обменник и ключ маршрутизации типа сообщения.
type route struct {
	exchange Exchange
	key      RoutingKey
	mode     uint8
}

// routes: рассылка и интерапты persistent, события наблюдателям не
// переживают рестарт брокера.
var routes = map[MessageType]route{
	MessageTypeTaskBroadcast:       {ExchangeTasks, "", amqp.Persistent},
	MessageTypeInterruptRegistered: {ExchangeInterrupts, RoutingKeyRegistered, amqp.Persistent},
	MessageTypeNodeStatusChanged:   {ExchangeEvents, RoutingKeyNodeStatusChanged, amqp.Transient},
	MessageTypeOrchestrationEnd:    {ExchangeEvents, RoutingKeyOrchestrationEnd, amqp.Transient},
}

// Publisher публикует сообщения Pipeliner.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger, now: time.Now}
}

// envelope оборачивает payload в Message с новым id.
func (p *Publisher) envelope(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: p.now().UTC(),
	}
}

// Emit публикует payload по маршруту его типа.
func (p *Publisher) Emit(ctx context.Context, msgType MessageType, payload any) error {
	r, ok := routes[msgType]
	if !ok {
		return fmt.Errorf("no route for message type %q", msgType)
	}

	msg := p.envelope(msgType, payload)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: r.mode,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msgType),
		Body:         body,
	}

	err = p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, string(r.exchange), string(r.key), false, false, publishing)
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", msgType, r.exchange, err)
	}

	p.logger.Debug("message published", "type", msgType, "message_id", msg.ID, "exchange", r.exchange)
	return nil
}

// BroadcastTask рассылает задачу делегатам текущего раунда.
func (p *Publisher) BroadcastTask(ctx context.Context, task *domain.DelegateTask, delegates []string) error {
	return p.Emit(ctx, MessageTypeTaskBroadcast, TaskBroadcastPayload{
		TaskID:    task.ID,
		Type:      task.Type,
		AccountID: task.AccountID,
		Delegates: delegates,
	})
}

// PublishInterruptRegistered передаёт интерапт экземплярам сервера.
func (p *Publisher) PublishInterruptRegistered(ctx context.Context, i *domain.Interrupt) error {
	return p.Emit(ctx, MessageTypeInterruptRegistered, InterruptRegisteredPayload{
		InterruptID:     i.ID,
		PlanExecutionID: i.PlanExecutionID,
		Type:            i.Type,
	})
}

func (p *Publisher) PublishNodeStatusChanged(ctx context.Context, payload NodeStatusChangedPayload) error {
	return p.Emit(ctx, MessageTypeNodeStatusChanged, payload)
}

func (p *Publisher) PublishOrchestrationEnd(ctx context.Context, payload OrchestrationEndPayload) error {
	return p.Emit(ctx, MessageTypeOrchestrationEnd, payload)
}
