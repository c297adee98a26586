package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler — функция обработки сообщения. Результат переводится в
// подтверждение через Settle.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	Message Message

	// RoutingKey — ключ, с которым сообщение опубликовано.
	RoutingKey string

	// Redelivered — сообщение уже доставлялось и не было подтверждено.
	Redelivered bool
}

// Disposition — как подтвердить сообщение.
type Disposition int

const (
	// Ack — сообщение обработано (или адресовано не нам).
	Ack Disposition = iota
	// Requeue — временная ошибка, вернуть в очередь.
	Requeue
	// DeadLetter — nack без requeue, сообщение уходит в DLQ.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// Settle переводит результат обработчика в подтверждение.
//
// nil и ErrNotForDelegate — ack. ErrReject — DLQ. Прочие ошибки
// возвращают сообщение в очередь один раз: повторная неудача после
// redelivery отправляет его в DLQ. Состояние, которое несут события,
// всё равно подбирают polling-циклы.
func Settle(err error, redelivered bool) Disposition {
	switch {
	case err == nil, errors.Is(err, ErrNotForDelegate):
		return Ack
	case errors.Is(err, ErrReject), redelivered:
		return DeadLetter
	default:
		return Requeue
	}
}

// Consumer потребляет очередь RabbitMQ и переподписывается после
// переподключения Connection.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	tag      string
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	Queue   string
	Handler Handler

	// Prefetch — неподтверждённых сообщений на канал (default: 1).
	Prefetch int

	// Tag — consumer tag (default: pipeliner-<uuid>).
	Tag string
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Tag == "" {
		cfg.Tag = "pipeliner-" + uuid.NewString()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", cfg.Queue),
		queue:    cfg.Queue,
		tag:      cfg.Tag,
		handler:  cfg.Handler,
		prefetch: cfg.Prefetch,
	}
}

// Start потребляет очередь до отмены ctx. Блокирует.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		reconnected := c.conn.ReconnectNotify()

		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe", "error", err)
		} else {
			c.logger.Info("consumer started", "tag", c.tag)
			c.drain(ctx, deliveries)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		// канал закрыт или подписка не удалась — ждём переподключения
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
			c.logger.Info("reconnected, resubscribing")
		}
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	// ack вручную через Settle
	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// drain обрабатывает сообщения, пока канал открыт и ctx жив.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("malformed message", "error", err, "body", string(raw.Body))
		raw.Nack(false, false)
		return
	}

	err := c.handler(ctx, &Delivery{
		Message:     msg,
		RoutingKey:  raw.RoutingKey,
		Redelivered: raw.Redelivered,
	})

	d := Settle(err, raw.Redelivered)
	switch d {
	case Ack:
		raw.Ack(false)
	case Requeue:
		c.logger.Warn("handler failed, requeued", "message_id", msg.ID, "type", msg.Type, "error", err)
		raw.Nack(false, true)
	case DeadLetter:
		c.logger.Error("message dead-lettered", "message_id", msg.ID, "type", msg.Type, "error", err)
		raw.Nack(false, false)
	}
}
