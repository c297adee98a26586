package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// reconnectPolicy — задержки между попытками переподключения.
var reconnectPolicy = &domain.RetryPolicy{
	Backoff:        "exponential",
	InitialDelayMs: 1000,
	MaxDelayMs:     30000,
}

// Connection — AMQP соединение с автоматическим переподключением.
//
// Объявленная через Declare топология повторно объявляется на каждом
// новом канале: exclusive очередь делегата исчезает вместе со старым
// соединением.
type Connection struct {
	url    string
	logger *slog.Logger

	mu         sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	topologies []Topology

	// generation закрывается при каждом успешном переподключении
	generation chan struct{}

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewConnection подключается к RabbitMQ. Первая попытка синхронная:
// ошибка возвращается вызывающему.
func NewConnection(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		url:        url,
		logger:     logger,
		generation: make(chan struct{}),
		closedCh:   make(chan struct{}),
	}

	if err := c.dial(); err != nil {
		return nil, err
	}

	go c.supervise()

	return c, nil
}

// dial открывает соединение и канал, затем объявляет зарегистрированную
// топологию.
func (c *Connection) dial() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.topologies {
		if err := t.Declare(ch); err != nil {
			conn.Close()
			return fmt.Errorf("redeclare topology: %w", err)
		}
	}

	c.conn = conn
	c.channel = ch

	c.logger.Info("connected to RabbitMQ", "server_version", conn.Properties["version"])
	return nil
}

// supervise ждёт разрыва соединения и восстанавливает его.
func (c *Connection) supervise() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		lost := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.closedCh:
			return
		case err := <-lost:
			if err != nil {
				c.logger.Warn("connection lost", "error", err)
			}
		}

		if !c.redial() {
			return
		}
	}
}

// redial переподключается с растущей задержкой. false — соединение
// закрыто вызывающим.
func (c *Connection) redial() bool {
	for attempt := 1; ; attempt++ {
		delay := reconnectPolicy.Delay(attempt)

		select {
		case <-c.closedCh:
			return false
		case <-time.After(delay):
		}

		if err := c.dial(); err != nil {
			c.logger.Warn("reconnect failed", "attempt", attempt, "next_delay", reconnectPolicy.Delay(attempt+1), "error", err)
			continue
		}

		c.mu.Lock()
		close(c.generation)
		c.generation = make(chan struct{})
		c.mu.Unlock()

		c.logger.Info("reconnected to RabbitMQ", "attempts", attempt)
		return true
	}
}

// Declare объявляет топологию на текущем канале и запоминает её для
// повторного объявления после переподключения.
func (c *Connection) Declare(ctx context.Context, t Topology) error {
	err := c.WithChannel(ctx, t.Declare)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.topologies = append(c.topologies, t)
	c.mu.Unlock()
	return nil
}

// Channel возвращает текущий канал.
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// ReconnectNotify возвращает канал, который закроется при следующем
// переподключении. Брать его нужно до попытки подписки.
func (c *Connection) ReconnectNotify() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// WithChannel выполняет fn с текущим каналом.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch := c.Channel()
	if ch == nil || ch.IsClosed() {
		return ErrNoChannel
	}
	return fn(ch)
}

// Close закрывает соединение и останавливает переподключение.
func (c *Connection) Close() error {
	var errs []error

	c.closeOnce.Do(func() {
		close(c.closedCh)

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.channel != nil && !c.channel.IsClosed() {
			if err := c.channel.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close channel: %w", err))
			}
		}
		if c.conn != nil && !c.conn.IsClosed() {
			if err := c.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
		c.logger.Info("connection closed")
	})

	return errors.Join(errs...)
}
