package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Pipeliner/internal/mq"
	"github.com/shaiso/Pipeliner/internal/repo"
)

const defaultPollInterval = 10 * time.Second

// Consumer доставляет интерапты обработчику.
//
// Запускает:
//   - consumer очереди interrupts.registered (если есть RabbitMQ)
//   - polling горутину для fallback
type Consumer struct {
	handler      *Handler
	conn         *mq.Connection
	pollInterval time.Duration
	logger       *slog.Logger

	consumer   *mq.Consumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Handler *Handler

	// Conn — nil означает режим только polling.
	Conn *mq.Connection

	// PollInterval — интервал polling (default: 10s).
	PollInterval time.Duration

	Logger *slog.Logger
}

// NewConsumer создаёт Consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Consumer{
		handler:      cfg.Handler,
		conn:         cfg.Conn,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
	}
}

// Start запускает consumer и polling.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.logger.Info("starting interrupt consumer",
		"poll_interval", c.pollInterval,
		"mq", c.conn != nil,
	)

	if c.conn != nil {
		c.consumer = mq.NewConsumer(c.conn, c.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueInterruptsRegistered),
			Handler:  c.handleRegistered,
			Prefetch: 10,
		})

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("interrupt consumer error", "error", err)
			}
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(ctx)
	}()

	return nil
}

// Stop останавливает consumer и ждёт горутины.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	if c.consumer != nil {
		c.consumer.Stop()
	}
	c.wg.Wait()
	c.logger.Info("interrupt consumer stopped")
}

// handleRegistered обрабатывает событие interrupt.registered.
func (c *Consumer) handleRegistered(ctx context.Context, msg *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.InterruptRegisteredPayload](&msg.Message)
	if err != nil {
		return fmt.Errorf("%w: %v", mq.ErrReject, err)
	}
	if payload.InterruptID == "" {
		return fmt.Errorf("%w: empty interrupt id", mq.ErrReject)
	}

	if _, err := c.handler.Handle(ctx, payload.InterruptID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: interrupt %s not found", mq.ErrReject, payload.InterruptID)
		}
		return err
	}
	return nil
}

// pollLoop подхватывает интерапты, событие о которых потеряно.
func (c *Consumer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	// первый проход сразу: интерапты, созданные пока сервис был выключен
	c.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Consumer) poll(ctx context.Context) {
	n, err := c.handler.ProcessPending(ctx)
	if err != nil {
		c.logger.Error("failed to process pending interrupts", "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("poll processed interrupts", "count", n)
	}
}
