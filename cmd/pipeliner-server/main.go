// Pipeliner Server — ядро исполнения планов.
//
// Server:
//   - Хранит планы и выполнения в PostgreSQL
//   - Ведёт узлы через оркестратор и коррелятор ожиданий
//   - Раздаёт задачи делегатам (HTTP polling + broadcast через RabbitMQ)
//   - Обрабатывает интеррапты и ресурсные ограничения
//   - Запускает фоновую реконсиляцию на лидере
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Pipeliner/internal/api"
	"github.com/shaiso/Pipeliner/internal/blobstore"
	"github.com/shaiso/Pipeliner/internal/constraint"
	"github.com/shaiso/Pipeliner/internal/delegate"
	"github.com/shaiso/Pipeliner/internal/facilitator"
	"github.com/shaiso/Pipeliner/internal/interrupt"
	"github.com/shaiso/Pipeliner/internal/mq"
	"github.com/shaiso/Pipeliner/internal/orchestrator"
	"github.com/shaiso/Pipeliner/internal/reconciler"
	"github.com/shaiso/Pipeliner/internal/repo"
	"github.com/shaiso/Pipeliner/internal/steps"
	"github.com/shaiso/Pipeliner/internal/telemetry"
	"github.com/shaiso/Pipeliner/internal/waitnotify"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting pipeliner-server")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("pipeliner-server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("pipeliner-server stopped")
}

func run(ctx context.Context, logger *slog.Logger) error {
	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repo.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("database connected")

	store := repo.NewStore(pool)

	// RabbitMQ (опционально)
	var (
		mqConn      *mq.Connection
		events      orchestrator.EventPublisher
		broadcaster delegate.Broadcaster
		announcer   interrupt.Publisher
	)
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL != "" {
		mqConn, err = mq.NewConnection(mqURL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			publisher := mq.NewPublisher(mqConn, logger)
			events, broadcaster, announcer = publisher, publisher, publisher
			logger.Info("RabbitMQ connected")
		}
	} else {
		logger.Info("RABBITMQ_URL not set, running in polling-only mode")
	}

	// Blob store (опционально)
	var blobs blobstore.Store
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		ms, err := blobstore.NewMinioStore(ctx, blobstore.Config{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envOr("MINIO_BUCKET", "pipeliner-results"),
			UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		})
		if err != nil {
			logger.Warn("blob store not available, large results stay inline", "error", err)
		} else {
			blobs = ms
			logger.Info("blob store connected", "endpoint", endpoint)
		}
	}

	// Сервисы
	delegates := delegate.New(delegate.Config{
		Store:       store,
		Broadcaster: broadcaster,
		Blobs:       blobs,
		Logger:      logger.With("component", "delegate"),
	})
	correlator := waitnotify.New(waitnotify.Config{
		Store:  store,
		Queue:  delegates,
		Tracer: otel.Tracer("pipeliner/waitnotify"),
		Logger: logger.With("component", "waitnotify"),
	})
	delegates.SetNotifier(correlator)

	constraints := constraint.New(constraint.Config{
		Store:    store,
		Lookup:   store,
		Notifier: correlator,
		Logger:   logger.With("component", "constraint"),
	})

	registry := steps.DefaultRegistry(steps.Deps{
		Constraints: constraints,
		Logger:      logger.With("component", "steps"),
	})
	facilitators, err := facilitator.NewRegistry(facilitator.Config{StepDefaults: registry.StepDefaults()})
	if err != nil {
		return err
	}

	engine := orchestrator.New(orchestrator.Config{
		Store:        store,
		Steps:        registry,
		Facilitators: facilitators,
		Correlator:   correlator,
		Tasks:        delegates,
		Constraints:  constraints,
		Publisher:    events,
		Blobs:        blobs,
		Tracer:       otel.Tracer("pipeliner/orchestrator"),
		Logger:       logger.With("component", "orchestrator"),
	})
	correlator.SetResumer(engine)

	interrupts := interrupt.New(interrupt.Config{
		Store:     store,
		Controls:  engine,
		Publisher: announcer,
		Logger:    logger.With("component", "interrupt"),
	})
	engine.SetInterruptCloser(interrupts)

	interruptConsumer := interrupt.NewConsumer(interrupt.ConsumerConfig{
		Handler: interrupts,
		Conn:    mqConn,
		Logger:  logger.With("component", "interrupt-consumer"),
	})

	// Реконсиляция на лидере
	leader := repo.NewLeaderLock(pool, repo.ReconcilerLockKey)
	rec, err := reconciler.New(reconciler.Config{
		Jobs: reconciler.StandardJobs(reconciler.Deps{
			Constraints: constraints,
			Delegates:   delegates,
			Waits:       correlator,
			Nodes:       engine,
			Interrupts:  interrupts,
		}, envDuration("RECONCILE_INTERVAL", reconciler.DefaultInterval)),
		Leader: leader,
		Logger: logger.With("component", "reconciler"),
	})
	if err != nil {
		return err
	}

	// HTTP API
	handler := api.NewHandler(api.Config{
		Store:       store,
		Engine:      engine,
		Interrupts:  interrupts,
		Delegates:   delegates,
		Constraints: constraints,
		Correlator:  correlator,
		Logger:      logger.With("component", "api"),
	})
	server := &http.Server{
		Addr:              ":" + envOr("SERVER_PORT", "8080"),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// graceful shutdown с таймаутом 10 секунд
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := interruptConsumer.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		interruptConsumer.Stop()
		return nil
	})

	g.Go(func() error {
		defer func() {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			leader.Release(releaseCtx)
		}()
		return rec.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration понимает "30s" и просто секунды.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
