// Pipeliner Delegate — агент, выполняющий задачи на стороне исполнителя.
//
// Delegate:
//   - Регистрируется на сервере и шлёт heartbeat
//   - Забирает задачи polling-ом и по broadcast из RabbitMQ
//   - Выполняет их (http, delay, transform, echo) и отправляет результат
//   - Ведёт назначенные ему постоянные задачи
//
// Делегаты масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Pipeliner/internal/agent"
	"github.com/shaiso/Pipeliner/internal/mq"
	"github.com/shaiso/Pipeliner/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting pipeliner-delegate", "version", version)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Флаги главнее переменных окружения
	hostname, _ := os.Hostname()
	flagSet := pflag.NewFlagSet("pipeliner-delegate", pflag.ContinueOnError)
	delegateID := flagSet.String("id", envOr("DELEGATE_ID", hostname), "delegate ID")
	serverURL := flagSet.String("server-url", envOr("SERVER_URL", "http://localhost:8080"), "Pipeliner server URL")
	mqURL := flagSet.String("rabbitmq-url", os.Getenv("RABBITMQ_URL"), "RabbitMQ URL (empty: polling only)")
	accountID := flagSet.String("account", os.Getenv("DELEGATE_ACCOUNT_ID"), "account ID")
	selectors := flagSet.StringSlice("selectors", splitList(os.Getenv("DELEGATE_SELECTORS")), "delegate selectors")
	capabilities := flagSet.StringSlice("capabilities", splitList(os.Getenv("DELEGATE_CAPABILITIES")), "delegate capabilities")
	maxConcurrent := flagSet.Int("max-concurrent", envInt("DELEGATE_MAX_CONCURRENT", 0), "tasks executed at once (0: default)")
	port := flagSet.String("port", envOr("DELEGATE_PORT", "8082"), "port for /healthz and /metrics")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error("invalid flags", "error", err)
		os.Exit(2)
	}

	// RabbitMQ (опционально)
	var mqConn *mq.Connection
	if *mqURL != "" {
		conn, err := mq.NewConnection(*mqURL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		} else {
			defer conn.Close()
			mqConn = conn
			logger.Info("RabbitMQ connected")
		}
	}

	a, err := agent.New(agent.Config{
		Server:        agent.NewClient(*serverURL),
		DelegateID:    *delegateID,
		AccountID:     *accountID,
		Selectors:     *selectors,
		Capabilities:  *capabilities,
		Version:       version,
		Conn:          mqConn,
		MaxConcurrent: *maxConcurrent,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":" + *port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeliner-delegate failed", "error", err)
		os.Exit(1)
	}
	logger.Info("pipeliner-delegate stopped")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}
