// Command mcp-sse-server serves the counter service over MCP SSE, mounted
// inside a small host application.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/mcp-sse-go/broker"
	"github.com/ggoodman/mcp-sse-go/broker/memory"
	redisbroker "github.com/ggoodman/mcp-sse-go/broker/redis"
	"github.com/ggoodman/mcp-sse-go/examples/counter"
	"github.com/ggoodman/mcp-sse-go/internal/config"
	"github.com/ggoodman/mcp-sse-go/internal/hostapp"
	"github.com/ggoodman/mcp-sse-go/internal/metrics"
	"github.com/ggoodman/mcp-sse-go/mcp"
	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/ggoodman/mcp-sse-go/ssetransport"
	"github.com/redis/go-redis/v9"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeBroker, err := newBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBroker()

	m := metrics.New()
	reg := sessions.NewRegistry(b, counter.NewFactory(&counter.Shared{Greeting: cfg.GreetingData}),
		sessions.WithLogger(log),
		sessions.WithMetrics(m),
		sessions.WithMaxSessions(cfg.MaxSessions),
		sessions.WithInboundQueueSize(cfg.InboundQueueSize),
		sessions.WithIdleTimeout(cfg.SessionIdleTimeout),
		sessions.WithServerInfo(mcp.ImplementationInfo{Name: "mcp-sse-server", Version: version}),
	)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	tr := ssetransport.New(bgCtx, reg,
		ssetransport.WithLogger(log),
		ssetransport.WithKeepAlive(cfg.KeepAlive),
	)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: hostapp.NewRouter(&hostapp.State{Data: cfg.GreetingData}, tr, hostapp.Options{
			MountPath: cfg.MountPath,
			Metrics:   m,
			Logger:    log,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Addr), slog.String("mount", cfg.MountPath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Ending the sessions first releases every open event stream, which would
	// otherwise hold srv.Shutdown until the grace period ran out.
	if err := tr.Shutdown(shutdownCtx); err != nil {
		log.Warn("transport.shutdown.fail", slog.String("err", err.Error()))
	}
	cancelBg()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}

// newBroker picks Redis Streams when REDIS_ADDR is set and the in-memory
// broker otherwise.
func newBroker(ctx context.Context, cfg *config.Config, log *slog.Logger) (broker.Broker, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("broker.memory")
		return memory.New(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	b := redisbroker.New(redisbroker.Config{
		Client:    client,
		KeyPrefix: cfg.RedisKeyPrefix,
	})
	log.Info("broker.redis", slog.String("addr", cfg.RedisAddr))
	return b, func() { _ = b.Close() }, nil
}
