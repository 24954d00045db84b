package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/api"
	"chatrelay/config"
	"chatrelay/kafka"
	"chatrelay/logger"
	"chatrelay/redisbus"
	"chatrelay/store"
)

func main() {
	if err := run(); err != nil {
		logger.Error("fatal", err)
		logger.Sync()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel, !cfg.IsProduction()); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	logger.Info("starting application",
		logger.FieldKV("env", cfg.Env),
		logger.FieldKV("store", cfg.StoreDriver),
		logger.FieldKV("broadcast", cfg.BroadcastMode))

	// Root context with cancellation for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	repo, err := store.Open(openCtx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := repo.Close(context.Background()); err != nil {
			logger.Error("close store", err)
		}
	}()

	hub := api.NewHub()
	opts := []api.Option{
		api.WithTimeout(cfg.StoreTimeout),
		api.WithMaxMessageLength(cfg.MaxMessageLength),
	}
	var broadcaster api.Broadcaster = hub
	relayErr := make(chan error, 1)
	r, name := newRelay(cfg, hub)
	if r != nil {
		defer func() {
			if err := r.Close(); err != nil {
				logger.Error("close relay", err, logger.FieldKV("transport", name))
			}
		}()
		broadcaster = r
		opts = append(opts, api.WithDeadLetter(r))
		go func() { relayErr <- r.Run(ctx) }()
	}

	handler := api.NewHandler(repo, broadcaster, api.NewMessageValidator(), opts...)
	server := api.NewServer(hub, handler, repo, cfg.SendBuffer)
	if r != nil {
		server.AddReadinessCheck(name, r.Ping)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", logger.FieldKV("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case err := <-relayErr:
		if err != nil {
			return fmt.Errorf("%s relay: %w", name, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", err)
	}
	hub.Close()
	drained := make(chan struct{})
	go func() {
		handler.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("in-flight requests still running at shutdown")
	}
	logger.Info("shutdown complete")
	return nil
}

// relay carries events between instances.
type relay interface {
	api.Broadcaster
	api.DeadLetter
	Run(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// newRelay returns the shared transport selected by cfg, or nil in local mode.
func newRelay(cfg *config.Config, hub *api.Hub) (relay, string) {
	switch cfg.BroadcastMode {
	case config.BroadcastKafka:
		return kafka.NewRelay(cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaDLQTopic, hub,
			kafka.WithBreaker(cfg.KafkaBreakerFailures, cfg.KafkaBreakerTimeout)), "kafka"
	case config.BroadcastRedis:
		return redisbus.New(redisbus.Options{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			Channel:       cfg.RedisChannel,
			DeadLetterKey: cfg.RedisDLQKey,
		}, hub), "redis"
	default:
		return nil, ""
	}
}
