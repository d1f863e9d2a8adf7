package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shieldstaff/callsignal/internal/config"
	"github.com/shieldstaff/callsignal/internal/gateway"
	"github.com/shieldstaff/callsignal/internal/gateway/pgstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callgwd: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callgwd", "http_port", cfg.HTTPPort)

	if cfg.DatabaseURL == "" {
		slog.Error("no database-url configured, accounts require postgresql")
		os.Exit(1)
	}
	store, err := pgstore.New(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open postgresql store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Mailbox: Redis in production, in-memory for single-node setups.
	var mailbox gateway.Mailbox
	if cfg.RedisURL != "" {
		redisBox, err := gateway.NewRedisMailbox(context.Background(), cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect redis mailbox", "error", err)
			os.Exit(1)
		}
		defer redisBox.Close()
		mailbox = redisBox
	} else {
		slog.Warn("no redis-url configured, using in-memory mailbox (single node only)")
		mailbox = gateway.NewMemoryMailbox()
	}

	// Wake pushes are optional. Without them offline recipients rely on
	// the pending-invite query at reconnect.
	var wake gateway.WakeSender
	if cfg.FCMCredentialsFile != "" {
		fcm, err := gateway.NewFCMSender(context.Background(), cfg.FCMCredentialsFile)
		if err != nil {
			slog.Error("failed to initialise fcm sender", "error", err)
			os.Exit(1)
		}
		wake = fcm
	} else {
		slog.Warn("no fcm-credentials-file configured, wake pushes disabled")
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("invalid jwt secret", "error", err)
		os.Exit(1)
	}

	rateLimiter := gateway.NewRateLimiter(gateway.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	metrics := gateway.NewMetrics()

	gwServer := gateway.NewServer(store, mailbox, wake, store, rateLimiter, jwtSecret, metrics)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Mount("/", gwServer)

	// WriteTimeout must outlast the longest drain hold.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down http server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("callgwd stopped")
}
