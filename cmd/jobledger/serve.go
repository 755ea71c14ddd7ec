package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/jobledger/pkg/api"
	"github.com/Mindburn-Labs/jobledger/pkg/auth"
	"github.com/Mindburn-Labs/jobledger/pkg/config"
	"github.com/Mindburn-Labs/jobledger/pkg/lifecycle"
	"github.com/Mindburn-Labs/jobledger/pkg/limiter"
	"github.com/Mindburn-Labs/jobledger/pkg/observability"
	"github.com/Mindburn-Labs/jobledger/pkg/policy"
)

func runServeCmd(args []string, _, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "Listen address (overrides JOBLEDGER_ADDR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// serve wires every component and blocks until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	obs, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	admission, err := policy.NewAdmission(cfg.Admission)
	if err != nil {
		return fmt.Errorf("load admission rules: %w", err)
	}

	hub := api.NewHub(logger.With("component", "events"))
	machine := lifecycle.New(st,
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
		lifecycle.WithLimits(cfg.Limits),
		lifecycle.WithAdmission(admission),
		lifecycle.WithObservability(obs),
		lifecycle.WithPublisher(hub),
	)

	ks, configured, err := keySet(cfg)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	if !configured {
		dev, err := auth.GenerateEd25519KeySet()
		if err != nil {
			return err
		}
		ks = dev
		logger.Warn("no JOBLEDGER_JWT_SEED or JOBLEDGER_JWT_SECRET set, generated an ephemeral signing key; tokens will not survive restarts", "kid", dev.KID())
	}

	opts := api.Options{
		Logger:      logger.With("component", "api"),
		Validator:   auth.NewValidator(ks, cfg.Auth.Issuer),
		CORSOrigins: cfg.CORSOrigins,
	}

	var closers []func() error
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	if cfg.RateLimit.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(ropts)
		closers = append(closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		if cfg.RateLimit.Enabled {
			opts.Limiter = limiter.NewRedisStore(rdb)
		}
		opts.Idempotency = api.NewRedisIdempotencyStore(rdb, cfg.IdempotencyTTL)
		logger.Info("redis connected", "addr", ropts.Addr)
	} else {
		if cfg.RateLimit.Enabled {
			mem := limiter.NewMemoryStore(0)
			closers = append(closers, mem.Close)
			opts.Limiter = mem
		}
		idem := api.NewMemoryIdempotencyStore(cfg.IdempotencyTTL)
		closers = append(closers, idem.Close)
		opts.Idempotency = idem
	}
	opts.RateLimit = cfg.RateLimit.Policy

	srv, err := api.NewServer(machine, hub, opts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		hub.Close()
		err := httpServer.Shutdown(shutdownCtx)
		if terr := obs.Shutdown(shutdownCtx); terr != nil {
			logger.Warn("telemetry shutdown failed", "error", terr)
		}
		return err
	})
	return g.Wait()
}
