package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Mindburn-Labs/jobledger/pkg/auth"
	"github.com/Mindburn-Labs/jobledger/pkg/config"
	"github.com/Mindburn-Labs/jobledger/pkg/store/sqlstore"
)

// loadConfig reads and validates configuration and builds the logger.
func loadConfig(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := cfg.Logger(stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore connects to the configured database and applies migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sqlstore.Store, error) {
	dialect, dsn := cfg.Database()
	s, err := sqlstore.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	if dialect == sqlstore.DialectSQLite {
		logger.Info("DATABASE_URL not set, running in lite mode", "sqlite", dsn)
	} else {
		logger.Info("postgres connected")
	}
	return s, nil
}

// keySet returns the configured signing keys. ok is false when neither a
// seed nor a secret is configured.
func keySet(cfg *config.Config) (ks auth.KeySet, ok bool, err error) {
	switch {
	case cfg.Auth.SigningSeed != "":
		ks, err = auth.Ed25519KeySetFromSeed(cfg.Auth.SigningSeed)
		return ks, err == nil, err
	case cfg.Auth.HMACSecret != "":
		ks, err = auth.NewHMACKeySet([]byte(cfg.Auth.HMACSecret))
		return ks, err == nil, err
	default:
		return nil, false, nil
	}
}
