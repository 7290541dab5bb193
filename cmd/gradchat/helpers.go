package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
	"github.com/Gradlink/gradchat/sdk/golang/pgstore"
	"github.com/Gradlink/gradchat/sdk/golang/redisfeed"
)

const (
	backendHTTP     = "http"
	backendPostgres = "postgres"
	backendMemory   = "memory"
)

// newLogger builds the CLI logger: development output with --verbose,
// warnings only otherwise.
func newLogger() *zap.Logger {
	if verbose {
		if log, err := zap.NewDevelopment(); err == nil {
			return log
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// newClient creates an HTTP store client from the config.
func newClient(cfg *Config, log *zap.Logger) (*gradchat.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token. Run 'gradchat init <token>' first")
	}
	opts := []gradchat.ClientOption{gradchat.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, gradchat.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, gradchat.WithEnvironment(gradchat.Environment(cfg.Default.Environment)))
	}
	return gradchat.NewClient(cfg.Auth.Token, opts...), nil
}

// requireUser returns the configured user id.
func requireUser(cfg *Config) (string, error) {
	if cfg.Default.UserID == "" {
		return "", fmt.Errorf("no user id. Run 'gradchat config set default.user_id <id>'")
	}
	return cfg.Default.UserID, nil
}

// ============================================================================
// Backends
// ============================================================================

// backend is an opened store with whatever it holds open.
type backend struct {
	name   string
	store  gradchat.Store
	client *gradchat.Client
	pg     *pgstore.Store
	memory *gradchat.MemoryStore
	redis  *redis.Client
}

// openBackend opens the configured store. With a Redis URL the postgres and
// memory backends carry their feeds over Redis.
func openBackend(ctx context.Context, cfg *Config, log *zap.Logger) (*backend, error) {
	b := &backend{name: valueOrDefault(cfg.Default.Backend, backendHTTP)}
	var writer redisfeed.Backend

	switch b.name {
	case backendHTTP:
		client, err := newClient(cfg, log)
		if err != nil {
			return nil, err
		}
		b.client = client
		b.store = client.Store(nil)
		return b, nil
	case backendPostgres:
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("no postgres dsn. Run 'gradchat config set postgres.dsn <dsn>'")
		}
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		pg, err := pgstore.Open(connectCtx, cfg.Postgres.DSN, pgstore.WithLogger(log))
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(connectCtx); err != nil {
			pg.Close()
			return nil, err
		}
		b.pg, b.store, writer = pg, pg, pg
	case backendMemory:
		b.memory = demoStore(valueOrDefault(cfg.Default.UserID, demoUser))
		b.store, writer = b.memory, b.memory
	default:
		return nil, fmt.Errorf("unknown backend %q (valid: http, postgres, memory)", b.name)
	}

	if cfg.Redis.URL != "" {
		rc, err := redisfeed.Open(ctx, cfg.Redis.URL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.redis = rc
		b.store = redisfeed.NewStore(rc, writer, redisfeed.WithLogger(log))
	}
	return b, nil
}

// ping checks that the backend is reachable.
func (b *backend) ping(ctx context.Context) error {
	switch {
	case b.client != nil:
		return b.client.Health(ctx)
	case b.pg != nil:
		if err := b.pg.Pool().Ping(ctx); err != nil {
			return err
		}
	}
	if b.redis != nil {
		return b.redis.Ping(ctx).Err()
	}
	return nil
}

// Close releases the backend's connections.
func (b *backend) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
	if b.pg != nil {
		b.pg.Close()
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
