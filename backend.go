package durable

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durable/internal/persistence"
)

// BackendKind names an Event Store implementation.
type BackendKind string

const (
	BackendMemory   BackendKind = "memory"
	BackendSQLite   BackendKind = "sqlite"
	BackendPostgres BackendKind = "postgres"
	BackendRedis    BackendKind = "redis"
)

// StoreConfig selects and configures the Event Store.
//
// Typical usage:
//
//	eng, err := durable.New(ctx, durable.Config{
//		Store: durable.StoreConfig{Kind: durable.BackendSQLite, DSN: "file:durable.db?_pragma=journal_mode(WAL)"},
//	})
type StoreConfig struct {
	Kind BackendKind

	// DSN is the SQLite file or Postgres connection string. Ignored when DB
	// is set.
	DSN string
	// DB is an already opened database for the SQL backends.
	DB *sql.DB

	// RedisAddr is the Redis address. Ignored when Redis is set.
	RedisAddr string
	// Redis is an already created client.
	Redis *redis.Client
	// RedisPrefix namespaces every key. Defaults to "durable:".
	RedisPrefix string
}

// openBackend builds the configured backend. The engine owns what it opens
// and closes it with the backend.
func openBackend(ctx context.Context, cfg StoreConfig, opts ...persistence.Option) (persistence.Backend, error) {
	switch cfg.Kind {
	case "", BackendMemory:
		return persistence.NewMemoryBackend(opts...), nil

	case BackendSQLite:
		db, err := openDB(cfg, "sqlite")
		if err != nil {
			return nil, err
		}
		b, err := persistence.NewSQLiteBackend(ctx, db, opts...)
		if err != nil {
			return nil, err
		}
		return b, nil

	case BackendPostgres:
		db, err := openDB(cfg, "pgx")
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b, err := persistence.NewPostgresBackend(ctx, db, opts...)
		if err != nil {
			return nil, err
		}
		return b, nil

	case BackendRedis:
		client := cfg.Redis
		if client == nil {
			if cfg.RedisAddr == "" {
				return nil, fmt.Errorf("redis backend needs an address")
			}
			client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		return persistence.NewRedisBackend(client, cfg.RedisPrefix, opts...), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
}

func openDB(cfg StoreConfig, driver string) (*sql.DB, error) {
	if cfg.DB != nil {
		return cfg.DB, nil
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s backend needs a DSN", cfg.Kind)
	}
	return sql.Open(driver, cfg.DSN)
}
