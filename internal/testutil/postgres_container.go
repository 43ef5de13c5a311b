package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// PostgresDSN starts a shared Postgres container on first use and returns a
// DSN for it. Tests are skipped in -short mode or when Docker is unavailable.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}

	pgOnce.Do(startPostgres)
	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}
	return pgDSN
}

func startPostgres() {
	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// Verify SQL connectivity through the mapped host:port.
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://durable:durable@%s:%s/durable_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "durable",
			"POSTGRES_PASSWORD": "durable",
			"POSTGRES_DB":       "durable_test",
		}),
	)
	// A container whose wait strategy failed still has to be stopped.
	if postgresC != nil {
		track(postgresC)
	}
	if err != nil {
		pgErr = err
		return
	}

	endpoint, err := postgresC.Endpoint(ctx, "")
	if err != nil {
		pgErr = err
		return
	}

	pgDSN = fmt.Sprintf("postgres://durable:durable@%s/durable_test?sslmode=disable", endpoint)
}
