package durable

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/internal/persistence"
)

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	mem, err := openBackend(ctx, StoreConfig{})
	require.NoError(t, err)
	require.IsType(t, &persistence.MemoryBackend{}, mem)

	sqlite, err := openBackend(ctx, StoreConfig{Kind: BackendSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	require.IsType(t, &persistence.SQLBackend{}, sqlite)
	require.NoError(t, sqlite.Close())

	_, err = openBackend(ctx, StoreConfig{Kind: BackendSQLite})
	require.ErrorContains(t, err, "needs a DSN")

	_, err = openBackend(ctx, StoreConfig{Kind: BackendRedis})
	require.ErrorContains(t, err, "needs an address")

	_, err = openBackend(ctx, StoreConfig{Kind: "mongo"})
	require.ErrorContains(t, err, "unknown backend")
}

func TestNew_SQLiteEngine(t *testing.T) {
	ctx := context.Background()

	eng, err := New(ctx, Config{Store: StoreConfig{Kind: BackendSQLite, DSN: ":memory:"}})
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.RegisterWorkflow("noop", func(ctx *Context, _ json.RawMessage) (any, error) { return "done", nil }))
	exec, err := eng.StartWorkflow(ctx, "noop", nil)
	require.NoError(t, err)

	require.NoError(t, eng.RunExecution(ctx, exec.ID))

	got, err := eng.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.JSONEq(t, `"done"`, string(got.Output))
}
