package persistence

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/internal/testutil"
)

func newShortLockRedis(t *testing.T, txTimeout time.Duration) (*RedisBackend, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testutil.RedisAddress(t)})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	b := NewRedisBackend(client, "durable:test:"+uuid.NewString()+":")
	b.txTimeout = txTimeout
	t.Cleanup(func() { _ = b.Close() })
	return b, client
}

func TestRedisBackend_LongTransactionKeepsItsLock(t *testing.T) {
	b, _ := newShortLockRedis(t, 150*time.Millisecond)
	ctx := context.Background()
	now := time.Now().UTC()

	var firstDone atomic.Bool
	started := make(chan struct{})
	second := make(chan error, 1)
	go func() {
		<-started
		second <- b.WithinTransaction(ctx, "e1", func(ctx context.Context, tx Tx) error {
			if !firstDone.Load() {
				t.Errorf("second writer entered while the first still ran")
			}
			_, err := tx.Execution().Get(ctx)
			return err
		})
	}()

	err := b.WithinTransaction(ctx, "e1", func(ctx context.Context, tx Tx) error {
		close(started)
		// Several lock lifetimes.
		time.Sleep(600 * time.Millisecond)
		if err := tx.Execution().Create(ctx, newExecution("e1", now)); err != nil {
			return err
		}
		firstDone.Store(true)
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("second writer never got the lock")
	}
}

func TestRedisBackend_CommitRejectedAfterLockTakeover(t *testing.T) {
	b, client := newShortLockRedis(t, time.Minute)
	ctx := context.Background()

	err := b.WithinTransaction(ctx, "e1", func(ctx context.Context, tx Tx) error {
		if err := client.Set(ctx, b.keyTx("e1"), "someone-else", 0).Err(); err != nil {
			return err
		}
		return tx.Execution().Create(ctx, newExecution("e1", time.Now().UTC()))
	})
	require.ErrorIs(t, err, ErrTxLockLost)

	n, err := client.Exists(ctx, b.keyExec("e1")).Result()
	require.NoError(t, err)
	if n != 0 {
		t.Fatalf("execution was written after the lock was taken over")
	}
}
