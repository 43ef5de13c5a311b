package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/pkg/api"
)

func receive[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return v
	case <-time.After(within):
		t.Fatalf("nothing received within %s", within)
	}
	var zero T
	return zero
}

func TestNotifier_ImmediateWake(t *testing.T) {
	n := New()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Pending(ctx)
	require.NoError(t, err)

	n.Wake("e1", time.Now().Add(-time.Second))
	require.Equal(t, "e1", receive(t, ch, time.Second))
}

func TestNotifier_DelayedWakeKeepsEarliest(t *testing.T) {
	n := New()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Pending(ctx)
	require.NoError(t, err)

	start := time.Now()
	n.Wake("e1", start.Add(time.Hour))
	n.Wake("e1", start.Add(50*time.Millisecond))

	require.Equal(t, "e1", receive(t, ch, 2*time.Second))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Empty(t, n.timers, "the later wake-up is replaced, not queued")
}

func TestNotifier_HistoryBatches(t *testing.T) {
	n := New()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.History(ctx, "e1")
	require.NoError(t, err)

	ev := api.NewEvent("ev-1", time.Now().UTC(), api.SignalReceivedAttributes{Signal: "go"})
	ev.Seq = 3
	n.PublishHistory(HistoryBatch{ExecutionID: "e2", Status: api.StatusRunning})
	n.PublishHistory(HistoryBatch{ExecutionID: "e1", Status: api.StatusCompleted, Events: []api.Event{ev}})

	batch := receive(t, ch, time.Second)
	require.Equal(t, "e1", batch.ExecutionID)
	require.Equal(t, api.StatusCompleted, batch.Status)
	require.Len(t, batch.Events, 1)
	require.Equal(t, int64(3), batch.Events[0].Seq)
	require.Equal(t, api.SignalReceivedAttributes{Signal: "go"}, batch.Events[0].Attributes)
}
