package testutil

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTerminate_NothingStarted(t *testing.T) {
	require.NoError(t, Terminate(context.Background()))
}

func TestTerminate_StopsSharedContainers(t *testing.T) {
	addr := RedisAddress(t)

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	_ = conn.Close()

	require.NoError(t, Terminate(context.Background()))

	containersMu.Lock()
	left := len(containers)
	containersMu.Unlock()
	if left != 0 {
		t.Fatalf("%d containers still tracked after Terminate", left)
	}

	conn, err = net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("redis at %s still accepts connections after Terminate", addr)
	}
}
