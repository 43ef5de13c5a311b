package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/pkg/api"
)

func noopWorkflow(ctx *api.Context, input json.RawMessage) (any, error) {
	return nil, nil
}

const registryDoc = `
trusted:
  - https://workflows.example.com/
aliases:
  hello: greet
  remote-greet: https://workflows.example.com/greet
  evil: https://evil.example.org/greet
schemas:
  greet:
    type: object
    required: [name]
    properties:
      name:
        type: string
`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	require.NoError(t, r.RegisterWorkflow("greet", noopWorkflow))
	f, err := ParseFile([]byte(registryDoc))
	require.NoError(t, err)
	require.NoError(t, r.Apply(f))
	return r
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := newTestRegistry(t)

	exe, err := r.Resolve("greet")
	require.NoError(t, err)
	assert.Equal(t, "greet", exe.Ref)
	assert.NotNil(t, exe.Workflow)
	exe.Dispose()

	exe, err = r.Resolve("hello")
	require.NoError(t, err)
	assert.Equal(t, "greet", exe.Ref)

	_, err = r.Resolve("missing")
	require.ErrorIs(t, err, api.ErrWorkflowNotFound)

	err = r.RegisterWorkflow("greet", noopWorkflow)
	require.Error(t, err)
}

func TestRegistry_RemoteReferences(t *testing.T) {
	r := newTestRegistry(t)

	exe, err := r.Resolve("remote-greet")
	require.NoError(t, err)
	assert.Equal(t, "https://workflows.example.com/greet", exe.Ref)
	exe.Dispose()

	_, err = r.Resolve("evil")
	require.ErrorIs(t, err, api.ErrUntrustedWorkflow)

	_, err = r.Resolve("https://other.example.com/x")
	require.ErrorIs(t, err, api.ErrUntrustedWorkflow)
}

type idleCounter struct {
	http.RoundTripper
	closed atomic.Int32
}

func (c *idleCounter) CloseIdleConnections() { c.closed.Add(1) }

func TestRegistry_DisposeKeepsSharedClientPool(t *testing.T) {
	transport := &idleCounter{RoundTripper: http.DefaultTransport}
	r := New(WithHTTPClient(&http.Client{Transport: transport}))
	f, err := ParseFile([]byte(registryDoc))
	require.NoError(t, err)
	require.NoError(t, r.Apply(f))

	for range 3 {
		exe, err := r.Resolve("remote-greet")
		require.NoError(t, err)
		exe.Dispose()
	}
	if n := transport.closed.Load(); n != 0 {
		t.Fatalf("disposing remote workflows closed the shared pool %d times", n)
	}
}

func TestRegistry_AliasCycle(t *testing.T) {
	r := New()
	require.NoError(t, r.Apply(&File{Aliases: map[string]string{"a": "b", "b": "a"}}))

	_, err := r.Resolve("a")
	require.ErrorIs(t, err, api.ErrWorkflowNotFound)
}

func TestRegistry_ValidateInput(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.ValidateInput("greet", json.RawMessage(`{"name":"ada"}`)))
	require.NoError(t, r.ValidateInput("hello", json.RawMessage(`{"name":"ada"}`)))
	require.ErrorIs(t, r.ValidateInput("greet", json.RawMessage(`{"nom":"ada"}`)), api.ErrInvalidInput)
	require.ErrorIs(t, r.ValidateInput("hello", nil), api.ErrInvalidInput)

	// No schema means anything goes.
	require.NoError(t, r.ValidateInput("remote-greet", json.RawMessage(`[1,2,3]`)))
}

func TestRegistry_Activities(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterActivity("charge", func(ctx context.Context, in json.RawMessage) (any, error) {
		return "ok", nil
	}))
	require.Error(t, r.RegisterActivity("charge", nil))

	_, ok := r.Activity("charge")
	assert.True(t, ok)
	_, ok = r.Activity("refund")
	assert.False(t, ok)
}

func TestParseFile_RejectsNonURLTrustedPrefix(t *testing.T) {
	_, err := ParseFile([]byte("trusted: [\"ftp://nope\"]\n"))
	require.Error(t, err)
}

func TestRegistry_ReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases:\n  hello: greet\n"), 0o600))

	r := New(WithFile(path))
	require.NoError(t, r.RegisterWorkflow("greet", noopWorkflow))
	require.NoError(t, r.RegisterWorkflow("greet-v2", noopWorkflow))
	require.NoError(t, r.Start(t.Context()))
	t.Cleanup(r.Stop)

	ref, err := r.Canonical("hello")
	require.NoError(t, err)
	require.Equal(t, "greet", ref)

	require.NoError(t, os.WriteFile(path, []byte("aliases:\n  hello: greet-v2\n"), 0o600))

	require.Eventually(t, func() bool {
		ref, err := r.Canonical("hello")
		return err == nil && ref == "greet-v2"
	}, 5*time.Second, 20*time.Millisecond)
}
