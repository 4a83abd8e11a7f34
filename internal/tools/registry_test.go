package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, args json.RawMessage) (json.RawMessage, error) { return nil, nil }

func TestRegistryRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	}))
	assert.Error(t, r.Register("echo", noop))
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("nil", nil))

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	_, err = r.Execute(context.Background(), "missing", nil)
	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "missing", execErr.Tool)
	assert.ErrorContains(t, err, "no executor registered")
	assert.Equal(t, []string{"echo"}, r.Names())
}

func TestExecuteNormalisesOutput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("empty", noop))
	require.NoError(t, r.Register("garbage", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{not json`), nil
	}))

	out, err := r.Execute(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))

	_, err = r.Execute(context.Background(), "garbage", nil)
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestExecuteTimesOut(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(Tool{Name: "slow", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}))

	_, err := r.Execute(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorContains(t, err, "tool slow")
}

func TestExecuteHonoursCancelledContext(t *testing.T) {
	r := NewRegistry()
	called := false
	require.NoError(t, r.Register("x", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		called = true
		return nil, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Execute(ctx, "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{ToolRepoRead, ToolIssuesSearch, ToolRepoCheckout, ToolTestsRun} {
		out, err := DefaultRegistry.Execute(ctx, name, json.RawMessage(`{"repo":"acme/app"}`))
		require.NoError(t, err, name)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(out, &body))
		assert.Equal(t, "acme/app", body["repo"], name)
		assert.Equal(t, true, body["simulated"], name)
	}

	_, err := DefaultRegistry.Execute(ctx, ToolRepoCheckout, json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "repo is required")
}
