package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_RunsInOrder(t *testing.T) {
	sm := NewShutdownManager(Discard(), nil, time.Second)

	var order []string
	sm.RegisterShutdownFunc("audit", func(context.Context) error {
		order = append(order, "audit")
		return nil
	})
	sm.RegisterShutdownFunc("db", func(context.Context) error {
		order = append(order, "db")
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"audit", "db"}, order)
}

func TestShutdown_AggregatesErrors(t *testing.T) {
	sm := NewShutdownManager(Discard(), nil, time.Second)

	ran := false
	sm.RegisterShutdownFunc("audit", func(context.Context) error { return errors.New("flush failed") })
	sm.RegisterShutdownFunc("redis", func(context.Context) error { return errors.New("closed") })
	sm.RegisterShutdownFunc("db", func(context.Context) error {
		ran = true
		return nil
	})

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit: flush failed")
	assert.Contains(t, err.Error(), "redis: closed")
	assert.True(t, ran)
}

func TestShutdown_ExpiredContext(t *testing.T) {
	sm := NewShutdownManager(Discard(), nil, time.Second)
	sm.RegisterShutdownFunc("audit", func(context.Context) error {
		t.Fatal("must not run after the deadline")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sm.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown timeout reached")
}

func TestWaitForShutdown_ContextDone(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(Discard(), server, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)

	called := false
	sm.RegisterShutdownFunc("otel", func(context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.True(t, called)
}
