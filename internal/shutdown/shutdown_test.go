package shutdown

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"store", "monitor", "http"} {
		m.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	assert.Zero(t, m.Shutdown())
	assert.Equal(t, []string{"http", "monitor", "store"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	// steps run once
	assert.Zero(t, m.Shutdown())
	assert.Len(t, order, 3)
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	m := New(time.Second, nil)
	var ran atomic.Int32
	m.Register("first", func(ctx context.Context) error { ran.Add(1); return nil })
	m.Register("broken", func(ctx context.Context) error { ran.Add(1); return errors.New("boom") })

	assert.Equal(t, 1, m.Shutdown())
	assert.EqualValues(t, 2, ran.Load())
}

func TestWaitWithContext(t *testing.T) {
	t.Run("context ends", func(t *testing.T) {
		m := New(time.Second, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, m.WaitWithContext(ctx), context.DeadlineExceeded)
	})

	t.Run("trigger runs shutdown", func(t *testing.T) {
		m := New(time.Second, nil)
		var ran atomic.Bool
		m.Register("step", func(ctx context.Context) error { ran.Store(true); return nil })

		go m.Trigger()
		require.NoError(t, m.WaitWithContext(context.Background()))
		assert.True(t, ran.Load())
	})
}

func TestWaitFor(t *testing.T) {
	var ready atomic.Bool
	time.AfterFunc(20*time.Millisecond, func() { ready.Store(true) })
	require.NoError(t, WaitFor(ready.Load, time.Millisecond, "jobs")(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := WaitFor(func() bool { return false }, time.Millisecond, "jobs")(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timeout waiting for jobs")
}

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("busy") }

func TestHelpers(t *testing.T) {
	srv := &http.Server{}
	assert.NoError(t, StopHTTPServer(srv, "api")(context.Background()))

	err := CloseResource(failingCloser{}, "store")(context.Background())
	assert.EqualError(t, err, "failed to close store: busy")
}
