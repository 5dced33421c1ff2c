package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerKeepsRunningAfterHandlerError(t *testing.T) {
	in := make(chan int)
	var handled atomic.Int32
	var stopped atomic.Bool

	l := New("test", in, func(v int) error {
		handled.Add(1)
		if v == 1 {
			return errors.New("boom")
		}
		return nil
	}, func() { stopped.Store(true) })

	l.Start(context.Background())
	in <- 1
	in <- 2
	in <- 3

	require.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, 5*time.Millisecond)
	l.Stop()
	assert.True(t, stopped.Load())
}

func TestListenerStopsWithContext(t *testing.T) {
	in := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	l := New("ctx", in, func(struct{}) error { return nil })
	l.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}
