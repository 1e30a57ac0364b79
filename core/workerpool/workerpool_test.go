package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPool(t *testing.T, opts Options) (*Pool, context.CancelFunc, *sync.WaitGroup) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := New(opts)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Start(ctx)
	}()
	return p, cancel, &wg
}

func TestPoolRunsSubmittedWork(t *testing.T) {
	p, cancel, wg := startPool(t, Options{WorkerCount: 3, QueueSize: 10})
	defer func() { cancel(); wg.Wait() }()

	var count atomic.Int32
	done := make(chan struct{}, 5)
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, p.Submit(key, func(context.Context) error {
			count.Add(1)
			done <- struct{}{}
			return nil
		}))
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for work")
		}
	}
	assert.Equal(t, int32(5), count.Load())
}

func TestPoolRejectsDuplicateKeys(t *testing.T) {
	p, cancel, wg := startPool(t, Options{WorkerCount: 1, QueueSize: 10})
	defer func() { cancel(); wg.Wait() }()

	release := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, p.Submit("g1", func(context.Context) error {
		<-release
		close(finished)
		return nil
	}))
	assert.ErrorIs(t, p.Submit("g1", func(context.Context) error { return nil }), ErrInProgress)

	close(release)
	<-finished
	assert.Eventually(t, func() bool {
		return p.Submit("g1", func(context.Context) error { return nil }) == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolSurvivesPanicsAndErrors(t *testing.T) {
	p, cancel, wg := startPool(t, Options{WorkerCount: 1, QueueSize: 10})
	defer func() { cancel(); wg.Wait() }()

	require.NoError(t, p.Submit("panics", func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit("fails", func(context.Context) error { return errors.New("nope") }))

	ran := make(chan struct{})
	require.NoError(t, p.Submit("ok", func(context.Context) error { close(ran); return nil }))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, cancel, wg := startPool(t, Options{WorkerCount: 1, QueueSize: 1})
	cancel()
	wg.Wait()
	assert.ErrorIs(t, p.Submit("late", func(context.Context) error { return nil }), ErrStopped)
}
