package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedJobsFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 8)

	p := newWorkerPool(1, func(_ context.Context, id string) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
		done <- struct{}{}
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, p.Submit(id))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("job did not run")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got, "a single worker preserves submit order")
}

func TestPoolRunsJobsConcurrently(t *testing.T) {
	const n = 3
	entered := make(chan string, n)
	release := make(chan struct{})

	p := newWorkerPool(n, func(_ context.Context, id string) {
		entered <- id
		<-release
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, p.Submit(id))
	}

	// All three jobs hold a worker at once.
	for i := 0; i < n; i++ {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d jobs started", i, n)
		}
	}
	close(release)
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := newWorkerPool(2, func(context.Context, string) {}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()
	p.Wait()

	assert.False(t, p.Submit("late"), "a drained pool refuses new work")
}

func TestPoolShutdownWaitsForWorkers(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})

	p := newWorkerPool(1, func(ctx context.Context, _ string) {
		close(started)
		<-ctx.Done()
		close(finished)
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	require.True(t, p.Submit("only"))

	<-started
	cancel()
	p.Wait()

	select {
	case <-finished:
	default:
		t.Fatal("Wait returned before the in-flight job observed shutdown")
	}
}
