// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-crawler/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_ProcessesEveryItemOnce(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	var mu sync.Mutex
	seen := make(map[int]int)
	workersSeen := make(map[int]bool)
	task := func(_ context.Context, w *Worker, item int) error {
		mu.Lock()
		defer mu.Unlock()
		seen[item]++
		workersSeen[w.ID] = true
		return nil
	}

	err := Run(context.Background(), Config{Name: "test", Workers: 4, Store: memory.New()}, items, task, discardLogger())

	require.NoError(t, err)
	assert.Len(t, seen, 50)
	for item, n := range seen {
		assert.Equal(t, 1, n, "item %d", item)
	}
	assert.LessOrEqual(t, len(workersSeen), 4)
}

func TestRun_SingleWorkerKeepsOrder(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	var got []string
	task := func(_ context.Context, w *Worker, item string) error {
		assert.Equal(t, 0, w.ID)
		assert.Nil(t, w.Rotator, "no pool, no rotator")
		assert.False(t, w.Jitter)
		got = append(got, item)
		return nil
	}

	err := Run(context.Background(), Config{Workers: 1, Store: memory.New()}, items, task, discardLogger())

	require.NoError(t, err)
	assert.Equal(t, items, got)
}

func TestRun_FirstErrorAbortsTheRun(t *testing.T) {
	boom := errors.New("store unavailable")
	var calls atomic.Int64
	task := func(_ context.Context, _ *Worker, item int) error {
		calls.Add(1)
		if item == 2 {
			return boom
		}
		return nil
	}

	err := Run(context.Background(), Config{Workers: 1, Store: memory.New()}, []int{0, 1, 2, 3, 4, 5}, task, discardLogger())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(3), calls.Load(), "no item is dispatched after the failure")
}

func TestRun_CancellationStopsDispatching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	task := func(ctx context.Context, _ *Worker, item int) error {
		calls.Add(1)
		if item == 1 {
			cancel()
		}
		return nil
	}

	err := Run(ctx, Config{Workers: 1, Store: memory.New()}, []int{0, 1, 2, 3, 4, 5}, task, discardLogger())

	require.NoError(t, err, "an interrupted run is not a failure")
	assert.Equal(t, int64(2), calls.Load())
}

func TestRun_EmptyBacklog(t *testing.T) {
	task := func(context.Context, *Worker, int) error {
		t.Fatal("no item expected")
		return nil
	}

	require.NoError(t, Run(context.Background(), Config{Workers: 3, Store: memory.New()}, nil, task, discardLogger()))
}
