package batcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcher_DispatchesAtCapacity(t *testing.T) {
	var mu sync.Mutex
	var batches [][]int

	b := New(3, time.Hour, func(batch []int) {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]int(nil), batch...)
		batches = append(batches, cp)
	})

	b.Queue(1)
	b.Queue(2)
	b.Queue(3) // hits capacity, dispatches synchronously

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	assert.Equal(t, []int{1, 2, 3}, batches[0])
}

func TestBatcher_DispatchesAfterDelay(t *testing.T) {
	done := make(chan []int, 1)
	b := New(100, 20*time.Millisecond, func(batch []int) {
		done <- append([]int(nil), batch...)
	})

	b.Queue(1)
	b.Queue(2)

	select {
	case batch := <-done:
		assert.Equal(t, []int{1, 2}, batch)
	case <-time.After(time.Second):
		t.Fatal("batch was never dispatched")
	}
}

func TestBatcher_FlushForcesImmediateDispatch(t *testing.T) {
	done := make(chan []int, 1)
	b := New(100, time.Hour, func(batch []int) {
		done <- append([]int(nil), batch...)
	})

	b.Queue(1)
	b.Queue(2)
	b.Flush()

	select {
	case batch := <-done:
		assert.Equal(t, []int{1, 2}, batch)
	case <-time.After(time.Second):
		t.Fatal("flush did not dispatch pending items")
	}
}

func TestBatcher_ClearDiscardsPending(t *testing.T) {
	called := false
	b := New(100, 10*time.Millisecond, func(batch []int) {
		called = true
	})
	b.Queue(1)
	b.Clear()
	assert.Equal(t, 0, b.Count())

	time.Sleep(30 * time.Millisecond)
	assert.False(t, called, "cleared items must not be dispatched")
}

func TestBatcher_CountReflectsPending(t *testing.T) {
	b := New(100, time.Hour, func(batch []int) {})
	b.Queue(1)
	b.Queue(2)
	assert.Equal(t, 2, b.Count())
}

func TestBatcher_OrderingPreserved(t *testing.T) {
	done := make(chan []int, 1)
	b := New(5, time.Hour, func(batch []int) { done <- batch })
	for i := 0; i < 5; i++ {
		b.Queue(i)
	}
	batch := <-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, batch)
}
