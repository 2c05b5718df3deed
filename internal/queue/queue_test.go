package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"deepresearch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evt(agentID string) domain.SupervisorEvent {
	return domain.SupervisorEvent{AgentID: agentID, Action: domain.ActionTaskCompleted, Timestamp: time.Unix(0, 0)}
}

func TestQueue_FIFOOrder(t *testing.T) {
	q := New()
	q.Enqueue(evt("a"))
	q.Enqueue(evt("b"))
	q.Enqueue(evt("c"))

	var got []string
	_, err := q.ProcessBatch(10, func(batch []domain.SupervisorEvent) (any, error) {
		for _, e := range batch {
			got = append(got, e.AgentID)
		}
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestQueue_ProcessBatchRespectsMaxSize(t *testing.T) {
	q := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		q.Enqueue(evt(id))
	}

	var first []string
	_, err := q.ProcessBatch(2, func(batch []domain.SupervisorEvent) (any, error) {
		for _, e := range batch {
			first = append(first, e.AgentID)
		}
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, first)
	assert.Equal(t, 2, q.Len())

	var second []string
	_, err = q.ProcessBatch(10, func(batch []domain.SupervisorEvent) (any, error) {
		for _, e := range batch {
			second = append(second, e.AgentID)
		}
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, second)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ProcessBatchEmptyIsNoop(t *testing.T) {
	q := New()
	called := false
	result, err := q.ProcessBatch(5, func(batch []domain.SupervisorEvent) (any, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Nil(t, result)
}

func TestQueue_DrainIsAtomicUnderConcurrency(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(evt("agent"))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())

	seen := 0
	for q.Len() > 0 {
		_, err := q.ProcessBatch(7, func(batch []domain.SupervisorEvent) (any, error) {
			seen += len(batch)
			return nil, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 50, seen)
}

func TestQueue_WaitForBatchReturnsWhenThresholdReached(t *testing.T) {
	q := New()
	done := make(chan bool, 1)
	go func() {
		done <- q.WaitForBatch(context.Background(), 3, time.Second)
	}()

	q.Enqueue(evt("a"))
	q.Enqueue(evt("b"))
	q.Enqueue(evt("c"))

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForBatch did not return after threshold reached")
	}
}

func TestQueue_WaitForBatchTimesOut(t *testing.T) {
	q := New()
	ok := q.WaitForBatch(context.Background(), 5, 20*time.Millisecond)
	assert.False(t, ok)
}

func TestQueue_ClearDiscardsEvents(t *testing.T) {
	q := New()
	q.Enqueue(evt("a"))
	q.Enqueue(evt("b"))
	q.Clear()
	assert.Equal(t, 0, q.Len())
}
