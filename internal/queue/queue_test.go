package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := NewRequestQueue(4)

	for i := 0; i < 3; i++ {
		res := q.Enqueue(NodeStateRequest{Kind: NodeDown, NodeIDs: []int{i}}, false)
		require.True(t, res.Ok)
		require.False(t, res.Full)
	}

	for i := 0; i < 3; i++ {
		req, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, []int{i}, req.NodeIDs)
	}

	_, ok := q.Dequeue()
	assert.False(t, ok, "queue should be empty")
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := NewRequestQueue(2)

	require.True(t, q.Enqueue(NodeStateRequest{Kind: NodeUp}, false).Ok)
	require.True(t, q.Enqueue(NodeStateRequest{Kind: NodeUp}, false).Ok)

	res := q.Enqueue(NodeStateRequest{Kind: NodeUp}, false)
	assert.False(t, res.Ok)
	assert.True(t, res.Full)
	assert.Equal(t, 2, q.Len(), "a full enqueue must not mutate the queue")
}

func TestEnqueueShouldDrainLocallyOnlyForIdleSupervisor(t *testing.T) {
	q := NewRequestQueue(4)

	res := q.Enqueue(NodeStateRequest{Kind: NodeDown}, true)
	assert.True(t, res.ShouldDrainLocally, "supervisor enqueue while not switching should self-drain")

	q.SetSwitching(true)
	res = q.Enqueue(NodeStateRequest{Kind: NodeDown}, true)
	assert.False(t, res.ShouldDrainLocally, "supervisor enqueue while switching must not recurse")

	res = q.Enqueue(NodeStateRequest{Kind: NodeDown}, false)
	assert.False(t, res.ShouldDrainLocally, "non-supervisor producers never self-drain")
}

func TestSwitchingHoldsForWholeDrain(t *testing.T) {
	q := NewRequestQueue(4)
	q.SetSwitching(true)
	assert.True(t, q.Switching())

	q.Enqueue(NodeStateRequest{Kind: NodeUp}, false)
	q.Enqueue(NodeStateRequest{Kind: NodeUp}, false)

	for !q.Empty() {
		_, ok := q.Dequeue()
		require.True(t, ok)
		assert.True(t, q.Switching(), "switching must remain true until the queue is empty")
	}

	q.SetSwitching(false)
	assert.False(t, q.Switching())
}

func TestConcurrentProducersRespectCapacity(t *testing.T) {
	q := NewRequestQueue(100)
	var wg sync.WaitGroup
	accepted := make([]bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := q.Enqueue(NodeStateRequest{Kind: NodeDown, NodeIDs: []int{i}}, false)
			accepted[i] = res.Ok
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range accepted {
		if ok {
			count++
		}
	}
	assert.Equal(t, 100, count, "at most cap requests may be accepted")
	assert.Equal(t, 100, q.Len())
}
