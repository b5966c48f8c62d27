package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceQueue_FIFO(t *testing.T) {
	q := NewSliceQueue(4)

	assert.True(t, q.IsEmpty())
	assert.Zero(t, q.Length())
	assert.Nil(t, q.Dequeue())
	assert.Nil(t, q.Peek())

	q.Enqueue(1)
	q.Enqueue(2)
	q.Enqueue(3)

	assert.Equal(t, 3, q.Length())
	assert.Equal(t, 1, q.Peek())
	assert.Equal(t, 1, q.Dequeue())
	assert.Equal(t, 2, q.Dequeue())
	assert.Equal(t, 1, q.Length())

	q.Enqueue(4)
	assert.Equal(t, 3, q.Dequeue())
	assert.Equal(t, 4, q.Dequeue())
	assert.True(t, q.IsEmpty())
}

func TestSliceQueue_Reset(t *testing.T) {
	q := NewSliceQueue(0)

	q.Enqueue("a")
	q.Enqueue("b")
	q.Reset()

	assert.True(t, q.IsEmpty())
	assert.Nil(t, q.Dequeue())

	q.Enqueue("c")
	assert.Equal(t, "c", q.Dequeue())
}

func TestSliceQueue_ReusesStorageAfterDrain(t *testing.T) {
	q := NewSliceQueue(2)

	for round := 0; round < 100; round++ {
		q.Enqueue(round)
		assert.Equal(t, round, q.Dequeue())
		assert.True(t, q.IsEmpty())
	}
}
