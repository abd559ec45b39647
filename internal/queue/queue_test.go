package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(10)
	require.True(t, q.Enqueue(Item{Collection: "todos", Key: "a"}))
	require.True(t, q.Enqueue(Item{Collection: "todos", Key: "b"}))

	first, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "a", first.Key)

	second, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "b", second.Key)

	_, ok = q.Dequeue()
	require.False(t, ok)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(2)
	require.True(t, q.Enqueue(Item{Key: "a"}))
	require.True(t, q.Enqueue(Item{Key: "b"}))
	require.False(t, q.Enqueue(Item{Key: "c"}))
	require.Equal(t, 2, q.Len())
}

func TestDrainAll(t *testing.T) {
	q := New(10)
	q.Enqueue(Item{Key: "a"})
	q.Enqueue(Item{Key: "b"})

	items := q.DrainAll()
	require.Len(t, items, 2)
	require.Equal(t, 0, q.Len())
}
