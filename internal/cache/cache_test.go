package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"entgldb/internal/hlc"
	"entgldb/internal/model"
)

func doc(collection, key string) model.Document {
	return model.Document{Collection: collection, Key: key, Content: map[string]any{"k": key},
		UpdatedAt: hlc.Timestamp{PhysicalTime: 1, NodeID: "n1"}}
}

func TestCacheHitAndMiss(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	_, ok := c.Get("todos", "t1")
	require.False(t, ok)

	c.Put(doc("todos", "t1"))
	got, ok := c.Get("todos", "t1")
	require.True(t, ok)
	require.Equal(t, "t1", got.Content["k"])

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestCacheEvictsUnderCapacity(t *testing.T) {
	small, err := New(1)
	require.NoError(t, err)
	capacity := (1 * 1024 * 1024) / bytesPerEntry
	for i := 0; i < capacity+10; i++ {
		small.Put(doc("todos", fmt.Sprintf("key-%d", i)))
	}
	require.LessOrEqual(t, small.Stats().Size, capacity)
}

func TestCacheInvalidate(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)
	c.Put(doc("todos", "t1"))
	c.Invalidate("todos", "t1")
	_, ok := c.Get("todos", "t1")
	require.False(t, ok)
}
