package hlc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedNow(ms int64) NowFunc {
	return func() int64 { return ms }
}

func TestTickMonotonicSameMillisecond(t *testing.T) {
	c := New("A", fixedNow(100))

	t1 := c.Tick()
	t2 := c.Tick()
	t3 := c.Tick()

	require.True(t, t1.Less(t2))
	require.True(t, t2.Less(t3))
	require.Equal(t, int64(100), t1.PhysicalTime)
	require.Equal(t, int32(0), t1.LogicalCounter)
	require.Equal(t, int32(1), t2.LogicalCounter)
	require.Equal(t, int32(2), t3.LogicalCounter)
}

func TestTickAdvancesWithWallClock(t *testing.T) {
	now := int64(100)
	c := New("A", func() int64 { return now })

	c.Tick()
	now = 200
	t2 := c.Tick()

	require.Equal(t, int64(200), t2.PhysicalTime)
	require.Equal(t, int32(0), t2.LogicalCounter)
}

func TestReceiveAllEqual(t *testing.T) {
	c := New("A", fixedNow(100))
	c.Tick() // local head: {100,0,A}

	remote := Timestamp{PhysicalTime: 100, LogicalCounter: 0, NodeID: "B"}
	got := c.Receive(remote)

	require.Equal(t, int64(100), got.PhysicalTime)
	require.Equal(t, int32(1), got.LogicalCounter)
}

func TestReceiveRemoteAhead(t *testing.T) {
	c := New("A", fixedNow(50))
	c.Tick() // {50,0,A}

	remote := Timestamp{PhysicalTime: 200, LogicalCounter: 3, NodeID: "B"}
	got := c.Receive(remote)

	require.Equal(t, int64(200), got.PhysicalTime)
	require.Equal(t, int32(4), got.LogicalCounter)
}

func TestReceiveLocalAhead(t *testing.T) {
	c := New("A", fixedNow(50))
	local := c.Tick()
	local = c.Tick()

	remote := Timestamp{PhysicalTime: 10, LogicalCounter: 9, NodeID: "B"}
	got := c.Receive(remote)

	require.Equal(t, local.PhysicalTime, got.PhysicalTime)
	require.Equal(t, local.LogicalCounter+1, got.LogicalCounter)
}

func TestSuccessiveTimestampsStrictlyIncrease(t *testing.T) {
	now := int64(1000)
	c := New("A", func() int64 { return now })
	var prev Timestamp
	for i := 0; i < 50; i++ {
		cur := c.Tick()
		require.True(t, prev.Less(cur), "timestamps must strictly increase")
		prev = cur
		if i%7 == 0 {
			now++
		}
	}
}

func TestCompareOrdersByNodeIDOnTie(t *testing.T) {
	a := Timestamp{PhysicalTime: 1, LogicalCounter: 1, NodeID: "alpha"}
	b := Timestamp{PhysicalTime: 1, LogicalCounter: 1, NodeID: "beta"}
	require.True(t, a.Less(b))
	require.True(t, b.After(a))
}

func TestSeedNeverRewinds(t *testing.T) {
	c := New("A", fixedNow(100))
	c.Tick()
	c.Tick()
	head := c.Latest()

	c.Seed(Timestamp{PhysicalTime: 1, LogicalCounter: 0, NodeID: "A"})
	require.Equal(t, head, c.Latest())

	newer := Timestamp{PhysicalTime: 500, LogicalCounter: 0, NodeID: "A"}
	c.Seed(newer)
	require.Equal(t, newer, c.Latest())
}
