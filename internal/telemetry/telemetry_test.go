package telemetry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func fixedClock(start int64) func() int64 {
	var cur atomic.Int64
	cur.Store(start)
	return cur.Load
}

func TestRecordAndSnapshotAverage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(ctx, zerolog.Nop(), fixedClock(1000))
	r.Record(EncryptionTime, 10)
	r.Record(EncryptionTime, 20)
	require.Eventually(t, func() bool {
		for _, a := range r.Snapshot() {
			if a.Kind == EncryptionTime && a.WindowSec == 60 {
				return a.Average == 15
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestSnapshotEncodeDecodeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(ctx, zerolog.Nop(), fixedClock(500))
	r.Record(RoundTripTime, 42.5)
	time.Sleep(10 * time.Millisecond)

	avgs := r.Snapshot()
	data := EncodeSnapshot(500, avgs)

	gotNow, gotAvgs, err := DecodeSnapshot(data)
	require.NoError(t, err)
	require.Equal(t, int64(500), gotNow)
	require.Equal(t, avgs, gotAvgs)
}

func TestDecodeSnapshotRejectsShortInput(t *testing.T) {
	_, _, err := DecodeSnapshot([]byte{1, 2, 3})
	require.Error(t, err)
}
