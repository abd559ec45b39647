// Package telemetry implements the Telemetry Ring Buffer from spec §4.8:
// a 30-minute window of 1-second buckets per metric kind, fed by a
// multi-producer/single-consumer channel so hot paths (compression,
// encryption, round-trip timing) never block on a shared lock, with
// sliding-window averages computed on demand and written to disk as a
// small binary snapshot when SaveSnapshot is called; the package runs no
// periodic save loop of its own.
//
// Grounded on the teacher's fan-in result channel in
// _examples/ppriyankuu-godkv/internal/cluster/replicator.go
// (`results := make(chan result, len(peers))` drained by a single
// goroutine) — the MPSC shape is the same, generalized from one-shot
// per-call fan-in to a long-lived background aggregator.
package telemetry

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricKind names one of the four measurements spec §4.8 tracks.
type MetricKind uint8

const (
	CompressionRatio MetricKind = iota
	EncryptionTime
	DecryptionTime
	RoundTripTime
)

func (k MetricKind) String() string {
	switch k {
	case CompressionRatio:
		return "compression_ratio"
	case EncryptionTime:
		return "encryption_time"
	case DecryptionTime:
		return "decryption_time"
	default:
		return "round_trip_time"
	}
}

var allKinds = [...]MetricKind{CompressionRatio, EncryptionTime, DecryptionTime, RoundTripTime}

// windowSeconds are the sliding windows a Snapshot reports, per spec §4.8.
var windowSeconds = [...]int64{60, 300, 600, 1800}

const bucketCount = 1800 // one 1-second bucket per second of the 30-minute window

type bucket struct {
	sec   int64
	sum   float64
	count int64
}

type ring struct {
	mu      sync.Mutex
	buckets [bucketCount]bucket
}

func (r *ring) record(atSec int64, value float64) {
	idx := atSec % bucketCount
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buckets[idx].sec != atSec {
		r.buckets[idx] = bucket{sec: atSec}
	}
	r.buckets[idx].sum += value
	r.buckets[idx].count++
}

// average returns the mean of every bucket whose second falls within
// [nowSec-windowSec+1, nowSec], sample-weighted (each recorded value
// counts once, not each second). This resolves the Open Question in spec
// §9 (sample-weighted vs time-weighted averaging): sample-weighting is
// chosen because a second with zero samples would otherwise silently
// pull a time-weighted average toward zero, which misrepresents sparse
// metrics like EncryptionTime on an idle node.
func (r *ring) average(nowSec, windowSec int64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum float64
	var count int64
	for s := nowSec - windowSec + 1; s <= nowSec; s++ {
		if s < 0 {
			continue
		}
		b := r.buckets[s%bucketCount]
		if b.sec == s {
			sum += b.sum
			count += b.count
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

type sample struct {
	kind  MetricKind
	value float64
	atSec int64
}

// Ring is the telemetry subsystem for one node: one ring buffer per
// metric kind, fed through a single channel so producers never contend
// with each other or with the consumer.
type Ring struct {
	rings   map[MetricKind]*ring
	samples chan sample
	log     zerolog.Logger
	nowFn   func() int64
}

// New creates a Ring and starts its single consumer goroutine, stopped
// when ctx is cancelled. nowFn defaults to a real wall-clock second
// counter when nil (tests supply a deterministic one).
func New(ctx context.Context, log zerolog.Logger, nowFn func() int64) *Ring {
	if nowFn == nil {
		nowFn = wallClockSeconds
	}
	r := &Ring{
		rings:   make(map[MetricKind]*ring, len(allKinds)),
		samples: make(chan sample, 4096),
		log:     log.With().Str("component", "telemetry").Logger(),
		nowFn:   nowFn,
	}
	for _, k := range allKinds {
		r.rings[k] = &ring{}
	}
	go r.consume(ctx)
	return r
}

func (r *Ring) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-r.samples:
			r.rings[s.kind].record(s.atSec, s.value)
		}
	}
}

// Record enqueues a measurement for kind. Non-blocking: if the channel is
// saturated the sample is dropped and logged, trading a lost data point
// for guaranteeing the caller's hot path never stalls.
func (r *Ring) Record(kind MetricKind, value float64) {
	select {
	case r.samples <- sample{kind: kind, value: value, atSec: r.nowFn()}:
	default:
		r.log.Warn().Str("metric", kind.String()).Msg("telemetry channel saturated, dropping sample")
	}
}

// WindowAverage is a single (kind, window_seconds, average) reading.
type WindowAverage struct {
	Kind      MetricKind
	WindowSec int64
	Average   float64
}

// Snapshot computes the sliding-window averages for every metric kind
// across every window spec §4.8 defines (60s, 300s, 600s, 1800s).
func (r *Ring) Snapshot() []WindowAverage {
	now := r.nowFn()
	out := make([]WindowAverage, 0, len(allKinds)*len(windowSeconds))
	for _, k := range allKinds {
		for _, w := range windowSeconds {
			out = append(out, WindowAverage{Kind: k, WindowSec: w, Average: r.rings[k].average(now, w)})
		}
	}
	return out
}

const snapshotVersion = 1

// EncodeSnapshot serializes a Snapshot() result into the compact binary
// form spec §4.8 names: [ver=1|unix_seconds|(metric_kind,window_s,avg_f64)*].
func EncodeSnapshot(nowUnixSec int64, avgs []WindowAverage) []byte {
	buf := make([]byte, 0, 9+len(avgs)*13)
	buf = append(buf, snapshotVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(nowUnixSec))
	for _, a := range avgs {
		buf = append(buf, byte(a.Kind))
		buf = binary.BigEndian.AppendUint32(buf, uint32(a.WindowSec))
		bits := math.Float64bits(a.Average)
		buf = binary.BigEndian.AppendUint64(buf, bits)
	}
	return buf
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (nowUnixSec int64, avgs []WindowAverage, err error) {
	if len(data) < 9 {
		return 0, nil, fmt.Errorf("telemetry: snapshot too short (%d bytes)", len(data))
	}
	if data[0] != snapshotVersion {
		return 0, nil, fmt.Errorf("telemetry: unsupported snapshot version %d", data[0])
	}
	nowUnixSec = int64(binary.BigEndian.Uint64(data[1:9]))

	rest := data[9:]
	const recordSize = 1 + 4 + 8
	if len(rest)%recordSize != 0 {
		return 0, nil, fmt.Errorf("telemetry: malformed snapshot body (%d bytes)", len(rest))
	}
	for i := 0; i+recordSize <= len(rest); i += recordSize {
		kind := MetricKind(rest[i])
		windowSec := int64(binary.BigEndian.Uint32(rest[i+1 : i+5]))
		avg := math.Float64frombits(binary.BigEndian.Uint64(rest[i+5 : i+13]))
		avgs = append(avgs, WindowAverage{Kind: kind, WindowSec: windowSec, Average: avg})
	}
	return nowUnixSec, avgs, nil
}

// SaveSnapshot writes the current Snapshot() to path via a temp-file +
// atomic rename, matching the durability pattern internal/store uses for
// its own checkpoints.
func (r *Ring) SaveSnapshot(path string, nowUnixSec int64) error {
	data := EncodeSnapshot(nowUnixSec, r.Snapshot())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func wallClockSeconds() int64 { return time.Now().Unix() }
