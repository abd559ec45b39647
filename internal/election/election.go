// Package election implements the periodic bully leader election from
// spec §4.6.2: among the active peer set, the lexicographically smallest
// node_id is elected the cloud gateway, re-evaluated on a fixed interval
// as the active set changes.
//
// Grounded on the teacher's internal/cluster.Ring consistent-hash
// selection (_examples/ppriyankuu-godkv/internal/cluster/ring.go) for
// the idea of "deterministic pure function over the member set decides a
// role" — generalized from ring-based key ownership to a single
// global leader chosen by ID ordering, which is what spec §4.6.2 (not
// consistent hashing) specifies.
package election

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is how often the election re-runs, per spec §4.6.2.
const DefaultInterval = 5 * time.Second

// LeadershipChanged is emitted whenever the elected gateway id changes.
type LeadershipChanged struct {
	GatewayID string
	IsLocal   bool
}

// Elect returns the bully winner (lexicographically smallest id) among
// candidateIDs, which must include the local node's own id to be
// eligible. Panics are never raised; an empty slice returns "".
func Elect(candidateIDs []string) string {
	if len(candidateIDs) == 0 {
		return ""
	}
	sorted := append([]string(nil), candidateIDs...)
	sort.Strings(sorted)
	return sorted[0]
}

// Elector re-runs Elect on an interval against a live candidate set and
// emits LeadershipChanged on every actual change (not every tick).
type Elector struct {
	selfID   string
	interval time.Duration
	log      zerolog.Logger

	candidates func() []string
	changes    chan LeadershipChanged

	current string
}

// NewElector builds an Elector. candidates is called on every tick to get
// the current active node-id set (normally internal/discovery.Table's
// active peers plus the local node's own id).
func NewElector(selfID string, interval time.Duration, candidates func() []string, log zerolog.Logger) *Elector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Elector{
		selfID:     selfID,
		interval:   interval,
		candidates: candidates,
		log:        log.With().Str("component", "election").Logger(),
		changes:    make(chan LeadershipChanged, 8),
	}
}

// Changes returns the channel of leadership transitions.
func (e *Elector) Changes() <-chan LeadershipChanged { return e.changes }

// Run ticks the election loop until ctx is cancelled, running one
// election immediately before the first tick.
func (e *Elector) Run(ctx context.Context) {
	e.tick()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Elector) tick() {
	winner := Elect(e.candidates())
	if winner == "" || winner == e.current {
		return
	}
	e.current = winner
	e.log.Info().Str("gateway_id", winner).Bool("is_local", winner == e.selfID).Msg("leadership changed")

	select {
	case e.changes <- LeadershipChanged{GatewayID: winner, IsLocal: winner == e.selfID}:
	default:
		e.log.Warn().Msg("leadership change channel full, dropping notification")
	}
}

// Current returns the last-elected gateway id ("" before the first tick).
func (e *Elector) Current() string { return e.current }
