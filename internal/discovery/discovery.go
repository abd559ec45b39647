// Package discovery implements peer discovery from spec §4.6.1/§4.9's
// companion section: a UDP beacon for LAN auto-discovery plus a static
// peer list sourced from the PeerStore's reserved
// "_system_remote_peers" collection, feeding one shared active-peer
// table that expires entries after a period of silence.
//
// Grounded on the teacher's internal/cluster.Membership
// (_examples/ppriyankuu-godkv/internal/cluster/membership.go): same
// "map[nodeID]*Node behind an RWMutex, Join/Leave/All" shape, generalized
// from statically-seeded, never-expiring membership to a liveness table
// driven by beacon receipt instead of explicit Join/Leave calls.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"entgldb/internal/errs"
	"entgldb/internal/model"
)

// DefaultBeaconPort is the UDP port nodes broadcast discovery beacons on,
// per spec §4.6.1.
const DefaultBeaconPort = 6000

// InactiveAfter is how long a peer may go without a beacon before it is
// dropped from the active table (T_inactive, spec §4.6.1).
const InactiveAfter = 15 * time.Second

// ProtocolVersion is the discovery wire version this build speaks.
const ProtocolVersion = 1

// Beacon is the UDP broadcast payload a node sends to announce itself.
type Beacon struct {
	NodeID          string `json:"node_id"`
	TCPPort         int    `json:"tcp_port"`
	AuthTokenHash   string `json:"auth_token_hash"`
	ClusterTag      string `json:"cluster_tag"`
	ProtocolVersion int    `json:"protocol_version"`
}

// HashAuthToken derives the beacon's auth_token_hash field so the raw
// token is never broadcast on the LAN.
func HashAuthToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)
}

// ActivePeer is one entry in the live discovery table.
type ActivePeer struct {
	NodeID     string
	Address    string
	LastSeen   time.Time
	Type       model.PeerType
}

// Table tracks active peers, whether discovered via LAN beacon or loaded
// from static configuration, pruning LAN-discovered entries that have
// gone quiet for longer than InactiveAfter.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*ActivePeer
	now   func() time.Time
}

// NewTable creates an empty active-peer table.
func NewTable() *Table {
	return &Table{peers: make(map[string]*ActivePeer), now: time.Now}
}

// Observe records a beacon or static-config sighting of a peer.
func (t *Table) Observe(nodeID, address string, peerType model.PeerType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[nodeID] = &ActivePeer{NodeID: nodeID, Address: address, LastSeen: t.now(), Type: peerType}
}

// Remove drops a peer from the table (e.g. on an explicit Leave).
func (t *Table) Remove(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
}

// Active returns every peer last seen within InactiveAfter; static and
// cloud peers never expire on liveness alone.
func (t *Table) Active() []ActivePeer {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-InactiveAfter)
	out := make([]ActivePeer, 0, len(t.peers))
	for id, p := range t.peers {
		if p.Type != model.LanDiscovered || p.LastSeen.After(cutoff) {
			out = append(out, *p)
		} else {
			delete(t.peers, id)
		}
	}
	return out
}

// Beaconing runs the UDP send+listen loop for LAN auto-discovery. It
// broadcasts this node's Beacon on an interval and feeds every received
// beacon (other than its own) into table.
type Beaconing struct {
	selfID     string
	tcpPort    int
	authHash   string
	clusterTag string
	table      *Table
	log        zerolog.Logger
}

// NewBeaconing configures a Beaconing loop. authToken is hashed once here
// so the raw token never leaves this call.
func NewBeaconing(selfID string, tcpPort int, authToken, clusterTag string, table *Table, log zerolog.Logger) *Beaconing {
	return &Beaconing{
		selfID:     selfID,
		tcpPort:    tcpPort,
		authHash:   HashAuthToken(authToken),
		clusterTag: clusterTag,
		table:      table,
		log:        log.With().Str("component", "discovery").Logger(),
	}
}

// Run broadcasts and listens until ctx is cancelled. broadcastAddr is
// typically "255.255.255.255:<port>" or a subnet-directed broadcast
// address.
func (b *Beaconing) Run(ctx context.Context, broadcastAddr string, interval time.Duration) error {
	listenConn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", DefaultBeaconPort))
	if err != nil {
		return errs.New(errs.Network, "Beaconing.listen", err)
	}
	defer listenConn.Close()

	go b.listenLoop(ctx, listenConn)
	return b.sendLoop(ctx, broadcastAddr, interval)
}

func (b *Beaconing) sendLoop(ctx context.Context, broadcastAddr string, interval time.Duration) error {
	raddr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return errs.New(errs.Config, "Beaconing.resolveBroadcast", err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return errs.New(errs.Network, "Beaconing.dial", err)
	}
	defer conn.Close()

	beacon := Beacon{
		NodeID: b.selfID, TCPPort: b.tcpPort, AuthTokenHash: b.authHash,
		ClusterTag: b.clusterTag, ProtocolVersion: ProtocolVersion,
	}
	data, err := json.Marshal(beacon)
	if err != nil {
		return errs.New(errs.Config, "Beaconing.marshal", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := conn.Write(data); err != nil {
			b.log.Warn().Err(err).Msg("beacon send failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (b *Beaconing) listenLoop(ctx context.Context, conn net.PacketConn) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			continue // deadline or transient read error — loop and check ctx again
		}

		var beacon Beacon
		if err := json.Unmarshal(buf[:n], &beacon); err != nil {
			continue
		}
		if beacon.NodeID == b.selfID || beacon.ClusterTag != b.clusterTag {
			continue
		}
		if beacon.AuthTokenHash != b.authHash {
			b.log.Warn().Str("peer", beacon.NodeID).Msg("beacon auth token mismatch, ignoring")
			continue
		}
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		b.table.Observe(beacon.NodeID, fmt.Sprintf("%s:%d", host, beacon.TCPPort), model.LanDiscovered)
	}
}

// LoadStaticPeers seeds table with every RemotePeerConfiguration whose
// Type is not LanDiscovered (static or cloud-gateway entries, spec §3).
func LoadStaticPeers(table *Table, peers []model.RemotePeerConfiguration) {
	for _, p := range peers {
		if p.Type != model.LanDiscovered && p.IsEnabled {
			table.Observe(p.NodeID, p.Address, p.Type)
		}
	}
}
