// Package store defines the PeerStore contract (spec §4.1) — the durable
// local state surface that the sync engine, the cache, and the Database
// API all sit on top of. PeerStore is the only authority mutating
// persistent state (spec §5): every mutation, local or remote, goes
// through it so that HLC ticks, oplog appends, and vector-clock advances
// stay atomic with each other.
//
// Grounded on the teacher's internal/store.Store
// (_examples/ppriyankuu-godkv/internal/store/store.go), generalized from
// a single scalar KV map to named collections of JSON documents with a
// hash-chained oplog.
package store

import (
	"context"
	"errors"

	"entgldb/internal/hlc"
	"entgldb/internal/model"
	"entgldb/internal/query"
)

// ErrNotFound is returned by GetDocument/GetRemotePeer when the key is
// absent. It is a sentinel, not an *errs.Error, because "not found" is an
// ordinary outcome, not a failure.
var ErrNotFound = errors.New("store: not found")

// DefaultBatchSize is the default limit for GetOplogAfter (spec §4.1).
const DefaultBatchSize = 100

// ChangesApplied is emitted whenever SaveDocument, DeleteDocument or
// ApplyBatch durably commits a change, carrying only the oplog entries that
// were effectively applied (i.e. not skipped per the I3 tie-break rule in
// spec §4.1). The sync engine (C13)
// subscribes to this to drive its push path.
type ChangesApplied struct {
	Entries []model.OplogEntry
}

// PeerStore is the durable local state surface, spec §4.1. Concrete
// storage drivers (SQLite/EFCore/PostgreSQL in the original system) are
// out of scope per spec §1; internal/store/memstore.go is the in-process
// reference implementation used by tests, the CLI, and the sync engine.
type PeerStore interface {
	// SaveDocument upserts a document, ticking the local HLC and
	// appending a matching oplog entry atomically (I1).
	SaveDocument(ctx context.Context, collection, key string, content map[string]any) (model.Document, error)

	// GetDocument returns the document or ErrNotFound. Tombstones are
	// hidden from this call; use GetDocumentRaw for replication paths
	// that need to see them.
	GetDocument(ctx context.Context, collection, key string) (model.Document, error)

	// GetDocumentRaw returns the document exactly as stored, including
	// tombstones.
	GetDocumentRaw(ctx context.Context, collection, key string) (model.Document, error)

	// DeleteDocument writes a tombstone for (collection, key), ticking
	// the HLC and appending a matching OpDelete oplog entry.
	DeleteDocument(ctx context.Context, collection, key string) error

	// ApplyBatch applies docs and entries atomically: either all are
	// written or none are (P5). If a doc for (c,k) already exists with
	// updated_at >= incoming.updated_at, that doc is skipped — but its
	// oplog entry is still appended, for hash-chain continuity. Returns
	// the oplog entries that were effectively applied and fires
	// ChangesApplied for them.
	ApplyBatch(ctx context.Context, docs []model.Document, entries []model.OplogEntry) ([]model.OplogEntry, error)

	// GetOplogAfter returns entries with timestamp strictly greater than
	// cursor, ordered by (timestamp, hash), up to limit (<=0 means
	// DefaultBatchSize).
	GetOplogAfter(ctx context.Context, cursor hlc.Timestamp, limit int) ([]model.OplogEntry, error)

	// GetVectorClock returns a copy of the current vector clock.
	GetVectorClock(ctx context.Context) (model.VectorClock, error)

	// AdvanceVectorClock advances clock[nodeID] to t (monotonic, see
	// model.VectorClock.Advance). MemStore holds the advance in memory only;
	// it reaches disk with the next Snapshot or Prune, not with the call.
	AdvanceVectorClock(ctx context.Context, nodeID string, t hlc.Timestamp) error

	// GetLatestTimestamp returns the local HLC head.
	GetLatestTimestamp() hlc.Timestamp

	// ReceiveRemoteTimestamp merges a remote HLC reading into the local
	// clock (spec §3 receive rule) and returns the new local head.
	ReceiveRemoteTimestamp(r hlc.Timestamp) hlc.Timestamp

	// QueryDocuments returns non-deleted documents in collection matching
	// pred.
	QueryDocuments(ctx context.Context, collection string, pred query.Predicate) ([]model.Document, error)

	// CountDocuments counts non-deleted documents in collection, optionally
	// filtered by pred (nil counts all).
	CountDocuments(ctx context.Context, collection string, pred *query.Predicate) (int, error)

	// GetCollections returns the distinct collection names with at least
	// one non-deleted document.
	GetCollections(ctx context.Context) ([]string, error)

	// EnsureIndex is a metadata hint; secondary indexing beyond this is a
	// Non-goal (spec §1), so drivers may treat this as a no-op, but it
	// still validates its input and logs, per SPEC_FULL.md's "ambient
	// carry-over" rule.
	EnsureIndex(ctx context.Context, collection, path string) error

	// SaveRemotePeer upserts a RemotePeerConfiguration, stored in (and
	// replicated via) the reserved "_system_remote_peers" collection.
	SaveRemotePeer(ctx context.Context, peer model.RemotePeerConfiguration) error
	RemoveRemotePeer(ctx context.Context, nodeID string) error
	GetRemotePeers(ctx context.Context) ([]model.RemotePeerConfiguration, error)
	GetRemotePeer(ctx context.Context, nodeID string) (model.RemotePeerConfiguration, error)

	// Prune removes tombstoned documents and their oplog entries with
	// timestamps before the given checkpoint, recording a new
	// SnapshotMetadata row (spec §3's "tombstones persist until snapshot
	// pruning").
	Prune(ctx context.Context, before hlc.Timestamp) error

	// Subscribe returns a channel of ChangesApplied events, fed by every
	// successful SaveDocument, DeleteDocument and ApplyBatch. The channel is never closed by the store;
	// callers stop reading when done.
	Subscribe() <-chan ChangesApplied

	// Close releases all resources (file handles, background goroutines).
	Close() error
}
