package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"entgldb/internal/errs"
	"entgldb/internal/hlc"
	"entgldb/internal/model"
	"entgldb/internal/query"
)

// MemStore is the in-process reference PeerStore implementation (spec
// §4.1's "drivers beyond this reference are out of scope"). It layers an
// in-memory document map over the wal/snapshotManager durability pair,
// same shape as the teacher's internal/store.Store
// (_examples/ppriyankuu-godkv/internal/store/store.go), generalized from a
// flat string->string map to collections of JSON documents with a
// hash-chained oplog and per-peer vector clock.
type MemStore struct {
	mu sync.RWMutex

	nodeID string
	clock  *hlc.Clock
	log    zerolog.Logger

	documents  map[string]model.Document // "collection\x00key" -> Document
	oplog      []model.OplogEntry
	chainHeads map[string][]byte // nodeID -> last sealed hash for that node's chain
	vc         model.VectorClock
	indexHints map[string]bool // "collection\x00path" -> true

	wal     *wal
	snapMgr *snapshotManager

	changes chan ChangesApplied
}

func docKey(collection, key string) string { return collection + "\x00" + key }

// NewMemStore opens (or creates) a durable store rooted at dataDir for
// nodeID: it loads the last snapshot, opens the WAL, and replays every WAL
// record on top of the snapshot, verifying the oplog hash chain as it
// goes — unlike the teacher's replayWAL, which skips unparsable or corrupt
// entries silently, a broken chain here is raised as
// errs.DatabaseCorruption (spec §7, scenario 5).
func NewMemStore(dataDir, nodeID string, log zerolog.Logger) (*MemStore, error) {
	snapMgr := newSnapshotManager(filepath.Join(dataDir, "snapshot.json"))
	w, err := newWAL(filepath.Join(dataDir, "wal.log"))
	if err != nil {
		return nil, errs.New(errs.Persistence, "NewMemStore.openWAL", err)
	}

	s := &MemStore{
		nodeID:     nodeID,
		clock:      hlc.New(nodeID, nil),
		log:        log.With().Str("component", "memstore").Logger(),
		documents:  make(map[string]model.Document),
		chainHeads: make(map[string][]byte),
		vc:         make(model.VectorClock),
		indexHints: make(map[string]bool),
		wal:        w,
		snapMgr:    snapMgr,
		changes:    make(chan ChangesApplied, 1024),
	}

	snap, ok, err := snapMgr.Load()
	if err != nil {
		return nil, errs.New(errs.Persistence, "NewMemStore.loadSnapshot", err)
	}
	if ok {
		for k, d := range snap.Documents {
			s.documents[k] = d
		}
		for k, v := range snap.VectorClock {
			s.vc[k] = v
		}
		for k, h := range snap.ChainHeads {
			s.chainHeads[k] = h
		}
		s.clock.Seed(snap.Checkpoint.Timestamp)
	}

	if err := s.replayWAL(); err != nil {
		return nil, err
	}
	return s, nil
}

// replayWAL applies every record still in the WAL (i.e. written since the
// last snapshot) on top of the loaded base state, checking each entry's
// hash chain continuity and self-integrity before trusting it.
func (s *MemStore) replayWAL() error {
	recs, err := s.wal.readAll()
	if err != nil {
		return errs.New(errs.Persistence, "replayWAL.readAll", err)
	}

	for _, rec := range recs {
		e := rec.Entry
		if !e.Verify() {
			return errs.New(errs.DatabaseCorruption, "replayWAL",
				fmt.Errorf("oplog entry for %s/%s fails hash self-check", e.Collection, e.Key))
		}
		if want := s.chainHeads[e.Timestamp.NodeID]; len(want) > 0 && !bytesEqualPublic(want, e.PrevHash) {
			return errs.New(errs.DatabaseCorruption, "replayWAL",
				fmt.Errorf("oplog entry for %s/%s breaks the hash chain for node %q", e.Collection, e.Key, e.Timestamp.NodeID))
		}

		s.chainHeads[e.Timestamp.NodeID] = e.Hash
		s.oplog = append(s.oplog, e)
		s.vc.Advance(e.Timestamp.NodeID, e.Timestamp)
		s.clock.Seed(e.Timestamp)

		if rec.Doc != nil {
			key := docKey(rec.Doc.Collection, rec.Doc.Key)
			if existing, ok := s.documents[key]; !ok || e.Timestamp.Compare(existing.UpdatedAt) > 0 {
				s.documents[key] = *rec.Doc
			}
		}
	}
	return nil
}

func bytesEqualPublic(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *MemStore) emit(entries []model.OplogEntry) {
	if len(entries) == 0 {
		return
	}
	select {
	case s.changes <- ChangesApplied{Entries: entries}:
	default:
		s.log.Warn().Int("dropped_entries", len(entries)).Msg("changes channel full, dropping notification")
	}
}

// SaveDocument implements PeerStore.
func (s *MemStore) SaveDocument(ctx context.Context, collection, key string, content map[string]any) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock.Tick()
	entry := model.OplogEntry{
		Collection: collection,
		Key:        key,
		Op:         model.OpPut,
		Payload:    content,
		Timestamp:  ts,
		PrevHash:   s.chainHeads[s.nodeID],
	}
	if err := entry.Seal(); err != nil {
		return model.Document{}, errs.New(errs.Persistence, "SaveDocument.seal", err)
	}
	doc := model.Document{Collection: collection, Key: key, Content: content, UpdatedAt: ts}

	if err := s.wal.append(walRecord{Entry: entry, Doc: &doc}); err != nil {
		return model.Document{}, errs.New(errs.Persistence, "SaveDocument.wal", err)
	}

	s.documents[docKey(collection, key)] = doc
	s.chainHeads[s.nodeID] = entry.Hash
	s.oplog = append(s.oplog, entry)
	s.vc.Advance(s.nodeID, ts)
	s.emit([]model.OplogEntry{entry})
	return doc, nil
}

// GetDocument implements PeerStore.
func (s *MemStore) GetDocument(ctx context.Context, collection, key string) (model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[docKey(collection, key)]
	if !ok || doc.IsDeleted {
		return model.Document{}, ErrNotFound
	}
	return doc.Clone(), nil
}

// GetDocumentRaw implements PeerStore.
func (s *MemStore) GetDocumentRaw(ctx context.Context, collection, key string) (model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[docKey(collection, key)]
	if !ok {
		return model.Document{}, ErrNotFound
	}
	return doc.Clone(), nil
}

// DeleteDocument implements PeerStore.
func (s *MemStore) DeleteDocument(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock.Tick()
	entry := model.OplogEntry{
		Collection: collection,
		Key:        key,
		Op:         model.OpDelete,
		Timestamp:  ts,
		PrevHash:   s.chainHeads[s.nodeID],
	}
	if err := entry.Seal(); err != nil {
		return errs.New(errs.Persistence, "DeleteDocument.seal", err)
	}
	doc := model.Document{Collection: collection, Key: key, UpdatedAt: ts, IsDeleted: true}

	if err := s.wal.append(walRecord{Entry: entry, Doc: &doc}); err != nil {
		return errs.New(errs.Persistence, "DeleteDocument.wal", err)
	}

	s.documents[docKey(collection, key)] = doc
	s.chainHeads[s.nodeID] = entry.Hash
	s.oplog = append(s.oplog, entry)
	s.vc.Advance(s.nodeID, ts)
	s.emit([]model.OplogEntry{entry})
	return nil
}

// ApplyBatch implements PeerStore. It is the replication write path: docs
// and entries arrive together (already conflict-resolved by the caller,
// per spec §4.11 step 4), and are committed atomically via a single WAL
// fsync. A document is skipped — but its oplog entry is still chained and
// persisted — when a newer local version already exists (I3).
func (s *MemStore) ApplyBatch(ctx context.Context, docs []model.Document, entries []model.OplogEntry) ([]model.OplogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]model.OplogEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	docsByKey := make(map[string]model.Document, len(docs))
	for _, d := range docs {
		docsByKey[docKey(d.Collection, d.Key)] = d
	}

	type decision struct {
		entry    model.OplogEntry
		doc      *model.Document
		skipDoc  bool
		newChain []byte
	}
	decisions := make([]decision, 0, len(sorted))
	chainPreview := make(map[string][]byte, len(s.chainHeads))
	for k, v := range s.chainHeads {
		chainPreview[k] = v
	}

	for _, e := range sorted {
		if !e.Verify() {
			return nil, errs.New(errs.DatabaseCorruption, "ApplyBatch",
				fmt.Errorf("oplog entry for %s/%s fails hash self-check", e.Collection, e.Key))
		}
		chainPreview[e.Timestamp.NodeID] = e.Hash

		key := docKey(e.Collection, e.Key)
		d, hasDoc := docsByKey[key]
		skip := !hasDoc
		if hasDoc {
			if existing, ok := s.documents[key]; ok && existing.UpdatedAt.Compare(d.UpdatedAt) >= 0 {
				skip = true
			}
		}
		dec := decision{entry: e, skipDoc: skip}
		if hasDoc {
			docCopy := d.Clone()
			dec.doc = &docCopy
		}
		decisions = append(decisions, dec)
	}

	recs := make([]walRecord, len(decisions))
	for i, d := range decisions {
		rec := walRecord{Entry: d.entry}
		if !d.skipDoc {
			rec.Doc = d.doc
		}
		recs[i] = rec
	}
	if err := s.wal.appendBatch(recs); err != nil {
		return nil, errs.New(errs.Persistence, "ApplyBatch.wal", err)
	}

	applied := make([]model.OplogEntry, 0, len(decisions))
	for _, d := range decisions {
		s.chainHeads[d.entry.Timestamp.NodeID] = d.entry.Hash
		s.oplog = append(s.oplog, d.entry)
		s.clock.Receive(d.entry.Timestamp)
		if !d.skipDoc {
			s.documents[docKey(d.entry.Collection, d.entry.Key)] = *d.doc
			applied = append(applied, d.entry)
		}
	}
	s.emit(applied)
	return applied, nil
}

// GetOplogAfter implements PeerStore.
func (s *MemStore) GetOplogAfter(ctx context.Context, cursor hlc.Timestamp, limit int) ([]model.OplogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultBatchSize
	}
	out := make([]model.OplogEntry, 0, limit)
	for _, e := range s.oplog {
		if e.Timestamp.Compare(cursor) > 0 {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetVectorClock implements PeerStore.
func (s *MemStore) GetVectorClock(ctx context.Context) (model.VectorClock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vc.Clone(), nil
}

// AdvanceVectorClock implements PeerStore.
func (s *MemStore) AdvanceVectorClock(ctx context.Context, nodeID string, t hlc.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vc.Advance(nodeID, t)
	return nil
}

// GetLatestTimestamp implements PeerStore.
func (s *MemStore) GetLatestTimestamp() hlc.Timestamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock.Latest()
}

// ReceiveRemoteTimestamp implements PeerStore.
func (s *MemStore) ReceiveRemoteTimestamp(r hlc.Timestamp) hlc.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Receive(r)
}

// QueryDocuments implements PeerStore.
func (s *MemStore) QueryDocuments(ctx context.Context, collection string, pred query.Predicate) ([]model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Document
	for _, d := range s.documents {
		if d.Collection != collection || d.IsDeleted {
			continue
		}
		if query.Match(pred, d.Content) {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

// CountDocuments implements PeerStore.
func (s *MemStore) CountDocuments(ctx context.Context, collection string, pred *query.Predicate) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, d := range s.documents {
		if d.Collection != collection || d.IsDeleted {
			continue
		}
		if pred == nil || query.Match(*pred, d.Content) {
			n++
		}
	}
	return n, nil
}

// GetCollections implements PeerStore.
func (s *MemStore) GetCollections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, d := range s.documents {
		if !d.IsDeleted {
			seen[d.Collection] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// EnsureIndex implements PeerStore. Secondary indexing is a Non-goal (spec
// §1) beyond this metadata hint, which every driver — including this
// reference one — still validates and logs, per SPEC_FULL.md's ambient
// carry-over rule.
func (s *MemStore) EnsureIndex(ctx context.Context, collection, path string) error {
	if collection == "" || path == "" {
		return errs.New(errs.Config, "EnsureIndex", fmt.Errorf("collection and path are required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexHints[docKey(collection, path)] = true
	s.log.Debug().Str("collection", collection).Str("path", path).Msg("index hint recorded")
	return nil
}

// SaveRemotePeer implements PeerStore, routing through SaveDocument so peer
// records replicate via the ordinary oplog path (spec §3).
func (s *MemStore) SaveRemotePeer(ctx context.Context, peer model.RemotePeerConfiguration) error {
	_, err := s.SaveDocument(ctx, model.SystemRemotePeersCollection, peer.NodeID, peer.ToContent())
	return err
}

// RemoveRemotePeer implements PeerStore.
func (s *MemStore) RemoveRemotePeer(ctx context.Context, nodeID string) error {
	return s.DeleteDocument(ctx, model.SystemRemotePeersCollection, nodeID)
}

// GetRemotePeers implements PeerStore.
func (s *MemStore) GetRemotePeers(ctx context.Context) ([]model.RemotePeerConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RemotePeerConfiguration
	for _, d := range s.documents {
		if d.Collection == model.SystemRemotePeersCollection && !d.IsDeleted {
			out = append(out, model.RemotePeerFromContent(d.Content))
		}
	}
	return out, nil
}

// GetRemotePeer implements PeerStore.
func (s *MemStore) GetRemotePeer(ctx context.Context, nodeID string) (model.RemotePeerConfiguration, error) {
	doc, err := s.GetDocument(ctx, model.SystemRemotePeersCollection, nodeID)
	if err != nil {
		return model.RemotePeerConfiguration{}, err
	}
	return model.RemotePeerFromContent(doc.Content), nil
}

// Prune implements PeerStore: tombstoned documents older than before are
// dropped, along with the oplog entries that exist only to explain them
// (any entry for a key that still has a live document is kept regardless
// of age, preserving I1 — every live document has a matching oplog entry).
func (s *MemStore) Prune(ctx context.Context, before hlc.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, d := range s.documents {
		if d.IsDeleted && d.UpdatedAt.Compare(before) < 0 {
			delete(s.documents, key)
		}
	}

	kept := s.oplog[:0:0]
	for _, e := range s.oplog {
		if _, stillLive := s.documents[docKey(e.Collection, e.Key)]; stillLive || e.Timestamp.Compare(before) >= 0 {
			kept = append(kept, e)
		}
	}
	s.oplog = kept

	snap := diskSnapshot{
		Documents:   s.documents,
		VectorClock: s.vc,
		ChainHeads:  s.chainHeads,
		Checkpoint:  model.SnapshotMetadata{NodeID: s.nodeID, Timestamp: before, Hash: s.chainHeads[s.nodeID]},
	}
	if err := s.snapMgr.Save(snap); err != nil {
		return errs.New(errs.Persistence, "Prune.snapshot", err)
	}
	return s.wal.truncate()
}

// Snapshot forces a checkpoint of the current state and truncates the WAL,
// mirroring the periodic snapshot loop in the teacher's cmd/server/main.go.
// Not part of the PeerStore interface — it's an operational knob for
// callers holding a *MemStore; nothing in this module calls it.
func (s *MemStore) Snapshot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := diskSnapshot{
		Documents:   s.documents,
		VectorClock: s.vc,
		ChainHeads:  s.chainHeads,
		Checkpoint:  model.SnapshotMetadata{NodeID: s.nodeID, Timestamp: s.clock.Latest(), Hash: s.chainHeads[s.nodeID]},
	}
	if err := s.snapMgr.Save(snap); err != nil {
		return errs.New(errs.Persistence, "Snapshot.save", err)
	}
	return s.wal.truncate()
}

// Subscribe implements PeerStore.
func (s *MemStore) Subscribe() <-chan ChangesApplied { return s.changes }

// Close implements PeerStore.
func (s *MemStore) Close() error {
	return s.wal.close()
}
