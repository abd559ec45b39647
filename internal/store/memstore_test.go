package store

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"entgldb/internal/errs"
	"entgldb/internal/hlc"
	"entgldb/internal/model"
	"entgldb/internal/query"
)

func newTestStore(t *testing.T, nodeID string) *MemStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewMemStore(dir, nodeID, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "node-a")

	doc, err := s.SaveDocument(ctx, "todos", "t1", map[string]any{"title": "buy milk"})
	require.NoError(t, err)
	require.Equal(t, "node-a", doc.UpdatedAt.NodeID)

	got, err := s.GetDocument(ctx, "todos", "t1")
	require.NoError(t, err)
	require.Equal(t, "buy milk", got.Content["title"])
}

func TestGetDocumentHidesTombstones(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "node-a")

	_, err := s.SaveDocument(ctx, "todos", "t1", map[string]any{"title": "x"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteDocument(ctx, "todos", "t1"))

	_, err = s.GetDocument(ctx, "todos", "t1")
	require.ErrorIs(t, err, ErrNotFound)

	raw, err := s.GetDocumentRaw(ctx, "todos", "t1")
	require.NoError(t, err)
	require.True(t, raw.IsDeleted)
}

func TestOplogHashChainGrowsPerNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "node-a")

	_, err := s.SaveDocument(ctx, "todos", "t1", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = s.SaveDocument(ctx, "todos", "t2", map[string]any{"n": 2})
	require.NoError(t, err)

	entries, err := s.GetOplogAfter(ctx, hlc.Timestamp{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Empty(t, entries[0].PrevHash)
	require.Equal(t, entries[0].Hash, entries[1].PrevHash)
	require.True(t, entries[0].Verify())
	require.True(t, entries[1].Verify())
}

func TestReplayAfterRestartVerifiesChain(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewMemStore(dir, "node-a", zerolog.Nop())
	require.NoError(t, err)
	_, err = s.SaveDocument(ctx, "todos", "t1", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = s.SaveDocument(ctx, "todos", "t2", map[string]any{"n": 2})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewMemStore(dir, "node-a", zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetDocument(ctx, "todos", "t2")
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Content["n"])
}

func TestReplayDetectsBrokenChain(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewMemStore(dir, "node-a", zerolog.Nop())
	require.NoError(t, err)
	_, err = s.SaveDocument(ctx, "todos", "t1", map[string]any{"n": 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	walPath := dir + "/wal.log"
	data, err := os.ReadFile(walPath)
	require.NoError(t, err)
	corrupted := append([]byte(nil), data...)
	// Flip a byte inside the oplog entry's JSON payload ({"n":1} -> {"n":9})
	// to break Hash self-verification. walRecord marshals Entry before Doc,
	// so the first `"n":1` in the line is the entry's Payload.
	for i := 0; i+5 <= len(corrupted); i++ {
		if string(corrupted[i:i+5]) == `"n":1` {
			corrupted[i+4] = '9'
			break
		}
	}
	require.NoError(t, os.WriteFile(walPath, corrupted, 0644))

	_, err = NewMemStore(dir, "node-a", zerolog.Nop())
	require.Error(t, err)
	require.Equal(t, errs.DatabaseCorruption, errs.KindOf(err))
}

func TestApplyBatchSkipsStaleDocButKeepsEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "node-a")

	local, err := s.SaveDocument(ctx, "todos", "t1", map[string]any{"v": "local-newer"})
	require.NoError(t, err)

	staleTS := hlc.Timestamp{PhysicalTime: local.UpdatedAt.PhysicalTime - 1000, NodeID: "node-b"}
	entry := model.OplogEntry{
		Collection: "todos",
		Key:        "t1",
		Op:         model.OpPut,
		Payload:    map[string]any{"v": "remote-stale"},
		Timestamp:  staleTS,
	}
	require.NoError(t, entry.Seal())
	staleDoc := model.Document{Collection: "todos", Key: "t1", Content: entry.Payload, UpdatedAt: staleTS}

	applied, err := s.ApplyBatch(ctx, []model.Document{staleDoc}, []model.OplogEntry{entry})
	require.NoError(t, err)
	require.Empty(t, applied, "stale doc must be skipped from the effectively-applied set")

	got, err := s.GetDocument(ctx, "todos", "t1")
	require.NoError(t, err)
	require.Equal(t, "local-newer", got.Content["v"])

	all, err := s.GetOplogAfter(ctx, hlc.Timestamp{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2, "the stale entry is still chained for hash continuity")
}

func TestApplyBatchAppliesNewerRemoteDoc(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "node-a")

	local, err := s.SaveDocument(ctx, "todos", "t1", map[string]any{"v": "local-older"})
	require.NoError(t, err)

	freshTS := hlc.Timestamp{PhysicalTime: local.UpdatedAt.PhysicalTime + 1000, NodeID: "node-b"}
	entry := model.OplogEntry{
		Collection: "todos",
		Key:        "t1",
		Op:         model.OpPut,
		Payload:    map[string]any{"v": "remote-newer"},
		Timestamp:  freshTS,
	}
	require.NoError(t, entry.Seal())
	freshDoc := model.Document{Collection: "todos", Key: "t1", Content: entry.Payload, UpdatedAt: freshTS}

	applied, err := s.ApplyBatch(ctx, []model.Document{freshDoc}, []model.OplogEntry{entry})
	require.NoError(t, err)
	require.Len(t, applied, 1)

	got, err := s.GetDocument(ctx, "todos", "t1")
	require.NoError(t, err)
	require.Equal(t, "remote-newer", got.Content["v"])
}

func TestQueryAndCountDocuments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "node-a")

	_, _ = s.SaveDocument(ctx, "todos", "t1", map[string]any{"done": true})
	_, _ = s.SaveDocument(ctx, "todos", "t2", map[string]any{"done": false})

	pred := query.EqP("done", true)
	docs, err := s.QueryDocuments(ctx, "todos", pred)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	n, err := s.CountDocuments(ctx, "todos", nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRemotePeerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "node-a")

	peer := model.RemotePeerConfiguration{NodeID: "node-b", Address: "10.0.0.2:6000", Type: model.StaticRemote, IsEnabled: true}
	require.NoError(t, s.SaveRemotePeer(ctx, peer))

	got, err := s.GetRemotePeer(ctx, "node-b")
	require.NoError(t, err)
	require.Equal(t, peer.Address, got.Address)
	require.Equal(t, model.StaticRemote, got.Type)

	peers, err := s.GetRemotePeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)

	require.NoError(t, s.RemoveRemotePeer(ctx, "node-b"))
	peers, err = s.GetRemotePeers(ctx)
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestPruneDropsOldTombstonesOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "node-a")

	_, err := s.SaveDocument(ctx, "todos", "t1", map[string]any{"n": 1})
	require.NoError(t, err)
	require.NoError(t, s.DeleteDocument(ctx, "todos", "t1"))

	_, err = s.SaveDocument(ctx, "todos", "t2", map[string]any{"n": 2})
	require.NoError(t, err)

	future := hlc.Timestamp{PhysicalTime: s.GetLatestTimestamp().PhysicalTime + 1}
	require.NoError(t, s.Prune(ctx, future))

	_, err = s.GetDocumentRaw(ctx, "todos", "t1")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetDocument(ctx, "todos", "t2")
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Content["n"])
}
