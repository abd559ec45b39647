// Package netpeer wires internal/protocol's framer and internal/secure's
// handshake into a concrete PeerTransport (spec §4.9, §4.10, §4.11): the
// client side of a connection to one remote peer, and the server-side
// dispatcher answering OplogRequest/DocumentRequest/ChangesPush against
// a local store.PeerStore.
//
// Grounded on the teacher's internal/client (_examples/ppriyankuu-godkv/
// internal/client/client.go — one Client per remote node, serializing
// requests/responses) and internal/api/handlers.go (one handler dispatch
// per request type against the local Store) — generalized from
// request/response-per-HTTP-call to request/response-per-frame over a
// persistent TCP connection.
package netpeer

import (
	"encoding/base64"

	"entgldb/internal/hlc"
	"entgldb/internal/model"
)

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func encodeTimestamp(t hlc.Timestamp) map[string]any {
	return map[string]any{
		"physical": float64(t.PhysicalTime),
		"logical":  float64(t.LogicalCounter),
		"node_id":  t.NodeID,
	}
}

func decodeTimestamp(m map[string]any) hlc.Timestamp {
	return hlc.Timestamp{
		PhysicalTime:   int64(toFloat(m["physical"])),
		LogicalCounter: int32(toFloat(m["logical"])),
		NodeID:         toString(m["node_id"]),
	}
}

func encodeEntry(e model.OplogEntry) map[string]any {
	m := map[string]any{
		"collection": e.Collection,
		"key":        e.Key,
		"op":         float64(e.Op),
		"timestamp":  encodeTimestamp(e.Timestamp),
		"prev_hash":  base64.StdEncoding.EncodeToString(e.PrevHash),
		"hash":       base64.StdEncoding.EncodeToString(e.Hash),
	}
	if e.Payload != nil {
		m["payload"] = map[string]any(e.Payload)
	}
	return m
}

func decodeEntry(m map[string]any) model.OplogEntry {
	entry := model.OplogEntry{
		Collection: toString(m["collection"]),
		Key:        toString(m["key"]),
		Op:         model.OpKind(int(toFloat(m["op"]))),
		Timestamp:  decodeTimestamp(asMap(m["timestamp"])),
	}
	if ph, ok := m["prev_hash"].(string); ok {
		entry.PrevHash, _ = base64.StdEncoding.DecodeString(ph)
	}
	if h, ok := m["hash"].(string); ok {
		entry.Hash, _ = base64.StdEncoding.DecodeString(h)
	}
	if p, ok := m["payload"].(map[string]any); ok {
		entry.Payload = p
	}
	return entry
}

func encodeEntries(entries []model.OplogEntry) []any {
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = encodeEntry(e)
	}
	return out
}

func decodeEntries(raw []any) []model.OplogEntry {
	out := make([]model.OplogEntry, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, decodeEntry(m))
		}
	}
	return out
}

func encodeDocument(d model.Document) map[string]any {
	return map[string]any{
		"collection": d.Collection,
		"key":        d.Key,
		"content":    map[string]any(d.Content),
		"updated_at": encodeTimestamp(d.UpdatedAt),
		"is_deleted": d.IsDeleted,
	}
}

func decodeDocument(m map[string]any) model.Document {
	content, _ := m["content"].(map[string]any)
	return model.Document{
		Collection: toString(m["collection"]),
		Key:        toString(m["key"]),
		Content:    content,
		UpdatedAt:  decodeTimestamp(asMap(m["updated_at"])),
		IsDeleted:  m["is_deleted"] == true,
	}
}

func encodeDocuments(docs []model.Document) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = encodeDocument(d)
	}
	return out
}

func decodeDocuments(raw []any) []model.Document {
	out := make([]model.Document, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, decodeDocument(m))
		}
	}
	return out
}

func encodeDocKeys(keys []model.DocKey) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = map[string]any{"collection": k.Collection, "key": k.Key}
	}
	return out
}

func decodeDocKeys(raw []any) []model.DocKey {
	out := make([]model.DocKey, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, model.DocKey{Collection: toString(m["collection"]), Key: toString(m["key"])})
		}
	}
	return out
}
