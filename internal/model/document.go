// Package model holds EntglDb's core data entities: documents, oplog
// entries, vector clocks, snapshot checkpoints, and remote peer records.
// It is grounded on the teacher's internal/store.Value and
// internal/store.VectorClock (_examples/ppriyankuu-godkv/internal/store),
// generalized from a single scalar string payload to arbitrary JSON
// documents grouped into named collections, per spec §3.
package model

import (
	"github.com/google/uuid"

	"entgldb/internal/hlc"
)

// DocKey uniquely identifies a document by (collection, key), per spec §3.
type DocKey struct {
	Collection string
	Key        string
}

// Document is one stored record. Deletion stores a tombstone: Content is
// nil and IsDeleted is true. Tombstones persist until snapshot pruning.
type Document struct {
	Collection string
	Key        string
	Content    map[string]any
	UpdatedAt  hlc.Timestamp
	IsDeleted  bool
}

// DocKey returns the document's (collection, key) identity.
func (d Document) DocKey() DocKey { return DocKey{Collection: d.Collection, Key: d.Key} }

// Clone returns a deep copy of the document, safe to mutate independently
// of the original (maps are reference types in Go).
func (d Document) Clone() Document {
	clone := d
	clone.Content = cloneJSON(d.Content)
	return clone
}

func cloneJSON(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = cloneValue(val)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneJSON(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// NewUUID generates a new random primary key, used by the keyless Put path
// in internal/db when an entity's PK field is empty and AutoGenerate=true.
func NewUUID() string { return uuid.NewString() }
