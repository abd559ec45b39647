package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"

	"entgldb/internal/hlc"
)

// OpKind distinguishes a Put from a Delete oplog entry.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

func (k OpKind) String() string {
	if k == OpDelete {
		return "DELETE"
	}
	return "PUT"
}

// OplogEntry is one append-only mutation record. Entries are ordered by
// (Timestamp, Hash) and chained per-node: Hash = SHA-256(PrevHash ||
// Collection || Key || Op || Payload || TimestampBytes), per spec §3 (I2).
type OplogEntry struct {
	Collection string
	Key        string
	Op         OpKind
	Payload    map[string]any // nil for OpDelete
	Timestamp  hlc.Timestamp
	PrevHash   []byte
	Hash       []byte
}

// timestampBytes serializes a Timestamp deterministically for hashing.
func timestampBytes(t hlc.Timestamp) []byte {
	buf := make([]byte, 8+4+len(t.NodeID))
	binary.BigEndian.PutUint64(buf[0:8], uint64(t.PhysicalTime))
	binary.BigEndian.PutUint32(buf[8:12], uint32(t.LogicalCounter))
	copy(buf[12:], t.NodeID)
	return buf
}

// ComputeHash returns the hash this entry should carry given its PrevHash,
// independent of whatever e.Hash currently holds — used both to mint new
// entries and to verify ones read back from durable storage (P4).
func (e OplogEntry) ComputeHash() ([]byte, error) {
	h := sha256.New()
	h.Write(e.PrevHash)
	h.Write([]byte(e.Collection))
	h.Write([]byte(e.Key))
	h.Write([]byte{byte(e.Op)})
	if e.Payload != nil {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		h.Write(payload)
	}
	h.Write(timestampBytes(e.Timestamp))
	return h.Sum(nil), nil
}

// Seal computes and assigns e.Hash from e.PrevHash and the entry's fields.
func (e *OplogEntry) Seal() error {
	sum, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = sum
	return nil
}

// Verify reports whether e.Hash matches what ComputeHash would produce,
// i.e. whether the entry has not been tampered with since it was sealed.
func (e OplogEntry) Verify() bool {
	sum, err := e.ComputeHash()
	if err != nil {
		return false
	}
	return bytesEqual(sum, e.Hash)
}

func bytesEqual(a, b []byte) bool {
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

// Less orders entries by (Timestamp, Hash) ascending, the order spec §4.1
// and §4.11 require for GetOplogAfter and ApplyBatch.
func (e OplogEntry) Less(o OplogEntry) bool {
	if c := e.Timestamp.Compare(o.Timestamp); c != 0 {
		return c < 0
	}
	return compareBytes(e.Hash, o.Hash) < 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}
