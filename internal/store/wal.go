package store

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"entgldb/internal/model"
)

// The WAL (Write-Ahead Log) is an append-only file where every mutation is
// durably recorded BEFORE it is applied to the in-memory store.
//
// Grounded on the teacher's internal/store.WAL
// (_examples/ppriyankuu-godkv/internal/store/wal.go); generalized from a
// flat {Op,Key,Value} record to the (Document, OplogEntry) pair spec §3
// requires. readAll skips lines that do not parse as JSON; unlike the
// teacher, every entry that does parse is checked on replay — see
// replayWAL in memstore.go, which verifies each entry's hash and the hash
// chain and raises DatabaseCorruption (spec §7, scenario 5).
type walRecord struct {
	Entry model.OplogEntry
	Doc   *model.Document
}

// wal is a simple append-only log backed by a single file. Each record is
// a newline-delimited JSON object (NDJSON), trivial to read back line by
// line.
type wal struct {
	mu   sync.Mutex
	file *os.File
}

func newWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &wal{file: f}, nil
}

// append serialises rec as JSON and fsync-writes it. fsync (Sync) forces
// the OS to flush its write buffer to physical media — without it a crash
// could lose the entry even though Write returned nil.
func (w *wal) append(rec walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := w.file.Write(data); err != nil {
		return err
	}
	return w.file.Sync() // flush to disk — this is the "D" in ACID
}

// appendBatch writes multiple records with a single fsync, so ApplyBatch's
// atomicity (P5) holds at the durability layer: a process that crashes
// mid-write leaves either the whole batch or a recoverable prefix — the
// scanner in readAll drops any trailing unparsable line.
func (w *wal) appendBatch(recs []walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf []byte
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	return w.file.Sync()
}

// readAll scans the WAL file from the beginning and returns all records.
func (w *wal) readAll() ([]walRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, err
	}

	var recs []walRecord
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Any line that fails to parse is dropped, wherever it is —
			// typically a truncated final line from a mid-write crash;
			// the sender will redeliver (idempotent replication, P8).
			continue
		}
		recs = append(recs, rec)
	}
	return recs, scanner.Err()
}

// truncate empties the WAL after a snapshot has been taken, truncating the
// open file in place and rewinding it rather than deleting and re-opening.
func (w *wal) truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, 0)
	return err
}

func (w *wal) close() error {
	return w.file.Close()
}
