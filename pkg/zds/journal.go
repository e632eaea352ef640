package zds

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zippydata/zippy/pkg/fs"
)

// JournalOp identifies the kind of a [JournalEntry].
type JournalOp string

const (
	// OpPut records that a document was (or is about to be) written.
	OpPut JournalOp = "put"
	// OpDelete records that a document was (or is about to be) removed.
	OpDelete JournalOp = "delete"
	// OpCommit marks every entry with the same BatchID as durable.
	OpCommit JournalOp = "commit"
	// OpCheckpoint marks that all entries up to this point have been
	// applied to the main store and don't need replaying again.
	OpCheckpoint JournalOp = "checkpoint"
)

// JournalEntry is one line of the write-ahead journal.
type JournalEntry struct {
	Op      JournalOp       `json:"op"`
	BatchID uint64          `json:"batch_id"`
	DocID   string          `json:"doc_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TransactionLog is a crash-safe, append-only write-ahead journal.
//
// Every [TransactionLog.Append] is immediately followed by an fsync of the
// journal file, so a process that crashes mid-write leaves behind either a
// complete line or an incomplete trailing one — never a torn entry earlier
// in the file. A line that does not parse, an incomplete trailing one
// included, makes [TransactionLog.Replay], [TransactionLog.GetUncommitted]
// and [TransactionLog.NextBatchID] fail with a [KindCorruption] error that
// quotes the line.
//
// Entries are grouped into batches by BatchID. A batch is considered
// committed once an [OpCommit] entry for that BatchID has been appended;
// [TransactionLog.GetUncommitted] returns entries from batches that were
// never committed, for crash-recovery rollback. [TransactionLog.Truncate]
// is never called implicitly: callers decide when the journal is safe to
// discard, typically right after a checkpoint has been durably applied.
type TransactionLog struct {
	mu   sync.Mutex
	fsys fs.FS
	path string
	file fs.File
}

// OpenTransactionLog opens (creating if necessary) the journal at path for
// appending.
func OpenTransactionLog(fsys fs.FS, path string) (*TransactionLog, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, wrap(KindIO, err, withOp("OpenTransactionLog"))
	}
	return &TransactionLog{fsys: fsys, path: path, file: f}, nil
}

// NextBatchID scans the journal and returns one greater than the largest
// BatchID seen, or 1 if the journal is empty. Callers use this once at
// startup to resume batch numbering without colliding with batches from a
// previous process.
func (t *TransactionLog) NextBatchID() (uint64, error) {
	entries, err := t.readAll()
	if err != nil {
		return 0, err
	}

	var max uint64
	for _, e := range entries {
		if e.BatchID > max {
			max = e.BatchID
		}
	}
	return max + 1, nil
}

// Append writes entry to the journal and fsyncs before returning, so the
// entry is durable before Append's caller proceeds to mutate the main
// store.
func (t *TransactionLog) Append(entry JournalEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return wrap(KindOther, err, withOp("Append"))
	}
	data = append(data, '\n')

	if _, err := t.file.Write(data); err != nil {
		return wrap(KindIO, err, withOp("Append"))
	}
	if err := t.file.Sync(); err != nil {
		return wrap(KindIO, err, withOp("Append"))
	}
	return nil
}

// Commit appends an [OpCommit] entry for batchID, marking every prior entry
// in that batch durable.
func (t *TransactionLog) Commit(batchID uint64) error {
	return t.Append(JournalEntry{Op: OpCommit, BatchID: batchID})
}

// Checkpoint appends an [OpCheckpoint] entry for batchID, marking that
// batch's effects as applied to the main store.
func (t *TransactionLog) Checkpoint(batchID uint64) error {
	return t.Append(JournalEntry{Op: OpCheckpoint, BatchID: batchID})
}

// GetUncommitted replays the journal and returns the Put/Delete entries
// belonging to batches that have an entry but no matching [OpCommit].
// These are the writes a crashed process started but never finished; a
// caller recovering from a crash typically discards them.
func (t *TransactionLog) GetUncommitted() ([]JournalEntry, error) {
	entries, err := t.readAll()
	if err != nil {
		return nil, err
	}

	committed := make(map[uint64]bool)
	for _, e := range entries {
		if e.Op == OpCommit {
			committed[e.BatchID] = true
		}
	}

	var uncommitted []JournalEntry
	for _, e := range entries {
		if e.Op != OpPut && e.Op != OpDelete {
			continue
		}
		if !committed[e.BatchID] {
			uncommitted = append(uncommitted, e)
		}
	}
	return uncommitted, nil
}

// Replay returns every Put/Delete entry from committed batches, in the
// order they were appended, as a basis for the caller to reconstruct store
// state after a crash. Batches with no [OpCommit] are skipped: see
// [TransactionLog.GetUncommitted] to inspect those.
func (t *TransactionLog) Replay() ([]JournalEntry, error) {
	entries, err := t.readAll()
	if err != nil {
		return nil, err
	}

	committed := make(map[uint64]bool)
	for _, e := range entries {
		if e.Op == OpCommit {
			committed[e.BatchID] = true
		}
	}

	var applied []JournalEntry
	for _, e := range entries {
		if e.Op != OpPut && e.Op != OpDelete {
			continue
		}
		if committed[e.BatchID] {
			applied = append(applied, e)
		}
	}
	return applied, nil
}

// readAll reads every entry currently in the journal. A malformed or
// incomplete line returns a [KindCorruption] error quoting that line.
func (t *TransactionLog) readAll() ([]JournalEntry, error) {
	data, err := t.fsys.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, wrap(KindIO, err, withOp("readAll"))
	}

	var entries []JournalEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, wrap(KindCorruption, fmt.Errorf("malformed journal line %q: %w", line, err), withOp("readAll"))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Truncate discards the journal's contents. Callers must only call this
// after confirming every entry has been durably applied to the main store
// (typically right after a successful [TransactionLog.Checkpoint]);
// Truncate itself performs no such check.
func (t *TransactionLog) Truncate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.file.Close(); err != nil {
		return wrap(KindIO, err, withOp("Truncate"))
	}

	f, err := t.fsys.OpenFile(t.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return wrap(KindIO, err, withOp("Truncate"))
	}
	t.file = f
	return nil
}

// Close closes the underlying journal file.
func (t *TransactionLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.file.Close(); err != nil {
		return wrap(KindIO, err, withOp("Close"))
	}
	return nil
}
