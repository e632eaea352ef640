package zds

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/zippydata/zippy/pkg/fs"
)

// WriteOp identifies a pending write buffered by [BufferedWriter].
type WriteOp struct {
	DocID   string
	Doc     Document // nil for a delete
	Deleted bool
}

// WriteConfig controls how aggressively [BufferedWriter] batches writes
// before flushing them to disk.
type WriteConfig struct {
	// MaxOps is the number of buffered operations that triggers an
	// automatic flush. Zero means [DefaultMaxOps].
	MaxOps int

	// MaxBytes is the approximate buffered payload size, in bytes, that
	// triggers an automatic flush. Zero means [DefaultMaxBytes].
	MaxBytes int64

	// MaxInterval is the longest a write is buffered before an automatic
	// flush, regardless of MaxOps/MaxBytes. Zero means [DefaultMaxInterval].
	MaxInterval time.Duration
}

// Defaults applied by [WriteConfig] when its fields are left at zero.
const (
	DefaultMaxOps      = 1000
	DefaultMaxBytes    = 10 * 1024 * 1024
	DefaultMaxInterval = 1000 * time.Millisecond
)

func (c WriteConfig) withDefaults() WriteConfig {
	if c.MaxOps <= 0 {
		c.MaxOps = DefaultMaxOps
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// BufferedWriter writes documents one file per document under docs/,
// buffering a batch of operations in memory and in the write-ahead journal
// before committing them to individual files.
//
// Each buffered Put or Delete is journaled immediately (so it survives a
// crash even before its target file is written), but the target file
// itself is only written when the buffer is flushed: on
// [BufferedWriter.Flush], when a configured threshold in [WriteConfig] is
// crossed, or on [BufferedWriter.Close]. Flushing a single operation writes
// to a temp file, fsyncs it, and renames it over the destination — so the
// destination file is never observed partially written, even if the
// process crashes mid-flush.
type BufferedWriter struct {
	mu sync.Mutex

	fsys       fs.FS
	root       string
	collection string
	cfg        WriteConfig

	journal *TransactionLog
	index   *IndexRegistry
	schema  *SchemaRegistry

	pending      []WriteOp
	pendingLen   int64
	pendingSince time.Time
	nextBatch    uint64

	closed bool
}

// OpenBufferedWriter opens (or creates) a file-per-document collection for
// buffered writing. If a prior process crashed with committed-but-not-yet-
// checkpointed batches still in the journal, those are replayed onto docs/
// before this call returns (see [BufferedWriter.recoverFromJournal]);
// batches that were never committed are left alone and are simply discarded
// the next time the journal is truncated.
func OpenBufferedWriter(fsys fs.FS, root, collection string, cfg WriteConfig) (*BufferedWriter, error) {
	cfg = cfg.withDefaults()

	if err := fsys.MkdirAll(DocsDir(root, collection), 0o755); err != nil {
		return nil, wrap(KindIO, err, withOp("OpenBufferedWriter"), withCollection(collection))
	}

	journal, err := OpenTransactionLog(fsys, JournalPath(root, collection))
	if err != nil {
		return nil, err
	}

	index, err := LoadIndexRegistry(fsys, DocIndexPath(root, collection), OrderPath(root, collection))
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	schemaReg, err := LoadSchemaRegistry(fsys, SchemaPath(root, collection))
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	w := &BufferedWriter{
		fsys:       fsys,
		root:       root,
		collection: collection,
		cfg:        cfg,
		journal:    journal,
		index:      index,
		schema:     schemaReg,
	}

	if err := w.recoverFromJournal(); err != nil {
		_ = journal.Close()
		return nil, err
	}

	nextBatch, err := journal.NextBatchID()
	if err != nil {
		_ = journal.Close()
		return nil, err
	}
	w.nextBatch = nextBatch

	return w, nil
}

// recoverFromJournal re-applies every committed batch still sitting
// in the journal to docs/. A batch reaches [TransactionLog.Commit] before
// its caller's Put or Delete returns, so by the journal's own contract it
// is already durable; a process that crashes between that Commit and
// flushLocked's Checkpoint+Truncate must not lose it on restart. Entries
// from a batch with no matching Commit are left untouched: those are the
// writes a crashed process started but never finished, and
// [TransactionLog.GetUncommitted] exists for a caller that wants to
// inspect them, not to replay them.
func (w *BufferedWriter) recoverFromJournal() error {
	entries, err := w.journal.Replay()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var maxBatch uint64
	for _, e := range entries {
		if e.BatchID > maxBatch {
			maxBatch = e.BatchID
		}

		switch e.Op {
		case OpDelete:
			if err := w.deleteDocLocked(e.DocID); err != nil {
				return err
			}
		case OpPut:
			doc, err := DecodeDocument(e.Payload)
			if err != nil {
				return wrap(KindCorruption, err, withOp("recoverFromJournal"), withDocID(e.DocID))
			}
			if err := w.schema.Check(doc); err != nil {
				return err
			}
			if err := w.writeDocLocked(e.DocID, doc); err != nil {
				return err
			}
		}
	}

	if err := w.index.Save(w.fsys, DocIndexPath(w.root, w.collection), OrderPath(w.root, w.collection)); err != nil {
		return err
	}
	if err := SaveSchemaRegistry(w.fsys, SchemaPath(w.root, w.collection), w.schema); err != nil {
		return err
	}
	if err := w.journal.Checkpoint(maxBatch); err != nil {
		return err
	}
	return w.journal.Truncate()
}

// Put buffers a write of doc under its "_id" field, journaling it
// immediately. The write is not applied to disk until the buffer flushes.
func (w *BufferedWriter) Put(doc Document) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, ok := doc["_id"].(string)
	if !ok {
		return "", newErr(KindInvalidArgument, `document missing string "_id" field`)
	}
	if err := ValidateDocID(id); err != nil {
		return "", err
	}
	if err := w.schema.Check(doc); err != nil {
		return "", err
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return "", wrap(KindOther, err, withOp("Put"), withDocID(id))
	}

	batch := w.nextBatch
	w.nextBatch++

	if err := w.journal.Append(JournalEntry{Op: OpPut, BatchID: batch, DocID: id, Payload: payload}); err != nil {
		return "", err
	}
	if err := w.journal.Commit(batch); err != nil {
		return "", err
	}

	if len(w.pending) == 0 {
		w.pendingSince = time.Now()
	}
	w.pending = append(w.pending, WriteOp{DocID: id, Doc: doc})
	w.pendingLen += int64(len(payload))

	return id, w.maybeFlushLocked()
}

// Delete buffers removal of id, journaling it immediately.
func (w *BufferedWriter) Delete(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	batch := w.nextBatch
	w.nextBatch++

	if err := w.journal.Append(JournalEntry{Op: OpDelete, BatchID: batch, DocID: id}); err != nil {
		return err
	}
	if err := w.journal.Commit(batch); err != nil {
		return err
	}

	if len(w.pending) == 0 {
		w.pendingSince = time.Now()
	}
	w.pending = append(w.pending, WriteOp{DocID: id, Deleted: true})

	return w.maybeFlushLocked()
}

// maybeFlushLocked flushes if any of [WriteConfig]'s thresholds has been
// crossed. The interval threshold is checked on every call rather than via
// a background timer, so it only takes effect when a new operation arrives
// after MaxInterval has elapsed since the oldest unflushed one; a buffer
// that simply sits idle past MaxInterval with no further writes stays
// buffered until [BufferedWriter.Flush] or [BufferedWriter.Close]. Must be
// called with w.mu held.
func (w *BufferedWriter) maybeFlushLocked() error {
	crossed := len(w.pending) >= w.cfg.MaxOps ||
		w.pendingLen >= w.cfg.MaxBytes ||
		(!w.pendingSince.IsZero() && time.Since(w.pendingSince) >= w.cfg.MaxInterval)

	if crossed {
		return w.flushLocked()
	}
	return nil
}

// Flush writes every buffered operation to disk now, regardless of
// [WriteConfig]'s thresholds.
func (w *BufferedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *BufferedWriter) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}

	batch := w.nextBatch
	w.nextBatch++

	for _, op := range w.pending {
		if op.Deleted {
			if err := w.deleteDocLocked(op.DocID); err != nil {
				return err
			}
			continue
		}
		if err := w.writeDocLocked(op.DocID, op.Doc); err != nil {
			return err
		}
	}

	if err := w.index.Save(w.fsys, DocIndexPath(w.root, w.collection), OrderPath(w.root, w.collection)); err != nil {
		return err
	}
	if err := SaveSchemaRegistry(w.fsys, SchemaPath(w.root, w.collection), w.schema); err != nil {
		return err
	}

	if err := w.journal.Checkpoint(batch); err != nil {
		return err
	}
	if err := w.journal.Truncate(); err != nil {
		return err
	}

	w.pending = nil
	w.pendingLen = 0
	w.pendingSince = time.Time{}
	return nil
}

// writeDocLocked writes doc's file atomically: encode to a temp file in
// docs/, fsync it, rename it over the destination, then update the
// in-memory index. The temp-file-then-rename ordering means a reader never
// observes a partially written document file.
func (w *BufferedWriter) writeDocLocked(id string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return wrap(KindOther, err, withOp("writeDoc"), withDocID(id))
	}

	path := DocPath(w.root, w.collection, id)
	aw := fs.NewAtomicWriter(w.fsys)
	if err := aw.Write(path, bytes.NewReader(data), fs.AtomicWriteOptions{SyncDir: true, Perm: 0o644}); err != nil {
		return wrap(KindIO, err, withOp("writeDoc"), withDocID(id))
	}

	w.index.Put(DocIndexEntry{
		ID:        id,
		SchemaID:  ComputeSchemaID(doc),
		Size:      int64(len(data)),
		UpdatedAt: time.Now().UnixNano(),
	})

	return nil
}

func (w *BufferedWriter) deleteDocLocked(id string) error {
	path := DocPath(w.root, w.collection, id)
	if err := w.fsys.Remove(path); err != nil && !os.IsNotExist(err) {
		return wrap(KindIO, err, withOp("deleteDoc"), withDocID(id))
	}
	w.index.Remove(id)
	return nil
}

// Get reads a document directly from its file, bypassing the write
// buffer — a Put buffered but not yet flushed is not visible to Get.
// Callers that need read-your-writes consistency should [BufferedWriter.Flush]
// first, or use [SyncWriter].
func (w *BufferedWriter) Get(id string) (Document, error) {
	path := DocPath(w.root, w.collection, id)
	data, err := w.fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: KindNotFound, Op: "Get", DocID: id}
		}
		return nil, wrap(KindIO, err, withOp("Get"), withDocID(id))
	}
	doc, err := DecodeDocument(data)
	if err != nil {
		return nil, wrap(KindCorruption, err, withOp("Get"), withDocID(id))
	}
	return doc, nil
}

// IndexRegistry returns the writer's file-per-document index, for listing
// or iterating document IDs.
func (w *BufferedWriter) IndexRegistry() *IndexRegistry {
	return w.index
}

// Close flushes any buffered operations and closes the journal.
func (w *BufferedWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.journal.Close()
}

// SyncWriter is a [BufferedWriter] configured to flush every operation
// immediately: each Put or Delete is durably applied to its destination
// file before the call returns, trading batch throughput for the strongest
// read-your-writes guarantee.
type SyncWriter struct {
	*BufferedWriter
}

// OpenSyncWriter opens a collection for unbuffered, one-operation-at-a-time
// writing.
func OpenSyncWriter(fsys fs.FS, root, collection string) (*SyncWriter, error) {
	bw, err := OpenBufferedWriter(fsys, root, collection, WriteConfig{MaxOps: 1, MaxBytes: 1, MaxInterval: time.Nanosecond})
	if err != nil {
		return nil, err
	}
	return &SyncWriter{BufferedWriter: bw}, nil
}
