package zds

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/zippydata/zippy/pkg/fs"
)

// ScanWorkers is the default number of goroutines [FastStore.Scan] fans a
// scan out across. It can be overridden per call via [ScanOptions.Workers].
const ScanWorkers = 8

// FastStore is an append-only document log with a binary side index and an
// mmap-backed random-access read path.
//
// Writes append a JSON line to data.jsonl and a corresponding entry to
// index.bin; reads resolve a document ID through the in-memory index (kept
// in sync with index.bin) and then read the document's bytes out of an
// mmap'd snapshot of data.jsonl.
//
// Every write through this handle remaps the snapshot before returning, so
// the handle reads its own writes. The in-memory index is loaded at open
// and changed only by this handle's own writes: documents another handle
// or process writes afterwards are absent from this handle's Get and Scan,
// and [FastStore.RefreshMmap] does not change that. [FastStore.Scan]
// treats any entry whose offset/length falls outside the snapshot it
// captured as absent rather than reading out of range.
type FastStore struct {
	mu sync.RWMutex

	fsys       fs.FS
	dataPath   string
	indexPath  string
	schemaPath string

	dataFile fs.File // opened O_RDWR|O_APPEND for writes
	dataSize int64   // size of data.jsonl as of the last write or RefreshMmap

	mmapData []byte // current read snapshot; nil if empty or unmapped

	entries map[string]indexEntry
	order   []string // insertion order, for deterministic full scans

	schema *SchemaRegistry

	closed bool
}

// OpenFastStore opens (or creates) a FastStore for a collection directory.
// It loads index.bin if present; if missing or corrupt, it rebuilds the
// index by scanning data.jsonl from scratch.
func OpenFastStore(fsys fs.FS, root, collection string) (*FastStore, error) {
	if err := fsys.MkdirAll(CollectionDir(root, collection), 0o755); err != nil {
		return nil, wrap(KindIO, err, withOp("OpenFastStore"), withCollection(collection))
	}

	dataPath := DataLogPath(root, collection)
	indexPath := IndexPath(root, collection)
	schemaPath := SchemaPath(root, collection)

	dataFile, err := fsys.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, wrap(KindIO, err, withOp("OpenFastStore"), withCollection(collection))
	}

	info, err := dataFile.Stat()
	if err != nil {
		_ = dataFile.Close()
		return nil, wrap(KindIO, err, withOp("OpenFastStore"), withCollection(collection))
	}

	schemaReg, err := LoadSchemaRegistry(fsys, schemaPath)
	if err != nil {
		_ = dataFile.Close()
		return nil, err
	}

	s := &FastStore{
		fsys:       fsys,
		dataPath:   dataPath,
		indexPath:  indexPath,
		schemaPath: schemaPath,
		dataFile:   dataFile,
		dataSize:   info.Size(),
		entries:    make(map[string]indexEntry),
		schema:     schemaReg,
	}

	if err := s.loadIndex(); err != nil {
		if rebuildErr := s.rebuildIndexLocked(); rebuildErr != nil {
			_ = dataFile.Close()
			return nil, rebuildErr
		}
	}

	if err := s.remapLocked(); err != nil {
		_ = dataFile.Close()
		return nil, err
	}

	return s, nil
}

func (s *FastStore) loadIndex() error {
	data, err := s.fsys.ReadFile(s.indexPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.rebuildIndexLocked()
		}
		return wrap(KindIO, err, withOp("loadIndex"))
	}

	entries, err := decodeIndex(data)
	if err != nil {
		return err
	}

	s.entries = make(map[string]indexEntry, len(entries))
	s.order = s.order[:0]
	for _, e := range entries {
		if _, exists := s.entries[e.ID]; !exists {
			s.order = append(s.order, e.ID)
		}
		s.entries[e.ID] = e
	}
	return nil
}

// rebuildIndexLocked reconstructs the in-memory index (and, as a side
// effect, index.bin) by scanning data.jsonl line by line. Later lines for
// the same ID override earlier ones, matching append-only put semantics.
// Rebuilding from the log alone cannot recover deletions: [FastStore.Delete]
// is index-only and never records anything in data.jsonl, so a rebuild
// resurrects every id ever written, live or previously deleted. Rebuild is
// meant for recovering a lost or corrupt index.bin, not for reconstructing
// deletion history.
func (s *FastStore) rebuildIndexLocked() error {
	data, err := s.fsys.ReadFile(s.dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			data = nil
		} else {
			return wrap(KindIO, err, withOp("rebuildIndex"))
		}
	}

	s.entries = make(map[string]indexEntry)
	s.order = nil

	var offset uint64
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 64<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := uint32(len(line) + 1) // + newline

		if id, ok := extractRawID(line); ok {
			s.putEntry(id, offset, lineLen)
		}
		offset += uint64(lineLen)
	}
	if err := scanner.Err(); err != nil {
		return wrap(KindIO, err, withOp("rebuildIndex"))
	}

	return s.persistIndexLocked()
}

func (s *FastStore) putEntry(id string, offset uint64, length uint32) {
	if _, exists := s.entries[id]; !exists {
		s.order = append(s.order, id)
	}
	s.entries[id] = indexEntry{ID: id, Offset: offset, Length: length}
}

func (s *FastStore) removeEntry(id string) {
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *FastStore) persistIndexLocked() error {
	entries := make([]indexEntry, 0, len(s.entries))
	for _, id := range s.order {
		entries = append(entries, s.entries[id])
	}

	data, err := encodeIndex(entries)
	if err != nil {
		return err
	}
	if err := s.fsys.WriteFile(s.indexPath, data, 0o644); err != nil {
		return wrap(KindIO, err, withOp("persistIndex"))
	}
	return nil
}

// extractRawID looks for the first literal `"_id":"..."` occurrence in
// line and returns its value. This is a structural scan, not a JSON parse:
// it assumes `_id` appears as a top-level string field written exactly as
// `"_id":"value"` with no embedded escaped quote in the value and no
// intervening whitespace around the colon, which is how [FastStore.Put]
// always serializes it. Documents written any other way (by hand, or by a
// different encoder) will not be found by this fast path; callers that
// need general JSON parsing should decode the line themselves.
func extractRawID(line []byte) (id string, ok bool) {
	const marker = `"_id":"`
	idx := bytes.Index(line, []byte(marker))
	if idx < 0 {
		return "", false
	}

	start := idx + len(marker)
	end := bytes.IndexByte(line[start:], '"')
	if end < 0 {
		return "", false
	}

	return string(line[start : start+end]), true
}

// remapLocked refreshes the mmap snapshot used for reads to reflect the
// current size of data.jsonl.
func (s *FastStore) remapLocked() error {
	if s.mmapData != nil {
		if err := unix.Munmap(s.mmapData); err != nil {
			return wrap(KindIO, err, withOp("remap"))
		}
		s.mmapData = nil
	}

	info, err := s.dataFile.Stat()
	if err != nil {
		return wrap(KindIO, err, withOp("remap"))
	}
	size := info.Size()
	s.dataSize = size

	if size == 0 {
		return nil
	}

	fd := int(s.dataFile.Fd())
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return wrap(KindIO, err, withOp("remap"))
	}

	s.mmapData = data
	return nil
}

// RefreshMmap remaps the store's read snapshot to the current end of
// data.jsonl. It does not reload index.bin, so documents written through
// another [FastStore] handle (or another process) since this handle was
// opened stay absent from Get and Scan.
func (s *FastStore) RefreshMmap() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remapLocked()
}

// Put appends doc, serialized to a single JSON line, to the log and
// updates the index. doc must contain an "_id" string field; id is
// returned for convenience. If the store's schema registry is in strict
// mode, Put validates doc's structural shape before writing and returns
// [ErrSchemaMismatch] without writing anything if it doesn't match.
func (s *FastStore) Put(doc Document) (id string, err error) {
	rawID, ok := doc["_id"].(string)
	if !ok {
		return "", newErr(KindInvalidArgument, `document missing string "_id" field`)
	}
	if err := ValidateDocID(rawID); err != nil {
		return "", err
	}

	if err := s.schema.Check(doc); err != nil {
		return "", err
	}

	line, err := json.Marshal(doc)
	if err != nil {
		return "", wrap(KindOther, err, withOp("Put"), withDocID(rawID))
	}

	if err := s.PutRawLine(rawID, line); err != nil {
		return "", err
	}
	return rawID, nil
}

// PutRawLine appends a pre-encoded JSON line for id directly, bypassing
// schema validation and "_id" extraction. [FastStore.Put] calls it after
// its own validation; [FastStore.WriteJSONLBlob] does not use it.
func (s *FastStore) PutRawLine(id string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := uint64(s.dataSize)

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := s.dataFile.Write(buf); err != nil {
		return wrap(KindIO, err, withOp("Put"), withDocID(id))
	}
	if err := s.dataFile.Sync(); err != nil {
		return wrap(KindIO, err, withOp("Put"), withDocID(id))
	}

	s.dataSize += int64(len(buf))
	s.putEntry(id, offset, uint32(len(buf)))

	if err := s.persistIndexLocked(); err != nil {
		return err
	}

	return s.remapLocked()
}

// WriteJSONLBlob appends a batch of pre-encoded, newline-separated JSON
// lines in a single write, then fsyncs and refreshes the index and mmap
// snapshot once for the whole batch. lines must each contain an "_id"
// field findable by the same structural scan [FastStore.Put] relies on.
// This is the bulk-load path: one durability fence for N documents instead
// of N.
func (s *FastStore) WriteJSONLBlob(lines [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := uint64(s.dataSize)
	var buf bytes.Buffer
	type pending struct {
		id     string
		off    uint64
		length uint32
	}
	var pendings []pending

	for _, line := range lines {
		id, ok := extractRawID(line)
		lineLen := uint32(len(line) + 1)

		buf.Write(line)
		buf.WriteByte('\n')

		if ok {
			pendings = append(pendings, pending{id: id, off: offset, length: lineLen})
		}
		offset += uint64(lineLen)
	}

	if _, err := s.dataFile.Write(buf.Bytes()); err != nil {
		return wrap(KindIO, err, withOp("WriteJSONLBlob"))
	}
	if err := s.dataFile.Sync(); err != nil {
		return wrap(KindIO, err, withOp("WriteJSONLBlob"))
	}
	s.dataSize += int64(buf.Len())

	for _, p := range pendings {
		s.putEntry(p.id, p.off, p.length)
	}

	if err := s.persistIndexLocked(); err != nil {
		return err
	}

	return s.remapLocked()
}

// Get returns the document stored under id, with the reserved "_id" field
// stripped before it's returned (it's recovered from the index, not the
// caller's document body). It reads the document out of the current mmap
// snapshot when the index entry fits inside it; otherwise it falls back to
// opening data.jsonl directly and seeking to the entry's offset. It returns
// [ErrNotFound] if id isn't in this handle's in-memory index, which holds
// only what was in index.bin at open plus this handle's own writes.
func (s *FastStore) Get(id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "Get", DocID: id}
	}

	line, ok := s.readLineLocked(entry)
	if !ok {
		var err error
		line, err = s.readLineFromFileLocked(entry)
		if err != nil {
			return nil, wrap(KindIO, err, withOp("Get"), withDocID(id))
		}
	}

	doc, err := DecodeDocument(line)
	if err != nil {
		return nil, wrap(KindCorruption, err, withOp("Get"), withDocID(id))
	}
	delete(doc, "_id")
	return doc, nil
}

// readLineLocked returns the raw JSON line for entry, or ok=false if
// entry's offset/length don't fit inside the current mmap snapshot. Must
// be called with s.mu held.
func (s *FastStore) readLineLocked(entry indexEntry) (line []byte, ok bool) {
	end := entry.Offset + uint64(entry.Length)
	if end > uint64(len(s.mmapData)) || entry.Offset > end {
		return nil, false
	}
	raw := s.mmapData[entry.Offset:end]
	return bytes.TrimRight(raw, "\n"), true
}

// readLineFromFileLocked reads entry's line directly from data.jsonl,
// bypassing the mmap snapshot, for an entry written since this handle's
// last remap. It opens its own handle rather than seeking on s.dataFile, so
// it doesn't race with concurrent readers sharing that descriptor's file
// offset.
func (s *FastStore) readLineFromFileLocked(entry indexEntry) ([]byte, error) {
	f, err := s.fsys.Open(s.dataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(int64(entry.Offset), io.SeekStart); err != nil {
		return nil, err
	}

	buf := make([]byte, entry.Length)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf, "\n"), nil
}

// Delete removes id's index entry. It does not touch data.jsonl: the
// document's bytes remain in the log, dead, until [FastStore.Compact]
// reclaims the space. Missing id returns [ErrNotFound].
func (s *FastStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return &Error{Kind: KindNotFound, Op: "Delete", DocID: id}
	}

	s.removeEntry(id)

	return s.persistIndexLocked()
}

// Flush fsyncs the data log and persists the binary index. Put, PutRawLine
// and WriteJSONLBlob already fsync and persist on every call, and Delete
// persists the index on every call, so Flush repeats those steps on demand.
func (s *FastStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dataFile.Sync(); err != nil {
		return wrap(KindIO, err, withOp("Flush"))
	}
	return s.persistIndexLocked()
}

// ScanOptions configures [FastStore.Scan].
type ScanOptions struct {
	// Fields, if non-empty, projects each matching document through
	// [ExtractFields] instead of returning the full document.
	Fields []string

	// Workers sets the number of goroutines used to evaluate the
	// predicate across entries. Zero means [ScanWorkers].
	Workers int
}

// ScanResult is one match produced by [FastStore.Scan].
type ScanResult struct {
	ID  string
	Doc map[string]any // full document, or projected fields if Fields was set
}

// Scan evaluates pred against every live document in the store, in
// parallel across opts.Workers goroutines, and returns the matches. Order
// of results is not guaranteed to match insertion order.
//
// An index entry whose offset/length don't fit inside the mmap snapshot
// captured at the start of the scan is silently skipped rather than
// causing the scan to fail or read out of bounds.
func (s *FastStore) Scan(ctx context.Context, pred Predicate, opts ScanOptions) ([]ScanResult, error) {
	s.mu.RLock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	entries := make(map[string]indexEntry, len(s.entries))
	for k, v := range s.entries {
		entries[k] = v
	}
	mmapData := s.mmapData

	s.mu.RUnlock()

	workers := opts.Workers
	if workers <= 0 {
		workers = ScanWorkers
	}
	if workers > len(ids) && len(ids) > 0 {
		workers = len(ids)
	}
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	var results []ScanResult

	chunk := (len(ids) + workers - 1) / workers
	if chunk == 0 {
		chunk = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= len(ids) {
			break
		}
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}

		idSlice := ids[start:end]
		g.Go(func() error {
			var local []ScanResult
			for _, id := range idSlice {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}

				entry := entries[id]
				end := entry.Offset + uint64(entry.Length)
				if end > uint64(len(mmapData)) || entry.Offset > end {
					continue // stale snapshot: silently skip
				}
				line := bytes.TrimRight(mmapData[entry.Offset:end], "\n")

				doc, err := DecodeDocument(line)
				if err != nil {
					continue // malformed line
				}

				if !ApplyPredicate(pred, doc) {
					continue
				}
				delete(doc, "_id")

				var out map[string]any
				if len(opts.Fields) > 0 {
					out = ExtractFields(doc, opts.Fields)
				} else {
					out = doc
				}
				local = append(local, ScanResult{ID: id, Doc: out})
			}

			mu.Lock()
			results = append(results, local...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, wrap(KindOther, err, withOp("Scan"))
	}

	return results, nil
}

// ScanRaw returns the raw bytes of every live document line, without
// decoding or filtering, in insertion order. It's meant for bulk export or
// re-loading into another store via [FastStore.WriteJSONLBlob].
func (s *FastStore) ScanRaw() ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, 0, len(s.order))
	for _, id := range s.order {
		entry := s.entries[id]
		line, ok := s.readLineLocked(entry)
		if !ok {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		out = append(out, cp)
	}
	return out, nil
}

// Compact rewrites data.jsonl to contain only currently-live documents
// (dropping the dead bytes left behind by deletes), preserving their
// original relative order, rebuilds index.bin to match, and refreshes the
// mmap snapshot.
func (s *FastStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order) // preserve original log order

	var buf bytes.Buffer
	newEntries := make(map[string]indexEntry, len(ids))
	var offset uint64

	for _, id := range ids {
		entry := s.entries[id]
		line, ok := s.readLineLocked(entry)
		if !ok {
			return newErr(KindCorruption, "stale mmap snapshot during compact; call RefreshMmap first", withOp("Compact"), withDocID(id))
		}

		lineLen := uint32(len(line) + 1)
		buf.Write(line)
		buf.WriteByte('\n')

		newEntries[id] = indexEntry{ID: id, Offset: offset, Length: lineLen}
		offset += uint64(lineLen)
	}

	tmpPath := s.dataPath + ".compact.tmp"
	if err := s.fsys.WriteFile(tmpPath, buf.Bytes(), 0o644); err != nil {
		return wrap(KindIO, err, withOp("Compact"))
	}

	if err := s.dataFile.Close(); err != nil {
		return wrap(KindIO, err, withOp("Compact"))
	}

	if err := s.fsys.Rename(tmpPath, s.dataPath); err != nil {
		return wrap(KindIO, err, withOp("Compact"))
	}

	f, err := s.fsys.OpenFile(s.dataPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return wrap(KindIO, err, withOp("Compact"))
	}
	s.dataFile = f
	s.entries = newEntries
	s.order = ids

	if err := s.persistIndexLocked(); err != nil {
		return err
	}

	return s.remapLocked()
}

// Len returns the number of live documents currently indexed.
func (s *FastStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SchemaRegistry returns the store's schema registry, for inspecting
// recorded shapes or toggling strict mode via
// [SchemaRegistry.SetStrict].
func (s *FastStore) SchemaRegistry() *SchemaRegistry {
	return s.schema
}

// Close persists the schema registry and closes the data file and mmap
// snapshot. It is an error to use the store after Close.
func (s *FastStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := SaveSchemaRegistry(s.fsys, s.schemaPath, s.schema); err != nil {
		return err
	}

	if s.mmapData != nil {
		if err := unix.Munmap(s.mmapData); err != nil {
			return wrap(KindIO, err, withOp("Close"))
		}
		s.mmapData = nil
	}

	if err := s.dataFile.Close(); err != nil {
		return wrap(KindIO, err, withOp("Close"))
	}
	return nil
}
