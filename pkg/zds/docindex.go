package zds

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"

	"github.com/zippydata/zippy/pkg/fs"
)

// DocIndexEntry records one document tracked by an [IndexRegistry].
type DocIndexEntry struct {
	ID        string `json:"id"`
	SchemaID  string `json:"schema_id,omitempty"`
	Size      int64  `json:"size"`
	UpdatedAt int64  `json:"updated_at"` // unix nanos, caller-supplied
}

// IndexRegistry tracks the set of documents stored one-file-per-document
// under [DocsDir], alongside the order documents were first inserted in.
//
// It persists as two files: doc_index.jsonl (one JSON entry per line, the
// map) and order.ids (one ID per line, the insertion order). The two are
// kept consistent by construction: every mutation that changes membership
// goes through [IndexRegistry.Put] or [IndexRegistry.Remove], both of which
// update the map and the order slice together. [IndexRegistry.Rebuild]
// reconstructs both from the documents actually present on disk, scanning
// them in ID order and replaying each one through Put — so a rebuilt
// registry's order reflects ID order, not historical insertion order, and
// is authoritative over whatever order.ids said before the rebuild.
type IndexRegistry struct {
	entries map[string]*DocIndexEntry
	order   []string
}

// NewIndexRegistry returns an empty registry.
func NewIndexRegistry() *IndexRegistry {
	return &IndexRegistry{entries: make(map[string]*DocIndexEntry)}
}

// Put inserts or updates entry. If entry.ID is new, it's appended to the
// insertion order; if it already exists, the order is left unchanged and
// only the entry's fields are updated.
func (r *IndexRegistry) Put(entry DocIndexEntry) {
	if _, exists := r.entries[entry.ID]; !exists {
		r.order = append(r.order, entry.ID)
	}
	e := entry
	r.entries[entry.ID] = &e
}

// Remove deletes id from the registry, if present.
func (r *IndexRegistry) Remove(id string) {
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)

	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the entry for id, if present.
func (r *IndexRegistry) Get(id string) (DocIndexEntry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return DocIndexEntry{}, false
	}
	return *e, true
}

// Len returns the number of tracked documents.
func (r *IndexRegistry) Len() int {
	return len(r.entries)
}

// Order returns document IDs in insertion order (or, after a [Rebuild], in
// ID-sorted order). The returned slice must not be mutated.
func (r *IndexRegistry) Order() []string {
	return r.order
}

// Rebuild discards the registry's current state and reconstructs it by
// scanning docsDir for "<id>.json" files, sorting the resulting IDs, and
// replaying each one through [IndexRegistry.Put] in that order, with its
// schema ID and size computed from the file's contents. Because
// Rebuild always goes through Put, the rebuilt order slice and entry map
// are guaranteed mutually consistent, which resolves any prior disagreement
// between a stale order.ids file and the actual document set.
func (r *IndexRegistry) Rebuild(fsys fs.FS, docsDir string) error {
	entries, err := fsys.ReadDir(docsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.entries = make(map[string]*DocIndexEntry)
			r.order = nil
			return nil
		}
		return wrap(KindIO, err, withOp("Rebuild"))
	}

	ids := make([]string, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)

	r.entries = make(map[string]*DocIndexEntry, len(ids))
	r.order = nil

	for _, id := range ids {
		data, err := fsys.ReadFile(docsDir + string(os.PathSeparator) + id + ".json")
		if err != nil {
			return wrap(KindIO, err, withOp("Rebuild"), withDocID(id))
		}
		doc, err := DecodeDocument(data)
		if err != nil {
			return wrap(KindCorruption, err, withOp("Rebuild"), withDocID(id))
		}
		r.Put(DocIndexEntry{ID: id, SchemaID: ComputeSchemaID(doc), Size: int64(len(data))})
	}

	return nil
}

// encodeEntries renders the doc_index.jsonl format: one JSON object per
// entry, one entry per line, in sorted ID order. [LoadIndexRegistry] fails
// with a corruption error if any line of it does not decode.
func (r *IndexRegistry) encodeEntries() []byte {
	var buf bytes.Buffer
	for _, id := range sortedKeys(r.entries) {
		data, _ := json.Marshal(r.entries[id])
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func sortedKeys(m map[string]*DocIndexEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save persists the registry to docIndexPath (doc_index.jsonl) and
// orderPath (order.ids).
func (r *IndexRegistry) Save(fsys fs.FS, docIndexPath, orderPath string) error {
	if err := fsys.WriteFile(docIndexPath, r.encodeEntries(), 0o644); err != nil {
		return wrap(KindIO, err, withOp("Save"))
	}

	var orderBuf bytes.Buffer
	for _, id := range r.order {
		orderBuf.WriteString(id)
		orderBuf.WriteByte('\n')
	}
	if err := fsys.WriteFile(orderPath, orderBuf.Bytes(), 0o644); err != nil {
		return wrap(KindIO, err, withOp("Save"))
	}

	return nil
}

// LoadIndexRegistry reads a registry previously persisted by
// [IndexRegistry.Save]. If docIndexPath doesn't exist, it returns an empty
// registry.
func LoadIndexRegistry(fsys fs.FS, docIndexPath, orderPath string) (*IndexRegistry, error) {
	r := NewIndexRegistry()

	data, err := fsys.ReadFile(docIndexPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return nil, wrap(KindIO, err, withOp("LoadIndexRegistry"))
	}

	byID := make(map[string]*DocIndexEntry)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e DocIndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, wrap(KindCorruption, err, withOp("LoadIndexRegistry"))
		}
		entry := e
		byID[e.ID] = &entry
	}
	if err := scanner.Err(); err != nil {
		return nil, wrap(KindIO, err, withOp("LoadIndexRegistry"))
	}

	orderData, err := fsys.ReadFile(orderPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap(KindIO, err, withOp("LoadIndexRegistry"))
	}

	var order []string
	seen := make(map[string]bool, len(byID))
	for _, line := range strings.Split(string(orderData), "\n") {
		id := strings.TrimSpace(line)
		if id == "" {
			continue
		}
		if _, ok := byID[id]; !ok {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}

	// Any entry present in doc_index.jsonl but missing from order.ids
	// (e.g. order.ids truncated by a crash) is appended in ID order so no
	// document silently disappears from iteration.
	var missing []string
	for id := range byID {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	order = append(order, missing...)

	r.entries = byID
	r.order = order
	return r, nil
}
