package zds

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"sort"

	"github.com/zeebo/blake3"
	"github.com/zippydata/zippy/pkg/fs"
)

// shapeOf returns a JSON-serializable description of v's structural shape:
// scalars reduce to a type name, objects reduce to a key-sorted map of
// their values' shapes, and arrays reduce to the shape of their first
// element (or an empty-array marker, since an empty array carries no
// element shape to compare against).
//
// Two documents with the same shape are considered schema-compatible even
// if their actual values differ; the shape is what [ComputeSchemaID]
// fingerprints.
func shapeOf(v any) any {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number:
		if fitsInt64(val) {
			return "integer"
		}
		return "number"
	case map[string]any:
		shape := make(map[string]any, len(val))
		for k, elem := range val {
			shape[k] = shapeOf(elem)
		}
		return shape
	case []any:
		if len(val) == 0 {
			return []any{}
		}
		return []any{shapeOf(val[0])}
	default:
		return "null"
	}
}

// ComputeSchemaID returns the hex-encoded BLAKE3 digest of doc's
// canonicalized structural shape. Field values don't affect the digest,
// only the shape: the set of keys at each level, and whether each leaf is a
// string, integer, number, boolean, null, object, or array.
func ComputeSchemaID(doc Document) string {
	shape := shapeOf(map[string]any(doc))
	canon := Canonicalize(shape)

	sum := blake3.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// SchemaEntry records one registered shape for a collection.
type SchemaEntry struct {
	// ID is the schema fingerprint, as returned by [ComputeSchemaID].
	ID string `json:"id"`

	// Shape is the canonicalized shape description, kept alongside ID so
	// mismatches can be reported in terms a caller can read.
	Shape any `json:"shape"`

	// SeenCount is the number of documents written matching this shape.
	SeenCount int64 `json:"seen_count"`
}

// SchemaRegistry tracks the structural shapes a collection has accepted.
//
// In non-strict mode it simply accumulates every distinct shape seen. In
// strict mode ([SchemaRegistry.SetStrict]), the first document's shape
// becomes the required shape and subsequent documents with a different
// shape are rejected with [ErrSchemaMismatch].
type SchemaRegistry struct {
	strict   bool
	required string // schema ID required in strict mode; empty until first doc
	entries  map[string]*SchemaEntry
}

// NewSchemaRegistry returns an empty, non-strict registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{entries: make(map[string]*SchemaEntry)}
}

// SetStrict enables or disables strict-mode enforcement. Disabling strict
// mode does not clear the recorded required schema; re-enabling it resumes
// enforcing whichever shape was first accepted.
func (r *SchemaRegistry) SetStrict(strict bool) {
	r.strict = strict
}

// Strict reports whether strict-mode enforcement is currently enabled.
func (r *SchemaRegistry) Strict() bool {
	return r.strict
}

// Check validates doc against the registry's current mode, recording its
// shape as a side effect when the document is accepted. It does not record
// anything when returning an error.
func (r *SchemaRegistry) Check(doc Document) error {
	shape := shapeOf(map[string]any(doc))
	canon := Canonicalize(shape)
	sum := blake3.Sum256(canon)
	id := hex.EncodeToString(sum[:])

	if r.strict {
		if r.required == "" {
			r.required = id
		} else if id != r.required {
			return &Error{
				Kind: KindSchemaMismatch,
				Err:  &SchemaMismatchError{Expected: r.required, Actual: id},
			}
		}
	}

	entry, ok := r.entries[id]
	if !ok {
		entry = &SchemaEntry{ID: id, Shape: shape}
		r.entries[id] = entry
	}
	entry.SeenCount++

	return nil
}

// Entries returns the registry's recorded schema entries, sorted by ID for
// deterministic output.
func (r *SchemaRegistry) Entries() []SchemaEntry {
	out := make([]SchemaEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SchemaMismatchError is the cause wrapped by a strict-mode [Error] of kind
// [KindSchemaMismatch].
type SchemaMismatchError struct {
	Expected string
	Actual   string
}

func (e *SchemaMismatchError) Error() string {
	return "schema mismatch: expected " + e.Expected + ", got " + e.Actual
}

// persistedRegistry is the on-disk representation of a [SchemaRegistry].
type persistedRegistry struct {
	Strict   bool          `json:"strict"`
	Required string        `json:"required,omitempty"`
	Entries  []SchemaEntry `json:"entries"`
}

// MarshalJSON implements a stable on-disk encoding for the registry state.
func (r *SchemaRegistry) MarshalJSON() ([]byte, error) {
	return json.Marshal(persistedRegistry{
		Strict:   r.strict,
		Required: r.required,
		Entries:  r.Entries(),
	})
}

// UnmarshalJSON restores registry state previously produced by
// [SchemaRegistry.MarshalJSON].
func (r *SchemaRegistry) UnmarshalJSON(data []byte) error {
	var p persistedRegistry
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	r.strict = p.Strict
	r.required = p.Required
	r.entries = make(map[string]*SchemaEntry, len(p.Entries))
	for i := range p.Entries {
		e := p.Entries[i]
		r.entries[e.ID] = &e
	}
	return nil
}

// LoadSchemaRegistry reads a registry previously persisted by
// [SaveSchemaRegistry]. If path does not exist, it returns a fresh,
// non-strict, empty registry rather than an error: a collection that has
// never recorded a schema is schema-less, not corrupt.
func LoadSchemaRegistry(fsys fs.FS, path string) (*SchemaRegistry, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewSchemaRegistry(), nil
		}
		return nil, wrap(KindIO, err, withOp("LoadSchemaRegistry"))
	}

	r := NewSchemaRegistry()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, wrap(KindCorruption, err, withOp("LoadSchemaRegistry"))
	}
	return r, nil
}

// SaveSchemaRegistry persists r to path, creating or truncating it.
func SaveSchemaRegistry(fsys fs.FS, path string, r *SchemaRegistry) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return wrap(KindOther, err, withOp("SaveSchemaRegistry"))
	}
	if err := fsys.WriteFile(path, data, 0o644); err != nil {
		return wrap(KindIO, err, withOp("SaveSchemaRegistry"))
	}
	return nil
}
