package zds

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/zippydata/zippy/pkg/fs"
)

// Manifest records a collection's identity and creation metadata,
// separate from [SchemaRegistry] (which tracks document shapes) and
// [IndexRegistry] (which tracks individual documents): when and in which
// storage mode a collection was created, readable without opening its full
// index. Only [WriteManifest] and [ReadManifest] touch it; the stores and
// `zippy list-collections` neither write nor read it.
type Manifest struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Storage   string    `json:"storage"` // "fast" or "buffered"
}

const manifestFileName = "manifest.json"

// ManifestPath returns the path to a collection's manifest file.
func ManifestPath(root, collection string) string {
	return CollectionDir(root, collection) + string(os.PathSeparator) + manifestFileName
}

// WriteManifest creates a collection's manifest file if it doesn't already
// exist. Calling it for an already-manifested collection is a no-op: the
// manifest records the collection's original creation metadata, not its
// current state.
func WriteManifest(fsys fs.FS, root, collection, storage string, now time.Time) error {
	path := ManifestPath(root, collection)

	if exists, _ := fsys.Exists(path); exists {
		return nil
	}

	if err := fsys.MkdirAll(CollectionDir(root, collection), 0o755); err != nil {
		return wrap(KindIO, err, withOp("WriteManifest"), withCollection(collection))
	}

	m := Manifest{Name: collection, CreatedAt: now, Storage: storage}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return wrap(KindOther, err, withOp("WriteManifest"), withCollection(collection))
	}

	if err := fsys.WriteFile(path, data, 0o644); err != nil {
		return wrap(KindIO, err, withOp("WriteManifest"), withCollection(collection))
	}
	return nil
}

// ReadManifest loads a collection's manifest, if present.
func ReadManifest(fsys fs.FS, root, collection string) (*Manifest, error) {
	data, err := fsys.ReadFile(ManifestPath(root, collection))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Kind: KindNotFound, Op: "ReadManifest", Collection: collection}
		}
		return nil, wrap(KindIO, err, withOp("ReadManifest"), withCollection(collection))
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, wrap(KindCorruption, err, withOp("ReadManifest"), withCollection(collection))
	}
	return &m, nil
}
