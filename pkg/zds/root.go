package zds

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zippydata/zippy/pkg/fs"
)

// Mode selects how a [Root] opens its underlying store.
type Mode int

const (
	// ReadWrite acquires the root's exclusive write lock and permits
	// writes through any collection opened from this [Root].
	ReadWrite Mode = iota

	// ReadOnly opens a root without acquiring the write lock, for
	// read-only access that can coexist with a writer in another
	// process.
	ReadOnly
)

// rootCacheKey identifies one memoized [Root] instance.
type rootCacheKey struct {
	path string
	mode Mode
}

var (
	rootCacheMu sync.Mutex
	rootCache   = make(map[rootCacheKey]*Root)
)

// Root represents an opened zippy store directory.
//
// Opening the same canonical path with the same [Mode] from within the
// same process returns the same *Root (refcounted), rather than a new
// handle that would race with the first over the write lock. This
// deviates from upstream's reference-counted-via-weak-pointer cache: Go
// has no equivalent to a weak reference that's notified on last-drop, so
// this cache instead holds a strong reference with an explicit refcount,
// and the entry is only evicted when the refcount returns to zero via
// [Root.Close].
type Root struct {
	mu sync.Mutex

	path string
	mode Mode
	fsys fs.FS

	lock *WriteLock // nil in ReadOnly mode

	collections map[string]*collectionHandle

	refs int
}

type collectionHandle struct {
	store *FastStore
}

// OpenRoot opens or returns a memoized handle for the store rooted at
// path. In [ReadWrite] mode it acquires the root's exclusive write lock,
// failing with [ErrLockHeld] if another process (or another in-process
// [Mode] other than this cached handle) already holds it.
func OpenRoot(fsys fs.FS, path string, mode Mode) (*Root, error) {
	canonical, err := canonicalizeRootPath(path)
	if err != nil {
		return nil, wrap(KindIO, err, withOp("OpenRoot"))
	}

	key := rootCacheKey{path: canonical, mode: mode}

	rootCacheMu.Lock()
	defer rootCacheMu.Unlock()

	if existing, ok := rootCache[key]; ok {
		existing.refs++
		return existing, nil
	}

	if err := fsys.MkdirAll(ControlDir(canonical), 0o755); err != nil {
		return nil, wrap(KindIO, err, withOp("OpenRoot"))
	}

	r := &Root{
		path:        canonical,
		mode:        mode,
		fsys:        fsys,
		collections: make(map[string]*collectionHandle),
		refs:        1,
	}

	if mode == ReadWrite {
		lock, err := AcquireWriteLock(fsys, WriteLockPath(canonical), time.Now())
		if err != nil {
			return nil, err
		}
		r.lock = lock
	}

	rootCache[key] = r
	return r, nil
}

func canonicalizeRootPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Collection returns the [FastStore] for name, opening it on first access
// and caching it on this [Root] for subsequent calls.
func (r *Root) Collection(name string) (*FastStore, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.collections[name]; ok {
		return h.store, nil
	}

	store, err := OpenFastStore(r.fsys, r.path, name)
	if err != nil {
		return nil, err
	}

	r.collections[name] = &collectionHandle{store: store}
	return store, nil
}

// ListCollections returns the names of collections that currently have a
// data.jsonl under this root, sorted alphabetically. It reflects on-disk
// state, not just collections opened through this [Root] handle.
func (r *Root) ListCollections() ([]string, error) {
	entries, err := r.fsys.ReadDir(r.path)
	if err != nil {
		return nil, wrap(KindIO, err, withOp("ListCollections"))
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if ok, _ := r.fsys.Exists(DataLogPath(r.path, e.Name())); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Path returns the root's canonical filesystem path.
func (r *Root) Path() string {
	return r.path
}

// Mode returns the mode this root was opened with.
func (r *Root) Mode() Mode {
	return r.mode
}

// Close drops this handle's reference to the root. When the last
// reference is dropped, every opened collection is closed, the write lock
// (if held) is released, and the root is evicted from the in-process
// cache, so a subsequent [OpenRoot] call for the same path creates a fresh
// instance rather than reusing stale state.
func (r *Root) Close() error {
	rootCacheMu.Lock()
	defer rootCacheMu.Unlock()

	key := rootCacheKey{path: r.path, mode: r.mode}

	r.mu.Lock()
	r.refs--
	remaining := r.refs
	r.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	delete(rootCache, key)

	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, h := range r.collections {
		if err := h.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.collections = nil

	if r.lock != nil {
		if err := r.lock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
