package zds

import (
	"path/filepath"
	"strings"
)

// On-disk layout, relative to a root directory:
//
//	<root>/.zds/.zds_write.lock      exclusive write lock + holder metadata
//	<root>/<collection>/data.jsonl   append-only document log (FastStore)
//	<root>/<collection>/index.bin    binary side index over data.jsonl
//	<root>/<collection>/journal.log  write-ahead journal
//	<root>/<collection>/schema.json  schema registry state
//	<root>/<collection>/docs/        per-document files (BufferedWriter/SyncWriter)
//	<root>/<collection>/doc_index.jsonl  file-per-doc index entries
//	<root>/<collection>/order.ids    insertion-ordered document IDs

const (
	controlDirName   = ".zds"
	writeLockName    = ".zds_write.lock"
	dataLogName      = "data.jsonl"
	indexFileName    = "index.bin"
	journalFileName  = "journal.log"
	schemaFileName   = "schema.json"
	docsDirName      = "docs"
	docIndexFileName = "doc_index.jsonl"
	orderFileName    = "order.ids"

	// maxDocIDLen bounds document IDs; it matches common filesystem
	// filename-length limits and keeps the fixed id_len field in the
	// binary index comfortably within its uint16 range.
	maxDocIDLen = 255
)

// ControlDir returns the path to the root's control directory, which holds
// the exclusive write lock.
func ControlDir(root string) string {
	return filepath.Join(root, controlDirName)
}

// WriteLockPath returns the path to the root's write lock file.
func WriteLockPath(root string) string {
	return filepath.Join(ControlDir(root), writeLockName)
}

// CollectionDir returns the path to a collection's directory under root.
func CollectionDir(root, collection string) string {
	return filepath.Join(root, collection)
}

// DataLogPath returns the path to a collection's append-only document log.
func DataLogPath(root, collection string) string {
	return filepath.Join(CollectionDir(root, collection), dataLogName)
}

// IndexPath returns the path to a collection's binary side index.
func IndexPath(root, collection string) string {
	return filepath.Join(CollectionDir(root, collection), indexFileName)
}

// JournalPath returns the path to a collection's write-ahead journal.
func JournalPath(root, collection string) string {
	return filepath.Join(CollectionDir(root, collection), journalFileName)
}

// SchemaPath returns the path to a collection's schema registry file.
func SchemaPath(root, collection string) string {
	return filepath.Join(CollectionDir(root, collection), schemaFileName)
}

// DocsDir returns the path to a collection's per-document file directory.
func DocsDir(root, collection string) string {
	return filepath.Join(CollectionDir(root, collection), docsDirName)
}

// DocPath returns the path to a single document's file within a collection.
func DocPath(root, collection, docID string) string {
	return filepath.Join(DocsDir(root, collection), docID+".json")
}

// DocIndexPath returns the path to a collection's file-per-doc index.
func DocIndexPath(root, collection string) string {
	return filepath.Join(CollectionDir(root, collection), docIndexFileName)
}

// OrderPath returns the path to a collection's insertion-order file.
func OrderPath(root, collection string) string {
	return filepath.Join(CollectionDir(root, collection), orderFileName)
}

// ValidateDocID checks that id is safe to use as both a JSON value and a
// filesystem path component: non-empty, no longer than [maxDocIDLen] bytes,
// made only of ASCII letters, digits, '_', '-' and '.', not starting with
// '.', and not containing "..".
func ValidateDocID(id string) error {
	if id == "" {
		return newErr(KindInvalidDocID, "document id must not be empty")
	}
	if len(id) > maxDocIDLen {
		return newErr(KindInvalidDocID, "document id exceeds maximum length")
	}
	if strings.HasPrefix(id, ".") || strings.Contains(id, "..") {
		return newErr(KindInvalidDocID, "document id must not start with \".\" or contain \"..\"")
	}
	for _, c := range id {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.') {
			return newErr(KindInvalidDocID, "document id may contain only ASCII letters, digits, '_', '-' and '.'")
		}
	}
	return nil
}

// ValidateCollectionName checks that name is safe to use as a single path
// component directly under a root: the same rules as [ValidateDocID], since
// collection directories sit at the same filesystem depth as document
// files and are subject to the same traversal and shell-metacharacter
// concerns.
func ValidateCollectionName(name string) error {
	if err := ValidateDocID(name); err != nil {
		if zerr, ok := err.(*Error); ok {
			zerr.Kind = KindInvalidArgument
		}
		return err
	}
	return nil
}
