package zds

import (
	"errors"
	"strings"
)

// Kind classifies the cause of an [Error].
type Kind int

const (
	// KindOther is an unclassified error; the underlying cause should be
	// inspected via [errors.Unwrap] or [errors.As].
	KindOther Kind = iota

	// KindNotFound means the requested document, collection, or root does
	// not exist.
	KindNotFound

	// KindAlreadyExists means a document or collection already exists
	// where the caller expected to create a new one.
	KindAlreadyExists

	// KindInvalidDocID means a document ID failed validation (empty, too
	// long, contains path-unsafe characters).
	KindInvalidDocID

	// KindSchemaMismatch means a document's structural shape did not match
	// the schema a collection is enforcing in strict mode.
	KindSchemaMismatch

	// KindLockHeld means an exclusive write lock on a root could not be
	// acquired because another process (or in-process handle) holds it.
	KindLockHeld

	// KindCorruption means on-disk state failed an internal consistency
	// check: a truncated index, a malformed journal record, or a header
	// with an unexpected magic number or version.
	KindCorruption

	// KindInvalidArgument means a caller-supplied argument was malformed
	// independent of any on-disk state (e.g. a negative scan batch size).
	KindInvalidArgument

	// KindClosed means the operation was attempted on a [Root], collection,
	// or store handle that has already been closed.
	KindClosed

	// KindIO wraps an underlying filesystem error (permission, disk full,
	// and similar) that isn't itself evidence of corruption.
	KindIO
)

// String returns a lowercase, human-readable name for k.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalidDocID:
		return "invalid_doc_id"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindLockHeld:
		return "lock_held"
	case KindCorruption:
		return "corruption"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindClosed:
		return "closed"
	case KindIO:
		return "io"
	default:
		return "other"
	}
}

// IsRecoverable reports whether an operation of this kind can reasonably be
// retried by the caller without intervention (for example after backing off
// and re-acquiring a lock), as opposed to requiring the caller to change
// what it's asking for or repair on-disk state first.
func (k Kind) IsRecoverable() bool {
	switch k {
	case KindLockHeld, KindIO:
		return true
	default:
		return false
	}
}

// IsCorruption reports whether k indicates the on-disk store itself is in
// an inconsistent state, as opposed to a caller or environment error.
func (k Kind) IsCorruption() bool {
	return k == KindCorruption
}

// Error is the uniform error type returned by all public zds APIs.
//
// It carries a [Kind] plus optional operation and document context, and
// wraps the underlying cause so that [errors.Is] and [errors.As] continue
// to work through it.
//
// Use [errors.As] to extract structured fields:
//
//	var zErr *zds.Error
//	if errors.As(err, &zErr) {
//	    fmt.Println(zErr.Kind, zErr.Op, zErr.DocID)
//	}
//
// Use [Kind] sentinels with [errors.Is] via [Error.Is]:
//
//	if errors.Is(err, zds.ErrNotFound) { ... }
type Error struct {
	// Kind classifies the error.
	Kind Kind

	// Op names the operation that failed, e.g. "Put", "Get", "Open".
	Op string

	// Collection is the collection name, when known.
	Collection string

	// DocID is the document ID involved, when known.
	DocID string

	// Err is the underlying cause, if any.
	Err error
}

// Error formats as "op: cause (collection=X doc_id=Y)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	switch {
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}

	if suffix := e.suffix(); suffix != "" {
		b.WriteString(" ")
		b.WriteString(suffix)
	}

	return b.String()
}

func (e *Error) suffix() string {
	var parts []string
	if e.Collection != "" {
		parts = append(parts, "collection="+e.Collection)
	}
	if e.DocID != "" {
		parts = append(parts, "doc_id="+e.DocID)
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is one of the package's Kind sentinel errors
// and matches e.Kind. This lets callers write errors.Is(err, zds.ErrNotFound)
// without needing to know about [Error] or [Kind] directly.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*sentinelError)
	if !ok {
		return false
	}
	return e.Kind == sentinel.kind
}

// sentinelError lets a [Kind] be used directly as an [errors.Is] target.
type sentinelError struct {
	kind Kind
}

func (s *sentinelError) Error() string { return s.kind.String() }

// Sentinel errors for each [Kind], usable with [errors.Is]:
//
//	if errors.Is(err, zds.ErrNotFound) { ... }
var (
	ErrNotFound       = &sentinelError{KindNotFound}
	ErrAlreadyExists  = &sentinelError{KindAlreadyExists}
	ErrInvalidDocID   = &sentinelError{KindInvalidDocID}
	ErrSchemaMismatch = &sentinelError{KindSchemaMismatch}
	ErrLockHeld       = &sentinelError{KindLockHeld}
	ErrCorruption     = &sentinelError{KindCorruption}
	ErrInvalidArg     = &sentinelError{KindInvalidArgument}
	ErrClosed         = &sentinelError{KindClosed}
)

// errOpt configures an [Error] during construction via [wrap].
type errOpt func(*Error)

// withOp attaches the name of the failing operation.
func withOp(op string) errOpt {
	return func(e *Error) { e.Op = op }
}

// withCollection attaches a collection name.
func withCollection(name string) errOpt {
	return func(e *Error) { e.Collection = name }
}

// withDocID attaches a document ID.
func withDocID(id string) errOpt {
	return func(e *Error) { e.DocID = id }
}

// wrap creates an [*Error] of kind k wrapping err, with optional context.
//
// If err is already a direct *Error, its Collection and DocID are
// inherited (and can be overridden by opts), its Kind is kept only when k
// is [KindOther] (any other k replaces it), and its inner cause is
// unwrapped one level to avoid duplicate context suffixes when an error is
// wrapped repeatedly as it propagates up through layers.
func wrap(k Kind, err error, opts ...errOpt) error {
	if err == nil {
		return nil
	}

	existing, isDirect := err.(*Error)

	e := &Error{Kind: k, Err: err}
	if isDirect {
		e.Collection = existing.Collection
		e.DocID = existing.DocID
		e.Err = existing.Err
		if k == KindOther {
			e.Kind = existing.Kind
		}
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// newErr creates a standalone [*Error] of kind k with message msg, not
// wrapping any underlying cause.
func newErr(k Kind, msg string, opts ...errOpt) error {
	e := &Error{Kind: k, Err: errors.New(msg)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
