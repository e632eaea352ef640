// Package zds implements an embeddable document store: an append-only
// JSONL document log with a binary side index and an mmap-backed read
// path ([FastStore]), a crash-safe file-per-document alternative
// ([BufferedWriter] and [SyncWriter]), and root-directory lifecycle
// management with cross-process exclusive write locking ([Root]).
//
// # Storage variants
//
// [FastStore] favors write and scan throughput: documents are appended to
// a single data.jsonl, random reads go through a binary index plus an
// mmap snapshot of the log, and [FastStore.Scan] parallelizes predicate
// evaluation across the index. [BufferedWriter] and [SyncWriter] favor
// per-document durability and inspectability: each document lives in its
// own file under docs/, fronted by a write-ahead journal so a batch of
// buffered writes survives a crash even before the files themselves are
// written.
//
// # Crash safety
//
// [BufferedWriter] and [SyncWriter] use a write-ahead [TransactionLog]:
// every mutation is journaled and fsynced before it's applied to the main
// store, so a process that crashes mid-write leaves behind a journal that
// can be replayed (or rolled back, for uncommitted batches) on next open.
// [FastStore] keeps no journal: each write fsyncs data.jsonl and rewrites
// index.bin before returning, and nothing is replayed on open.
//
// # Concurrency
//
// A [Root] holds the one exclusive write lock for its directory; opening
// the same root path with [ReadWrite] from a second process fails with
// [ErrLockHeld]. Within a process, [OpenRoot] returns the same, refcounted
// *Root for repeated opens of the same path and [Mode].
package zds
