package zds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zippydata/zippy/pkg/fs"
)

// LockInfo describes the holder of a [WriteLock], written into the lock
// file itself so that a process failing to acquire the lock can report who
// currently holds it.
type LockInfo struct {
	PID       int
	Hostname  string
	Timestamp time.Time
}

// String renders info as "pid=<n>\nhostname=<s>\ntimestamp=<rfc3339>\n",
// the payload written into the lock file.
func (info LockInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", info.PID)
	fmt.Fprintf(&b, "hostname=%s\n", info.Hostname)
	fmt.Fprintf(&b, "timestamp=%s\n", info.Timestamp.Format(time.RFC3339))
	return b.String()
}

// parseLockInfo parses the payload written by [LockInfo.String]. Unknown or
// missing fields are left at their zero value rather than causing an error:
// the payload exists to help a human or log line identify the holder, not
// to be relied upon for correctness.
func parseLockInfo(data []byte) LockInfo {
	var info LockInfo
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if n, err := strconv.Atoi(value); err == nil {
				info.PID = n
			}
		case "hostname":
			info.Hostname = value
		case "timestamp":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				info.Timestamp = ts
			}
		}
	}
	return info
}

// WriteLock is an exclusive, cross-process advisory lock on a root
// directory, guaranteeing at most one writer across all processes at a
// time. It wraps a non-blocking [fs.Lock] acquisition so that a second
// writer fails fast with [ErrLockHeld] rather than hanging, and it records
// a readable [LockInfo] payload in the lock file so the failure can report
// who's holding it.
type WriteLock struct {
	lock *fs.Lock
}

// AcquireWriteLock attempts to exclusively lock path (typically
// [WriteLockPath] for some root). now is the time to record in the lock's
// metadata payload.
//
// If the lock is already held, it returns an [*Error] of kind
// [KindLockHeld] wrapping a message naming the current holder, read from
// the lock file's existing payload.
func AcquireWriteLock(fsys fs.FS, path string, now time.Time) (*WriteLock, error) {
	locker := fs.NewLocker(fsys)

	lk, err := locker.TryLock(path)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			holder := readLockInfo(fsys, path)
			return nil, &Error{
				Kind: KindLockHeld,
				Op:   "AcquireWriteLock",
				Err:  fmt.Errorf("write lock held by pid=%d host=%s since %s", holder.PID, holder.Hostname, holder.Timestamp.Format(time.RFC3339)),
			}
		}
		return nil, wrap(KindIO, err, withOp("AcquireWriteLock"))
	}

	info := LockInfo{PID: os.Getpid(), Hostname: hostname(), Timestamp: now}
	if err := lk.File().Chmod(0o644); err != nil {
		_ = lk.Close()
		return nil, wrap(KindIO, err, withOp("AcquireWriteLock"))
	}
	if f, ok := lk.File().(interface{ Truncate(int64) error }); ok {
		_ = f.Truncate(0)
	}
	if _, err := lk.File().Seek(0, 0); err != nil {
		_ = lk.Close()
		return nil, wrap(KindIO, err, withOp("AcquireWriteLock"))
	}
	if _, err := lk.File().Write([]byte(info.String())); err != nil {
		_ = lk.Close()
		return nil, wrap(KindIO, err, withOp("AcquireWriteLock"))
	}
	if err := lk.File().Sync(); err != nil {
		_ = lk.Close()
		return nil, wrap(KindIO, err, withOp("AcquireWriteLock"))
	}

	return &WriteLock{lock: lk}, nil
}

func readLockInfo(fsys fs.FS, path string) LockInfo {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return LockInfo{}
	}
	return parseLockInfo(data)
}

// Release releases the lock. It is safe to call more than once.
func (w *WriteLock) Release() error {
	if err := w.lock.Close(); err != nil {
		return wrap(KindIO, err, withOp("Release"))
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
