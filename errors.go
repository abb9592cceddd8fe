package rcache

import "errors"

// Error kinds from the error-handling design. NotFound is the normal result
// of a miss, not a failure; everything else below is a distinguishable error
// kind a caller (or the package itself) can test for with errors.Is/As.
var (
	// ErrNotFound means no such key exists, or the entry was purged as a
	// result of corruption, abandonment recovery, or eviction.
	ErrNotFound = errors.New("rcache: not found")

	// ErrAborted means an external cancellation was observed between poll
	// iterations of a Locker's wait loop.
	ErrAborted = errors.New("rcache: aborted")

	// ErrNeedWriteLock signals that payload materialization requires
	// exclusive access and the caller must retry under the write lock.
	ErrNeedWriteLock = errors.New("rcache: need write lock")
)

// OutOfSpaceKind distinguishes which allocator ran out of room.
type OutOfSpaceKind int

const (
	OutOfSpaceToC OutOfSpaceKind = iota
	OutOfSpaceTiles
)

func (k OutOfSpaceKind) String() string {
	if k == OutOfSpaceTiles {
		return "tiles"
	}
	return "toc"
}

// OutOfSpaceError is returned by an allocator when it cannot satisfy a
// request at the mapping's current size. Callers handle it locally by
// growing and retrying, bounded to two attempts per operation.
type OutOfSpaceError struct {
	Kind      OutOfSpaceKind
	Requested int
}

func (e *OutOfSpaceError) Error() string {
	return "rcache: out of space (" + e.Kind.String() + ")"
}

// DeserializationFailedError means a payload is present but failed its
// self-check (hash tag mismatch, or a reconstructed-hash mismatch). The
// caller purges the bad entry and redoes the lookup as MustCompute.
type DeserializationFailedError struct {
	Key Key
	Err error
}

func (e *DeserializationFailedError) Error() string {
	return "rcache: deserialization failed for key " + e.Key.String()
}

func (e *DeserializationFailedError) Unwrap() error { return e.Err }

// AbandonedLockError means a timed lock exceeded the configured timeout,
// indicating the holder died without releasing it. It triggers recovery
// and a full cache wipe; callers see this surfaced as a soft failure
// (interpreted as "entry not cached").
type AbandonedLockError struct {
	Lock string // which lock timed out, for logging
	Err  error
}

func (e *AbandonedLockError) Error() string {
	return "rcache: abandoned lock: " + e.Lock
}

func (e *AbandonedLockError) Unwrap() error { return e.Err }

// CorruptedError means state == InProgress was observed on entry to a
// mutating shard operation. Treated the same as AbandonedLockError.
type CorruptedError struct {
	ShardIndex uint8
}

func (e *CorruptedError) Error() string {
	return "rcache: shard corrupted (in-progress state found on entry)"
}

// isRecoverable reports whether err should trigger the recovery protocol
// (AbandonedLock or Corrupted) per the propagation policy.
func isRecoverable(err error) bool {
	var al *AbandonedLockError
	var ce *CorruptedError
	return errors.As(err, &al) || errors.As(err, &ce)
}
