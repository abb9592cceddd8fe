package rcache

import (
	"context"
	"errors"
	"time"
)

// LockerState is the status a Locker reports to its caller, per the
// construction/read/write path state machine.
type LockerState int

const (
	// Cached: payload is already materialized and available via Payload().
	Cached LockerState = iota
	// ComputationPending: another owner is computing this key; call Wait.
	ComputationPending
	// MustCompute: caller must compute the value and call Insert, or Close
	// to roll back the reservation.
	MustCompute
)

func (s LockerState) String() string {
	switch s {
	case Cached:
		return "Cached"
	case ComputationPending:
		return "ComputationPending"
	case MustCompute:
		return "MustCompute"
	default:
		return "unknown"
	}
}

// Locker is the handle returned by Cache.Get, encapsulating the
// lookup/wait/compute/insert protocol. It must be closed exactly once;
// Close rolls back an uncommitted MustCompute reservation.
type Locker struct {
	cache        *Cache
	shard        *Shard
	key          Key
	ownerTag     uint64
	deserializer Deserializer
	timeout      time.Duration

	state   LockerState
	entOff  offset
	payload Payload

	waitInterval time.Duration
	waitDeadline time.Time

	inserted bool
	closed   bool
}

// State reports the Locker's current status.
func (l *Locker) State() LockerState { return l.state }

// Key returns the key this Locker was obtained for.
func (l *Locker) Key() Key { return l.key }

// Payload returns the materialized payload, valid only when State() ==
// Cached.
func (l *Locker) Payload() Payload { return l.payload }

// Insert commits a computed payload, transitioning MustCompute → Cached.
// Calling it in any other state is a programming error and returns an
// error without mutating cache state.
func (l *Locker) Insert(p Payload) error {
	if l.state != MustCompute {
		return errors.New("rcache: Insert called outside MustCompute")
	}
	if err := l.cache.insert(l, p); err != nil {
		return l.cache.handleRecoverable(err)
	}
	l.inserted = true
	l.state = Cached
	l.payload = p
	l.cache.triggerEviction()
	return nil
}

// Wait blocks a ComputationPending Locker until the foreign owner
// finishes (→ Cached) or the Locker's timeout elapses (→ MustCompute,
// taking over the reservation). It re-runs the read-pass lookup every
// poll interval, growing the interval by 1.2× each iteration.
// ctx cancellation is observed between iterations and returns Aborted.
func (l *Locker) Wait(ctx context.Context) (LockerState, error) {
	if l.state != ComputationPending {
		return l.state, nil
	}
	if l.waitInterval == 0 {
		l.waitInterval = 2 * time.Millisecond
	}
	if l.waitDeadline.IsZero() {
		if l.timeout > 0 {
			l.waitDeadline = time.Now().Add(l.timeout)
		}
	}

	// Yield below assumes the caller already holds a slot to give up while
	// sleeping; acquire the one this waiting goroutine occupies up front
	// and hold it across every iteration except the sleep itself.
	if err := l.cache.workerSlots.Acquire(ctx); err != nil {
		return l.state, ErrAborted
	}
	defer l.cache.workerSlots.Release()

	for {
		select {
		case <-ctx.Done():
			return l.state, ErrAborted
		default:
		}

		timedOut := !l.waitDeadline.IsZero() && time.Now().After(l.waitDeadline)

		next, err := l.cache.readPass(l.shard, l.key, l.ownerTag, l.deserializer, l.cache.opts.LockTimeout)
		if err != nil {
			return l.state, l.cache.handleRecoverable(err)
		}
		if next != nil {
			switch next.state {
			case Cached:
				l.state = Cached
				l.payload = next.payload
				l.entOff = next.entOff
				return l.state, nil
			case ComputationPending:
				// Foreign owner still holds it; keep waiting unless timed out.
				if timedOut {
					taken, err := l.cache.takeover(l.shard, l.key, l.ownerTag, l.deserializer, l.cache.opts.LockTimeout)
					if err != nil {
						return l.state, l.cache.handleRecoverable(err)
					}
					l.state = taken.state
					l.entOff = taken.entOff
					l.payload = taken.payload
					return l.state, nil
				}
			}
		} else if timedOut {
			taken, err := l.cache.takeover(l.shard, l.key, l.ownerTag, l.deserializer, l.cache.opts.LockTimeout)
			if err != nil {
				return l.state, l.cache.handleRecoverable(err)
			}
			l.state = taken.state
			l.entOff = taken.entOff
			l.payload = taken.payload
			return l.state, nil
		}

		waitErr := l.cache.workerSlots.Yield(ctx, func() {
			time.Sleep(l.waitInterval)
		})
		if waitErr != nil {
			return l.state, ErrAborted
		}
		l.waitInterval = time.Duration(float64(l.waitInterval) * 1.2)
	}
}

// Close releases the Locker. If it is MustCompute and the caller never
// called Insert, the reservation is rolled back. Close is idempotent.
func (l *Locker) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.state != MustCompute || l.inserted {
		return nil
	}
	return l.cache.handleRecoverable(l.cache.rollback(l))
}
