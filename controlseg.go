package rcache

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// controlMagic/controlVersion guard the ControlSegment layout the same way
// segmentHeader does for MappedSegment.
var controlMagic = [4]byte{'R', 'C', 'C', 'T'}

const controlVersion = 1

// perShardControl holds the two fields that must be visible across
// processes while a ToC remap is in flight: mapping_valid and
// active_readers. The condition variables a remap would otherwise wait on
// have no direct Go analogue; waiters poll these fields instead, exactly
// as the Locker's own ComputationPending wait already does for entry
// status.
type perShardControl struct {
	mappingValid uint32 // 0/1, atomic
	activeReaders uint32 // atomic
}

// controlLayout is the fixed-size record mapped as "<App><Cache>SHM", the
// named control record every process in the cache's lifetime attaches to.
type controlLayout struct {
	magic      [4]byte
	version    uint32
	shards     [ShardCount]perShardControl
	nTimedOut  uint32 // recovery epoch guard
	semValid   uint32 // "<App><Cache>nSHMValidSem"
	semInvalid uint32 // "<App><Cache>nSHMInvalidSem"
}

// ControlSegment is the small fixed-size mmap'd file backing the shared
// counters used by the MappedSegment growth protocol and the
// abandonment-recovery protocol. It plays the role of a named
// cross-process shared-memory block, minus the mutexes/condition
// variables, which this cache realizes instead with FlockRW and polling.
type ControlSegment struct {
	file *os.File
	data []byte
	path string
}

// controlSegmentSize rounds the layout up to a page-ish multiple: the
// layout is far smaller than a page since it holds no entry data, only
// counters, but rounding up keeps the mapping aligned.
func controlSegmentSize() int64 {
	const page = 4096
	n := int64(unsafe.Sizeof(controlLayout{}))
	return roundUp(n, page)
}

// OpenControlSegment opens or creates the control file, formatting it on
// first creation or on a layout-version mismatch.
func OpenControlSegment(path string) (*ControlSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control segment %s: %w", path, err)
	}
	size := controlSegmentSize()
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap control segment %s: %w", path, err)
	}
	cs := &ControlSegment{file: f, data: data, path: path}
	if l := cs.layout(); l.magic != controlMagic || l.version != controlVersion {
		cs.Reset()
	}
	return cs, nil
}

func (cs *ControlSegment) layout() *controlLayout {
	return (*controlLayout)(unsafe.Pointer(&cs.data[0]))
}

// Reset reinitializes every counter to zero. Called on first creation and
// by recovery's "remove and recreate" step.
func (cs *ControlSegment) Reset() {
	l := cs.layout()
	*l = controlLayout{magic: controlMagic, version: controlVersion}
}

func (cs *ControlSegment) shard(idx uint8) *perShardControl {
	return &cs.layout().shards[idx]
}

func (cs *ControlSegment) MappingValid(idx uint8) bool {
	return atomic.LoadUint32(&cs.shard(idx).mappingValid) != 0
}

func (cs *ControlSegment) SetMappingValid(idx uint8, v bool) {
	var n uint32
	if v {
		n = 1
	}
	atomic.StoreUint32(&cs.shard(idx).mappingValid, n)
}

// ResetAfterAbandon reinitializes the per-shard mapping state and the
// semValid counter, used by the "remove and recreate" branch of the
// abandonment-recovery protocol. Unlike Reset, it leaves nTimedOut
// untouched, since the calling goroutine's own recovery round is still
// using it to track how many peers are mid-recovery, and it leaves
// semInvalid untouched, since that counter holds the tokens every
// recovering process posted for the current round.
func (cs *ControlSegment) ResetAfterAbandon() {
	l := cs.layout()
	for i := range l.shards {
		l.shards[i] = perShardControl{}
	}
	atomic.StoreUint32(&l.semValid, 0)
}

// SetAllMappingInvalid flips every shard's mapping_valid to false in one
// pass, used at the start of recovery so no reader trusts a mapping that
// may be about to be wiped out from under it.
func (cs *ControlSegment) SetAllMappingInvalid() {
	for i := 0; i < ShardCount; i++ {
		cs.SetMappingValid(uint8(i), false)
	}
}

func (cs *ControlSegment) IncActiveReaders(idx uint8) uint32 {
	return atomic.AddUint32(&cs.shard(idx).activeReaders, 1)
}

func (cs *ControlSegment) DecActiveReaders(idx uint8) uint32 {
	return atomic.AddUint32(&cs.shard(idx).activeReaders, ^uint32(0))
}

func (cs *ControlSegment) ActiveReaders(idx uint8) uint32 {
	return atomic.LoadUint32(&cs.shard(idx).activeReaders)
}

// --- recovery-epoch / named-semaphore emulation ---

func (cs *ControlSegment) IncTimedOut() uint32 {
	return atomic.AddUint32(&cs.layout().nTimedOut, 1)
}

func (cs *ControlSegment) DecTimedOut() uint32 {
	return atomic.AddUint32(&cs.layout().nTimedOut, ^uint32(0))
}

func (cs *ControlSegment) TimedOut() uint32 {
	return atomic.LoadUint32(&cs.layout().nTimedOut)
}

// SemValidPost / SemValidTryWait / SemInvalidPost / SemInvalidWait /
// SemInvalidTryWait model the recovery handshake's two named semaphores as
// simple atomic counters: post increments, try-wait decrements-if-positive
// (returning whether it succeeded), wait polls until positive then
// decrements.
func (cs *ControlSegment) SemValidPost()   { atomic.AddUint32(&cs.layout().semValid, 1) }
func (cs *ControlSegment) SemInvalidPost() { atomic.AddUint32(&cs.layout().semInvalid, 1) }

func (cs *ControlSegment) SemValidTryWait() bool {
	return semTryDecrement(&cs.layout().semValid)
}

func (cs *ControlSegment) SemInvalidTryWait() bool {
	return semTryDecrement(&cs.layout().semInvalid)
}

// SemInvalidWait blocks until a semInvalid token is posted and consumes
// one, polling at flockRetryInterval the same way FlockRW.acquire polls
// for a contended lock. Returns *AbandonedLockError if no token arrives
// before timeout elapses.
func (cs *ControlSegment) SemInvalidWait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !cs.SemInvalidTryWait() {
		if time.Now().After(deadline) {
			return &AbandonedLockError{Lock: "sem_invalid"}
		}
		time.Sleep(flockRetryInterval)
	}
	return nil
}

func semTryDecrement(p *uint32) bool {
	for {
		v := atomic.LoadUint32(p)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(p, v, v-1) {
			return true
		}
	}
}

func (cs *ControlSegment) Msync() error {
	return unix.Msync(cs.data, unix.MS_SYNC)
}

func (cs *ControlSegment) Close() error {
	var firstErr error
	if err := unix.Munmap(cs.data); err != nil {
		firstErr = err
	}
	if err := cs.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
