package rcache

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// segmentMagic marks a freshly formatted MappedSegment header.
var segmentMagic = [4]byte{'R', 'C', 'S', 'G'}

// segmentLayoutVersion is bumped whenever the on-disk header layout
// changes; a mismatch triggers the caller to wipe and reformat.
const segmentLayoutVersion = 1

// segmentHeader lives at byte 0 of every MappedSegment and is itself part
// of the allocator overlay: allocations start immediately after it.
type segmentHeader struct {
	magic     [4]byte
	version   uint32
	allocNext uint32 // bump pointer: next free byte
	freeHead  offset // head of the first-fit free list, 0 if empty
	rootOff   offset // offset of the find_or_construct root record, 0 if unset
}

const segmentHeaderSize = int(unsafe.Sizeof(segmentHeader{}))

// freeChunk overlays a previously-freed allocation; size includes the
// freeChunk header itself.
type freeChunk struct {
	size uint32
	next offset
}

const freeChunkSize = int(unsafe.Sizeof(freeChunk{}))

// MappedSegment is a thin wrapper over a growable memory-mapped file
// exposing a bump-and-freelist allocator over its bytes. Growth remaps the
// file in place, coordinated with concurrent readers via the process's
// FlockRW-guarded reader protocol.
type MappedSegment struct {
	mu       sync.Mutex // serializes local grow/remap bookkeeping
	file     *os.File
	data     []byte // current mapping
	path     string
	quantum  int64
	minSize  int64
}

// OpenMappedSegment opens or creates path, truncating it to at least
// minSize on first creation, and maps it in. If the header's magic/version
// doesn't match, the file is truncated and reformatted.
func OpenMappedSegment(path string, minSize, quantum int64) (*MappedSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}

	s := &MappedSegment{file: f, path: path, quantum: quantum, minSize: minSize}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	size := info.Size()
	if size < minSize {
		size = roundUp(minSize, quantum)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate segment %s: %w", path, err)
		}
	}

	if err := s.mapAt(size); err != nil {
		f.Close()
		return nil, err
	}

	hdr := s.header()
	if hdr.magic != segmentMagic || hdr.version != segmentLayoutVersion {
		s.format()
	}

	return s, nil
}

func (s *MappedSegment) mapAt(size int64) error {
	data, err := unix.Mmap(int(s.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap segment %s: %w", s.path, err)
	}
	s.data = data
	return nil
}

// format resets the header to an empty allocator state. Called on first
// creation and whenever the layout version mismatches.
func (s *MappedSegment) format() {
	hdr := s.header()
	hdr.magic = segmentMagic
	hdr.version = segmentLayoutVersion
	hdr.allocNext = uint32(segmentHeaderSize)
	hdr.freeHead = nullOffset
	hdr.rootOff = nullOffset
}

func (s *MappedSegment) header() *segmentHeader {
	return (*segmentHeader)(unsafe.Pointer(&s.data[0]))
}

// at re-bases a byte offset against the segment's current mapping.
func (s *MappedSegment) at(off uintptr) unsafe.Pointer {
	return unsafe.Pointer(&s.data[off])
}

func (s *MappedSegment) offsetOf(p unsafe.Pointer) offset {
	base := uintptr(unsafe.Pointer(&s.data[0]))
	return offset(uintptr(p) - base)
}

func unsafePointerOf[T any](v *T) unsafe.Pointer { return unsafe.Pointer(v) }

// Size returns the current mapped size in bytes.
func (s *MappedSegment) Size() int64 { return int64(len(s.data)) }

// allocate reserves n bytes and returns their offset, or an
// *OutOfSpaceError{Kind: OutOfSpaceToC} if the mapping has no room. The
// caller is responsible for growing and retrying.
// allocate takes no lock itself. Callers hold either the segment's
// toc_lock exclusively (free-tile pushes) or toc_lock shared together with
// the shard's shard_lock exclusively (reserve, payload serialization, tile
// attachment).
func (s *MappedSegment) allocate(n int) (offset, error) {
	if n < freeChunkSize {
		n = freeChunkSize
	}
	hdr := s.header()

	// First-fit scan of the free list.
	var prev offset
	cur := hdr.freeHead
	for !cur.isNull() {
		chunk := (*freeChunk)(s.at(uintptr(cur)))
		if int(chunk.size) >= n {
			if prev.isNull() {
				hdr.freeHead = chunk.next
			} else {
				prevChunk := (*freeChunk)(s.at(uintptr(prev)))
				prevChunk.next = chunk.next
			}
			return cur, nil
		}
		prev = cur
		cur = chunk.next
	}

	// Bump allocation.
	need := uint32(n)
	if int64(hdr.allocNext)+int64(need) > int64(len(s.data)) {
		return 0, &OutOfSpaceError{Kind: OutOfSpaceToC, Requested: n}
	}
	result := offset(hdr.allocNext)
	hdr.allocNext += need
	return result, nil
}

// deallocate returns a previously allocated block of size n to the free
// list. It takes no lock itself; callers hold the same locks as for
// allocate.
func (s *MappedSegment) deallocate(o offset, n int) {
	if n < freeChunkSize {
		n = freeChunkSize
	}
	hdr := s.header()
	chunk := (*freeChunk)(s.at(uintptr(o)))
	chunk.size = uint32(n)
	chunk.next = hdr.freeHead
	hdr.freeHead = o
}

// findOrConstructRoot returns the segment's single named root record,
// constructing it via init on first use. This models 
// find_or_construct<T>("BucketData") for the one named record this cache
// needs per ToC segment.
func findOrConstructRoot[T any](s *MappedSegment, init func(*T)) (*T, error) {
	hdr := s.header()
	if !hdr.rootOff.isNull() {
		return (*T)(s.at(uintptr(hdr.rootOff))), nil
	}
	size := int(unsafe.Sizeof(*new(T)))
	off, err := s.allocate(size)
	if err != nil {
		return nil, err
	}
	hdr = s.header() // allocate may not move data, but re-read for clarity
	hdr.rootOff = off
	v := (*T)(s.at(uintptr(off)))
	init(v)
	return v, nil
}

// grow resizes the backing file by at least bytes, rounded up to the
// growth quantum, preserving existing data, and remaps. This implements
// the tail end of the growth protocol: allocating the new region and
// remapping it. Draining readers and flipping the mapping_valid flag
// beforehand are orchestrated by the shard via the ControlSegment, since
// those bits are shared cross-process and don't belong to a single
// segment's local state.
func (s *MappedSegment) grow(bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newSize := roundUp(int64(len(s.data))+bytes, s.quantum)

	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("munmap segment %s for growth: %w", s.path, err)
	}
	if err := s.file.Truncate(newSize); err != nil {
		return fmt.Errorf("grow segment %s: %w", s.path, err)
	}
	if err := s.mapAt(newSize); err != nil {
		return err
	}
	return nil
}

// Msync flushes the mapping to disk (best-effort durability, per Non-goals).
func (s *MappedSegment) Msync() error {
	if len(s.data) == 0 {
		return nil
	}
	return unix.Msync(s.data, unix.MS_SYNC)
}

// Close unmaps and closes the underlying file.
func (s *MappedSegment) Close() error {
	var firstErr error
	if len(s.data) > 0 {
		if err := unix.Munmap(s.data); err != nil {
			firstErr = err
		}
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Truncate resets the segment to an empty, freshly formatted state. Used
// by the abandonment-recovery wipe and by version-mismatch handling.
func (s *MappedSegment) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	size := roundUp(s.minSize, s.quantum)
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	if err := s.file.Truncate(size); err != nil {
		return err
	}
	if err := s.mapAt(size); err != nil {
		return err
	}
	s.format()
	return nil
}

func roundUp(n, quantum int64) int64 {
	if quantum <= 0 {
		return n
	}
	if n <= 0 {
		return quantum
	}
	q := (n + quantum - 1) / quantum
	return q * quantum
}

// readUint32 / writeUint32 read and write a little-endian uint32 at a byte
// offset of a slice, for stashing plain integers inside the segment outside
// of a typed struct. No code in the package calls them.
func readUint32(b []byte, off int) uint32  { return binary.LittleEndian.Uint32(b[off:]) }
func writeUint32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
