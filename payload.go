package rcache

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"unsafe"
)

// Payload is the opaque capability contract between an entry's concrete
// type and the cache, per the out-of-scope boundary in the design notes:
// the cache never inspects payload contents, only calls these methods.
//
// Persistent mode calls Serialize/Deserialize against the shard's ToC
// segment. Non-persistent mode short-circuits both as no-ops and instead
// carries the payload by process-local handle (EntryHeader.localHandle),
// per the storage-variant design note.
type Payload interface {
	// MetadataSize is an upper bound of the bytes Serialize needs in the
	// segment.
	MetadataSize() uint64

	// Serialize writes the payload's fields into the segment starting at
	// off, returning the number of bytes actually written. The last
	// bytes written must be the 8-byte hash tag (HashOfDeserialized's
	// value), so a later corruption check can compare it against the
	// entry's key. Returns *OutOfSpaceError if the segment has no room
	// at its current size; the caller grows and retries.
	Serialize(seg *MappedSegment, off offset) (uint64, error)

	// HolderID names the concrete payload type, used in logging and in
	// CorruptedError/DeserializationFailedError diagnostics.
	HolderID() string

	// AllowMultipleFetchPerThread reports whether the same goroutine may
	// hold more than one Locker for this payload type concurrently
	// without deadlocking on its own reservation.
	AllowMultipleFetchPerThread() bool

	// HashOfDeserialized returns the key this payload was serialized
	// under, used for the round-trip self-check on reload.
	HashOfDeserialized() Key
}

// TiledPayload is an optional Payload extension for entries whose bulk
// content belongs in tile-aligned storage rather than inline in the ToC
// segment — large, uniformly sized render artifacts that would otherwise
// bloat the ToC mapping far past its growth quantum. insert detects this
// interface with a type assertion and, when present, allocates and fills
// tiles via TileStore before calling Serialize for whatever metadata
// remains inline.
type TiledPayload interface {
	Payload

	// TileByteSize is the number of bytes this payload needs in tile
	// storage, billed as ceil(TileByteSize/T) whole tiles against the
	// shard's byte budget. Zero means this payload needs no tiles.
	TileByteSize() uint64

	// WriteTile fills dst, exactly one tile's worth of bytes, with the
	// content for the tileIndex'th tile in order. For the final tile, dst
	// may be longer than the bytes remaining; implementations write only
	// what they have.
	WriteTile(tileIndex int, dst []byte) error
}

// Deserializer reconstructs a process-local Payload from bytes previously
// written by Payload.Serialize. One Deserializer exists per concrete
// payload type; the Cache is configured with the one matching its entries.
type Deserializer interface {
	// Deserialize reads byteSize bytes at off and reconstructs a Payload.
	// hasWriteLock reports whether the caller already holds the shard's
	// write lock; if materialization needs to allocate in the segment
	// and hasWriteLock is false, implementations return ErrNeedWriteLock
	// so the caller can retry under the write lock. Per the resolved
	// open question, an implementation must never return ErrNeedWriteLock
	// when hasWriteLock is already true — that combination is reported
	// as a DeserializationFailedError instead, since upgrading further
	// is not possible.
	Deserialize(seg *MappedSegment, off offset, byteSize uint64, key Key, hasWriteLock bool) (Payload, error)
}

// hashTagSize is the width of the corruption-detection tag Serialize must
// write as the final bytes of its output.
const hashTagSize = 8

// unsafeBytes views n bytes starting at p as a []byte aliasing the
// segment's backing array; valid only while the segment stays mapped.
func unsafeBytes(p unsafe.Pointer, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

// writeHashTag appends key's 8 little-endian bytes at off+prefixLen, the
// "hash tag equal to the entry key" every concrete Serialize must write
// as its last action.
func writeHashTag(seg *MappedSegment, off offset, prefixLen uint64, key Key) {
	b := unsafeBytes(seg.at(uintptr(off)+uintptr(prefixLen)), hashTagSize)
	binary.LittleEndian.PutUint64(b, uint64(key))
}

func readHashTag(seg *MappedSegment, off offset, prefixLen uint64) Key {
	b := unsafeBytes(seg.at(uintptr(off)+uintptr(prefixLen)), hashTagSize)
	return Key(binary.LittleEndian.Uint64(b))
}

// verifyHashTag implements the self-check from the round-trip law: the
// tag written by Serialize must equal the key the entry was stored under.
func verifyHashTag(seg *MappedSegment, off offset, prefixLen uint64, key Key) bool {
	return readHashTag(seg, off, prefixLen) == key
}

// InlinePayload is a concrete Payload for small, self-contained byte blobs
// stored in their own ToC segment allocation without consuming any tiles —
// the common case for metadata-only entries. It stores raw bytes
// verbatim; MetadataSize accounts for the trailing hash tag.
type InlinePayload struct {
	Bytes []byte
	key   Key
}

// NewInlinePayload wraps b for storage under key. Callers are responsible
// for key actually identifying b's contents — HashOfDeserialized returns
// key verbatim, and the cache trusts it for the round-trip self-check.
func NewInlinePayload(key Key, b []byte) *InlinePayload {
	return &InlinePayload{Bytes: b, key: key}
}

func (p *InlinePayload) MetadataSize() uint64 {
	return uint64(len(p.Bytes)) + hashTagSize
}

func (p *InlinePayload) Serialize(seg *MappedSegment, off offset) (uint64, error) {
	dst := seg.at(uintptr(off))
	n := copy(unsafeBytes(dst, len(p.Bytes)), p.Bytes)
	writeHashTag(seg, off, uint64(n), p.key)
	return uint64(n) + hashTagSize, nil
}

func (p *InlinePayload) HolderID() string                 { return "inline" }
func (p *InlinePayload) AllowMultipleFetchPerThread() bool { return true }
func (p *InlinePayload) HashOfDeserialized() Key           { return p.key }

// inlineDeserializer reconstructs InlinePayload values.
type inlineDeserializer struct{}

func (inlineDeserializer) Deserialize(seg *MappedSegment, off offset, byteSize uint64, key Key, hasWriteLock bool) (Payload, error) {
	if byteSize < hashTagSize {
		return nil, &DeserializationFailedError{Key: key, Err: errShortPayload}
	}
	dataLen := byteSize - hashTagSize
	if !verifyHashTag(seg, off, dataLen, key) {
		return nil, &DeserializationFailedError{Key: key}
	}
	src := unsafeBytes(seg.at(uintptr(off)), int(dataLen))
	buf := make([]byte, dataLen)
	copy(buf, src)
	return &InlinePayload{Bytes: buf, key: key}, nil
}

var errShortPayload = errors.New("rcache: payload shorter than hash tag")

// FNV64Key derives a Key from arbitrary content, a convenience for callers
// that don't otherwise have a 64-bit fingerprint of their compute inputs.
func FNV64Key(parts ...[]byte) Key {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write(p)
	}
	return Key(h.Sum64())
}
