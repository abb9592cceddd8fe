package rcache

import "unsafe"

// indexTableHeader precedes a flat array of indexSlot values, all in one
// segment allocation, implementing the shard's entries map (key ->
// EntryHeader offset) as an open-addressing hash table that lives
// entirely inside the mmap'd ToC segment, so it is visible identically to
// every process mapping that segment.
type indexTableHeader struct {
	capacity   uint32
	count      uint32
	tombstones uint32
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotTombstone
)

type indexSlot struct {
	key      Key
	entryOff offset
	state    slotState
	_        [7]byte // pad to a multiple of 8 for clean array stride
}

const indexSlotSize = int(unsafe.Sizeof(indexSlot{}))
const indexTableHeaderSize = int(unsafe.Sizeof(indexTableHeader{}))

const indexMaxLoadFactorNum = 7 // grow when count+tombstones >= 7/10 * capacity
const indexMaxLoadFactorDen = 10

func indexTableByteSize(capacity uint32) int {
	return indexTableHeaderSize + int(capacity)*indexSlotSize
}

// allocIndexTable allocates a fresh table of the given capacity (must be a
// power of two) with all slots empty.
func allocIndexTable(seg *MappedSegment, capacity uint32) (offset, error) {
	off, err := seg.allocate(indexTableByteSize(capacity))
	if err != nil {
		return 0, err
	}
	hdr := (*indexTableHeader)(seg.at(uintptr(off)))
	*hdr = indexTableHeader{capacity: capacity}
	return off, nil
}

func indexHeader(seg *MappedSegment, tableOff offset) *indexTableHeader {
	return (*indexTableHeader)(seg.at(uintptr(tableOff)))
}

func indexSlotAt(seg *MappedSegment, tableOff offset, i uint32) *indexSlot {
	base := uintptr(tableOff) + uintptr(indexTableHeaderSize) + uintptr(i)*uintptr(indexSlotSize)
	return (*indexSlot)(seg.at(base))
}

func keyHash(k Key) uint32 {
	x := uint64(k)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return uint32(x)
}

// indexLookup returns the slot index holding key and true, or the slot
// index where it would be inserted and false.
func indexLookup(seg *MappedSegment, tableOff offset, key Key) (uint32, bool) {
	hdr := indexHeader(seg, tableOff)
	mask := hdr.capacity - 1
	i := keyHash(key) & mask
	firstTombstone := uint32(0)
	haveTombstone := false
	for probes := uint32(0); probes < hdr.capacity; probes++ {
		s := indexSlotAt(seg, tableOff, i)
		switch s.state {
		case slotEmpty:
			if haveTombstone {
				return firstTombstone, false
			}
			return i, false
		case slotTombstone:
			if !haveTombstone {
				firstTombstone = i
				haveTombstone = true
			}
		case slotUsed:
			if s.key == key {
				return i, true
			}
		}
		i = (i + 1) & mask
	}
	return 0, false
}

// indexPut inserts or replaces key -> entryOff, growing the table first if
// it is over the load factor threshold. Returns the (possibly new) table
// offset, since growth reallocates.
func indexPut(seg *MappedSegment, tableOff offset, key Key, entryOff offset) (offset, error) {
	hdr := indexHeader(seg, tableOff)
	if (hdr.count+hdr.tombstones+1)*indexMaxLoadFactorDen >= hdr.capacity*indexMaxLoadFactorNum {
		grown, err := indexGrow(seg, tableOff)
		if err != nil {
			return tableOff, err
		}
		tableOff = grown
		hdr = indexHeader(seg, tableOff)
	}

	i, found := indexLookup(seg, tableOff, key)
	s := indexSlotAt(seg, tableOff, i)
	if !found {
		if s.state == slotTombstone {
			hdr.tombstones--
		}
		hdr.count++
	}
	s.key = key
	s.entryOff = entryOff
	s.state = slotUsed
	return tableOff, nil
}

func indexGet(seg *MappedSegment, tableOff offset, key Key) (offset, bool) {
	i, found := indexLookup(seg, tableOff, key)
	if !found {
		return 0, false
	}
	return indexSlotAt(seg, tableOff, i).entryOff, true
}

func indexDelete(seg *MappedSegment, tableOff offset, key Key) {
	i, found := indexLookup(seg, tableOff, key)
	if !found {
		return
	}
	hdr := indexHeader(seg, tableOff)
	s := indexSlotAt(seg, tableOff, i)
	s.state = slotTombstone
	hdr.count--
	hdr.tombstones++
}

// indexGrow doubles capacity and rehashes every live slot into a fresh
// table, then frees the old one.
func indexGrow(seg *MappedSegment, oldOff offset) (offset, error) {
	oldHdr := indexHeader(seg, oldOff)
	newCap := oldHdr.capacity * 2
	if newCap == 0 {
		newCap = 16
	}
	newOff, err := allocIndexTable(seg, newCap)
	if err != nil {
		return oldOff, err
	}
	for i := uint32(0); i < oldHdr.capacity; i++ {
		s := indexSlotAt(seg, oldOff, i)
		if s.state == slotUsed {
			j, _ := indexLookup(seg, newOff, s.key)
			dst := indexSlotAt(seg, newOff, j)
			dst.key = s.key
			dst.entryOff = s.entryOff
			dst.state = slotUsed
		}
	}
	newHdr := indexHeader(seg, newOff)
	newHdr.count = oldHdr.count
	seg.deallocate(oldOff, indexTableByteSize(oldHdr.capacity))
	return newOff, nil
}
