package rcache

import "unsafe"

// Status is the entry lifecycle state.
type Status uint32

const (
	StatusNull Status = iota
	StatusPending
	StatusReady
)

// maxPluginIDLen bounds the fixed-size plugin tag embedded directly in
// EntryHeader so the struct itself has a fixed size inside the segment.
const maxPluginIDLen = 64

// lruNode is the intrusive doubly-linked LRU node embedded in EntryHeader.
// prev/next are offsets within the ToC mapping, not pointers, so they
// survive remap.
type lruNode struct {
	prev offset
	next offset
	key  Key
}

// tileListNode is one link of an entry's intrusive tile list, allocated
// separately in the segment so an entry can reference an arbitrary number
// of tiles without a fixed-size array.
type tileListNode struct {
	id   encodedTileID
	next offset
}

const tileListNodeSize = int(unsafe.Sizeof(tileListNode{}))

// EntryHeader is the per-key metadata stored inside a shard's ToC mapping.
type EntryHeader struct {
	status   Status
	ownerTag uint64 // opaque thread identifier; 0 when not reserved
	byteSize uint64 // bytes billed against the shard's size

	tileHead offset // head of the intrusive tile list, 0 if no tiles
	tileCount uint32

	lru lruNode // intrusive LRU node; linked into the shard's LRU iff status == Ready

	pluginIDLen uint32
	pluginID    [maxPluginIDLen]byte

	// payload fields: persistent mode stores serialized bytes in their
	// own segment allocation at payloadOff (grown and retried the same
	// way as any other ToC allocation on OutOfSpace); non-persistent
	// mode stores only a process-local handle id, looked up in the
	// owning Cache's local payload table (the storage-variant design
	// note). Exactly one of the two is meaningful per Options.Persistent.
	payloadOff  offset
	payloadLen  uint64
	localHandle uint64
}

func (h *EntryHeader) PluginID() string {
	return string(h.pluginID[:h.pluginIDLen])
}

func (h *EntryHeader) SetPluginID(id string) {
	if len(id) > maxPluginIDLen {
		id = id[:maxPluginIDLen]
	}
	h.pluginIDLen = uint32(copy(h.pluginID[:], id))
}
