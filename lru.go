package rcache

// lruList is a thin view over a shard's intrusive LRU list: front/back are
// offsets into the shard's ToC segment, and every node lives inside an
// EntryHeader embedded in that same segment.
//
// Callers must hold the shard's lru_lock exclusively for any mutation, per
// the lock hierarchy.
type lruList struct {
	seg   *MappedSegment
	front *offset
	back  *offset
}

// pushBack links node (belonging to entry at entryOff) onto the back of
// the list.
func (l *lruList) pushBack(entryOff offset) {
	e := l.seg.derefEntry(entryOff)
	node := &e.lru

	node.prev = *l.back
	node.next = nullOffset

	if !l.back.isNull() {
		backEntry := l.entryOfNode(*l.back)
		backEntry.lru.next = entryOff
	}
	*l.back = entryOff
	if l.front.isNull() {
		*l.front = entryOff
	}
}

// unlink removes the node for the entry at entryOff, fixing front/back if
// it was an endpoint.
func (l *lruList) unlink(entryOff offset) {
	e := l.seg.derefEntry(entryOff)
	node := &e.lru

	if !node.prev.isNull() {
		l.entryOfNode(node.prev).lru.next = node.next
	} else if *l.front == entryOff {
		*l.front = node.next
	}

	if !node.next.isNull() {
		l.entryOfNode(node.next).lru.prev = node.prev
	} else if *l.back == entryOff {
		*l.back = node.prev
	}

	node.prev = nullOffset
	node.next = nullOffset
}

// moveToBack re-links entryOff at the back, used to "touch" an entry on a
// cache hit.
func (l *lruList) moveToBack(entryOff offset) {
	if *l.back == entryOff {
		return
	}
	l.unlink(entryOff)
	l.pushBack(entryOff)
}

// front entry offset, or nullOffset if the list is empty. Eviction
// removes from the front: the least-recently-touched entry.
func (l *lruList) frontOffset() offset { return *l.front }

func (l *lruList) entryOfNode(entryOff offset) *EntryHeader {
	return l.seg.derefEntry(entryOff)
}
