package pqueue

import "sort"

// Item is one queued payload. Sequence is queue-global and assigned once, at
// Put, and is never reused.
type Item struct {
	Priority uint32
	Sequence uint64
	Data     []byte
}

// bucket is an in-memory, append-only group of items destined for (or
// loaded from) a single queue file. Items are always appended in increasing
// sequence order, so lookups use binary search rather than a full map.
type bucket struct {
	priority uint32
	items    []*Item
	size     uint32
}

func newBucket(priority uint32) *bucket {
	return &bucket{priority: priority}
}

func (b *bucket) put(item *Item) {
	b.items = append(b.items, item)
	b.size += uint32(len(item.Data))
}

func (b *bucket) get(seq uint64) (*Item, bool) {
	i := sort.Search(len(b.items), func(i int) bool { return b.items[i].Sequence >= seq })
	if i < len(b.items) && b.items[i].Sequence == seq {
		return b.items[i], true
	}
	return nil, false
}

// firstGreaterOrEqual returns the first item with Sequence >= seq, if any.
func (b *bucket) firstGreaterOrEqual(seq uint64) (*Item, bool) {
	i := sort.Search(len(b.items), func(i int) bool { return b.items[i].Sequence >= seq })
	if i < len(b.items) {
		return b.items[i], true
	}
	return nil, false
}

func (b *bucket) minSeq() uint64 {
	if len(b.items) == 0 {
		return 0
	}
	return b.items[0].Sequence
}

func (b *bucket) maxSeq() uint64 {
	if len(b.items) == 0 {
		return 0
	}
	return b.items[len(b.items)-1].Sequence
}

func (b *bucket) Size() uint32 { return b.size }
func (b *bucket) empty() bool  { return len(b.items) == 0 }
