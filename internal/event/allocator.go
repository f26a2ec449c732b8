package event

// Allocator is the backing store the Builder writes into directly. The
// priority queue implements this: Allocate hands out a fresh buffer and
// Commit copies the finished event into the queue via Put.
type Allocator interface {
	// Allocate reserves size bytes and returns a buffer the builder may
	// grow into up to size, or an error if it cannot (the priority queue
	// returns ErrOversized for a size above its item limit).
	Allocate(size int) ([]byte, error)
	// Commit finalizes the previously allocated buffer, truncating it to
	// the final written length and publishing it downstream.
	Commit(buf []byte) error
	// Rollback releases a buffer obtained from Allocate without publishing
	// it, used by CancelEvent.
	Rollback(buf []byte) error
}

// Prioritizer assigns a priority (0 = highest) to a fully-built event,
// invoked by EndEvent just before commit. Implementations inspect the
// records already written into the buffer (e.g. by syscall name or record
// type) to choose a band; see SPEC_FULL.md §6 for the config-driven variant.
type Prioritizer interface {
	Prioritize(buf []byte) uint16
}

// DefaultPrioritizer always returns a fixed configured priority.
type DefaultPrioritizer struct {
	Priority uint16
}

func (d DefaultPrioritizer) Prioritize(buf []byte) uint16 {
	return d.Priority
}
