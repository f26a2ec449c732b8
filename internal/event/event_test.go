package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// memAllocator is a trivial Allocator that hands out a fresh slice per
// Allocate and keeps a copy of each committed buffer, sufficient for
// exercising the Builder without a real priority queue.
type memAllocator struct {
	committed [][]byte
	rolledBack int
}

func (m *memAllocator) Allocate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (m *memAllocator) Commit(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.committed = append(m.committed, cp)
	return nil
}

func (m *memAllocator) Rollback(buf []byte) error {
	m.rolledBack++
	return nil
}

func buildSimpleEvent(t *testing.T, alloc *memAllocator) []byte {
	t.Helper()
	b := NewBuilder(alloc, nil)
	require.NoError(t, b.BeginEvent(1521757638, 392, 262332, 1))
	require.NoError(t, b.SetEventPid(26918))
	require.NoError(t, b.BeginRecord(14688, "AUOMS_EXECVE", "", 3))
	require.NoError(t, b.AddField("zeta", "1", "", FieldUnclassified))
	require.NoError(t, b.AddField("alpha", "2", "", FieldUnclassified))
	require.NoError(t, b.AddField("mu", "3", "", FieldUnclassified))
	require.NoError(t, b.EndRecord())
	require.NoError(t, b.EndEvent())
	require.Len(t, alloc.committed, 1)
	return alloc.committed[0]
}

func TestBuilderRoundTrip(t *testing.T) {
	alloc := &memAllocator{}
	buf := buildSimpleEvent(t, alloc)

	require.NoError(t, Validate(buf))

	v := Open(buf)
	sec, msec, serial := v.ID()
	require.Equal(t, uint64(1521757638), sec)
	require.Equal(t, uint32(392), msec)
	require.Equal(t, uint64(262332), serial)
	require.Equal(t, int32(26918), v.Pid())
	require.EqualValues(t, 1, v.NumRecords())

	rec := v.Record(0)
	require.Equal(t, "AUOMS_EXECVE", rec.Name())
	require.EqualValues(t, 3, rec.NumFields())

	// sorted_index must be alpha, mu, zeta
	require.Equal(t, "alpha", rec.FieldBySorted(0).Name())
	require.Equal(t, "mu", rec.FieldBySorted(1).Name())
	require.Equal(t, "zeta", rec.FieldBySorted(2).Name())

	f, ok := rec.Find("mu")
	require.True(t, ok)
	require.Equal(t, "3", f.Raw())
	require.False(t, f.HasInterp())

	_, ok = rec.Find("nonexistent")
	require.False(t, ok)
}

func TestBuilderRejectsZeroRecords(t *testing.T) {
	alloc := &memAllocator{}
	b := NewBuilder(alloc, nil)
	require.ErrorIs(t, b.BeginEvent(1, 0, 1, 0), errNoRecords)
}

func TestEndEventRejectsRecordCountMismatch(t *testing.T) {
	alloc := &memAllocator{}
	b := NewBuilder(alloc, nil)
	require.NoError(t, b.BeginEvent(1, 0, 1, 2))
	require.NoError(t, b.BeginRecord(1, "a", "", 1))
	require.NoError(t, b.AddField("f", "1", "", FieldUnclassified))
	require.NoError(t, b.EndRecord())

	err := b.EndEvent()
	require.ErrorIs(t, err, errRecordCountMismatch)
	require.Equal(t, 1, alloc.rolledBack)
}

func TestCancelEventRollsBack(t *testing.T) {
	alloc := &memAllocator{}
	b := NewBuilder(alloc, nil)
	require.NoError(t, b.BeginEvent(1, 0, 1, 1))
	require.NoError(t, b.CancelEvent())
	require.Equal(t, 1, alloc.rolledBack)
	require.Empty(t, alloc.committed)
}

func TestPrioritizerStampsPriority(t *testing.T) {
	alloc := &memAllocator{}
	b := NewBuilder(alloc, DefaultPrioritizer{Priority: 7})
	require.NoError(t, b.BeginEvent(1, 0, 1, 1))
	require.NoError(t, b.BeginRecord(1, "a", "", 1))
	require.NoError(t, b.AddField("f", "1", "", FieldUnclassified))
	require.NoError(t, b.EndRecord())
	require.NoError(t, b.EndEvent())

	v := Open(alloc.committed[0])
	require.EqualValues(t, 7, v.Priority())
}

func TestFieldInterpRoundTrips(t *testing.T) {
	alloc := &memAllocator{}
	b := NewBuilder(alloc, nil)
	require.NoError(t, b.BeginEvent(1, 0, 1, 1))
	require.NoError(t, b.BeginRecord(1, "a", "text line", 1))
	require.NoError(t, b.AddField("uid", "0", "root", FieldUID))
	require.NoError(t, b.EndRecord())
	require.NoError(t, b.EndEvent())

	require.NoError(t, Validate(alloc.committed[0]))
	v := Open(alloc.committed[0])
	rec := v.Record(0)
	require.Equal(t, "text line", rec.Text())
	f := rec.FieldByInsertion(0)
	require.True(t, f.HasInterp())
	require.Equal(t, "root", f.Interp())
	require.Equal(t, FieldUID, f.Type())
}

func TestExtensionsTrailerOffset(t *testing.T) {
	alloc := &memAllocator{}
	b := NewBuilder(alloc, nil)
	require.NoError(t, b.BeginEvent(1, 0, 1, 1))
	require.NoError(t, b.BeginRecord(1, "a", "", 1))
	require.NoError(t, b.AddField("f", "1", "", FieldUnclassified))
	require.NoError(t, b.EndRecord())
	require.NoError(t, b.BeginExtensions(1))
	require.NoError(t, b.AddExtension(99, []byte("payload")))
	require.NoError(t, b.EndExtensions())
	require.NoError(t, b.EndEvent())

	buf := alloc.committed[0]
	require.NoError(t, Validate(buf))
	v := Open(buf)
	require.NotZero(t, v.Flags()&FlagHasExtensions)
	off, has := v.ExtensionsOffset()
	require.True(t, has)
	require.Less(t, int(off), len(buf))
}
