package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/auoms-collector/internal/event"
)

type memAllocator struct {
	committed [][]byte
}

func (a *memAllocator) Allocate(size int) ([]byte, error) { return make([]byte, size), nil }
func (a *memAllocator) Commit(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	a.committed = append(a.committed, cp)
	return nil
}
func (a *memAllocator) Rollback([]byte) error { return nil }

func buildSyscallEvent(t *testing.T, syscallName string) []byte {
	t.Helper()
	a := &memAllocator{}
	b := event.NewBuilder(a, nil)
	require.NoError(t, b.BeginEvent(1, 0, 1, 1))
	require.NoError(t, b.BeginRecord(1300, "SYSCALL", "raw line", 1))
	require.NoError(t, b.AddField("syscall", "59", syscallName, event.FieldUnclassified))
	require.NoError(t, b.EndRecord())
	require.NoError(t, b.EndEvent())
	require.Len(t, a.committed, 1)
	return a.committed[0]
}

func buildPathEvent(t *testing.T) []byte {
	t.Helper()
	a := &memAllocator{}
	b := event.NewBuilder(a, nil)
	require.NoError(t, b.BeginEvent(1, 0, 2, 1))
	require.NoError(t, b.BeginRecord(1302, "PATH", "raw line", 1))
	require.NoError(t, b.AddField("name", "/etc/passwd", "/etc/passwd", event.FieldEscaped))
	require.NoError(t, b.EndRecord())
	require.NoError(t, b.EndEvent())
	require.Len(t, a.committed, 1)
	return a.committed[0]
}

func TestPrioritizerMatchesSyscallName(t *testing.T) {
	cfg := Defaults()
	cfg.EventPriorityBySyscall = map[string]int{"execve": 1}
	p := NewPrioritizer(cfg)
	require.EqualValues(t, 1, p.Prioritize(buildSyscallEvent(t, "execve")))
}

func TestPrioritizerFallsBackToRecordTypeCategory(t *testing.T) {
	cfg := Defaults()
	cfg.EventPriorityByRecordTypeCategory = map[string]int{"filesystem": 3}
	p := NewPrioritizer(cfg)
	require.EqualValues(t, 3, p.Prioritize(buildPathEvent(t)))
}

func TestPrioritizerFallsBackToDefault(t *testing.T) {
	cfg := Defaults()
	cfg.DefaultEventPriority = 6
	p := NewPrioritizer(cfg)
	require.EqualValues(t, 6, p.Prioritize(buildPathEvent(t)))
}
