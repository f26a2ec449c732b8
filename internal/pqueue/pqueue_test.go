package pqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testOptions(dir string) Options {
	return Options{
		DataDir:         dir,
		NumPriorities:   2,
		MaxFileDataSize: 1024,
		MaxUnsavedFiles: 8,
		MaxFsBytes:      1 << 20,
		MaxFsPct:        100,
		MinFsFreePct:    0,
		SaveDelay:       10 * time.Millisecond,
	}
}

func TestPutGetFIFOWithinPriority(t *testing.T) {
	q, err := Open(testOptions(t.TempDir()), nil)
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 5; i++ {
		_, err := q.Put(0, []byte{byte(i)})
		require.NoError(t, err)
	}

	c, err := q.OpenCursor("reader")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		item, err := q.Get(ctx, c)
		require.NoError(t, err)
		require.Equal(t, byte(i), item.Data[0])
		q.CommitCursor(c, item.Priority, item.Sequence)
	}
}

func TestStrictPriorityOrdering(t *testing.T) {
	q, err := Open(testOptions(t.TempDir()), nil)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Put(1, []byte("low-a"))
	require.NoError(t, err)
	_, err = q.Put(1, []byte("low-b"))
	require.NoError(t, err)
	_, err = q.Put(0, []byte("high-a"))
	require.NoError(t, err)

	c, err := q.OpenCursor("reader")
	require.NoError(t, err)
	ctx := context.Background()

	item, err := q.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, "high-a", string(item.Data))
	q.CommitCursor(c, item.Priority, item.Sequence)

	item, err = q.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, "low-a", string(item.Data))
	q.CommitCursor(c, item.Priority, item.Sequence)
}

func TestGetBlocksUntilPut(t *testing.T) {
	q, err := Open(testOptions(t.TempDir()), nil)
	require.NoError(t, err)
	defer q.Close()

	c, err := q.OpenCursor("reader")
	require.NoError(t, err)

	done := make(chan *Item, 1)
	go func() {
		item, err := q.Get(context.Background(), c)
		require.NoError(t, err)
		done <- item
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = q.Put(0, []byte("late"))
	require.NoError(t, err)

	select {
	case item := <-done:
		require.Equal(t, "late", string(item.Data))
	case <-time.After(time.Second):
		t.Fatal("Get never unblocked after Put")
	}
}

func TestOversizedItemRejected(t *testing.T) {
	q, err := Open(testOptions(t.TempDir()), nil)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Put(0, make([]byte, MaxItemSize+1))
	require.ErrorIs(t, err, ErrOversized)
}

func TestPutAfterCloseFails(t *testing.T) {
	q, err := Open(testOptions(t.TempDir()), nil)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	_, err = q.Put(0, []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestReopenRecoversSealedBuckets(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions(dir)

	q, err := Open(opt, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Put(0, make([]byte, opt.MaxFileDataSize)) // forces a seal each time
		require.NoError(t, err)
	}
	require.NoError(t, q.Close())

	q2, err := Open(opt, nil)
	require.NoError(t, err)
	defer q2.Close()

	c, err := q2.OpenCursor("reader")
	require.NoError(t, err)
	item, err := q2.Get(context.Background(), c)
	require.NoError(t, err)
	require.EqualValues(t, 1, item.Sequence)
}

func TestUnsavedCapEvictsOldestLowestPriority(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions(dir)
	opt.MaxUnsavedFiles = 1
	opt.SaveDelay = time.Hour // keep the saver from draining unsaved buckets during the test

	q, err := Open(opt, nil)
	require.NoError(t, err)
	defer q.Close()

	// Each Put is exactly one MaxFileDataSize item, so every Put after the
	// first seals the prior bucket, immediately exceeding the 1-bucket cap.
	for i := 0; i < 3; i++ {
		_, err := q.Put(1, make([]byte, opt.MaxFileDataSize))
		require.NoError(t, err)
	}

	require.Positive(t, q.Stats().BytesDropped)
}
