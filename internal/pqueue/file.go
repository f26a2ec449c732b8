package pqueue

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// fileMagic is ASCII "ELIFQUEU" read little-endian, per SPEC_FULL.md §6.
const fileMagic uint64 = 0x5155455546494C45

const fileVersion uint32 = 1

// fileHeaderSize: magic(8) version(4) file_size(4) priority(4) num_items(4)
// first_seq(8) last_seq(8).
const fileHeaderSize = 8 + 4 + 4 + 4 + 4 + 8 + 8

// indexEntrySize: seq(8) offset(4) size(4).
const indexEntrySize = 8 + 4 + 4

// queueFile is the on-disk representation of one sealed bucket.
type queueFile struct {
	path     string
	priority uint32
	fileSeq  uint64 // == last_seq, also the file's base name
	fileSize uint64
	numItems uint32
	firstSeq uint64
	lastSeq  uint64
	saved    bool

	cached *bucket // lazily dropped is not implemented; kept simple and strong.
}

func filePath(dataDir string, priority uint32, seq uint64) string {
	return filepath.Join(dataDir, strconv.FormatUint(uint64(priority), 10), strconv.FormatUint(seq, 10))
}

// newQueueFile wraps a freshly sealed, not-yet-saved bucket.
func newQueueFile(dataDir string, b *bucket) *queueFile {
	lastSeq := b.maxSeq()
	var dataSize uint32
	for _, it := range b.items {
		dataSize += uint32(indexEntrySize) + uint32(len(it.Data))
	}
	return &queueFile{
		path:     filePath(dataDir, b.priority, lastSeq),
		priority: b.priority,
		fileSeq:  lastSeq,
		fileSize: uint64(fileHeaderSize) + uint64(dataSize),
		numItems: uint32(len(b.items)),
		firstSeq: b.minSeq(),
		lastSeq:  lastSeq,
		saved:    false,
		cached:   b,
	}
}

// Save serializes the cached bucket to disk via a temp file + rename, so a
// crash mid-write never leaves a partially-written file at the real path.
func (f *queueFile) Save() error {
	if f.cached == nil {
		return fmt.Errorf("pqueue: save of file %s with no in-memory bucket", f.path)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	ok := false
	defer func() {
		fh.Close()
		if !ok {
			os.Remove(tmp)
		}
	}()

	header := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], fileMagic)
	binary.LittleEndian.PutUint32(header[8:12], fileVersion)
	binary.LittleEndian.PutUint32(header[12:16], uint32(f.fileSize))
	binary.LittleEndian.PutUint32(header[16:20], f.priority)
	binary.LittleEndian.PutUint32(header[20:24], f.numItems)
	binary.LittleEndian.PutUint64(header[24:32], f.firstSeq)
	binary.LittleEndian.PutUint64(header[32:40], f.lastSeq)
	if _, err := fh.Write(header); err != nil {
		return err
	}

	offset := uint32(fileHeaderSize) + uint32(len(f.cached.items))*uint32(indexEntrySize)
	idx := make([]byte, indexEntrySize*len(f.cached.items))
	for i, it := range f.cached.items {
		o := i * indexEntrySize
		binary.LittleEndian.PutUint64(idx[o:o+8], it.Sequence)
		binary.LittleEndian.PutUint32(idx[o+8:o+12], offset)
		binary.LittleEndian.PutUint32(idx[o+12:o+16], uint32(len(it.Data)))
		offset += uint32(len(it.Data))
	}
	if _, err := fh.Write(idx); err != nil {
		return err
	}
	for _, it := range f.cached.items {
		if _, err := fh.Write(it.Data); err != nil {
			return err
		}
	}
	if err := fh.Sync(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	ok = true
	f.saved = true
	return nil
}

// openQueueFile reads and validates a file's header against its actual
// on-disk size, without loading item payloads.
func openQueueFile(path string) (*queueFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return nil, err
	}

	header := make([]byte, fileHeaderSize)
	if _, err := fh.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("pqueue: reading header of %s: %w", path, err)
	}
	magic := binary.LittleEndian.Uint64(header[0:8])
	version := binary.LittleEndian.Uint32(header[8:12])
	fileSize := binary.LittleEndian.Uint32(header[12:16])
	if magic != fileMagic || version != fileVersion {
		return nil, fmt.Errorf("pqueue: %s failed magic/version check", path)
	}
	if uint64(fileSize) != uint64(st.Size()) {
		return nil, fmt.Errorf("pqueue: %s file_size %d does not match on-disk size %d", path, fileSize, st.Size())
	}

	return &queueFile{
		path:     path,
		priority: binary.LittleEndian.Uint32(header[16:20]),
		fileSeq:  binary.LittleEndian.Uint64(header[32:40]),
		fileSize: uint64(fileSize),
		numItems: binary.LittleEndian.Uint32(header[20:24]),
		firstSeq: binary.LittleEndian.Uint64(header[24:32]),
		lastSeq:  binary.LittleEndian.Uint64(header[32:40]),
		saved:    true,
	}, nil
}

// OpenBucket returns the file's bucket, loading it from disk if it is not
// already cached in memory.
func (f *queueFile) OpenBucket() (*bucket, error) {
	if f.cached != nil {
		return f.cached, nil
	}
	b, err := f.read()
	if err != nil {
		return nil, err
	}
	f.cached = b
	return b, nil
}

func (f *queueFile) read() (*bucket, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != f.fileSize {
		return nil, fmt.Errorf("pqueue: %s size changed on disk since open", f.path)
	}
	b := newBucket(f.priority)
	idxStart := fileHeaderSize
	for i := uint32(0); i < f.numItems; i++ {
		o := idxStart + int(i)*indexEntrySize
		seq := binary.LittleEndian.Uint64(data[o : o+8])
		off := binary.LittleEndian.Uint32(data[o+8 : o+12])
		size := binary.LittleEndian.Uint32(data[o+12 : o+16])
		item := make([]byte, size)
		copy(item, data[off:off+size])
		b.put(&Item{Priority: f.priority, Sequence: seq, Data: item})
	}
	return b, nil
}

func (f *queueFile) Remove() error {
	return os.Remove(f.path)
}
