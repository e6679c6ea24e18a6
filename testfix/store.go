// Package testfix provides in-memory fixtures for exercising the sector,
// partition-table, and FAT layers without a real disk image file: named
// disk-size presets (loaded from an embedded CSV, as the teacher's own
// disks package does) and a byte-slice-backed SectorStore.
package testfix

import (
	"io"
	"sync"

	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/fatdisk/sector"
)

// MemoryStore is a sector.SectorStore backed entirely by a []byte, built on
// top of bytesextra.NewReadWriteSeeker the same way the teacher's block
// cache wraps an in-memory slice in blockcache.WrapSlice.
type MemoryStore struct {
	mu         sync.Mutex
	stream     io.ReadWriteSeeker
	size       int64
	sectorSize sector.Size
	writable   bool
}

// NewMemoryStore allocates a zero-filled in-memory store of the given size
// and logical/physical sector size.
func NewMemoryStore(size int64, logicalSectorSize, physicalSectorSize uint32) *MemoryStore {
	backing := make([]byte, size)
	return &MemoryStore{
		stream:     bytesextra.NewReadWriteSeeker(backing),
		size:       size,
		sectorSize: sector.Size{Logical: logicalSectorSize, Physical: physicalSectorSize},
		writable:   true,
	}
}

func (m *MemoryStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.stream.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(m.stream, p)
}

func (m *MemoryStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.stream.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return m.stream.Write(p)
}

func (m *MemoryStore) Size() (int64, error) { return m.size, nil }

func (m *MemoryStore) SectorSize() (sector.Size, error) { return m.sectorSize, nil }

func (m *MemoryStore) Flush() error { return nil }

func (m *MemoryStore) Writable() bool { return m.writable }

// SetWritable toggles write permission, useful for exercising
// errors.PermissionDenied paths.
func (m *MemoryStore) SetWritable(w bool) { m.writable = w }
