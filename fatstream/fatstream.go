// Package fatstream implements the two cluster-chain stream abstractions
// that sit over the data region and the fixed FAT12/16 root directory:
// positional read/write/truncate over a sequence of clusters, allocating
// and freeing through a fattable.Fat.
//
// The per-cluster loaded/dirty buffer cache is adapted from
// file_systems/common/blockcache/blockcache.go's bitmap-gated fetch/flush
// design, narrowed from block granularity to the clusters belonging to a
// single chain, and the cluster/LBA arithmetic follows
// drivers/common/clusterio.go's ClusterStream.
package fatstream

import (
	"io"
	"time"

	"github.com/boljen/go-bitmap"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fattable"
	"github.com/dargueta/fatdisk/sector"
)

// Clock abstracts time.Now so tests and callers can inject a fixed time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// DataIO is a byte stream over a chain of clusters in the data region:
// regular files, and directories on FAT32 or any non-root directory.
type DataIO struct {
	fat            *fattable.Fat
	vol            *sector.Volume
	dataStartLBA   uint64
	clusterSectors uint32
	lss            uint32
	isDirectory    bool
	explicitSize   uint32
	clock          Clock

	chain        []uint32
	firstCluster uint32

	data   [][]byte
	loaded bitmap.Bitmap
	dirty  bitmap.Bitmap

	// pos is the stream's own cursor, advanced by Read/Write and repositioned
	// by Seek. It belongs to the stream rather than to any one descriptor:
	// descriptors sharing a DataIO (see fatfs.getOrOpenStreamLocked) also
	// share this position, a known quirk rather than a bug.
	pos int64

	fdCount int
	lastRead, lastWrite time.Time
}

// NewDataIO opens a stream over the chain starting at startCluster (0 means
// the file/directory currently owns no clusters). explicitSize is ignored
// for directories, whose size is always len(chain) x cluster_bytes.
func NewDataIO(fat *fattable.Fat, vol *sector.Volume, dataStartLBA uint64, clusterSectors, lss uint32, startCluster uint32, isDirectory bool, explicitSize uint32, clock Clock) (*DataIO, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	d := &DataIO{
		fat:            fat,
		vol:            vol,
		dataStartLBA:   dataStartLBA,
		clusterSectors: clusterSectors,
		lss:            lss,
		isDirectory:    isDirectory,
		explicitSize:   explicitSize,
		clock:          clock,
		firstCluster:   startCluster,
	}
	if startCluster != 0 {
		chain, err := fat.ChainIterate(startCluster)
		if err != nil {
			return nil, err
		}
		d.chain = chain
	}
	d.loaded = bitmap.NewSlice(len(d.chain) + 1)
	d.dirty = bitmap.NewSlice(len(d.chain) + 1)
	d.data = make([][]byte, len(d.chain))
	return d, nil
}

func (d *DataIO) clusterBytes() int64 { return int64(d.clusterSectors) * int64(d.lss) }

func (d *DataIO) clusterLBA(cluster uint32) uint64 {
	return d.dataStartLBA + uint64(cluster-2)*uint64(d.clusterSectors)
}

// Size returns the stream's current logical size in bytes.
func (d *DataIO) Size() int64 {
	if d.isDirectory {
		return int64(len(d.chain)) * d.clusterBytes()
	}
	return int64(d.explicitSize)
}

// FirstCluster returns the chain's head cluster number, 0 if the chain is
// still empty.
func (d *DataIO) FirstCluster() uint32 { return d.firstCluster }

func (d *DataIO) growCacheTo(n int) {
	if n <= len(d.data) {
		return
	}
	newData := make([][]byte, n)
	copy(newData, d.data)
	newLoaded := bitmap.NewSlice(n)
	newDirty := bitmap.NewSlice(n)
	for i := range d.data {
		if d.loaded.Get(i) {
			newLoaded.Set(i, true)
		}
		if d.dirty.Get(i) {
			newDirty.Set(i, true)
		}
	}
	d.data = newData
	d.loaded = newLoaded
	d.dirty = newDirty
}

func (d *DataIO) loadCluster(idx int) ([]byte, error) {
	d.growCacheTo(idx + 1)
	if d.loaded.Get(idx) {
		return d.data[idx], nil
	}
	raw, err := d.vol.ReadAt(d.clusterLBA(d.chain[idx]), uint(d.clusterSectors))
	if err != nil {
		return nil, err
	}
	d.data[idx] = raw
	d.loaded.Set(idx, true)
	return raw, nil
}

// Flush writes every dirty cached cluster back to the volume.
func (d *DataIO) Flush() error {
	for i := 0; i < len(d.chain) && i < len(d.data); i++ {
		if !d.dirty.Get(i) {
			continue
		}
		if err := d.vol.WriteAt(d.clusterLBA(d.chain[i]), d.data[i], false); err != nil {
			return err
		}
		d.dirty.Set(i, false)
	}
	return nil
}

// ReadAt reads len(p) bytes starting at byte offset off, stopping early
// (with the count read and a nil error) at the stream's current size.
func (d *DataIO) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New(errors.Bounds, "negative offset %d", off)
	}
	n := 0
	remaining := p
	pos := off
	size := d.Size()
	clusterBytes := d.clusterBytes()

	for len(remaining) > 0 && pos < size {
		clusterIdx := int(pos / clusterBytes)
		if clusterIdx >= len(d.chain) {
			break
		}
		clusterOffset := pos % clusterBytes
		toRead := clusterBytes - clusterOffset
		if int64(len(remaining)) < toRead {
			toRead = int64(len(remaining))
		}
		if pos+toRead > size {
			toRead = size - pos
		}
		raw, err := d.loadCluster(clusterIdx)
		if err != nil {
			return n, err
		}
		copy(remaining[:toRead], raw[clusterOffset:clusterOffset+toRead])
		pos += toRead
		remaining = remaining[toRead:]
		n += int(toRead)
	}
	d.lastRead = d.clock.Now()
	return n, nil
}

// WriteAt writes len(p) bytes at byte offset off, allocating and
// zero-filling new clusters first if the write extends past the current
// size. Each cluster it touches is written through to the volume before
// WriteAt returns.
func (d *DataIO) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New(errors.Bounds, "negative offset %d", off)
	}
	end := off + int64(len(p))
	if end > d.Size() {
		if err := d.Allocate(uint32(end)); err != nil {
			return 0, err
		}
	}

	n := 0
	remaining := p
	pos := off
	clusterBytes := d.clusterBytes()

	for len(remaining) > 0 {
		clusterIdx := int(pos / clusterBytes)
		if clusterIdx >= len(d.chain) {
			return n, errors.New(errors.Bounds, "write extends past allocated chain")
		}
		clusterOffset := pos % clusterBytes
		toWrite := clusterBytes - clusterOffset
		if int64(len(remaining)) < toWrite {
			toWrite = int64(len(remaining))
		}

		var buf []byte
		if clusterOffset != 0 || toWrite != clusterBytes {
			raw, err := d.loadCluster(clusterIdx)
			if err != nil {
				return n, err
			}
			buf = raw
		} else {
			d.growCacheTo(clusterIdx + 1)
			buf = make([]byte, clusterBytes)
			d.data[clusterIdx] = buf
			d.loaded.Set(clusterIdx, true)
		}
		copy(buf[clusterOffset:clusterOffset+toWrite], remaining[:toWrite])
		d.dirty.Set(clusterIdx, true)
		if err := d.vol.WriteAt(d.clusterLBA(d.chain[clusterIdx]), buf, false); err != nil {
			return n, err
		}
		d.dirty.Set(clusterIdx, false)

		pos += toWrite
		remaining = remaining[toWrite:]
		n += int(toWrite)
	}

	if !d.isDirectory && end > int64(d.explicitSize) {
		d.explicitSize = uint32(end)
	}
	d.lastWrite = d.clock.Now()
	return n, nil
}

// Allocate grows the chain, if needed, so it can hold minSize bytes. New
// clusters are linked onto the tail, the last marked EOC, the FAT flushed,
// then the new clusters are zero-filled.
func (d *DataIO) Allocate(minSize uint32) error {
	clusterBytes := uint32(d.clusterBytes())
	clustersRequired := (minSize + clusterBytes - 1) / clusterBytes
	if int(clustersRequired) <= len(d.chain) {
		return nil
	}

	delta := int(clustersRequired) - len(d.chain)
	newClusters, err := d.fat.AllocateFree(delta)
	if err != nil {
		return err
	}

	if len(d.chain) > 0 {
		if err := d.fat.Set(d.chain[len(d.chain)-1], newClusters[0]); err != nil {
			return err
		}
	} else {
		d.firstCluster = newClusters[0]
	}
	for i := 0; i < len(newClusters)-1; i++ {
		if err := d.fat.Set(newClusters[i], newClusters[i+1]); err != nil {
			return err
		}
	}
	if err := d.fat.Set(newClusters[len(newClusters)-1], d.fat.EOCValue()); err != nil {
		return err
	}
	if err := d.fat.Flush(); err != nil {
		return err
	}

	zero := make([]byte, clusterBytes)
	for _, c := range newClusters {
		if err := d.vol.WriteAt(d.clusterLBA(c), zero, false); err != nil {
			return err
		}
	}

	d.chain = append(d.chain, newClusters...)
	d.growCacheTo(len(d.chain))
	for i := len(d.chain) - len(newClusters); i < len(d.chain); i++ {
		d.data[i] = make([]byte, clusterBytes)
		d.loaded.Set(i, true)
	}
	return nil
}

// Free shrinks the chain so it holds at most maxSize bytes: the new tail is
// EOC-capped and the trimmed clusters are marked empty in the FAT.
func (d *DataIO) Free(maxSize uint32) error {
	clusterBytes := uint32(d.clusterBytes())
	clustersRequired := (maxSize + clusterBytes - 1) / clusterBytes
	if int(clustersRequired) >= len(d.chain) {
		if !d.isDirectory && maxSize < d.explicitSize {
			d.explicitSize = maxSize
		}
		return nil
	}

	keep := d.chain[:clustersRequired]
	freed := d.chain[clustersRequired:]
	if len(keep) > 0 {
		if err := d.fat.Set(keep[len(keep)-1], d.fat.EOCValue()); err != nil {
			return err
		}
	} else {
		d.firstCluster = 0
	}
	for _, c := range freed {
		if err := d.fat.Set(c, d.fat.EmptyValue()); err != nil {
			return err
		}
	}
	if err := d.fat.Flush(); err != nil {
		return err
	}

	d.chain = keep
	d.data = d.data[:len(keep)]
	if !d.isDirectory && maxSize < d.explicitSize {
		d.explicitSize = maxSize
	}
	return nil
}

// Acquire registers a new file descriptor referencing this stream.
func (d *DataIO) Acquire() { d.fdCount++ }

// Release drops a reference and returns the remaining count; 0 means the
// caller closed the last descriptor and may discard the cached stream.
func (d *DataIO) Release() int {
	if d.fdCount > 0 {
		d.fdCount--
	}
	return d.fdCount
}

func (d *DataIO) LastRead() time.Time  { return d.lastRead }
func (d *DataIO) LastWrite() time.Time { return d.lastWrite }

// Seek repositions the stream's shared cursor per io.Seeker's whence values.
func (d *DataIO) Seek(offset int64, whence int) (int64, error) {
	newPos, err := seekPos(d.pos, d.Size(), offset, whence)
	if err != nil {
		return 0, err
	}
	d.pos = newPos
	return d.pos, nil
}

// Read reads into p from the cursor's current position and advances it by
// the number of bytes read.
func (d *DataIO) Read(p []byte) (int, error) {
	n, err := d.ReadAt(p, d.pos)
	d.pos += int64(n)
	return n, err
}

// Write writes p at the cursor's current position and advances it by the
// number of bytes written.
func (d *DataIO) Write(p []byte) (int, error) {
	n, err := d.WriteAt(p, d.pos)
	d.pos += int64(n)
	return n, err
}

// seekPos applies io.Seeker whence semantics against a stream's current
// position and size, shared by DataIO.Seek and RootdirIO.Seek.
func seekPos(cur, size, offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = cur
	case io.SeekEnd:
		base = size
	default:
		return 0, errors.New(errors.Validation, "invalid whence %d", whence)
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, errors.New(errors.Bounds, "seek to negative offset %d", newPos)
	}
	return newPos, nil
}

// RootdirIO is the fixed-range FAT12/16 root directory stream: a plain
// sector range with no backing FAT chain. It cannot grow past its
// preallocated size, and freeing it is forbidden.
type RootdirIO struct {
	vol         *sector.Volume
	startLBA    uint64
	sizeSectors uint32
	lss         uint32
	clock       Clock

	// pos is the stream's shared cursor; see DataIO.pos.
	pos int64

	fdCount             int
	lastRead, lastWrite time.Time
}

func NewRootdirIO(vol *sector.Volume, startLBA uint64, sizeSectors, lss uint32, clock Clock) *RootdirIO {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RootdirIO{vol: vol, startLBA: startLBA, sizeSectors: sizeSectors, lss: lss, clock: clock}
}

func (r *RootdirIO) Size() int64 { return int64(r.sizeSectors) * int64(r.lss) }

func (r *RootdirIO) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > r.Size() {
		return 0, errors.New(errors.Bounds, "offset %d out of range for root directory of size %d", off, r.Size())
	}
	toRead := int64(len(p))
	if off+toRead > r.Size() {
		toRead = r.Size() - off
	}
	sectorIdx := uint64(off) / uint64(r.lss)
	nSectors := uint((uint64(toRead) + uint64(off)%uint64(r.lss) + uint64(r.lss) - 1) / uint64(r.lss))
	raw, err := r.vol.ReadAt(r.startLBA+sectorIdx, nSectors)
	if err != nil {
		return 0, err
	}
	localOffset := uint64(off) % uint64(r.lss)
	n := copy(p[:toRead], raw[localOffset:])
	r.lastRead = r.clock.Now()
	return n, nil
}

func (r *RootdirIO) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > r.Size() {
		if err := r.Allocate(uint32(end)); err != nil {
			return 0, err
		}
	}
	sectorIdx := uint64(off) / uint64(r.lss)
	localOffset := uint64(off) % uint64(r.lss)
	nSectors := uint((uint64(len(p)) + localOffset + uint64(r.lss) - 1) / uint64(r.lss))

	raw, err := r.vol.ReadAt(r.startLBA+sectorIdx, nSectors)
	if err != nil {
		return 0, err
	}
	copy(raw[localOffset:], p)
	if err := r.vol.WriteAt(r.startLBA+sectorIdx, raw, false); err != nil {
		return 0, err
	}
	r.lastWrite = r.clock.Now()
	return len(p), nil
}

// Allocate rejects any growth past the root directory's fixed capacity.
func (r *RootdirIO) Allocate(minSize uint32) error {
	if int64(minSize) > r.Size() {
		return errors.New(errors.FilesystemLimit, "maximum capacity of root directory reached")
	}
	return nil
}

// Free always fails: the root directory's size is fixed at format time.
func (r *RootdirIO) Free(uint32) error {
	return errors.New(errors.UnsupportedOperation, "cannot shrink the fixed-size root directory")
}

func (r *RootdirIO) Acquire() { r.fdCount++ }
func (r *RootdirIO) Release() int {
	if r.fdCount > 0 {
		r.fdCount--
	}
	return r.fdCount
}

func (r *RootdirIO) LastRead() time.Time  { return r.lastRead }
func (r *RootdirIO) LastWrite() time.Time { return r.lastWrite }

// Seek repositions the stream's shared cursor per io.Seeker's whence values.
func (r *RootdirIO) Seek(offset int64, whence int) (int64, error) {
	newPos, err := seekPos(r.pos, r.Size(), offset, whence)
	if err != nil {
		return 0, err
	}
	r.pos = newPos
	return r.pos, nil
}

// Read reads into p from the cursor's current position and advances it by
// the number of bytes read.
func (r *RootdirIO) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

// Write writes p at the cursor's current position and advances it by the
// number of bytes written.
func (r *RootdirIO) Write(p []byte) (int, error) {
	n, err := r.WriteAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}
