// Package sector implements the lowest layer of the disk library: a
// SectorStore abstraction, the Disk that enforces bounds/alignment/
// writability over one, and a Volume rebasing that API to a sub-range of
// LBAs.
package sector

import (
	"io"

	"github.com/dargueta/fatdisk/errors"
)

// Size pairs the logical and physical sector size of a backing store. Logical
// is the addressing unit; physical is advisory and used only for alignment
// warnings.
type Size struct {
	Logical  uint32
	Physical uint32
}

// SectorStore is the minimal positional I/O surface a backing byte store
// must provide. Platform-specific discovery of size and geometry is an
// external collaborator; SectorStore only needs to answer for whatever size
// and sector geometry the caller already determined.
type SectorStore interface {
	io.ReaderAt
	io.WriterAt
	// Size returns the total size of the store in bytes.
	Size() (int64, error)
	// SectorSize returns the logical/physical sector size pair.
	SectorSize() (Size, error)
	// Flush forces any buffered writes to be committed to the backing
	// store.
	Flush() error
	// Writable reports whether writes are permitted.
	Writable() bool
}

// Disk is a sector-addressed view over a SectorStore. It owns the store's
// size and sector size for the duration it is open and enforces bounds,
// alignment, and writability on every access.
type Disk struct {
	store      SectorStore
	sizeBytes  int64
	sectorSize Size
	writable   bool
	table      PartitionTable
}

// PartitionTable is implemented by both mbr.Table and gpt.Table so that
// Disk.Table can return either without this package depending on
// either concrete codec.
type PartitionTable interface {
	// NumPartitions reports how many non-empty partitions the table holds.
	NumPartitions() int
}

// Open wraps an already-opened SectorStore as a Disk, reading its size and
// sector size once and probing for a partition table.
func Open(store SectorStore, probe func(*Disk) (PartitionTable, error)) (*Disk, error) {
	size, err := store.Size()
	if err != nil {
		return nil, errors.Wrap(errors.Io, err, "failed to read disk size")
	}
	ss, err := store.SectorSize()
	if err != nil {
		return nil, errors.Wrap(errors.Io, err, "failed to read sector size")
	}
	if ss.Logical == 0 || ss.Logical&(ss.Logical-1) != 0 {
		return nil, errors.New(errors.Validation, "logical sector size %d is not a positive power of two", ss.Logical)
	}

	d := &Disk{
		store:      store,
		sizeBytes:  size,
		sectorSize: ss,
		writable:   store.Writable(),
	}

	if probe != nil {
		table, err := probe(d)
		if err == nil {
			d.table = table
		}
		// A disk with no recognizable partition table is simply
		// unpartitioned; probe failures are not propagated here.
	}
	return d, nil
}

// SizeBytes returns the total size of the disk in bytes.
func (d *Disk) SizeBytes() int64 { return d.sizeBytes }

// SectorSize returns the (logical, physical) sector size pair.
func (d *Disk) SectorSize() Size { return d.sectorSize }

// Writable reports whether the disk accepts writes.
func (d *Disk) Writable() bool { return d.writable }

// TotalSectors returns the disk's size expressed in logical sectors.
func (d *Disk) TotalSectors() uint64 {
	return uint64(d.sizeBytes) / uint64(d.sectorSize.Logical)
}

// Table returns the partition table detected at Open time, or nil if the
// disk is unpartitioned.
func (d *Disk) Table() PartitionTable { return d.table }

// SetTable records a partition table as authoritative for this Disk,
// replacing whatever Open detected.
func (d *Disk) SetTable(t PartitionTable) { d.table = t }

// ReadAt reads exactly nSectors logical sectors starting at lba.
func (d *Disk) ReadAt(lba uint64, nSectors uint) ([]byte, error) {
	if err := d.checkBounds(lba, nSectors); err != nil {
		return nil, err
	}
	buf := make([]byte, uint64(nSectors)*uint64(d.sectorSize.Logical))
	offset := int64(lba) * int64(d.sectorSize.Logical)
	n, err := d.store.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(errors.Io, err, "read_at(lba=%d, n=%d) failed", lba, nSectors)
	}
	if n < len(buf) {
		return nil, errors.Wrap(errors.Io, io.ErrUnexpectedEOF, "short read at lba=%d", lba)
	}
	return buf, nil
}

// WriteAt writes data starting at lba. The payload must be a multiple of
// the logical sector size unless fillZeroes is set, in which case the tail
// of the last sector is zero-padded.
func (d *Disk) WriteAt(lba uint64, data []byte, fillZeroes bool) error {
	if !d.writable {
		return errors.New(errors.PermissionDenied, "disk is not writable")
	}

	lss := uint64(d.sectorSize.Logical)
	remainder := uint64(len(data)) % lss
	payload := data
	if remainder != 0 {
		if !fillZeroes {
			return errors.New(errors.Alignment, "write payload of %d bytes is not a multiple of sector size %d", len(data), lss)
		}
		padded := make([]byte, uint64(len(data))+(lss-remainder))
		copy(padded, data)
		payload = padded
	}

	nSectors := uint(uint64(len(payload)) / lss)
	if err := d.checkBounds(lba, nSectors); err != nil {
		return err
	}

	offset := int64(lba) * int64(lss)
	_, err := d.store.WriteAt(payload, offset)
	if err != nil {
		return errors.Wrap(errors.Io, err, "write_at(lba=%d) failed", lba)
	}
	return nil
}

// Flush forces the backing SectorStore to sync.
func (d *Disk) Flush() error {
	if err := d.store.Flush(); err != nil {
		return errors.Wrap(errors.Io, err, "flush failed")
	}
	return nil
}

func (d *Disk) checkBounds(lba uint64, nSectors uint) error {
	total := d.TotalSectors()
	if lba >= total {
		return errors.New(errors.Bounds, "lba %d is beyond disk end (%d sectors)", lba, total)
	}
	if lba+uint64(nSectors) > total {
		return errors.New(errors.Bounds, "range [%d, %d) exceeds disk end (%d sectors)", lba, lba+uint64(nSectors), total)
	}
	return nil
}

// Volume is a contiguous sector range inside a Disk, addressed with LBAs
// local to the volume (0 == StartLBA on the underlying Disk).
type Volume struct {
	disk     *Disk
	startLBA uint64
	endLBA   uint64
}

// NewVolume returns a Volume spanning [startLBA, endLBA] (inclusive) of
// disk. It fails Bounds if the range is empty or exceeds the disk.
func NewVolume(disk *Disk, startLBA, endLBA uint64) (*Volume, error) {
	if startLBA > endLBA {
		return nil, errors.New(errors.Bounds, "volume start %d is after end %d", startLBA, endLBA)
	}
	if endLBA >= disk.TotalSectors() {
		return nil, errors.New(errors.Bounds, "volume end %d exceeds disk size %d", endLBA, disk.TotalSectors())
	}
	return &Volume{disk: disk, startLBA: startLBA, endLBA: endLBA}, nil
}

// SizeLBA returns the number of logical sectors in the volume.
func (v *Volume) SizeLBA() uint64 { return v.endLBA - v.startLBA + 1 }

// SectorSize returns the volume's (logical, physical) sector size, which is
// always its disk's.
func (v *Volume) SectorSize() Size { return v.disk.SectorSize() }

// Writable reports whether the underlying disk accepts writes.
func (v *Volume) Writable() bool { return v.disk.Writable() }

// ReadAt reads nSectors local-LBA-addressed sectors from the volume.
func (v *Volume) ReadAt(localLBA uint64, nSectors uint) ([]byte, error) {
	if err := v.checkLocalBounds(localLBA, nSectors); err != nil {
		return nil, err
	}
	return v.disk.ReadAt(v.startLBA+localLBA, nSectors)
}

// WriteAt writes data at a local-LBA-addressed offset within the volume.
func (v *Volume) WriteAt(localLBA uint64, data []byte, fillZeroes bool) error {
	lss := uint64(v.SectorSize().Logical)
	nSectors := uint((uint64(len(data)) + lss - 1) / lss)
	if err := v.checkLocalBounds(localLBA, nSectors); err != nil {
		return err
	}
	return v.disk.WriteAt(v.startLBA+localLBA, data, fillZeroes)
}

// Flush delegates to the underlying disk.
func (v *Volume) Flush() error { return v.disk.Flush() }

func (v *Volume) checkLocalBounds(localLBA uint64, nSectors uint) error {
	size := v.SizeLBA()
	if localLBA >= size {
		return errors.New(errors.Bounds, "local lba %d is beyond volume end (%d sectors)", localLBA, size)
	}
	if localLBA+uint64(nSectors) > size {
		return errors.New(errors.Bounds, "range [%d, %d) exceeds volume end (%d sectors)", localLBA, localLBA+uint64(nSectors), size)
	}
	return nil
}
