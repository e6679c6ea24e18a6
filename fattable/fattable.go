// Package fattable implements the File Allocation Table itself: an
// array-like abstraction indexed by cluster number, whose values are either
// further cluster numbers or bit-width-specific sentinels.
//
// The single-sector (two for FAT12) write-back buffer is adapted from
// file_systems/common/blockcache/blockcache.go's fetch/flush/dirty
// discipline, narrowed to the one-window-at-a-time access pattern the FAT
// engine actually needs instead of a general block cache. Flushing that
// buffer to every FAT copy in turn uses go-multierror to keep writing the
// remaining copies even after one fails, the same way errors.WarningSink
// accumulates non-fatal issues.
package fattable

import (
	"encoding/binary"

	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fatbpb"
	"github.com/dargueta/fatdisk/sector"
)

const mask28 = 0x0FFFFFFF

// sentinels holds the empty/reserved/bad/eoc/avoid-data values for one FAT
// bit width.
type sentinels struct {
	empty, reserved, bad, eoc, avoidData uint32
}

var sentinelsByType = map[fatbpb.FatType]sentinels{
	fatbpb.FAT12: {empty: 0x000, reserved: 0x001, bad: 0xFF7, eoc: 0xFFF, avoidData: 0xFF0},
	fatbpb.FAT16: {empty: 0x0000, reserved: 0x0001, bad: 0xFFF7, eoc: 0xFFFF, avoidData: 0xFFF0},
	fatbpb.FAT32: {empty: 0x0, reserved: 0x1, bad: 0x0FFFFFF7, eoc: 0x0FFFFFFF, avoidData: 0x0FFFFFF0},
}

// Fat is a loaded File Allocation Table: one cluster-link array backed by
// numCopies identical on-disk copies.
type Fat struct {
	fatType       fatbpb.FatType
	numCopies     int
	lss           uint32
	fatSizeSectors uint32
	startLBA      uint64 // first sector of the first FAT copy, volume-local
	totalClusters uint32
	vol           *sector.Volume

	bufWindowSectors uint32
	bufSectorOffset  uint32 // sector index within a copy, relative to startLBA
	buf              []byte
	loaded           bool
	dirty            bool
}

// Load attaches a Fat to an already-validated region of a volume. It reads
// entry 0 and fails Validation if its low byte doesn't match the BPB's
// media type, per spec.
func Load(vol *sector.Volume, fatType fatbpb.FatType, startLBA uint64, fatSizeSectors uint32, numCopies int, lss uint32, totalClusters uint32, mediaType byte) (*Fat, error) {
	windowSectors := uint32(1)
	if fatType == fatbpb.FAT12 {
		windowSectors = 2
	}
	if windowSectors > fatSizeSectors {
		windowSectors = fatSizeSectors
	}

	f := &Fat{
		fatType:          fatType,
		numCopies:        numCopies,
		lss:              lss,
		fatSizeSectors:   fatSizeSectors,
		startLBA:         startLBA,
		totalClusters:    totalClusters,
		vol:              vol,
		bufWindowSectors: windowSectors,
	}

	entry0, err := f.Get(0)
	if err != nil {
		return nil, err
	}
	if byte(entry0) != mediaType {
		return nil, errors.New(errors.Validation, "fat entry 0's low byte 0x%02x does not match bpb media type 0x%02x", byte(entry0), mediaType)
	}
	return f, nil
}

func (f *Fat) sentinels() sentinels { return sentinelsByType[f.fatType] }

// IsEmpty, IsEOC, IsBad, IsReserved report whether a value is that bit
// width's corresponding sentinel.
func (f *Fat) IsEmpty(v uint32) bool    { return v == f.sentinels().empty }
func (f *Fat) IsEOC(v uint32) bool      { return v == f.sentinels().eoc }
func (f *Fat) IsBad(v uint32) bool      { return v == f.sentinels().bad }
func (f *Fat) IsReserved(v uint32) bool { return v == f.sentinels().reserved }

func (f *Fat) offsetAndWidth(cluster uint32) (byteOffset, width uint32) {
	switch f.fatType {
	case fatbpb.FAT12:
		return cluster + cluster/2, 2
	case fatbpb.FAT16:
		return 2 * cluster, 2
	default: // FAT32
		return 4 * cluster, 4
	}
}

// ensureLoaded makes sure the sector(s) covering byteOffset are the
// currently cached window, flushing the previous dirty window first.
func (f *Fat) ensureLoaded(byteOffset uint32) error {
	sectorOffset := byteOffset / f.lss
	windowStart := sectorOffset
	if windowStart+f.bufWindowSectors > f.fatSizeSectors {
		if f.fatSizeSectors < f.bufWindowSectors {
			windowStart = 0
		} else {
			windowStart = f.fatSizeSectors - f.bufWindowSectors
		}
	}

	if f.loaded && windowStart == f.bufSectorOffset {
		return nil
	}
	if f.loaded && f.dirty {
		if err := f.Flush(); err != nil {
			return err
		}
	}

	data, err := f.vol.ReadAt(f.startLBA+uint64(windowStart), uint(f.bufWindowSectors))
	if err != nil {
		return err
	}
	f.buf = data
	f.bufSectorOffset = windowStart
	f.loaded = true
	f.dirty = false
	return nil
}

func (f *Fat) localOffset(byteOffset uint32) uint32 {
	return byteOffset - f.bufSectorOffset*f.lss
}

// Get reads the cluster-link value stored at cluster.
func (f *Fat) Get(cluster uint32) (uint32, error) {
	byteOffset, _ := f.offsetAndWidth(cluster)
	if err := f.ensureLoaded(byteOffset); err != nil {
		return 0, err
	}
	local := f.localOffset(byteOffset)

	switch f.fatType {
	case fatbpb.FAT12:
		if cluster%2 == 0 {
			b0, b1 := f.buf[local], f.buf[local+1]
			return uint32(b0) | uint32(b1&0x0F)<<8, nil
		}
		b1, b2 := f.buf[local], f.buf[local+1]
		return uint32(b1>>4) | uint32(b2)<<4, nil
	case fatbpb.FAT16:
		return uint32(binary.LittleEndian.Uint16(f.buf[local : local+2])), nil
	default: // FAT32
		raw := binary.LittleEndian.Uint32(f.buf[local : local+4])
		return raw & mask28, nil
	}
}

// Set writes value at cluster. For FAT32, the existing top 4 reserved bits
// are preserved.
func (f *Fat) Set(cluster uint32, value uint32) error {
	byteOffset, _ := f.offsetAndWidth(cluster)
	if err := f.ensureLoaded(byteOffset); err != nil {
		return err
	}
	local := f.localOffset(byteOffset)

	switch f.fatType {
	case fatbpb.FAT12:
		if cluster%2 == 0 {
			f.buf[local] = byte(value)
			f.buf[local+1] = (f.buf[local+1] & 0xF0) | byte((value>>8)&0x0F)
		} else {
			f.buf[local] = (f.buf[local] & 0x0F) | byte((value&0x0F)<<4)
			f.buf[local+1] = byte(value >> 4)
		}
	case fatbpb.FAT16:
		binary.LittleEndian.PutUint16(f.buf[local:local+2], uint16(value))
	default: // FAT32
		existing := binary.LittleEndian.Uint32(f.buf[local : local+4])
		merged := (existing &^ mask28) | (value & mask28)
		binary.LittleEndian.PutUint32(f.buf[local:local+4], merged)
	}

	f.dirty = true
	return nil
}

// Flush writes the current buffer to every FAT copy, in order. A write
// failure on one copy doesn't stop the others from being attempted; any
// failures are aggregated and returned together.
func (f *Fat) Flush() error {
	if !f.loaded || !f.dirty {
		return nil
	}
	var result *multierror.Error
	for copyIdx := 0; copyIdx < f.numCopies; copyIdx++ {
		lba := f.startLBA + uint64(copyIdx)*uint64(f.fatSizeSectors) + uint64(f.bufSectorOffset)
		if err := f.vol.WriteAt(lba, f.buf, false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}
	f.dirty = false
	return nil
}

// ChainIterate walks a cluster chain starting at start, yielding start
// itself first, then following fat[c] while the value is in (1,
// bad_cluster_sentinel]. A value outside that range (empty, reserved, or
// above the bad-cluster sentinel, such as EOC) terminates the chain without
// being followed further. The avoid-data sentinel lies inside the range and
// is followed.
func (f *Fat) ChainIterate(start uint32) ([]uint32, error) {
	bad := f.sentinels().bad
	chain := []uint32{start}
	c := start
	for {
		next, err := f.Get(c)
		if err != nil {
			return nil, err
		}
		if !(next > 1 && next <= bad) {
			break
		}
		chain = append(chain, next)
		c = next
	}
	return chain, nil
}

// AllocateFree scans from cluster 2 upward for count empty clusters. It
// does not mark them as used; callers splice them into a chain and call Set
// themselves. Running past the last valid cluster without finding enough
// raises FilesystemLimit.
func (f *Fat) AllocateFree(count int) ([]uint32, error) {
	maxCluster := f.totalClusters + 1
	var found []uint32
	for c := uint32(2); c <= maxCluster && len(found) < count; c++ {
		v, err := f.Get(c)
		if err != nil {
			return nil, err
		}
		if f.IsEmpty(v) {
			found = append(found, c)
		}
	}
	if len(found) < count {
		return nil, errors.New(errors.FilesystemLimit, "not enough free clusters: need %d, found %d", count, len(found))
	}
	return found, nil
}

// EmptyValue, EOCValue, BadValue, ReservedValue, AvoidDataValue expose this
// table's bit-width-specific sentinel constants.
func (f *Fat) EmptyValue() uint32      { return f.sentinels().empty }
func (f *Fat) EOCValue() uint32        { return f.sentinels().eoc }
func (f *Fat) BadValue() uint32        { return f.sentinels().bad }
func (f *Fat) ReservedValue() uint32   { return f.sentinels().reserved }
func (f *Fat) AvoidDataValue() uint32  { return f.sentinels().avoidData }
