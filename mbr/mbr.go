// Package mbr implements the classic 512-byte Master Boot Record partition
// table: parsing, emission, CHS<->LBA back-derivation, and the overlap/
// bounds/alignment checks the rest of the library relies on.
//
// The codec style — fixed byte offsets read and written with
// encoding/binary, no reflection — follows soypat-fat's internal/mbr
// package and ostafen-digler's internal/disk/mbr.go.
package mbr

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/dargueta/fatdisk/errors"
)

const (
	// MinLogicalSectorSize is the smallest logical sector size the MBR
	// format is defined over.
	MinLogicalSectorSize = 512

	tableSize     = 512
	bootCodeSize  = 446
	entrySize     = 16
	numEntries    = 4
	signatureByte = 0x1FE

	geometryHeads        = 255
	geometrySectors      = 63
	maxUnambiguousLBA    = 1024*255*63 - 1
	chsOverflowCylinder  = 1023
	chsOverflowHead      = 255
	chsOverflowSector    = 63
	bootIndicatorActive  = 0x80
	bootIndicatorInative = 0x00
)

// CHS is a legacy Cylinder/Head/Sector address triple.
type CHS struct {
	Cylinder uint16
	Head     uint8
	Sector   uint8
}

// LBAToCHS converts a logical block address to a CHS triple using the fixed
// geometry H=255, S=63. LBAs beyond the addressable range yield the
// (1023, 255, 63) overflow sentinel without further validity checks.
func LBAToCHS(lba uint32) CHS {
	if lba > maxUnambiguousLBA {
		return CHS{Cylinder: chsOverflowCylinder, Head: chsOverflowHead, Sector: chsOverflowSector}
	}
	const spc = geometrySectors * geometryHeads
	cylinder := lba / spc
	head := (lba % spc) / geometrySectors
	sector := lba%geometrySectors + 1
	return CHS{Cylinder: uint16(cylinder), Head: uint8(head), Sector: uint8(sector)}
}

func packCHS(c CHS) [3]byte {
	// Cylinder is split across the sector byte's top two bits (classic INT
	// 13h packing): byte0 = head, byte1 = (sector & 0x3F) | ((cyl>>2) & 0xC0),
	// byte2 = cyl & 0xFF.
	var out [3]byte
	out[0] = c.Head
	out[1] = (c.Sector & 0x3F) | uint8((c.Cylinder>>2)&0xC0)
	out[2] = uint8(c.Cylinder & 0xFF)
	return out
}

func unpackCHS(b [3]byte) CHS {
	head := b[0]
	sector := b[1] & 0x3F
	cylinder := uint16(b[2]) | (uint16(b[1]&0xC0) << 2)
	return CHS{Cylinder: cylinder, Head: head, Sector: sector}
}

// PartitionEntry is one 16-byte record of the MBR partition array.
type PartitionEntry struct {
	Bootable bool
	CHSStart CHS
	Type     uint8
	CHSEnd   CHS
	StartLBA uint32
	// LengthLBA is the partition's length in logical sectors.
	LengthLBA uint32
}

// EndLBA is the inclusive last LBA covered by the partition.
func (e PartitionEntry) EndLBA() uint32 {
	return e.StartLBA + e.LengthLBA - 1
}

func (e PartitionEntry) isEmpty() bool {
	return e.Type == 0 || e.LengthLBA == 0
}

// Table is a parsed MBR: up to four partitions (empty entries are dropped
// on load) plus the 446 bytes of boot code that precede the table.
type Table struct {
	BootCode [bootCodeSize]byte
	Entries  []PartitionEntry
}

// NumPartitions implements sector.PartitionTable.
func (t *Table) NumPartitions() int { return len(t.Entries) }

// Parse decodes a 512-byte MBR sector. Hard violations return a
// errors.Validation error; advisory violations (bounds, alignment) are
// appended to warnings and do not fail the parse. diskTotalLBA, lss, and pss
// are used only to evaluate those advisory checks; pass 0 to skip a check
// (diskTotalLBA == 0 skips bounds/overlap, lss == 0 || pss == 0 skips
// alignment).
func Parse(data []byte, diskTotalLBA uint64, lss, pss uint32, warnings *errors.WarningSink) (*Table, error) {
	if len(data) != tableSize {
		return nil, errors.New(errors.Validation, "mbr sector must be exactly %d bytes, got %d", tableSize, len(data))
	}
	if binary.LittleEndian.Uint16(data[signatureByte:]) != 0xAA55 {
		return nil, errors.New(errors.Validation, "missing 0x55AA boot signature")
	}

	t := &Table{}
	copy(t.BootCode[:], data[:bootCodeSize])

	for i := 0; i < numEntries; i++ {
		off := bootCodeSize + i*entrySize
		raw := data[off : off+entrySize]

		entry := PartitionEntry{
			Bootable:  raw[0]&bootIndicatorActive != 0,
			CHSStart:  unpackCHS([3]byte{raw[1], raw[2], raw[3]}),
			Type:      raw[4],
			CHSEnd:    unpackCHS([3]byte{raw[5], raw[6], raw[7]}),
			StartLBA:  binary.LittleEndian.Uint32(raw[8:12]),
			LengthLBA: binary.LittleEndian.Uint32(raw[12:16]),
		}

		if entry.isEmpty() {
			continue
		}
		if entry.StartLBA == 0 {
			return nil, errors.New(errors.Validation, "partition %d has type 0x%02x but start_lba == 0", i, entry.Type)
		}
		t.Entries = append(t.Entries, entry)
	}

	if diskTotalLBA > 0 {
		checkBoundsAndOverlap(t.Entries, diskTotalLBA, warnings, false)
	}
	if lss > 0 && pss > 0 {
		checkAlignment(t.Entries, lss, pss, warnings)
	}
	return t, nil
}

// checkAlignment warns for each partition whose start isn't aligned to the
// disk's physical sector size, per spec §4.2/§7 (Alignment is advisory on
// load). A pss no finer than lss has nothing to warn about.
func checkAlignment(entries []PartitionEntry, lss, pss uint32, warnings *errors.WarningSink) {
	if warnings == nil || pss <= lss {
		return
	}
	for _, e := range entries {
		startByte := uint64(e.StartLBA) * uint64(lss)
		if startByte%uint64(pss) != 0 {
			warnings.Add("partition starting at lba %d (byte offset %d) is not aligned to physical sector size %d", e.StartLBA, startByte, pss)
		}
	}
}

// checkBoundsAndOverlap validates each partition's bounds against
// [1, diskTotalLBA-1] and checks for overlap between sorted partitions. When
// hardFail is true (emission path), violations return an error instead of
// being recorded as warnings.
func checkBoundsAndOverlap(entries []PartitionEntry, diskTotalLBA uint64, warnings *errors.WarningSink, hardFail bool) error {
	sorted := make([]PartitionEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartLBA < sorted[j].StartLBA })

	report := func(format string, args ...interface{}) error {
		if hardFail {
			return errors.New(errors.Bounds, format, args...)
		}
		warnings.Add(format, args...)
		return nil
	}

	var previousEnd uint64
	haveOne := false
	for _, e := range sorted {
		if uint64(e.StartLBA) < 1 || uint64(e.EndLBA()) > diskTotalLBA-1 {
			if err := report("partition [start=%d len=%d] lies outside usable range [1, %d]", e.StartLBA, e.LengthLBA, diskTotalLBA-1); err != nil {
				return err
			}
		}
		if haveOne && uint64(e.StartLBA) <= previousEnd {
			if err := report("partition starting at %d overlaps the previous partition ending at %d", e.StartLBA, previousEnd); err != nil {
				return err
			}
		}
		previousEnd = uint64(e.EndLBA())
		haveOne = true
	}
	return nil
}

// Serialize encodes the table back into a 512-byte MBR sector. It pads the
// entry list to four slots and fails hard (instead of warning) on overlap,
// matching write_to_disk semantics.
func (t *Table) Serialize(diskTotalLBA uint64) ([]byte, error) {
	if err := checkBoundsAndOverlap(t.Entries, diskTotalLBA, nil, true); err != nil {
		return nil, err
	}

	out := make([]byte, tableSize)
	copy(out[:bootCodeSize], t.BootCode[:])

	for i := 0; i < numEntries; i++ {
		off := bootCodeSize + i*entrySize
		if i >= len(t.Entries) {
			continue // zero entry
		}
		e := t.Entries[i]
		if e.StartLBA == 0 {
			return nil, errors.New(errors.Validation, "partition %d has start_lba == 0", i)
		}

		raw := out[off : off+entrySize]
		if e.Bootable {
			raw[0] = bootIndicatorActive
		} else {
			raw[0] = bootIndicatorInative
		}

		startCHS := packCHS(LBAToCHS(e.StartLBA))
		endCHS := packCHS(LBAToCHS(e.EndLBA()))
		copy(raw[1:4], startCHS[:])
		raw[4] = e.Type
		copy(raw[5:8], endCHS[:])
		binary.LittleEndian.PutUint32(raw[8:12], e.StartLBA)
		binary.LittleEndian.PutUint32(raw[12:16], e.LengthLBA)
	}

	binary.LittleEndian.PutUint16(out[signatureByte:], 0xAA55)
	return out, nil
}

// String renders a human-readable summary of the table, in the spirit of
// ostafen-digler's MBR describer methods.
func (t *Table) String() string {
	s := fmt.Sprintf("MBR with %d partition(s):", len(t.Entries))
	for i, e := range t.Entries {
		s += fmt.Sprintf("\n  [%d] type=0x%02x start=%d len=%d bootable=%v", i, e.Type, e.StartLBA, e.LengthLBA, e.Bootable)
	}
	return s
}

// IsProtectiveMBR reports whether t is a GPT protective MBR: exactly one
// partition, of type 0xEE, starting at LBA 1 and covering the whole disk
// (or as much as a 32-bit length field can express).
func (t *Table) IsProtectiveMBR(diskTotalLBA uint64) bool {
	if len(t.Entries) != 1 {
		return false
	}
	e := t.Entries[0]
	if e.Type != 0xEE || e.StartLBA != 1 {
		return false
	}
	maxLen := diskTotalLBA - 1
	if maxLen > 0xFFFFFFFF {
		maxLen = 0xFFFFFFFF
	}
	return uint64(e.LengthLBA) == maxLen
}
