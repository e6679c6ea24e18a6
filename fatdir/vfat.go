package fatdir

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/dargueta/fatdisk/errors"
)

const (
	vfatAttr        = 0x0F
	vfatLastLFNFlag = 0x40
	vfatSeqMask     = 0x1F
	maxVfatEntries  = 20
	charsPerVfat    = 13
)

// lfnOffsets are the byte offsets, within a 32-byte VFAT entry, of each of
// its 13 UTF-16LE code units. They split into three ranges: 10 bytes right
// after the sequence byte, 12 bytes after checksum/type/attr, and a final 4
// bytes after the (always zero) cluster field.
var lfnOffsets = [charsPerVfat]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

// VfatEntry is one 32-byte VFAT long-filename record.
type VfatEntry struct {
	Sequence uint8 // includes the last-LFN flag (0x40) where applicable
	Chars    [charsPerVfat]uint16
	Checksum uint8
}

// IsLast reports whether this is the first-written, highest-sequence entry
// in its chain (carries the 0x40 flag).
func (v VfatEntry) IsLast() bool { return v.Sequence&vfatLastLFNFlag != 0 }

// SequenceNumber returns the logical sequence number with the last-LFN flag
// stripped (1..20).
func (v VfatEntry) SequenceNumber() uint8 { return v.Sequence & vfatSeqMask }

// DecodeVfatEntry parses a 32-byte record already known to carry the VFAT
// attribute (0x0F).
func DecodeVfatEntry(buf []byte) (VfatEntry, error) {
	if len(buf) != entrySize {
		return VfatEntry{}, errors.New(errors.Validation, "vfat entry must be %d bytes, got %d", entrySize, len(buf))
	}
	if buf[11] != vfatAttr {
		return VfatEntry{}, errors.New(errors.Validation, "vfat entry attribute byte is 0x%02x, want 0x0F", buf[11])
	}
	var v VfatEntry
	v.Sequence = buf[0]
	for i, off := range lfnOffsets {
		v.Chars[i] = binary.LittleEndian.Uint16(buf[off : off+2])
	}
	v.Checksum = buf[13]

	seq := v.SequenceNumber()
	if seq < 1 || seq > maxVfatEntries {
		return VfatEntry{}, errors.New(errors.Validation, "vfat sequence number %d out of range 1..20", seq)
	}
	if binary.LittleEndian.Uint16(buf[26:28]) != 0 {
		return VfatEntry{}, errors.New(errors.Validation, "vfat entry cluster field must be 0")
	}
	return v, nil
}

// Encode serializes a VFAT entry back into its 32-byte on-disk form.
func (v VfatEntry) Encode() []byte {
	buf := make([]byte, entrySize)
	buf[0] = v.Sequence
	buf[11] = vfatAttr
	buf[12] = 0 // type
	buf[13] = v.Checksum
	binary.LittleEndian.PutUint16(buf[26:28], 0) // cluster, always zero
	for i, off := range lfnOffsets {
		binary.LittleEndian.PutUint16(buf[off:off+2], v.Chars[i])
	}
	return buf
}

// BuildVfatChain splits longName into 13-code-unit groups and returns the
// VFAT entries in on-disk order: the first element carries the highest
// sequence number OR'ed with the last-LFN flag, descending to sequence 1
// (the entry immediately preceding the 8.3 entry).
func BuildVfatChain(longName string, packedShortName [11]byte) ([]VfatEntry, error) {
	units := utf16Units(longName)
	if len(units) == 0 {
		return nil, errors.New(errors.Validation, "long filename is empty")
	}

	groupCount := (len(units) + charsPerVfat - 1) / charsPerVfat
	if groupCount > maxVfatEntries {
		return nil, errors.New(errors.Validation, "long filename of %d UTF-16 units needs %d VFAT entries, max is 20", len(units), groupCount)
	}

	checksum := dosFilenameChecksum(packedShortName)
	logical := make([]VfatEntry, groupCount)
	for g := 0; g < groupCount; g++ {
		var chars [charsPerVfat]uint16
		for i := 0; i < charsPerVfat; i++ {
			idx := g*charsPerVfat + i
			switch {
			case idx < len(units):
				chars[i] = units[idx]
			case idx == len(units):
				chars[i] = 0
			default:
				chars[i] = 0xFFFF
			}
		}
		logical[g] = VfatEntry{
			Sequence: uint8(g + 1),
			Chars:    chars,
			Checksum: checksum,
		}
	}
	logical[groupCount-1].Sequence |= vfatLastLFNFlag

	// Reverse into on-disk order: highest sequence (with the flag) first.
	onDisk := make([]VfatEntry, groupCount)
	for i, e := range logical {
		onDisk[groupCount-1-i] = e
	}
	return onDisk, nil
}

// ReassembleLongName decodes a chain of VFAT entries, given in on-disk
// order (descending sequence, last-LFN flag first), back into its UTF-16LE
// filename. The caller is responsible for having already validated sequence
// contiguity and shared checksum (see Entry).
func ReassembleLongName(chain []VfatEntry) string {
	// Logical order is ascending sequence, i.e. the reverse of on-disk order.
	var units []uint16
	for i := len(chain) - 1; i >= 0; i-- {
		for _, c := range chain[i].Chars {
			if c == 0 || c == 0xFFFF {
				return utf16ToString(units)
			}
			units = append(units, c)
		}
	}
	return utf16ToString(units)
}

func utf16Units(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func utf16ToString(units []uint16) string {
	return string(utf16.Decode(units))
}
