// Package gpt implements the GUID Partition Table codec: dual primary/
// backup headers with CRC32 verification, the partition array, primary/
// backup fallback, and usable-LBA accounting.
//
// The byte-offset accessor style (plain encoding/binary gets/sets over a
// fixed-size []byte, no reflection) follows soypat-fat's internal/gpt
// package; GUIDs are represented with github.com/google/uuid rather than
// raw [16]byte, the library seen serving the same role in the retrieved
// pack's os-image-composer tool.
package gpt

import (
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dargueta/fatdisk/errors"
)

const (
	headerSize       = 92
	signatureValue   = "EFI PART"
	revisionValue    = 0x00010000
	minEntrySize     = 128
	minEntriesCount  = 128
	pteNameOffset    = 56
	pteNameLenBytes  = 72
	entryLength      = 128
	primaryHeaderLBA = 1

	// MinLogicalSectorSize is the smallest logical sector size the GPT
	// format is defined over.
	MinLogicalSectorSize = 512
)

// Header is the 92-byte GPT header, primary or backup.
type Header struct {
	Revision              uint32
	HeaderSize            uint32
	CRC32                 uint32
	CurrentLBA            uint64
	AlternateLBA          uint64
	FirstUsableLBA        uint64
	LastUsableLBA         uint64
	DiskGUID              uuid.UUID
	PartitionEntryLBA     uint64
	NumberOfPartitions    uint32
	SizeOfPartitionEntry  uint32
	PartitionArrayCRC32   uint32
}

// PartitionEntry is one 128-byte record of the GPT partition array.
type PartitionEntry struct {
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       string
}

func (e PartitionEntry) isEmpty() bool {
	return e.TypeGUID == uuid.Nil
}

// Table is a fully parsed GPT: the disk GUID, the partition array (empty
// entries dropped), and an optional hybrid/custom MBR remembered from the
// protective-MBR slot when it didn't look like a plain protective MBR.
type Table struct {
	DiskGUID  uuid.UUID
	Entries   []PartitionEntry
	CustomMBR []byte // raw 512-byte sector, nil if the MBR was a plain protective MBR
}

// NumPartitions implements sector.PartitionTable.
func (t *Table) NumPartitions() int { return len(t.Entries) }

func encodeHeader(h Header, entryCount uint32) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], signatureValue)
	binary.LittleEndian.PutUint32(buf[8:12], revisionValue)
	binary.LittleEndian.PutUint32(buf[12:16], headerSize)
	// buf[16:20] CRC32 left zero for now, filled in by caller after full
	// computation.
	binary.LittleEndian.PutUint64(buf[24:32], h.CurrentLBA)
	binary.LittleEndian.PutUint64(buf[32:40], h.AlternateLBA)
	binary.LittleEndian.PutUint64(buf[40:48], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(buf[48:56], h.LastUsableLBA)
	guidBytes, _ := h.DiskGUID.MarshalBinary()
	copy(buf[56:72], guidBytes)
	binary.LittleEndian.PutUint64(buf[72:80], h.PartitionEntryLBA)
	binary.LittleEndian.PutUint32(buf[80:84], entryCount)
	binary.LittleEndian.PutUint32(buf[84:88], entryLength)
	binary.LittleEndian.PutUint32(buf[88:92], h.PartitionArrayCRC32)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, errors.New(errors.Validation, "gpt header shorter than %d bytes", headerSize)
	}
	if string(buf[0:8]) != signatureValue {
		return Header{}, errors.New(errors.Validation, "gpt header signature mismatch")
	}
	h := Header{
		Revision:             binary.LittleEndian.Uint32(buf[8:12]),
		HeaderSize:           binary.LittleEndian.Uint32(buf[12:16]),
		CRC32:                binary.LittleEndian.Uint32(buf[16:20]),
		CurrentLBA:           binary.LittleEndian.Uint64(buf[24:32]),
		AlternateLBA:         binary.LittleEndian.Uint64(buf[32:40]),
		FirstUsableLBA:       binary.LittleEndian.Uint64(buf[40:48]),
		LastUsableLBA:        binary.LittleEndian.Uint64(buf[48:56]),
		PartitionEntryLBA:    binary.LittleEndian.Uint64(buf[72:80]),
		NumberOfPartitions:   binary.LittleEndian.Uint32(buf[80:84]),
		SizeOfPartitionEntry: binary.LittleEndian.Uint32(buf[84:88]),
		PartitionArrayCRC32:  binary.LittleEndian.Uint32(buf[88:92]),
	}
	guid, err := uuid.FromBytes(buf[56:72])
	if err != nil {
		return Header{}, errors.Wrap(errors.Validation, err, "malformed disk guid")
	}
	h.DiskGUID = guid

	if h.HeaderSize < headerSize {
		return Header{}, errors.New(errors.Validation, "header_size %d below minimum %d", h.HeaderSize, headerSize)
	}
	if h.SizeOfPartitionEntry < minEntrySize || h.SizeOfPartitionEntry&(h.SizeOfPartitionEntry-1) != 0 {
		return Header{}, errors.New(errors.Validation, "entry_size %d must be a power of two >= %d", h.SizeOfPartitionEntry, minEntrySize)
	}
	if h.NumberOfPartitions < minEntriesCount {
		return Header{}, errors.New(errors.Validation, "entries_count %d below minimum %d", h.NumberOfPartitions, minEntriesCount)
	}
	return h, nil
}

func headerCRC32(buf []byte) uint32 {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	binary.LittleEndian.PutUint32(tmp[16:20], 0)
	return crc32.ChecksumIEEE(tmp)
}

// arraySectors returns how many logical sectors the partition array spans.
func arraySectors(entriesCount, entrySize uint32, lss uint32) uint64 {
	byteLen := uint64(entriesCount) * uint64(entrySize)
	return (byteLen + uint64(lss) - 1) / uint64(lss)
}

func encodeEntry(e PartitionEntry) []byte {
	buf := make([]byte, entryLength)
	typeBytes, _ := e.TypeGUID.MarshalBinary()
	uniqueBytes, _ := e.UniqueGUID.MarshalBinary()
	copy(buf[0:16], typeBytes)
	copy(buf[16:32], uniqueBytes)
	binary.LittleEndian.PutUint64(buf[32:40], e.FirstLBA)
	binary.LittleEndian.PutUint64(buf[40:48], e.LastLBA)
	binary.LittleEndian.PutUint64(buf[48:56], e.Attributes)
	writeUTF16Name(buf[pteNameOffset:pteNameOffset+pteNameLenBytes], e.Name)
	return buf
}

func decodeEntry(buf []byte) (PartitionEntry, error) {
	typeGUID, err := uuid.FromBytes(buf[0:16])
	if err != nil {
		return PartitionEntry{}, errors.Wrap(errors.Validation, err, "malformed partition type guid")
	}
	uniqueGUID, err := uuid.FromBytes(buf[16:32])
	if err != nil {
		return PartitionEntry{}, errors.Wrap(errors.Validation, err, "malformed unique partition guid")
	}
	return PartitionEntry{
		TypeGUID:   typeGUID,
		UniqueGUID: uniqueGUID,
		FirstLBA:   binary.LittleEndian.Uint64(buf[32:40]),
		LastLBA:    binary.LittleEndian.Uint64(buf[40:48]),
		Attributes: binary.LittleEndian.Uint64(buf[48:56]),
		Name:       readUTF16Name(buf[pteNameOffset:pteNameOffset+pteNameLenBytes]),
	}, nil
}

// writeUTF16Name packs name as UTF-16LE into dst, zero-filling the
// remainder (up to 36 UTF-16 code units / 72 bytes).
func writeUTF16Name(dst []byte, name string) {
	for i := range dst {
		dst[i] = 0
	}
	units := utf16.Encode([]rune(name))
	maxUnits := len(dst) / 2
	if len(units) > maxUnits {
		units = units[:maxUnits]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], u)
	}
}

func readUTF16Name(src []byte) string {
	units := make([]uint16, len(src)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(src[i*2 : i*2+2])
	}
	// Truncate at the first NUL code unit.
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	runes := utf16.Decode(units)
	buf := make([]byte, 0, len(runes)*utf8.UTFMax)
	for _, r := range runes {
		buf = utf8.AppendRune(buf, r)
	}
	return string(buf)
}
