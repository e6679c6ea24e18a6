// Package fatdir implements the FAT directory-entry protocol: 8.3 entries,
// VFAT long-filename chains, filename validation and short-name generation,
// checksums, DOS date/time packing, and the generalized Entry grouping used
// by directory scans.
//
// Field layout and checksum grounding come from
// file_systems/fat/dirent.go's RawDirent (8.3 byte offsets, date/time
// unpacking) and soypat-fat/fat.go's sum_sfn/gen_numname/lfnOffsets (VFAT
// byte layout and short-name tilde generation).
package fatdir

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/dargueta/fatdisk/errors"
)

// Attribute flags for the attributes byte of an 8.3 entry.
const (
	AttrReadOnly   = 0x01
	AttrHidden     = 0x02
	AttrSystem     = 0x04
	AttrVolumeID   = 0x08
	AttrDirectory  = 0x10
	AttrArchive    = 0x20
	AttrVfat       = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

// Case flags, stored in the byte at offset 12 (reused as the VFAT case-info
// byte rather than carrying any NT-specific meaning).
const (
	CaseLowerName = 0x08
	CaseLowerExt  = 0x10
)

const (
	entrySize = 32

	nameFirstByteFree    = 0x00
	nameFirstByteDeleted = 0xE5
	nameFirstByteDotEntry = 0x2E
	nameFirstByteEscapedE5 = 0x05
)

// EightDotThree is the 32-byte on-disk 8.3 directory record.
type EightDotThree struct {
	Name             [8]byte
	Ext              [3]byte
	Attributes       uint8
	CaseFlags        uint8
	CreatedTimeTenMs uint8
	CreatedTime      uint16
	CreatedDate      uint16
	LastAccessDate   uint16
	FirstClusterHigh uint16
	LastWriteTime    uint16
	LastWriteDate    uint16
	FirstClusterLow  uint16
	FileSize         uint32
}

// PackedName returns the 11-byte name+ext block the checksum routines and
// VFAT chain construction operate on.
func (e EightDotThree) PackedName() [11]byte {
	var out [11]byte
	copy(out[0:8], e.Name[:])
	copy(out[8:11], e.Ext[:])
	return out
}

// FirstCluster returns the full 32-bit starting cluster number.
func (e EightDotThree) FirstCluster() uint32 {
	return uint32(e.FirstClusterHigh)<<16 | uint32(e.FirstClusterLow)
}

// IsFree reports whether this slot has never been used, or was deleted (a
// directory scan should stop at the former and skip the latter).
func (e EightDotThree) IsFree() bool   { return e.Name[0] == nameFirstByteFree }
func (e EightDotThree) IsDeleted() bool { return e.Name[0] == nameFirstByteDeleted }
func (e EightDotThree) IsDotEntry() bool {
	return e.Name[0] == nameFirstByteDotEntry
}
func (e EightDotThree) IsVolumeLabel() bool { return e.Attributes&AttrVolumeID != 0 }
func (e EightDotThree) IsVfatAttribute() bool {
	return e.Attributes&0x3F == AttrVfat
}

// DecodeEightDotThree parses one 32-byte directory record.
func DecodeEightDotThree(buf []byte) (EightDotThree, error) {
	if len(buf) != entrySize {
		return EightDotThree{}, errors.New(errors.Validation, "directory entry must be %d bytes, got %d", entrySize, len(buf))
	}
	var e EightDotThree
	copy(e.Name[:], buf[0:8])
	copy(e.Ext[:], buf[8:11])
	e.Attributes = buf[11]
	e.CaseFlags = buf[12]
	e.CreatedTimeTenMs = buf[13]
	e.CreatedTime = binary.LittleEndian.Uint16(buf[14:16])
	e.CreatedDate = binary.LittleEndian.Uint16(buf[16:18])
	e.LastAccessDate = binary.LittleEndian.Uint16(buf[18:20])
	e.FirstClusterHigh = binary.LittleEndian.Uint16(buf[20:22])
	e.LastWriteTime = binary.LittleEndian.Uint16(buf[22:24])
	e.LastWriteDate = binary.LittleEndian.Uint16(buf[24:26])
	e.FirstClusterLow = binary.LittleEndian.Uint16(buf[26:28])
	e.FileSize = binary.LittleEndian.Uint32(buf[28:32])
	return e, nil
}

// Encode serializes the entry back into its 32-byte on-disk form.
func (e EightDotThree) Encode() []byte {
	buf := make([]byte, entrySize)
	copy(buf[0:8], e.Name[:])
	copy(buf[8:11], e.Ext[:])
	buf[11] = e.Attributes
	buf[12] = e.CaseFlags
	buf[13] = e.CreatedTimeTenMs
	binary.LittleEndian.PutUint16(buf[14:16], e.CreatedTime)
	binary.LittleEndian.PutUint16(buf[16:18], e.CreatedDate)
	binary.LittleEndian.PutUint16(buf[18:20], e.LastAccessDate)
	binary.LittleEndian.PutUint16(buf[20:22], e.FirstClusterHigh)
	binary.LittleEndian.PutUint16(buf[22:24], e.LastWriteTime)
	binary.LittleEndian.PutUint16(buf[24:26], e.LastWriteDate)
	binary.LittleEndian.PutUint16(buf[26:28], e.FirstClusterLow)
	binary.LittleEndian.PutUint32(buf[28:32], e.FileSize)
	return buf
}

// dosFilenameChecksum computes the 8-bit rotate-and-add checksum over the
// packed 11-byte name+ext block that every VFAT entry in a chain must share.
func dosFilenameChecksum(packedName [11]byte) byte {
	var c byte
	for _, b := range packedName {
		c = ((c & 1) << 7) + (c >> 1) + b
	}
	return c
}

// DosFilenameChecksum is the exported form used by fatfs and tests.
func DosFilenameChecksum(e EightDotThree) byte {
	return dosFilenameChecksum(e.PackedName())
}

const fatEpochYear = 1980

// PackDate encodes a calendar date into the FAT date field. Dates outside
// 1980..2107 are rejected.
func PackDate(t time.Time) (uint16, error) {
	year := t.Year()
	if year < fatEpochYear || year > fatEpochYear+127 {
		return 0, errors.New(errors.Validation, "year %d is outside the representable FAT range", year)
	}
	return uint16((year-fatEpochYear)<<9) | uint16(t.Month())<<5 | uint16(t.Day()), nil
}

// UnpackDate decodes a FAT date field. An illegal calendar date (e.g. day 0,
// month 13) yields ok=false rather than an error, per spec: the raw bytes
// are kept but the date reads as absent.
func UnpackDate(v uint16) (t time.Time, ok bool) {
	day := int(v & 0x1F)
	month := time.Month((v >> 5) & 0x0F)
	year := fatEpochYear + int(v>>9)
	if day < 1 || day > 31 || month < 1 || month > 12 {
		return time.Time{}, false
	}
	candidate := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if candidate.Day() != day || candidate.Month() != month {
		return time.Time{}, false
	}
	return candidate, true
}

// PackTime encodes a time-of-day into the FAT time field; the returned byte
// is the companion ten-millisecond count (0..199).
func PackTime(t time.Time) (uint16, uint8) {
	packed := uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	tenMs := uint8((t.Second()%2)*100) + uint8(t.Nanosecond()/10_000_000)
	return packed, tenMs
}

// UnpackTime decodes a FAT time field plus its ten-millisecond companion
// byte into an hour/minute/second/nanosecond tuple. tenMs >= 200 means the
// field is invalid and ok is false.
func UnpackTime(v uint16, tenMs uint8) (hour, minute, second, nanos int, ok bool) {
	if tenMs >= 200 {
		return 0, 0, 0, 0, false
	}
	hour = int(v >> 11)
	minute = int((v >> 5) & 0x3F)
	second = int(v&0x1F)*2 + int(tenMs)/100
	nanos = (int(tenMs) % 100) * 10_000_000
	if hour > 23 || minute > 59 || second > 59 {
		return 0, 0, 0, 0, false
	}
	return hour, minute, second, nanos, true
}

// formatDosName renders an 11-byte packed name+ext as "NAME.EXT" (or just
// "NAME" if ext is all spaces), trimming trailing space padding.
func formatDosName(e EightDotThree) string {
	name := strings.TrimRight(string(e.Name[:]), " ")
	ext := strings.TrimRight(string(e.Ext[:]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}
