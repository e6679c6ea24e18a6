// Package fatbpb implements the FAT reserved region: the boot-sector start
// fields, the BIOS Parameter Block family (six variants, one extending the
// previous), FAT-type derivation, and the derived region geometry the rest
// of the FAT engine is built on.
//
// The variant-extends-variant shape (and its tagged-union dispatch) follows
// this module's own design notes; field offsets are grounded on
// file_systems/fat/common.go's common-prefix parse and cross-checked
// against soypat-fat/tables.go's BPB offset constants.
package fatbpb

import (
	"encoding/binary"
	"strings"

	"github.com/dargueta/fatdisk/errors"
)

const (
	bootSectorSize    = 512
	signatureOffset   = 510
	startFieldsSize   = 11
	dos200FieldsSize  = 25 // offsets 11..35
	fat32ExtraSize    = 54 // offsets 36..89 in the FAT32 layout
	shortEbpbExtra    = 3  // offsets 36..38 in the FAT12/16 layout
	ebpbExtra         = 23 // volume_id(4) + volume_label(11) + fs_type(8)
	extBootSigValid   = 0x29
	mediaFixedDisk    = 0xF8
)

// BootSectorStart is the 11-byte prefix common to every FAT boot sector.
type BootSectorStart struct {
	Jump    [3]byte
	OEMName [8]byte
}

// BpbDos200 is the original DOS 2.0 BPB, the common prefix every later
// variant extends.
type BpbDos200 struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootDirEntries    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
}

// BpbDos331 adds the DOS 3.31 geometry/size fields.
type BpbDos331 struct {
	BpbDos200
	SectorsPerTrack  uint16
	Heads            uint16
	HiddenSectors    uint32
	TotalSectors32   uint32
}

// ShortEbpbFat adds the FAT12/16 extended-BPB fields that exist regardless
// of whether ext_boot_sig gates volume_id/label/fs_type as valid.
type ShortEbpbFat struct {
	BpbDos331
	PhysDriveNumber  uint8
	Reserved1        uint8
	ExtBootSignature uint8
}

// EbpbFat adds the volume_id/label/fs_type fields, valid only when
// ExtBootSignature == 0x29.
type EbpbFat struct {
	ShortEbpbFat
	VolumeID    uint32
	VolumeLabel [11]byte
	FSType      [8]byte
}

// ShortEbpbFat32 adds the FAT32-only extended-BPB fields.
type ShortEbpbFat32 struct {
	BpbDos331
	FATSize32           uint32
	MirroringFlags      uint16
	FSVersion           uint16
	RootDirStartCluster uint32
	FSInfoSector        uint16
	BackupBootSector    uint16
	Reserved1           [12]byte
	PhysDriveNumber     uint8
	Reserved2           uint8
	ExtBootSignature    uint8
}

// EbpbFat32 adds the FAT32 volume_id/label/fs_type fields, valid only when
// ExtBootSignature == 0x29.
type EbpbFat32 struct {
	ShortEbpbFat32
	VolumeID    uint32
	VolumeLabel [11]byte
	FSType      [8]byte
}

// Bpb is implemented by every variant above; it exposes the fields common
// to all six so the rest of the library can operate on the BPB without a
// type switch in the common case.
type Bpb interface {
	common() BpbDos200
	// IsFAT32 reports whether the variant structurally belongs to the
	// FAT32 family (ShortEbpbFat32/EbpbFat32).
	IsFAT32() bool
}

func (b BpbDos200) common() BpbDos200     { return b }
func (b BpbDos200) IsFAT32() bool         { return false }
func (b BpbDos331) common() BpbDos200     { return b.BpbDos200 }
func (b ShortEbpbFat) common() BpbDos200  { return b.BpbDos200 }
func (b EbpbFat) common() BpbDos200       { return b.BpbDos200 }
func (b ShortEbpbFat32) common() BpbDos200 { return b.BpbDos200 }
func (b ShortEbpbFat32) IsFAT32() bool    { return true }
func (b EbpbFat32) common() BpbDos200     { return b.BpbDos200 }
func (b EbpbFat32) IsFAT32() bool         { return true }

// BytesPerSector, SectorsPerCluster, etc. are convenience accessors usable
// on any Bpb.
func BytesPerSector(b Bpb) uint16    { return b.common().BytesPerSector }
func SectorsPerCluster(b Bpb) uint8  { return b.common().SectorsPerCluster }
func ReservedSectors(b Bpb) uint16   { return b.common().ReservedSectors }
func NumFATs(b Bpb) uint8            { return b.common().NumFATs }
func RootDirEntries(b Bpb) uint16    { return b.common().RootDirEntries }
func Media(b Bpb) uint8              { return b.common().Media }

// FATSize16 returns the BPB's 16-bit FAT size field, used by every variant
// except the two FAT32 ones (which store it in FATSize32 instead and leave
// this field zero).
func FATSize16(b Bpb) uint16 { return b.common().FATSize16 }

// FAT32RootCluster returns the BPB's root-directory start cluster and true
// for the two FAT32 variants, whose root directory lives in the data region
// as an ordinary cluster chain rather than a fixed sector range.
func FAT32RootCluster(b Bpb) (uint32, bool) {
	switch v := b.(type) {
	case EbpbFat32:
		return v.RootDirStartCluster, true
	case ShortEbpbFat32:
		return v.RootDirStartCluster, true
	default:
		return 0, false
	}
}

// VolumeIDAndLabel returns the BPB's volume serial number and label, gated
// by ExtBootSignature == 0x29 per spec. ok is false when the variant has no
// such fields, or the gate byte isn't set.
func VolumeIDAndLabel(b Bpb) (id uint32, label string, ok bool) {
	switch v := b.(type) {
	case EbpbFat:
		if v.ExtBootSignature != extBootSigValid {
			return 0, "", false
		}
		return v.VolumeID, strings.TrimRight(string(v.VolumeLabel[:]), " "), true
	case EbpbFat32:
		if v.ExtBootSignature != extBootSigValid {
			return 0, "", false
		}
		return v.VolumeID, strings.TrimRight(string(v.VolumeLabel[:]), " "), true
	default:
		return 0, "", false
	}
}

// FATSizeSectors returns the size of one FAT copy, in sectors, regardless
// of variant.
func FATSizeSectors(b Bpb) uint32 {
	switch v := b.(type) {
	case EbpbFat32:
		return v.FATSize32
	case ShortEbpbFat32:
		return v.FATSize32
	default:
		return uint32(FATSize16(b))
	}
}

// TotalSectors returns the BPB's total sector count, preferring the 32-bit
// DOS 3.31 field when the 16-bit DOS 2.0 field is zero.
func TotalSectors(b Bpb) uint32 {
	if dos331, ok := any(b).(interface{ totalSectors32() uint32 }); ok {
		return dos331.totalSectors32()
	}
	common := b.common()
	if common.TotalSectors16 != 0 {
		return uint32(common.TotalSectors16)
	}
	return 0
}

func (b BpbDos331) totalSectors32() uint32 {
	if b.BpbDos200.TotalSectors16 != 0 {
		return uint32(b.BpbDos200.TotalSectors16)
	}
	return b.TotalSectors32
}
func (b ShortEbpbFat) totalSectors32() uint32    { return b.BpbDos331.totalSectors32() }
func (b EbpbFat) totalSectors32() uint32         { return b.BpbDos331.totalSectors32() }
func (b ShortEbpbFat32) totalSectors32() uint32  { return b.BpbDos331.totalSectors32() }
func (b EbpbFat32) totalSectors32() uint32       { return b.BpbDos331.totalSectors32() }

// BootSector is a fully parsed 512-byte FAT reserved sector.
type BootSector struct {
	Start    BootSectorStart
	Bpb      Bpb
	BootCode []byte
}

func decodeDos200(buf []byte) BpbDos200 {
	return BpbDos200{
		BytesPerSector:    binary.LittleEndian.Uint16(buf[11:13]),
		SectorsPerCluster: buf[13],
		ReservedSectors:   binary.LittleEndian.Uint16(buf[14:16]),
		NumFATs:           buf[16],
		RootDirEntries:    binary.LittleEndian.Uint16(buf[17:19]),
		TotalSectors16:    binary.LittleEndian.Uint16(buf[19:21]),
		Media:             buf[21],
		FATSize16:         binary.LittleEndian.Uint16(buf[22:24]),
	}
}

func decodeDos331(buf []byte) BpbDos331 {
	return BpbDos331{
		BpbDos200:      decodeDos200(buf),
		SectorsPerTrack: binary.LittleEndian.Uint16(buf[24:26]),
		Heads:          binary.LittleEndian.Uint16(buf[26:28]),
		HiddenSectors:  binary.LittleEndian.Uint32(buf[28:32]),
		TotalSectors32: binary.LittleEndian.Uint32(buf[32:36]),
	}
}

func decodeShortEbpbFat(buf []byte) ShortEbpbFat {
	return ShortEbpbFat{
		BpbDos331:        decodeDos331(buf),
		PhysDriveNumber:  buf[36],
		Reserved1:        buf[37],
		ExtBootSignature: buf[38],
	}
}

func decodeEbpbFat(buf []byte) EbpbFat {
	short := decodeShortEbpbFat(buf)
	e := EbpbFat{ShortEbpbFat: short}
	e.VolumeID = binary.LittleEndian.Uint32(buf[39:43])
	copy(e.VolumeLabel[:], buf[43:54])
	copy(e.FSType[:], buf[54:62])
	return e
}

func decodeShortEbpbFat32(buf []byte) ShortEbpbFat32 {
	return ShortEbpbFat32{
		BpbDos331:           decodeDos331(buf),
		FATSize32:           binary.LittleEndian.Uint32(buf[36:40]),
		MirroringFlags:      binary.LittleEndian.Uint16(buf[40:42]),
		FSVersion:           binary.LittleEndian.Uint16(buf[42:44]),
		RootDirStartCluster: binary.LittleEndian.Uint32(buf[44:48]),
		FSInfoSector:        binary.LittleEndian.Uint16(buf[48:50]),
		BackupBootSector:    binary.LittleEndian.Uint16(buf[50:52]),
		Reserved1:           [12]byte(buf[52:64]),
		PhysDriveNumber:     buf[64],
		Reserved2:           buf[65],
		ExtBootSignature:    buf[66],
	}
}


func decodeEbpbFat32(buf []byte) EbpbFat32 {
	short := decodeShortEbpbFat32(buf)
	e := EbpbFat32{ShortEbpbFat32: short}
	e.VolumeID = binary.LittleEndian.Uint32(buf[67:71])
	copy(e.VolumeLabel[:], buf[71:82])
	copy(e.FSType[:], buf[82:90])
	return e
}

// Parse decodes a 512-byte FAT reserved sector. The BPB variant is chosen
// from the sector's shape: fat_size_16 == 0 selects the FAT32 family, and an
// ext_boot_sig of 0x29 selects the extended form within a family. The chosen
// variant is validated once; no other variant is tried when that fails, and
// BpbDos331 and BpbDos200 are never selected.
func Parse(buf []byte, warnings *errors.WarningSink) (*BootSector, error) {
	if len(buf) != bootSectorSize {
		return nil, errors.New(errors.Validation, "boot sector must be exactly %d bytes, got %d", bootSectorSize, len(buf))
	}
	if binary.LittleEndian.Uint16(buf[signatureOffset:]) != 0xAA55 {
		return nil, errors.New(errors.Validation, "missing 0x55AA boot signature")
	}

	start := BootSectorStart{}
	copy(start.Jump[:], buf[0:3])
	copy(start.OEMName[:], buf[3:11])
	checkStart(start, warnings)

	var bpb Bpb
	switch {
	case isFAT32Shape(buf) && buf[66] == extBootSigValid:
		bpb = decodeEbpbFat32(buf)
	case isFAT32Shape(buf):
		bpb = decodeShortEbpbFat32(buf)
	case !isFAT32Shape(buf) && buf[38] == extBootSigValid:
		bpb = decodeEbpbFat(buf)
	case !isFAT32Shape(buf):
		bpb = decodeShortEbpbFat(buf)
	}
	if bpb == nil {
		bpb = decodeDos331(buf)
	}

	if err := validate(bpb, warnings); err != nil {
		return nil, err
	}

	bootCodeStart := 62
	if bpb.IsFAT32() {
		bootCodeStart = 90
	}
	bootCode := make([]byte, signatureOffset-bootCodeStart)
	copy(bootCode, buf[bootCodeStart:signatureOffset])
	allZero := true
	for _, b := range bootCode {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		warnings.Add("boot code is empty")
	}

	return &BootSector{Start: start, Bpb: bpb, BootCode: bootCode}, nil
}

// isFAT32Shape decides, from the disk layout alone, whether the reserved
// fields at offset 36 should be interpreted as the FAT32 extended BPB
// (fat_size_16 == 0 is how FAT32 signals "my FAT size lives at offset 36
// as a 32-bit field instead").
func isFAT32Shape(buf []byte) bool {
	return binary.LittleEndian.Uint16(buf[22:24]) == 0
}

func checkStart(s BootSectorStart, warnings *errors.WarningSink) {
	validJump := (s.Jump[0] == 0xEB) || (s.Jump[0] == 0xE9) || (s.Jump[0] == 0x90 && s.Jump[1] == 0xEB)
	if !validJump {
		warnings.Add("jump instruction %x does not match a recognized form", s.Jump)
	}
}

func validate(b Bpb, warnings *errors.WarningSink) error {
	c := b.common()

	if c.BytesPerSector == 0 || c.BytesPerSector&(c.BytesPerSector-1) != 0 || c.BytesPerSector < 32 {
		return errors.New(errors.Validation, "bytes_per_sector %d is not a power of two >= 32", c.BytesPerSector)
	}
	if b.IsFAT32() && c.BytesPerSector < 512 {
		return errors.New(errors.Validation, "fat32 requires bytes_per_sector >= 512, got %d", c.BytesPerSector)
	} else if c.BytesPerSector < 128 {
		return errors.New(errors.Validation, "fat requires bytes_per_sector >= 128, got %d", c.BytesPerSector)
	}

	if c.SectorsPerCluster == 0 || c.SectorsPerCluster&(c.SectorsPerCluster-1) != 0 {
		return errors.New(errors.Validation, "sectors_per_cluster %d is not a power of two", c.SectorsPerCluster)
	}

	if (uint32(c.RootDirEntries)*32)%uint32(c.BytesPerSector) != 0 {
		return errors.New(errors.Validation, "root_dir_entries*32 is not a multiple of bytes_per_sector")
	}

	if c.Media != 0xF0 && (c.Media < 0xF8 || c.Media > 0xFF) {
		return errors.New(errors.Validation, "media type 0x%02x is not recognized", c.Media)
	}

	if b.IsFAT32() {
		if c.RootDirEntries != 0 {
			return errors.New(errors.Validation, "fat32 must have root_dir_entries == 0")
		}
		if c.TotalSectors16 != 0 {
			return errors.New(errors.Validation, "fat32 must have total_sectors_16 == 0")
		}
		if c.FATSize16 != 0 {
			return errors.New(errors.Validation, "fat32 must have fat_size_16 == 0")
		}
		if FATSizeSectors(b) == 0 {
			return errors.New(errors.Validation, "fat32 fat_size_32 must be nonzero")
		}

		var fsInfo uint16
		switch v := b.(type) {
		case EbpbFat32:
			fsInfo = v.FSInfoSector
		case ShortEbpbFat32:
			fsInfo = v.FSInfoSector
		}
		if fsInfo != 0 && fsInfo != 1 && fsInfo != 0xFFFF {
			return errors.New(errors.Validation, "fsinfo_sector %d is not 0, 1, or 0xFFFF", fsInfo)
		}
	}

	return nil
}
