package fatbpb

import (
	"encoding/binary"

	"github.com/dargueta/fatdisk/errors"
)

// Serialize encodes a BootSector back into a 512-byte reserved sector. It is
// the inverse of Parse: for every variant, Parse(Serialize(x)) reproduces x's
// fields exactly (boot code is preserved verbatim; any padding Parse
// stripped from BootCode's length is re-added as zero bytes).
func Serialize(boot *BootSector) ([]byte, error) {
	buf := make([]byte, bootSectorSize)
	copy(buf[0:3], boot.Start.Jump[:])
	copy(buf[3:11], boot.Start.OEMName[:])

	bootCodeStart := 62
	if boot.Bpb.IsFAT32() {
		bootCodeStart = 90
	}

	switch v := boot.Bpb.(type) {
	case BpbDos200:
		encodeDos200(buf, v)
	case BpbDos331:
		encodeDos331(buf, v)
	case ShortEbpbFat:
		encodeShortEbpbFat(buf, v)
	case EbpbFat:
		encodeEbpbFat(buf, v)
	case ShortEbpbFat32:
		encodeShortEbpbFat32(buf, v)
	case EbpbFat32:
		encodeEbpbFat32(buf, v)
	default:
		return nil, errors.New(errors.Validation, "unrecognized bpb variant %T", v)
	}

	copy(buf[bootCodeStart:signatureOffset], boot.BootCode)
	binary.LittleEndian.PutUint16(buf[signatureOffset:], 0xAA55)
	return buf, nil
}

func encodeDos200(buf []byte, b BpbDos200) {
	binary.LittleEndian.PutUint16(buf[11:13], b.BytesPerSector)
	buf[13] = b.SectorsPerCluster
	binary.LittleEndian.PutUint16(buf[14:16], b.ReservedSectors)
	buf[16] = b.NumFATs
	binary.LittleEndian.PutUint16(buf[17:19], b.RootDirEntries)
	binary.LittleEndian.PutUint16(buf[19:21], b.TotalSectors16)
	buf[21] = b.Media
	binary.LittleEndian.PutUint16(buf[22:24], b.FATSize16)
}

func encodeDos331(buf []byte, b BpbDos331) {
	encodeDos200(buf, b.BpbDos200)
	binary.LittleEndian.PutUint16(buf[24:26], b.SectorsPerTrack)
	binary.LittleEndian.PutUint16(buf[26:28], b.Heads)
	binary.LittleEndian.PutUint32(buf[28:32], b.HiddenSectors)
	binary.LittleEndian.PutUint32(buf[32:36], b.TotalSectors32)
}

func encodeShortEbpbFat(buf []byte, b ShortEbpbFat) {
	encodeDos331(buf, b.BpbDos331)
	buf[36] = b.PhysDriveNumber
	buf[37] = b.Reserved1
	buf[38] = b.ExtBootSignature
}

func encodeEbpbFat(buf []byte, b EbpbFat) {
	encodeShortEbpbFat(buf, b.ShortEbpbFat)
	binary.LittleEndian.PutUint32(buf[39:43], b.VolumeID)
	copy(buf[43:54], b.VolumeLabel[:])
	copy(buf[54:62], b.FSType[:])
}

func encodeShortEbpbFat32(buf []byte, b ShortEbpbFat32) {
	encodeDos331(buf, b.BpbDos331)
	binary.LittleEndian.PutUint32(buf[36:40], b.FATSize32)
	binary.LittleEndian.PutUint16(buf[40:42], b.MirroringFlags)
	binary.LittleEndian.PutUint16(buf[42:44], b.FSVersion)
	binary.LittleEndian.PutUint32(buf[44:48], b.RootDirStartCluster)
	binary.LittleEndian.PutUint16(buf[48:50], b.FSInfoSector)
	binary.LittleEndian.PutUint16(buf[50:52], b.BackupBootSector)
	copy(buf[52:64], b.Reserved1[:])
	buf[64] = b.PhysDriveNumber
	buf[65] = b.Reserved2
	buf[66] = b.ExtBootSignature
}

func encodeEbpbFat32(buf []byte, b EbpbFat32) {
	encodeShortEbpbFat32(buf, b.ShortEbpbFat32)
	binary.LittleEndian.PutUint32(buf[67:71], b.VolumeID)
	copy(buf[71:82], b.VolumeLabel[:])
	copy(buf[82:90], b.FSType[:])
}
