package fatbpb_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fatbpb"
)

// buildFAT16Sector constructs a 512-byte reserved sector for a 4 MiB FAT16
// volume, cluster size 1 sector, matching the E3 scenario's parameters.
func buildFAT16Sector(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 512)
	buf[0], buf[1], buf[2] = 0xEB, 0x3C, 0x90
	copy(buf[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(buf[11:13], 512) // bytes_per_sector
	buf[13] = 1                                    // sectors_per_cluster
	binary.LittleEndian.PutUint16(buf[14:16], 1)   // reserved_sectors
	buf[16] = 2                                    // num_fats
	binary.LittleEndian.PutUint16(buf[17:19], 512) // root_dir_entries
	binary.LittleEndian.PutUint16(buf[19:21], 8192) // total_sectors_16
	buf[21] = 0xF8                                  // media
	binary.LittleEndian.PutUint16(buf[22:24], 32)   // fat_size_16
	binary.LittleEndian.PutUint16(buf[24:26], 63)   // sectors_per_track
	binary.LittleEndian.PutUint16(buf[26:28], 255)  // heads
	binary.LittleEndian.PutUint32(buf[28:32], 0)    // hidden_sectors
	binary.LittleEndian.PutUint32(buf[32:36], 0)    // total_sectors_32
	buf[36] = 0x80                                  // phys_drive_number
	buf[37] = 0                                     // reserved
	buf[38] = 0x29                                  // ext_boot_sig
	binary.LittleEndian.PutUint32(buf[39:43], 0x12345678)
	copy(buf[43:54], "NO NAME    ")
	copy(buf[54:62], "FAT16   ")
	buf[510], buf[511] = 0x55, 0xAA
	return buf
}

func TestParse_FAT16(t *testing.T) {
	boot, err := fatbpb.Parse(buildFAT16Sector(t), errors.NewWarningSink())
	require.NoError(t, err)

	ebpb, ok := boot.Bpb.(fatbpb.EbpbFat)
	require.True(t, ok)
	require.EqualValues(t, 512, fatbpb.BytesPerSector(boot.Bpb))
	require.EqualValues(t, "NO NAME    ", string(ebpb.VolumeLabel[:]))

	geom, err := fatbpb.DeriveGeometry(boot.Bpb)
	require.NoError(t, err)
	require.Equal(t, fatbpb.FAT16, geom.Type)
	require.EqualValues(t, 1, geom.FatRegionStart)
	require.EqualValues(t, 64, geom.FatRegionSize)
	require.EqualValues(t, 65, geom.RootDirStart)
	require.EqualValues(t, 32, geom.RootDirSize)
	require.EqualValues(t, 97, geom.DataStart)
	require.EqualValues(t, 8095, geom.TotalClusters)
}

func TestDetermineFATType_Thresholds(t *testing.T) {
	require.Equal(t, fatbpb.FAT12, fatbpb.DetermineFATType(4084))
	require.Equal(t, fatbpb.FAT16, fatbpb.DetermineFATType(4085))
	require.Equal(t, fatbpb.FAT16, fatbpb.DetermineFATType(65524))
	require.Equal(t, fatbpb.FAT32, fatbpb.DetermineFATType(65525))
}

func TestParse_RejectsBadSignature(t *testing.T) {
	buf := make([]byte, 512)
	_, err := fatbpb.Parse(buf, nil)
	require.Error(t, err)
}

func TestParse_RejectsNonPowerOfTwoBytesPerSector(t *testing.T) {
	buf := buildFAT16Sector(t)
	binary.LittleEndian.PutUint16(buf[11:13], 500)
	_, err := fatbpb.Parse(buf, errors.NewWarningSink())
	require.Error(t, err)
	var asErr *errors.Error
	require.ErrorAs(t, err, &asErr)
	require.Equal(t, errors.Validation, asErr.Kind())
}

// TestRoundTrip_FAT16 is Testable Property 1 from the specification: parsing
// a serialized boot sector reproduces the original fields exactly.
func TestRoundTrip_FAT16(t *testing.T) {
	original := buildFAT16Sector(t)
	boot, err := fatbpb.Parse(original, errors.NewWarningSink())
	require.NoError(t, err)

	reencoded, err := fatbpb.Serialize(boot)
	require.NoError(t, err)

	reboot, err := fatbpb.Parse(reencoded, errors.NewWarningSink())
	require.NoError(t, err)
	require.Equal(t, boot, reboot)
}

func buildFAT32Sector(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 512)
	buf[0], buf[1], buf[2] = 0xEB, 0x58, 0x90
	copy(buf[3:11], "MSWIN4.1")
	binary.LittleEndian.PutUint16(buf[11:13], 512) // bytes_per_sector
	buf[13] = 8                                     // sectors_per_cluster
	binary.LittleEndian.PutUint16(buf[14:16], 32)  // reserved_sectors
	buf[16] = 2                                     // num_fats
	binary.LittleEndian.PutUint16(buf[17:19], 0)   // root_dir_entries == 0
	binary.LittleEndian.PutUint16(buf[19:21], 0)   // total_sectors_16 == 0
	buf[21] = 0xF8                                  // media
	binary.LittleEndian.PutUint16(buf[22:24], 0)   // fat_size_16 == 0
	binary.LittleEndian.PutUint16(buf[24:26], 63)
	binary.LittleEndian.PutUint16(buf[26:28], 255)
	binary.LittleEndian.PutUint32(buf[28:32], 0)
	binary.LittleEndian.PutUint32(buf[32:36], 1000000) // total_sectors_32
	binary.LittleEndian.PutUint32(buf[36:40], 2000)    // fat_size_32
	binary.LittleEndian.PutUint16(buf[40:42], 0)
	binary.LittleEndian.PutUint16(buf[42:44], 0)
	binary.LittleEndian.PutUint32(buf[44:48], 2) // root_dir_start_cluster
	binary.LittleEndian.PutUint16(buf[48:50], 1) // fsinfo_sector
	binary.LittleEndian.PutUint16(buf[50:52], 6) // backup_boot_sector
	buf[64] = 0x80                               // phys_drive_number
	buf[66] = 0x29                                // ext_boot_sig
	binary.LittleEndian.PutUint32(buf[67:71], 0xCAFEBABE)
	copy(buf[71:82], "NO NAME    ")
	copy(buf[82:90], "FAT32   ")
	buf[510], buf[511] = 0x55, 0xAA
	return buf
}

func TestParse_FAT32(t *testing.T) {
	boot, err := fatbpb.Parse(buildFAT32Sector(t), errors.NewWarningSink())
	require.NoError(t, err)

	ebpb, ok := boot.Bpb.(fatbpb.EbpbFat32)
	require.True(t, ok)
	require.True(t, ebpb.IsFAT32())
	require.EqualValues(t, 2000, ebpb.FATSize32)
	require.EqualValues(t, 2, ebpb.RootDirStartCluster)

	geom, err := fatbpb.DeriveGeometry(boot.Bpb)
	require.NoError(t, err)
	require.Equal(t, fatbpb.FAT32, geom.Type)
}

func TestRoundTrip_FAT32(t *testing.T) {
	boot, err := fatbpb.Parse(buildFAT32Sector(t), errors.NewWarningSink())
	require.NoError(t, err)

	reencoded, err := fatbpb.Serialize(boot)
	require.NoError(t, err)

	reboot, err := fatbpb.Parse(reencoded, errors.NewWarningSink())
	require.NoError(t, err)
	require.Equal(t, boot, reboot)
}

func TestParseFsInfo32(t *testing.T) {
	buf := make([]byte, 512)
	copy(buf[0:4], "RRaA")
	copy(buf[484:488], "rrAa")
	binary.LittleEndian.PutUint32(buf[488:492], 12345)
	binary.LittleEndian.PutUint32(buf[492:496], 678)
	buf[508], buf[509], buf[510], buf[511] = 0x00, 0x00, 0x55, 0xAA

	info, err := fatbpb.ParseFsInfo32(buf)
	require.NoError(t, err)
	require.EqualValues(t, 12345, info.FreeClusters)
	require.EqualValues(t, 678, info.LastAllocatedCluster)
}
