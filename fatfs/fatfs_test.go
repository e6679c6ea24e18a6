package fatfs_test

import (
	"encoding/binary"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fatfs"
	"github.com/dargueta/fatdisk/sector"
	"github.com/dargueta/fatdisk/testfix"
)

const lss = 512

// fixedClock is an injectable Clock for deterministic timestamp assertions.
type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

// buildBootSector constructs a 512-byte reserved sector for a small FAT12
// volume: 1 reserved sector, 1 FAT copy, a 1-sector (16-entry) root
// directory, and 20 one-sector clusters of data.
func buildBootSector(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 512)
	buf[0], buf[1], buf[2] = 0xEB, 0x3C, 0x90
	copy(buf[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(buf[11:13], lss) // bytes_per_sector
	buf[13] = 1                                    // sectors_per_cluster
	binary.LittleEndian.PutUint16(buf[14:16], 1)   // reserved_sectors
	buf[16] = 1                                    // num_fats
	binary.LittleEndian.PutUint16(buf[17:19], 16)  // root_dir_entries
	binary.LittleEndian.PutUint16(buf[19:21], 23)  // total_sectors_16
	buf[21] = 0xF8                                 // media
	binary.LittleEndian.PutUint16(buf[22:24], 1)   // fat_size_16
	binary.LittleEndian.PutUint16(buf[24:26], 63)
	binary.LittleEndian.PutUint16(buf[26:28], 255)
	binary.LittleEndian.PutUint32(buf[28:32], 0)
	binary.LittleEndian.PutUint32(buf[32:36], 0)
	buf[36] = 0x80
	buf[37] = 0
	buf[38] = 0x29 // ext_boot_sig
	binary.LittleEndian.PutUint32(buf[39:43], 0xCAFEBABE)
	copy(buf[43:54], "TESTVOL    ")
	copy(buf[54:62], "FAT12   ")
	buf[510], buf[511] = 0x55, 0xAA
	return buf
}

// newFixture builds a fresh in-memory volume with a valid, empty FAT12 file
// system, ready for fatfs.Load.
func newFixture(t *testing.T, clock fatfs.Clock) *fatfs.FileSystem {
	t.Helper()
	const totalSectors = 23

	store := testfix.NewMemoryStore(totalSectors*lss, lss, lss)
	disk, err := sector.Open(store, nil)
	require.NoError(t, err)
	vol, err := sector.NewVolume(disk, 0, totalSectors-1)
	require.NoError(t, err)

	require.NoError(t, vol.WriteAt(0, buildBootSector(t), false))

	// Seed the FAT's reserved entries 0 and 1 (0xFF8, 0xFFF) so entry 0's
	// low byte carries the media byte, as a formatter would.
	fatSector := make([]byte, lss)
	fatSector[0], fatSector[1], fatSector[2] = 0xF8, 0xFF, 0xFF
	require.NoError(t, vol.WriteAt(1, fatSector, false))

	warnings := errors.NewWarningSink()
	fs, err := fatfs.Load(vol, clock, warnings)
	require.NoError(t, err)
	return fs
}

func TestLoad_StatReportsEmptyVolumeGeometry(t *testing.T) {
	fs := newFixture(t, nil)
	stat, err := fs.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 20, stat.TotalClusters)
	require.EqualValues(t, 20, stat.FreeClusters)
	require.EqualValues(t, lss, stat.ClusterSize)
	require.True(t, stat.HasVolumeID)
	require.EqualValues(t, 0xCAFEBABE, stat.VolumeID)
	require.Equal(t, "TESTVOL", stat.Label)
}

func TestGetwdAndChdir_RootIsInitialCwd(t *testing.T) {
	fs := newFixture(t, nil)
	require.Equal(t, "/", fs.Getwd())
}

func TestRealpath_NormalizesDotDotAndRepeatedSlashes(t *testing.T) {
	fs := newFixture(t, nil)
	require.Equal(t, "/a/b", fs.Realpath("/a//./c/../b"))
	require.Equal(t, "/", fs.Realpath("/a/.."))
	require.Equal(t, "/", fs.Realpath("/../../.."))
}

// TestE3_MkdirCreateWriteReadRoundTrip exercises the E3 scenario: mkdir a
// nested path, create a file inside it, write, close, reopen, and read back
// the same bytes.
func TestE3_MkdirCreateWriteReadRoundTrip(t *testing.T) {
	fs := newFixture(t, nil)

	require.NoError(t, fs.Mkdir("/A"))
	require.NoError(t, fs.Mkdir("/A/b"))

	fd, err := fs.OpenFD("/A/b/c.txt", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0)
	require.NoError(t, err)

	payload := []byte("hello, fat volume")
	n, err := fs.WriteFD(fd, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, fs.CloseFD(fd))

	fd2, err := fs.OpenFD("/A/b/c.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	readBack := make([]byte, len(payload))
	n, err = fs.ReadFD(fd2, readBack)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, readBack)
	require.NoError(t, fs.CloseFD(fd2))

	stat, err := fs.StatPath("/A/b/c.txt")
	require.NoError(t, err)
	require.EqualValues(t, len(payload), stat.Size)
	require.EqualValues(t, fatfs.ModeFile|0o666, stat.Mode)
}

func TestMkdir_RejectsRoot(t *testing.T) {
	fs := newFixture(t, nil)
	err := fs.Mkdir("/")
	require.Error(t, err)
}

func TestMkdir_RejectsDuplicateName(t *testing.T) {
	fs := newFixture(t, nil)
	require.NoError(t, fs.Mkdir("/dup"))
	err := fs.Mkdir("/dup")
	require.Error(t, err)
	var asErr *errors.Error
	require.ErrorAs(t, err, &asErr)
	require.Equal(t, errors.AlreadyExists, asErr.Kind())
}

func TestRmdir_FailsWhenNotEmpty(t *testing.T) {
	fs := newFixture(t, nil)
	require.NoError(t, fs.Mkdir("/full"))
	require.NoError(t, fs.Mkdir("/full/child"))

	err := fs.Rmdir("/full")
	require.Error(t, err)
	var asErr *errors.Error
	require.ErrorAs(t, err, &asErr)
	require.Equal(t, errors.NotEmpty, asErr.Kind())
}

func TestRmdir_RemovesEmptyDirectory(t *testing.T) {
	fs := newFixture(t, nil)
	require.NoError(t, fs.Mkdir("/empty"))
	require.NoError(t, fs.Rmdir("/empty"))

	_, err := fs.StatPath("/empty")
	require.Error(t, err)
}

func TestUnlink_RemovesFileAndFreesClusters(t *testing.T) {
	fs := newFixture(t, nil)
	fd, err := fs.OpenFD("/f.txt", os.O_RDWR|os.O_CREATE, 0)
	require.NoError(t, err)
	_, err = fs.WriteFD(fd, make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, fs.CloseFD(fd))

	before, err := fs.Stat()
	require.NoError(t, err)

	require.NoError(t, fs.Unlink("/f.txt"))

	after, err := fs.Stat()
	require.NoError(t, err)
	require.Greater(t, after.FreeClusters, before.FreeClusters)

	_, err = fs.StatPath("/f.txt")
	require.Error(t, err)
}

func TestRename_NoopWhenRealpathsAreEqual(t *testing.T) {
	fs := newFixture(t, nil)
	require.NoError(t, fs.Mkdir("/same"))
	require.NoError(t, fs.Rename("/same", "/./same"))

	stat, err := fs.StatPath("/same")
	require.NoError(t, err)
	require.NotZero(t, stat.Mode&fatfs.ModeDir)
}

func TestRename_MovesAcrossDirectoriesAndPreservesContents(t *testing.T) {
	fs := newFixture(t, nil)
	require.NoError(t, fs.Mkdir("/src"))
	require.NoError(t, fs.Mkdir("/dst"))

	fd, err := fs.OpenFD("/src/file.txt", os.O_RDWR|os.O_CREATE, 0)
	require.NoError(t, err)
	payload := []byte("payload-survives-rename")
	_, err = fs.WriteFD(fd, payload)
	require.NoError(t, err)
	require.NoError(t, fs.CloseFD(fd))

	require.NoError(t, fs.Rename("/src/file.txt", "/dst/file.txt"))

	_, err = fs.StatPath("/src/file.txt")
	require.Error(t, err)

	fd2, err := fs.OpenFD("/dst/file.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	readBack := make([]byte, len(payload))
	_, err = fs.ReadFD(fd2, readBack)
	require.NoError(t, err)
	require.Equal(t, payload, readBack)
	require.NoError(t, fs.CloseFD(fd2))
}

func TestRename_FailsWhenDestinationExistsWithoutReplace(t *testing.T) {
	fs := newFixture(t, nil)
	require.NoError(t, fs.Mkdir("/a"))
	require.NoError(t, fs.Mkdir("/b"))

	err := fs.Rename("/a", "/b")
	require.Error(t, err)
	var asErr *errors.Error
	require.ErrorAs(t, err, &asErr)
	require.Equal(t, errors.AlreadyExists, asErr.Kind())
}

func TestUtime_SetsExplicitTimestamps(t *testing.T) {
	clock := fixedClock{t: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	fs := newFixture(t, clock)
	require.NoError(t, fs.Mkdir("/d"))

	when := time.Date(2024, 3, 15, 13, 45, 32, 0, time.UTC)
	require.NoError(t, fs.Utime("/d", &when, &when))

	stat, err := fs.StatPath("/d")
	require.NoError(t, err)
	require.Equal(t, when, stat.Mtime)
}

func TestScandir_YieldsCreatedChildren(t *testing.T) {
	fs := newFixture(t, nil)
	require.NoError(t, fs.Mkdir("/top"))
	require.NoError(t, fs.Mkdir("/top/child-a"))
	require.NoError(t, fs.Mkdir("/top/child-b"))

	it, err := fs.Scandir("/top")
	require.NoError(t, err)

	var names []string
	for {
		entry, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, entry.Name)
	}
	require.ElementsMatch(t, []string{"child-a", "child-b"}, names)
}

func TestOpenFD_RejectsOpeningRoot(t *testing.T) {
	fs := newFixture(t, nil)
	_, err := fs.OpenFD("/", os.O_RDONLY, 0)
	require.Error(t, err)
	var asErr *errors.Error
	require.ErrorAs(t, err, &asErr)
	require.Equal(t, errors.IsADirectory, asErr.Kind())
}

func TestOpenFD_RejectsOpeningDirectoryAsFile(t *testing.T) {
	fs := newFixture(t, nil)
	require.NoError(t, fs.Mkdir("/isdir"))
	_, err := fs.OpenFD("/isdir", os.O_RDONLY, 0)
	require.Error(t, err)
}

// TestOpenFD_ConcurrentDescriptorsShareStreamCursor exercises the design
// quirk this shares a cursor across descriptors opened on the same path
// while both stay open: a write through one descriptor leaves the other's
// next read starting from the new position, not 0, because both reference
// the same cached stream.
func TestOpenFD_ConcurrentDescriptorsShareStreamCursor(t *testing.T) {
	fs := newFixture(t, nil)

	fd1, err := fs.OpenFD("/shared.txt", os.O_RDWR|os.O_CREATE, 0)
	require.NoError(t, err)
	fd2, err := fs.OpenFD("/shared.txt", os.O_RDONLY, 0)
	require.NoError(t, err)

	payload := []byte("0123456789")
	n, err := fs.WriteFD(fd1, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	readBack := make([]byte, len(payload))
	n, err = fs.ReadFD(fd2, readBack)
	require.NoError(t, err)
	require.Zero(t, n) // fd1's write already advanced the shared cursor past EOF

	pos, err := fs.SeekFD(fd2, 0, io.SeekStart)
	require.NoError(t, err)
	require.Zero(t, pos)
	n, err = fs.ReadFD(fd2, readBack)
	require.NoError(t, err)
	require.Equal(t, payload, readBack)

	require.NoError(t, fs.CloseFD(fd1))
	require.NoError(t, fs.CloseFD(fd2))
}

func TestLongFilename_RoundTripsThroughVfatChain(t *testing.T) {
	fs := newFixture(t, nil)
	const longName = "a rather long filename.txt"

	fd, err := fs.OpenFD("/"+longName, os.O_RDWR|os.O_CREATE, 0)
	require.NoError(t, err)
	require.NoError(t, fs.CloseFD(fd))

	it, err := fs.Scandir("/")
	require.NoError(t, err)
	entry, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, longName, entry.Name)
}
