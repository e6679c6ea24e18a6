package sector_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/sector"
	"github.com/dargueta/fatdisk/testfix"
)

func TestDisk_ReadWriteRoundTrip(t *testing.T) {
	store := testfix.NewMemoryStore(1<<20, 512, 512)
	disk, err := sector.Open(store, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1<<20, disk.SizeBytes())
	require.EqualValues(t, 2048, disk.TotalSectors())

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, disk.WriteAt(10, payload, false))

	got, err := disk.ReadAt(10, 1)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDisk_WriteAt_RejectsUnalignedWithoutFill(t *testing.T) {
	store := testfix.NewMemoryStore(1<<20, 512, 512)
	disk, err := sector.Open(store, nil)
	require.NoError(t, err)

	err = disk.WriteAt(0, make([]byte, 10), false)
	require.Error(t, err)
}

func TestDisk_ReadAt_OutOfBounds(t *testing.T) {
	store := testfix.NewMemoryStore(1<<20, 512, 512)
	disk, err := sector.Open(store, nil)
	require.NoError(t, err)

	_, err = disk.ReadAt(2048, 1)
	require.Error(t, err)
}

func TestVolume_IsRebasedWithinDisk(t *testing.T) {
	store := testfix.NewMemoryStore(1<<20, 512, 512)
	disk, err := sector.Open(store, nil)
	require.NoError(t, err)

	vol, err := sector.NewVolume(disk, 100, 199)
	require.NoError(t, err)
	require.EqualValues(t, 100, vol.SizeLBA())

	payload := []byte("hello volume")
	require.NoError(t, vol.WriteAt(5, payload, true))

	fromDisk, err := disk.ReadAt(105, 1)
	require.NoError(t, err)
	require.Equal(t, payload, fromDisk[:len(payload)])
}
