package fattable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/fatbpb"
	"github.com/dargueta/fatdisk/fattable"
	"github.com/dargueta/fatdisk/sector"
	"github.com/dargueta/fatdisk/testfix"
)

const mediaType = 0xF8

func newVolume(t *testing.T, lss uint32, totalSectors uint64) *sector.Volume {
	store := testfix.NewMemoryStore(int64(totalSectors)*int64(lss), lss, lss)
	disk, err := sector.Open(store, nil)
	require.NoError(t, err)
	vol, err := sector.NewVolume(disk, 0, totalSectors-1)
	require.NoError(t, err)
	return vol
}

func seedMediaType(t *testing.T, vol *sector.Volume, startLBA uint64, lss uint32) {
	seed := make([]byte, lss)
	seed[0] = mediaType
	require.NoError(t, vol.WriteAt(startLBA, seed, false))
}

func TestFAT16_GetSetAndFlush(t *testing.T) {
	const lss = 16
	vol := newVolume(t, lss, 10)
	seedMediaType(t, vol, 2, lss)

	fat, err := fattable.Load(vol, fatbpb.FAT16, 2, 1, 1, lss, 20, mediaType)
	require.NoError(t, err)

	require.NoError(t, fat.Set(5, 0x1234))
	got, err := fat.Get(5)
	require.NoError(t, err)
	require.EqualValues(t, 0x1234, got)

	require.NoError(t, fat.Flush())
	raw, err := vol.ReadAt(2, 1)
	require.NoError(t, err)
	// Cluster 5 occupies byte offset 10-11, little-endian.
	require.Equal(t, byte(0x34), raw[10])
	require.Equal(t, byte(0x12), raw[11])
}

func TestFAT16_FlushWritesEveryCopy(t *testing.T) {
	const lss = 16
	vol := newVolume(t, lss, 10)
	seedMediaType(t, vol, 2, lss)
	// Second copy starts right after the first (fatSizeSectors=1).
	seedMediaType(t, vol, 3, lss)

	fat, err := fattable.Load(vol, fatbpb.FAT16, 2, 1, 2, lss, 20, mediaType)
	require.NoError(t, err)

	require.NoError(t, fat.Set(1, 0xBEEF))
	require.NoError(t, fat.Flush())

	for _, copyLBA := range []uint64{2, 3} {
		raw, err := vol.ReadAt(copyLBA, 1)
		require.NoError(t, err)
		require.Equal(t, byte(0xEF), raw[2])
		require.Equal(t, byte(0xBE), raw[3])
	}
}

func TestFAT12_OddEvenNibblePacking(t *testing.T) {
	const lss = 16
	vol := newVolume(t, lss, 10)
	seedMediaType(t, vol, 2, lss)

	fat, err := fattable.Load(vol, fatbpb.FAT12, 2, 2, 1, lss, 20, mediaType)
	require.NoError(t, err)

	require.NoError(t, fat.Set(2, 0x0ABC))
	require.NoError(t, fat.Set(3, 0x0DEF))

	got2, err := fat.Get(2)
	require.NoError(t, err)
	require.EqualValues(t, 0x0ABC, got2)

	got3, err := fat.Get(3)
	require.NoError(t, err)
	require.EqualValues(t, 0x0DEF, got3)
}

func TestFAT32_PreservesTopReservedBits(t *testing.T) {
	const lss = 16
	vol := newVolume(t, lss, 10)
	seed := make([]byte, lss)
	seed[0] = mediaType
	// Cluster 1 lives at byte offset 4; pre-seed its top reserved nibble.
	seed[7] = 0xA0
	require.NoError(t, vol.WriteAt(2, seed, false))

	fat, err := fattable.Load(vol, fatbpb.FAT32, 2, 1, 1, lss, 20, mediaType)
	require.NoError(t, err)

	require.NoError(t, fat.Set(1, 0x00000005))
	v, err := fat.Get(1)
	require.NoError(t, err)
	require.EqualValues(t, 0x00000005, v)

	raw, err := vol.ReadAt(2, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xA0), raw[7]&0xF0, "reserved top nibble must survive a Set")
}

func TestLoad_RejectsMediaTypeMismatch(t *testing.T) {
	const lss = 16
	vol := newVolume(t, lss, 10)
	seedMediaType(t, vol, 2, lss)

	_, err := fattable.Load(vol, fatbpb.FAT16, 2, 1, 1, lss, 20, 0xF0)
	require.Error(t, err)
}

func TestChainIterate_StopsAtEOC(t *testing.T) {
	const lss = 16
	vol := newVolume(t, lss, 10)
	seedMediaType(t, vol, 2, lss)

	fat, err := fattable.Load(vol, fatbpb.FAT16, 2, 1, 1, lss, 20, mediaType)
	require.NoError(t, err)

	require.NoError(t, fat.Set(2, 3))
	require.NoError(t, fat.Set(3, 4))
	require.NoError(t, fat.Set(4, fat.EOCValue()))

	chain, err := fat.ChainIterate(2)
	require.NoError(t, err)
	require.Equal(t, []uint32{2, 3, 4}, chain)
}

func TestAllocateFree_FindsEmptyClusters(t *testing.T) {
	const lss = 512
	vol := newVolume(t, lss, 4)
	seedMediaType(t, vol, 1, lss)

	fat, err := fattable.Load(vol, fatbpb.FAT16, 1, 1, 1, lss, 20, mediaType)
	require.NoError(t, err)

	require.NoError(t, fat.Set(2, 1)) // occupied
	found, err := fat.AllocateFree(2)
	require.NoError(t, err)
	require.Equal(t, []uint32{3, 4}, found)
}

func TestAllocateFree_RaisesFilesystemLimit(t *testing.T) {
	const lss = 16
	vol := newVolume(t, lss, 10)
	seedMediaType(t, vol, 2, lss)

	fat, err := fattable.Load(vol, fatbpb.FAT16, 2, 1, 1, lss, 3, mediaType)
	require.NoError(t, err)

	_, err = fat.AllocateFree(10)
	require.Error(t, err)
}
