package fatdir_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/fatdir"
)

func TestEightDotThree_RoundTrip(t *testing.T) {
	e := fatdir.EightDotThree{
		Name:             [8]byte{'H', 'E', 'L', 'L', 'O', ' ', ' ', ' '},
		Ext:              [3]byte{'T', 'X', 'T'},
		Attributes:       fatdir.AttrArchive,
		FirstClusterHigh: 1,
		FirstClusterLow:  2,
		FileSize:         100,
	}
	buf := e.Encode()
	require.Len(t, buf, 32)

	decoded, err := fatdir.DecodeEightDotThree(buf)
	require.NoError(t, err)
	require.Equal(t, e, decoded)
	require.EqualValues(t, 0x00010002, decoded.FirstCluster())
}

func TestPackUnpackDate(t *testing.T) {
	d := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	packed, err := fatdir.PackDate(d)
	require.NoError(t, err)

	got, ok := fatdir.UnpackDate(packed)
	require.True(t, ok)
	require.Equal(t, d, got)
}

func TestUnpackDate_IllegalDateIsAbsent(t *testing.T) {
	// Month 0 is never legal.
	_, ok := fatdir.UnpackDate(0x0001)
	require.False(t, ok)
}

func TestPackUnpackTime(t *testing.T) {
	tm := time.Date(2024, 1, 1, 13, 45, 32, 0, time.UTC)
	packed, tenMs := fatdir.PackTime(tm)
	hour, minute, second, _, ok := fatdir.UnpackTime(packed, tenMs)
	require.True(t, ok)
	require.Equal(t, 13, hour)
	require.Equal(t, 45, minute)
	require.Equal(t, 32, second)
}

func TestUnpackTime_InvalidTenMsIsAbsent(t *testing.T) {
	_, _, _, _, ok := fatdir.UnpackTime(0, 200)
	require.False(t, ok)
}

// DOS filename checksum as defined in the specification's rotate-and-add
// pseudocode.
func TestDosFilenameChecksum(t *testing.T) {
	e := fatdir.EightDotThree{
		Name: [8]byte{'U', 'N', 'A', 'R', 'C', 'H', '~', '1'},
		Ext:  [3]byte{'D', 'A', 'T'},
	}
	// E4 from the specification: all four VFAT checksums for this short
	// name equal 0xB3.
	require.EqualValues(t, 0xB3, fatdir.DosFilenameChecksum(e))
}
