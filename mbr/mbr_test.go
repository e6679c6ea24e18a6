package mbr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/mbr"
)

func tableWithOnePartition() *mbr.Table {
	return &mbr.Table{
		Entries: []mbr.PartitionEntry{
			{Type: 0x06, StartLBA: 1, LengthLBA: 10239},
		},
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	original := tableWithOnePartition()
	raw, err := original.Serialize(5 * 1024 * 1024 / 512)
	require.NoError(t, err)
	require.Len(t, raw, 512)

	parsed, err := mbr.Parse(raw, 5*1024*1024/512, 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 1)
	require.Equal(t, original.Entries[0].StartLBA, parsed.Entries[0].StartLBA)
	require.Equal(t, original.Entries[0].LengthLBA, parsed.Entries[0].LengthLBA)
	require.Equal(t, original.Entries[0].Type, parsed.Entries[0].Type)
}

// E1 from the specification's end-to-end scenarios.
func TestE1_OnePartitionRoundTrip(t *testing.T) {
	table := tableWithOnePartition()
	raw, err := table.Serialize(5 * 1024 * 1024 / 512)
	require.NoError(t, err)

	parsed, err := mbr.Parse(raw, 5*1024*1024/512, 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 1)
	require.EqualValues(t, 1, parsed.Entries[0].StartLBA)
	require.EqualValues(t, 10239, parsed.Entries[0].LengthLBA)
	require.EqualValues(t, 0x06, parsed.Entries[0].Type)
}

func TestParse_RejectsBadSignature(t *testing.T) {
	raw := make([]byte, 512)
	_, err := mbr.Parse(raw, 0, 0, 0, nil)
	require.Error(t, err)
}

func TestParse_EmptyEntriesDropped(t *testing.T) {
	table := &mbr.Table{}
	raw, err := table.Serialize(0)
	require.NoError(t, err)

	parsed, err := mbr.Parse(raw, 0, 0, 0, nil)
	require.NoError(t, err)
	require.Empty(t, parsed.Entries)
}

func TestParse_StartLBAZeroOnNonEmptyEntryIsFatal(t *testing.T) {
	table := &mbr.Table{Entries: []mbr.PartitionEntry{{Type: 0x06, StartLBA: 1, LengthLBA: 1}}}
	raw, err := table.Serialize(100)
	require.NoError(t, err)

	// Corrupt the first entry's start_lba to 0 while keeping its type
	// non-zero, simulating a malformed table.
	raw[446+8] = 0
	raw[446+9] = 0
	raw[446+10] = 0
	raw[446+11] = 0

	_, err = mbr.Parse(raw, 100, 0, 0, nil)
	require.Error(t, err)
	var asErr *errors.Error
	require.ErrorAs(t, err, &asErr)
	require.Equal(t, errors.Validation, asErr.Kind())
}

func TestSerialize_FailsHardOnOverlap(t *testing.T) {
	table := &mbr.Table{
		Entries: []mbr.PartitionEntry{
			{Type: 0x06, StartLBA: 10, LengthLBA: 100},
			{Type: 0x0B, StartLBA: 50, LengthLBA: 100},
		},
	}
	_, err := table.Serialize(1000)
	require.Error(t, err)
}

func TestParse_OverlapWarnsInsteadOfFailing(t *testing.T) {
	// Built by hand (not via Table.Serialize, which hard-fails on overlap)
	// to exercise the load-time warning path specifically.
	raw := make([]byte, 512)
	raw[446+4] = 0x06
	raw[446+8] = 10
	raw[446+12] = 100
	raw[446+16+4] = 0x0B
	raw[446+16+8] = 50
	raw[446+16+12] = 100
	raw[510] = 0x55
	raw[511] = 0xAA

	sink := errors.NewWarningSink()
	_, err := mbr.Parse(raw, 1000, 0, 0, sink)
	require.NoError(t, err)
	require.Greater(t, sink.Len(), 0)
}

func TestParse_MisalignedPartitionWarns(t *testing.T) {
	// start_lba=10 at lss=512 sits at byte 5120, not a multiple of a 4096
	// physical sector, so it should warn without failing the parse.
	table := &mbr.Table{Entries: []mbr.PartitionEntry{{Type: 0x06, StartLBA: 10, LengthLBA: 100}}}
	raw, err := table.Serialize(1000)
	require.NoError(t, err)

	sink := errors.NewWarningSink()
	parsed, err := mbr.Parse(raw, 1000, 512, 4096, sink)
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 1)
	require.Greater(t, sink.Len(), 0)
}

func TestParse_AlignedPartitionDoesNotWarn(t *testing.T) {
	table := &mbr.Table{Entries: []mbr.PartitionEntry{{Type: 0x06, StartLBA: 8, LengthLBA: 100}}}
	raw, err := table.Serialize(1000)
	require.NoError(t, err)

	sink := errors.NewWarningSink()
	_, err = mbr.Parse(raw, 1000, 512, 4096, sink)
	require.NoError(t, err)
	require.Zero(t, sink.Len())
}

func TestIsProtectiveMBR(t *testing.T) {
	table := &mbr.Table{Entries: []mbr.PartitionEntry{{Type: 0xEE, StartLBA: 1, LengthLBA: 2047}}}
	require.True(t, table.IsProtectiveMBR(2048))
}

func TestLBAToCHS_OverflowSentinel(t *testing.T) {
	chs := mbr.LBAToCHS(0xFFFFFFFF)
	require.EqualValues(t, 1023, chs.Cylinder)
	require.EqualValues(t, 255, chs.Head)
	require.EqualValues(t, 63, chs.Sector)
}
