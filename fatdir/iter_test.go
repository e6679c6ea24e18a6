package fatdir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/fatdir"
)

func makeEdt(name, ext string) fatdir.EightDotThree {
	var e fatdir.EightDotThree
	copy(e.Name[:], []byte(name+"        ")[:8])
	copy(e.Ext[:], []byte(ext+"   ")[:3])
	e.Attributes = fatdir.AttrArchive
	return e
}

func eodRecord() []byte { return make([]byte, 32) }

// TestE6_EODBeforeEntryYieldsNothing is E6's first case: [EOD, valid_entry]
// yields nothing, because the end-of-directory marker stops the scan.
func TestE6_EODBeforeEntryYieldsNothing(t *testing.T) {
	valid := makeEdt("FILE", "TXT").Encode()
	items, err := fatdir.IterEntries([][]byte{eodRecord(), valid}, false)
	require.NoError(t, err)
	require.Empty(t, items)
}

// TestE6_EntryBeforeEODYieldsOne is E6's second case: [valid_entry, EOD]
// yields exactly one Entry.
func TestE6_EntryBeforeEODYieldsOne(t *testing.T) {
	valid := makeEdt("FILE", "TXT").Encode()
	items, err := fatdir.IterEntries([][]byte{valid, eodRecord()}, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Entry)
}

// TestE6_BrokenLFNChainYieldsInvalidatedEntry is E6's third case: a VFAT
// chain with a sequence gap still produces a usable Entry with no long
// filename, and under only_useful=true the broken raw VFAT records are not
// yielded at all.
func TestE6_BrokenLFNChainYieldsInvalidatedEntry(t *testing.T) {
	edt := makeEdt("SHORTN~1", "TXT")
	chain, err := fatdir.BuildVfatChain("a long enough vfat name.txt", edt.PackedName())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chain), 2)

	// Corrupt the second on-disk entry's sequence number to create a gap.
	badChain := append([]fatdir.VfatEntry(nil), chain...)
	badChain[1].Sequence = 99

	records := [][]byte{chain[0].Encode(), badChain[1].Encode()}
	for _, c := range chain[2:] {
		records = append(records, c.Encode())
	}
	records = append(records, edt.Encode())

	items, err := fatdir.IterEntries(records, true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Entry)
	require.Empty(t, items[0].Entry.Vfat)
	require.True(t, items[0].Entry.HadVfat)

	want, err := fatdir.NewInvalidatedEntry(edt)
	require.NoError(t, err)
	require.True(t, items[0].Entry.Equal(want))
}
