package fatdir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/fatdir"
)

func TestNewEntry_RejectsSpecialFirstByte(t *testing.T) {
	edt := makeEdt("FILE", "TXT")
	edt.Name[0] = 0xE5
	_, err := fatdir.NewEntry(edt, nil)
	require.Error(t, err)
}

func TestNewEntry_RejectsChecksumMismatch(t *testing.T) {
	edtA := makeEdt("AAAAAAAA", "AAA")
	chain, err := fatdir.BuildVfatChain("a different long name entirely.txt", makeEdt("BBBBBBBB", "BBB").PackedName())
	require.NoError(t, err)

	_, err = fatdir.NewEntry(edtA, chain)
	require.Error(t, err)
}

func TestEntry_Equal(t *testing.T) {
	edt := makeEdt("FILE", "TXT")
	a, err := fatdir.NewEntry(edt, nil)
	require.NoError(t, err)
	b, err := fatdir.NewEntry(edt, nil)
	require.NoError(t, err)
	require.True(t, a.Equal(b))

	other := makeEdt("OTHER", "TXT")
	c, err := fatdir.NewEntry(other, nil)
	require.NoError(t, err)
	require.False(t, a.Equal(c))
}

func TestFilenameMatch(t *testing.T) {
	edt := makeEdt("FILE", "TXT")
	e, err := fatdir.NewEntry(edt, nil)
	require.NoError(t, err)

	require.True(t, fatdir.FilenameMatch("file.txt", e, false))
	require.True(t, fatdir.FilenameMatch("FILE.TXT", e, true))
	require.False(t, fatdir.FilenameMatch("nope.txt", e, true))
}
