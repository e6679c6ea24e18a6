package fatdir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fatdisk/fatdir"
)

func TestGenerateShortName_FitsDirectly(t *testing.T) {
	name, ext, err := fatdir.GenerateShortName("README.TXT", map[[11]byte]bool{})
	require.NoError(t, err)
	require.Equal(t, "README", name)
	require.Equal(t, "TXT", ext)
}

func TestGenerateShortName_CollisionsProduceDistinctNames(t *testing.T) {
	existing := map[[11]byte]bool{}
	var produced []string
	for i := 0; i < 10; i++ {
		name, ext, err := fatdir.GenerateShortName("a very long filename indeed.txt", existing)
		require.NoError(t, err)
		for _, p := range produced {
			require.NotEqual(t, p, name)
		}
		produced = append(produced, name)
		existing[fatdir.PackShortName(name, ext)] = true
	}
}

func TestGenerateShortName_LeadingDotRoutesExtToName(t *testing.T) {
	name, ext, err := fatdir.GenerateShortName(".bashrc", map[[11]byte]bool{})
	require.NoError(t, err)
	require.NotEmpty(t, name)
	require.Empty(t, ext)
}
