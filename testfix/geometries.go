package testfix

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"
)

// DiskGeometry names a conventional disk size and CHS geometry, the same
// kind of fixture table the teacher's disks package builds from a CSV.
type DiskGeometry struct {
	Slug            string `csv:"slug"`
	Name            string `csv:"name"`
	FormFactor      string `csv:"form_factor"`
	TotalSizeBytes  int64  `csv:"total_size_bytes"`
	BytesPerSector  uint   `csv:"bytes_per_sector"`
	SectorsPerTrack uint   `csv:"sectors_per_track"`
	Heads           uint   `csv:"heads"`
	Cylinders       uint   `csv:"cylinders"`
	Notes           string `csv:"notes"`
}

//go:embed geometries.csv
var geometriesRawCSV string

var diskGeometries = map[string]DiskGeometry{}

func init() {
	reader := strings.NewReader(geometriesRawCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row DiskGeometry) error {
		if _, exists := diskGeometries[row.Slug]; exists {
			return fmt.Errorf("duplicate definition for disk geometry %q", row.Slug)
		}
		diskGeometries[row.Slug] = row
		return nil
	})
	if err != nil {
		panic(err)
	}
}

// Geometry looks up a named disk geometry preset, e.g. "floppy1440" for the
// standard 1.44 MB (1,474,560-byte) FAT12 floppy.
func Geometry(slug string) (DiskGeometry, error) {
	g, ok := diskGeometries[slug]
	if !ok {
		return DiskGeometry{}, fmt.Errorf("no predefined disk geometry named %q", slug)
	}
	return g, nil
}

// NewNamedMemoryStore allocates a MemoryStore sized and sectored according
// to a named preset.
func NewNamedMemoryStore(slug string) (*MemoryStore, error) {
	g, err := Geometry(slug)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(g.TotalSizeBytes, uint32(g.BytesPerSector), uint32(g.BytesPerSector)), nil
}
