package fatbpb

import "github.com/dargueta/fatdisk/errors"

// FatType is one of 12, 16, or 32, determined solely by the total cluster
// count.
type FatType int

const (
	FAT12 FatType = 12
	FAT16 FatType = 16
	FAT32 FatType = 32
)

// DetermineFATType derives the FAT type from the total number of clusters,
// per Microsoft's FAT documentation: <4085 -> FAT12, <65525 -> FAT16,
// otherwise FAT32.
func DetermineFATType(totalClusters uint32) FatType {
	switch {
	case totalClusters < 4085:
		return FAT12
	case totalClusters < 65525:
		return FAT16
	default:
		return FAT32
	}
}

// Geometry holds the derived, sector-granular layout of a FAT volume.
type Geometry struct {
	FatRegionStart uint32
	FatRegionSize  uint32
	RootDirStart   uint32
	RootDirSize    uint32
	DataStart      uint32
	DataSize       uint32
	TotalClusters  uint32
	Type           FatType
}

// DeriveGeometry computes region offsets and the FAT type from a parsed
// BPB, failing Validation if the derived cluster count is degenerate or
// contradicts the BPB variant's structural FAT-type family.
func DeriveGeometry(b Bpb) (Geometry, error) {
	c := b.common()
	lss := uint32(c.BytesPerSector)

	g := Geometry{
		FatRegionStart: uint32(ReservedSectors(b)),
		FatRegionSize:  uint32(NumFATs(b)) * FATSizeSectors(b),
	}
	g.RootDirStart = g.FatRegionStart + g.FatRegionSize
	g.RootDirSize = (uint32(RootDirEntries(b)) * 32) / lss
	g.DataStart = g.RootDirStart + g.RootDirSize

	total := TotalSectors(b)
	if total < g.DataStart {
		return Geometry{}, errors.New(errors.Validation, "total_sectors %d is smaller than the reserved+fat+rootdir regions (%d)", total, g.DataStart)
	}
	g.DataSize = total - g.DataStart

	spc := uint32(c.SectorsPerCluster)
	g.TotalClusters = g.DataSize / spc
	if g.TotalClusters < 1 {
		return Geometry{}, errors.New(errors.Validation, "derived total_clusters is 0")
	}

	g.Type = DetermineFATType(g.TotalClusters)
	if b.IsFAT32() != (g.Type == FAT32) {
		return Geometry{}, errors.New(errors.Validation, "bpb variant is fat32=%v but total_clusters=%d implies %v", b.IsFAT32(), g.TotalClusters, g.Type)
	}

	return g, nil
}

// FsInfo32 is the FAT32 FsInfo sector: advisory free-cluster hints only.
type FsInfo32 struct {
	FreeClusters         uint32 // 0xFFFFFFFF means unknown
	LastAllocatedCluster uint32 // 0xFFFFFFFF means unknown
}

// ParseFsInfo32 decodes a 512-byte FsInfo sector.
func ParseFsInfo32(buf []byte) (FsInfo32, error) {
	if len(buf) != 512 {
		return FsInfo32{}, errors.New(errors.Validation, "fsinfo sector must be 512 bytes, got %d", len(buf))
	}
	lead := buf[0:4]
	mid := buf[484:488]
	trail := buf[508:512]

	validLead := string(lead) == "RRaA"
	validMid := string(mid) == "rrAa"
	validTrail := trail[0] == 0x00 && trail[1] == 0x00 && trail[2] == 0x55 && trail[3] == 0xAA
	if !validLead || !validMid || !validTrail {
		return FsInfo32{}, errors.New(errors.Validation, "fsinfo sector signatures do not match")
	}

	freeClustersBytes := buf[488:492]
	lastAllocBytes := buf[492:496]
	return FsInfo32{
		FreeClusters:         uint32LE(freeClustersBytes),
		LastAllocatedCluster: uint32LE(lastAllocBytes),
	}, nil
}

func uint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
