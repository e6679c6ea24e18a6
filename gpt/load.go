package gpt

import (
	"hash/crc32"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/mbr"
)

// sectorReader is the minimal read surface gpt needs from a disk; satisfied
// by *sector.Disk without gpt needing to import that package.
type sectorReader interface {
	ReadAt(lba uint64, nSectors uint) ([]byte, error)
}

// sectorWriter extends sectorReader with the write surface Save needs.
type sectorWriter interface {
	sectorReader
	WriteAt(lba uint64, data []byte, fillZeroes bool) error
}

// Load parses a GPT disk: the primary header and array are tried first; on
// failure of either, the backup header/array (at the last sector) is tried
// with expectations swapped. If neither validates, Validation is returned.
// It also reads LBA 0 and, if it isn't a plain protective MBR covering the
// disk, remembers it as Table.CustomMBR.
//
// pss is the disk's physical sector size, used only to emit alignment
// warnings into warnings (§4.2/§7); pass 0 to skip that check. warnings may
// be nil to discard them.
func Load(disk sectorReader, diskTotalLBA uint64, lss uint32, pss uint32, warnings *errors.WarningSink) (*Table, error) {
	lastSectorLBA := diskTotalLBA - 1

	primary, primaryErr := loadHeaderAndArray(disk, primaryHeaderLBA, lastSectorLBA, lss)
	if primaryErr == nil {
		return finishLoad(disk, primary, diskTotalLBA, lss, pss, warnings)
	}

	backup, backupErr := loadHeaderAndArray(disk, lastSectorLBA, primaryHeaderLBA, lss)
	if backupErr == nil {
		return finishLoad(disk, backup, diskTotalLBA, lss, pss, warnings)
	}

	return nil, errors.New(errors.Validation, "no valid GPT found (primary: %s; backup: %s)", primaryErr, backupErr)
}

type loaded struct {
	header  Header
	entries []PartitionEntry
}

func loadHeaderAndArray(disk sectorReader, headerLBA, alternateLBA uint64, lss uint32) (*loaded, error) {
	sectorBytes, err := disk.ReadAt(headerLBA, 1)
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(sectorBytes)
	if err != nil {
		return nil, err
	}
	if headerCRC32(sectorBytes[:headerSize]) != h.CRC32 {
		return nil, errors.New(errors.Validation, "gpt header at lba %d fails crc32 check", headerLBA)
	}
	if h.CurrentLBA != headerLBA {
		return nil, errors.New(errors.Validation, "gpt header at lba %d reports current_lba=%d", headerLBA, h.CurrentLBA)
	}
	if h.AlternateLBA != alternateLBA {
		return nil, errors.New(errors.Validation, "gpt header at lba %d reports alternate_lba=%d, expected %d", headerLBA, h.AlternateLBA, alternateLBA)
	}

	arrSectors := arraySectors(h.NumberOfPartitions, h.SizeOfPartitionEntry, lss)
	if err := validateHeaderOrdering(headerLBA, alternateLBA, h, arrSectors); err != nil {
		return nil, err
	}

	arrayRaw, err := disk.ReadAt(h.PartitionEntryLBA, uint(arrSectors))
	if err != nil {
		return nil, err
	}

	arrayByteLen := uint64(h.NumberOfPartitions) * uint64(h.SizeOfPartitionEntry)
	if crc32.ChecksumIEEE(arrayRaw[:arrayByteLen]) != h.PartitionArrayCRC32 {
		return nil, errors.New(errors.Validation, "partition array at lba %d fails crc32 check", h.PartitionEntryLBA)
	}

	var entries []PartitionEntry
	for i := uint32(0); i < h.NumberOfPartitions; i++ {
		off := uint64(i) * uint64(h.SizeOfPartitionEntry)
		raw := arrayRaw[off : off+entryLength]
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		if e.isEmpty() {
			continue
		}
		entries = append(entries, e)
	}

	return &loaded{header: h, entries: entries}, nil
}

// validateHeaderOrdering enforces spec §4.3's primary/backup LBA chain:
// header < array_start < array_end < first_usable <= last_usable <
// alt_array_start < alt_array_end < alt_header (mirrored when headerLBA is
// the backup). alt_array_start/alt_array_end are derived from the
// alternate header's location assuming it carries an array of the same
// size as this one, which is how Save always writes the pair.
func validateHeaderOrdering(headerLBA, alternateLBA uint64, h Header, arrSectors uint64) error {
	arrayStart := h.PartitionEntryLBA
	arrayEnd := arrayStart + arrSectors - 1

	isPrimary := headerLBA < alternateLBA

	var altArrayStart, altArrayEnd uint64
	if isPrimary {
		altArrayEnd = alternateLBA - 1
		altArrayStart = altArrayEnd - arrSectors + 1
	} else {
		altArrayStart = alternateLBA + 1
		altArrayEnd = altArrayStart + arrSectors - 1
	}

	type step struct {
		name string
		lba  uint64
	}
	var chain []step
	if isPrimary {
		chain = []step{
			{"header", headerLBA},
			{"array_start", arrayStart},
			{"array_end", arrayEnd},
			{"first_usable", h.FirstUsableLBA},
			{"last_usable", h.LastUsableLBA},
			{"alt_array_start", altArrayStart},
			{"alt_array_end", altArrayEnd},
			{"alt_header", alternateLBA},
		}
	} else {
		chain = []step{
			{"alt_header", alternateLBA},
			{"alt_array_start", altArrayStart},
			{"alt_array_end", altArrayEnd},
			{"first_usable", h.FirstUsableLBA},
			{"last_usable", h.LastUsableLBA},
			{"array_start", arrayStart},
			{"array_end", arrayEnd},
			{"header", headerLBA},
		}
	}

	for i := 1; i < len(chain); i++ {
		prev, cur := chain[i-1], chain[i]
		// first_usable <= last_usable is the one link in the chain that
		// allows equality; every other link must be strictly increasing.
		if prev.name == "first_usable" && cur.name == "last_usable" {
			if prev.lba > cur.lba {
				return errors.New(errors.Validation, "gpt header at lba %d: %s=%d > %s=%d", headerLBA, prev.name, prev.lba, cur.name, cur.lba)
			}
			continue
		}
		if prev.lba >= cur.lba {
			return errors.New(errors.Validation, "gpt header at lba %d: %s=%d must be less than %s=%d", headerLBA, prev.name, prev.lba, cur.name, cur.lba)
		}
	}
	return nil
}

func finishLoad(disk sectorReader, l *loaded, diskTotalLBA uint64, lss, pss uint32, warnings *errors.WarningSink) (*Table, error) {
	t := &Table{DiskGUID: l.header.DiskGUID, Entries: l.entries}

	checkEntryAlignment(l.entries, lss, pss, warnings)

	mbrRaw, err := disk.ReadAt(0, 1)
	if err == nil {
		protective, mbrErr := mbr.Parse(mbrRaw, diskTotalLBA, lss, pss, warnings)
		if mbrErr != nil || !protective.IsProtectiveMBR(diskTotalLBA) {
			raw := make([]byte, len(mbrRaw))
			copy(raw, mbrRaw)
			t.CustomMBR = raw
		}
	}

	return t, nil
}

// checkEntryAlignment warns for each partition entry whose start isn't
// aligned to the disk's physical sector size, the GPT analogue of the MBR
// alignment check spec §4.2 describes ("implicitly" required of GPT too,
// per §4.3/§7).
func checkEntryAlignment(entries []PartitionEntry, lss, pss uint32, warnings *errors.WarningSink) {
	if warnings == nil || lss == 0 || pss == 0 || pss <= lss {
		return
	}
	for _, e := range entries {
		startByte := e.FirstLBA * uint64(lss)
		if startByte%uint64(pss) != 0 {
			warnings.Add("gpt partition %q starting at lba %d (byte offset %d) is not aligned to physical sector size %d", e.Name, e.FirstLBA, startByte, pss)
		}
	}
}
