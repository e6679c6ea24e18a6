package gpt

import (
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/mbr"
)

// Save writes a protective MBR (or t.CustomMBR if set), both GPT headers,
// and two copies of the partition array to disk. Entries are padded to at
// least minEntriesCount slots of entryLength bytes for the CRC32 and array
// size computation, matching real GPT implementations' fixed minimum array
// size.
func Save(disk sectorWriter, t *Table, diskTotalLBA uint64, lss uint32) error {
	if diskTotalLBA < 6 {
		return errors.New(errors.Validation, "disk of %d sectors is too small for a GPT", diskTotalLBA)
	}

	entriesWritten := uint32(minEntriesCount)
	if uint32(len(t.Entries)) > entriesWritten {
		entriesWritten = uint32(len(t.Entries))
	}
	arrSectors := arraySectors(entriesWritten, entryLength, lss)

	lastSectorLBA := diskTotalLBA - 1
	primaryArrayLBA := uint64(primaryHeaderLBA) + 1
	backupArrayLBA := lastSectorLBA - arrSectors
	firstUsable := primaryArrayLBA + arrSectors
	lastUsable := backupArrayLBA - 1

	if firstUsable > lastUsable {
		return errors.New(errors.Validation, "partition array of %d entries leaves no usable space", entriesWritten)
	}

	diskGUID := t.DiskGUID
	if diskGUID == uuid.Nil {
		diskGUID = uuid.New()
	}

	arrayBuf := make([]byte, entriesWritten*entryLength)
	for i, e := range t.Entries {
		copy(arrayBuf[uint32(i)*entryLength:], encodeEntry(e))
	}
	arrayCRC := crc32.ChecksumIEEE(arrayBuf)

	primary := Header{
		CurrentLBA:           primaryHeaderLBA,
		AlternateLBA:         lastSectorLBA,
		FirstUsableLBA:       firstUsable,
		LastUsableLBA:        lastUsable,
		DiskGUID:             diskGUID,
		PartitionEntryLBA:    primaryArrayLBA,
		NumberOfPartitions:   entriesWritten,
		SizeOfPartitionEntry: entryLength,
		PartitionArrayCRC32:  arrayCRC,
	}
	backup := primary
	backup.CurrentLBA = lastSectorLBA
	backup.AlternateLBA = primaryHeaderLBA
	backup.PartitionEntryLBA = backupArrayLBA

	primaryBuf := encodeHeader(primary, entriesWritten)
	binary32At(primaryBuf, 16, headerCRC32(primaryBuf))
	backupBuf := encodeHeader(backup, entriesWritten)
	binary32At(backupBuf, 16, headerCRC32(backupBuf))

	mbrSector := t.CustomMBR
	if mbrSector == nil {
		maxLen := diskTotalLBA - 1
		if maxLen > 0xFFFFFFFF {
			maxLen = 0xFFFFFFFF
		}
		protective := &mbr.Table{Entries: []mbr.PartitionEntry{
			{Type: 0xEE, StartLBA: 1, LengthLBA: uint32(maxLen)},
		}}
		raw, err := protective.Serialize(diskTotalLBA)
		if err != nil {
			return err
		}
		mbrSector = raw
	}

	if err := disk.WriteAt(0, mbrSector, false); err != nil {
		return err
	}
	if err := disk.WriteAt(primaryHeaderLBA, pad(primaryBuf, lss), false); err != nil {
		return err
	}
	if err := disk.WriteAt(primaryArrayLBA, padToSectors(arrayBuf, arrSectors, lss), false); err != nil {
		return err
	}
	if err := disk.WriteAt(backupArrayLBA, padToSectors(arrayBuf, arrSectors, lss), false); err != nil {
		return err
	}
	if err := disk.WriteAt(lastSectorLBA, pad(backupBuf, lss), false); err != nil {
		return err
	}
	return nil
}

func binary32At(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func pad(buf []byte, lss uint32) []byte {
	if uint32(len(buf)) >= lss {
		return buf[:lss]
	}
	out := make([]byte, lss)
	copy(out, buf)
	return out
}

func padToSectors(buf []byte, sectors uint64, lss uint32) []byte {
	out := make([]byte, sectors*uint64(lss))
	copy(out, buf)
	return out
}
