package fatfs

import (
	"time"

	"github.com/dargueta/fatdisk/errors"
	"github.com/dargueta/fatdisk/fatbpb"
	"github.com/dargueta/fatdisk/fatdir"
	"github.com/dargueta/fatdisk/fatstream"
)

// dirStream is the common surface fatstream.DataIO and fatstream.RootdirIO
// both already provide; fatfs only ever needs the union of what directory
// scanning and the entry-transformation helper below use.
type dirStream interface {
	Size() int64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Allocate(minSize uint32) error
	Free(maxSize uint32) error
	Acquire()
	Release() int
	LastRead() time.Time
	LastWrite() time.Time
}

// streamForDirectory returns the stream backing a directory node's contents:
// a RootdirIO for the FAT12/16 root, a DataIO over the root cluster chain
// for FAT32, or a DataIO over an ordinary subdirectory's chain otherwise.
func streamForDirectory(fs *FileSystem, node *Node) (dirStream, error) {
	if node.isRoot {
		if fs.geometry.Type == fatbpb.FAT32 {
			return fatstream.NewDataIO(fs.fat, fs.vol, fs.dataStartLBA, fs.clusterSectors, fs.lss, fs.rootCluster, true, 0, fs.clock)
		}
		return fatstream.NewRootdirIO(fs.vol, fs.rootDirStartLBA, fs.rootDirSizeSectors, fs.lss, fs.clock), nil
	}
	return fatstream.NewDataIO(fs.fat, fs.vol, fs.dataStartLBA, fs.clusterSectors, fs.lss, node.entry.Edt.FirstCluster(), true, 0, fs.clock)
}

// readAllRecords reads a directory stream's entire contents and slices it
// into 32-byte directory-entry records.
func readAllRecords(s dirStream) ([][]byte, error) {
	size := s.Size()
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if _, err := s.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	records := make([][]byte, 0, size/32)
	for off := int64(0); off+32 <= size; off += 32 {
		records = append(records, buf[off:off+32])
	}
	return records, nil
}

// dirSlot pairs a scanned Entry with the byte range of on-disk 32-byte
// records (VFAT chain plus its 8.3 record) that it occupies, so mutations
// can target exactly those slots.
type dirSlot struct {
	entry   fatdir.Entry
	offset  int64
	numSlots int
}

// scanDirSlots walks a directory stream's raw records, pairing each 8.3
// entry with any VFAT chain that precedes it in on-disk order, and records
// the byte offset and slot count each resulting Entry occupies. It mirrors
// fatdir.IterEntries's state machine but additionally tracks offsets, which
// that package's pure byte-stream iterator has no reason to expose.
func scanDirSlots(s dirStream) ([]dirSlot, error) {
	records, err := readAllRecords(s)
	if err != nil {
		return nil, err
	}

	var out []dirSlot
	var pending []fatdir.VfatEntry
	pendingStart := int64(-1)

	reset := func() {
		pending = nil
		pendingStart = -1
	}

	for i, buf := range records {
		offset := int64(i) * 32
		isVfatAttr := buf[11]&0x3F == fatdir.AttrVfat

		switch {
		case buf[0] == 0x00:
			return out, nil

		case !isVfatAttr && (buf[0] == 0xE5 || buf[0] == 0x2E || buf[11]&fatdir.AttrVolumeID != 0):
			reset()

		case isVfatAttr:
			v, err := fatdir.DecodeVfatEntry(buf)
			if err != nil {
				reset()
				continue
			}
			if pendingStart == -1 {
				pendingStart = offset
			}
			pending = append(pending, v)

		default:
			edt, err := fatdir.DecodeEightDotThree(buf)
			if err != nil {
				reset()
				continue
			}
			startOffset := pendingStart
			if startOffset == -1 {
				startOffset = offset
			}
			numSlots := len(pending) + 1

			entry, err := fatdir.NewEntry(edt, pending)
			if err != nil {
				invalidated, ierr := fatdir.NewInvalidatedEntry(edt)
				if ierr != nil {
					return nil, ierr
				}
				out = append(out, dirSlot{entry: invalidated, offset: offset, numSlots: 1})
			} else {
				out = append(out, dirSlot{entry: entry, offset: startOffset, numSlots: numSlots})
			}
			reset()
		}
	}

	return out, nil
}

// entryBytes serializes an Entry back into on-disk order: its VFAT chain
// (already stored in on-disk order) followed by its 8.3 record.
func entryBytes(e fatdir.Entry) []byte {
	out := make([]byte, 0, (len(e.Vfat)+1)*32)
	for _, v := range e.Vfat {
		out = append(out, v.Encode()...)
	}
	out = append(out, e.Edt.Encode()...)
	return out
}

// findInsertionOffset returns the byte offset of the first end-of-directory
// slot (a 0x00 leading byte), or the stream's current size if none is
// allocated yet; either way, writing there and letting WriteAt grow the
// stream reproduces the zero-filled terminator a fresh cluster already
// carries.
func findInsertionOffset(s dirStream) (int64, error) {
	records, err := readAllRecords(s)
	if err != nil {
		return 0, err
	}
	for i, buf := range records {
		if buf[0] == 0x00 {
			return int64(i) * 32, nil
		}
	}
	return s.Size(), nil
}

// writeNewEntry appends new's bytes at the first end-of-directory slot,
// extending (and allocating) the stream if necessary.
func writeNewEntry(s dirStream, e fatdir.Entry) error {
	offset, err := findInsertionOffset(s)
	if err != nil {
		return err
	}
	_, err = s.WriteAt(entryBytes(e), offset)
	return err
}

// deleteEntrySlots marks every slot a scanned Entry occupies as deleted
// (0xE5 in the leading byte), per spec.
func deleteEntrySlots(s dirStream, slot dirSlot) error {
	marker := []byte{0xE5}
	for i := 0; i < slot.numSlots; i++ {
		if _, err := s.WriteAt(marker, slot.offset+int64(i)*32); err != nil {
			return err
		}
	}
	return nil
}

// transformEntry is the central create/rename/delete helper (spec §4.8): it
// deletes oldSlot, writes newEntry, or both, preferring to overwrite the
// existing slots in place when the new entry fits in no more room than the
// old one occupied.
func transformEntry(s dirStream, oldSlot *dirSlot, newEntry *fatdir.Entry) error {
	switch {
	case oldSlot == nil && newEntry == nil:
		return nil
	case oldSlot == nil:
		return writeNewEntry(s, *newEntry)
	case newEntry == nil:
		return deleteEntrySlots(s, *oldSlot)
	}

	newData := entryBytes(*newEntry)
	newSlotCount := len(newEntry.Vfat) + 1

	if newSlotCount <= oldSlot.numSlots {
		surplus := oldSlot.numSlots - newSlotCount
		for i := 0; i < surplus; i++ {
			if _, err := s.WriteAt([]byte{0xE5}, oldSlot.offset+int64(i)*32); err != nil {
				return err
			}
		}
		tailOffset := oldSlot.offset + int64(surplus)*32
		_, err := s.WriteAt(newData, tailOffset)
		return err
	}

	if err := deleteEntrySlots(s, *oldSlot); err != nil {
		return err
	}
	return writeNewEntry(s, *newEntry)
}

// findEntrySlotLocked locates an Entry matching name (case-insensitively, against
// either its long or short filename) within a directory node, returning its
// slot and the stream it was found on.
func (fs *FileSystem) findEntrySlotLocked(parent *Node, name string) (*dirSlot, dirStream, error) {
	s, err := streamForDirectory(fs, parent)
	if err != nil {
		return nil, nil, err
	}
	slots, err := scanDirSlots(s)
	if err != nil {
		return nil, nil, err
	}
	for i := range slots {
		if fatdir.FilenameMatch(name, slots[i].entry, true) {
			return &slots[i], s, nil
		}
	}
	return nil, s, errors.New(errors.NotFound, "%q not found", name)
}
