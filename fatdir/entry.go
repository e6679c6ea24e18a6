package fatdir

import (
	"bytes"
	"strings"

	"github.com/dargueta/fatdisk/errors"
)

// Entry is a generalized directory entry: exactly one 8.3 record plus the
// 0-20 VFAT records (in on-disk order) that carry its long filename, if
// any.
type Entry struct {
	Edt  EightDotThree
	Vfat []VfatEntry

	// HadVfat is true whenever a VFAT chain was present at construction time,
	// even if it was later invalidated and Vfat ended up empty (see
	// NewInvalidatedEntry). Kept for equality: a legacy writer's broken LFN
	// chain is a different on-disk history than a file that was always
	// 8.3-only, even though both end up with no usable long name.
	HadVfat bool
}

// NewEntry validates and builds an Entry from an 8.3 record and its VFAT
// chain (on-disk order: descending sequence, last-LFN flag first).
// Construction forbids an 8.3 entry carrying a special-hint first byte, the
// VFAT attribute, or the volume-label attribute.
func NewEntry(edt EightDotThree, vfat []VfatEntry) (Entry, error) {
	if edt.IsFree() || edt.IsDeleted() || edt.IsDotEntry() {
		return Entry{}, errors.New(errors.Validation, "8.3 entry has a special hint byte 0x%02x", edt.Name[0])
	}
	if edt.IsVfatAttribute() {
		return Entry{}, errors.New(errors.Validation, "8.3 entry carries the vfat attribute byte")
	}
	if edt.IsVolumeLabel() {
		return Entry{}, errors.New(errors.Validation, "8.3 entry carries the volume-label attribute")
	}

	if len(vfat) > 0 {
		if err := validateVfatChain(edt, vfat); err != nil {
			return Entry{}, err
		}
	}
	return Entry{Edt: edt, Vfat: vfat, HadVfat: len(vfat) > 0}, nil
}

// NewInvalidatedEntry builds the 8.3-only Entry iter_entries yields when a
// pending VFAT chain failed checksum or sequence validation: the long name
// is discarded but HadVfat stays true.
func NewInvalidatedEntry(edt EightDotThree) (Entry, error) {
	e, err := NewEntry(edt, nil)
	if err != nil {
		return Entry{}, err
	}
	e.HadVfat = true
	return e, nil
}

// validateVfatChain checks that a chain is in on-disk order (descending
// sequence, last-LFN flag on the first entry only) and that every entry
// shares the checksum derived from edt's packed name.
func validateVfatChain(edt EightDotThree, chain []VfatEntry) error {
	checksum := dosFilenameChecksum(edt.PackedName())
	n := len(chain)
	for i, v := range chain {
		wantSeq := uint8(n - i)
		if v.SequenceNumber() != wantSeq {
			return errors.New(errors.Validation, "vfat chain sequence gap: entry %d has sequence %d, want %d", i, v.SequenceNumber(), wantSeq)
		}
		if i == 0 && !v.IsLast() {
			return errors.New(errors.Validation, "vfat chain's first on-disk entry is missing the last-LFN flag")
		}
		if i != 0 && v.IsLast() {
			return errors.New(errors.Validation, "vfat chain has the last-LFN flag on a non-first entry")
		}
		if v.Checksum != checksum {
			return errors.New(errors.Validation, "vfat entry %d checksum 0x%02x does not match 8.3 checksum 0x%02x", i, v.Checksum, checksum)
		}
	}
	return nil
}

// LongFilename returns the VFAT long name if this entry carries a valid
// chain, otherwise the formatted "NAME.EXT" 8.3 name with the case flags
// applied (CaseLowerName lowercases the name part, CaseLowerExt the
// extension).
func (e Entry) LongFilename() string {
	if len(e.Vfat) > 0 {
		return ReassembleLongName(e.Vfat)
	}
	name := strings.TrimRight(string(e.Edt.Name[:]), " ")
	ext := strings.TrimRight(string(e.Edt.Ext[:]), " ")
	if e.Edt.CaseFlags&CaseLowerName != 0 {
		name = strings.ToLower(name)
	}
	if e.Edt.CaseFlags&CaseLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// DosFilename returns the formatted "NAME.EXT" 8.3 short name, always
// uppercase.
func (e Entry) DosFilename() string {
	return formatDosName(e.Edt)
}

// Equal compares two entries by their 8.3 payload bytes, VFAT chain
// contents, and the HadVfat flag (not just the resulting long filename),
// matching how the specification distinguishes an always-8.3-only file from
// one whose LFN chain existed but was invalidated.
func (e Entry) Equal(other Entry) bool {
	if e.HadVfat != other.HadVfat {
		return false
	}
	if !bytes.Equal(e.Edt.Encode(), other.Edt.Encode()) {
		return false
	}
	if len(e.Vfat) != len(other.Vfat) {
		return false
	}
	for i := range e.Vfat {
		if !bytes.Equal(e.Vfat[i].Encode(), other.Vfat[i].Encode()) {
			return false
		}
	}
	return true
}

// FilenameMatch implements the case-insensitive matching rule used by path
// resolution: a query matches an entry's long filename case-insensitively,
// or, when vfat is true, its 8.3 short name.
func FilenameMatch(query string, e Entry, vfat bool) bool {
	if strings.EqualFold(query, e.LongFilename()) {
		return true
	}
	if vfat {
		return strings.EqualFold(query, e.DosFilename())
	}
	return false
}
