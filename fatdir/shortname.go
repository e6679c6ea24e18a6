package fatdir

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dargueta/fatdisk/errors"
)

// forbiddenDosChars beyond the always-illegal control range and CP850 gaps.
const forbiddenDosChars = `+,;=[]"*/:<>?\|`

func isForbiddenDosChar(r rune) bool {
	if r < 0x20 || r == 0x7F {
		return true
	}
	return strings.ContainsRune(forbiddenDosChars, r)
}

// isValidDosName reports whether name(<=8)+ext(<=3) is a legal DOS filename
// per spec: total length <= 12, no leading dot, no forbidden/lowercase/
// CP850-unrepresentable characters.
func isValidDosName(name, ext string) bool {
	if len(name) == 0 || len(name) > 8 || len(ext) > 3 {
		return false
	}
	if len(name)+len(ext) > 11 {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, part := range []string{name, ext} {
		for _, r := range part {
			if unicode.IsLower(r) {
				return false
			}
			if isForbiddenDosChar(r) {
				return false
			}
			if !IsCP850Representable(r) {
				return false
			}
		}
	}
	return true
}

// sanitizeDosPart removes dots and spaces, then replaces any forbidden or
// CP850-unrepresentable character with '_'.
func sanitizeDosPart(part string) string {
	var b strings.Builder
	for _, r := range part {
		if r == '.' || r == ' ' {
			continue
		}
		if isForbiddenDosChar(r) || !IsCP850Representable(r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// PackShortName right-pads name/ext with spaces into the 11-byte on-disk
// form.
func PackShortName(name, ext string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[0:8], name)
	copy(out[8:11], ext)
	return out
}

// GenerateShortName derives a unique 8.3 short name for longName, given the
// set of packed 11-byte names (space-padded, as returned by PackShortName)
// already present in the directory.
func GenerateShortName(longName string, existing map[[11]byte]bool) (name, ext string, err error) {
	upper := strings.ToUpper(longName)

	splitIdx := strings.LastIndex(upper, ".")
	var rawName, rawExt string
	if splitIdx < 0 {
		rawName = upper
	} else {
		rawName = upper[:splitIdx]
		rawExt = upper[splitIdx+1:]
	}

	sanName := sanitizeDosPart(rawName)
	sanExt := sanitizeDosPart(rawExt)

	if strings.HasPrefix(upper, ".") && strings.TrimSpace(sanName) == "" {
		sanName = sanExt
		sanExt = ""
	}

	truncName := truncateRunes(sanName, 8)
	truncExt := truncateRunes(sanExt, 3)

	if isValidDosName(truncName, truncExt) {
		candidate := truncName
		if truncExt != "" {
			candidate += "." + truncExt
		}
		if candidate == upper {
			return truncName, truncExt, nil
		}
	}

	taken := func(n, e string) bool { return existing[PackShortName(n, e)] }

	if len([]rune(sanName)) > 2 {
		base := truncateRunes(sanName, 6)
		for i := 1; i <= 4; i++ {
			candidateName := fmt.Sprintf("%s~%d", base, i)
			if !taken(candidateName, truncExt) {
				return candidateName, truncExt, nil
			}
		}
	}

	checksum := vfatFilenameChecksum(longName)
	checksumHex := strings.ToUpper(fmt.Sprintf("%04X", checksum))

	for i := 1; i <= 9; i++ {
		prefix := truncateRunes(sanName, 2)
		candidateName := trimTrailingDot(fmt.Sprintf("%s%s~%d", prefix, checksumHex, i))
		if !taken(candidateName, truncExt) {
			return candidateName, truncExt, nil
		}
	}
	for i := 10; i <= 99; i++ {
		prefix := truncateRunes(sanName, 1)
		candidateName := trimTrailingDot(fmt.Sprintf("%s%s~%d", prefix, checksumHex, i))
		if !taken(candidateName, truncExt) {
			return candidateName, truncExt, nil
		}
	}
	for i := 100; i <= 999; i++ {
		candidateName := trimTrailingDot(fmt.Sprintf("%s~%d", checksumHex, i))
		if !taken(candidateName, truncExt) {
			return candidateName, truncExt, nil
		}
	}

	return "", "", errors.New(errors.FilesystemLimit, "exhausted short-name collision space for %q", longName)
}

func trimTrailingDot(s string) string {
	return strings.TrimSuffix(s, ".")
}

// vfatFilenameChecksum computes the 16-bit Windows-NT-compatible checksum
// used to build numbered-tail short names once the simple 6-char truncation
// is exhausted. It relies on fixed-width, two's-complement wraparound
// arithmetic throughout and must not be "simplified" into arbitrary
// precision math.
func vfatFilenameChecksum(filename string) uint16 {
	var c uint32
	for _, r := range filename {
		b, ok := ToOEMByte(r)
		if !ok {
			b = 0xFE
		}
		c = (c*0x25 + uint32(b)) & 0xFFFF
	}

	product := int32(c * 314159269) // wrapping 32-bit multiply
	p := int64(product)
	if p < 0 {
		p = -p
	}
	s := p - ((p * 1152921497) >> 60) * 1000000007
	s16 := uint16(s)

	return ((s16 & 0xF000) >> 12) | ((s16 & 0x0F00) >> 4) | ((s16 & 0x00F0) << 4) | ((s16 & 0x000F) << 12)
}
