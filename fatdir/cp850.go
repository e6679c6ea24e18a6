package fatdir

// cp850High holds the upper half of code page 850 (DOS Latin-1), indices
// 0x00..0x7F representing OEM bytes 0x80..0xFF. The lower half (0x00..0x7F)
// is ASCII and needs no table.
//
// This is written out directly from the published CP850 mapping rather than
// ported from a binary codepage blob (the teacher and soypat-fat both load
// their OEM tables from embedded binary files this workspace has no access
// to); see DESIGN.md for the scope this implies.
var cp850High = [128]rune{
	'Ç', 'ü', 'é', 'â', 'ä', 'à', 'å', 'ç',
	'ê', 'ë', 'è', 'ï', 'î', 'ì', 'Ä', 'Å',
	'É', 'æ', 'Æ', 'ô', 'ö', 'ò', 'û', 'ù',
	'ÿ', 'Ö', 'Ü', 'ø', '£', 'Ø', '×', 'ƒ',
	'á', 'í', 'ó', 'ú', 'ñ', 'Ñ', 'ª', 'º',
	'¿', '®', '¬', '½', '¼', '¡', '«', '»',
	'░', '▒', '▓', '│', '┤', 'Á', 'Â', 'À',
	'©', '╣', '║', '╗', '╝', '¢', '¥', '┐',
	'└', '┴', '┬', '├', '─', '┼', 'ã', 'Ã',
	'╚', '╔', '╩', '╦', '╠', '═', '╬', '¤',
	'ð', 'Ð', 'Ê', 'Ë', 'È', 'ı', 'Í', 'Î',
	'Ï', '┘', '┌', '█', '▄', '¦', 'Ì', '▀',
	'Ó', 'ß', 'Ô', 'Ò', 'õ', 'Õ', 'µ', 'þ',
	'Þ', 'Ú', 'Û', 'Ù', 'ý', 'Ý', '¯', '´',
	'­', '±', '‗', '¾', '¶', '§', '÷', '¸',
	'°', '¨', '·', '¹', '³', '²', '■', ' ',
}

var cp850Reverse = buildReverseCP850()

func buildReverseCP850() map[rune]byte {
	m := make(map[rune]byte, 128)
	for i, r := range cp850High {
		m[r] = byte(0x80 + i)
	}
	return m
}

// ToOEMByte converts a rune to its CP850 byte encoding. ASCII runes
// 0x20..0x7E map to themselves. It returns ok=false if the rune has no CP850
// representation.
func ToOEMByte(r rune) (b byte, ok bool) {
	if r >= 0x20 && r <= 0x7E {
		return byte(r), true
	}
	if b, ok = cp850Reverse[r]; ok {
		return b, true
	}
	return 0, false
}

// FromOEMByte converts a CP850 byte into its Unicode rune.
func FromOEMByte(b byte) rune {
	if b < 0x80 {
		return rune(b)
	}
	return cp850High[b-0x80]
}

// IsCP850Representable reports whether r has a CP850 encoding.
func IsCP850Representable(r rune) bool {
	_, ok := ToOEMByte(r)
	return ok
}
