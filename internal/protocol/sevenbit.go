package protocol

import "fmt"

// Split14 breaks a 14-bit value into its low and high 7-bit bytes.
func Split14(v int) (lsb, msb byte) {
	return byte(v & 0x7F), byte((v >> 7) & 0x7F)
}

// Join14 reassembles a value split by Split14. Either byte carrying bit 7 is
// a protocol violation.
func Join14(lsb, msb byte) (int, error) {
	if lsb&0x80 != 0 || msb&0x80 != 0 {
		return 0, ErrValueOutOfRange
	}
	return int(lsb) | int(msb)<<7, nil
}

// maxGroups bounds variable-length 7-bit integers so they fit in an int32.
const maxGroups = 4

// appendGroups appends v as 7-bit groups, least significant first. Zero is
// written as a single group.
func appendGroups(dst []byte, v int) []byte {
	dst = append(dst, byte(v&0x7F))
	for v >>= 7; v > 0; v >>= 7 {
		dst = append(dst, byte(v&0x7F))
	}
	return dst
}

func readGroups(b []byte) (int, error) {
	if len(b) > maxGroups {
		return 0, fmt.Errorf("%w: %d value bytes", ErrValueOutOfRange, len(b))
	}
	v := 0
	for i, g := range b {
		v |= int(g&0x7F) << (7 * i)
	}
	return v, nil
}

// appendString writes s two bytes per character.
func appendString(dst []byte, s string) ([]byte, error) {
	for _, r := range s {
		if r < 0 || r > Max14Bit {
			return nil, fmt.Errorf("%w: character %q", ErrArgumentRange, r)
		}
		lsb, msb := Split14(int(r))
		dst = append(dst, lsb, msb)
	}
	return dst, nil
}

func readString(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("%w: odd string length %d", ErrTruncated, len(b))
	}
	runes := make([]rune, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		v, err := Join14(b[i], b[i+1])
		if err != nil {
			return "", err
		}
		runes = append(runes, rune(v))
	}
	return string(runes), nil
}

func portByte(pins [8]bool) int {
	v := 0
	for i, on := range pins {
		if on {
			v |= 1 << i
		}
	}
	return v
}

func portPins(v int) [8]bool {
	var pins [8]bool
	for i := range pins {
		pins[i] = v&(1<<i) != 0
	}
	return pins
}
