package sgl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// multipliers maps a size suffix to its value. Lower-case single letters and the
// "iB" forms are powers of 1024; the upper-case "B" forms are powers of 1000.
var multipliers = map[string]int64{
	"c":   1,
	"w":   2,
	"b":   512,
	"k":   1 << 10,
	"K":   1 << 10,
	"KiB": 1 << 10,
	"kB":  1000,
	"KB":  1000,
	"m":   1 << 20,
	"M":   1 << 20,
	"MiB": 1 << 20,
	"MB":  1000 * 1000,
	"g":   1 << 30,
	"G":   1 << 30,
	"GiB": 1 << 30,
	"GB":  1000 * 1000 * 1000,
	"t":   1 << 40,
	"T":   1 << 40,
	"TiB": 1 << 40,
	"TB":  1000 * 1000 * 1000 * 1000,
	"p":   1 << 50,
	"P":   1 << 50,
	"PiB": 1 << 50,
	"PB":  1000 * 1000 * 1000 * 1000 * 1000,
}

// ParseNum parses a non-negative number. Accepted forms are plain decimal,
// "0x"-prefixed hex, hex with a trailing 'h', decimal with a multiplier suffix
// (e.g. "4k", "1MiB", "3MB") and products written as "NxM".
func ParseNum(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}

	if lhs, rhs, ok := strings.Cut(s, "x"); ok && lhs != "0" && lhs != "" {
		a, err := ParseNum(lhs)
		if err != nil {
			return 0, err
		}
		b, err := ParseNum(rhs)
		if err != nil {
			return 0, err
		}
		if a != 0 && b > math.MaxInt64/a {
			return 0, fmt.Errorf("number overflows: %q", s)
		}
		return a * b, nil
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return parseHex(s[2:], s)
	}
	if last := s[len(s)-1]; last == 'h' || last == 'H' {
		return parseHex(s[:len(s)-1], s)
	}

	// Split into leading digits and suffix.
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid number: %q", s)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", s)
	}
	suffix := s[i:]
	if suffix == "" {
		return n, nil
	}
	mult, ok := multipliers[suffix]
	if !ok {
		return 0, fmt.Errorf("invalid multiplier %q in %q", suffix, s)
	}
	if n != 0 && mult > math.MaxInt64/n {
		return 0, fmt.Errorf("number overflows: %q", s)
	}
	return n * mult, nil
}

// ParseHex parses a hex number with an optional "0x" prefix or 'h' suffix.
func ParseHex(s string) (int64, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		return parseHex(s[2:], s)
	case strings.HasSuffix(s, "h"), strings.HasSuffix(s, "H"):
		return parseHex(s[:len(s)-1], s)
	default:
		return parseHex(s, s)
	}
}

func parseHex(digits, orig string) (int64, error) {
	if digits == "" {
		return 0, fmt.Errorf("invalid hex number: %q", orig)
	}
	n, err := strconv.ParseUint(digits, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("invalid hex number: %q", orig)
	}
	return int64(n), nil
}
