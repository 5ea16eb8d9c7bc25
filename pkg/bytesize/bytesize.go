// Package bytesize parses and formats human-readable sizes and bit rates.
// Both use a binary (1024) base, so "2M" is 2097152.
//
// Size units (case-insensitive): B, K/KB/KiB, M/MB/MiB, G/GB/GiB.
// Rate units (case-insensitive): K/Kbit/Kbps, M/Mbit/Mbps, G/Gbit/Gbps;
// a bare number is bits per second.
package bytesize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary size constants.
const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
)

var sizeUnits = map[string]Size{
	"": B, "b": B, "byte": B, "bytes": B,
	"k": KB, "kb": KB, "kib": KB,
	"m": MB, "mb": MB, "mib": MB,
	"g": GB, "gb": GB, "gib": GB,
}

// Rate is a bit rate in bits per second.
type Rate uint32

// Binary rate constants.
const (
	Bps  Rate = 1
	Kbps Rate = 1024
	Mbps Rate = 1024 * Kbps
	Gbps Rate = 1024 * Mbps
)

var rateUnits = map[string]Rate{
	"": Bps, "bps": Bps,
	"k": Kbps, "kbit": Kbps, "kbps": Kbps, "kb": Kbps,
	"m": Mbps, "mbit": Mbps, "mbps": Mbps, "mb": Mbps,
	"g": Gbps, "gbit": Gbps, "gbps": Gbps, "gb": Gbps,
}

// valuePattern matches a number (int or float) followed by an optional unit.
var valuePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

func split(kind, s string) (float64, string, error) {
	if strings.TrimSpace(s) == "" {
		return 0, "", fmt.Errorf("bytesize: empty %s", kind)
	}
	m := valuePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, "", fmt.Errorf("bytesize: invalid %s %q", kind, s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("bytesize: invalid number %q: %w", m[1], err)
	}
	return v, strings.ToLower(m[2]), nil
}

// Parse parses a size such as "2MB", "1.5 GiB" or "4096".
func Parse(s string) (Size, error) {
	v, unit, err := split("size", s)
	if err != nil {
		return 0, err
	}
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown size unit %q", unit)
	}
	n := v * float64(mult)
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("bytesize: size %q overflows", s)
	}
	return Size(n), nil
}

// ParseRate parses a bit rate such as "2M", "500k" or "4000000".
func ParseRate(s string) (Rate, error) {
	v, unit, err := split("rate", s)
	if err != nil {
		return 0, err
	}
	mult, ok := rateUnits[unit]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown rate unit %q", unit)
	}
	n := v * float64(mult)
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("bytesize: rate %q overflows", s)
	}
	return Rate(n), nil
}

// Format renders s with the largest unit that keeps the value at least 1.
func Format(s Size) string {
	neg := s < 0
	if neg {
		s = -s
	}
	var out string
	switch {
	case s >= GB:
		out = trim(float64(s)/float64(GB), "GB")
	case s >= MB:
		out = trim(float64(s)/float64(MB), "MB")
	case s >= KB:
		out = trim(float64(s)/float64(KB), "KB")
	default:
		out = fmt.Sprintf("%dB", s)
	}
	if neg {
		return "-" + out
	}
	return out
}

// FormatRate renders r the same way, with bit-rate units.
func FormatRate(r Rate) string {
	switch {
	case r >= Gbps:
		return trim(float64(r)/float64(Gbps), "G")
	case r >= Mbps:
		return trim(float64(r)/float64(Mbps), "M")
	case r >= Kbps:
		return trim(float64(r)/float64(Kbps), "k")
	default:
		return strconv.FormatUint(uint64(r), 10)
	}
}

func trim(v float64, unit string) string {
	if v == math.Trunc(v) {
		return strconv.FormatInt(int64(v), 10) + unit
	}
	f := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
	return f + unit
}

// Bytes returns the size as int64.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(s) }

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so viper and YAML
// accept "2MB" as well as a plain byte count.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// BitsPerSecond returns the rate as uint32.
func (r Rate) BitsPerSecond() uint32 { return uint32(r) }

func (r Rate) String() string { return FormatRate(r) }

// MarshalText implements encoding.TextMarshaler.
func (r Rate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rate) UnmarshalText(text []byte) error {
	v, err := ParseRate(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
