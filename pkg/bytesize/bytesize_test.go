package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Size
		wantErr  bool
	}{
		{"bytes numeric only", "1024", 1024, false},
		{"bytes with B", "1024B", 1024, false},
		{"kilobytes K", "5K", 5 * KB, false},
		{"kilobytes KiB", "5KiB", 5 * KB, false},
		{"megabytes MB", "2MB", 2 * MB, false},
		{"megabytes lowercase", "2mb", 2 * MB, false},
		{"float with space", "1.5 GB", Size(1.5 * float64(GB)), false},
		{"whitespace", "  5MB  ", 5 * MB, false},
		{"zero", "0", 0, false},
		{"invalid format", "invalid", 0, true},
		{"empty", "", 0, true},
		{"unknown unit", "5XB", 0, true},
		{"negative", "-5MB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		input    string
		expected Rate
		wantErr  bool
	}{
		{"2M", 2 * 1024 * 1024, false},
		{"500k", 500 * 1024, false},
		{"1.5Mbps", Rate(1.5 * 1024 * 1024), false},
		{"4000000", 4000000, false},
		{"8 kbit", 8 * 1024, false},
		{"5G", 0, true},
		{"2X", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRate(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0B", Format(0))
	assert.Equal(t, "512B", Format(512))
	assert.Equal(t, "2MB", Format(2*MB))
	assert.Equal(t, "1.5KB", Format(1536))
	assert.Equal(t, "-1KB", Format(-KB))

	assert.Equal(t, "2M", FormatRate(2*Mbps))
	assert.Equal(t, "500k", FormatRate(500*Kbps))
	assert.Equal(t, "999", FormatRate(999))
}

func TestTextRoundTrip(t *testing.T) {
	var s Size
	require.NoError(t, s.UnmarshalText([]byte("2MB")))
	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2MB", string(text))

	var r Rate
	require.NoError(t, r.UnmarshalText([]byte("2M")))
	assert.Equal(t, uint32(2*1024*1024), r.BitsPerSecond())
	assert.Error(t, r.UnmarshalText([]byte("fast")))
}
