// Package container reads the input transport stream and writes the
// transcoded output. Timestamps crossing this package boundary are in
// microseconds, the unit of the hardware tick.
package container

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/pitx/internal/codec"
	"github.com/jmylchreest/pitx/internal/nal"
)

// Sentinel errors.
var (
	ErrNoVideo       = errors.New("input has no video stream")
	ErrUnknownFormat = errors.New("unknown output format")
	ErrNotOpen       = errors.New("output not open")
)

// Kind is the media type of a stream.
type Kind int

// Stream kinds.
const (
	KindVideo Kind = iota
	KindAudio
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "other"
	}
}

// Stream describes one elementary stream of the input.
type Stream struct {
	Index int
	PID   uint16
	Kind  Kind
	Video codec.Video
	Audio codec.Audio
	// Codec is the reader's description, reused when the stream is
	// written back out unchanged.
	Codec mpegts.Codec

	// Video geometry, taken from the first sequence header when the codec
	// is H.264 and zero otherwise.
	Width  int
	Height int
	FPS    float64
	// Sample aspect ratio; 0/0 when unknown.
	SARNum int
	SARDen int

	// Audio parameters, for sample durations.
	SampleRate   int
	ChannelCount int
}

// Packet is one demuxed access unit.
type Packet struct {
	Stream int
	Kind   Kind
	Data   []byte
	PTS    int64
	DTS    int64
	// Duration is the gap to the next packet of the same stream.
	Duration int64
	Key      bool
}

// Source yields packets from an input container. ReadPacket returns io.EOF
// at the end of input.
type Source interface {
	Streams() []Stream
	Video() (Stream, bool)
	ReadPacket() (Packet, error)
	Close() error
}

// Sink writes the transcoded stream. It receives access units from the
// reassembler and audio packets passed through from the source.
type Sink interface {
	nal.Output
	WriteAudio(p Packet) error
	Close() error
}

// Format is an output container kind.
type Format string

// Output formats.
const (
	FormatAuto   Format = "auto"
	FormatRaw    Format = "raw"
	FormatMPEGTS Format = "mpegts"
	FormatFMP4   Format = "fmp4"
)

func (f Format) String() string {
	return string(f)
}

// ParseFormat parses a --format value.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "raw", "h264", "264", "annexb":
		return FormatRaw, nil
	case "mpegts", "ts", "m2ts":
		return FormatMPEGTS, nil
	case "fmp4", "mp4", "cmaf":
		return FormatFMP4, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// FormatForPath picks the output format from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".264", ".h264", ".nal":
		return FormatRaw, nil
	case ".ts", ".m2ts", ".mts":
		return FormatMPEGTS, nil
	case ".mp4", ".m4v":
		return FormatFMP4, nil
	default:
		return "", fmt.Errorf("%w: cannot infer from %q, use --format", ErrUnknownFormat, filepath.Base(path))
	}
}

// ResolveFormat applies an explicit format, falling back to the extension.
func ResolveFormat(explicit Format, path string) (Format, error) {
	if explicit != "" && explicit != FormatAuto {
		return explicit, nil
	}
	return FormatForPath(path)
}

// Gated reports whether output must wait for parameter sets before it is
// opened. Raw elementary output takes every unit as it comes.
func (f Format) Gated() bool {
	return f != FormatRaw
}

// µs <-> 90 kHz.
func toMPEGTS(us int64) int64 {
	return us * 9 / 100
}

func fromMPEGTS(ts int64) int64 {
	return ts * 100 / 9
}
