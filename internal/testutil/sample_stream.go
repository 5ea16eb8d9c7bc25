// Package testutil provides test fixtures: small H.264 streams and the
// transport streams that carry them.
package testutil

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// Parameter sets of a 720x576 progressive baseline stream, SAR 16:15,
// 25 fps timing info.
var (
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x1e, 0xda, 0x02, 0xd0, 0x49,
		0xbf, 0xf0, 0x01, 0x00, 0x00, 0xf1, 0x00, 0x00,
		0x03, 0x00, 0x01, 0x00, 0x00, 0x03, 0x00, 0x32, 0x84,
	}
	PPS = []byte{0x68, 0xce, 0x06, 0xe2}
)

// Frame timing of the sample streams, 25 fps.
const (
	FrameUS    = 40000
	FrameTicks = 3600
	// BaseTicks is the first PTS written by WriteTS, one second in.
	BaseTicks = 90000
)

// Quiet returns a logger that drops everything.
func Quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// AnnexB joins NAL units with four-byte start codes.
func AnnexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

// AccessUnit returns frame i of a stream whose GOP is gop frames long.
// The first frame of each GOP carries SPS, PPS and an IDR slice.
func AccessUnit(i, gop int) [][]byte {
	if gop > 0 && i%gop == 0 {
		return [][]byte{SPS, PPS, {0x65, 0x88, 0x84, byte(i)}}
	}
	return [][]byte{{0x41, 0x9a, 0x02, byte(i)}}
}

// AAC is the 48 kHz stereo AAC-LC track of the sample streams.
func AAC() *mpegts.CodecMPEG4Audio {
	return &mpegts.CodecMPEG4Audio{Config: mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   48000,
		ChannelCount: 2,
	}}
}

// TSOptions shapes a sample transport stream.
type TSOptions struct {
	Frames int
	GOP    int
	// Audio adds one AAC frame per video frame on a second PID.
	Audio bool
}

// WriteTS muxes a sample stream into w.
func WriteTS(w io.Writer, o TSOptions) error {
	video := &mpegts.Track{PID: 0x100, Codec: &mpegts.CodecH264{}}
	tracks := []*mpegts.Track{video}
	var aac *mpegts.Track
	if o.Audio {
		aac = &mpegts.Track{PID: 0x101, Codec: AAC()}
		tracks = append(tracks, aac)
	}
	mw := &mpegts.Writer{W: w, Tracks: tracks}
	if err := mw.Initialize(); err != nil {
		return fmt.Errorf("initializing sample writer: %w", err)
	}

	for i := 0; i < o.Frames; i++ {
		pts := int64(BaseTicks + i*FrameTicks)
		if err := mw.WriteH264(video, pts, pts, AccessUnit(i, o.GOP)); err != nil {
			return fmt.Errorf("writing sample frame %d: %w", i, err)
		}
		if aac != nil {
			if err := mw.WriteMPEG4Audio(aac, pts, [][]byte{{0x21, 0x10, 0x05, byte(i)}}); err != nil {
				return fmt.Errorf("writing sample audio %d: %w", i, err)
			}
		}
	}
	return nil
}

// SampleTS returns a sample transport stream, failing tb on error.
func SampleTS(tb testing.TB, o TSOptions) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := WriteTS(&buf, o); err != nil {
		tb.Fatalf("sample stream: %v", err)
	}
	return buf.Bytes()
}

// SampleFile writes a sample transport stream named name into a
// temporary directory and returns its path.
func SampleFile(tb testing.TB, name string, o TSOptions) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, SampleTS(tb, o), 0o600); err != nil {
		tb.Fatalf("writing sample file: %v", err)
	}
	return path
}
