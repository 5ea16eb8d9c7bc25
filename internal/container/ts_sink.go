package container

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/pitx/internal/nal"
)

// PID constants for MPEG-TS.
const (
	tsVideoPID = 0x0100
	tsAudioPID = 0x0101
)

// SinkConfig configures the container sinks.
type SinkConfig struct {
	Logger *slog.Logger
	// Audio is the pass-through stream, nil for video only.
	Audio *Stream
	// FPS sizes the last video sample when no successor fixes it.
	FPS float64
}

func (c *SinkConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.FPS <= 0 {
		c.FPS = 25
	}
}

// TSSink muxes the encoded stream into MPEG-TS with the mediacommon writer.
type TSSink struct {
	w      io.Writer
	config SinkConfig

	muxer      *mpegts.Writer
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track

	params nal.ParameterSets
	opened bool
	frames int
}

// NewTSSink creates an MPEG-TS sink writing to w.
func NewTSSink(w io.Writer, config SinkConfig) *TSSink {
	config.defaults()
	return &TSSink{w: w, config: config}
}

// Open writes the program tables.
func (m *TSSink) Open(ps nal.ParameterSets) error {
	if m.opened {
		return nil
	}
	m.params = ps

	m.videoTrack = &mpegts.Track{PID: tsVideoPID, Codec: &mpegts.CodecH264{}}
	tracks := []*mpegts.Track{m.videoTrack}
	if a := m.config.Audio; a != nil && a.Codec != nil {
		m.audioTrack = &mpegts.Track{PID: tsAudioPID, Codec: a.Codec}
		tracks = append(tracks, m.audioTrack)
	}

	m.muxer = &mpegts.Writer{W: m.w, Tracks: tracks}
	if err := m.muxer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	m.opened = true

	attrs := []any{slog.Int("sps_bytes", len(ps.SPS)), slog.Int("pps_bytes", len(ps.PPS))}
	if m.audioTrack != nil {
		attrs = append(attrs, slog.String("audio_codec", m.config.Audio.Audio.String()))
	}
	m.config.Logger.Debug("MPEG-TS sink opened", attrs...)
	return nil
}

// WriteAccessUnit writes one encoded frame. Key frames without in-band
// parameter sets get them prepended so every IDR is decodable on its own.
func (m *TSSink) WriteAccessUnit(au nal.AccessUnit) error {
	if !m.opened {
		return ErrNotOpen
	}
	nalus := nal.Split(au.Data)
	if len(nalus) == 0 {
		return nil
	}
	if au.Key && m.params.Complete() && !hasParameterSets(nalus) {
		nalus = append([][]byte{m.params.SPS, m.params.PPS}, nalus...)
	}
	m.frames++
	if err := m.muxer.WriteH264(m.videoTrack, toMPEGTS(au.PTS), toMPEGTS(au.DTS), nalus); err != nil {
		return fmt.Errorf("writing video: %w", err)
	}
	return nil
}

// WriteAudio writes one pass-through audio frame.
func (m *TSSink) WriteAudio(p Packet) error {
	if !m.opened {
		return ErrNotOpen
	}
	if m.audioTrack == nil || len(p.Data) == 0 {
		return nil
	}
	pts := toMPEGTS(p.PTS)

	var err error
	switch m.audioTrack.Codec.(type) {
	case *mpegts.CodecMPEG4Audio:
		err = m.muxer.WriteMPEG4Audio(m.audioTrack, pts, [][]byte{p.Data})
	case *mpegts.CodecAC3:
		err = m.muxer.WriteAC3(m.audioTrack, pts, p.Data)
	case *mpegts.CodecEAC3:
		err = m.muxer.WriteEAC3(m.audioTrack, pts, p.Data)
	case *mpegts.CodecMPEG1Audio:
		err = m.muxer.WriteMPEG1Audio(m.audioTrack, pts, [][]byte{p.Data})
	case *mpegts.CodecOpus:
		err = m.muxer.WriteOpus(m.audioTrack, pts, [][]byte{p.Data})
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("writing audio: %w", err)
	}
	return nil
}

// Close ends the stream. The transport stream has no trailer and the
// writer stays open.
func (m *TSSink) Close() error {
	m.config.Logger.Debug("MPEG-TS sink closed", slog.Int("frames", m.frames))
	return nil
}

func hasParameterSets(nalus [][]byte) bool {
	for _, n := range nalus {
		if len(n) > 0 && h264.NALUType(n[0]&0x1f) == h264.NALUTypeSPS {
			return true
		}
	}
	return false
}

var _ Sink = (*TSSink)(nil)
