package container

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/jmylchreest/pitx/internal/nal"
)

// RawSink writes the encoder output as an Annex B elementary stream.
// Parameter sets arrive as ordinary units, so Open writes nothing and
// audio is discarded.
type RawSink struct {
	w       io.Writer
	config  SinkConfig
	opened  bool
	units   int
	written int64
	audio   int
}

// NewRawSink creates a raw elementary stream sink writing to w.
func NewRawSink(w io.Writer, config SinkConfig) *RawSink {
	config.defaults()
	return &RawSink{w: w, config: config}
}

// Open marks the sink ready.
func (m *RawSink) Open(nal.ParameterSets) error {
	m.opened = true
	return nil
}

// WriteAccessUnit appends the unit's bytes.
func (m *RawSink) WriteAccessUnit(au nal.AccessUnit) error {
	if !m.opened {
		return ErrNotOpen
	}
	n, err := m.w.Write(au.Data)
	m.written += int64(n)
	if err != nil {
		return fmt.Errorf("writing elementary stream: %w", err)
	}
	m.units++
	return nil
}

// WriteAudio drops the packet.
func (m *RawSink) WriteAudio(Packet) error {
	if m.audio == 0 {
		m.config.Logger.Warn("raw output carries no audio, dropping audio packets")
	}
	m.audio++
	return nil
}

// Close reports what was written; the writer stays open.
func (m *RawSink) Close() error {
	m.config.Logger.Debug("raw sink closed",
		slog.Int("units", m.units),
		slog.Int64("bytes", m.written),
		slog.Int("audio_dropped", m.audio))
	return nil
}

// NewSink returns the sink for format.
func NewSink(format Format, w io.Writer, config SinkConfig) (Sink, error) {
	switch format {
	case FormatRaw:
		return NewRawSink(w, config), nil
	case FormatMPEGTS:
		return NewTSSink(w, config), nil
	case FormatFMP4:
		return NewFMP4Sink(w, config), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

var _ Sink = (*RawSink)(nil)
