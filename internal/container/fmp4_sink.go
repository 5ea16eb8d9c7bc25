package container

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/pitx/internal/nal"
)

const (
	fmp4VideoTrackID   = 1
	fmp4AudioTrackID   = 2
	fmp4VideoTimeScale = 90000
)

// FMP4Sink writes fragmented MP4: one init segment, then one fragment per
// group of pictures.
type FMP4Sink struct {
	w      io.Writer
	config SinkConfig

	opened         bool
	sequenceNumber uint32
	audioCodec     mp4.Codec
	audioTimeScale uint32

	origin        int64
	haveOrigin    bool
	videoBaseTime uint64
	audioBaseTime uint64
	audioStarted  bool

	pending      *nal.AccessUnit
	videoSamples []*fmp4.Sample
	audioSamples []*fmp4.Sample
	fragments    int
}

// NewFMP4Sink creates a fragmented MP4 sink writing to w.
func NewFMP4Sink(w io.Writer, config SinkConfig) *FMP4Sink {
	config.defaults()
	return &FMP4Sink{w: w, config: config, sequenceNumber: 1}
}

// Open writes the init segment. The video sample entry is built from the
// parameter sets, so the sink cannot open before both are known.
func (m *FMP4Sink) Open(ps nal.ParameterSets) error {
	if m.opened {
		return nil
	}
	if !ps.Complete() {
		return fmt.Errorf("fmp4 init segment: %w", nal.ErrParameterSetsMissing)
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        fmp4VideoTrackID,
			TimeScale: fmp4VideoTimeScale,
			Codec:     &mp4.CodecH264{SPS: ps.SPS, PPS: ps.PPS},
		}},
	}

	if a := m.config.Audio; a != nil {
		ac, err := mp4AudioCodec(a)
		if err != nil {
			m.config.Logger.Warn("Audio codec not supported in fMP4, skipping audio track",
				slog.String("audio_codec", a.Audio.String()),
				slog.String("error", err.Error()))
		} else {
			m.audioCodec = ac
			m.audioTimeScale = uint32(a.SampleRate)
			if m.audioTimeScale == 0 {
				m.audioTimeScale = 48000
			}
			init.Tracks = append(init.Tracks, &fmp4.InitTrack{
				ID:        fmp4AudioTrackID,
				TimeScale: m.audioTimeScale,
				Codec:     ac,
			})
		}
	}

	var buf bytes.Buffer
	if err := init.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling init segment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing init segment: %w", err)
	}
	m.opened = true
	m.config.Logger.Debug("fMP4 sink opened", slog.Int("tracks", len(init.Tracks)))
	return nil
}

func mp4AudioCodec(s *Stream) (mp4.Codec, error) {
	if !s.Audio.FMP4Compatible() {
		return nil, fmt.Errorf("%s has no fMP4 sample entry", s.Audio)
	}
	switch c := s.Codec.(type) {
	case *mpegts.CodecMPEG4Audio:
		return &mp4.CodecMPEG4Audio{Config: c.Config}, nil
	case *mpegts.CodecOpus:
		return &mp4.CodecOpus{ChannelCount: c.ChannelCount}, nil
	case *mpegts.CodecAC3:
		return &mp4.CodecAC3{SampleRate: c.SampleRate, ChannelCount: c.ChannelCount}, nil
	case *mpegts.CodecMPEG1Audio:
		return &mp4.CodecMPEG1Audio{SampleRate: s.SampleRate, ChannelCount: s.ChannelCount}, nil
	default:
		return nil, fmt.Errorf("unexpected codec %T for %s", s.Codec, s.Audio)
	}
}

// WriteAccessUnit queues one encoded frame. A sample's duration is the
// distance to the next one, so each frame is held until its successor
// arrives; a key frame closes the running fragment.
func (m *FMP4Sink) WriteAccessUnit(au nal.AccessUnit) error {
	if !m.opened {
		return ErrNotOpen
	}
	if au.Config {
		return nil
	}
	if !m.haveOrigin {
		m.origin, m.haveOrigin = au.DTS, true
	}

	if m.pending != nil {
		dur := toMPEGTS(au.DTS - m.pending.DTS)
		if err := m.queueVideo(m.pending, dur); err != nil {
			return err
		}
		if au.Key {
			if err := m.flush(); err != nil {
				return err
			}
		}
	}
	held := au
	m.pending = &held
	return nil
}

func (m *FMP4Sink) queueVideo(au *nal.AccessUnit, dur int64) error {
	if dur <= 0 {
		dur = int64(fmp4VideoTimeScale / m.config.FPS)
	}
	sample := &fmp4.Sample{Duration: uint32(dur)}
	if err := sample.FillH264(int32(toMPEGTS(au.PTS-au.DTS)), nal.Split(au.Data)); err != nil {
		return fmt.Errorf("building video sample: %w", err)
	}
	// The encoder's key flag wins over the slice scan.
	sample.IsNonSyncSample = !au.Key
	m.videoSamples = append(m.videoSamples, sample)
	return nil
}

// WriteAudio queues one pass-through audio frame into the running fragment.
func (m *FMP4Sink) WriteAudio(p Packet) error {
	if !m.opened {
		return ErrNotOpen
	}
	if m.audioCodec == nil || len(p.Data) == 0 {
		return nil
	}
	if !m.audioStarted {
		m.audioStarted = true
		if m.haveOrigin && p.PTS > m.origin {
			m.audioBaseTime = uint64((p.PTS - m.origin) * int64(m.audioTimeScale) / 1_000_000)
		}
	}
	m.audioSamples = append(m.audioSamples, &fmp4.Sample{
		Duration: uint32(p.Duration * int64(m.audioTimeScale) / 1_000_000),
		Payload:  p.Data,
	})
	return nil
}

// flush writes the queued samples as one fragment.
func (m *FMP4Sink) flush() error {
	if len(m.videoSamples) == 0 && len(m.audioSamples) == 0 {
		return nil
	}

	part := &fmp4.Part{SequenceNumber: m.sequenceNumber}
	if len(m.videoSamples) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       fmp4VideoTrackID,
			BaseTime: m.videoBaseTime,
			Samples:  m.videoSamples,
		})
		for _, s := range m.videoSamples {
			m.videoBaseTime += uint64(s.Duration)
		}
		m.videoSamples = nil
	}
	if len(m.audioSamples) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       fmp4AudioTrackID,
			BaseTime: m.audioBaseTime,
			Samples:  m.audioSamples,
		})
		for _, s := range m.audioSamples {
			m.audioBaseTime += uint64(s.Duration)
		}
		m.audioSamples = nil
	}

	var buf bytes.Buffer
	if err := part.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling fragment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing fragment: %w", err)
	}
	m.sequenceNumber++
	m.fragments++
	return nil
}

// Close writes the held frame and the last fragment.
func (m *FMP4Sink) Close() error {
	if !m.opened {
		return nil
	}
	if m.pending != nil {
		if err := m.queueVideo(m.pending, 0); err != nil {
			return err
		}
		m.pending = nil
	}
	if err := m.flush(); err != nil {
		return err
	}
	m.config.Logger.Debug("fMP4 sink closed", slog.Int("fragments", m.fragments))
	return nil
}

// seekableBuffer wraps bytes.Buffer to provide io.WriteSeeker.
type seekableBuffer struct {
	*bytes.Buffer
	pos int64
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	if int(s.pos) > s.Buffer.Len() {
		s.Buffer.Write(make([]byte, int(s.pos)-s.Buffer.Len()))
	}
	if int(s.pos) == s.Buffer.Len() {
		n, err := s.Buffer.Write(p)
		s.pos += int64(n)
		return n, err
	}
	b := s.Buffer.Bytes()
	n := copy(b[s.pos:], p)
	if n < len(p) {
		m, err := s.Buffer.Write(p[n:])
		n += m
		if err != nil {
			s.pos += int64(n)
			return n, err
		}
	}
	s.pos += int64(n)
	return n, nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		pos = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position %d", pos)
	}
	s.pos = pos
	return pos, nil
}

var _ Sink = (*FMP4Sink)(nil)
