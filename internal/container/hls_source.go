package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gohlslib "github.com/bluenviron/gohlslib/v2"
	"github.com/bluenviron/gohlslib/v2/pkg/codecs"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/pitx/internal/codec"
)

// Defaults for HLS input.
const (
	DefaultHLSTrackTimeout = 15 * time.Second
	hlsBacklog             = 256
	videoClockRate         = 90000
)

// HLSConfig configures an HLSSource.
type HLSConfig struct {
	SourceConfig
	HTTPClient *http.Client
	// TrackTimeout bounds the wait for the first segment's tracks.
	TrackTimeout time.Duration
}

// IsHLS reports whether an input names an HLS playlist.
func IsHLS(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// HLSSource pulls an HLS playlist with the gohlslib client. The client
// delivers data on its own goroutines; packets cross a bounded channel so
// a slow pipeline throttles the downloads.
type HLSSource struct {
	logger *slog.Logger
	client *gohlslib.Client

	streams []Stream
	video   int
	audio   int

	packets chan Packet
	done    chan struct{}
	ended   chan struct{}
	errMu   sync.Mutex
	err     error

	closeOnce sync.Once

	// pending, held and lastDur belong to the ReadPacket goroutine.
	pending []Packet
	held    *Packet
	lastDur int64
}

// OpenHLS starts downloading uri and waits until the first segment has
// revealed the tracks.
func OpenHLS(ctx context.Context, uri string, cfg HLSConfig) (*HLSSource, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TrackTimeout <= 0 {
		cfg.TrackTimeout = DefaultHLSTrackTimeout
	}
	s := &HLSSource{
		logger:  cfg.Logger,
		video:   -1,
		audio:   -1,
		packets: make(chan Packet, hlsBacklog),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
	}

	ready := make(chan error, 1)
	s.client = &gohlslib.Client{
		URI:        uri,
		HTTPClient: cfg.HTTPClient,
		OnTracks: func(tracks []*gohlslib.Track) error {
			err := s.onTracks(tracks, cfg.AudioStream)
			ready <- err
			return err
		},
	}
	if err := s.client.Start(); err != nil {
		return nil, fmt.Errorf("starting HLS client: %w", err)
	}
	go s.watch()

	timer := time.NewTimer(cfg.TrackTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	case <-s.ended:
		_ = s.Close()
		if err := s.failure(); err != nil {
			return nil, err
		}
		return nil, ErrNoVideo
	case <-timer.C:
		_ = s.Close()
		return nil, fmt.Errorf("no HLS tracks after %s", cfg.TrackTimeout)
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}

	if err := s.primeVideo(ctx, cfg.TrackTimeout); err != nil {
		_ = s.Close()
		return nil, err
	}

	vs := s.streams[s.video]
	s.logger.Debug("HLS source ready",
		slog.String("uri", uri),
		slog.String("video_codec", vs.Video.String()),
		slog.Int("width", vs.Width),
		slog.Int("height", vs.Height))
	return s, nil
}

// primeVideo reads ahead to the first video access unit and takes the
// geometry from its in-band SPS. Playlists rarely carry it out of band.
// The packets read are replayed by ReadPacket.
func (s *HLSSource) primeVideo(ctx context.Context, timeout time.Duration) error {
	st := &s.streams[s.video]
	if st.Video != codec.VideoH264 || st.Width > 0 {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		var p Packet
		select {
		case p = <-s.packets:
		case <-s.ended:
			select {
			case p = <-s.packets:
			default:
				return s.failure()
			}
		case <-timer.C:
			return fmt.Errorf("no HLS video after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
		s.pending = append(s.pending, p)
		if p.Kind != KindVideo {
			continue
		}
		if sps := findSPS(p.Data); sps != nil {
			if err := st.applySPS(sps); err != nil {
				s.logger.Debug("unparseable SPS in first HLS access unit", slog.String("error", err.Error()))
			}
		}
		return nil
	}
}

func (s *HLSSource) watch() {
	err := s.client.Wait2()
	if err != nil && !errors.Is(err, gohlslib.ErrClientEOS) && !errors.Is(err, context.Canceled) {
		s.errMu.Lock()
		s.err = fmt.Errorf("HLS client: %w", err)
		s.errMu.Unlock()
	}
	close(s.ended)
}

func (s *HLSSource) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *HLSSource) onTracks(tracks []*gohlslib.Track, want AudioSelection) error {
	for i, track := range tracks {
		st := Stream{Index: i, Kind: KindOther}
		switch c := track.Codec.(type) {
		case *codecs.H264:
			st.Kind, st.Video, st.Codec = KindVideo, codec.VideoH264, &mpegts.CodecH264{}
			if len(c.SPS) > 0 {
				if err := st.applySPS(c.SPS); err != nil {
					s.logger.Debug("unparseable SPS in HLS track", slog.String("error", err.Error()))
				}
			}
		case *codecs.H265:
			st.Kind, st.Video, st.Codec = KindVideo, codec.VideoH265, &mpegts.CodecH265{}
		case *codecs.MPEG4Audio:
			st.Kind, st.Audio = KindAudio, codec.AudioAAC
			st.Codec = &mpegts.CodecMPEG4Audio{Config: c.Config}
			st.SampleRate, st.ChannelCount = c.Config.SampleRate, c.Config.ChannelCount
		case *codecs.Opus:
			st.Kind, st.Audio = KindAudio, codec.AudioOpus
			st.Codec = &mpegts.CodecOpus{ChannelCount: c.ChannelCount}
			st.SampleRate, st.ChannelCount = 48000, c.ChannelCount
		}
		s.streams = append(s.streams, st)

		switch {
		case st.Kind == KindVideo && s.video < 0:
			s.video = i
			s.registerVideo(track)
		case st.Kind == KindAudio && s.audio < 0 && want.selects(i):
			s.audio = i
			s.registerAudio(track, st)
		}
	}
	if s.video < 0 {
		return ErrNoVideo
	}
	return nil
}

func clockRate(track *gohlslib.Track, fallback int) int64 {
	if track.ClockRate > 0 {
		return int64(track.ClockRate)
	}
	return int64(fallback)
}

func (s *HLSSource) registerVideo(track *gohlslib.Track) {
	rate := clockRate(track, videoClockRate)
	s.client.OnDataH26x(track, func(pts, dts int64, au [][]byte) {
		data, err := h264.AnnexB(au).Marshal()
		if err != nil || len(data) == 0 {
			return
		}
		s.push(Packet{
			Stream: s.video,
			Kind:   KindVideo,
			Data:   data,
			PTS:    pts * 1_000_000 / rate,
			DTS:    dts * 1_000_000 / rate,
			Key:    h264.IsRandomAccess(au),
		})
	})
}

func (s *HLSSource) registerAudio(track *gohlslib.Track, st Stream) {
	rate := clockRate(track, st.SampleRate)
	frames := func(pts int64, aus [][]byte, samples int) {
		dur := int64(samples) * 1_000_000 / int64(max(st.SampleRate, 1))
		t := pts * 1_000_000 / rate
		for _, au := range aus {
			if len(au) == 0 {
				continue
			}
			s.push(Packet{Stream: s.audio, Kind: KindAudio, Data: au, PTS: t, DTS: t, Duration: dur, Key: true})
			t += dur
		}
	}
	switch track.Codec.(type) {
	case *codecs.MPEG4Audio:
		s.client.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) { frames(pts, aus, 1024) })
	case *codecs.Opus:
		s.client.OnDataOpus(track, func(pts int64, packets [][]byte) { frames(pts, packets, 960) })
	}
}

// push blocks while the backlog is full, until Close.
func (s *HLSSource) push(p Packet) {
	select {
	case s.packets <- p:
	case <-s.done:
	}
}

// Streams returns the tracks of the first segment.
func (s *HLSSource) Streams() []Stream {
	return s.streams
}

// Video returns the video stream.
func (s *HLSSource) Video() (Stream, bool) {
	if s.video < 0 {
		return Stream{}, false
	}
	return s.streams[s.video], true
}

// Audio returns the selected audio stream.
func (s *HLSSource) Audio() (Stream, bool) {
	if s.audio < 0 {
		return Stream{}, false
	}
	return s.streams[s.audio], true
}

// ReadPacket returns the next packet. Video packets are held back one
// step so the gap to their successor becomes their duration.
func (s *HLSSource) ReadPacket() (Packet, error) {
	for {
		p, ok := s.next()
		if !ok {
			if s.held != nil {
				h := *s.held
				s.held = nil
				h.Duration = s.lastDur
				return h, nil
			}
			if err := s.failure(); err != nil {
				return Packet{}, err
			}
			return Packet{}, io.EOF
		}
		if p.Kind != KindVideo {
			return p, nil
		}
		prev := s.held
		s.held = &p
		if prev == nil {
			continue
		}
		if d := p.PTS - prev.PTS; d > 0 {
			s.lastDur = d
		}
		prev.Duration = s.lastDur
		return *prev, nil
	}
}

// next waits for a packet; false once the client has ended and the
// backlog is drained, or the source is closed.
func (s *HLSSource) next() (Packet, bool) {
	if len(s.pending) > 0 {
		p := s.pending[0]
		s.pending = s.pending[1:]
		return p, true
	}
	select {
	case p := <-s.packets:
		return p, true
	case <-s.done:
		return Packet{}, false
	case <-s.ended:
		select {
		case p := <-s.packets:
			return p, true
		default:
			return Packet{}, false
		}
	}
}

// Close stops the client.
func (s *HLSSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.Close()
	})
	return nil
}

var _ Source = (*HLSSource)(nil)
