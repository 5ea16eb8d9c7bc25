package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/pitx/internal/codec"
)

// AudioSelection picks the audio stream to pass through. The zero value
// selects the first audio stream.
type AudioSelection int

const (
	AudioAuto AudioSelection = 0
	AudioNone AudioSelection = -1
)

// AudioIndex selects the audio stream at stream index i.
func AudioIndex(i int) AudioSelection {
	return AudioSelection(i + 1)
}

// Index returns the requested stream index when one was given.
func (a AudioSelection) Index() (int, bool) {
	if a > 0 {
		return int(a) - 1, true
	}
	return 0, false
}

func (a AudioSelection) selects(index int) bool {
	switch a {
	case AudioNone:
		return false
	case AudioAuto:
		return true
	default:
		i, _ := a.Index()
		return i == index
	}
}

func (a AudioSelection) String() string {
	switch a {
	case AudioNone:
		return "none"
	case AudioAuto:
		return "auto"
	default:
		i, _ := a.Index()
		return strconv.Itoa(i)
	}
}

// SourceConfig configures a TSSource.
type SourceConfig struct {
	Logger *slog.Logger
	// AudioStream selects the audio to pass through.
	AudioStream AudioSelection
}

// TSSource demuxes an MPEG transport stream with the mediacommon reader.
// The reader pushes data through callbacks; TSSource turns that into a
// pull interface by queueing what each Read produces.
type TSSource struct {
	logger *slog.Logger
	closer io.Closer
	reader *mpegts.Reader

	streams []Stream
	video   int
	audio   int

	queue []Packet
	// held is the last video packet, kept back until the next one fixes
	// its duration.
	held       *Packet
	lastDur    int64
	eof        bool
	decodeErrs int
}

// OpenFile opens path as a transport stream. Gzip, bzip2 and xz inputs
// are recognised by their magic bytes and brotli by a .br extension.
func OpenFile(path string, cfg SourceConfig) (*TSSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	src, err := OpenReader(f, path, cfg)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	src.closer = closers{src.closer, f}
	return src, nil
}

// OpenReader opens a possibly compressed transport stream read from r.
// name is only used to recognise brotli. The caller still owns r.
func OpenReader(r io.Reader, name string, cfg SourceConfig) (*TSSource, error) {
	dr, closer, comp, err := decompress(r, name)
	if err != nil {
		return nil, err
	}
	if comp != CompressionNone && cfg.Logger != nil {
		cfg.Logger.Debug("decompressing input", slog.String("compression", string(comp)))
	}
	src, err := OpenTS(dr, cfg)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	src.closer = closer
	return src, nil
}

// OpenTS reads the program tables from r and registers every supported
// track. It also reads ahead to the first video access unit so the video
// stream's geometry is known before the decoder is configured.
func OpenTS(r io.Reader, cfg SourceConfig) (*TSSource, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &TSSource{
		logger: cfg.Logger,
		reader: &mpegts.Reader{R: r},
		video:  -1,
		audio:  -1,
	}
	if err := s.reader.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}
	s.reader.OnDecodeError(func(err error) {
		s.decodeErrs++
		s.logger.Debug("MPEG-TS decode error", slog.String("error", err.Error()))
	})

	for i, track := range s.reader.Tracks() {
		st := describe(i, track)
		s.streams = append(s.streams, st)
		if codec.IsUnsupported(track.Codec) {
			s.logger.Debug("skipping unidentified track", slog.Int("pid", int(track.PID)))
		}
		switch {
		case st.Kind == KindVideo && s.video < 0:
			s.video = i
		case st.Kind == KindAudio && s.audio < 0 && cfg.AudioStream.selects(i):
			s.audio = i
		}
	}
	if s.video < 0 {
		return nil, ErrNoVideo
	}
	if _, ok := cfg.AudioStream.Index(); ok && s.audio < 0 {
		s.logger.Warn("requested audio stream not found, continuing without audio",
			slog.String("audio_stream", cfg.AudioStream.String()))
	}

	s.register()
	if err := s.probeVideo(); err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("video_codec", s.streams[s.video].Video.String()),
		slog.Int("width", s.streams[s.video].Width),
		slog.Int("height", s.streams[s.video].Height),
	}
	if s.audio >= 0 {
		attrs = append(attrs, slog.String("audio_codec", s.streams[s.audio].Audio.String()))
	}
	s.logger.Debug("MPEG-TS source ready", attrs...)
	return s, nil
}

func describe(i int, track *mpegts.Track) Stream {
	st := Stream{Index: i, PID: track.PID, Codec: track.Codec, Kind: KindOther}
	v, a := codec.FromMPEGTS(track.Codec)
	switch {
	case v != "":
		st.Kind, st.Video = KindVideo, v
	case a != "":
		st.Kind, st.Audio = KindAudio, a
	}
	switch c := track.Codec.(type) {
	case *mpegts.CodecMPEG4Audio:
		st.SampleRate, st.ChannelCount = c.Config.SampleRate, c.Config.ChannelCount
	case *mpegts.CodecAC3:
		st.SampleRate, st.ChannelCount = c.SampleRate, c.ChannelCount
	case *mpegts.CodecEAC3:
		st.SampleRate, st.ChannelCount = c.SampleRate, c.ChannelCount
	case *mpegts.CodecOpus:
		st.SampleRate, st.ChannelCount = 48000, c.ChannelCount
	case *mpegts.CodecMPEG1Audio:
		st.SampleRate, st.ChannelCount = 48000, 2
	}
	return st
}

// register installs the data callbacks for the video and selected audio
// tracks. Other tracks are left without callbacks and skipped.
func (s *TSSource) register() {
	tracks := s.reader.Tracks()
	vt := tracks[s.video]
	switch vt.Codec.(type) {
	case *mpegts.CodecH264:
		s.reader.OnDataH264(vt, func(pts, dts int64, au [][]byte) error {
			data, err := h264.AnnexB(au).Marshal()
			if err != nil || len(data) == 0 {
				return nil
			}
			s.pushVideo(Packet{Data: data, PTS: fromMPEGTS(pts), DTS: fromMPEGTS(dts), Key: h264.IsRandomAccess(au)})
			return nil
		})
	case *mpegts.CodecMPEG1Video, *mpegts.CodecMPEG4Video:
		s.reader.OnDataMPEGxVideo(vt, func(pts int64, frame []byte) error {
			s.pushVideo(Packet{Data: frame, PTS: fromMPEGTS(pts), DTS: fromMPEGTS(pts)})
			return nil
		})
	default:
		// No hardware decoder; the pipeline rejects the stream before
		// reading any packet.
	}

	if s.audio < 0 {
		return
	}
	at := tracks[s.audio]
	st := s.streams[s.audio]
	switch at.Codec.(type) {
	case *mpegts.CodecMPEG4Audio:
		s.reader.OnDataMPEG4Audio(at, func(pts int64, aus [][]byte) error {
			s.pushAudioFrames(pts, aus, 1024, st.SampleRate)
			return nil
		})
	case *mpegts.CodecMPEG1Audio:
		s.reader.OnDataMPEG1Audio(at, func(pts int64, frames [][]byte) error {
			s.pushAudioFrames(pts, frames, 1152, st.SampleRate)
			return nil
		})
	case *mpegts.CodecOpus:
		s.reader.OnDataOpus(at, func(pts int64, packets [][]byte) error {
			s.pushAudioFrames(pts, packets, 960, 48000)
			return nil
		})
	case *mpegts.CodecAC3:
		s.reader.OnDataAC3(at, func(pts int64, frame []byte) error {
			s.pushAudioFrames(pts, [][]byte{frame}, 1536, st.SampleRate)
			return nil
		})
	case *mpegts.CodecEAC3:
		s.reader.OnDataEAC3(at, func(pts int64, frame []byte) error {
			s.pushAudioFrames(pts, [][]byte{frame}, 1536, st.SampleRate)
			return nil
		})
	}
}

func (s *TSSource) pushVideo(p Packet) {
	p.Stream, p.Kind = s.video, KindVideo
	if s.held != nil {
		h := *s.held
		if d := p.PTS - h.PTS; d > 0 {
			s.lastDur = d
		}
		h.Duration = s.lastDur
		s.queue = append(s.queue, h)
	}
	s.held = &p
}

// pushAudioFrames splits a PES into frames of a fixed sample count.
func (s *TSSource) pushAudioFrames(pts int64, frames [][]byte, samples, rate int) {
	if rate <= 0 {
		rate = 48000
	}
	dur := int64(samples) * 1_000_000 / int64(rate)
	t := fromMPEGTS(pts)
	for _, f := range frames {
		if len(f) == 0 {
			continue
		}
		s.queue = append(s.queue, Packet{
			Stream:   s.audio,
			Kind:     KindAudio,
			Data:     f,
			PTS:      t,
			DTS:      t,
			Duration: dur,
			Key:      true,
		})
		t += dur
	}
}

// probeVideo reads until the first video packet is queued and fills in
// the video stream's geometry from it.
func (s *TSSource) probeVideo() error {
	for s.held == nil && !s.eof {
		if err := s.read(); err != nil {
			return err
		}
	}
	if s.held == nil {
		return nil
	}
	st := &s.streams[s.video]
	if st.Video != codec.VideoH264 {
		return nil
	}
	if sps := findSPS(s.held.Data); sps != nil {
		if err := st.applySPS(sps); err != nil {
			s.logger.Debug("unparseable SPS in first access unit", slog.String("error", err.Error()))
		}
	}
	return nil
}

// findSPS returns the first sequence parameter set in an Annex B access
// unit, or nil.
func findSPS(data []byte) []byte {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil
	}
	for _, n := range au {
		if len(n) > 0 && h264.NALUType(n[0]&0x1f) == h264.NALUTypeSPS {
			return n
		}
	}
	return nil
}

// applySPS fills in the stream geometry from a sequence parameter set.
func (st *Stream) applySPS(nalu []byte) error {
	var sps h264.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		return err
	}
	st.Width, st.Height = sps.Width(), sps.Height()
	st.FPS = sps.FPS()
	st.SARNum, st.SARDen = sampleAspect(&sps)
	return nil
}

// sampleAspect reads the VUI aspect ratio. Indexes follow table E-1 of
// the H.264 standard; 255 carries an explicit ratio.
func sampleAspect(sps *h264.SPS) (int, int) {
	if sps.VUI == nil || !sps.VUI.AspectRatioInfoPresentFlag {
		return 0, 0
	}
	table := [][2]int{
		{0, 0}, {1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11}, {20, 11},
		{32, 11}, {80, 33}, {18, 11}, {15, 11}, {64, 33}, {160, 99}, {4, 3}, {3, 2}, {2, 1},
	}
	idc := int(sps.VUI.AspectRatioIdc)
	if idc == 255 {
		return int(sps.VUI.SarWidth), int(sps.VUI.SarHeight)
	}
	if idc < len(table) {
		return table[idc][0], table[idc][1]
	}
	return 0, 0
}

// read advances the reader by one transport packet.
func (s *TSSource) read() error {
	err := s.reader.Read()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, astits.ErrNoMorePackets):
		s.eof = true
		return nil
	default:
		return fmt.Errorf("reading transport stream: %w", err)
	}
}

// Streams returns every stream found in the program map.
func (s *TSSource) Streams() []Stream {
	return s.streams
}

// Video returns the video stream.
func (s *TSSource) Video() (Stream, bool) {
	if s.video < 0 {
		return Stream{}, false
	}
	return s.streams[s.video], true
}

// Audio returns the selected audio stream.
func (s *TSSource) Audio() (Stream, bool) {
	if s.audio < 0 {
		return Stream{}, false
	}
	return s.streams[s.audio], true
}

// ReadPacket returns the next video or selected audio packet.
func (s *TSSource) ReadPacket() (Packet, error) {
	for len(s.queue) == 0 {
		if s.eof {
			if s.held == nil {
				return Packet{}, io.EOF
			}
			h := *s.held
			s.held = nil
			h.Duration = s.lastDur
			if h.Duration == 0 {
				if fps := s.streams[s.video].FPS; fps > 0 {
					h.Duration = int64(1_000_000 / fps)
				}
			}
			return h, nil
		}
		if err := s.read(); err != nil {
			return Packet{}, err
		}
	}
	p := s.queue[0]
	s.queue[0] = Packet{}
	s.queue = s.queue[1:]
	return p, nil
}

// DecodeErrors returns the number of recoverable demux errors seen.
func (s *TSSource) DecodeErrors() int {
	return s.decodeErrs
}

// Close releases the underlying file, if the source owns one.
func (s *TSSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

var _ Source = (*TSSource)(nil)
