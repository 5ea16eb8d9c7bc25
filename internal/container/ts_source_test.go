package container_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pitx/internal/codec"
	"github.com/jmylchreest/pitx/internal/container"
)

func readAll(t *testing.T, src container.Source) []container.Packet {
	t.Helper()
	var out []container.Packet
	for {
		p, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, p)
	}
}

func TestOpenTS_Streams(t *testing.T) {
	data := writeTS(t, 10, 5, true)

	src, err := container.OpenTS(bytes.NewReader(data), container.SourceConfig{Logger: quiet(), AudioStream: container.AudioAuto})
	require.NoError(t, err)
	defer src.Close()

	streams := src.Streams()
	require.Len(t, streams, 2)

	video, ok := src.Video()
	require.True(t, ok)
	assert.Equal(t, container.KindVideo, video.Kind)
	assert.Equal(t, codec.VideoH264, video.Video)
	assert.Equal(t, uint16(0x100), video.PID)
	assert.Equal(t, 720, video.Width)
	assert.Equal(t, 576, video.Height)
	assert.InDelta(t, 25.0, video.FPS, 0.001)
	assert.Equal(t, 16, video.SARNum)
	assert.Equal(t, 15, video.SARDen)

	audio, ok := src.Audio()
	require.True(t, ok)
	assert.Equal(t, codec.AudioAAC, audio.Audio)
	assert.Equal(t, 48000, audio.SampleRate)
	assert.Equal(t, 2, audio.ChannelCount)
}

func TestTSSource_VideoPackets(t *testing.T) {
	const frames = 12
	data := writeTS(t, frames, 6, false)

	src, err := container.OpenTS(bytes.NewReader(data), container.SourceConfig{Logger: quiet()})
	require.NoError(t, err)

	packets := readAll(t, src)
	require.Len(t, packets, frames)

	first := packets[0].PTS
	for i, p := range packets {
		assert.Equal(t, container.KindVideo, p.Kind)
		assert.Equal(t, first+int64(i)*40000, p.PTS, "packet %d", i)
		assert.Equal(t, p.PTS, p.DTS)
		assert.Equal(t, int64(40000), p.Duration, "packet %d duration", i)
		assert.Equal(t, i%6 == 0, p.Key, "packet %d key", i)
		assert.True(t, bytes.HasPrefix(p.Data, []byte{0, 0, 0, 1}), "annex b")
	}

	_, err = src.ReadPacket()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTSSource_AudioSelection(t *testing.T) {
	data := writeTS(t, 4, 4, true)

	tests := []struct {
		name   string
		stream container.AudioSelection
		audio  int
	}{
		{"auto", container.AudioAuto, 4},
		{"zero value", 0, 4},
		{"by index", container.AudioIndex(1), 4},
		{"none", container.AudioNone, 0},
		{"missing index", container.AudioIndex(7), 0},
		{"video index", container.AudioIndex(0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := container.OpenTS(bytes.NewReader(data), container.SourceConfig{Logger: quiet(), AudioStream: tt.stream})
			require.NoError(t, err)

			audio := 0
			for _, p := range readAll(t, src) {
				if p.Kind == container.KindAudio {
					audio++
					assert.Equal(t, int64(1024*1_000_000/48000), p.Duration)
					assert.Equal(t, 1, p.Stream)
				}
			}
			assert.Equal(t, tt.audio, audio)
		})
	}
}

func TestOpenTS_DefaultConfigKeepsAudio(t *testing.T) {
	data := writeTS(t, 4, 4, true)

	src, err := container.OpenTS(bytes.NewReader(data), container.SourceConfig{Logger: quiet()})
	require.NoError(t, err)
	defer src.Close()

	audio, ok := src.Audio()
	require.True(t, ok)
	assert.Equal(t, 1, audio.Index)
}

func TestAudioSelection(t *testing.T) {
	i, ok := container.AudioIndex(0).Index()
	assert.True(t, ok)
	assert.Zero(t, i)
	_, ok = container.AudioAuto.Index()
	assert.False(t, ok)
	_, ok = container.AudioNone.Index()
	assert.False(t, ok)

	assert.Equal(t, "auto", container.AudioAuto.String())
	assert.Equal(t, "none", container.AudioNone.String())
	assert.Equal(t, "3", container.AudioIndex(3).String())
}

func TestTSSource_MPEG2Video(t *testing.T) {
	var buf bytes.Buffer
	track := &mpegts.Track{PID: 0x100, Codec: &mpegts.CodecMPEG1Video{}}
	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{track}}
	require.NoError(t, w.Initialize())
	for i := 0; i < 4; i++ {
		frame := []byte{0, 0, 1, 0xb8, 0x00, 0x08, 0x00, 0x00, 0, 0, 1, 0x00, byte(i), 0x0f}
		require.NoError(t, w.WriteMPEG1Video(track, 90000+int64(i)*3600, frame))
	}

	src, err := container.OpenTS(bytes.NewReader(buf.Bytes()), container.SourceConfig{Logger: quiet()})
	require.NoError(t, err)
	video, ok := src.Video()
	require.True(t, ok)
	assert.Equal(t, codec.VideoMPEG2, video.Video)

	packets := readAll(t, src)
	require.Len(t, packets, 4)
	for i, p := range packets {
		assert.Equal(t, container.KindVideo, p.Kind)
		assert.Equal(t, byte(i), p.Data[12], "packet %d", i)
	}
	assert.Equal(t, int64(40000), packets[1].PTS-packets[0].PTS)
}

func TestOpenTS_NoVideo(t *testing.T) {
	var buf bytes.Buffer
	track := &mpegts.Track{PID: 0x101, Codec: testAAC()}
	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{track}}
	require.NoError(t, w.Initialize())
	require.NoError(t, w.WriteMPEG4Audio(track, 90000, [][]byte{{0x21, 0x10}}))

	_, err := container.OpenTS(bytes.NewReader(buf.Bytes()), container.SourceConfig{Logger: quiet()})
	assert.ErrorIs(t, err, container.ErrNoVideo)
}

func TestOpenTS_Garbage(t *testing.T) {
	_, err := container.OpenTS(bytes.NewReader([]byte("not a transport stream")), container.SourceConfig{Logger: quiet()})
	assert.Error(t, err)
}
