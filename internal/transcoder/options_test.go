package transcoder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pitx/internal/config"
	"github.com/jmylchreest/pitx/internal/container"
	"github.com/jmylchreest/pitx/internal/hwstage"
	"github.com/jmylchreest/pitx/internal/transcoder"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    transcoder.Size
		wantErr bool
	}{
		{in: "", want: transcoder.Size{}},
		{in: "1280x720", want: transcoder.Size{Width: 1280, Height: 720}},
		{in: "1000X562", want: transcoder.Size{Width: 1008, Height: 576}},
		{in: "16x720", wantErr: true},
		{in: "1280", wantErr: true},
		{in: "axb", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := transcoder.ParseSize(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, transcoder.ErrInvalidOption)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCrop(t *testing.T) {
	got, err := transcoder.ParseCrop("700:570:8:5")
	require.NoError(t, err)
	assert.Equal(t, transcoder.Crop{Width: 704, Height: 576, Left: 8, Top: 8}, got)
	assert.Equal(t, "704:576:8:8", got.String())

	_, err = transcoder.ParseCrop("700:570:8")
	assert.ErrorIs(t, err, transcoder.ErrInvalidOption)
	_, err = transcoder.ParseCrop("10:570:0:0")
	assert.ErrorIs(t, err, transcoder.ErrInvalidOption)

	empty, err := transcoder.ParseCrop(" ")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func TestParseModes(t *testing.T) {
	d, err := transcoder.ParseDeinterlace("field")
	require.NoError(t, err)
	assert.Equal(t, transcoder.DeinterlaceFieldRate, d)
	d, err = transcoder.ParseDeinterlace("on")
	require.NoError(t, err)
	assert.Equal(t, transcoder.DeinterlaceHalfRate, d)
	_, err = transcoder.ParseDeinterlace("sideways")
	assert.ErrorIs(t, err, transcoder.ErrInvalidOption)

	a, err := transcoder.ParseAutoScale("Y")
	require.NoError(t, err)
	assert.Equal(t, transcoder.AutoScaleY, a)

	for in, want := range map[string]transcoder.TimestampMode{
		"0": transcoder.TimestampPTS, "1": transcoder.TimestampDTS, "2": transcoder.TimestampDuration,
		"pts": transcoder.TimestampPTS, "": transcoder.TimestampDuration,
	} {
		got, err := transcoder.ParseTimestampMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	r, err := transcoder.ParseRateControl("cbr")
	require.NoError(t, err)
	assert.Equal(t, transcoder.RateConstant, r)
	assert.Equal(t, "constant", r.String())
}

func TestParseProfileAndLevel(t *testing.T) {
	p, err := transcoder.ParseProfile("High")
	require.NoError(t, err)
	assert.Equal(t, hwstage.ProfileHigh, p)
	_, err = transcoder.ParseProfile("extended")
	assert.ErrorIs(t, err, transcoder.ErrInvalidOption)

	l, err := transcoder.ParseLevel("4.1")
	require.NoError(t, err)
	assert.Equal(t, hwstage.Level41, l)
	l, err = transcoder.ParseLevel("")
	require.NoError(t, err)
	assert.Zero(t, l)
	_, err = transcoder.ParseLevel("5.1")
	assert.ErrorIs(t, err, transcoder.ErrInvalidOption)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    transcoder.Options
		wantErr bool
	}{
		{name: "defaults", opts: transcoder.Options{Format: "mpegts"}},
		{name: "qp range", opts: transcoder.Options{Format: "mpegts", QPMin: 10, QPMax: 40}},
		{name: "qp above 51", opts: transcoder.Options{Format: "mpegts", QPMax: 52}, wantErr: true},
		{name: "qp inverted", opts: transcoder.Options{Format: "mpegts", QPMin: 40, QPMax: 10}, wantErr: true},
		{name: "fixed qp without quantizers", opts: transcoder.Options{Format: "mpegts", RateControl: transcoder.RateFixedQP}, wantErr: true},
		{name: "fixed qp", opts: transcoder.Options{Format: "mpegts", RateControl: transcoder.RateFixedQP, QPI: 20, QPP: 24}},
		{name: "unresolved format", opts: transcoder.Options{Format: "auto"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, transcoder.ErrInvalidOption)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func loadConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load(config.New(""))
	require.NoError(t, err)
	return cfg
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"PITX_TRANSCODE_DEINTERLACE": "field",
		"PITX_TRANSCODE_RESIZE":      "1000x562",
		"PITX_ENCODER_BITRATE":       "500k",
		"PITX_ENCODER_PROFILE":       "high",
		"PITX_ENCODER_LEVEL":         "4.1",
		"PITX_OUTPUT_MONITOR":        "true",
	})

	opts, err := transcoder.OptionsFromConfig(cfg, container.FormatFMP4)
	require.NoError(t, err)
	assert.Equal(t, transcoder.DeinterlaceFieldRate, opts.Deinterlace)
	assert.Equal(t, transcoder.Size{Width: 1008, Height: 576}, opts.Resize)
	assert.Equal(t, uint32(500*1024), opts.Bitrate)
	assert.Equal(t, uint32(hwstage.ProfileHigh), opts.Profile)
	assert.Equal(t, uint32(hwstage.Level41), opts.Level)
	assert.Equal(t, transcoder.TimestampDuration, opts.Timestamps)
	assert.Equal(t, container.FormatFMP4, opts.Format)
	assert.Equal(t, 2*1024*1024, opts.NALCapacity)
	assert.True(t, opts.Monitor)
	assert.Equal(t, uint32(512), opts.Window.Width)
	assert.Equal(t, 120, opts.ProbeFrames)
}

func TestOptionsFromConfig_ReportsEveryBadValue(t *testing.T) {
	cfg := loadConfig(t, nil)
	cfg.Transcode.Resize = "wide"
	cfg.Transcode.Crop = "1:2"

	_, err := transcoder.OptionsFromConfig(cfg, container.FormatMPEGTS)
	require.ErrorIs(t, err, transcoder.ErrInvalidOption)
	assert.Contains(t, err.Error(), "size")
	assert.Contains(t, err.Error(), "crop")
}
