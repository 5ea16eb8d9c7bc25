// Package config provides configuration management for pitx using Viper.
// Values come from defaults, an optional YAML file, PITX_ environment
// variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/pitx/pkg/bytesize"
)

// Default configuration values.
const (
	defaultBitrate        = "2M"
	defaultProbeFrames    = 120
	defaultEOSTimeout     = 10 * time.Second
	defaultFeedTimeout    = 5 * time.Second
	defaultNALCapacity    = "2MB"
	defaultWaitBudget     = time.Second
	defaultPollInterval   = 100 * time.Microsecond
	defaultReportInterval = time.Second
	defaultStatusAddr     = "127.0.0.1:8099"
	defaultWindowWidth    = 512
	defaultWindowHeight   = 288
	defaultSimGOP         = 30
	maxQuantizer          = 51
)

// EnvPrefix prefixes every environment override, e.g. PITX_ENCODER_BITRATE.
const EnvPrefix = "PITX"

// Config holds all configuration for the application.
type Config struct {
	Transcode TranscodeConfig `mapstructure:"transcode" yaml:"transcode"`
	Encoder   EncoderConfig   `mapstructure:"encoder" yaml:"encoder"`
	Hardware  HardwareConfig  `mapstructure:"hardware" yaml:"hardware"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Status    StatusConfig    `mapstructure:"status" yaml:"status"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// TranscodeConfig holds the picture pipeline and timing options.
type TranscodeConfig struct {
	Deinterlace string `mapstructure:"deinterlace" yaml:"deinterlace"` // off, half, field
	Resize      string `mapstructure:"resize" yaml:"resize"`           // WIDTHxHEIGHT
	Crop        string `mapstructure:"crop" yaml:"crop"`               // WIDTH:HEIGHT:LEFT:TOP
	AutoScale   string `mapstructure:"autoscale" yaml:"autoscale"`     // off, x, y
	Timestamps  string `mapstructure:"timestamps" yaml:"timestamps"`   // duration, pts, dts
	// Audio selects the pass-through stream: auto, none or a stream index.
	Audio       string        `mapstructure:"audio" yaml:"audio"`
	ProbeFrames int           `mapstructure:"probe_frames" yaml:"probe_frames"`
	EOSTimeout  time.Duration `mapstructure:"eos_timeout" yaml:"eos_timeout"`
	FeedTimeout time.Duration `mapstructure:"feed_timeout" yaml:"feed_timeout"`
	// NALCapacity bounds one encoded access unit, e.g. "2MB".
	NALCapacity bytesize.Size `mapstructure:"nal_capacity" yaml:"nal_capacity"`
}

// EncoderConfig holds the H.264 encoder settings.
type EncoderConfig struct {
	// Bitrate accepts k and M suffixes with a 1024 base.
	Bitrate     bytesize.Rate `mapstructure:"bitrate" yaml:"bitrate"`
	RateControl string        `mapstructure:"rate_control" yaml:"rate_control"` // variable, constant, fixed-qp
	QPMin       uint32        `mapstructure:"qp_min" yaml:"qp_min"`
	QPMax       uint32        `mapstructure:"qp_max" yaml:"qp_max"`
	QPI         uint32        `mapstructure:"qp_i" yaml:"qp_i"`
	QPP         uint32        `mapstructure:"qp_p" yaml:"qp_p"`
	Profile     string        `mapstructure:"profile" yaml:"profile"` // baseline, main, high
	Level       string        `mapstructure:"level" yaml:"level"`     // 3.1, 4, 4.1, 4.2
}

// HardwareConfig selects and tunes the hardware backend.
type HardwareConfig struct {
	Backend      string        `mapstructure:"backend" yaml:"backend"`
	WaitBudget   time.Duration `mapstructure:"wait_budget" yaml:"wait_budget"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Sim          SimConfig     `mapstructure:"sim" yaml:"sim"`
}

// SimConfig tunes the simulated backend.
type SimConfig struct {
	Encoder       string `mapstructure:"encoder" yaml:"encoder"` // passthrough, synthetic
	SettingsAfter int    `mapstructure:"settings_after" yaml:"settings_after"`
	InputBuffers  int    `mapstructure:"input_buffers" yaml:"input_buffers"`
	OutputBuffers int    `mapstructure:"output_buffers" yaml:"output_buffers"`
	GOP           int    `mapstructure:"gop" yaml:"gop"`
}

// OutputConfig holds the output container and preview settings.
type OutputConfig struct {
	Format  string       `mapstructure:"format" yaml:"format"` // auto, mpegts, fmp4, raw
	Monitor bool         `mapstructure:"monitor" yaml:"monitor"`
	Window  WindowConfig `mapstructure:"window" yaml:"window"`
}

// WindowConfig places the live preview.
type WindowConfig struct {
	X          int32  `mapstructure:"x" yaml:"x"`
	Y          int32  `mapstructure:"y" yaml:"y"`
	Width      uint32 `mapstructure:"width" yaml:"width"`
	Height     uint32 `mapstructure:"height" yaml:"height"`
	Fullscreen bool   `mapstructure:"fullscreen" yaml:"fullscreen"`
}

// StatusConfig controls progress reporting.
type StatusConfig struct {
	// Progress is auto, tui, log or none. Auto picks tui on a terminal.
	Progress       string        `mapstructure:"progress" yaml:"progress"`
	ReportInterval time.Duration `mapstructure:"report_interval" yaml:"report_interval"`
	// Listen enables the HTTP status endpoint when set.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// New returns a viper instance with defaults, the config file search path
// and environment binding in place. Flags are bound by the caller.
func New(configPath string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pitx")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/pitx")
		v.AddConfigPath("/etc/pitx")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes v into a validated
// Config. A missing config file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Transcode defaults
	v.SetDefault("transcode.deinterlace", "off")
	v.SetDefault("transcode.resize", "")
	v.SetDefault("transcode.crop", "")
	v.SetDefault("transcode.autoscale", "off")
	v.SetDefault("transcode.timestamps", "duration")
	v.SetDefault("transcode.audio", "auto")
	v.SetDefault("transcode.probe_frames", defaultProbeFrames)
	v.SetDefault("transcode.eos_timeout", defaultEOSTimeout)
	v.SetDefault("transcode.feed_timeout", defaultFeedTimeout)
	v.SetDefault("transcode.nal_capacity", defaultNALCapacity)

	// Encoder defaults
	v.SetDefault("encoder.bitrate", defaultBitrate)
	v.SetDefault("encoder.rate_control", "variable")
	v.SetDefault("encoder.qp_min", 0)
	v.SetDefault("encoder.qp_max", 0)
	v.SetDefault("encoder.qp_i", 0)
	v.SetDefault("encoder.qp_p", 0)
	v.SetDefault("encoder.profile", "")
	v.SetDefault("encoder.level", "")

	// Hardware defaults
	v.SetDefault("hardware.backend", "sim")
	v.SetDefault("hardware.wait_budget", defaultWaitBudget)
	v.SetDefault("hardware.poll_interval", defaultPollInterval)
	v.SetDefault("hardware.sim.encoder", "passthrough")
	v.SetDefault("hardware.sim.settings_after", 2)
	v.SetDefault("hardware.sim.input_buffers", 20)
	v.SetDefault("hardware.sim.output_buffers", 1)
	v.SetDefault("hardware.sim.gop", defaultSimGOP)

	// Output defaults
	v.SetDefault("output.format", "auto")
	v.SetDefault("output.monitor", false)
	v.SetDefault("output.window.x", 0)
	v.SetDefault("output.window.y", 0)
	v.SetDefault("output.window.width", defaultWindowWidth)
	v.SetDefault("output.window.height", defaultWindowHeight)
	v.SetDefault("output.window.fullscreen", false)

	// Status defaults
	v.SetDefault("status.progress", "auto")
	v.SetDefault("status.report_interval", defaultReportInterval)
	v.SetDefault("status.listen", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// DefaultStatusAddr is the listen address suggested by --status.
func DefaultStatusAddr() string {
	return defaultStatusAddr
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(key, value string, allowed ...string) {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of: %s", key, strings.Join(allowed, ", ")))
	}

	// Transcode validation
	oneOf("transcode.deinterlace", c.Transcode.Deinterlace, "off", "half", "field")
	oneOf("transcode.autoscale", c.Transcode.AutoScale, "off", "x", "y")
	oneOf("transcode.timestamps", c.Transcode.Timestamps, "duration", "pts", "dts", "0", "1", "2")
	if _, err := c.Transcode.AudioStream(); err != nil {
		errs = append(errs, err)
	}
	if c.Transcode.ProbeFrames < 1 {
		errs = append(errs, errors.New("transcode.probe_frames must be at least 1"))
	}
	if c.Transcode.EOSTimeout <= 0 || c.Transcode.FeedTimeout <= 0 {
		errs = append(errs, errors.New("transcode.eos_timeout and transcode.feed_timeout must be positive"))
	}
	if c.Transcode.NALCapacity < bytesize.KB*64 {
		errs = append(errs, errors.New("transcode.nal_capacity must be at least 64KB"))
	}

	// Encoder validation
	if c.Encoder.Bitrate == 0 {
		errs = append(errs, errors.New("encoder.bitrate must be positive"))
	}
	oneOf("encoder.rate_control", c.Encoder.RateControl, "variable", "constant", "fixed-qp")
	for key, qp := range map[string]uint32{
		"encoder.qp_min": c.Encoder.QPMin, "encoder.qp_max": c.Encoder.QPMax,
		"encoder.qp_i": c.Encoder.QPI, "encoder.qp_p": c.Encoder.QPP,
	} {
		if qp > maxQuantizer {
			errs = append(errs, fmt.Errorf("%s must be between 0 and %d", key, maxQuantizer))
		}
	}

	// Hardware validation
	if c.Hardware.Backend == "" {
		errs = append(errs, errors.New("hardware.backend is required"))
	}
	if c.Hardware.WaitBudget <= 0 || c.Hardware.PollInterval <= 0 {
		errs = append(errs, errors.New("hardware.wait_budget and hardware.poll_interval must be positive"))
	}
	oneOf("hardware.sim.encoder", c.Hardware.Sim.Encoder, "passthrough", "synthetic")

	// Output validation
	oneOf("output.format", c.Output.Format, "auto", "mpegts", "ts", "fmp4", "mp4", "raw", "h264")

	// Status validation
	oneOf("status.progress", c.Status.Progress, "auto", "tui", "log", "none")
	if c.Status.ReportInterval < 100*time.Millisecond {
		errs = append(errs, errors.New("status.report_interval must be at least 100ms"))
	}

	// Logging validation
	oneOf("logging.level", c.Logging.Level, "trace", "debug", "info", "warn", "warning", "error")
	oneOf("logging.format", c.Logging.Format, "json", "text")

	return errors.Join(errs...)
}

// Audio selections.
const (
	AudioAuto = -1
	AudioNone = -2
)

// AudioStream resolves the audio selection to a stream index, AudioAuto or
// AudioNone.
func (c *TranscodeConfig) AudioStream() (int, error) {
	switch strings.ToLower(strings.TrimSpace(c.Audio)) {
	case "", "auto", "first":
		return AudioAuto, nil
	case "none", "off":
		return AudioNone, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(c.Audio))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("transcode.audio must be auto, none or a stream index, got %q", c.Audio)
	}
	return n, nil
}
