package transcoder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/pitx/internal/config"
	"github.com/jmylchreest/pitx/internal/container"
	"github.com/jmylchreest/pitx/internal/hwstage"
	"github.com/jmylchreest/pitx/internal/nal"
)

// ErrInvalidOption is returned for a malformed or out-of-range option.
var ErrInvalidOption = errors.New("invalid option")

// Defaults.
const (
	DefaultBitrate      = 2 * 1024 * 1024
	DefaultProbeFrames  = 120
	DefaultEOSTimeout   = 10 * time.Second
	DefaultFeedTimeout  = 5 * time.Second
	DefaultWindowWidth  = 512
	DefaultWindowHeight = 288
)

// DeinterlaceMode selects the deinterlacer output rate.
type DeinterlaceMode int

// Deinterlace modes.
const (
	DeinterlaceOff DeinterlaceMode = iota
	// DeinterlaceHalfRate emits one frame per input frame.
	DeinterlaceHalfRate
	// DeinterlaceFieldRate emits one frame per field, doubling the rate.
	DeinterlaceFieldRate
)

func (m DeinterlaceMode) String() string {
	switch m {
	case DeinterlaceHalfRate:
		return "half"
	case DeinterlaceFieldRate:
		return "field"
	default:
		return "off"
	}
}

// ParseDeinterlace parses off, half or field.
func ParseDeinterlace(s string) (DeinterlaceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none", "false":
		return DeinterlaceOff, nil
	case "half", "on", "true", "frame":
		return DeinterlaceHalfRate, nil
	case "field", "double":
		return DeinterlaceFieldRate, nil
	default:
		return DeinterlaceOff, fmt.Errorf("%w: deinterlace %q", ErrInvalidOption, s)
	}
}

// AutoScale corrects a non-square sample aspect ratio.
type AutoScale int

// Auto-scale directions.
const (
	AutoScaleOff AutoScale = iota
	AutoScaleX
	AutoScaleY
)

func (a AutoScale) String() string {
	switch a {
	case AutoScaleX:
		return "x"
	case AutoScaleY:
		return "y"
	default:
		return "off"
	}
}

// ParseAutoScale parses off, x or y.
func ParseAutoScale(s string) (AutoScale, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return AutoScaleOff, nil
	case "x", "width":
		return AutoScaleX, nil
	case "y", "height":
		return AutoScaleY, nil
	default:
		return AutoScaleOff, fmt.Errorf("%w: autoscale %q", ErrInvalidOption, s)
	}
}

// TimestampMode selects where input ticks come from.
type TimestampMode int

// Timestamp modes.
const (
	// TimestampDuration accumulates packet durations from the first packet.
	TimestampDuration TimestampMode = iota
	TimestampPTS
	TimestampDTS
)

func (m TimestampMode) String() string {
	switch m {
	case TimestampPTS:
		return "pts"
	case TimestampDTS:
		return "dts"
	default:
		return "duration"
	}
}

// ParseTimestampMode parses pts, dts or duration.
func ParseTimestampMode(s string) (TimestampMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "duration", "2":
		return TimestampDuration, nil
	case "pts", "0":
		return TimestampPTS, nil
	case "dts", "1":
		return TimestampDTS, nil
	default:
		return TimestampDuration, fmt.Errorf("%w: timestamps %q", ErrInvalidOption, s)
	}
}

// RateControl is the encoder rate-control mode.
type RateControl int

// Rate-control modes.
const (
	RateVariable RateControl = iota
	RateConstant
	// RateFixedQP disables rate control and encodes with fixed quantizers.
	RateFixedQP
)

func (r RateControl) String() string {
	switch r {
	case RateConstant:
		return "constant"
	case RateFixedQP:
		return "fixed-qp"
	default:
		return "variable"
	}
}

// ParseRateControl parses variable, constant or fixed-qp.
func ParseRateControl(s string) (RateControl, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "variable", "vbr":
		return RateVariable, nil
	case "constant", "cbr":
		return RateConstant, nil
	case "fixed-qp", "fixed", "cqp", "disable":
		return RateFixedQP, nil
	default:
		return RateVariable, fmt.Errorf("%w: rate control %q", ErrInvalidOption, s)
	}
}

func (r RateControl) hardware() hwstage.ControlRate {
	switch r {
	case RateConstant:
		return hwstage.ControlRateConstant
	case RateFixedQP:
		return hwstage.ControlRateDisable
	default:
		return hwstage.ControlRateVariable
	}
}

// ParseProfile maps a profile name to its hardware value; empty keeps the
// encoder default.
func ParseProfile(s string) (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return 0, nil
	case "baseline":
		return hwstage.ProfileBaseline, nil
	case "main":
		return hwstage.ProfileMain, nil
	case "high":
		return hwstage.ProfileHigh, nil
	default:
		return 0, fmt.Errorf("%w: profile %q", ErrInvalidOption, s)
	}
}

// ParseLevel maps a level such as 4.1 to its hardware value; empty keeps
// the encoder default.
func ParseLevel(s string) (uint32, error) {
	switch strings.TrimSpace(s) {
	case "":
		return 0, nil
	case "3.1", "31":
		return hwstage.Level31, nil
	case "4", "4.0", "40":
		return hwstage.Level4, nil
	case "4.1", "41":
		return hwstage.Level41, nil
	case "4.2", "42":
		return hwstage.Level42, nil
	default:
		return 0, fmt.Errorf("%w: level %q", ErrInvalidOption, s)
	}
}

// Size is a frame size in pixels.
type Size struct {
	Width  uint32
	Height uint32
}

// IsZero reports whether no size is set.
func (s Size) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ParseSize parses WIDTHxHEIGHT. Both dimensions are rounded up to a
// multiple of 16 and must exceed 16.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Size{}, nil
	}
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return Size{}, fmt.Errorf("%w: size %q, want WIDTHxHEIGHT", ErrInvalidOption, s)
	}
	width, err1 := strconv.ParseUint(w, 10, 32)
	height, err2 := strconv.ParseUint(h, 10, 32)
	if err1 != nil || err2 != nil {
		return Size{}, fmt.Errorf("%w: size %q", ErrInvalidOption, s)
	}
	size := Size{Width: align16(uint32(width)), Height: align16(uint32(height))}
	if size.Width <= 16 || size.Height <= 16 {
		return Size{}, fmt.Errorf("%w: size %q is too small", ErrInvalidOption, s)
	}
	return size, nil
}

// Crop is a crop rectangle applied to the resizer input.
type Crop struct {
	Width  uint32
	Height uint32
	Left   uint32
	Top    uint32
}

// IsZero reports whether no crop is set.
func (c Crop) IsZero() bool {
	return c.Width == 0 && c.Height == 0
}

func (c Crop) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", c.Width, c.Height, c.Left, c.Top)
}

// fits reports whether the rectangle lies inside a w x h frame.
func (c Crop) fits(w, h uint32) bool {
	return c.Left+c.Width <= w && c.Top+c.Height <= h
}

// ParseCrop parses WIDTH:HEIGHT:LEFT:TOP. Width and height are rounded up
// to a multiple of 16 and must exceed 16; the top offset is rounded up to
// a multiple of 4 so interlaced fields stay paired.
func ParseCrop(s string) (Crop, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Crop{}, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Crop{}, fmt.Errorf("%w: crop %q, want WIDTH:HEIGHT:LEFT:TOP", ErrInvalidOption, s)
	}
	var v [4]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return Crop{}, fmt.Errorf("%w: crop %q", ErrInvalidOption, s)
		}
		v[i] = uint32(n)
	}
	c := Crop{
		Width:  align16(v[0]),
		Height: align16(v[1]),
		Left:   v[2],
		Top:    (v[3] + 3) &^ 3,
	}
	if c.Width <= 16 || c.Height <= 16 {
		return Crop{}, fmt.Errorf("%w: crop %q is too small", ErrInvalidOption, s)
	}
	return c, nil
}

// Window is the live preview placement.
type Window struct {
	X          int32
	Y          int32
	Width      uint32
	Height     uint32
	Fullscreen bool
}

// Options is the resolved pipeline configuration. It is not modified once
// the pipeline starts.
type Options struct {
	Deinterlace DeinterlaceMode
	Resize      Size
	Crop        Crop
	AutoScale   AutoScale
	Monitor     bool
	Window      Window

	Bitrate     uint32
	RateControl RateControl
	// Quantizer bounds; zero leaves the encoder default.
	QPMin uint32
	QPMax uint32
	// Fixed quantizers, used with RateFixedQP.
	QPI     uint32
	QPP     uint32
	Profile uint32
	Level   uint32

	Timestamps TimestampMode
	Format     container.Format

	// ProbeFrames bounds the packets fed before the decoder reports its
	// output format, and the units dropped before parameter sets.
	ProbeFrames int
	// EOSTimeout bounds the wait for the encoder to echo end of stream.
	EOSTimeout time.Duration
	// FeedTimeout bounds the wait for a free decoder input buffer.
	FeedTimeout time.Duration
	// NALCapacity is the access unit accumulator size.
	NALCapacity int

	// Hardware command polling.
	WaitBudget   time.Duration
	PollInterval time.Duration
}

// resizing reports whether the resizer stage is used.
func (o *Options) resizing() bool {
	return !o.Resize.IsZero() || !o.Crop.IsZero() || o.AutoScale != AutoScaleOff
}

func (o *Options) setDefaults() {
	if o.Bitrate == 0 {
		o.Bitrate = DefaultBitrate
	}
	if o.ProbeFrames <= 0 {
		o.ProbeFrames = DefaultProbeFrames
	}
	if o.EOSTimeout <= 0 {
		o.EOSTimeout = DefaultEOSTimeout
	}
	if o.FeedTimeout <= 0 {
		o.FeedTimeout = DefaultFeedTimeout
	}
	if o.NALCapacity <= 0 {
		o.NALCapacity = nal.DefaultCapacity
	}
	if o.WaitBudget <= 0 {
		o.WaitBudget = hwstage.DefaultWaitBudget
	}
	if o.PollInterval <= 0 {
		o.PollInterval = hwstage.DefaultPollInterval
	}
	if o.Monitor && (o.Window.Width == 0 || o.Window.Height == 0) && !o.Window.Fullscreen {
		o.Window.Width = DefaultWindowWidth
		o.Window.Height = DefaultWindowHeight
	}
	if o.Format == "" {
		o.Format = container.FormatMPEGTS
	}
}

// Validate checks option combinations.
func (o *Options) Validate() error {
	var errs []error
	if o.QPMin > 51 || o.QPMax > 51 || o.QPI > 51 || o.QPP > 51 {
		errs = append(errs, fmt.Errorf("%w: quantizers must be in 0..51", ErrInvalidOption))
	}
	if o.QPMin > 0 && o.QPMax > 0 && o.QPMin > o.QPMax {
		errs = append(errs, fmt.Errorf("%w: qp_min %d above qp_max %d", ErrInvalidOption, o.QPMin, o.QPMax))
	}
	if o.RateControl == RateFixedQP && (o.QPI == 0 || o.QPP == 0) {
		errs = append(errs, fmt.Errorf("%w: fixed-qp needs qp_i and qp_p", ErrInvalidOption))
	}
	if o.Format == container.FormatAuto {
		errs = append(errs, fmt.Errorf("%w: output format must be resolved", ErrInvalidOption))
	}
	return errors.Join(errs...)
}

func align16(v uint32) uint32 {
	return (v + 15) &^ 15
}

// OptionsFromConfig resolves the loaded configuration into pipeline
// options for the given output format. Every malformed value is reported.
func OptionsFromConfig(cfg *config.Config, format container.Format) (Options, error) {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	o := Options{
		Monitor: cfg.Output.Monitor,
		Window: Window{
			X:          cfg.Output.Window.X,
			Y:          cfg.Output.Window.Y,
			Width:      cfg.Output.Window.Width,
			Height:     cfg.Output.Window.Height,
			Fullscreen: cfg.Output.Window.Fullscreen,
		},
		Bitrate:      cfg.Encoder.Bitrate.BitsPerSecond(),
		QPMin:        cfg.Encoder.QPMin,
		QPMax:        cfg.Encoder.QPMax,
		QPI:          cfg.Encoder.QPI,
		QPP:          cfg.Encoder.QPP,
		Format:       format,
		ProbeFrames:  cfg.Transcode.ProbeFrames,
		EOSTimeout:   cfg.Transcode.EOSTimeout,
		FeedTimeout:  cfg.Transcode.FeedTimeout,
		NALCapacity:  int(cfg.Transcode.NALCapacity.Bytes()),
		WaitBudget:   cfg.Hardware.WaitBudget,
		PollInterval: cfg.Hardware.PollInterval,
	}

	var err error
	o.Deinterlace, err = ParseDeinterlace(cfg.Transcode.Deinterlace)
	check(err)
	o.Resize, err = ParseSize(cfg.Transcode.Resize)
	check(err)
	o.Crop, err = ParseCrop(cfg.Transcode.Crop)
	check(err)
	o.AutoScale, err = ParseAutoScale(cfg.Transcode.AutoScale)
	check(err)
	o.Timestamps, err = ParseTimestampMode(cfg.Transcode.Timestamps)
	check(err)
	o.RateControl, err = ParseRateControl(cfg.Encoder.RateControl)
	check(err)
	o.Profile, err = ParseProfile(cfg.Encoder.Profile)
	check(err)
	o.Level, err = ParseLevel(cfg.Encoder.Level)
	check(err)

	if err := errors.Join(errs...); err != nil {
		return Options{}, err
	}
	o.setDefaults()
	return o, o.Validate()
}
