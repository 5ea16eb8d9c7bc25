package hwstage

import "fmt"

// VideoFormat is the geometry and coding of a video or image port.
// Image-domain ports ignore Bitrate.
type VideoFormat struct {
	Width       uint32
	Height      uint32
	Stride      int32
	SliceHeight uint32
	Bitrate     uint32
	// Framerate is frames per second in Q16.
	Framerate   uint32
	Compression Coding
	Color       ColorFormat
}

// FPS returns the frame rate as a float.
func (f VideoFormat) FPS() float64 {
	return float64(f.Framerate) / 65536
}

// FramerateQ16 converts frames per second to Q16.
func FramerateQ16(fps float64) uint32 {
	return uint32(fps*65536 + 0.5)
}

func (f VideoFormat) String() string {
	return fmt.Sprintf("%dx%d@%.3f %s", f.Width, f.Height, f.FPS(), f.Compression)
}

// PortDefinition describes one port.
type PortDefinition struct {
	Port              uint32
	Dir               Direction
	BufferCountActual uint32
	BufferCountMin    uint32
	BufferSize        uint32
	BufferAlignment   uint32
	Enabled           bool
	Populated         bool
	Domain            Domain
	Format            VideoFormat
}

// ControlRate is the encoder rate-control mode.
type ControlRate uint32

// Rate-control modes.
const (
	ControlRateDisable ControlRate = iota
	ControlRateVariable
	ControlRateConstant
)

func (c ControlRate) String() string {
	switch c {
	case ControlRateDisable:
		return "disable"
	case ControlRateVariable:
		return "variable"
	case ControlRateConstant:
		return "constant"
	default:
		return fmt.Sprintf("rate(%d)", uint32(c))
	}
}

// VideoBitrate is IndexParamVideoBitrate.
type VideoBitrate struct {
	Port          uint32
	ControlRate   ControlRate
	TargetBitrate uint32
}

// Quantization is IndexParamVideoQuantization; fixed quantizers used when
// rate control is disabled.
type Quantization struct {
	Port uint32
	QpI  uint32
	QpP  uint32
	QpB  uint32
}

// AVC profiles.
const (
	ProfileBaseline uint32 = 0x01
	ProfileMain     uint32 = 0x02
	ProfileHigh     uint32 = 0x08
)

// AVC levels.
const (
	Level31 uint32 = 0x200
	Level4  uint32 = 0x400
	Level41 uint32 = 0x800
	Level42 uint32 = 0x1000
)

// ProfileLevel is IndexParamVideoProfileLevel.
type ProfileLevel struct {
	Port    uint32
	Profile uint32
	Level   uint32
}

// U32 is a single-value parameter (extra buffers, quantizer bounds).
type U32 struct {
	Port  uint32
	Value int32
}

// PixelAspect is IndexParamPixelAspectRatio.
type PixelAspect struct {
	Port uint32
	X    uint32
	Y    uint32
}

// Rect is IndexConfigInputCrop.
type Rect struct {
	Port   uint32
	Left   int32
	Top    int32
	Width  uint32
	Height uint32
}

// Image filter types.
const (
	FilterNone            uint32 = 0
	FilterDeInterlaceFast uint32 = 0x7F000003
)

// ImageFilter is IndexConfigImageFilter.
type ImageFilter struct {
	Port   uint32
	Filter uint32
	Params []uint32
}

// DisplayRegion is IndexConfigDisplayRegion.
type DisplayRegion struct {
	Port       uint32
	Fullscreen bool
	X          int32
	Y          int32
	Width      uint32
	Height     uint32
}
