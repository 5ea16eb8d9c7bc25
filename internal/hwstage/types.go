// Package hwstage models the fixed-function blocks of an IL-style hardware
// media stack and the asynchronous command protocol used to drive them.
//
// A Component is the raw handle returned by a hardware backend. A Stage wraps
// one Component per Role, tracks its outstanding commands and dispatches the
// hardware callbacks to a role-specific Listener.
package hwstage

import "fmt"

// Role identifies one of the six fixed processing blocks.
type Role int

// Pipeline roles, in pipeline order.
const (
	RoleDecoder Role = iota
	RoleDeinterlacer
	RoleResizer
	RoleRenderer
	RoleSplitter
	RoleEncoder
)

// PipelineOrder lists every role from the decoder to the encoder.
var PipelineOrder = []Role{
	RoleDecoder,
	RoleDeinterlacer,
	RoleResizer,
	RoleRenderer,
	RoleSplitter,
	RoleEncoder,
}

// ReverseOrder lists every role downstream-most first.
func ReverseOrder() []Role {
	out := make([]Role, len(PipelineOrder))
	for i, r := range PipelineOrder {
		out[len(PipelineOrder)-1-i] = r
	}
	return out
}

type roleInfo struct {
	name      string
	component string
	portBase  uint32
}

var roleTable = map[Role]roleInfo{
	RoleDecoder:      {"decoder", "OMX.broadcom.video_decode", 130},
	RoleDeinterlacer: {"deinterlacer", "OMX.broadcom.image_fx", 190},
	RoleResizer:      {"resizer", "OMX.broadcom.resize", 60},
	RoleRenderer:     {"renderer", "OMX.broadcom.video_render", 90},
	RoleSplitter:     {"splitter", "OMX.broadcom.video_splitter", 250},
	RoleEncoder:      {"encoder", "OMX.broadcom.video_encode", 200},
}

// String returns the short role name used in logs.
func (r Role) String() string {
	if info, ok := roleTable[r]; ok {
		return info.name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ComponentName returns the hardware component name for the role.
func (r Role) ComponentName() string {
	return roleTable[r].component
}

// PortBase returns the first port index of the role.
func (r Role) PortBase() uint32 {
	return roleTable[r].portBase
}

// InputPort returns the role's input port.
func (r Role) InputPort() uint32 {
	return r.PortBase()
}

// OutputPort returns the role's first output port.
func (r Role) OutputPort() uint32 {
	return r.PortBase() + 1
}

// Splitter output ports.
const (
	SplitterEncoderPort  uint32 = 251
	SplitterRendererPort uint32 = 252
)

// State is a component state.
type State uint32

// Component states.
const (
	StateInvalid State = iota
	StateLoaded
	StateIdle
	StateExecuting
	StatePause
	StateWaitForResources
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateLoaded:
		return "loaded"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StatePause:
		return "pause"
	case StateWaitForResources:
		return "wait-for-resources"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Command is an asynchronous component command.
type Command uint32

// Component commands.
const (
	CommandStateSet Command = iota
	CommandFlush
	CommandPortDisable
	CommandPortEnable
	CommandMarkBuffer
)

func (c Command) String() string {
	switch c {
	case CommandStateSet:
		return "state-set"
	case CommandFlush:
		return "flush"
	case CommandPortDisable:
		return "port-disable"
	case CommandPortEnable:
		return "port-enable"
	case CommandMarkBuffer:
		return "mark-buffer"
	default:
		return fmt.Sprintf("command(%d)", uint32(c))
	}
}

// Event is the type of an asynchronous component event.
type Event uint32

// Component events.
const (
	EventCmdComplete Event = iota
	EventError
	EventMark
	EventPortSettingsChanged
	EventBufferFlag
	EventResourcesAcquired
	EventComponentResumed
	EventDynamicResourcesAvailable
	EventPortFormatDetected
)

func (e Event) String() string {
	switch e {
	case EventCmdComplete:
		return "cmd-complete"
	case EventError:
		return "error"
	case EventMark:
		return "mark"
	case EventPortSettingsChanged:
		return "port-settings-changed"
	case EventBufferFlag:
		return "buffer-flag"
	default:
		return fmt.Sprintf("event(%d)", uint32(e))
	}
}

// BufferFlags is the flag set carried by a PortBuffer.
type BufferFlags uint32

// Buffer flags.
const (
	FlagEOS           BufferFlags = 0x00000001
	FlagStartTime     BufferFlags = 0x00000002
	FlagDecodeOnly    BufferFlags = 0x00000004
	FlagDataCorrupt   BufferFlags = 0x00000008
	FlagEndOfFrame    BufferFlags = 0x00000010
	FlagSyncFrame     BufferFlags = 0x00000020
	FlagExtraData     BufferFlags = 0x00000040
	FlagCodecConfig   BufferFlags = 0x00000080
	FlagTimeUnknown   BufferFlags = 0x00000100
	FlagEndOfNAL      BufferFlags = 0x00000400
	FlagDiscontinuity BufferFlags = 0x00001000
)

// Has reports whether every bit of f is set.
func (b BufferFlags) Has(f BufferFlags) bool {
	return b&f == f
}

// Coding is a compression format for a video port.
type Coding uint32

// Video codings.
const (
	CodingUnused Coding = iota
	CodingAutoDetect
	CodingMPEG2
	CodingH263
	CodingMPEG4
	CodingWMV
	CodingRV
	CodingAVC
	CodingMJPEG
)

func (c Coding) String() string {
	switch c {
	case CodingUnused:
		return "unused"
	case CodingAutoDetect:
		return "autodetect"
	case CodingMPEG2:
		return "mpeg2"
	case CodingH263:
		return "h263"
	case CodingMPEG4:
		return "mpeg4"
	case CodingWMV:
		return "wmv"
	case CodingRV:
		return "rv"
	case CodingAVC:
		return "avc"
	case CodingMJPEG:
		return "mjpeg"
	default:
		return fmt.Sprintf("coding(%d)", uint32(c))
	}
}

// ColorFormat is a raw pixel layout.
type ColorFormat uint32

// Colour formats used by the pipeline.
const (
	ColorFormatUnused         ColorFormat = 0
	ColorFormatYUV420PackedPl ColorFormat = 20
)

// Domain is the port domain.
type Domain uint32

// Port domains.
const (
	DomainAudio Domain = iota
	DomainVideo
	DomainImage
	DomainOther
)

// Direction is a port direction.
type Direction uint32

// Port directions.
const (
	DirInput Direction = iota
	DirOutput
)

// Index selects a parameter or config structure.
type Index uint32

// Parameter and config indexes.
const (
	IndexParamPortDefinition Index = iota + 1
	IndexParamVideoBitrate
	IndexParamVideoQuantization
	IndexParamVideoProfileLevel
	IndexParamExtraBuffers
	IndexParamPixelAspectRatio
	IndexParamEncodeMinQuant
	IndexParamEncodeMaxQuant
	IndexConfigInputCrop
	IndexConfigImageFilter
	IndexConfigDisplayRegion
)

func (i Index) String() string {
	switch i {
	case IndexParamPortDefinition:
		return "port-definition"
	case IndexParamVideoBitrate:
		return "video-bitrate"
	case IndexParamVideoQuantization:
		return "video-quantization"
	case IndexParamVideoProfileLevel:
		return "video-profile-level"
	case IndexParamExtraBuffers:
		return "extra-buffers"
	case IndexParamPixelAspectRatio:
		return "pixel-aspect-ratio"
	case IndexParamEncodeMinQuant:
		return "encode-min-quant"
	case IndexParamEncodeMaxQuant:
		return "encode-max-quant"
	case IndexConfigInputCrop:
		return "input-crop"
	case IndexConfigImageFilter:
		return "image-filter"
	case IndexConfigDisplayRegion:
		return "display-region"
	default:
		return fmt.Sprintf("index(%d)", uint32(i))
	}
}
