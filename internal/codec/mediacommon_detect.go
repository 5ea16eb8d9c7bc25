package codec

import (
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// FromMPEGTS identifies a track codec reported by the mediacommon reader.
// Exactly one of the results is set for a recognised codec; both are empty
// for anything else.
func FromMPEGTS(c mpegts.Codec) (Video, Audio) {
	switch c.(type) {
	case *mpegts.CodecH264:
		return VideoH264, ""
	case *mpegts.CodecH265:
		return VideoH265, ""
	case *mpegts.CodecMPEG1Video:
		return VideoMPEG2, ""
	case *mpegts.CodecMPEG4Video:
		return VideoMPEG4, ""
	case *mpegts.CodecMPEG4Audio:
		return "", AudioAAC
	case *mpegts.CodecMPEG1Audio:
		return "", AudioMP3
	case *mpegts.CodecAC3:
		return "", AudioAC3
	case *mpegts.CodecEAC3:
		return "", AudioEAC3
	case *mpegts.CodecOpus:
		return "", AudioOpus
	default:
		return "", ""
	}
}

// IsUnsupported reports whether the reader could not identify the track.
func IsUnsupported(c mpegts.Codec) bool {
	_, unsupported := c.(*mpegts.CodecUnsupported)
	return unsupported
}
