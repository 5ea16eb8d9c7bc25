// Package codec maps the codecs found in input containers onto the coding
// formats the hardware decoder accepts, and describes which audio codecs
// can be passed through to each output container.
package codec

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

// ErrStreamFormatUnsupported is returned when the input video codec has no
// hardware decoder.
var ErrStreamFormatUnsupported = errors.New("stream format unsupported")

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264  Video = "h264"
	VideoH265  Video = "h265"
	VideoMPEG1 Video = "mpeg1"
	VideoMPEG2 Video = "mpeg2"
	VideoMPEG4 Video = "mpeg4"
	VideoVC1   Video = "vc1"
)

// Audio represents an audio codec.
type Audio string

// Audio codec constants.
const (
	AudioAAC  Audio = "aac"
	AudioMP3  Audio = "mp3"
	AudioAC3  Audio = "ac3"
	AudioEAC3 Audio = "eac3"
	AudioOpus Audio = "opus"
	AudioDTS  Audio = "dts"
)

// String returns the string representation of the video codec.
func (v Video) String() string {
	return string(v)
}

// String returns the string representation of the audio codec.
func (a Audio) String() string {
	return string(a)
}

// MPEG-TS stream type constants.
const (
	StreamTypeMPEG1Video uint8 = 0x01
	StreamTypeMPEG2Video uint8 = 0x02
	StreamTypeMP3        uint8 = 0x03
	StreamTypeAAC        uint8 = 0x0F
	StreamTypeMPEG4Video uint8 = 0x10
	StreamTypeH264       uint8 = 0x1B
	StreamTypeH265       uint8 = 0x24
	StreamTypeAC3        uint8 = 0x81
	StreamTypeDTS        uint8 = 0x82
	StreamTypeEAC3       uint8 = 0x87
)

// videoInfo contains metadata about a video codec.
type videoInfo struct {
	Name Video
	// Hardware decoder input coding, CodingUnused when there is none.
	Coding hwstage.Coding
	// Whether the mediacommon MPEG-TS reader hands out its frames.
	Demuxable        bool
	MPEGTSStreamType uint8
}

// audioInfo contains metadata about an audio codec.
type audioInfo struct {
	Name      Audio
	Demuxable bool
	// Whether the fMP4 writer can carry it; MPEG-TS carries everything
	// the reader can demux.
	FMP4             bool
	MPEGTSStreamType uint8
}

var videoRegistry = map[Video]*videoInfo{
	VideoH264: {
		Name:             VideoH264,
		Coding:           hwstage.CodingAVC,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeH264,
	},
	VideoH265: {
		Name:             VideoH265,
		Coding:           hwstage.CodingUnused,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeH265,
	},
	// The MPEG-1 and MPEG-2 video decoders are the same block.
	VideoMPEG1: {
		Name:             VideoMPEG1,
		Coding:           hwstage.CodingMPEG2,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeMPEG1Video,
	},
	VideoMPEG2: {
		Name:             VideoMPEG2,
		Coding:           hwstage.CodingMPEG2,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeMPEG2Video,
	},
	VideoMPEG4: {
		Name:             VideoMPEG4,
		Coding:           hwstage.CodingMPEG4,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeMPEG4Video,
	},
	VideoVC1: {
		Name:   VideoVC1,
		Coding: hwstage.CodingUnused,
	},
}

var audioRegistry = map[Audio]*audioInfo{
	AudioAAC: {
		Name:             AudioAAC,
		Demuxable:        true,
		FMP4:             true,
		MPEGTSStreamType: StreamTypeAAC,
	},
	AudioMP3: {
		Name:             AudioMP3,
		Demuxable:        true,
		FMP4:             true,
		MPEGTSStreamType: StreamTypeMP3,
	},
	AudioAC3: {
		Name:             AudioAC3,
		Demuxable:        true,
		FMP4:             true,
		MPEGTSStreamType: StreamTypeAC3,
	},
	AudioEAC3: {
		Name:             AudioEAC3,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeEAC3,
	},
	AudioOpus: {
		Name:      AudioOpus,
		Demuxable: true,
		FMP4:      true,
	},
	AudioDTS: {
		Name:             AudioDTS,
		MPEGTSStreamType: StreamTypeDTS,
	},
}

// HardwareCoding returns the decoder input coding for v.
func HardwareCoding(v Video) (hwstage.Coding, error) {
	info, ok := videoRegistry[v]
	if !ok || info.Coding == hwstage.CodingUnused {
		return hwstage.CodingUnused, fmt.Errorf("%w: video codec %q has no hardware decoder", ErrStreamFormatUnsupported, v)
	}
	return info.Coding, nil
}

// VideoFromStreamType maps an MPEG-TS stream type to a video codec.
func VideoFromStreamType(st uint8) (Video, bool) {
	for codec, info := range videoRegistry {
		if info.MPEGTSStreamType != 0 && info.MPEGTSStreamType == st {
			return codec, true
		}
	}
	return "", false
}

// AudioFromStreamType maps an MPEG-TS stream type to an audio codec.
func AudioFromStreamType(st uint8) (Audio, bool) {
	for codec, info := range audioRegistry {
		if info.MPEGTSStreamType != 0 && info.MPEGTSStreamType == st {
			return codec, true
		}
	}
	return "", false
}

// IsDemuxable returns true if the video codec can be demuxed by mediacommon.
func (v Video) IsDemuxable() bool {
	info, ok := videoRegistry[v]
	return ok && info.Demuxable
}

// IsDemuxable returns true if the audio codec can be demuxed by mediacommon.
func (a Audio) IsDemuxable() bool {
	info, ok := audioRegistry[a]
	return ok && info.Demuxable
}

// FMP4Compatible reports whether the audio codec can be written to fMP4.
func (a Audio) FMP4Compatible() bool {
	info, ok := audioRegistry[a]
	return ok && info.FMP4
}
