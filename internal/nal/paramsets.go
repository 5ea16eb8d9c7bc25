package nal

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ParameterSets holds the stream's SPS and PPS without start codes.
type ParameterSets struct {
	SPS []byte
	PPS []byte
}

// Complete reports whether both sets are known.
func (p ParameterSets) Complete() bool {
	return len(p.SPS) > 0 && len(p.PPS) > 0
}

// AnnexB returns both sets as a start-code delimited stream.
func (p ParameterSets) AnnexB() []byte {
	out, err := h264.AnnexB([][]byte{p.SPS, p.PPS}).Marshal()
	if err != nil {
		return nil
	}
	return out
}

var startCode = []byte{0, 0, 0, 1}

// Split returns the NAL units of a start-code delimited buffer. Data
// without a leading start code is returned as a single unit.
func Split(data []byte) [][]byte {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err == nil {
		return au
	}
	if bytes.HasPrefix(data, startCode) {
		data = data[len(startCode):]
	}
	if len(data) == 0 {
		return nil
	}
	return [][]byte{data}
}

// FirstType returns the type of the first NAL unit in data, or false when
// data does not begin with a four-byte start code.
func FirstType(data []byte) (h264.NALUType, bool) {
	if len(data) <= len(startCode) || !bytes.HasPrefix(data, startCode) {
		return 0, false
	}
	return h264.NALUType(data[4] & 0x1f), true
}

// IsKey reports whether any unit is an IDR slice.
func IsKey(nalus [][]byte) bool {
	for _, n := range nalus {
		if len(n) > 0 && h264.NALUType(n[0]&0x1f) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// scanParameterSets records every SPS and PPS found in nalus. The most
// recent occurrence wins.
func scanParameterSets(ps *ParameterSets, nalus [][]byte) {
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch h264.NALUType(n[0] & 0x1f) {
		case h264.NALUTypeSPS:
			ps.SPS = append([]byte(nil), n...)
		case h264.NALUTypePPS:
			ps.PPS = append([]byte(nil), n...)
		}
	}
}
