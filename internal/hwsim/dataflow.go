package hwsim

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

// Parameter sets emitted by the synthetic encoder (baseline, level 3).
var (
	syntheticSPS = []byte{
		0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0x50, 0x1e,
		0xd8, 0x08, 0x00, 0x00, 0x03, 0x00, 0x08, 0x00,
		0x00, 0x03, 0x00, 0x3c, 0x8f, 0x16, 0x2d, 0x96,
	}
	syntheticPPS = []byte{0x68, 0xce, 0x06, 0xe2}
)

var startCode = []byte{0, 0, 0, 1}

// frame is one picture moving between components. data is the compressed
// access unit it was decoded from, kept so the encoder can pass it through.
type frame struct {
	data []byte
	tick int64
	eos  bool
}

type decoderState struct {
	queue       []*hwstage.Buffer
	consumed    int
	reported    bool
	partial     []byte
	partialTick int64
	started     bool
	sps         *h264.SPS
}

// unit is one encoder output element, split across fill buffers as needed.
type unit struct {
	data   []byte
	offset int
	tick   int64
	flags  hwstage.BufferFlags
}

type encoderState struct {
	fills   []*hwstage.Buffer
	units   []unit
	encoded int
	headers bool
}

// process consumes input on an executing component.
func (c *Component) process(fx *effects) bool {
	moved := false
	if c.role == hwstage.RoleDecoder {
		in := c.ports[c.role.InputPort()]
		for len(c.dec.queue) > 0 && in.ready() {
			buf := c.dec.queue[0]
			c.dec.queue = c.dec.queue[1:]
			c.decode(fx, buf)
			c.giveBack(fx, in, buf, false)
			moved = true
		}
	}

	if len(c.inbox) > 0 {
		frames := c.inbox
		c.inbox = nil
		for _, f := range frames {
			c.stats.FramesIn++
			c.transform(f)
		}
		moved = true
	}

	if c.role == hwstage.RoleEncoder && c.fill(fx) {
		moved = true
	}
	return moved
}

func (c *Component) decode(fx *effects, buf *hwstage.Buffer) {
	d := &c.dec
	payload := buf.Payload()
	d.consumed++

	if len(payload) > 0 {
		if !d.started {
			d.started = true
			d.partialTick = buf.Tick
		}
		d.partial = append(d.partial, payload...)
	}
	if buf.Flags.Has(hwstage.FlagEndOfFrame) && len(d.partial) > 0 {
		c.emitDecoded(frame{data: d.partial, tick: d.partialTick})
		d.partial = nil
		d.started = false
	}
	if buf.Flags.Has(hwstage.FlagEOS) {
		if len(d.partial) > 0 {
			c.emitDecoded(frame{data: d.partial, tick: d.partialTick})
			d.partial = nil
			d.started = false
		}
		c.push(c.role.OutputPort(), frame{eos: true, tick: buf.Tick})
	}

	after := c.core.cfg.SettingsAfter
	if !d.reported && after > 0 && d.consumed >= after {
		d.reported = true
		c.reportSettings(fx)
	}
}

func (c *Component) emitDecoded(f frame) {
	if c.dec.sps == nil && c.ports[c.role.InputPort()].def.Format.Compression == hwstage.CodingAVC {
		var au h264.AnnexB
		if err := au.Unmarshal(f.data); err == nil {
			for _, n := range au {
				if len(n) > 0 && h264.NALUType(n[0]&0x1f) == h264.NALUTypeSPS {
					var sps h264.SPS
					if sps.Unmarshal(n) == nil {
						c.dec.sps = &sps
					}
				}
			}
		}
	}
	c.stats.FramesOut++
	c.push(c.role.OutputPort(), f)
}

// reportSettings fills in the decoder output port and announces it.
func (c *Component) reportSettings(fx *effects) {
	cfg := c.core.cfg
	in := c.ports[c.role.InputPort()].def.Format
	out := c.ports[c.role.OutputPort()]

	w, h := cfg.Width, cfg.Height
	if w == 0 || h == 0 {
		switch {
		case c.dec.sps != nil:
			w, h = uint32(c.dec.sps.Width()), uint32(c.dec.sps.Height())
		case in.Width > 0 && in.Height > 0:
			w, h = in.Width, in.Height
		default:
			w, h = 1920, 1080
		}
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = in.FPS()
	}
	if fps <= 0 {
		fps = 25
	}

	out.def.Format = hwstage.VideoFormat{
		Width:       w,
		Height:      h,
		Stride:      int32(align(w, 32)),
		SliceHeight: align(h, 16),
		Framerate:   hwstage.FramerateQ16(fps),
		Color:       hwstage.ColorFormatYUV420PackedPl,
	}
	out.def.BufferSize = uint32(out.def.Format.Stride) * out.def.Format.SliceHeight * 3 / 2
	c.core.record(c.role, "settings-changed", out.def.Format.String())
	c.event(fx, hwstage.EventPortSettingsChanged, out.def.Port, 0)
}

// transform applies the component's function to one delivered frame.
func (c *Component) transform(f frame) {
	switch c.role {
	case hwstage.RoleDeinterlacer:
		c.push(c.role.OutputPort(), f)
		if !f.eos && c.fieldRate() {
			c.push(c.role.OutputPort(), f)
		}
	case hwstage.RoleResizer:
		c.push(c.role.OutputPort(), f)
	case hwstage.RoleSplitter:
		for n := uint32(251); n <= 254; n++ {
			if c.ports[n].peer != nil {
				c.push(n, f)
			}
		}
	case hwstage.RoleRenderer:
		if !f.eos {
			c.stats.Rendered++
		}
	case hwstage.RoleEncoder:
		c.encode(f)
	}
}

// fieldRate reports whether the deinterlacer emits one frame per field.
func (c *Component) fieldRate() bool {
	for _, n := range []uint32{c.role.OutputPort(), c.role.InputPort()} {
		v, ok := c.params[paramKey{hwstage.IndexConfigImageFilter, n}]
		if !ok {
			continue
		}
		f := v.(hwstage.ImageFilter)
		return f.Filter == hwstage.FilterDeInterlaceFast && len(f.Params) > 2 && f.Params[2] == 0
	}
	return false
}

func (c *Component) push(n uint32, f frame) {
	q := append(c.outbox[n], f)
	if limit := c.core.cfg.Backlog; len(q) > limit {
		c.stats.Dropped += len(q) - limit
		q = q[len(q)-limit:]
	}
	if !f.eos && c.role != hwstage.RoleDecoder {
		c.stats.FramesOut++
	}
	c.outbox[n] = q
}

// deliver moves queued output frames over established tunnels. Frames on
// an enabled port without a tunnel are discarded.
func (c *Component) deliver(fx *effects) bool {
	moved := false
	for _, n := range sortedPorts(c.ports) {
		q := c.outbox[n]
		if len(q) == 0 {
			continue
		}
		p := c.ports[n]
		if p.peer == nil {
			if p.def.Enabled {
				c.stats.Dropped += len(q)
				delete(c.outbox, n)
				moved = true
			}
			continue
		}
		peer := p.peer.comp
		if c.state != hwstage.StateExecuting || !p.ready() ||
			peer.state != hwstage.StateExecuting || !peer.ports[p.peer.port].ready() {
			continue
		}
		peer.inbox = append(peer.inbox, q...)
		delete(c.outbox, n)
		for _, f := range q {
			if f.eos {
				c.event(fx, hwstage.EventBufferFlag, n, uint32(hwstage.FlagEOS))
			}
		}
		moved = true
	}
	return moved
}

func (c *Component) encode(f frame) {
	e := &c.enc
	if f.eos {
		e.units = append(e.units, unit{tick: f.tick, flags: hwstage.FlagEOS})
		return
	}
	if c.core.cfg.Encoder == EncoderPassthrough && c.passthrough(f) {
		return
	}

	if !e.headers {
		e.headers = true
		e.units = append(e.units,
			unit{data: annexB(syntheticSPS), tick: f.tick, flags: hwstage.FlagCodecConfig | hwstage.FlagEndOfNAL},
			unit{data: annexB(syntheticPPS), tick: f.tick, flags: hwstage.FlagCodecConfig | hwstage.FlagEndOfNAL})
	}

	key := e.encoded%c.core.cfg.GOP == 0
	e.encoded++
	size := c.frameBytes()
	header := byte(0x41)
	flags := hwstage.FlagEndOfFrame | hwstage.FlagEndOfNAL
	if key {
		header = 0x65
		size *= 4
		flags |= hwstage.FlagSyncFrame
	}
	nalu := append([]byte{header}, bytes.Repeat([]byte{0x5a}, size)...)
	e.units = append(e.units, unit{data: annexB(nalu), tick: f.tick, flags: flags})
}

// passthrough re-emits an H.264 access unit: parameter sets as codec
// config, access unit delimiters dropped, everything else as one unit.
func (c *Component) passthrough(f frame) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(f.data); err != nil {
		return false
	}

	e := &c.enc
	var body [][]byte
	key := false
	for _, n := range au {
		if len(n) == 0 {
			continue
		}
		switch h264.NALUType(n[0] & 0x1f) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			e.units = append(e.units, unit{data: annexB(n), tick: f.tick, flags: hwstage.FlagCodecConfig | hwstage.FlagEndOfNAL})
		case h264.NALUTypeAccessUnitDelimiter:
		case h264.NALUTypeIDR:
			key = true
			body = append(body, n)
		default:
			body = append(body, n)
		}
	}
	if len(body) == 0 {
		return true
	}

	data, err := h264.AnnexB(body).Marshal()
	if err != nil {
		return false
	}
	flags := hwstage.FlagEndOfFrame | hwstage.FlagEndOfNAL
	if key {
		flags |= hwstage.FlagSyncFrame
	}
	e.encoded++
	e.units = append(e.units, unit{data: data, tick: f.tick, flags: flags})
	return true
}

// frameBytes sizes a synthetic predicted frame from the target bitrate.
func (c *Component) frameBytes() int {
	out := c.ports[c.role.OutputPort()].def.Format
	rate := out.Bitrate
	if v, ok := c.params[paramKey{hwstage.IndexParamVideoBitrate, c.role.OutputPort()}]; ok {
		if br := v.(hwstage.VideoBitrate); br.TargetBitrate > 0 {
			rate = br.TargetBitrate
		}
	}
	fps := c.ports[c.role.InputPort()].def.Format.FPS()
	if fps <= 0 {
		fps = 25
	}
	return min(max(int(float64(rate)/8/fps), 32), 256*1024)
}

// fill copies queued output into buffers the client has handed over. A
// unit larger than the buffer is split; only its last fragment carries the
// unit's end-of-frame and end-of-NAL flags.
func (c *Component) fill(fx *effects) bool {
	e := &c.enc
	out := c.ports[c.role.OutputPort()]
	moved := false
	for len(e.fills) > 0 && len(e.units) > 0 && out.ready() {
		buf := e.fills[0]
		e.fills = e.fills[1:]
		u := &e.units[0]

		n := copy(buf.Data, u.data[u.offset:])
		u.offset += n
		buf.Offset = 0
		buf.FilledLen = n
		buf.Tick = u.tick
		last := u.offset >= len(u.data)
		if last {
			buf.Flags = u.flags
		} else {
			buf.Flags = u.flags &^ (hwstage.FlagEndOfFrame | hwstage.FlagEndOfNAL | hwstage.FlagEOS)
		}
		eos := last && u.flags.Has(hwstage.FlagEOS)
		if last {
			e.units = e.units[1:]
		}

		c.stats.Fragments++
		c.giveBack(fx, out, buf, true)
		if eos {
			c.event(fx, hwstage.EventBufferFlag, out.def.Port, uint32(hwstage.FlagEOS))
		}
		moved = true
	}
	return moved
}

func annexB(nalu []byte) []byte {
	return append(append([]byte(nil), startCode...), nalu...)
}
