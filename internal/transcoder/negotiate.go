package transcoder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/pitx/internal/bufpool"
	"github.com/jmylchreest/pitx/internal/hwstage"
	"github.com/jmylchreest/pitx/internal/nal"
	"github.com/jmylchreest/pitx/internal/observability"
)

const (
	decIn  = 130
	decOut = 131
	deiIn  = 190
	deiOut = 191
	rszIn  = 60
	rszOut = 61
	splIn  = 250
	rndIn  = 90
	encIn  = 200
	encOut = 201
)

// initDecoder prepares the decoder for probing: input format, input
// buffers, Executing. The output port stays disabled until the tunnels
// exist.
func (t *Transcoder) initDecoder() error {
	dec := t.stage(hwstage.RoleDecoder)
	if err := dec.DisablePort(decIn, true); err != nil {
		return err
	}
	if err := dec.DisablePort(decOut, true); err != nil {
		return err
	}

	def, err := dec.PortDefinition(decIn)
	if err != nil {
		return err
	}
	def.Format.Width = uint32(t.video.Width)
	def.Format.Height = uint32(t.video.Height)
	def.Format.Compression = t.coding
	if t.video.FPS > 0 {
		def.Format.Framerate = hwstage.FramerateQ16(t.video.FPS)
	}
	if err := dec.SetPortDefinition(def); err != nil {
		return err
	}

	if err := dec.RequestState(hwstage.StateIdle, hwstage.FireAndWait); err != nil {
		return err
	}
	if err := dec.EnablePort(decIn, false); err != nil {
		return err
	}
	pool, err := bufpool.Allocate(dec, decIn)
	if pool != nil {
		t.pool = pool
		t.sh.pool.Store(pool)
	}
	if err != nil {
		return err
	}
	if err := dec.Wait(hwstage.CommandPortEnable, decIn); err != nil {
		return err
	}
	if err := dec.RequestState(hwstage.StateExecuting, hwstage.FireAndWait); err != nil {
		return err
	}

	t.logger.Debug("decoder probing",
		slog.String("coding", t.coding.String()),
		slog.Int("width", t.video.Width),
		slog.Int("height", t.video.Height),
		slog.Int("input_buffers", pool.Len()))
	return nil
}

// configure builds the pipeline behind the decoder once its output format
// is known. One VideoFormat is threaded through the stages; each stage
// that changes the picture updates it in place.
func (t *Transcoder) configure() error {
	dec := t.stage(hwstage.RoleDecoder)
	def, err := dec.PortDefinition(decOut)
	if err != nil {
		return err
	}
	format := def.Format
	t.logger.Info("decoder output format identified",
		slog.String("format", format.String()),
		slog.Int64("after_packets", t.packetsIn.Load()))

	if t.opts.Deinterlace != DeinterlaceOff {
		if err := t.configureDeinterlacer(&format); err != nil {
			return err
		}
	}
	if t.opts.resizing() {
		if err := t.configureResizer(&format); err != nil {
			return err
		}
	}
	if t.opts.Monitor {
		if err := t.configureMonitor(&format); err != nil {
			return err
		}
	}

	enc := t.stage(hwstage.RoleEncoder)
	if err := enc.DisablePort(encIn, true); err != nil {
		return err
	}
	if err := enc.DisablePort(encOut, true); err != nil {
		return err
	}
	in, err := enc.PortDefinition(encIn)
	if err != nil {
		return err
	}
	in.Format = format
	if err := enc.SetPortDefinition(in); err != nil {
		return err
	}

	if err := t.setupTunnels(); err != nil {
		return err
	}
	for _, s := range t.usedStages() {
		if s.Role() == hwstage.RoleDecoder {
			continue
		}
		if err := s.RequestState(hwstage.StateIdle, hwstage.FireAndWait); err != nil {
			return err
		}
	}

	if err := t.configureEncoderOutput(format); err != nil {
		return err
	}
	if err := t.allocateOutput(); err != nil {
		return err
	}
	if err := t.enablePorts(); err != nil {
		return err
	}
	for _, s := range t.usedStages() {
		if s.Role() == hwstage.RoleDecoder {
			continue
		}
		if err := s.RequestState(hwstage.StateExecuting, hwstage.FireAndWait); err != nil {
			return err
		}
	}
	t.dumpPorts()

	fps := format.FPS()
	t.framerate.Store(format.Framerate)
	reasm := nal.New(nal.Config{
		Logger:      observability.WithComponent(t.base, "nal"),
		Capacity:    t.opts.NALCapacity,
		Ungated:     !t.opts.Format.Gated(),
		ProbeBudget: t.opts.ProbeFrames,
	}, nal.NewClock(fps), output{t: t})
	t.reasm.Store(reasm)

	if err := t.slot.Arm(); err != nil {
		return err
	}
	t.sh.state.advance(StateOpenOutput, StateTunnelSetup)
	t.logger.Info("pipeline running",
		slog.String("encoder_input", format.String()),
		slog.Float64("fps", fps),
		slog.String("output_format", t.opts.Format.String()))

	// Raw output takes every unit as it comes and opens now.
	return reasm.Start()
}

func (t *Transcoder) configureDeinterlacer(f *hwstage.VideoFormat) error {
	s := t.stage(hwstage.RoleDeinterlacer)
	if err := s.DisablePort(deiIn, true); err != nil {
		return err
	}
	if err := s.SetParameter(hwstage.IndexParamExtraBuffers, &hwstage.U32{Port: deiIn, Value: -2}); err != nil {
		return err
	}
	if err := s.DisablePort(deiOut, true); err != nil {
		return err
	}

	halfRate := uint32(1)
	rate := f.Framerate
	if t.opts.Deinterlace == DeinterlaceFieldRate {
		halfRate = 0
		rate *= 2
	}

	out, err := s.PortDefinition(deiOut)
	if err != nil {
		return err
	}
	out.Format = *f
	out.Format.Framerate = rate
	if err := s.SetPortDefinition(out); err != nil {
		return err
	}
	filter := &hwstage.ImageFilter{
		Port:   deiOut,
		Filter: hwstage.FilterDeInterlaceFast,
		Params: []uint32{3, 0, halfRate, 1},
	}
	if err := s.SetConfig(hwstage.IndexConfigImageFilter, filter); err != nil {
		return err
	}

	out, err = s.PortDefinition(deiOut)
	if err != nil {
		return err
	}
	*f = out.Format
	f.Framerate = rate
	t.logger.Debug("deinterlacer configured",
		slog.String("mode", t.opts.Deinterlace.String()),
		slog.String("format", f.String()))
	return nil
}

func (t *Transcoder) configureResizer(f *hwstage.VideoFormat) error {
	s := t.stage(hwstage.RoleResizer)
	if err := s.DisablePort(rszIn, true); err != nil {
		return err
	}
	if err := s.DisablePort(rszOut, true); err != nil {
		return err
	}

	in, err := s.PortDefinition(rszIn)
	if err != nil {
		return err
	}
	in.Format = *f
	if err := s.SetPortDefinition(in); err != nil {
		return err
	}

	w, h := f.Width, f.Height
	if c := t.opts.Crop; !c.IsZero() {
		if c.fits(w, h) {
			rect := &hwstage.Rect{Port: rszIn, Left: int32(c.Left), Top: int32(c.Top), Width: c.Width, Height: c.Height}
			if err := s.SetConfig(hwstage.IndexConfigInputCrop, rect); err != nil {
				return err
			}
			w, h = c.Width, c.Height
		} else {
			t.logger.Warn("crop rectangle outside frame, ignoring crop",
				slog.String("crop", c.String()),
				slog.String("frame", Size{Width: w, Height: h}.String()))
		}
	}

	target := t.opts.Resize
	if scaled, ok := t.autoScale(w, h); ok {
		target = scaled
	}
	if target.IsZero() {
		target = Size{Width: w, Height: h}
	}

	out, err := s.PortDefinition(rszOut)
	if err != nil {
		return err
	}
	out.Format = *f
	out.Format.Width = target.Width
	out.Format.Height = target.Height
	out.Format.Stride = 0
	out.Format.SliceHeight = 0
	if err := s.SetPortDefinition(out); err != nil {
		return err
	}

	out, err = s.PortDefinition(rszOut)
	if err != nil {
		return err
	}
	rate := f.Framerate
	*f = out.Format
	if f.Framerate == 0 {
		f.Framerate = rate
	}
	t.logger.Debug("resizer configured",
		slog.String("crop", t.opts.Crop.String()),
		slog.String("target", target.String()),
		slog.String("format", f.String()))
	return nil
}

// autoScale returns the size that makes the sample aspect ratio square by
// stretching one dimension, rounded up to 16.
func (t *Transcoder) autoScale(w, h uint32) (Size, bool) {
	if t.opts.AutoScale == AutoScaleOff {
		return Size{}, false
	}
	num, den := uint32(t.video.SARNum), uint32(t.video.SARDen)
	if num == 0 || den == 0 {
		t.logger.Warn("sample aspect ratio unknown, not auto-scaling")
		return Size{}, false
	}
	if t.opts.AutoScale == AutoScaleY {
		return Size{Width: w, Height: align16(h * den / num)}, true
	}
	return Size{Width: align16(w * num / den), Height: h}, true
}

func (t *Transcoder) configureMonitor(f *hwstage.VideoFormat) error {
	spl := t.stage(hwstage.RoleSplitter)
	rnd := t.stage(hwstage.RoleRenderer)
	for p := uint32(splIn); p <= splIn+4; p++ {
		if err := spl.DisablePort(p, true); err != nil {
			return err
		}
	}
	if err := rnd.DisablePort(rndIn, true); err != nil {
		return err
	}

	w := t.opts.Window
	region := &hwstage.DisplayRegion{
		Port:       rndIn,
		Fullscreen: w.Fullscreen,
		X:          w.X,
		Y:          w.Y,
		Width:      w.Width,
		Height:     w.Height,
	}
	if err := rnd.SetConfig(hwstage.IndexConfigDisplayRegion, region); err != nil {
		return err
	}

	for _, p := range []uint32{splIn, hwstage.SplitterEncoderPort, hwstage.SplitterRendererPort} {
		def, err := spl.PortDefinition(p)
		if err != nil {
			return err
		}
		def.Format = *f
		if err := spl.SetPortDefinition(def); err != nil {
			return err
		}
	}
	return nil
}

// setupTunnels links the used stages upstream first. The decoder may be
// executing; every other endpoint is Loaded with its ports disabled.
func (t *Transcoder) setupTunnels() error {
	prev, prevPort := t.stage(hwstage.RoleDecoder), uint32(decOut)
	link := func(dst *hwstage.Stage, dstPort uint32) error {
		if err := t.core.SetupTunnel(prev.Component(), prevPort, dst.Component(), dstPort); err != nil {
			return &hwstage.StageError{
				Op:   fmt.Sprintf("tunnel %s:%d -> %s:%d", prev.Role(), prevPort, dst.Role(), dstPort),
				Role: prev.Role(),
				Err:  err,
			}
		}
		return nil
	}

	if t.opts.Deinterlace != DeinterlaceOff {
		dei := t.stage(hwstage.RoleDeinterlacer)
		if err := link(dei, deiIn); err != nil {
			return err
		}
		prev, prevPort = dei, deiOut
	}
	if t.opts.resizing() {
		rsz := t.stage(hwstage.RoleResizer)
		if err := link(rsz, rszIn); err != nil {
			return err
		}
		prev, prevPort = rsz, rszOut
	}
	if t.opts.Monitor {
		spl := t.stage(hwstage.RoleSplitter)
		if err := link(spl, splIn); err != nil {
			return err
		}
		prev, prevPort = spl, hwstage.SplitterRendererPort
		if err := link(t.stage(hwstage.RoleRenderer), rndIn); err != nil {
			return err
		}
		prevPort = hwstage.SplitterEncoderPort
	}
	return link(t.stage(hwstage.RoleEncoder), encIn)
}

func (t *Transcoder) configureEncoderOutput(f hwstage.VideoFormat) error {
	enc := t.stage(hwstage.RoleEncoder)
	out, err := enc.PortDefinition(encOut)
	if err != nil {
		return err
	}
	out.Format = f
	out.Format.Bitrate = t.opts.Bitrate
	out.Format.Compression = hwstage.CodingAVC
	out.Format.Stride = 0
	out.Format.SliceHeight = 0
	out.Format.Color = hwstage.ColorFormatUnused
	out.BufferCountActual = 1
	if err := enc.SetPortDefinition(out); err != nil {
		return err
	}

	rate := &hwstage.VideoBitrate{
		Port:          encOut,
		ControlRate:   t.opts.RateControl.hardware(),
		TargetBitrate: t.opts.Bitrate,
	}
	if err := enc.SetParameter(hwstage.IndexParamVideoBitrate, rate); err != nil {
		return err
	}
	if t.opts.RateControl == RateFixedQP {
		q := &hwstage.Quantization{Port: encOut, QpI: t.opts.QPI, QpP: t.opts.QPP}
		if err := enc.SetParameter(hwstage.IndexParamVideoQuantization, q); err != nil {
			return err
		}
	}
	if t.opts.QPMin > 0 {
		if err := enc.SetParameter(hwstage.IndexParamEncodeMinQuant, &hwstage.U32{Port: encOut, Value: int32(t.opts.QPMin)}); err != nil {
			return err
		}
	}
	if t.opts.QPMax > 0 {
		if err := enc.SetParameter(hwstage.IndexParamEncodeMaxQuant, &hwstage.U32{Port: encOut, Value: int32(t.opts.QPMax)}); err != nil {
			return err
		}
	}

	pl := hwstage.ProfileLevel{Port: encOut}
	if err := enc.GetParameter(hwstage.IndexParamVideoProfileLevel, &pl); err != nil {
		return err
	}
	if t.opts.Profile != 0 || t.opts.Level != 0 {
		if t.opts.Profile != 0 {
			pl.Profile = t.opts.Profile
		}
		if t.opts.Level != 0 {
			pl.Level = t.opts.Level
		}
		if err := enc.SetParameter(hwstage.IndexParamVideoProfileLevel, &pl); err != nil {
			return err
		}
	}

	if t.opts.resizing() {
		if err := enc.SetParameter(hwstage.IndexParamPixelAspectRatio, &hwstage.PixelAspect{Port: encOut, X: 1, Y: 1}); err != nil {
			return err
		}
	}

	t.logger.Debug("encoder output configured",
		slog.Uint64("bitrate", uint64(t.opts.Bitrate)),
		slog.String("rate_control", t.opts.RateControl.String()),
		slog.String("profile", fmt.Sprintf("%#x", pl.Profile)),
		slog.String("level", fmt.Sprintf("%#x", pl.Level)))
	return nil
}

// allocateOutput enables the encoder output port and allocates the one
// buffer the process drains. Extra buffers the port demands stay unused.
func (t *Transcoder) allocateOutput() error {
	enc := t.stage(hwstage.RoleEncoder)
	if err := enc.EnablePort(encOut, false); err != nil {
		return err
	}
	slot, err := bufpool.AllocateSlot(enc, encOut)
	if err != nil {
		return err
	}
	t.slot = slot
	t.sh.slot.Store(slot)
	if n := slot.Buffers(); n > 1 {
		t.logger.Warn("encoder wants more than one output buffer, extra buffers unused",
			slog.Int("buffers", n))
	}
	return enc.Wait(hwstage.CommandPortEnable, encOut)
}

// enablePorts enables the tunneled ports. A tunneled port finishes
// enabling only once its peer is enabled too, so upstream outputs are
// issued without waiting and each downstream input waits. The encoder
// input is last.
func (t *Transcoder) enablePorts() error {
	type enable struct {
		role hwstage.Role
		port uint32
		wait bool
	}
	steps := []enable{{hwstage.RoleDecoder, decOut, false}}
	if t.opts.Deinterlace != DeinterlaceOff {
		steps = append(steps,
			enable{hwstage.RoleDeinterlacer, deiIn, true},
			enable{hwstage.RoleDeinterlacer, deiOut, false})
	}
	if t.opts.resizing() {
		steps = append(steps,
			enable{hwstage.RoleResizer, rszIn, true},
			enable{hwstage.RoleResizer, rszOut, false})
	}
	if t.opts.Monitor {
		steps = append(steps,
			enable{hwstage.RoleRenderer, rndIn, false},
			enable{hwstage.RoleSplitter, splIn, true},
			enable{hwstage.RoleSplitter, hwstage.SplitterEncoderPort, false},
			enable{hwstage.RoleSplitter, hwstage.SplitterRendererPort, true})
	}
	steps = append(steps, enable{hwstage.RoleEncoder, encIn, true})

	for _, st := range steps {
		if err := t.stage(st.role).EnablePort(st.port, st.wait); err != nil {
			return err
		}
	}
	for _, s := range t.usedStages() {
		if err := s.WaitAll(); err != nil {
			return err
		}
	}
	return nil
}

// dumpPorts logs every used port definition at debug level.
func (t *Transcoder) dumpPorts() {
	if !t.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	ports := map[hwstage.Role][]uint32{
		hwstage.RoleDecoder:      {decIn, decOut},
		hwstage.RoleDeinterlacer: {deiIn, deiOut},
		hwstage.RoleResizer:      {rszIn, rszOut},
		hwstage.RoleSplitter:     {splIn, hwstage.SplitterEncoderPort, hwstage.SplitterRendererPort},
		hwstage.RoleRenderer:     {rndIn},
		hwstage.RoleEncoder:      {encIn, encOut},
	}
	for _, s := range t.usedStages() {
		for _, p := range ports[s.Role()] {
			s.DumpPort(p)
		}
	}
}
