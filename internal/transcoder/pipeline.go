// Package transcoder sequences the hardware stages into a decode to encode
// pipeline, feeds it from a container source and writes the reassembled
// output to a container sink.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/pitx/internal/bufpool"
	"github.com/jmylchreest/pitx/internal/codec"
	"github.com/jmylchreest/pitx/internal/container"
	"github.com/jmylchreest/pitx/internal/hwstage"
	"github.com/jmylchreest/pitx/internal/nal"
	"github.com/jmylchreest/pitx/internal/observability"
)

// Sentinel errors.
var (
	// ErrDecoderProbeFailed is returned when the decoder does not announce
	// its output format within the probe budget or before input ends.
	ErrDecoderProbeFailed = errors.New("decoder did not identify the stream")

	// ErrEndOfStreamTimeout is returned when the encoder does not echo the
	// end of stream in time.
	ErrEndOfStreamTimeout = errors.New("encoder did not finish the stream")

	errStopped = errors.New("pipeline stopped")
)

// Config wires a Transcoder to its collaborators.
type Config struct {
	Logger  *slog.Logger
	Core    hwstage.Core
	Source  container.Source
	Sink    container.Sink
	Options Options
}

// Transcoder runs one input through the hardware pipeline. Run drives it
// from a single goroutine; Quit, State and Stats may be called from any.
type Transcoder struct {
	opts   Options
	base   *slog.Logger
	logger *slog.Logger
	core   hwstage.Core
	src    container.Source
	sink   container.Sink

	video  container.Stream
	coding hwstage.Coding
	used   map[hwstage.Role]bool

	sh     *shared
	stages map[hwstage.Role]*hwstage.Stage
	pool   *bufpool.Pool
	slot   *bufpool.Slot
	reasm  atomic.Pointer[nal.Reassembler]
	ts     timestamper

	audioQueue []container.Packet

	started     atomic.Int64
	framerate   atomic.Uint32
	packetsIn   atomic.Int64
	buffersIn   atomic.Int64
	audioOut    atomic.Int64
	audioFailed atomic.Int64

	teardownOnce sync.Once
	teardownErr  error
}

// New validates the options and the input. An input codec the hardware
// cannot decode fails here, before any stage exists.
func New(cfg Config) (*Transcoder, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Core == nil || cfg.Source == nil || cfg.Sink == nil {
		return nil, errors.New("transcoder needs a hardware core, a source and a sink")
	}
	opts := cfg.Options
	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	video, ok := cfg.Source.Video()
	if !ok {
		return nil, container.ErrNoVideo
	}
	coding, err := codec.HardwareCoding(video.Video)
	if err != nil {
		return nil, err
	}

	used := map[hwstage.Role]bool{
		hwstage.RoleDecoder:      true,
		hwstage.RoleDeinterlacer: opts.Deinterlace != DeinterlaceOff,
		hwstage.RoleResizer:      opts.resizing(),
		hwstage.RoleSplitter:     opts.Monitor,
		hwstage.RoleRenderer:     opts.Monitor,
		hwstage.RoleEncoder:      true,
	}

	return &Transcoder{
		opts:   opts,
		base:   cfg.Logger,
		logger: observability.WithComponent(cfg.Logger, "transcoder"),
		core:   cfg.Core,
		src:    cfg.Source,
		sink:   cfg.Sink,
		video:  video,
		coding: coding,
		used:   used,
		sh:     &shared{},
		stages: make(map[hwstage.Role]*hwstage.Stage),
		ts:     timestamper{mode: opts.Timestamps},
	}, nil
}

// Options returns the resolved options.
func (t *Transcoder) Options() Options {
	return t.opts
}

// State returns the pipeline state.
func (t *Transcoder) State() State {
	return t.sh.state.load()
}

// Quit stops feeding and makes Run tear down without waiting for the
// encoder to drain. It touches no buffer or hardware state.
func (t *Transcoder) Quit() {
	if t.sh.state.interrupt() {
		t.logger.Debug("quit requested")
	}
}

// Run transcodes until the encoder echoes end of stream, Quit is called,
// ctx is cancelled or a fatal error occurs. The stages are torn down
// before Run returns.
func (t *Transcoder) Run(ctx context.Context) (err error) {
	t.started.Store(time.Now().UnixNano())
	stop := context.AfterFunc(ctx, t.Quit)
	defer stop()

	defer func() {
		if terr := t.Teardown(); terr != nil {
			t.logger.Warn("teardown incomplete", slog.String("error", terr.Error()))
		}
		if err != nil {
			observability.WithError(t.logger, err).Error("transcode failed",
				slog.String("state", t.State().String()))
		}
	}()

	if err := t.createStages(); err != nil {
		return err
	}
	if err := t.initDecoder(); err != nil {
		return err
	}
	return t.loop()
}

// createStages creates one stage per role regardless of topology. Unused
// stages stay Loaded.
func (t *Transcoder) createStages() error {
	for _, role := range hwstage.PipelineOrder {
		s, err := hwstage.NewStage(t.core, role, hwstage.StageConfig{
			Logger:       t.base,
			Listener:     listenerFor(role, t.sh),
			WaitBudget:   t.opts.WaitBudget,
			PollInterval: t.opts.PollInterval,
		})
		if err != nil {
			return err
		}
		t.stages[role] = s
	}
	return nil
}

func (t *Transcoder) stage(role hwstage.Role) *hwstage.Stage {
	return t.stages[role]
}

// usedStages returns the stages in the topology, in pipeline order.
func (t *Transcoder) usedStages() []*hwstage.Stage {
	var out []*hwstage.Stage
	for _, role := range hwstage.PipelineOrder {
		if t.used[role] && t.stages[role] != nil {
			out = append(out, t.stages[role])
		}
	}
	return out
}

// loop is the producer: it reads packets, drives the state machine, feeds
// the decoder and drains the encoder.
func (t *Transcoder) loop() error {
	for {
		switch t.State() {
		case StateQuit:
			t.logger.Info("interrupted, stopping pipeline")
			return nil
		case StateEncoderEOS:
			return t.finish()
		case StateDecoderEOF:
			return t.awaitEndOfStream()
		}

		pkt, err := t.nextVideo()
		if errors.Is(err, io.EOF) {
			if err := t.endOfInput(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		switch t.State() {
		case StateTunnelSetup:
			if err := t.configure(); err != nil {
				return err
			}
		case StateDecoderInit:
			if n := t.packetsIn.Load(); n >= int64(t.opts.ProbeFrames) &&
				t.sh.state.advance(StateDecoderFailed, StateDecoderInit) {
				return fmt.Errorf("%w after %d packets", ErrDecoderProbeFailed, n)
			}
		}

		if err := t.feed(pkt); err != nil && !errors.Is(err, errStopped) {
			return err
		}
	}
}

// nextVideo returns the next video packet. Audio packets read on the way
// are written, or queued while the output is not open.
func (t *Transcoder) nextVideo() (container.Packet, error) {
	for {
		p, err := t.src.ReadPacket()
		if err != nil {
			return p, err
		}
		switch p.Kind {
		case container.KindVideo:
			return p, nil
		case container.KindAudio:
			t.audio(p)
		}
	}
}

// endOfInput pushes the end-of-stream sentinel. Input that ends before the
// decoder identified the stream is a probe failure, once the decoder has
// consumed what was already submitted.
func (t *Transcoder) endOfInput() error {
	if t.State() == StateDecoderInit {
		t.settleDecoder()
	}
	if t.sh.state.advance(StateDecoderEOF, StateDecoderInit) {
		return fmt.Errorf("%w: input ended after %d packets", ErrDecoderProbeFailed, t.packetsIn.Load())
	}
	if t.State() == StateTunnelSetup {
		if err := t.configure(); err != nil {
			return err
		}
	}
	if !t.sh.state.advance(StateDecoderEOF, StateOpenOutput, StateRunning) {
		return nil
	}

	t.logger.Info("end of input, flushing pipeline",
		slog.Int64("packets", t.packetsIn.Load()))
	buf, err := t.acquire()
	if errors.Is(err, errStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	buf.Offset = 0
	buf.FilledLen = 0
	buf.Tick = t.ts.last
	buf.Flags = hwstage.FlagEOS
	return t.pool.Submit(buf)
}

// settleDecoder waits, bounded by the feed timeout, until the decoder owns no
// input buffers or has left DecoderInit.
func (t *Transcoder) settleDecoder() {
	deadline := time.Now().Add(t.opts.FeedTimeout)
	for t.State() == StateDecoderInit && t.pool.InFlight() > 0 {
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(t.opts.PollInterval)
	}
}

// awaitEndOfStream keeps draining until the encoder echoes end of stream.
func (t *Transcoder) awaitEndOfStream() error {
	deadline := time.Now().Add(t.opts.EOSTimeout)
	for {
		if err := t.drain(); err != nil {
			return err
		}
		switch t.State() {
		case StateEncoderEOS:
			return t.finish()
		case StateQuit:
			t.logger.Info("interrupted while flushing")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w within %s", ErrEndOfStreamTimeout, t.opts.EOSTimeout)
		}
		time.Sleep(t.opts.PollInterval)
	}
}

// finish drains a fill that raced the end-of-stream event.
func (t *Transcoder) finish() error {
	if err := t.drain(); err != nil {
		return err
	}
	st := t.Stats()
	t.logger.Info("transcode complete",
		slog.Int64("packets_in", st.PacketsIn),
		slog.Int64("frames_out", st.FramesOut),
		slog.Int64("bytes_out", st.Bytes),
		slog.Duration("elapsed", st.Elapsed))
	return nil
}

// feed copies one packet into decoder input buffers, splitting it when it
// exceeds a buffer. The last buffer of the packet carries end-of-frame.
func (t *Transcoder) feed(p container.Packet) error {
	if len(p.Data) == 0 {
		return nil
	}
	tick := t.ts.video(p)
	data := p.Data
	for len(data) > 0 {
		buf, err := t.acquire()
		if err != nil {
			return err
		}
		n := copy(buf.Data, data)
		data = data[n:]

		var flags hwstage.BufferFlags
		if t.buffersIn.Load() == 0 {
			flags |= hwstage.FlagStartTime
		}
		if len(data) == 0 {
			flags |= hwstage.FlagEndOfFrame
		}
		if p.Key {
			flags |= hwstage.FlagSyncFrame
		}
		buf.Offset = 0
		buf.FilledLen = n
		buf.Tick = tick
		buf.Flags = flags
		if err := t.pool.Submit(buf); err != nil {
			return err
		}
		t.buffersIn.Add(1)
	}
	t.packetsIn.Add(1)
	return nil
}

// acquire polls for a free decoder input buffer, draining the encoder
// while it waits. The wait is bounded by the feed timeout.
func (t *Transcoder) acquire() (*hwstage.Buffer, error) {
	deadline := time.Now().Add(t.opts.FeedTimeout)
	for {
		if err := t.drain(); err != nil {
			return nil, err
		}
		if st := t.State(); st == StateEncoderEOS || st == StateQuit {
			return nil, errStopped
		}
		if buf, ok := t.pool.FindFree(); ok {
			return buf, nil
		}
		if time.Now().After(deadline) {
			return nil, &hwstage.StageError{
				Op:   "wait for free input buffer",
				Role: hwstage.RoleDecoder,
				Port: decIn,
				Err:  fmt.Errorf("%w after %s", hwstage.ErrHardwareTimeout, t.opts.FeedTimeout),
			}
		}
		time.Sleep(t.opts.PollInterval)
	}
}

// drain hands a filled encoder buffer to the reassembler and re-arms it.
func (t *Transcoder) drain() error {
	reasm := t.reasm.Load()
	if t.slot == nil || reasm == nil {
		return nil
	}
	buf, ok := t.slot.Take()
	if !ok {
		return nil
	}
	res, err := reasm.Drain(nal.FragmentOf(buf))
	t.slot.Done()
	if err != nil {
		return err
	}
	if res.Opened {
		t.logger.Info("output opened",
			slog.Int("sps_bytes", len(reasm.ParameterSets().SPS)),
			slog.Int("pps_bytes", len(reasm.ParameterSets().PPS)))
	}
	if res.EOS {
		t.sh.state.advance(StateEncoderEOS, StateDecoderEOF, StateRunning, StateOpenOutput)
		return nil
	}
	if t.State().terminal() {
		return nil
	}
	return t.slot.Arm()
}

// audio passes one audio packet through, or queues it until the output
// opens. A failed audio write is logged and the packet dropped.
func (t *Transcoder) audio(p container.Packet) {
	reasm := t.reasm.Load()
	if reasm == nil || !reasm.Opened() {
		t.audioQueue = append(t.audioQueue, p)
		return
	}
	t.writeAudio(p)
}

func (t *Transcoder) writeAudio(p container.Packet) {
	p.PTS = t.ts.audio(p)
	p.DTS = p.PTS
	if err := t.sink.WriteAudio(p); err != nil {
		t.audioFailed.Add(1)
		t.logger.Warn("failed to write audio packet",
			slog.Int64("pts", p.PTS),
			slog.String("error", err.Error()))
		return
	}
	t.audioOut.Add(1)
}

// flushAudio writes the packets queued before the output opened.
func (t *Transcoder) flushAudio() {
	if len(t.audioQueue) == 0 {
		return
	}
	t.logger.Debug("writing queued audio", slog.Int("packets", len(t.audioQueue)))
	for _, p := range t.audioQueue {
		t.writeAudio(p)
	}
	t.audioQueue = nil
}

// output adapts the sink to the reassembler. Opening it starts the run.
type output struct {
	t *Transcoder
}

func (o output) Open(ps nal.ParameterSets) error {
	if err := o.t.sink.Open(ps); err != nil {
		return err
	}
	o.t.sh.state.advance(StateRunning, StateOpenOutput)
	o.t.flushAudio()
	return nil
}

func (o output) WriteAccessUnit(au nal.AccessUnit) error {
	return o.t.sink.WriteAccessUnit(au)
}
