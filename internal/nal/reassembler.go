// Package nal turns encoder output fragments into timestamped H.264 access
// units and decides when the output may be opened.
package nal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/jmylchreest/pitx/internal/hwstage"
)

// DefaultCapacity is the accumulator size.
const DefaultCapacity = 2 * 1024 * 1024

// DefaultProbeBudget is the number of units that may be dropped while
// waiting for parameter sets.
const DefaultProbeBudget = 120

// Errors.
var (
	// ErrBufferOverflow is returned when an access unit exceeds the
	// accumulator capacity.
	ErrBufferOverflow = errors.New("nal accumulator overflow")

	// ErrParameterSetsMissing is returned when more units than the probe
	// budget arrive before both SPS and PPS.
	ErrParameterSetsMissing = errors.New("no SPS/PPS within probe budget")
)

// Fragment is one filled encoder output buffer.
type Fragment struct {
	Data  []byte
	Flags hwstage.BufferFlags
	Tick  int64
}

// FragmentOf views the filled bytes of buf. The data is not copied.
func FragmentOf(buf *hwstage.Buffer) Fragment {
	return Fragment{Data: buf.Payload(), Flags: buf.Flags, Tick: buf.Tick}
}

// AccessUnit is one complete output frame.
type AccessUnit struct {
	// Data is start-code delimited.
	Data []byte
	// PTS and DTS are in microseconds.
	PTS    int64
	DTS    int64
	Key    bool
	Config bool
	Type   h264.NALUType
}

// Output receives the reassembled stream.
type Output interface {
	// Open is called once, when both parameter sets are known.
	Open(ps ParameterSets) error
	WriteAccessUnit(au AccessUnit) error
}

// Config configures a Reassembler.
type Config struct {
	Logger   *slog.Logger
	Capacity int
	// Ungated passes every unit through, parameter sets included, and opens
	// the output before the first one. Used for raw elementary output.
	Ungated     bool
	ProbeBudget int
}

// Result reports what a Drain call did.
type Result struct {
	Opened  bool
	Emitted int
	Dropped int
	EOS     bool
}

// Stats is a snapshot of the reassembler counters.
type Stats struct {
	FramesOut int64
	Dropped   int64
	Warnings  int64
	Bytes     int64
	Fallbacks int64
}

// Reassembler accumulates fragments into access units. Drain is called
// from one goroutine; Stats may be read from any.
type Reassembler struct {
	cfg    Config
	logger *slog.Logger
	clock  *Clock
	out    Output

	buf    []byte
	offset int
	auTick int64

	params ParameterSets
	opened atomic.Bool

	framesOut atomic.Int64
	dropped   atomic.Int64
	warnings  atomic.Int64
	bytes     atomic.Int64
}

// New creates a reassembler writing to out.
func New(cfg Config, clock *Clock, out Output) *Reassembler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = DefaultProbeBudget
	}
	if clock == nil {
		clock = NewClock(DefaultFPS)
	}
	return &Reassembler{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  clock,
		out:    out,
		buf:    make([]byte, cfg.Capacity),
	}
}

// Clock returns the timestamp reconciler.
func (r *Reassembler) Clock() *Clock {
	return r.clock
}

// Opened reports whether the output has been opened.
func (r *Reassembler) Opened() bool {
	return r.opened.Load()
}

// ParameterSets returns the sets seen so far.
func (r *Reassembler) ParameterSets() ParameterSets {
	return r.params
}

// Stats returns the counters.
func (r *Reassembler) Stats() Stats {
	return Stats{
		FramesOut: r.framesOut.Load(),
		Dropped:   r.dropped.Load(),
		Warnings:  r.warnings.Load(),
		Bytes:     r.bytes.Load(),
		Fallbacks: r.clock.Fallbacks(),
	}
}

// Start opens an ungated output. It is a no-op for gated reassemblers.
func (r *Reassembler) Start() error {
	if !r.cfg.Ungated || r.opened.Load() {
		return nil
	}
	if err := r.out.Open(ParameterSets{}); err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	r.opened.Store(true)
	return nil
}

// Drain consumes one fragment. The fragment's bytes are copied before
// Drain returns, so the caller may resubmit the buffer afterwards.
func (r *Reassembler) Drain(f Fragment) (Result, error) {
	var res Result

	if f.Flags.Has(hwstage.FlagCodecConfig) {
		if err := r.config(f, &res); err != nil {
			return res, err
		}
	} else if len(f.Data) > 0 {
		if err := r.append(f); err != nil {
			return res, err
		}
		switch {
		case f.Flags.Has(hwstage.FlagEndOfNAL):
			if err := r.complete(&res); err != nil {
				return res, err
			}
		case f.Flags.Has(hwstage.FlagEndOfFrame) && !f.Flags.Has(hwstage.FlagEOS):
			r.warn("end of frame without end of NAL", slog.Int("pending_bytes", r.offset))
		}
	}

	if f.Flags.Has(hwstage.FlagEOS) {
		if r.offset > 0 {
			if err := r.complete(&res); err != nil {
				return res, err
			}
		}
		res.EOS = true
	}
	return res, nil
}

func (r *Reassembler) append(f Fragment) error {
	if r.offset+len(f.Data) > len(r.buf) {
		pending := r.offset
		r.offset = 0
		return fmt.Errorf("%w: %d bytes pending, fragment %d, capacity %d",
			ErrBufferOverflow, pending, len(f.Data), len(r.buf))
	}
	if r.offset == 0 {
		r.auTick = f.Tick
	}
	r.offset += copy(r.buf[r.offset:], f.Data)
	return nil
}

// config handles a codec-configuration fragment.
func (r *Reassembler) config(f Fragment, res *Result) error {
	nalus := Split(f.Data)
	scanParameterSets(&r.params, nalus)

	if r.cfg.Ungated {
		if len(f.Data) == 0 {
			return nil
		}
		typ, _ := FirstType(f.Data)
		return r.emit(AccessUnit{
			Data:   append([]byte(nil), f.Data...),
			PTS:    r.clock.Last(),
			DTS:    r.clock.Last(),
			Config: true,
			Type:   typ,
		}, res)
	}
	return r.maybeOpen(res)
}

func (r *Reassembler) maybeOpen(res *Result) error {
	if r.opened.Load() || !r.params.Complete() {
		return nil
	}
	if err := r.out.Open(r.params); err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	r.opened.Store(true)
	res.Opened = true
	r.logger.Info("parameter sets received, output opened",
		slog.Int("sps_bytes", len(r.params.SPS)),
		slog.Int("pps_bytes", len(r.params.PPS)))
	return nil
}

// complete turns the accumulated bytes into an access unit.
func (r *Reassembler) complete(res *Result) error {
	data := r.buf[:r.offset]
	r.offset = 0

	nalus := Split(data)
	typ, ok := FirstType(data)
	if !ok && len(nalus) > 0 && len(nalus[0]) > 0 {
		typ = h264.NALUType(nalus[0][0] & 0x1f)
	}

	// Parameter sets that arrive in-band without the config flag.
	if typ == h264.NALUTypeSPS || typ == h264.NALUTypePPS {
		scanParameterSets(&r.params, nalus)
		if r.cfg.Ungated {
			last := r.clock.Last()
			return r.emit(AccessUnit{Data: append([]byte(nil), data...), PTS: last, DTS: last, Config: true, Type: typ}, res)
		}
		return r.maybeOpen(res)
	}

	pts := r.clock.Next(r.auTick)
	au := AccessUnit{
		Data: append([]byte(nil), data...),
		PTS:  pts,
		DTS:  pts,
		Key:  IsKey(nalus),
		Type: typ,
	}

	if !r.opened.Load() {
		n := r.dropped.Add(1)
		res.Dropped++
		r.warn("access unit before parameter sets, dropped",
			slog.Int("nal_type", int(typ)),
			slog.Bool("key", au.Key))
		if n > int64(r.cfg.ProbeBudget) {
			return fmt.Errorf("%w: %d units dropped", ErrParameterSetsMissing, n)
		}
		return nil
	}
	return r.emit(au, res)
}

func (r *Reassembler) emit(au AccessUnit, res *Result) error {
	if err := r.out.WriteAccessUnit(au); err != nil {
		return fmt.Errorf("writing access unit: %w", err)
	}
	if !au.Config {
		r.framesOut.Add(1)
	}
	r.bytes.Add(int64(len(au.Data)))
	res.Emitted++
	return nil
}

func (r *Reassembler) warn(msg string, attrs ...any) {
	r.warnings.Add(1)
	r.logger.Warn("nal ordering: "+msg, attrs...)
}
