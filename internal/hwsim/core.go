// Package hwsim is a software IL core. It implements hwstage.Core with the
// state, port, buffer and tunnel rules of the hardware stack and moves
// frames between components without decoding them.
//
// Every asynchronous effect (command completion, buffer return, events)
// is produced by one worker goroutine per core, so callbacks arrive on a
// goroutine the caller does not own, as they do on real hardware. The
// core records protocol violations instead of deadlocking on them.
package hwsim

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

// EncoderMode selects what the simulated encoder emits.
type EncoderMode int

// Encoder modes.
const (
	// EncoderSynthetic emits fixed parameter sets and generated slices,
	// one access unit per frame.
	EncoderSynthetic EncoderMode = iota
	// EncoderPassthrough re-emits H.264 frames fed to the decoder,
	// falling back to synthetic units for anything else.
	EncoderPassthrough
)

// Defaults applied by New.
const (
	DefaultSettingsAfter    = 2
	DefaultInputBuffers     = 20
	DefaultInputBufferSize  = 80 * 1024
	DefaultOutputBuffers    = 1
	DefaultOutputBufferSize = 64 * 1024
	DefaultGOP              = 30
	DefaultCallbackGrace    = 50 * time.Millisecond
	DefaultBacklog          = 512
)

// Config configures a simulated core.
type Config struct {
	Logger *slog.Logger

	// SettingsAfter is the number of input buffers the decoder consumes
	// before it reports its output port settings. Zero uses
	// DefaultSettingsAfter; a negative value never reports.
	SettingsAfter int

	// Width, Height and FPS override the geometry the decoder reports.
	// Unset values come from the stream's SPS, then the input port.
	Width  uint32
	Height uint32
	FPS    float64

	InputBuffers     int
	InputBufferSize  int
	OutputBuffers    int
	OutputBufferSize int

	Encoder EncoderMode
	GOP     int

	// CallbackGrace bounds how long a resubmission waits for the callback
	// that returned the buffer to finish. Expiry is recorded as a violation.
	CallbackGrace time.Duration

	// Backlog caps the frames queued on one output port.
	Backlog int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SettingsAfter == 0 {
		c.SettingsAfter = DefaultSettingsAfter
	}
	if c.InputBuffers <= 0 {
		c.InputBuffers = DefaultInputBuffers
	}
	if c.InputBufferSize <= 0 {
		c.InputBufferSize = DefaultInputBufferSize
	}
	if c.OutputBuffers <= 0 {
		c.OutputBuffers = DefaultOutputBuffers
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = DefaultOutputBufferSize
	}
	if c.GOP <= 0 {
		c.GOP = DefaultGOP
	}
	if c.CallbackGrace <= 0 {
		c.CallbackGrace = DefaultCallbackGrace
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
}

// Call is one recorded interaction with the core.
type Call struct {
	Role hwstage.Role
	Op   string
	Arg  string
}

func (c Call) String() string {
	if c.Arg == "" {
		return c.Role.String() + " " + c.Op
	}
	return c.Role.String() + " " + c.Op + " " + c.Arg
}

// Tunnel is an established component-to-component path.
type Tunnel struct {
	Src     hwstage.Role
	SrcPort uint32
	Dst     hwstage.Role
	DstPort uint32
}

// Core is a simulated hardware core.
type Core struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	comps      map[hwstage.Role]*Component
	tunnels    []Tunnel
	trace      []Call
	violations []string

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a simulated core.
func New(cfg Config) *Core {
	cfg.setDefaults()
	c := &Core{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "hwsim")),
		comps:  make(map[hwstage.Role]*Component),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// CreateHandle implements hwstage.Core.
func (c *Core) CreateHandle(role hwstage.Role, cb hwstage.Callbacks) (hwstage.Component, error) {
	if role.ComponentName() == "" {
		return nil, hwstage.ErrorComponentNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.comps[role]; ok && !existing.freed {
		return nil, hwstage.ErrorInsufficientResources
	}
	comp := newComponent(c, role, cb)
	c.comps[role] = comp
	c.record(role, "create-handle", "")
	return comp, nil
}

// SetupTunnel implements hwstage.Core. Both ports must be disabled.
func (c *Core) SetupTunnel(src hwstage.Component, srcPort uint32, dst hwstage.Component, dstPort uint32) error {
	s, ok1 := src.(*Component)
	d, ok2 := dst.(*Component)
	if !ok1 || !ok2 || s.core != c || d.core != c {
		return hwstage.ErrorBadParameter
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sp, dp := s.ports[srcPort], d.ports[dstPort]
	if sp == nil || dp == nil || sp.def.Dir != hwstage.DirOutput || dp.def.Dir != hwstage.DirInput {
		return hwstage.ErrorBadPortIndex
	}
	arg := fmt.Sprintf("%s:%d -> %s:%d", s.role, srcPort, d.role, dstPort)
	c.record(s.role, "tunnel", arg)

	if sp.def.Enabled || dp.def.Enabled {
		c.violate("tunnel %s with an enabled port", arg)
		return hwstage.ErrorIncorrectStateOperation
	}
	for _, end := range []*Component{s, d} {
		if end.state != hwstage.StateLoaded && end.state != hwstage.StateIdle && end.role != hwstage.RoleDecoder {
			c.violate("tunnel %s while %s is %s", arg, end.role, end.state)
			return hwstage.ErrorIncorrectStateOperation
		}
	}

	sp.peer = &endpoint{comp: d, port: dstPort}
	dp.peer = &endpoint{comp: s, port: srcPort}
	copyGeometry(&dp.def.Format, sp.def.Format)

	kept := c.tunnels[:0]
	for _, t := range c.tunnels {
		if (t.Src == s.role && t.SrcPort == srcPort) || (t.Dst == d.role && t.DstPort == dstPort) {
			continue
		}
		kept = append(kept, t)
	}
	c.tunnels = append(kept, Tunnel{Src: s.role, SrcPort: srcPort, Dst: d.role, DstPort: dstPort})
	return nil
}

// FreeHandle implements hwstage.Core. The component must be Loaded.
func (c *Core) FreeHandle(comp hwstage.Component) error {
	sc, ok := comp.(*Component)
	if !ok || sc.core != c {
		return hwstage.ErrorBadParameter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc.freed {
		return hwstage.ErrorInvalidState
	}
	if sc.state != hwstage.StateLoaded {
		c.violate("%s freed in state %s", sc.role, sc.state)
	}
	sc.freed = true
	c.record(sc.role, "free-handle", "")
	return nil
}

// Close stops the worker.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

// Trace returns every recorded call in order.
func (c *Core) Trace() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.trace...)
}

// Violations returns the protocol violations observed so far.
func (c *Core) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

// Tunnels returns the established tunnels.
func (c *Core) Tunnels() []Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tunnel(nil), c.tunnels...)
}

// State returns the state of the component for role.
func (c *Core) State(role hwstage.Role) hwstage.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if comp, ok := c.comps[role]; ok {
		return comp.state
	}
	return hwstage.StateInvalid
}

// PortEnabled reports whether a port has completed enabling.
func (c *Core) PortEnabled(role hwstage.Role, port uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, ok := c.comps[role]
	if !ok {
		return false
	}
	p := comp.ports[port]
	return p != nil && p.def.Enabled && !p.enabling
}

// Stats returns the counters of the component for role.
func (c *Core) Stats(role hwstage.Role) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if comp, ok := c.comps[role]; ok {
		return comp.stats
	}
	return Stats{}
}

// InjectError makes the component for role report code.
func (c *Core) InjectError(role hwstage.Role, code hwstage.ErrorCode) {
	c.mu.Lock()
	if comp, ok := c.comps[role]; ok {
		comp.injected = append(comp.injected, code)
	}
	c.mu.Unlock()
	c.kick()
}

func (c *Core) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			c.step()
		}
	}
}

func (c *Core) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// step advances every component until nothing moves, running the
// resulting callbacks without the core lock held.
func (c *Core) step() {
	for {
		c.mu.Lock()
		fx := c.advance()
		c.mu.Unlock()
		if len(fx) == 0 {
			return
		}
		for _, fn := range fx {
			fn()
		}
	}
}

func (c *Core) advance() effects {
	var fx effects
	for {
		moved := false
		for _, role := range hwstage.PipelineOrder {
			comp, ok := c.comps[role]
			if !ok || comp.freed {
				continue
			}
			if comp.advance(&fx) {
				moved = true
			}
		}
		if !moved {
			return fx
		}
	}
}

// settle waits for the callback that last returned buf to finish. The core
// lock is held on entry and on return.
func (c *Core) settle(p *port, buf *hwstage.Buffer) bool {
	deadline := time.Now().Add(c.cfg.CallbackGrace)
	for p.inCallback[buf] {
		if time.Now().After(deadline) {
			return false
		}
		c.mu.Unlock()
		time.Sleep(20 * time.Microsecond)
		c.mu.Lock()
	}
	return true
}

func (c *Core) record(role hwstage.Role, op, arg string) {
	c.trace = append(c.trace, Call{Role: role, Op: op, Arg: arg})
}

func (c *Core) violate(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.violations = append(c.violations, msg)
	c.logger.Warn("hardware protocol violation", slog.String("violation", msg))
}

type effects []func()

func (fx *effects) add(fn func()) {
	*fx = append(*fx, fn)
}
