package hwsim

import (
	"log/slog"
	"reflect"
	"slices"
	"strconv"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

// Stats counts what a component has seen.
type Stats struct {
	InputBuffers int
	FramesIn     int
	FramesOut    int
	Rendered     int
	Fragments    int
	Dropped      int
}

type endpoint struct {
	comp *Component
	port uint32
}

func (e *endpoint) def() *hwstage.PortDefinition {
	return &e.comp.ports[e.port].def
}

type port struct {
	def       hwstage.PortDefinition
	enabling  bool
	disabling bool
	peer      *endpoint

	buffers    []*hwstage.Buffer
	owned      map[*hwstage.Buffer]bool
	inCallback map[*hwstage.Buffer]bool
}

// populated reports whether the port has its buffers: allocated by the
// client, or implicit on a tunnel once the peer port is enabled.
func (p *port) populated() bool {
	if p.peer != nil {
		return p.peer.def().Enabled
	}
	return p.def.BufferCountActual > 0 && len(p.buffers) >= int(p.def.BufferCountActual)
}

// ready reports whether the port has finished enabling.
func (p *port) ready() bool {
	return p.def.Enabled && !p.enabling
}

func (p *port) hasBuffer(buf *hwstage.Buffer) bool {
	return slices.Contains(p.buffers, buf)
}

type command struct {
	cmd   hwstage.Command
	param uint32
}

type paramKey struct {
	index hwstage.Index
	port  uint32
}

var paramTypes = map[hwstage.Index]reflect.Type{
	hwstage.IndexParamPortDefinition:    reflect.TypeOf(hwstage.PortDefinition{}),
	hwstage.IndexParamVideoBitrate:      reflect.TypeOf(hwstage.VideoBitrate{}),
	hwstage.IndexParamVideoQuantization: reflect.TypeOf(hwstage.Quantization{}),
	hwstage.IndexParamVideoProfileLevel: reflect.TypeOf(hwstage.ProfileLevel{}),
	hwstage.IndexParamExtraBuffers:      reflect.TypeOf(hwstage.U32{}),
	hwstage.IndexParamPixelAspectRatio:  reflect.TypeOf(hwstage.PixelAspect{}),
	hwstage.IndexParamEncodeMinQuant:    reflect.TypeOf(hwstage.U32{}),
	hwstage.IndexParamEncodeMaxQuant:    reflect.TypeOf(hwstage.U32{}),
	hwstage.IndexConfigInputCrop:        reflect.TypeOf(hwstage.Rect{}),
	hwstage.IndexConfigImageFilter:      reflect.TypeOf(hwstage.ImageFilter{}),
	hwstage.IndexConfigDisplayRegion:    reflect.TypeOf(hwstage.DisplayRegion{}),
}

// Component is one simulated hardware block.
type Component struct {
	core *Core
	role hwstage.Role
	cb   hwstage.Callbacks

	state    hwstage.State
	target   hwstage.State
	ports    map[uint32]*port
	params   map[paramKey]any
	cmds     []command
	injected []hwstage.ErrorCode
	freed    bool

	// inbox holds frames delivered over the input tunnel; outbox holds
	// frames waiting on each output port.
	inbox  []frame
	outbox map[uint32][]frame

	dec decoderState
	enc encoderState

	stats Stats
}

func newComponent(core *Core, role hwstage.Role, cb hwstage.Callbacks) *Component {
	c := &Component{
		core:   core,
		role:   role,
		cb:     cb,
		state:  hwstage.StateLoaded,
		target: hwstage.StateInvalid,
		ports:  make(map[uint32]*port),
		params: make(map[paramKey]any),
		outbox: make(map[uint32][]frame),
	}

	raw := hwstage.VideoFormat{Color: hwstage.ColorFormatYUV420PackedPl}
	domain := hwstage.DomainVideo
	if role == hwstage.RoleDeinterlacer || role == hwstage.RoleResizer {
		domain = hwstage.DomainImage
	}
	cfg := core.cfg

	switch role {
	case hwstage.RoleDecoder:
		c.addPort(130, hwstage.DirInput, domain, uint32(cfg.InputBuffers), uint32(cfg.InputBufferSize),
			hwstage.VideoFormat{Compression: hwstage.CodingAVC})
		c.addPort(131, hwstage.DirOutput, domain, 1, 0, raw)
	case hwstage.RoleSplitter:
		c.addPort(250, hwstage.DirInput, domain, 1, 0, raw)
		for p := uint32(251); p <= 254; p++ {
			c.addPort(p, hwstage.DirOutput, domain, 1, 0, raw)
		}
	case hwstage.RoleRenderer:
		c.addPort(90, hwstage.DirInput, domain, 1, 0, raw)
	case hwstage.RoleEncoder:
		c.addPort(200, hwstage.DirInput, domain, 1, 0, raw)
		c.addPort(201, hwstage.DirOutput, domain, uint32(cfg.OutputBuffers), uint32(cfg.OutputBufferSize),
			hwstage.VideoFormat{Compression: hwstage.CodingAVC, Bitrate: 2 * 1024 * 1024})
	default:
		c.addPort(role.InputPort(), hwstage.DirInput, domain, 1, 0, raw)
		c.addPort(role.OutputPort(), hwstage.DirOutput, domain, 1, 0, raw)
	}
	return c
}

// Ports start enabled, as they do on the hardware.
func (c *Component) addPort(n uint32, dir hwstage.Direction, domain hwstage.Domain, count, size uint32, format hwstage.VideoFormat) {
	c.ports[n] = &port{
		def: hwstage.PortDefinition{
			Port:              n,
			Dir:               dir,
			BufferCountActual: count,
			BufferCountMin:    count,
			BufferSize:        size,
			BufferAlignment:   16,
			Enabled:           true,
			Domain:            domain,
			Format:            format,
		},
		owned:      make(map[*hwstage.Buffer]bool),
		inCallback: make(map[*hwstage.Buffer]bool),
	}
}

// Name implements hwstage.Component.
func (c *Component) Name() string {
	return c.role.ComponentName()
}

// SendCommand implements hwstage.Component. The command completes on the
// worker goroutine.
func (c *Component) SendCommand(cmd hwstage.Command, param uint32) error {
	c.core.mu.Lock()
	if c.freed {
		c.core.mu.Unlock()
		return hwstage.ErrorInvalidState
	}
	arg := portArg(param)
	if cmd == hwstage.CommandStateSet {
		arg = hwstage.State(param).String()
	}
	c.core.record(c.role, cmd.String(), arg)
	c.cmds = append(c.cmds, command{cmd: cmd, param: param})
	c.core.mu.Unlock()
	c.core.kick()
	return nil
}

// GetState implements hwstage.Component.
func (c *Component) GetState() (hwstage.State, error) {
	c.core.mu.Lock()
	defer c.core.mu.Unlock()
	if c.freed {
		return hwstage.StateInvalid, hwstage.ErrorInvalidState
	}
	return c.state, nil
}

// GetParameter implements hwstage.Component.
func (c *Component) GetParameter(index hwstage.Index, v any) error {
	c.core.mu.Lock()
	defer c.core.mu.Unlock()
	return c.get(index, v)
}

// SetParameter implements hwstage.Component. A port definition may only
// change while the port is disabled or the component is Loaded.
func (c *Component) SetParameter(index hwstage.Index, v any) error {
	c.core.mu.Lock()
	defer c.core.mu.Unlock()
	return c.set(index, v)
}

// GetConfig implements hwstage.Component.
func (c *Component) GetConfig(index hwstage.Index, v any) error {
	return c.GetParameter(index, v)
}

// SetConfig implements hwstage.Component.
func (c *Component) SetConfig(index hwstage.Index, v any) error {
	return c.SetParameter(index, v)
}

// queued reports whether a command has been sent but not yet run by the
// worker. The hardware treats a sent command as in progress, so buffer
// calls that follow it without waiting are legal.
func (c *Component) queued(cmd hwstage.Command, param uint32) bool {
	return slices.Contains(c.cmds, command{cmd: cmd, param: param})
}

// AllocateBuffer implements hwstage.Component. Allocation is allowed on an
// enabled, non-tunneled port while the component is moving from Loaded to
// Idle or while the port is being enabled, including when that command is
// still queued.
func (c *Component) AllocateBuffer(n uint32, size int) (*hwstage.Buffer, error) {
	c.core.mu.Lock()
	defer c.core.mu.Unlock()

	p := c.ports[n]
	if p == nil {
		return nil, hwstage.ErrorBadPortIndex
	}
	if p.peer != nil {
		c.core.violate("%s: buffer allocated on tunneled port %d", c.role, n)
		return nil, hwstage.ErrorIncorrectStateOperation
	}
	toIdle := c.target == hwstage.StateIdle || c.queued(hwstage.CommandStateSet, uint32(hwstage.StateIdle))
	loading := c.state == hwstage.StateLoaded && toIdle && p.def.Enabled
	enabling := p.enabling || (c.state != hwstage.StateLoaded && c.queued(hwstage.CommandPortEnable, n))
	if !loading && !enabling {
		c.core.violate("%s: buffer allocated on port %d in state %s", c.role, n, c.state)
		return nil, hwstage.ErrorIncorrectStateOperation
	}
	if size < int(p.def.BufferSize) {
		return nil, hwstage.ErrorBadParameter
	}

	buf := &hwstage.Buffer{Data: make([]byte, size), Port: n, Index: len(p.buffers)}
	p.buffers = append(p.buffers, buf)
	c.core.record(c.role, "allocate", portArg(n))
	c.core.kick()
	return buf, nil
}

// FreeBuffer implements hwstage.Component.
func (c *Component) FreeBuffer(n uint32, buf *hwstage.Buffer) error {
	c.core.mu.Lock()
	defer c.core.mu.Unlock()

	p := c.ports[n]
	if p == nil {
		return hwstage.ErrorBadPortIndex
	}
	i := slices.Index(p.buffers, buf)
	if i < 0 {
		return hwstage.ErrorBadParameter
	}
	if p.owned[buf] {
		c.core.violate("%s: buffer %d freed while owned by hardware", c.role, buf.Index)
	}
	toLoaded := c.target == hwstage.StateLoaded || c.queued(hwstage.CommandStateSet, uint32(hwstage.StateLoaded))
	unloading := c.state == hwstage.StateIdle && toLoaded
	disabling := p.disabling || c.queued(hwstage.CommandPortDisable, n)
	if !unloading && !disabling && p.def.Enabled && c.state != hwstage.StateLoaded {
		c.core.violate("%s: buffer freed on enabled port %d in state %s", c.role, n, c.state)
	}
	p.buffers = slices.Delete(p.buffers, i, i+1)
	delete(p.owned, buf)
	c.core.record(c.role, "free-buffer", portArg(n))
	c.core.kick()
	return nil
}

// EmptyThisBuffer implements hwstage.Component.
func (c *Component) EmptyThisBuffer(buf *hwstage.Buffer) error {
	return c.submit(buf, hwstage.DirInput)
}

// FillThisBuffer implements hwstage.Component.
func (c *Component) FillThisBuffer(buf *hwstage.Buffer) error {
	return c.submit(buf, hwstage.DirOutput)
}

func (c *Component) submit(buf *hwstage.Buffer, dir hwstage.Direction) error {
	c.core.mu.Lock()
	defer c.core.mu.Unlock()

	if buf == nil {
		return hwstage.ErrorBadParameter
	}
	p := c.ports[buf.Port]
	if p == nil || p.def.Dir != dir || !p.hasBuffer(buf) {
		return hwstage.ErrorBadPortIndex
	}
	if !c.core.settle(p, buf) {
		c.core.violate("%s: buffer %d resubmitted before its callback returned", c.role, buf.Index)
		return hwstage.ErrorIncorrectStateOperation
	}
	if p.owned[buf] {
		c.core.violate("%s: buffer %d submitted twice", c.role, buf.Index)
		return hwstage.ErrorIncorrectStateOperation
	}
	if !p.def.Enabled {
		return hwstage.ErrorIncorrectStateOperation
	}

	p.owned[buf] = true
	if dir == hwstage.DirInput {
		c.dec.queue = append(c.dec.queue, buf)
		c.stats.InputBuffers++
	} else {
		c.enc.fills = append(c.enc.fills, buf)
	}
	c.core.kick()
	return nil
}

func (c *Component) lookup(index hwstage.Index, v any) (reflect.Value, *port, error) {
	want, ok := paramTypes[index]
	if !ok {
		return reflect.Value{}, nil, hwstage.ErrorUnsupportedIndex
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Type() != want {
		return reflect.Value{}, nil, hwstage.ErrorBadParameter
	}
	n := uint32(rv.Elem().FieldByName("Port").Uint())
	p := c.ports[n]
	if p == nil {
		return reflect.Value{}, nil, hwstage.ErrorBadPortIndex
	}
	return rv.Elem(), p, nil
}

func (c *Component) get(index hwstage.Index, v any) error {
	rv, p, err := c.lookup(index, v)
	if err != nil {
		return err
	}
	if index == hwstage.IndexParamPortDefinition {
		def := p.def
		def.Populated = p.populated()
		rv.Set(reflect.ValueOf(def))
		return nil
	}
	if stored, ok := c.params[paramKey{index, p.def.Port}]; ok {
		rv.Set(reflect.ValueOf(stored))
	}
	return nil
}

func (c *Component) set(index hwstage.Index, v any) error {
	rv, p, err := c.lookup(index, v)
	if err != nil {
		return err
	}
	if index == hwstage.IndexParamPortDefinition {
		return c.setPortDefinition(p, rv.Interface().(hwstage.PortDefinition))
	}
	val := rv.Interface()
	if f, ok := val.(hwstage.ImageFilter); ok {
		f.Params = slices.Clone(f.Params)
		val = f
	}
	c.params[paramKey{index, p.def.Port}] = val
	return nil
}

func (c *Component) setPortDefinition(p *port, def hwstage.PortDefinition) error {
	if p.def.Enabled && c.state != hwstage.StateLoaded {
		return hwstage.ErrorIncorrectStateOperation
	}

	next := p.def
	next.BufferCountActual = max(def.BufferCountActual, p.def.BufferCountMin)
	next.Format = def.Format
	if next.Format.Compression == hwstage.CodingUnused && p.def.Format.Compression == hwstage.CodingUnused {
		if next.Format.Stride == 0 {
			next.Format.Stride = int32(align(next.Format.Width, 32))
		}
		if next.Format.SliceHeight == 0 {
			next.Format.SliceHeight = align(next.Format.Height, 16)
		}
		next.BufferSize = uint32(next.Format.Stride) * next.Format.SliceHeight * 3 / 2
	} else if def.BufferSize > next.BufferSize {
		next.BufferSize = def.BufferSize
	}
	p.def = next

	// Output geometry follows the input on every block that does not scale.
	if p.def.Dir == hwstage.DirInput && c.role != hwstage.RoleDecoder && c.role != hwstage.RoleResizer {
		for _, out := range c.ports {
			if out.def.Dir == hwstage.DirOutput {
				copyGeometry(&out.def.Format, next.Format)
			}
		}
	}

	c.core.logger.Debug("port definition set",
		slog.String("stage", c.role.String()),
		slog.Uint64("port", uint64(p.def.Port)),
		slog.String("format", p.def.Format.String()))
	return nil
}

// advance runs queued commands, completes pending transitions and moves
// data. It reports whether anything changed.
func (c *Component) advance(fx *effects) bool {
	moved := false
	for len(c.injected) > 0 {
		code := c.injected[0]
		c.injected = c.injected[1:]
		c.event(fx, hwstage.EventError, uint32(code), 0)
		moved = true
	}
	for len(c.cmds) > 0 {
		cmd := c.cmds[0]
		c.cmds = c.cmds[1:]
		c.run(fx, cmd)
		moved = true
	}
	if c.evaluate(fx) {
		moved = true
	}
	if c.state == hwstage.StateExecuting && c.process(fx) {
		moved = true
	}
	if c.deliver(fx) {
		moved = true
	}
	return moved
}

func (c *Component) run(fx *effects, cmd command) {
	switch cmd.cmd {
	case hwstage.CommandStateSet:
		c.transition(fx, hwstage.State(cmd.param))

	case hwstage.CommandPortEnable:
		p := c.ports[cmd.param]
		if p == nil {
			c.event(fx, hwstage.EventError, uint32(hwstage.ErrorBadPortIndex), cmd.param)
			return
		}
		if p.def.Enabled {
			if !p.enabling {
				c.complete(fx, cmd.cmd, cmd.param)
			}
			return
		}
		p.def.Enabled = true
		if c.state == hwstage.StateLoaded {
			c.complete(fx, cmd.cmd, cmd.param)
			return
		}
		p.enabling = true

	case hwstage.CommandPortDisable:
		p := c.ports[cmd.param]
		if p == nil {
			c.event(fx, hwstage.EventError, uint32(hwstage.ErrorBadPortIndex), cmd.param)
			return
		}
		if !p.def.Enabled {
			c.complete(fx, cmd.cmd, cmd.param)
			return
		}
		p.def.Enabled = false
		p.enabling = false
		c.returnBuffers(fx, p)
		if len(p.buffers) == 0 {
			c.complete(fx, cmd.cmd, cmd.param)
			return
		}
		p.disabling = true

	case hwstage.CommandFlush:
		if p := c.ports[cmd.param]; p != nil {
			c.returnBuffers(fx, p)
		}
		c.complete(fx, cmd.cmd, cmd.param)

	default:
		c.event(fx, hwstage.EventError, uint32(hwstage.ErrorNotImplemented), uint32(cmd.cmd))
	}
}

func (c *Component) transition(fx *effects, to hwstage.State) {
	from := c.state
	if c.target != hwstage.StateInvalid {
		c.event(fx, hwstage.EventError, uint32(hwstage.ErrorNotReady), uint32(to))
		return
	}
	if to == from {
		c.event(fx, hwstage.EventError, uint32(hwstage.ErrorSameState), 0)
		return
	}

	switch {
	case from == hwstage.StateLoaded && to == hwstage.StateIdle,
		from == hwstage.StateIdle && to == hwstage.StateLoaded:
		c.target = to

	case from == hwstage.StateExecuting && to == hwstage.StateIdle,
		from == hwstage.StatePause && to == hwstage.StateIdle:
		for _, p := range c.ports {
			c.returnBuffers(fx, p)
		}
		c.reach(fx, to)

	case from == hwstage.StateIdle && to == hwstage.StateExecuting,
		from == hwstage.StateIdle && to == hwstage.StatePause,
		from == hwstage.StateExecuting && to == hwstage.StatePause,
		from == hwstage.StatePause && to == hwstage.StateExecuting:
		c.reach(fx, to)

	default:
		c.event(fx, hwstage.EventError, uint32(hwstage.ErrorIncorrectStateTransition), uint32(to))
	}
}

func (c *Component) evaluate(fx *effects) bool {
	moved := false

	switch {
	case c.target == hwstage.StateIdle && c.state == hwstage.StateLoaded:
		ready := true
		for _, p := range c.ports {
			if p.def.Enabled && !p.populated() {
				ready = false
			}
		}
		if ready {
			c.reach(fx, hwstage.StateIdle)
			moved = true
		}

	case c.target == hwstage.StateLoaded && c.state == hwstage.StateIdle:
		ready := true
		for _, p := range c.ports {
			if p.peer == nil && len(p.buffers) > 0 {
				ready = false
			}
		}
		if ready {
			c.reach(fx, hwstage.StateLoaded)
			moved = true
		}
	}

	for _, n := range sortedPorts(c.ports) {
		p := c.ports[n]
		if p.enabling && p.populated() {
			p.enabling = false
			c.complete(fx, hwstage.CommandPortEnable, n)
			moved = true
		}
		if p.disabling && len(p.buffers) == 0 {
			p.disabling = false
			c.complete(fx, hwstage.CommandPortDisable, n)
			moved = true
		}
	}
	return moved
}

func (c *Component) reach(fx *effects, to hwstage.State) {
	c.state = to
	c.target = hwstage.StateInvalid
	c.core.record(c.role, "state", to.String())
	c.complete(fx, hwstage.CommandStateSet, uint32(to))
}

func (c *Component) complete(fx *effects, cmd hwstage.Command, param uint32) {
	c.event(fx, hwstage.EventCmdComplete, uint32(cmd), param)
}

func (c *Component) event(fx *effects, ev hwstage.Event, data1, data2 uint32) {
	cb := c.cb
	fx.add(func() { cb.OnEvent(ev, data1, data2) })
}

// returnBuffers hands every buffer the hardware holds on p back to the
// client through the matching callback.
func (c *Component) returnBuffers(fx *effects, p *port) {
	if p.def.Dir == hwstage.DirInput && c.role == hwstage.RoleDecoder {
		for _, buf := range c.dec.queue {
			c.giveBack(fx, p, buf, false)
		}
		c.dec.queue = nil
	}
	if p.def.Dir == hwstage.DirOutput && c.role == hwstage.RoleEncoder {
		for _, buf := range c.enc.fills {
			buf.FilledLen = 0
			buf.Offset = 0
			buf.Flags = 0
			c.giveBack(fx, p, buf, true)
		}
		c.enc.fills = nil
	}
}

// giveBack releases hardware ownership of buf and queues its callback.
// Resubmission waits until the callback has returned.
func (c *Component) giveBack(fx *effects, p *port, buf *hwstage.Buffer, filled bool) {
	delete(p.owned, buf)
	p.inCallback[buf] = true
	cb, core := c.cb, c.core
	fx.add(func() {
		if filled {
			cb.OnBufferFilled(buf)
		} else {
			cb.OnBufferEmptied(buf)
		}
		core.mu.Lock()
		delete(p.inCallback, buf)
		core.mu.Unlock()
	})
}

func copyGeometry(dst *hwstage.VideoFormat, src hwstage.VideoFormat) {
	dst.Width = src.Width
	dst.Height = src.Height
	dst.Stride = src.Stride
	dst.SliceHeight = src.SliceHeight
	dst.Framerate = src.Framerate
	if dst.Compression == hwstage.CodingUnused {
		dst.Color = src.Color
	}
}

func align(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}

func sortedPorts(ports map[uint32]*port) []uint32 {
	out := make([]uint32, 0, len(ports))
	for n := range ports {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func portArg(n uint32) string {
	return "port " + strconv.FormatUint(uint64(n), 10)
}
