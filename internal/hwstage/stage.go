package hwstage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default wait budget for command completion: one second of 100µs polls.
const (
	DefaultWaitBudget   = time.Second
	DefaultPollInterval = 100 * time.Microsecond
)

// WaitMode selects how RequestState waits.
type WaitMode int

// State request modes.
const (
	// FireAndWait sends the command and waits for the state to be reached.
	FireAndWait WaitMode = iota
	// FireAndForget sends the command and returns.
	FireAndForget
	// WaitOnly waits for a state requested earlier, sending nothing.
	WaitOnly
)

// Listener receives role-specific callbacks from a Stage.
type Listener interface {
	PortSettingsChanged(s *Stage, port uint32)
	BufferEmptied(s *Stage, buf *Buffer)
	BufferFilled(s *Stage, buf *Buffer)
	EndOfStream(s *Stage, port uint32)
}

// NopListener ignores every callback.
type NopListener struct{}

func (NopListener) PortSettingsChanged(*Stage, uint32) {}
func (NopListener) BufferEmptied(*Stage, *Buffer)      {}
func (NopListener) BufferFilled(*Stage, *Buffer)       {}
func (NopListener) EndOfStream(*Stage, uint32)         {}

// StageConfig configures a Stage.
type StageConfig struct {
	Logger       *slog.Logger
	Listener     Listener
	WaitBudget   time.Duration
	PollInterval time.Duration
}

type cmdKey struct {
	cmd   Command
	param uint32
}

// Stage owns one component handle and its outstanding commands. It is the
// callback target registered with the hardware for that handle.
type Stage struct {
	role     Role
	comp     Component
	logger   *slog.Logger
	listener Listener
	budget   time.Duration
	poll     time.Duration

	// pending holds one flag per outstanding (command, port); callbacks clear
	// them and the issuer polls them.
	mu      sync.Mutex
	pending map[cmdKey]struct{}
	failure error
}

// NewStage creates the component for role and registers the stage as its
// callback target.
func NewStage(core Core, role Role, cfg StageConfig) (*Stage, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = DefaultWaitBudget
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	s := &Stage{
		role:     role,
		logger:   cfg.Logger.With(slog.String("stage", role.String())),
		listener: cfg.Listener,
		budget:   cfg.WaitBudget,
		poll:     cfg.PollInterval,
		pending:  make(map[cmdKey]struct{}),
	}

	comp, err := core.CreateHandle(role, s)
	if err != nil {
		return nil, &StageError{Op: "create handle", Role: role, Err: err}
	}
	s.comp = comp
	return s, nil
}

// Role returns the stage role.
func (s *Stage) Role() Role {
	return s.role
}

// Component returns the underlying handle.
func (s *Stage) Component() Component {
	return s.comp
}

// Logger returns the stage logger.
func (s *Stage) Logger() *slog.Logger {
	return s.logger
}

// SetListener replaces the role listener.
func (s *Stage) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *Stage) currentListener() Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// SendCommand submits cmd and marks it pending. When wait is set it blocks
// until the completion callback arrives or the wait budget expires.
func (s *Stage) SendCommand(cmd Command, param uint32, wait bool) error {
	key := cmdKey{cmd, param}

	s.mu.Lock()
	if _, busy := s.pending[key]; busy {
		s.mu.Unlock()
		return s.cmdError("", cmd, param, ErrCommandPending)
	}
	if len(s.pending) == 0 {
		s.failure = nil
	}
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("sending command",
		slog.String("command", cmd.String()),
		slog.Uint64("param", uint64(param)))

	if err := s.comp.SendCommand(cmd, param); err != nil {
		s.clear(key)
		return s.cmdError("", cmd, param, err)
	}
	if !wait {
		return nil
	}
	return s.Wait(cmd, param)
}

// Wait blocks until a previously sent command completes.
func (s *Stage) Wait(cmd Command, param uint32) error {
	key := cmdKey{cmd, param}
	err := s.pollUntil(func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failure != nil {
			return false, s.failure
		}
		_, busy := s.pending[key]
		return !busy, nil
	})
	if err != nil {
		return s.cmdError("wait ", cmd, param, err)
	}
	return nil
}

// WaitAll blocks until every outstanding command has completed.
func (s *Stage) WaitAll() error {
	err := s.pollUntil(func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failure != nil {
			return false, s.failure
		}
		return len(s.pending) == 0, nil
	})
	if err != nil {
		return s.opError("wait pending", 0, err)
	}
	return nil
}

// Pending reports whether cmd on param is outstanding.
func (s *Stage) Pending(cmd Command, param uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.pending[cmdKey{cmd, param}]
	return busy
}

// EnablePort sends a port enable.
func (s *Stage) EnablePort(port uint32, wait bool) error {
	return s.SendCommand(CommandPortEnable, port, wait)
}

// DisablePort sends a port disable.
func (s *Stage) DisablePort(port uint32, wait bool) error {
	return s.SendCommand(CommandPortDisable, port, wait)
}

// RequestState moves the component towards target.
func (s *Stage) RequestState(target State, mode WaitMode) error {
	if mode != WaitOnly {
		if err := s.SendCommand(CommandStateSet, uint32(target), false); err != nil {
			return err
		}
		if mode == FireAndForget {
			return nil
		}
	}

	key := cmdKey{CommandStateSet, uint32(target)}
	err := s.pollUntil(func() (bool, error) {
		s.mu.Lock()
		failure := s.failure
		_, busy := s.pending[key]
		s.mu.Unlock()
		if failure != nil {
			return false, failure
		}
		if busy {
			return false, nil
		}
		state, err := s.comp.GetState()
		if err != nil {
			return false, err
		}
		return state == target, nil
	})
	if err != nil {
		return s.opError("wait state "+target.String(), 0, err)
	}
	return nil
}

// State returns the current component state.
func (s *Stage) State() (State, error) {
	st, err := s.comp.GetState()
	if err != nil {
		return StateInvalid, s.opError("get state", 0, err)
	}
	return st, nil
}

// PortDefinition reads the definition of port.
func (s *Stage) PortDefinition(port uint32) (PortDefinition, error) {
	def := PortDefinition{Port: port}
	if err := s.GetParameter(IndexParamPortDefinition, &def); err != nil {
		return def, err
	}
	return def, nil
}

// SetPortDefinition writes def.
func (s *Stage) SetPortDefinition(def PortDefinition) error {
	return s.SetParameter(IndexParamPortDefinition, &def)
}

// GetParameter reads a parameter structure.
func (s *Stage) GetParameter(index Index, v any) error {
	if err := s.usable(); err != nil {
		return s.opError("get "+index.String(), 0, err)
	}
	if err := s.comp.GetParameter(index, v); err != nil {
		return s.opError("get "+index.String(), 0, err)
	}
	return nil
}

// SetParameter writes a parameter structure.
func (s *Stage) SetParameter(index Index, v any) error {
	if err := s.usable(); err != nil {
		return s.opError("set "+index.String(), 0, err)
	}
	if err := s.comp.SetParameter(index, v); err != nil {
		return s.opError("set "+index.String(), 0, err)
	}
	return nil
}

// GetConfig reads a config structure.
func (s *Stage) GetConfig(index Index, v any) error {
	if err := s.usable(); err != nil {
		return s.opError("get "+index.String(), 0, err)
	}
	if err := s.comp.GetConfig(index, v); err != nil {
		return s.opError("get "+index.String(), 0, err)
	}
	return nil
}

// SetConfig writes a config structure.
func (s *Stage) SetConfig(index Index, v any) error {
	if err := s.usable(); err != nil {
		return s.opError("set "+index.String(), 0, err)
	}
	if err := s.comp.SetConfig(index, v); err != nil {
		return s.opError("set "+index.String(), 0, err)
	}
	return nil
}

// DumpPort logs the definition of port at debug level.
func (s *Stage) DumpPort(port uint32) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	def, err := s.PortDefinition(port)
	if err != nil {
		s.logger.Debug("port dump failed", slog.Uint64("port", uint64(port)), slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("port definition",
		slog.Uint64("port", uint64(port)),
		slog.Bool("enabled", def.Enabled),
		slog.Bool("populated", def.Populated),
		slog.Uint64("buffers", uint64(def.BufferCountActual)),
		slog.Uint64("buffers_min", uint64(def.BufferCountMin)),
		slog.Uint64("buffer_size", uint64(def.BufferSize)),
		slog.String("format", def.Format.String()),
		slog.Int("stride", int(def.Format.Stride)),
		slog.Uint64("slice_height", uint64(def.Format.SliceHeight)),
		slog.Uint64("bitrate", uint64(def.Format.Bitrate)),
	)
}

// Free releases the component handle.
func (s *Stage) Free(core Core) error {
	if err := core.FreeHandle(s.comp); err != nil {
		return s.opError("free handle", 0, err)
	}
	return nil
}

// OnEvent implements Callbacks.
func (s *Stage) OnEvent(ev Event, data1, data2 uint32) {
	switch ev {
	case EventCmdComplete:
		cmd := Command(data1)
		s.logger.Debug("command complete",
			slog.String("command", cmd.String()),
			slog.Uint64("param", uint64(data2)))
		s.clear(cmdKey{cmd, data2})

	case EventError:
		code := ErrorCode(data1)
		if code == ErrorSameState {
			s.logger.Debug("already in requested state")
			s.clearCommand(CommandStateSet)
			return
		}
		s.mu.Lock()
		outstanding := len(s.pending)
		if outstanding > 0 {
			s.failure = fmt.Errorf("%w: %w", ErrHardwareCommand, code)
		}
		s.mu.Unlock()
		s.logger.Error("component error",
			slog.String("error", code.Error()),
			slog.Uint64("data2", uint64(data2)),
			slog.Int("pending", outstanding))

	case EventPortSettingsChanged:
		s.logger.Debug("port settings changed", slog.Uint64("port", uint64(data1)))
		s.currentListener().PortSettingsChanged(s, data1)

	case EventBufferFlag:
		flags := BufferFlags(data2)
		s.logger.Debug("buffer flag",
			slog.Uint64("port", uint64(data1)),
			slog.Uint64("flags", uint64(flags)))
		if flags.Has(FlagEOS) {
			s.currentListener().EndOfStream(s, data1)
		}

	default:
		s.logger.Debug("unhandled event",
			slog.String("event", ev.String()),
			slog.Uint64("data1", uint64(data1)),
			slog.Uint64("data2", uint64(data2)))
	}
}

// OnBufferEmptied implements Callbacks.
func (s *Stage) OnBufferEmptied(buf *Buffer) {
	s.currentListener().BufferEmptied(s, buf)
}

// OnBufferFilled implements Callbacks.
func (s *Stage) OnBufferFilled(buf *Buffer) {
	s.currentListener().BufferFilled(s, buf)
}

func (s *Stage) clear(key cmdKey) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

func (s *Stage) clearCommand(cmd Command) {
	s.mu.Lock()
	for k := range s.pending {
		if k.cmd == cmd {
			delete(s.pending, k)
		}
	}
	s.mu.Unlock()
}

func (s *Stage) usable() error {
	st, err := s.comp.GetState()
	if err != nil {
		return err
	}
	if st == StateInvalid {
		return ErrorInvalidState
	}
	return nil
}

// pollUntil polls done every poll interval until it reports true, returns an
// error, or the wait budget is spent.
func (s *Stage) pollUntil(done func() (bool, error)) error {
	deadline := time.Now().Add(s.budget)
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrHardwareTimeout, s.budget)
		}
		time.Sleep(s.poll)
	}
}

func (s *Stage) cmdError(prefix string, cmd Command, param uint32, err error) error {
	if cmd == CommandStateSet {
		return s.opError(prefix+"state-set "+State(param).String(), 0, err)
	}
	return s.opError(prefix+cmd.String(), param, err)
}

func (s *Stage) opError(op string, port uint32, err error) error {
	return &StageError{Op: op, Role: s.role, Port: port, Err: err}
}
