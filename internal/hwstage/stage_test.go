package hwstage

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	mu      sync.Mutex
	state   State
	sent    []cmdKey
	sendErr error
	params  map[Index]any
}

func (f *fakeComponent) Name() string { return "fake" }

func (f *fakeComponent) SendCommand(cmd Command, param uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmdKey{cmd, param})
	return nil
}

func (f *fakeComponent) GetState() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeComponent) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeComponent) GetParameter(index Index, v any) error {
	if def, ok := v.(*PortDefinition); ok && index == IndexParamPortDefinition {
		def.BufferCountActual = 3
		def.BufferSize = 1024
		return nil
	}
	return ErrorUnsupportedIndex
}

func (f *fakeComponent) SetParameter(index Index, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.params == nil {
		f.params = make(map[Index]any)
	}
	f.params[index] = v
	return nil
}

func (f *fakeComponent) GetConfig(index Index, v any) error { return f.GetParameter(index, v) }
func (f *fakeComponent) SetConfig(index Index, v any) error { return f.SetParameter(index, v) }

func (f *fakeComponent) AllocateBuffer(port uint32, size int) (*Buffer, error) {
	return &Buffer{Data: make([]byte, size), Port: port}, nil
}

func (f *fakeComponent) FreeBuffer(uint32, *Buffer) error { return nil }
func (f *fakeComponent) EmptyThisBuffer(*Buffer) error    { return nil }
func (f *fakeComponent) FillThisBuffer(*Buffer) error     { return nil }

type fakeCore struct {
	comp  *fakeComponent
	freed []Component
}

func (c *fakeCore) CreateHandle(Role, Callbacks) (Component, error) { return c.comp, nil }
func (c *fakeCore) SetupTunnel(Component, uint32, Component, uint32) error {
	return nil
}
func (c *fakeCore) FreeHandle(comp Component) error {
	c.freed = append(c.freed, comp)
	return nil
}
func (c *fakeCore) Close() error { return nil }

type countingListener struct {
	NopListener
	mu       sync.Mutex
	settings []uint32
	eos      []uint32
}

func (l *countingListener) PortSettingsChanged(_ *Stage, port uint32) {
	l.mu.Lock()
	l.settings = append(l.settings, port)
	l.mu.Unlock()
}

func (l *countingListener) EndOfStream(_ *Stage, port uint32) {
	l.mu.Lock()
	l.eos = append(l.eos, port)
	l.mu.Unlock()
}

func newTestStage(t *testing.T, role Role, l Listener) (*Stage, *fakeComponent) {
	t.Helper()
	comp := &fakeComponent{state: StateLoaded}
	s, err := NewStage(&fakeCore{comp: comp}, role, StageConfig{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Listener:     l,
		WaitBudget:   50 * time.Millisecond,
		PollInterval: 100 * time.Microsecond,
	})
	require.NoError(t, err)
	return s, comp
}

func TestRole_Ports(t *testing.T) {
	tests := []struct {
		role   Role
		name   string
		input  uint32
		output uint32
	}{
		{RoleDecoder, "decoder", 130, 131},
		{RoleDeinterlacer, "deinterlacer", 190, 191},
		{RoleResizer, "resizer", 60, 61},
		{RoleRenderer, "renderer", 90, 91},
		{RoleSplitter, "splitter", 250, 251},
		{RoleEncoder, "encoder", 200, 201},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.role.String())
			assert.Equal(t, tt.input, tt.role.InputPort())
			assert.Equal(t, tt.output, tt.role.OutputPort())
			assert.NotEmpty(t, tt.role.ComponentName())
		})
	}
}

func TestReverseOrder(t *testing.T) {
	assert.Equal(t, []Role{RoleEncoder, RoleSplitter, RoleRenderer, RoleResizer, RoleDeinterlacer, RoleDecoder}, ReverseOrder())
}

func TestStage_CompletionClearsOnlyItsKey(t *testing.T) {
	s, _ := newTestStage(t, RoleSplitter, nil)

	require.NoError(t, s.EnablePort(251, false))
	require.NoError(t, s.EnablePort(252, false))

	s.OnEvent(EventCmdComplete, uint32(CommandPortEnable), 252)
	assert.True(t, s.Pending(CommandPortEnable, 251))
	assert.False(t, s.Pending(CommandPortEnable, 252))
	require.NoError(t, s.Wait(CommandPortEnable, 252))

	s.OnEvent(EventCmdComplete, uint32(CommandPortEnable), 251)
	require.NoError(t, s.WaitAll())
}

func TestStage_WaitCompletesFromCallback(t *testing.T) {
	s, _ := newTestStage(t, RoleEncoder, nil)

	go func() {
		time.Sleep(2 * time.Millisecond)
		s.OnEvent(EventCmdComplete, uint32(CommandPortDisable), 201)
	}()
	require.NoError(t, s.DisablePort(201, true))
}

func TestStage_WaitTimesOut(t *testing.T) {
	s, _ := newTestStage(t, RoleEncoder, nil)

	err := s.DisablePort(200, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHardwareTimeout))
	assert.Contains(t, err.Error(), "encoder")
	assert.Contains(t, err.Error(), "port 200")
}

func TestStage_DuplicatePendingCommand(t *testing.T) {
	s, comp := newTestStage(t, RoleDecoder, nil)

	require.NoError(t, s.EnablePort(131, false))
	err := s.EnablePort(131, false)
	assert.True(t, errors.Is(err, ErrCommandPending))
	assert.Len(t, comp.sent, 1)
}

func TestStage_SendFailureClearsPending(t *testing.T) {
	s, comp := newTestStage(t, RoleDecoder, nil)
	comp.sendErr = ErrorInsufficientResources

	err := s.RequestState(StateIdle, FireAndWait)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHardwareCommand))
	assert.Contains(t, err.Error(), "state-set idle")
	assert.False(t, s.Pending(CommandStateSet, uint32(StateIdle)))
}

func TestStage_RequestStateModes(t *testing.T) {
	s, comp := newTestStage(t, RoleResizer, nil)

	require.NoError(t, s.RequestState(StateIdle, FireAndForget))
	assert.True(t, s.Pending(CommandStateSet, uint32(StateIdle)))

	go func() {
		time.Sleep(time.Millisecond)
		comp.setState(StateIdle)
		s.OnEvent(EventCmdComplete, uint32(CommandStateSet), uint32(StateIdle))
	}()
	require.NoError(t, s.RequestState(StateIdle, WaitOnly))
	assert.Len(t, comp.sent, 1, "wait-only sends nothing")

	// WaitOnly on a state already reached returns at once.
	require.NoError(t, s.RequestState(StateIdle, WaitOnly))
}

func TestStage_SameStateClearsRequest(t *testing.T) {
	s, comp := newTestStage(t, RoleRenderer, nil)
	comp.setState(StateIdle)

	require.NoError(t, s.RequestState(StateIdle, FireAndForget))
	s.OnEvent(EventError, uint32(ErrorSameState), 0)
	require.NoError(t, s.RequestState(StateIdle, WaitOnly))
}

func TestStage_ErrorFailsPendingWait(t *testing.T) {
	s, _ := newTestStage(t, RoleEncoder, nil)

	require.NoError(t, s.EnablePort(200, false))
	s.OnEvent(EventError, uint32(ErrorPortsNotCompatible), 200)

	err := s.Wait(CommandPortEnable, 200)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHardwareCommand))
	assert.True(t, errors.Is(err, ErrorPortsNotCompatible))

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, RoleEncoder, se.Role)
	assert.Equal(t, uint32(200), se.Port)
}

func TestStage_ErrorWithoutPendingIsLoggedOnly(t *testing.T) {
	s, _ := newTestStage(t, RoleEncoder, nil)

	s.OnEvent(EventError, uint32(ErrorStreamCorrupt), 0)
	s.OnEvent(EventCmdComplete, uint32(CommandFlush), 0)
	require.NoError(t, s.SendCommand(CommandFlush, 201, false))
	s.OnEvent(EventCmdComplete, uint32(CommandFlush), 201)
	require.NoError(t, s.WaitAll())
}

func TestStage_ListenerDispatch(t *testing.T) {
	l := &countingListener{}
	s, _ := newTestStage(t, RoleDecoder, l)

	s.OnEvent(EventPortSettingsChanged, 131, 0)
	s.OnEvent(EventBufferFlag, 131, uint32(FlagEOS))
	s.OnEvent(EventBufferFlag, 131, uint32(FlagEndOfFrame))

	assert.Equal(t, []uint32{131}, l.settings)
	assert.Equal(t, []uint32{131}, l.eos)
}

func TestStage_InvalidStateRejectsParameters(t *testing.T) {
	s, comp := newTestStage(t, RoleResizer, nil)

	def, err := s.PortDefinition(60)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), def.BufferCountActual)

	comp.setState(StateInvalid)
	_, err = s.PortDefinition(60)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrorInvalidState))
	assert.Error(t, s.SetConfig(IndexConfigInputCrop, &Rect{Port: 60}))
}

func TestStage_Free(t *testing.T) {
	comp := &fakeComponent{state: StateLoaded}
	core := &fakeCore{comp: comp}
	s, err := NewStage(core, RoleEncoder, StageConfig{})
	require.NoError(t, err)

	require.NoError(t, s.Free(core))
	assert.Equal(t, []Component{comp}, core.freed)
}

func TestStage_DumpPort(t *testing.T) {
	var buf bytes.Buffer
	comp := &fakeComponent{state: StateLoaded}
	s, err := NewStage(&fakeCore{comp: comp}, RoleEncoder, StageConfig{
		Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	require.NoError(t, err)

	s.DumpPort(201)
	out := buf.String()
	assert.Contains(t, out, "port definition")
	assert.Contains(t, out, "port=201")
	assert.Contains(t, out, "buffers=3")
	assert.Contains(t, out, "buffer_size=1024")

	buf.Reset()
	quiet, err := NewStage(&fakeCore{comp: comp}, RoleEncoder, StageConfig{
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	})
	require.NoError(t, err)
	quiet.DumpPort(201)
	assert.Empty(t, buf.String())
}

func TestErrorCode(t *testing.T) {
	assert.True(t, errors.Is(ErrorTimeout, ErrHardwareCommand))
	assert.False(t, errors.Is(ErrorNone, ErrHardwareCommand))
	assert.Contains(t, ErrorSameState.Error(), "same state")
	assert.Contains(t, ErrorCode(0x80009999).Error(), "0x80009999")
}
