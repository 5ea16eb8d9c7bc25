package hwsim

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

type nopCallbacks struct{}

func (nopCallbacks) OnEvent(hwstage.Event, uint32, uint32) {}
func (nopCallbacks) OnBufferEmptied(*hwstage.Buffer)       {}
func (nopCallbacks) OnBufferFilled(*hwstage.Buffer)        {}

// manualCore returns a core without its worker goroutine, so sent commands
// stay queued until the test calls step.
func manualCore() *Core {
	cfg := Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	cfg.setDefaults()
	return &Core{
		cfg:    cfg,
		logger: cfg.Logger,
		comps:  make(map[hwstage.Role]*Component),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func idleEncoder(t *testing.T, core *Core) *Component {
	t.Helper()
	h, err := core.CreateHandle(hwstage.RoleEncoder, nopCallbacks{})
	require.NoError(t, err)
	comp := h.(*Component)
	require.NoError(t, comp.SendCommand(hwstage.CommandPortDisable, 200))
	require.NoError(t, comp.SendCommand(hwstage.CommandPortDisable, 201))
	require.NoError(t, comp.SendCommand(hwstage.CommandStateSet, uint32(hwstage.StateIdle)))
	core.step()
	require.Equal(t, hwstage.StateIdle, core.State(hwstage.RoleEncoder))
	return comp
}

func TestComponent_AllocateAfterQueuedEnable(t *testing.T) {
	core := manualCore()
	comp := idleEncoder(t, core)

	require.NoError(t, comp.SendCommand(hwstage.CommandPortEnable, 201))
	buf, err := comp.AllocateBuffer(201, DefaultOutputBufferSize)
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.Empty(t, core.Violations())

	core.step()
	assert.True(t, core.PortEnabled(hwstage.RoleEncoder, 201))
}

func TestComponent_AllocateWithoutEnableIsViolation(t *testing.T) {
	core := manualCore()
	comp := idleEncoder(t, core)

	_, err := comp.AllocateBuffer(201, DefaultOutputBufferSize)
	require.ErrorIs(t, err, hwstage.ErrorIncorrectStateOperation)
	assert.Len(t, core.Violations(), 1)
}

func TestComponent_FreeAfterQueuedLoaded(t *testing.T) {
	core := manualCore()
	comp := idleEncoder(t, core)
	require.NoError(t, comp.SendCommand(hwstage.CommandPortEnable, 201))
	buf, err := comp.AllocateBuffer(201, DefaultOutputBufferSize)
	require.NoError(t, err)
	core.step()

	require.NoError(t, comp.SendCommand(hwstage.CommandStateSet, uint32(hwstage.StateLoaded)))
	require.NoError(t, comp.FreeBuffer(201, buf))
	assert.Empty(t, core.Violations())

	core.step()
	assert.Equal(t, hwstage.StateLoaded, core.State(hwstage.RoleEncoder))
}

func TestComponent_FreeOnEnabledIdlePortIsViolation(t *testing.T) {
	core := manualCore()
	comp := idleEncoder(t, core)
	require.NoError(t, comp.SendCommand(hwstage.CommandPortEnable, 201))
	buf, err := comp.AllocateBuffer(201, DefaultOutputBufferSize)
	require.NoError(t, err)
	core.step()

	require.NoError(t, comp.FreeBuffer(201, buf))
	require.Len(t, core.Violations(), 1)
	assert.Contains(t, core.Violations()[0], "freed on enabled port 201")
}
