package bufpool_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pitx/internal/bufpool"
	"github.com/jmylchreest/pitx/internal/hwsim"
	"github.com/jmylchreest/pitx/internal/hwstage"
)

type poolListener struct {
	hwstage.NopListener
	pool *bufpool.Pool
	slot *bufpool.Slot
}

func (l *poolListener) BufferEmptied(_ *hwstage.Stage, buf *hwstage.Buffer) {
	if l.pool != nil {
		l.pool.MarkEmptied(buf)
	}
}

func (l *poolListener) BufferFilled(_ *hwstage.Stage, buf *hwstage.Buffer) {
	if l.slot != nil {
		l.slot.Filled(buf)
	}
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// idleDecoder returns a decoder in Idle with its input port populated.
func idleDecoder(t *testing.T, buffers int) (*hwsim.Core, *hwstage.Stage, *bufpool.Pool, *poolListener) {
	t.Helper()
	core := hwsim.New(hwsim.Config{Logger: quiet(), InputBuffers: buffers, InputBufferSize: 256, SettingsAfter: -1})
	t.Cleanup(func() { _ = core.Close() })

	l := &poolListener{}
	s, err := hwstage.NewStage(core, hwstage.RoleDecoder, hwstage.StageConfig{Logger: quiet(), Listener: l})
	require.NoError(t, err)
	require.NoError(t, s.DisablePort(130, true))
	require.NoError(t, s.DisablePort(131, true))
	require.NoError(t, s.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	require.NoError(t, s.EnablePort(130, false))
	pool, err := bufpool.Allocate(s, 130)
	require.NoError(t, err)
	l.pool = pool
	require.NoError(t, s.Wait(hwstage.CommandPortEnable, 130))
	return core, s, pool, l
}

func fillAndSubmit(t *testing.T, pool *bufpool.Pool) *hwstage.Buffer {
	t.Helper()
	buf, ok := pool.FindFree()
	require.True(t, ok)
	buf.FilledLen = copy(buf.Data, []byte{0, 0, 0, 1, 0x65})
	buf.Flags = hwstage.FlagEndOfFrame
	require.NoError(t, pool.Submit(buf))
	return buf
}

func TestPool_Allocate(t *testing.T) {
	_, _, pool, _ := idleDecoder(t, 4)

	require.Equal(t, 4, pool.Len())
	for i := 0; i < pool.Len(); i++ {
		buf := pool.Buffer(i)
		assert.Equal(t, i, buf.Index)
		assert.Equal(t, uint32(130), buf.Port)
		assert.Equal(t, 256, buf.Cap())
		assert.Zero(t, buf.FilledLen)
	}
}

func TestPool_FindFreeIndexOrder(t *testing.T) {
	_, _, pool, _ := idleDecoder(t, 3)

	for want := 0; want < 3; want++ {
		buf, ok := pool.FindFree()
		require.True(t, ok)
		assert.Equal(t, want, buf.Index)
	}
	_, ok := pool.FindFree()
	assert.False(t, ok)

	pool.Return(pool.Buffer(1))
	buf, ok := pool.FindFree()
	require.True(t, ok)
	assert.Equal(t, 1, buf.Index)
}

func TestPool_NoneAvailableThenRetry(t *testing.T) {
	_, s, pool, _ := idleDecoder(t, 4)

	for i := 0; i < pool.Len(); i++ {
		fillAndSubmit(t, pool)
	}
	assert.Equal(t, 4, pool.InFlight())

	_, ok := pool.FindFree()
	assert.False(t, ok, "every buffer is owned by hardware")

	// Executing lets the decoder consume and return them.
	require.NoError(t, s.RequestState(hwstage.StateExecuting, hwstage.FireAndWait))
	var buf *hwstage.Buffer
	require.Eventually(t, func() bool {
		buf, ok = pool.FindFree()
		return ok
	}, time.Second, 100*time.Microsecond)
	assert.Equal(t, 0, buf.Index)
}

func TestPool_MarkEmptiedReturnsToFreeList(t *testing.T) {
	_, _, pool, _ := idleDecoder(t, 2)

	a := fillAndSubmit(t, pool)
	fillAndSubmit(t, pool)
	_, ok := pool.FindFree()
	require.False(t, ok)

	pool.MarkEmptied(a)
	buf, ok := pool.FindFree()
	require.True(t, ok)
	assert.Same(t, a, buf)
	assert.Zero(t, buf.FilledLen)
	assert.Equal(t, 1, pool.InFlight())
}

func TestPool_DoubleSubmit(t *testing.T) {
	core, _, pool, _ := idleDecoder(t, 2)

	buf := fillAndSubmit(t, pool)
	assert.ErrorIs(t, pool.Submit(buf), bufpool.ErrDoubleSubmit)
	assert.Empty(t, core.Violations(), "the pool rejects it before the hardware sees it")

	foreign := &hwstage.Buffer{Index: 0}
	assert.ErrorIs(t, pool.Submit(foreign), bufpool.ErrUnknownBuffer)
}

func TestPool_ReleaseRequiresIdle(t *testing.T) {
	core, s, pool, _ := idleDecoder(t, 2)

	require.NoError(t, s.RequestState(hwstage.StateExecuting, hwstage.FireAndWait))
	err := pool.Release()
	require.Error(t, err)
	assert.ErrorIs(t, err, bufpool.ErrReleaseState)

	require.NoError(t, s.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	require.NoError(t, s.RequestState(hwstage.StateLoaded, hwstage.FireAndForget))
	require.NoError(t, pool.Release())
	require.NoError(t, s.RequestState(hwstage.StateLoaded, hwstage.WaitOnly))
	assert.Zero(t, pool.Len())
	assert.Empty(t, core.Violations())
}

func TestSlot_Lifecycle(t *testing.T) {
	core := hwsim.New(hwsim.Config{Logger: quiet(), OutputBuffers: 2})
	t.Cleanup(func() { _ = core.Close() })

	l := &poolListener{}
	s, err := hwstage.NewStage(core, hwstage.RoleEncoder, hwstage.StageConfig{Logger: quiet(), Listener: l})
	require.NoError(t, err)
	require.NoError(t, s.DisablePort(200, true))
	require.NoError(t, s.DisablePort(201, true))
	require.NoError(t, s.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	require.NoError(t, s.EnablePort(201, false))
	slot, err := bufpool.AllocateSlot(s, 201)
	require.NoError(t, err)
	l.slot = slot
	require.NoError(t, s.Wait(hwstage.CommandPortEnable, 201))
	assert.Equal(t, 2, slot.Buffers(), "extra buffers demanded by the port stay allocated")
	require.NoError(t, s.RequestState(hwstage.StateExecuting, hwstage.FireAndWait))

	_, ok := slot.Take()
	assert.False(t, ok, "nothing filled yet")

	require.NoError(t, slot.Arm())
	assert.True(t, slot.Armed())

	// Leaving Executing returns the armed buffer through the filled callback.
	require.NoError(t, s.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	var buf *hwstage.Buffer
	require.Eventually(t, func() bool {
		buf, ok = slot.Take()
		return ok
	}, time.Second, 100*time.Microsecond)
	assert.Same(t, slot.Buffer(), buf)
	assert.False(t, slot.Armed())

	assert.ErrorIs(t, slot.Arm(), bufpool.ErrDoubleSubmit, "cannot re-arm while the drain holds the buffer")
	slot.Done()
	require.NoError(t, slot.Arm())
	assert.Empty(t, core.Violations())
}
