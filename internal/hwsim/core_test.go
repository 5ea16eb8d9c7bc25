package hwsim_test

import (
	"errors"
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

type recorder struct {
	hwstage.NopListener
	settings chan uint32
	eos      chan uint32
	pool     *bufpool.Pool
	slot     *bufpool.Slot
	onFilled func(s *hwstage.Stage, buf *hwstage.Buffer)
}

func newRecorder() *recorder {
	return &recorder{settings: make(chan uint32, 4), eos: make(chan uint32, 8)}
}

func (r *recorder) PortSettingsChanged(_ *hwstage.Stage, port uint32) {
	r.settings <- port
}

func (r *recorder) BufferEmptied(_ *hwstage.Stage, buf *hwstage.Buffer) {
	if r.pool != nil {
		r.pool.MarkEmptied(buf)
	}
}

func (r *recorder) BufferFilled(s *hwstage.Stage, buf *hwstage.Buffer) {
	if r.onFilled != nil {
		r.onFilled(s, buf)
		return
	}
	if r.slot != nil {
		r.slot.Filled(buf)
	}
}

func (r *recorder) EndOfStream(_ *hwstage.Stage, port uint32) {
	r.eos <- port
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCore(t *testing.T, cfg hwsim.Config) *hwsim.Core {
	t.Helper()
	cfg.Logger = quiet()
	core := hwsim.New(cfg)
	t.Cleanup(func() { _ = core.Close() })
	return core
}

func newStage(t *testing.T, core *hwsim.Core, role hwstage.Role, l hwstage.Listener) *hwstage.Stage {
	t.Helper()
	s, err := hwstage.NewStage(core, role, hwstage.StageConfig{
		Logger:       quiet(),
		Listener:     l,
		WaitBudget:   time.Second,
		PollInterval: 50 * time.Microsecond,
	})
	require.NoError(t, err)
	return s
}

func disableAll(t *testing.T, s *hwstage.Stage, ports ...uint32) {
	t.Helper()
	for _, p := range ports {
		require.NoError(t, s.DisablePort(p, true))
	}
}

// startEncoder brings the encoder to Executing with its single output
// buffer allocated.
func startEncoder(t *testing.T, core *hwsim.Core, rec *recorder) (*hwstage.Stage, *bufpool.Slot) {
	t.Helper()
	enc := newStage(t, core, hwstage.RoleEncoder, rec)
	disableAll(t, enc, 200, 201)
	require.NoError(t, enc.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	require.NoError(t, enc.EnablePort(201, false))
	slot, err := bufpool.AllocateSlot(enc, 201)
	require.NoError(t, err)
	rec.slot = slot
	require.NoError(t, enc.Wait(hwstage.CommandPortEnable, 201))
	require.NoError(t, enc.RequestState(hwstage.StateExecuting, hwstage.FireAndWait))
	return enc, slot
}

func TestCore_StateTransitions(t *testing.T) {
	core := newCore(t, hwsim.Config{})
	s := newStage(t, core, hwstage.RoleResizer, nil)

	disableAll(t, s, 60, 61)
	require.NoError(t, s.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	assert.Equal(t, hwstage.StateIdle, core.State(hwstage.RoleResizer))

	// Requesting the current state is reported as same-state and absorbed.
	require.NoError(t, s.RequestState(hwstage.StateIdle, hwstage.FireAndWait))

	require.NoError(t, s.RequestState(hwstage.StateExecuting, hwstage.FireAndWait))
	require.NoError(t, s.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	require.NoError(t, s.RequestState(hwstage.StateLoaded, hwstage.FireAndForget))
	require.NoError(t, s.RequestState(hwstage.StateLoaded, hwstage.WaitOnly))
	assert.Equal(t, hwstage.StateLoaded, core.State(hwstage.RoleResizer))

	require.NoError(t, s.Free(core))
	assert.Empty(t, core.Violations())
}

func TestCore_IncorrectTransitionFails(t *testing.T) {
	core := newCore(t, hwsim.Config{})
	s := newStage(t, core, hwstage.RoleResizer, nil)

	err := s.RequestState(hwstage.StateExecuting, hwstage.FireAndWait)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hwstage.ErrHardwareCommand))

	var se *hwstage.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, hwstage.RoleResizer, se.Role)
}

func TestCore_IdleWaitsForPopulation(t *testing.T) {
	core := newCore(t, hwsim.Config{})
	s, err := hwstage.NewStage(core, hwstage.RoleEncoder, hwstage.StageConfig{
		Logger:       quiet(),
		WaitBudget:   20 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	// Ports start enabled, so Idle cannot complete without buffers.
	err = s.RequestState(hwstage.StateIdle, hwstage.FireAndWait)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hwstage.ErrHardwareTimeout))
}

func TestCore_DuplicateCommandRejected(t *testing.T) {
	core := newCore(t, hwsim.Config{})
	s := newStage(t, core, hwstage.RoleEncoder, nil)
	disableAll(t, s, 200, 201)
	require.NoError(t, s.RequestState(hwstage.StateIdle, hwstage.FireAndWait))

	require.NoError(t, s.EnablePort(201, false))
	err := s.EnablePort(201, false)
	assert.True(t, errors.Is(err, hwstage.ErrCommandPending))
	assert.True(t, s.Pending(hwstage.CommandPortEnable, 201))
}

func TestCore_TunnelRequiresDisabledPorts(t *testing.T) {
	core := newCore(t, hwsim.Config{})
	rsz := newStage(t, core, hwstage.RoleResizer, nil)
	enc := newStage(t, core, hwstage.RoleEncoder, nil)

	err := core.SetupTunnel(rsz.Component(), 61, enc.Component(), 200)
	require.Error(t, err)
	require.Len(t, core.Violations(), 1)
	assert.Empty(t, core.Tunnels())

	require.NoError(t, rsz.DisablePort(61, true))
	require.NoError(t, enc.DisablePort(200, true))
	require.NoError(t, core.SetupTunnel(rsz.Component(), 61, enc.Component(), 200))
	assert.Equal(t, []hwsim.Tunnel{{Src: hwstage.RoleResizer, SrcPort: 61, Dst: hwstage.RoleEncoder, DstPort: 200}}, core.Tunnels())
	assert.Len(t, core.Violations(), 1)
}

func TestCore_TunneledPortEnableNeedsBothEnds(t *testing.T) {
	core := newCore(t, hwsim.Config{})
	rsz := newStage(t, core, hwstage.RoleResizer, nil)
	rnd := newStage(t, core, hwstage.RoleRenderer, nil)

	disableAll(t, rsz, 60, 61)
	disableAll(t, rnd, 90)
	require.NoError(t, core.SetupTunnel(rsz.Component(), 61, rnd.Component(), 90))
	require.NoError(t, rsz.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	require.NoError(t, rnd.RequestState(hwstage.StateIdle, hwstage.FireAndWait))

	require.NoError(t, rsz.EnablePort(61, false))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, rsz.Pending(hwstage.CommandPortEnable, 61), "upstream enable completes only with its peer")

	require.NoError(t, rnd.EnablePort(90, true))
	require.NoError(t, rsz.Wait(hwstage.CommandPortEnable, 61))
	assert.True(t, core.PortEnabled(hwstage.RoleResizer, 61))
	assert.True(t, core.PortEnabled(hwstage.RoleRenderer, 90))
}

func TestCore_DoubleFillIsViolation(t *testing.T) {
	core := newCore(t, hwsim.Config{})
	rec := newRecorder()
	enc, slot := startEncoder(t, core, rec)

	require.NoError(t, slot.Arm())
	assert.ErrorIs(t, slot.Arm(), bufpool.ErrDoubleSubmit)
	assert.Empty(t, core.Violations(), "the slot guards against resubmission")

	require.Error(t, enc.Component().FillThisBuffer(slot.Buffer()))
	assert.Len(t, core.Violations(), 1)
}

func TestCore_ResubmitInsideCallbackIsViolation(t *testing.T) {
	core := newCore(t, hwsim.Config{CallbackGrace: 5 * time.Millisecond})
	rec := newRecorder()
	enc, slot := startEncoder(t, core, rec)

	errs := make(chan error, 1)
	rec.onFilled = func(s *hwstage.Stage, buf *hwstage.Buffer) {
		errs <- s.Component().FillThisBuffer(buf)
	}
	require.NoError(t, slot.Arm())

	// Leaving Executing hands the armed buffer back through the callback.
	require.NoError(t, enc.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	require.Error(t, <-errs)
	require.Len(t, core.Violations(), 1)
	assert.Contains(t, core.Violations()[0], "before its callback returned")
}

func TestCore_InjectedErrorFailsPendingWait(t *testing.T) {
	core := newCore(t, hwsim.Config{})
	s, err := hwstage.NewStage(core, hwstage.RoleEncoder, hwstage.StageConfig{
		Logger:     quiet(),
		WaitBudget: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, s.RequestState(hwstage.StateIdle, hwstage.FireAndForget))
	core.InjectError(hwstage.RoleEncoder, hwstage.ErrorHardware)
	err = s.RequestState(hwstage.StateIdle, hwstage.WaitOnly)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hwstage.ErrHardwareCommand))
	assert.True(t, errors.Is(err, hwstage.ErrorHardware))
}

// A decoder tunneled straight into the encoder: the frames fed before the
// tunnel exists are held and come out after parameter sets.
func TestCore_DecodeToEncodeFlow(t *testing.T) {
	core := newCore(t, hwsim.Config{})
	decRec, encRec := newRecorder(), newRecorder()

	dec := newStage(t, core, hwstage.RoleDecoder, decRec)
	disableAll(t, dec, 130, 131)
	in, err := dec.PortDefinition(130)
	require.NoError(t, err)
	in.Format = hwstage.VideoFormat{Width: 640, Height: 480, Framerate: hwstage.FramerateQ16(25), Compression: hwstage.CodingAVC}
	require.NoError(t, dec.SetPortDefinition(in))
	require.NoError(t, dec.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	require.NoError(t, dec.EnablePort(130, false))
	pool, err := bufpool.Allocate(dec, 130)
	require.NoError(t, err)
	decRec.pool = pool
	require.NoError(t, dec.Wait(hwstage.CommandPortEnable, 130))
	require.NoError(t, dec.RequestState(hwstage.StateExecuting, hwstage.FireAndWait))

	for i := 0; i < 3; i++ {
		feed(t, pool, []byte{0, 0, 0, 1, 0x65, byte(i)}, int64(i)*40000, hwstage.FlagEndOfFrame)
	}
	select {
	case port := <-decRec.settings:
		assert.Equal(t, uint32(131), port)
	case <-time.After(time.Second):
		t.Fatal("no port settings event")
	}

	out, err := dec.PortDefinition(131)
	require.NoError(t, err)
	assert.Equal(t, uint32(640), out.Format.Width)
	assert.InDelta(t, 25.0, out.Format.FPS(), 0.001)

	enc := newStage(t, core, hwstage.RoleEncoder, encRec)
	disableAll(t, enc, 200, 201)
	encIn, err := enc.PortDefinition(200)
	require.NoError(t, err)
	encIn.Format = out.Format
	require.NoError(t, enc.SetPortDefinition(encIn))
	require.NoError(t, core.SetupTunnel(dec.Component(), 131, enc.Component(), 200))
	require.NoError(t, enc.RequestState(hwstage.StateIdle, hwstage.FireAndWait))
	require.NoError(t, enc.EnablePort(201, false))
	slot, err := bufpool.AllocateSlot(enc, 201)
	require.NoError(t, err)
	encRec.slot = slot
	require.NoError(t, enc.Wait(hwstage.CommandPortEnable, 201))
	require.NoError(t, dec.EnablePort(131, false))
	require.NoError(t, enc.EnablePort(200, true))
	require.NoError(t, dec.WaitAll())
	require.NoError(t, enc.RequestState(hwstage.StateExecuting, hwstage.FireAndWait))
	require.NoError(t, slot.Arm())

	feed(t, pool, nil, 120000, hwstage.FlagEOS)

	var flags []hwstage.BufferFlags
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		buf, ok := slot.Take()
		if !ok {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		f := buf.Flags
		slot.Done()
		flags = append(flags, f)
		if f.Has(hwstage.FlagEOS) {
			break
		}
		require.NoError(t, slot.Arm())
	}

	require.Len(t, flags, 6)
	assert.True(t, flags[0].Has(hwstage.FlagCodecConfig))
	assert.True(t, flags[1].Has(hwstage.FlagCodecConfig))
	assert.True(t, flags[2].Has(hwstage.FlagSyncFrame|hwstage.FlagEndOfNAL))
	assert.False(t, flags[3].Has(hwstage.FlagSyncFrame))
	assert.True(t, flags[5].Has(hwstage.FlagEOS))
	assert.Empty(t, core.Violations())

	select {
	case port := <-encRec.eos:
		assert.Equal(t, uint32(201), port)
	case <-time.After(time.Second):
		t.Fatal("no end-of-stream event")
	}
}

func feed(t *testing.T, pool *bufpool.Pool, data []byte, tick int64, flags hwstage.BufferFlags) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		buf, ok := pool.FindFree()
		if ok {
			buf.Offset = 0
			buf.FilledLen = copy(buf.Data, data)
			buf.Tick = tick
			buf.Flags = flags
			require.NoError(t, pool.Submit(buf))
			return
		}
		require.True(t, time.Now().Before(deadline), "no free input buffer")
		time.Sleep(100 * time.Microsecond)
	}
}
