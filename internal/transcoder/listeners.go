package transcoder

import (
	"log/slog"
	"sync/atomic"

	"github.com/jmylchreest/pitx/internal/bufpool"
	"github.com/jmylchreest/pitx/internal/hwstage"
)

// shared is the state the hardware callbacks touch. Each listener holds a
// pointer to it; the callbacks reach their Stage through the argument.
type shared struct {
	state stateCell
	pool  atomic.Pointer[bufpool.Pool]
	slot  atomic.Pointer[bufpool.Slot]

	emptied  atomic.Int64
	fills    atomic.Int64
	settings atomic.Int64
}

// decoderListener handles the decoder: the output format announcement that
// ends probing and the return of consumed input buffers.
type decoderListener struct {
	hwstage.NopListener
	sh *shared
}

func (l decoderListener) PortSettingsChanged(s *hwstage.Stage, port uint32) {
	if port != hwstage.RoleDecoder.OutputPort() {
		return
	}
	l.sh.settings.Add(1)
	if l.sh.state.advance(StateTunnelSetup, StateDecoderInit) {
		s.Logger().Debug("decoder output format known")
	}
}

func (l decoderListener) BufferEmptied(_ *hwstage.Stage, buf *hwstage.Buffer) {
	if p := l.sh.pool.Load(); p != nil {
		p.MarkEmptied(buf)
	}
	l.sh.emptied.Add(1)
}

func (l decoderListener) EndOfStream(s *hwstage.Stage, port uint32) {
	s.Logger().Debug("decoder passed end of stream", slog.Uint64("port", uint64(port)))
}

// encoderListener handles the encoder output slot and the end-of-stream
// echo that finishes a run.
type encoderListener struct {
	hwstage.NopListener
	sh *shared
}

func (l encoderListener) BufferFilled(_ *hwstage.Stage, buf *hwstage.Buffer) {
	l.sh.fills.Add(1)
	if sl := l.sh.slot.Load(); sl != nil {
		sl.Filled(buf)
	}
}

func (l encoderListener) EndOfStream(s *hwstage.Stage, port uint32) {
	if port != hwstage.RoleEncoder.OutputPort() {
		return
	}
	if l.sh.state.advance(StateEncoderEOS, StateDecoderEOF, StateRunning, StateOpenOutput) {
		s.Logger().Debug("encoder end of stream")
	}
}

// passiveListener serves the stages whose callbacks carry no pipeline
// meaning: deinterlacer, resizer, splitter and renderer.
type passiveListener struct {
	hwstage.NopListener
}

func (passiveListener) EndOfStream(s *hwstage.Stage, port uint32) {
	s.Logger().Debug("end of stream passed", slog.Uint64("port", uint64(port)))
}

// listenerFor returns the listener variant for role.
func listenerFor(role hwstage.Role, sh *shared) hwstage.Listener {
	switch role {
	case hwstage.RoleDecoder:
		return decoderListener{sh: sh}
	case hwstage.RoleEncoder:
		return encoderListener{sh: sh}
	default:
		return passiveListener{}
	}
}
