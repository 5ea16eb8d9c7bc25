package transcoder

import (
	"fmt"
	"sync/atomic"
)

// State is the pipeline state.
type State int32

// Pipeline states.
const (
	StateDecoderInit State = iota
	StateTunnelSetup
	StateOpenOutput
	StateRunning
	StateDecoderEOF
	StateEncoderEOS
	StateDecoderFailed
	StateQuit
)

func (s State) String() string {
	switch s {
	case StateDecoderInit:
		return "decoder-init"
	case StateTunnelSetup:
		return "tunnel-setup"
	case StateOpenOutput:
		return "open-output"
	case StateRunning:
		return "running"
	case StateDecoderEOF:
		return "decoder-eof"
	case StateEncoderEOS:
		return "encoder-eos"
	case StateDecoderFailed:
		return "decoder-failed"
	case StateQuit:
		return "quit"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name as produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for v := StateDecoderInit; v <= StateQuit; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline state %q", text)
}

// terminal reports whether the producer stops feeding in s.
func (s State) terminal() bool {
	return s == StateEncoderEOS || s == StateDecoderFailed || s == StateQuit
}

// stateCell is the pipeline state shared between the producer, the
// hardware callbacks and the signal handler.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State {
	return State(c.v.Load())
}

// advance moves to next when the current state is one of from.
func (c *stateCell) advance(next State, from ...State) bool {
	for _, f := range from {
		if c.v.CompareAndSwap(int32(f), int32(next)) {
			return true
		}
	}
	return false
}

// interrupt moves to StateQuit unless a terminal state was reached first.
func (c *stateCell) interrupt() bool {
	for {
		cur := c.v.Load()
		if State(cur).terminal() {
			return false
		}
		if c.v.CompareAndSwap(cur, int32(StateQuit)) {
			return true
		}
	}
}
