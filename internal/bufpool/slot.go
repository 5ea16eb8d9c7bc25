package bufpool

import (
	"fmt"
	"sync"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

// Slot holds the single encoder output buffer. The buffer cycles through
// armed (hardware fills it), filled (callback returned, awaiting drain) and
// taken (the drain is reading it) before it may be armed again.
type Slot struct {
	stage *hwstage.Stage
	port  uint32
	pool  *Pool

	mu     sync.Mutex
	buf    *hwstage.Buffer
	armed  bool
	filled bool
	taken  bool
}

// AllocateSlot allocates the port's buffers and keeps the first one. Extra
// buffers demanded by the port stay allocated but unused.
func AllocateSlot(stage *hwstage.Stage, port uint32) (*Slot, error) {
	pool, err := Allocate(stage, port)
	if err != nil {
		return nil, err
	}
	if pool.Len() == 0 {
		return nil, &hwstage.StageError{Op: "allocate output buffer", Role: stage.Role(), Port: port,
			Err: fmt.Errorf("%w: port has no buffers", hwstage.ErrHardwareCommand)}
	}
	return &Slot{stage: stage, port: port, pool: pool, buf: pool.Buffer(0)}, nil
}

// Buffer returns the slot's buffer.
func (s *Slot) Buffer() *hwstage.Buffer {
	return s.buf
}

// Buffers returns the number of buffers allocated on the port.
func (s *Slot) Buffers() int {
	return s.pool.Len()
}

// Arm submits the buffer for filling. It fails with ErrDoubleSubmit while
// the previous fill is unreported or undrained.
func (s *Slot) Arm() error {
	s.mu.Lock()
	if s.armed || s.filled || s.taken {
		s.mu.Unlock()
		return ErrDoubleSubmit
	}
	s.armed = true
	s.buf.FilledLen = 0
	s.buf.Offset = 0
	s.buf.Flags = 0
	s.mu.Unlock()

	if err := s.stage.Component().FillThisBuffer(s.buf); err != nil {
		s.mu.Lock()
		s.armed = false
		s.mu.Unlock()
		return &hwstage.StageError{Op: "fill buffer", Role: s.stage.Role(), Port: s.port, Err: err}
	}
	return nil
}

// Filled is called by the buffer-filled callback as its last action.
func (s *Slot) Filled(buf *hwstage.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf != s.buf {
		return
	}
	s.armed = false
	s.filled = true
}

// Take returns the filled buffer for draining, or ok=false when no fill is
// waiting. The caller must call Done after it has finished reading.
func (s *Slot) Take() (buf *hwstage.Buffer, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.filled || s.taken {
		return nil, false
	}
	s.filled = false
	s.taken = true
	return s.buf, true
}

// Done ends a drain; the buffer may be armed again.
func (s *Slot) Done() {
	s.mu.Lock()
	s.taken = false
	s.mu.Unlock()
}

// Armed reports whether the hardware currently owns the buffer.
func (s *Slot) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Release frees the port's buffers; see Pool.Release.
func (s *Slot) Release() error {
	return s.pool.Release()
}
