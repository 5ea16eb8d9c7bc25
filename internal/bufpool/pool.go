// Package bufpool manages the buffers the process exchanges with hardware
// ports: an index arena for the decoder input port and a single-buffer slot
// for the encoder output port.
package bufpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

// Errors returned by the pool.
var (
	// ErrReleaseState is returned when buffers are released while the stage
	// is past idle or the port is still enabled.
	ErrReleaseState = errors.New("buffers released outside idle/loaded with port disabled")

	// ErrDoubleSubmit is returned when a buffer the hardware still owns is
	// submitted again.
	ErrDoubleSubmit = errors.New("buffer resubmitted before its callback completed")

	// ErrUnknownBuffer is returned for a buffer that does not belong to the pool.
	ErrUnknownBuffer = errors.New("buffer not owned by pool")
)

// Pool is an index arena of the buffers allocated on one port. Filled
// length and ownership are guarded by one mutex shared with the
// buffer-emptied callback.
type Pool struct {
	stage *hwstage.Stage
	port  uint32

	mu       sync.Mutex
	buffers  []*hwstage.Buffer
	hwOwned  []bool
	freeList []int
	inFlight int
}

// Allocate queries the port definition and allocates BufferCountActual
// buffers of BufferSize bytes on it.
func Allocate(stage *hwstage.Stage, port uint32) (*Pool, error) {
	def, err := stage.PortDefinition(port)
	if err != nil {
		return nil, err
	}

	p := &Pool{stage: stage, port: port}
	for i := 0; i < int(def.BufferCountActual); i++ {
		buf, err := stage.Component().AllocateBuffer(port, int(def.BufferSize))
		if err != nil {
			return p, &hwstage.StageError{Op: fmt.Sprintf("allocate buffer %d", i), Role: stage.Role(), Port: port, Err: err}
		}
		buf.Index = i
		buf.Port = port
		buf.FilledLen = 0
		p.buffers = append(p.buffers, buf)
		p.hwOwned = append(p.hwOwned, false)
		p.freeList = append(p.freeList, i)
	}

	stage.Logger().Debug("allocated port buffers",
		slog.Uint64("port", uint64(port)),
		slog.Int("count", len(p.buffers)),
		slog.Uint64("size", uint64(def.BufferSize)))

	return p, nil
}

// Len returns the number of buffers in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Buffer returns the buffer at index i.
func (p *Pool) Buffer(i int) *hwstage.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffers[i]
}

// FindFree returns the lowest-index buffer that the process owns and whose
// filled length is zero. ok is false when none is available; that is not
// an error and the caller retries.
func (p *Pool) FindFree() (buf *hwstage.Buffer, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for n, i := range p.freeList {
		b := p.buffers[i]
		if b.FilledLen != 0 || p.hwOwned[i] {
			continue
		}
		p.freeList = append(p.freeList[:n], p.freeList[n+1:]...)
		return b, true
	}
	return nil, false
}

// Submit hands buf to the hardware with EmptyThisBuffer.
func (p *Pool) Submit(buf *hwstage.Buffer) error {
	if err := p.markOwned(buf); err != nil {
		return err
	}
	if err := p.stage.Component().EmptyThisBuffer(buf); err != nil {
		p.MarkEmptied(buf)
		return &hwstage.StageError{Op: "empty buffer", Role: p.stage.Role(), Port: p.port, Err: err}
	}
	return nil
}

// Return gives back a buffer taken with FindFree but never submitted.
func (p *Pool) Return(buf *hwstage.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf.FilledLen = 0
	p.pushFree(buf.Index)
}

// MarkEmptied is called from the buffer-emptied callback.
func (p *Pool) MarkEmptied(buf *hwstage.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owns(buf) {
		return
	}
	buf.FilledLen = 0
	buf.Flags = 0
	if p.hwOwned[buf.Index] {
		p.hwOwned[buf.Index] = false
		p.inFlight--
	}
	p.pushFree(buf.Index)
}

// InFlight returns the number of buffers the hardware owns.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Release frees every buffer. The stage must be idle or loaded and the
// port disabled or being disabled.
func (p *Pool) Release() error {
	state, err := p.stage.State()
	if err != nil {
		return err
	}
	if state != hwstage.StateIdle && state != hwstage.StateLoaded {
		return &hwstage.StageError{Op: "release buffers", Role: p.stage.Role(), Port: p.port,
			Err: fmt.Errorf("%w: state %s", ErrReleaseState, state)}
	}

	p.mu.Lock()
	buffers := p.buffers
	p.buffers = nil
	p.hwOwned = nil
	p.freeList = nil
	p.inFlight = 0
	p.mu.Unlock()

	var errs []error
	for _, buf := range buffers {
		if err := p.stage.Component().FreeBuffer(p.port, buf); err != nil {
			errs = append(errs, &hwstage.StageError{Op: "free buffer", Role: p.stage.Role(), Port: p.port, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) markOwned(buf *hwstage.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owns(buf) {
		return ErrUnknownBuffer
	}
	if p.hwOwned[buf.Index] {
		return ErrDoubleSubmit
	}
	p.hwOwned[buf.Index] = true
	p.inFlight++
	for n, i := range p.freeList {
		if i == buf.Index {
			p.freeList = append(p.freeList[:n], p.freeList[n+1:]...)
			break
		}
	}
	return nil
}

func (p *Pool) owns(buf *hwstage.Buffer) bool {
	return buf != nil && buf.Index >= 0 && buf.Index < len(p.buffers) && p.buffers[buf.Index] == buf
}

// pushFree inserts i keeping the free list in index order.
func (p *Pool) pushFree(i int) {
	for n, v := range p.freeList {
		if v == i {
			return
		}
		if v > i {
			p.freeList = append(p.freeList, 0)
			copy(p.freeList[n+1:], p.freeList[n:])
			p.freeList[n] = i
			return
		}
	}
	p.freeList = append(p.freeList, i)
}
