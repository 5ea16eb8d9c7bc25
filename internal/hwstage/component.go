package hwstage

// Buffer is a fixed-capacity buffer exchanged with a component port.
// Ownership alternates between the process and the hardware; the process
// must not touch a buffer while the hardware owns it.
type Buffer struct {
	Data      []byte
	FilledLen int
	Offset    int
	Flags     BufferFlags
	// Tick is the hardware timestamp in microseconds.
	Tick int64
	Port uint32
	// Index is the slot assigned by the owning pool.
	Index int
}

// Payload returns the filled bytes.
func (b *Buffer) Payload() []byte {
	return b.Data[b.Offset : b.Offset+b.FilledLen]
}

// Cap returns the allocated size.
func (b *Buffer) Cap() int {
	return len(b.Data)
}

// Component is a hardware component handle.
type Component interface {
	Name() string
	SendCommand(cmd Command, param uint32) error
	GetState() (State, error)
	GetParameter(index Index, v any) error
	SetParameter(index Index, v any) error
	GetConfig(index Index, v any) error
	SetConfig(index Index, v any) error
	AllocateBuffer(port uint32, size int) (*Buffer, error)
	FreeBuffer(port uint32, buf *Buffer) error
	EmptyThisBuffer(buf *Buffer) error
	FillThisBuffer(buf *Buffer) error
}

// Callbacks receives asynchronous notifications from a component. They run
// on hardware-owned goroutines.
type Callbacks interface {
	OnEvent(ev Event, data1, data2 uint32)
	OnBufferEmptied(buf *Buffer)
	OnBufferFilled(buf *Buffer)
}

// Core creates component handles and tunnels.
type Core interface {
	CreateHandle(role Role, cb Callbacks) (Component, error)
	SetupTunnel(src Component, srcPort uint32, dst Component, dstPort uint32) error
	FreeHandle(c Component) error
	Close() error
}
