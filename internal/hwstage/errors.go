package hwstage

import (
	"errors"
	"fmt"
)

// Sentinel errors for the stage protocol.
var (
	// ErrHardwareCommand is returned when a component rejects a command or
	// reports an error while a command is outstanding.
	ErrHardwareCommand = errors.New("hardware command failure")

	// ErrHardwareTimeout is returned when a bounded wait expires.
	ErrHardwareTimeout = errors.New("hardware timeout")

	// ErrCommandPending is returned when a command is sent while the same
	// command on the same port is still outstanding.
	ErrCommandPending = errors.New("command already pending")
)

// ErrorCode is a hardware result code.
type ErrorCode uint32

// Hardware result codes.
const (
	ErrorNone                     ErrorCode = 0
	ErrorInsufficientResources    ErrorCode = 0x80001000
	ErrorUndefined                ErrorCode = 0x80001001
	ErrorComponentNotFound        ErrorCode = 0x80001003
	ErrorBadParameter             ErrorCode = 0x80001005
	ErrorNotImplemented           ErrorCode = 0x80001006
	ErrorHardware                 ErrorCode = 0x80001009
	ErrorInvalidState             ErrorCode = 0x8000100A
	ErrorStreamCorrupt            ErrorCode = 0x8000100B
	ErrorPortsNotCompatible       ErrorCode = 0x8000100C
	ErrorNotReady                 ErrorCode = 0x80001010
	ErrorTimeout                  ErrorCode = 0x80001011
	ErrorSameState                ErrorCode = 0x80001012
	ErrorIncorrectStateTransition ErrorCode = 0x80001017
	ErrorIncorrectStateOperation  ErrorCode = 0x80001018
	ErrorUnsupportedSetting       ErrorCode = 0x80001019
	ErrorUnsupportedIndex         ErrorCode = 0x8000101A
	ErrorBadPortIndex             ErrorCode = 0x8000101B
	ErrorPortUnpopulated          ErrorCode = 0x8000101C
)

var errorNames = map[ErrorCode]string{
	ErrorInsufficientResources:    "insufficient resources",
	ErrorUndefined:                "undefined",
	ErrorComponentNotFound:        "component not found",
	ErrorBadParameter:             "bad parameter",
	ErrorNotImplemented:           "not implemented",
	ErrorHardware:                 "hardware",
	ErrorInvalidState:             "invalid state",
	ErrorStreamCorrupt:            "stream corrupt",
	ErrorPortsNotCompatible:       "ports not compatible",
	ErrorNotReady:                 "not ready",
	ErrorTimeout:                  "timeout",
	ErrorSameState:                "same state",
	ErrorIncorrectStateTransition: "incorrect state transition",
	ErrorIncorrectStateOperation:  "incorrect state operation",
	ErrorUnsupportedSetting:       "unsupported setting",
	ErrorUnsupportedIndex:         "unsupported index",
	ErrorBadPortIndex:             "bad port index",
	ErrorPortUnpopulated:          "port unpopulated",
}

func (e ErrorCode) Error() string {
	if name, ok := errorNames[e]; ok {
		return fmt.Sprintf("%s (0x%08x)", name, uint32(e))
	}
	return fmt.Sprintf("hardware error 0x%08x", uint32(e))
}

// Is makes every non-zero ErrorCode match ErrHardwareCommand.
func (e ErrorCode) Is(target error) bool {
	return target == ErrHardwareCommand && e != ErrorNone
}

// StageError names the operation and stage that failed.
type StageError struct {
	Op   string
	Role Role
	Port uint32
	Err  error
}

func (e *StageError) Error() string {
	if e.Port != 0 {
		return fmt.Sprintf("%s: %s port %d: %v", e.Role, e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Role, e.Op, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
