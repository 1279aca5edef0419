package device

import (
	"errors"
	"fmt"

	"github.com/psantana5/devicectl/pkg/models"
)

// FaultKind categorizes a device failure for the caller's handling strategy
type FaultKind int

const (
	// FaultNotAvailable means the device could not be used and was not brought back
	FaultNotAvailable FaultKind = iota
	// FaultUnresponsive means the device stayed visible but commands kept timing out
	FaultUnresponsive
	// FaultDisconnected means the device disappeared from enumeration entirely
	FaultDisconnected
)

func (k FaultKind) String() string {
	switch k {
	case FaultNotAvailable:
		return "not_available"
	case FaultUnresponsive:
		return "unresponsive"
	case FaultDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DeviceError is the single error type for devices that cannot be used.
// Callers switch on Kind instead of matching types.
type DeviceError struct {
	Kind    FaultKind
	Serial  string
	Op      string                   // operation that gave up, e.g. "shell", "reboot"
	Target  models.ConnectivityState // state that was being waited for, if any
	Message string
	Err     error
}

func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("device %s %s", e.Serial, e.Kind)
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Target != "" {
		msg += fmt.Sprintf(" (waiting for %s)", e.Target)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func newDeviceError(kind FaultKind, serial, op, message string, err error) *DeviceError {
	return &DeviceError{
		Kind:    kind,
		Serial:  serial,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// AsDeviceError extracts the DeviceError from err's chain
func AsDeviceError(err error) (*DeviceError, bool) {
	var de *DeviceError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsNotAvailable reports whether err means the device is unusable, whatever the sub-kind
func IsNotAvailable(err error) bool {
	_, ok := AsDeviceError(err)
	return ok
}

// IsUnresponsive reports whether err is a FaultUnresponsive device error
func IsUnresponsive(err error) bool {
	de, ok := AsDeviceError(err)
	return ok && de.Kind == FaultUnresponsive
}

// IsDisconnected reports whether err is a FaultDisconnected device error
func IsDisconnected(err error) bool {
	de, ok := AsDeviceError(err)
	return ok && de.Kind == FaultDisconnected
}

var (
	// ErrUnsupported is returned by optional operations the device does not support
	ErrUnsupported = errors.New("operation not supported by device")
	// ErrUserPrecondition is returned when a user operation targets a protected user
	ErrUserPrecondition = errors.New("user operation precondition failed")
	// ErrInvalidTransition is returned when a boot transition cannot start from the current state
	ErrInvalidTransition = errors.New("invalid boot transition")
)
