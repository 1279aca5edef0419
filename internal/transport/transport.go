// Package transport defines the thin command-execution interface the device
// layer is built on, and an exec-based adapter for the adb and fastboot tools.
package transport

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/psantana5/devicectl/pkg/models"
)

var (
	// ErrDeviceNotFound means the serial vanished from enumeration
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceOffline means the device is enumerated but not accepting commands
	ErrDeviceOffline = errors.New("device offline")
	// ErrOutputTimeout means the command produced no output within its silence window
	ErrOutputTimeout = errors.New("no output within silence timeout")
)

// Request is one command sent to a device
type Request struct {
	Serial        string
	Kind          models.CommandKind
	Args          []string
	OutputTimeout time.Duration // 0 disables the silence watchdog
}

// Command renders the request arguments as a single line
func (r Request) Command() string {
	return strings.Join(r.Args, " ")
}

// Output is the raw result of a completed command. A non-zero ExitCode is not an error.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Entry is one device reported by enumeration
type Entry struct {
	Serial string
	State  models.ConnectivityState
}

// Transport executes commands against devices.
// Exec returns an error only for transport faults; command failures are reported through Output.
type Transport interface {
	// Devices enumerates every device visible on either protocol
	Devices(ctx context.Context) ([]Entry, error)
	// Exec runs one command and waits for it to finish
	Exec(ctx context.Context, req Request) (Output, error)
	// Stream opens a long-lived output channel (e.g. the system log) independent of Exec
	Stream(ctx context.Context, serial string, args ...string) (io.ReadCloser, error)
}

// FaultClass groups transport errors by how the device layer reacts to them
type FaultClass int

const (
	FaultNone    FaultClass = iota // not a transport fault
	FaultSilence                   // device reachable, command went quiet or ran too long
	FaultOffline                   // device enumerated but unreachable
	FaultGone                      // device disappeared from enumeration
)

func (f FaultClass) String() string {
	switch f {
	case FaultSilence:
		return "silence"
	case FaultOffline:
		return "offline"
	case FaultGone:
		return "gone"
	default:
		return "none"
	}
}

// ClassifyFault maps an Exec error to its fault class
func ClassifyFault(err error) FaultClass {
	switch {
	case err == nil:
		return FaultNone
	case errors.Is(err, ErrOutputTimeout), errors.Is(err, context.DeadlineExceeded):
		return FaultSilence
	case errors.Is(err, ErrDeviceOffline):
		return FaultOffline
	case errors.Is(err, ErrDeviceNotFound):
		return FaultGone
	default:
		return FaultNone
	}
}

// Find returns the enumeration entry for serial
func Find(entries []Entry, serial string) (Entry, bool) {
	for _, e := range entries {
		if e.Serial == serial {
			return e, true
		}
	}
	return Entry{}, false
}
