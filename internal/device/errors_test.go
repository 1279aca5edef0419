package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/psantana5/devicectl/pkg/models"
)

func TestDeviceErrorMessage(t *testing.T) {
	cause := errors.New("device offline")
	de := newDeviceError(FaultUnresponsive, "emulator-5554", "shell", "no output", cause)
	de.Target = models.StateOnline

	expected := "device emulator-5554 unresponsive during shell (waiting for ONLINE): no output: device offline"
	if de.Error() != expected {
		t.Errorf("Error() = %q\nexpected  %q", de.Error(), expected)
	}
	if !errors.Is(de, cause) {
		t.Error("DeviceError should unwrap to its cause")
	}
}

func TestFaultPredicates(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		notAvailable bool
		unresponsive bool
		disconnected bool
	}{
		{"nil", nil, false, false, false},
		{"plain error", errors.New("boom"), false, false, false},
		{"cancellation", context.Canceled, false, false, false},
		{"not available", newDeviceError(FaultNotAvailable, "s", "", "", nil), true, false, false},
		{"unresponsive", newDeviceError(FaultUnresponsive, "s", "", "", nil), true, true, false},
		{"disconnected", newDeviceError(FaultDisconnected, "s", "", "", nil), true, false, true},
		{"wrapped", fmt.Errorf("install: %w", newDeviceError(FaultDisconnected, "s", "", "", nil)), true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotAvailable(tt.err); got != tt.notAvailable {
				t.Errorf("IsNotAvailable = %v, expected %v", got, tt.notAvailable)
			}
			if got := IsUnresponsive(tt.err); got != tt.unresponsive {
				t.Errorf("IsUnresponsive = %v, expected %v", got, tt.unresponsive)
			}
			if got := IsDisconnected(tt.err); got != tt.disconnected {
				t.Errorf("IsDisconnected = %v, expected %v", got, tt.disconnected)
			}
		})
	}
}

func TestFaultKindString(t *testing.T) {
	for kind, expected := range map[FaultKind]string{
		FaultNotAvailable: "not_available",
		FaultUnresponsive: "unresponsive",
		FaultDisconnected: "disconnected",
		FaultKind(42):     "unknown",
	} {
		if kind.String() != expected {
			t.Errorf("%d.String() = %q, expected %q", int(kind), kind.String(), expected)
		}
	}
}
