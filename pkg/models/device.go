package models

import (
	"fmt"
	"strings"
	"time"
)

// ConnectivityState is the transport-visible state of a device
type ConnectivityState string

const (
	StateNotAvailable ConnectivityState = "NOT_AVAILABLE" // not visible in enumeration
	StateOffline      ConnectivityState = "OFFLINE"       // visible but not accepting commands
	StateOnline       ConnectivityState = "ONLINE"        // shell reachable
	StateRecovery     ConnectivityState = "RECOVERY"      // booted into recovery image
	StateSideload     ConnectivityState = "SIDELOAD"      // recovery waiting for sideload input
	StateBootloader   ConnectivityState = "BOOTLOADER"    // bootloader flashing mode
	StateFastbootd    ConnectivityState = "FASTBOOTD"     // userspace flashing mode
	StateAllocated    ConnectivityState = "ALLOCATED"     // handed to a caller, not yet probed
)

// AllStates lists every connectivity state in display order
var AllStates = []ConnectivityState{
	StateNotAvailable,
	StateOffline,
	StateOnline,
	StateRecovery,
	StateSideload,
	StateBootloader,
	StateFastbootd,
	StateAllocated,
}

// ParseConnectivityState parses a state name, case-insensitively
func ParseConnectivityState(s string) (ConnectivityState, error) {
	upper := ConnectivityState(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStates {
		if st == upper {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown connectivity state: %q", s)
}

// InFlashingMode reports whether the device only accepts bootloader-kind commands
func (s ConnectivityState) InFlashingMode() bool {
	return s == StateBootloader || s == StateFastbootd
}

// RecoveryMode selects how aggressively a lost device is brought back
type RecoveryMode string

const (
	RecoveryNone      RecoveryMode = "NONE"      // never recover, fail immediately
	RecoveryOnline    RecoveryMode = "ONLINE"    // wait until the device enumerates online
	RecoveryAvailable RecoveryMode = "AVAILABLE" // wait until the device is fully usable
)

// ParseRecoveryMode parses a recovery mode name, case-insensitively
func ParseRecoveryMode(s string) (RecoveryMode, error) {
	switch RecoveryMode(strings.ToUpper(strings.TrimSpace(s))) {
	case RecoveryNone:
		return RecoveryNone, nil
	case RecoveryOnline:
		return RecoveryOnline, nil
	case RecoveryAvailable, "":
		return RecoveryAvailable, nil
	default:
		return "", fmt.Errorf("unknown recovery mode: %q", s)
	}
}

// DeviceDescriptor is the cached, non-blocking read model of a device
type DeviceDescriptor struct {
	Serial          string            `json:"serial"`
	State           ConnectivityState `json:"state"`
	ProductType     string            `json:"product_type,omitempty"`
	ProductVariant  string            `json:"product_variant,omitempty"`
	APILevel        int               `json:"api_level,omitempty"`
	BuildID         string            `json:"build_id,omitempty"`
	BuildFlavor     string            `json:"build_flavor,omitempty"`
	EncryptionState string            `json:"encryption_state,omitempty"`
	BatteryLevel    int               `json:"battery_level"`
	LastUpdated     time.Time         `json:"last_updated"`
}

// Encrypted reports whether the last known encryption state is "encrypted"
func (d DeviceDescriptor) Encrypted() bool {
	return d.EncryptionState == "encrypted"
}

// BatteryUnknown marks a descriptor whose battery level has not been read
const BatteryUnknown = -1
