package models

import "fmt"

// RebootKind identifies one boot transition
type RebootKind string

const (
	RebootFull       RebootKind = "full"       // full power cycle back to ONLINE
	RebootUserspace  RebootKind = "userspace"  // service layer restart only
	RebootBootloader RebootKind = "bootloader" // into the bootloader flashing mode
	RebootFastbootd  RebootKind = "fastbootd"  // into userspace flashing mode
	RebootRecovery   RebootKind = "recovery"   // into the recovery image
	RebootSideload   RebootKind = "sideload"   // into recovery, waiting for sideload input
)

// AllRebootKinds lists every boot transition
var AllRebootKinds = []RebootKind{
	RebootFull,
	RebootUserspace,
	RebootBootloader,
	RebootFastbootd,
	RebootRecovery,
	RebootSideload,
}

// ParseRebootKind parses a reboot kind name; the empty string is a full reboot
func ParseRebootKind(s string) (RebootKind, error) {
	if s == "" {
		return RebootFull, nil
	}
	for _, k := range AllRebootKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown reboot kind: %q", s)
}

// anySource marks a transition allowed from every state
var anySource = map[ConnectivityState]bool{
	StateNotAvailable: true,
	StateOffline:      true,
	StateOnline:       true,
	StateRecovery:     true,
	StateSideload:     true,
	StateBootloader:   true,
	StateFastbootd:    true,
	StateAllocated:    true,
}

// validSources maps a boot transition to the tracker states it may start from
var validSources = map[RebootKind]map[ConnectivityState]bool{
	RebootFull: {
		StateOnline:     true,
		StateOffline:    true,
		StateAllocated:  true, // allocated handles are assumed online until probed
		StateRecovery:   true,
		StateSideload:   true,
		StateBootloader: true, // rebooted through the flashing protocol
		StateFastbootd:  true,
	},
	RebootUserspace: {
		StateOnline: true, // requires a running service layer
	},
	RebootBootloader: anySource,
	RebootFastbootd:  anySource,
	RebootRecovery:   anySource,
	RebootSideload:   anySource,
}

// targetStates maps a boot transition to the state it waits for
var targetStates = map[RebootKind]ConnectivityState{
	RebootFull:       StateOnline,
	RebootUserspace:  StateOnline,
	RebootBootloader: StateBootloader,
	RebootFastbootd:  StateFastbootd,
	RebootRecovery:   StateRecovery,
	RebootSideload:   StateSideload,
}

// ValidateBootTransition checks that kind may be started from state from
func ValidateBootTransition(from ConnectivityState, kind RebootKind) error {
	allowed, exists := validSources[kind]
	if !exists {
		return fmt.Errorf("unknown reboot kind: %s", kind)
	}
	if !allowed[from] {
		return fmt.Errorf("invalid boot transition %s from %s", kind, from)
	}
	return nil
}

// TargetState returns the state a boot transition waits for
func (k RebootKind) TargetState() ConnectivityState {
	return targetStates[k]
}

// FullCycle reports whether the transition power cycles the device.
// Userspace reboots keep the kernel running and must not be counted as full reboots.
func (k RebootKind) FullCycle() bool {
	return k != RebootUserspace
}
