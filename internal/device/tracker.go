package device

import (
	"sync"
	"time"

	"github.com/psantana5/devicectl/pkg/models"
)

// StateListener is notified after the connectivity state changes
type StateListener func(serial string, from, to models.ConnectivityState)

// StateTracker holds the connectivity state, recovery mode and cached descriptor
// of one device. It never talks to the transport.
type StateTracker struct {
	mu         sync.RWMutex
	serial     string
	state      models.ConnectivityState
	mode       models.RecoveryMode
	descriptor models.DeviceDescriptor
	listeners  []StateListener
}

// NewStateTracker creates a tracker in the given initial state
func NewStateTracker(serial string, initial models.ConnectivityState, mode models.RecoveryMode) *StateTracker {
	if initial == "" {
		initial = models.StateAllocated
	}
	if mode == "" {
		mode = models.RecoveryAvailable
	}
	return &StateTracker{
		serial: serial,
		state:  initial,
		mode:   mode,
		descriptor: models.DeviceDescriptor{
			Serial:       serial,
			State:        initial,
			BatteryLevel: models.BatteryUnknown,
		},
	}
}

func (t *StateTracker) Serial() string {
	return t.serial
}

// State returns the current connectivity state
func (t *StateTracker) State() models.ConnectivityState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SetState records a new connectivity state and returns the previous one.
// Listeners run after the lock is released, only when the state changed.
func (t *StateTracker) SetState(state models.ConnectivityState) models.ConnectivityState {
	t.mu.Lock()
	prev := t.state
	t.state = state
	t.descriptor.State = state
	listeners := t.listeners
	t.mu.Unlock()

	if prev != state {
		for _, l := range listeners {
			l(t.serial, prev, state)
		}
	}
	return prev
}

// RecoveryMode returns the current recovery mode
func (t *StateTracker) RecoveryMode() models.RecoveryMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// SetRecoveryMode changes the recovery mode and returns the previous one
func (t *StateTracker) SetRecoveryMode(mode models.RecoveryMode) models.RecoveryMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.mode
	t.mode = mode
	return prev
}

// Descriptor returns a copy of the cached descriptor
func (t *StateTracker) Descriptor() models.DeviceDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.descriptor
}

// UpdateDescriptor mutates the cached descriptor under the lock
func (t *StateTracker) UpdateDescriptor(fn func(d *models.DeviceDescriptor)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.descriptor)
	t.descriptor.Serial = t.serial
	t.descriptor.State = t.state
	t.descriptor.LastUpdated = time.Now()
}

// AddListener registers fn for state changes
func (t *StateTracker) AddListener(fn StateListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}
