package models

import "time"

// ProcessInfo identifies one running device process
type ProcessInfo struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	User      string    `json:"user,omitempty"`
	StartTime time.Time `json:"start_time"`
}

// MountRecord is one line of the device mount table
type MountRecord struct {
	Filesystem string   `json:"filesystem"`
	Mountpoint string   `json:"mountpoint"`
	Type       string   `json:"type"`
	Options    []string `json:"options,omitempty"`
}

// ReadOnly reports whether the mount carries the "ro" option
func (m MountRecord) ReadOnly() bool {
	for _, o := range m.Options {
		if o == "ro" {
			return true
		}
	}
	return false
}

// BootEvent is one entry of the device boot reason history
type BootEvent struct {
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}
