package models

import (
	"strings"
	"time"
)

// CommandKind selects the transport channel a command is sent over
type CommandKind string

const (
	KindShell      CommandKind = "shell"      // device shell
	KindBootloader CommandKind = "bootloader" // flashing protocol
	KindInstall    CommandKind = "install"    // package install protocol
	KindHost       CommandKind = "host"       // host-side bridge command (reboot, root, push, pull)
)

// CommandStatus is the completion flag of a CommandResult
type CommandStatus string

const (
	StatusCompleted CommandStatus = "COMPLETED"
	StatusTimedOut  CommandStatus = "TIMED_OUT"
	StatusFailed    CommandStatus = "FAILED"
	StatusException CommandStatus = "EXCEPTION"
)

// CommandResult is the outcome of one executed command.
// Results are returned by value and never mutated after they are produced.
type CommandResult struct {
	Kind     CommandKind   `json:"kind"`
	Command  string        `json:"command"`
	Status   CommandStatus `json:"status"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the command completed with a zero exit status
func (r CommandResult) Succeeded() bool {
	return r.Status == StatusCompleted && r.ExitCode == 0
}

// Output returns stdout with trailing whitespace removed
func (r CommandResult) Output() string {
	return strings.TrimRight(r.Stdout, " \r\n\t")
}
