package transport

import (
	"bufio"
	"regexp"
	"strings"
)

// toolPrefix matches the prefixes adb and fastboot put on their own errors, with an
// optional "<context>: " before the message, e.g. "adb: error: failed to get feature set: ".
const toolPrefix = `^(?:error|adb(?:: error)?|fastboot: error): (?:.*: )?`

func toolLine(message string) *regexp.Regexp {
	return regexp.MustCompile(toolPrefix + message + `$`)
}

var (
	goneLines = []*regexp.Regexp{
		toolLine(`device '[^']*' not found`),
		toolLine(`device not found`),
		toolLine(`no devices/emulators found`),
		toolLine(`no devices found`),
		toolLine(`device disconnected`),
	}
	offlineLines = []*regexp.Regexp{
		toolLine(`device offline`),
		toolLine(`device unauthorized\..*|device unauthorized`),
		toolLine(`device still authorizing`),
		toolLine(`protocol fault.*`),
		toolLine(`closed`),
	}
)

// ErrorClassifier maps diagnostics printed by the bridge tools to transport faults
type ErrorClassifier struct{}

// Classify inspects stderr for the tool's own error lines and returns the matching
// sentinel, or nil when the output describes an ordinary command failure. Only
// whole lines in the tools' formats count: "Error: package x not found" from a
// device command is not a transport fault.
func (ec *ErrorClassifier) Classify(stderr string) error {
	scanner := bufio.NewScanner(strings.NewReader(stderr))
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		for _, re := range goneLines {
			if re.MatchString(line) {
				return ErrDeviceNotFound
			}
		}
		for _, re := range offlineLines {
			if re.MatchString(line) {
				return ErrDeviceOffline
			}
		}
	}
	return nil
}
