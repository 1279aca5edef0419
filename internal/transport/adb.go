package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/psantana5/devicectl/internal/logging"
	"github.com/psantana5/devicectl/pkg/models"
)

// ExecTransport drives devices through the adb and fastboot command line tools
type ExecTransport struct {
	adbPath      string
	fastbootPath string
	classifier   ErrorClassifier
	logger       *logging.Logger
}

// NewExecTransport creates a transport using the given tool paths ("adb"/"fastboot" when empty)
func NewExecTransport(adbPath, fastbootPath string, logger *logging.Logger) *ExecTransport {
	if adbPath == "" {
		adbPath = "adb"
	}
	if fastbootPath == "" {
		fastbootPath = "fastboot"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &ExecTransport{
		adbPath:      adbPath,
		fastbootPath: fastbootPath,
		logger:       logger,
	}
}

// Devices merges the adb and fastboot device lists
func (t *ExecTransport) Devices(ctx context.Context) ([]Entry, error) {
	out, err := t.run(ctx, 0, t.adbPath, "devices")
	if err != nil {
		return nil, fmt.Errorf("failed to list adb devices: %w", err)
	}
	entries := parseADBDevices(out.Stdout)

	fbOut, err := t.run(ctx, 0, t.fastbootPath, "devices")
	if err != nil {
		// fastboot is optional on hosts that never flash
		t.logger.Debug("fastboot enumeration unavailable", map[string]interface{}{"error": err.Error()})
		return entries, nil
	}
	for _, serial := range parseFastbootDevices(fbOut.Stdout) {
		state := models.StateBootloader
		if t.isUserspaceFastboot(ctx, serial) {
			state = models.StateFastbootd
		}
		entries = append(entries, Entry{Serial: serial, State: state})
	}
	return entries, nil
}

func (t *ExecTransport) isUserspaceFastboot(ctx context.Context, serial string) bool {
	out, err := t.run(ctx, 10*time.Second, t.fastbootPath, "-s", serial, "getvar", "is-userspace")
	if err != nil {
		return false
	}
	// fastboot prints variables on stderr
	return parseGetvar(out.Stderr+out.Stdout, "is-userspace") == "yes"
}

// Exec runs req through the tool matching its kind
func (t *ExecTransport) Exec(ctx context.Context, req Request) (Output, error) {
	var name string
	var args []string
	switch req.Kind {
	case models.KindShell:
		name = t.adbPath
		args = append([]string{"-s", req.Serial, "shell"}, req.Args...)
	case models.KindBootloader:
		name = t.fastbootPath
		args = append([]string{"-s", req.Serial}, req.Args...)
	case models.KindInstall:
		name = t.adbPath
		args = append([]string{"-s", req.Serial, "install"}, req.Args...)
	case models.KindHost:
		name = t.adbPath
		args = append([]string{"-s", req.Serial}, req.Args...)
	default:
		return Output{}, fmt.Errorf("unsupported command kind: %s", req.Kind)
	}

	t.logger.Debug("exec", map[string]interface{}{
		"serial":  req.Serial,
		"command": name + " " + shellquote.Join(args...),
	})

	out, err := t.run(ctx, req.OutputTimeout, name, args...)
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 {
		if fault := t.classifier.Classify(out.Stderr); fault != nil {
			return out, fmt.Errorf("%s: %w", strings.TrimSpace(out.Stderr), fault)
		}
	}
	return out, nil
}

// Stream starts a long-running adb command and returns its stdout
func (t *ExecTransport) Stream(ctx context.Context, serial string, args ...string) (io.ReadCloser, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(streamCtx, t.adbPath, append([]string{"-s", serial}, args...)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}
	return &streamReader{ReadCloser: stdout, cmd: cmd, cancel: cancel}, nil
}

type streamReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
	once   sync.Once
}

func (s *streamReader) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.cmd.Wait()
	})
	return nil
}

// silenceWriter resets the watchdog timer on every write
type silenceWriter struct {
	buf   *bytes.Buffer
	mu    *sync.Mutex
	timer *time.Timer
	limit time.Duration
}

func (w *silenceWriter) Write(p []byte) (int, error) {
	if w.timer != nil {
		w.timer.Reset(w.limit)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// run executes one tool invocation, killing it when silent for longer than silence
func (t *ExecTransport) run(ctx context.Context, silence time.Duration, name string, args ...string) (Output, error) {
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var silenced atomic.Bool
	var timer *time.Timer
	if silence > 0 {
		timer = time.AfterFunc(silence, func() {
			silenced.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	var stdout, stderr bytes.Buffer
	var mu sync.Mutex
	cmd := exec.CommandContext(cmdCtx, name, args...)
	cmd.Stdout = &silenceWriter{buf: &stdout, mu: &mu, timer: timer, limit: silence}
	cmd.Stderr = &silenceWriter{buf: &stderr, mu: &mu, timer: timer, limit: silence}

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case silenced.Load():
		return out, fmt.Errorf("%s silent for %s: %w", name, silence, ErrOutputTimeout)
	case ctx.Err() != nil:
		return out, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return out, nil
}

// parseADBDevices parses the output of "adb devices"
func parseADBDevices(output string) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		state, ok := adbState(fields[1])
		if !ok {
			continue
		}
		entries = append(entries, Entry{Serial: fields[0], State: state})
	}
	return entries
}

func adbState(s string) (models.ConnectivityState, bool) {
	switch s {
	case "device":
		return models.StateOnline, true
	case "recovery", "rescue":
		return models.StateRecovery, true
	case "sideload":
		return models.StateSideload, true
	case "bootloader":
		return models.StateBootloader, true
	case "offline", "unauthorized", "authorizing", "connecting", "no":
		return models.StateOffline, true
	case "host":
		return "", false
	default:
		return models.StateOffline, true
	}
}

// parseFastbootDevices parses the output of "fastboot devices"
func parseFastbootDevices(output string) []string {
	var serials []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && strings.HasPrefix(fields[1], "fastboot") {
			serials = append(serials, fields[0])
		}
	}
	return serials
}

// parseGetvar extracts "name: value" from fastboot getvar output
func parseGetvar(output, name string) string {
	prefix := name + ":"
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}
