package device

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/devicectl/internal/logging"
	"github.com/psantana5/devicectl/internal/metrics"
	"github.com/psantana5/devicectl/internal/store"
	"github.com/psantana5/devicectl/internal/tracing"
	"github.com/psantana5/devicectl/internal/transport"
	"github.com/psantana5/devicectl/pkg/models"
)

// Config holds everything a Handle is built from
type Config struct {
	Serial       string
	Transport    transport.Transport
	Options      Options
	InitialState models.ConnectivityState

	// Optional; zero values fall back to the wall clock, a discarding logger,
	// no metrics, the global tracer and no event persistence.
	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Recorder
	Tracer  trace.Tracer
	Events  EventSink
}

// Handle is the control surface for one device. Foreground operations on a
// handle are expected to be issued one at a time; log capture runs alongside them.
type Handle struct {
	env      *env
	tracker  *StateTracker
	monitor  *StateMonitor
	recovery *RecoveryController
	exec     *Executor
	boot     *BootOrchestrator
	info     *DeviceInfo
	packages *PackageManager
	wifi     *WifiManager
	files    *FileTransfer
	users    *UserManager
	logs     *LogCapture
}

// NewHandle wires the per-device components together
func NewHandle(cfg Config) (*Handle, error) {
	if cfg.Serial == "" {
		return nil, fmt.Errorf("device serial is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options for %s: %w", cfg.Serial, err)
	}
	opts := cfg.Options.withDefaults()

	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Default()
	}

	tracker := NewStateTracker(cfg.Serial, cfg.InitialState, opts.RecoveryMode)
	e := &env{
		serial:    cfg.Serial,
		transport: cfg.Transport,
		tracker:   tracker,
		opts:      opts,
		clock:     clk,
		logger:    logger.WithField("serial", cfg.Serial),
		metrics:   cfg.Metrics,
		tracer:    tracer,
		events:    cfg.Events,
	}

	h := &Handle{env: e, tracker: tracker}
	h.monitor = newStateMonitor(e)
	h.recovery = newRecoveryController(e, h.monitor)
	h.exec = newExecutor(e, h.recovery)
	h.info = newDeviceInfo(e, h.exec, func(ctx context.Context) error {
		return h.boot.AwaitOnline(ctx, "unlock", e.opts.OnlineTimeout)
	})
	h.packages = newPackageManager(e, h.exec, h.info)
	h.boot = newBootOrchestrator(e, h.exec, h.monitor, h.packages.Capabilities)
	h.wifi = newWifiManager(e, h.exec)
	h.files = newFileTransfer(e, h.exec)
	h.users = newUserManager(e, h.exec)
	h.logs = newLogCapture(e)

	h.boot.AddPostBootHook("wifi", h.wifi.Reapply)
	h.boot.OnWipe(func(string) {
		h.logs.Discard()
		h.packages.InvalidateCapabilities()
	})
	tracker.AddListener(h.stateChanged)
	e.metrics.DeviceState(cfg.Serial, tracker.State())

	return h, nil
}

func (h *Handle) stateChanged(serial string, from, to models.ConnectivityState) {
	h.env.metrics.DeviceState(serial, to)
	if to == models.StateNotAvailable || to == models.StateOffline {
		h.users.invalidate()
	}
	h.env.logger.Debug("Device state changed", map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	h.env.record(context.Background(), store.Event{
		Type:    store.EventStateChange,
		From:    string(from),
		To:      string(to),
		Success: true,
	})
}

// Release stops background work and drops the device's metrics
func (h *Handle) Release() {
	h.logs.Stop()
	h.env.metrics.ForgetDevice(h.env.serial)
}

func (h *Handle) Serial() string                      { return h.env.serial }
func (h *Handle) State() models.ConnectivityState     { return h.tracker.State() }
func (h *Handle) Descriptor() models.DeviceDescriptor { return h.tracker.Descriptor() }
func (h *Handle) Options() Options                    { return h.env.opts }

func (h *Handle) Tracker() *StateTracker        { return h.tracker }
func (h *Handle) Monitor() *StateMonitor        { return h.monitor }
func (h *Handle) Recovery() *RecoveryController { return h.recovery }
func (h *Handle) Executor() *Executor           { return h.exec }
func (h *Handle) Boot() *BootOrchestrator       { return h.boot }
func (h *Handle) Info() *DeviceInfo             { return h.info }
func (h *Handle) Packages() *PackageManager     { return h.packages }
func (h *Handle) Wifi() *WifiManager            { return h.wifi }
func (h *Handle) Files() *FileTransfer          { return h.files }
func (h *Handle) Users() *UserManager           { return h.users }
func (h *Handle) Logs() *LogCapture             { return h.logs }

// SetRecoveryMode changes how the handle reacts to transport faults
func (h *Handle) SetRecoveryMode(mode models.RecoveryMode) models.RecoveryMode {
	return h.tracker.SetRecoveryMode(mode)
}

// Shell runs a shell command with retry and recovery
func (h *Handle) Shell(ctx context.Context, command string) (models.CommandResult, error) {
	return h.exec.Shell(ctx, command)
}

// Capabilities returns the optional operations the device supports
func (h *Handle) Capabilities(ctx context.Context) (Capabilities, error) {
	return h.packages.Capabilities(ctx)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// WaitForDeviceOnline waits until the device enumerates ONLINE; 0 uses online_timeout
func (h *Handle) WaitForDeviceOnline(ctx context.Context, timeout time.Duration) error {
	return h.boot.AwaitOnline(ctx, "wait for online", orDefault(timeout, h.env.opts.OnlineTimeout))
}

// WaitForDeviceAvailable waits until the device is fully usable; 0 uses available_timeout
func (h *Handle) WaitForDeviceAvailable(ctx context.Context, timeout time.Duration) error {
	return h.boot.AwaitAvailable(ctx, "wait for available", orDefault(timeout, h.env.opts.AvailableTimeout))
}

// WaitForDeviceNotAvailable waits until the device leaves enumeration
func (h *Handle) WaitForDeviceNotAvailable(ctx context.Context, timeout time.Duration) bool {
	return h.monitor.WaitForNotAvailable(ctx, orDefault(timeout, h.env.opts.UnavailableTimeout))
}

// WaitForBootComplete waits until the boot-completed property is set
func (h *Handle) WaitForBootComplete(ctx context.Context, timeout time.Duration) bool {
	return h.monitor.WaitForBootComplete(ctx, orDefault(timeout, h.env.opts.AvailableTimeout))
}

// WaitForDeviceShell waits until the shell answers
func (h *Handle) WaitForDeviceShell(ctx context.Context, timeout time.Duration) bool {
	return h.monitor.WaitForShell(ctx, orDefault(timeout, h.env.opts.OnlineTimeout))
}
