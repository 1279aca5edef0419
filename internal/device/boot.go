package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/devicectl/internal/store"
	"github.com/psantana5/devicectl/internal/tracing"
	"github.com/psantana5/devicectl/pkg/models"
)

// PostBootHook runs after every successful boot that waited for availability
type PostBootHook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   PostBootHook
}

// BootOrchestrator drives multi-step reboot sequences and the tracker state along them
type BootOrchestrator struct {
	env           *env
	exec          *Executor
	monitor       *StateMonitor
	capabilities  func(ctx context.Context) (Capabilities, error)
	hooks         []namedHook
	wipeListeners []func(partition string)
}

func newBootOrchestrator(e *env, exec *Executor, monitor *StateMonitor, caps func(ctx context.Context) (Capabilities, error)) *BootOrchestrator {
	return &BootOrchestrator{env: e, exec: exec, monitor: monitor, capabilities: caps}
}

// AddPostBootHook registers fn to run at the end of post-boot setup
func (b *BootOrchestrator) AddPostBootHook(name string, fn PostBootHook) {
	b.hooks = append(b.hooks, namedHook{name: name, fn: fn})
}

// OnWipe registers fn to run after a partition was wiped
func (b *BootOrchestrator) OnWipe(fn func(partition string)) {
	b.wipeListeners = append(b.wipeListeners, fn)
}

// Reboot power cycles the device and blocks until it is available and set up
func (b *BootOrchestrator) Reboot(ctx context.Context, reason string) error {
	return b.reboot(ctx, models.RebootFull, reason, true)
}

// RebootUntilOnline power cycles the device and returns as soon as it enumerates online
func (b *BootOrchestrator) RebootUntilOnline(ctx context.Context, reason string) error {
	return b.reboot(ctx, models.RebootFull, reason, false)
}

// RebootUserspace restarts only the service layer and blocks until the device is available
func (b *BootOrchestrator) RebootUserspace(ctx context.Context) error {
	return b.reboot(ctx, models.RebootUserspace, "", true)
}

// RebootUserspaceUntilOnline restarts only the service layer and waits for ONLINE
func (b *BootOrchestrator) RebootUserspaceUntilOnline(ctx context.Context) error {
	return b.reboot(ctx, models.RebootUserspace, "", false)
}

// RebootIntoBootloader reboots into the bootloader flashing mode
func (b *BootOrchestrator) RebootIntoBootloader(ctx context.Context) error {
	return b.enterMode(ctx, models.RebootBootloader, false)
}

// RebootIntoFastbootd reboots into userspace flashing mode
func (b *BootOrchestrator) RebootIntoFastbootd(ctx context.Context) error {
	return b.enterMode(ctx, models.RebootFastbootd, false)
}

// RebootIntoRecovery reboots into the recovery image
func (b *BootOrchestrator) RebootIntoRecovery(ctx context.Context) error {
	return b.enterMode(ctx, models.RebootRecovery, false)
}

// RebootIntoSideload reboots into sideload mode. With autoReboot the device
// returns to ONLINE by itself once the sideload input ends.
func (b *BootOrchestrator) RebootIntoSideload(ctx context.Context, autoReboot bool) error {
	if b.skip(models.RebootSideload) {
		return nil
	}
	// the flashing protocol cannot enter sideload directly
	if b.env.tracker.State().InFlashingMode() {
		if err := b.enterMode(ctx, models.RebootRecovery, false); err != nil {
			return err
		}
	}
	return b.enterMode(ctx, models.RebootSideload, autoReboot)
}

// RebootInto runs the blocking transition for kind. Full and userspace reboots
// wait for availability; sideload does not reboot automatically.
func (b *BootOrchestrator) RebootInto(ctx context.Context, kind models.RebootKind, reason string) error {
	switch kind {
	case models.RebootFull:
		return b.Reboot(ctx, reason)
	case models.RebootUserspace:
		return b.RebootUserspace(ctx)
	case models.RebootBootloader:
		return b.RebootIntoBootloader(ctx)
	case models.RebootFastbootd:
		return b.RebootIntoFastbootd(ctx)
	case models.RebootRecovery:
		return b.RebootIntoRecovery(ctx)
	case models.RebootSideload:
		return b.RebootIntoSideload(ctx, false)
	default:
		return fmt.Errorf("unknown reboot kind: %q", kind)
	}
}

// NonBlockingReboot triggers a full reboot and returns without waiting
func (b *BootOrchestrator) NonBlockingReboot(ctx context.Context) error {
	if b.skip(models.RebootFull) {
		return nil
	}
	from := b.env.tracker.State()
	if err := models.ValidateBootTransition(from, models.RebootFull); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err := b.trigger(ctx, models.RebootFull, from, "", false); err != nil {
		return err
	}
	b.env.tracker.SetState(models.StateOffline)
	return nil
}

// skip reports (and logs) whether reboots are disabled for this handle
func (b *BootOrchestrator) skip(kind models.RebootKind) bool {
	if !b.env.opts.DisableReboot {
		return false
	}
	b.env.logger.Warn("Reboot disabled by options; skipping transition and post-boot setup", map[string]interface{}{
		"kind":  string(kind),
		"state": string(b.env.tracker.State()),
	})
	b.env.metrics.RebootSkipped(kind)
	return true
}

func (b *BootOrchestrator) reboot(ctx context.Context, kind models.RebootKind, reason string, waitAvailable bool) (err error) {
	if b.skip(kind) {
		return nil
	}
	from := b.env.tracker.State()
	if err := models.ValidateBootTransition(from, kind); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if kind == models.RebootUserspace {
		caps, err := b.capabilities(ctx)
		if err != nil {
			return err
		}
		if !caps.UserspaceReboot {
			return fmt.Errorf("userspace reboot: %w", ErrUnsupported)
		}
	}

	ctx, span := tracing.StartDeviceSpan(ctx, b.env.tracer, "reboot", b.env.serial,
		attribute.String("reboot.kind", string(kind)),
		attribute.String("reboot.reason", reason))
	start := b.env.clock.Now()
	defer func() { b.finish(ctx, kind, from, start, err); tracing.End(span, err) }()

	b.env.logger.Info("Rebooting device", map[string]interface{}{
		"kind":   string(kind),
		"reason": reason,
		"from":   string(from),
	})

	if err := b.trigger(ctx, kind, from, reason, false); err != nil {
		return err
	}
	b.env.tracker.SetState(models.StateOffline)
	tracing.AddEvent(ctx, "reboot.triggered")

	// the device may come back before we notice it leaving
	b.monitor.WaitForNotAvailable(ctx, b.env.opts.UnavailableTimeout)
	if ctx.Err() != nil {
		return fmt.Errorf("reboot cancelled: %w", ctx.Err())
	}

	if _, err := b.monitor.WaitForState(ctx, models.StateOnline, b.env.opts.RebootTimeout, false); err != nil {
		return b.notAvailable(ctx, kind, models.StateOnline, err)
	}
	tracing.AddEvent(ctx, "device.online")
	if !waitAvailable {
		return nil
	}
	if _, err := b.monitor.WaitForAvailable(ctx, b.env.opts.AvailableTimeout, false); err != nil {
		return b.notAvailable(ctx, kind, models.StateOnline, err)
	}
	tracing.AddEvent(ctx, "device.available")
	return b.PostBootSetup(ctx)
}

func (b *BootOrchestrator) enterMode(ctx context.Context, kind models.RebootKind, autoReboot bool) (err error) {
	if b.skip(kind) {
		return nil
	}
	from := b.env.tracker.State()
	if err := models.ValidateBootTransition(from, kind); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	target := kind.TargetState()

	ctx, span := tracing.StartDeviceSpan(ctx, b.env.tracer, "reboot", b.env.serial,
		attribute.String("reboot.kind", string(kind)))
	start := b.env.clock.Now()
	defer func() { b.finish(ctx, kind, from, start, err); tracing.End(span, err) }()

	b.env.logger.Info("Rebooting device into mode", map[string]interface{}{
		"target": string(target),
		"from":   string(from),
	})

	if err := b.trigger(ctx, kind, from, "", autoReboot); err != nil {
		return err
	}
	b.env.tracker.SetState(target)
	tracing.AddEvent(ctx, "reboot.triggered")

	if _, err := b.monitor.WaitForState(ctx, target, b.timeoutFor(kind), false); err != nil {
		return b.notAvailable(ctx, kind, target, err)
	}
	tracing.AddEvent(ctx, "device.in_mode", attribute.String("device.state", string(target)))
	return nil
}

func (b *BootOrchestrator) timeoutFor(kind models.RebootKind) time.Duration {
	switch kind {
	case models.RebootBootloader, models.RebootFastbootd:
		return b.env.opts.FastbootTimeout
	default:
		return b.env.opts.RebootTimeout
	}
}

// trigger issues the command that starts a transition. Losing the connection
// while the device goes down is expected and only logged.
func (b *BootOrchestrator) trigger(ctx context.Context, kind models.RebootKind, from models.ConnectivityState, reason string, autoReboot bool) error {
	req := Request{Attempts: 1, NoRecovery: true}
	if from.InFlashingMode() {
		req.Kind = models.KindBootloader
		req.Args = flashingRebootArgs(kind)
	} else {
		req.Kind = models.KindHost
		req.Args = bridgeRebootArgs(kind, reason, autoReboot)
	}

	res, err := b.exec.Execute(ctx, req)
	if err != nil {
		if ctx.Err() == nil && IsNotAvailable(err) {
			b.env.logger.Warn("Connection lost while triggering reboot", map[string]interface{}{
				"kind":  string(kind),
				"error": err.Error(),
			})
			return nil
		}
		return err
	}
	if !res.Succeeded() {
		b.env.logger.Warn("Reboot command reported failure; waiting for target state anyway", map[string]interface{}{
			"command": res.Command,
			"status":  string(res.Status),
			"stderr":  strings.TrimSpace(res.Stderr),
		})
	}
	return nil
}

func flashingRebootArgs(kind models.RebootKind) []string {
	switch kind {
	case models.RebootBootloader:
		return []string{"reboot-bootloader"}
	case models.RebootFastbootd:
		return []string{"reboot", "fastboot"}
	case models.RebootRecovery:
		return []string{"reboot", "recovery"}
	default:
		return []string{"reboot"}
	}
}

func bridgeRebootArgs(kind models.RebootKind, reason string, autoReboot bool) []string {
	switch kind {
	case models.RebootUserspace:
		return []string{"reboot", "userspace"}
	case models.RebootBootloader:
		return []string{"reboot", "bootloader"}
	case models.RebootFastbootd:
		return []string{"reboot", "fastboot"}
	case models.RebootRecovery:
		return []string{"reboot", "recovery"}
	case models.RebootSideload:
		if autoReboot {
			return []string{"reboot", "sideload-auto-reboot"}
		}
		return []string{"reboot", "sideload"}
	default:
		if reason != "" {
			return []string{"reboot", reason}
		}
		return []string{"reboot"}
	}
}

// AwaitOnline waits until the device enumerates ONLINE. A timeout is a
// DeviceError naming op: disconnected when the device never enumerated at all.
func (b *BootOrchestrator) AwaitOnline(ctx context.Context, op string, timeout time.Duration) error {
	seen, err := b.monitor.WaitForState(ctx, models.StateOnline, timeout, false)
	return b.waitError(ctx, op, models.StateOnline, seen, err)
}

// AwaitAvailable waits until the device is fully usable
func (b *BootOrchestrator) AwaitAvailable(ctx context.Context, op string, timeout time.Duration) error {
	seen, err := b.monitor.WaitForAvailable(ctx, timeout, false)
	return b.waitError(ctx, op, models.StateOnline, seen, err)
}

func (b *BootOrchestrator) waitError(ctx context.Context, op string, target models.ConnectivityState, seen bool, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
	}
	kind := FaultNotAvailable
	if !seen {
		kind = FaultDisconnected
	}
	de := newDeviceError(kind, b.env.serial, op, "timed out", err)
	de.Target = target
	return de
}

// notAvailable builds the error for a transition that never reached target
func (b *BootOrchestrator) notAvailable(ctx context.Context, kind models.RebootKind, target models.ConnectivityState, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s reboot cancelled: %w", kind, ctx.Err())
	}
	b.env.tracker.SetState(models.StateNotAvailable)
	de := newDeviceError(FaultNotAvailable, b.env.serial, string(kind)+" reboot",
		fmt.Sprintf("device did not reach %s", target), err)
	de.Target = target
	return de
}

// finish records telemetry for one transition
func (b *BootOrchestrator) finish(ctx context.Context, kind models.RebootKind, from models.ConnectivityState, start time.Time, err error) {
	elapsed := b.env.clock.Now().Sub(start)
	b.env.metrics.Reboot(kind, err == nil, elapsed)

	ev := store.Event{
		Type:    store.EventReboot,
		From:    string(from),
		To:      string(kind.TargetState()),
		Detail:  string(kind),
		Success: err == nil,
	}
	if err != nil {
		ev.Detail = string(kind) + ": " + err.Error()
		b.env.logger.Error("Boot transition failed", map[string]interface{}{
			"kind":    string(kind),
			"elapsed": elapsed.String(),
			"error":   err.Error(),
		})
	} else {
		b.env.logger.Info("Boot transition complete", map[string]interface{}{
			"kind":    string(kind),
			"elapsed": elapsed.String(),
		})
	}
	b.env.record(ctx, ev)
}

// PostBootSetup applies root, post-boot commands, keyguard dismissal and the
// registered hooks. Only device errors abort it.
func (b *BootOrchestrator) PostBootSetup(ctx context.Context) error {
	if b.env.opts.EnableRoot {
		if _, err := b.EnableRoot(ctx); err != nil {
			return err
		}
	}

	for _, cmd := range b.env.opts.PostBootCommands {
		res, err := b.exec.Shell(ctx, cmd)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			b.env.logger.Warn("Post-boot command failed", map[string]interface{}{
				"command":   cmd,
				"exit_code": res.ExitCode,
			})
		}
	}

	if b.env.opts.DisableKeyguard {
		if err := dismissKeyguard(ctx, b.exec); err != nil {
			return err
		}
	}

	for _, h := range b.hooks {
		if err := h.fn(ctx); err != nil {
			if IsNotAvailable(err) || ctx.Err() != nil {
				return err
			}
			b.env.logger.Warn("Post-boot hook failed", map[string]interface{}{
				"hook":  h.name,
				"error": err.Error(),
			})
		}
	}
	return nil
}

// dismissKeyguard tries the window manager first and falls back to the menu key
func dismissKeyguard(ctx context.Context, exec *Executor) error {
	res, err := exec.Shell(ctx, "wm dismiss-keyguard")
	if err != nil {
		return err
	}
	if res.Succeeded() {
		return nil
	}
	_, err = exec.Shell(ctx, "input keyevent 82")
	return err
}

// IsRoot reports whether the bridge daemon runs as root
func (b *BootOrchestrator) IsRoot(ctx context.Context) (bool, error) {
	out, err := b.exec.ShellOutput(ctx, "id -u")
	if err != nil {
		return false, err
	}
	return out == "0", nil
}

// EnableRoot restarts the bridge daemon as root. It returns false on builds that forbid root.
func (b *BootOrchestrator) EnableRoot(ctx context.Context) (bool, error) {
	return b.switchRoot(ctx, true)
}

// DisableRoot restarts the bridge daemon as the shell user
func (b *BootOrchestrator) DisableRoot(ctx context.Context) (bool, error) {
	return b.switchRoot(ctx, false)
}

func (b *BootOrchestrator) switchRoot(ctx context.Context, root bool) (bool, error) {
	isRoot, err := b.IsRoot(ctx)
	if err != nil {
		return false, err
	}
	if isRoot == root {
		return true, nil
	}

	verb := "unroot"
	if root {
		verb = "root"
	}
	res, err := b.exec.Host(ctx, verb)
	if err != nil {
		return false, err
	}
	out := strings.ToLower(res.Output() + res.Stderr)
	if strings.Contains(out, "cannot run as root") {
		b.env.logger.Warn("Root toggle refused by device", map[string]interface{}{"output": out})
		return false, nil
	}

	// the daemon restarts and drops the connection
	if err := b.monitor.WaitForOnline(ctx, b.env.opts.OnlineTimeout); err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("%s cancelled: %w", verb, ctx.Err())
		}
		de := newDeviceError(FaultNotAvailable, b.env.serial, verb, "bridge daemon did not come back", err)
		de.Target = models.StateOnline
		return false, de
	}

	isRoot, err = b.IsRoot(ctx)
	if err != nil {
		return false, err
	}
	return isRoot == root, nil
}

// WipePartition erases or formats a partition from the bootloader.
// Wiping userdata notifies wipe listeners, which drop state tied to the old data.
func (b *BootOrchestrator) WipePartition(ctx context.Context, partition string) error {
	state := b.env.tracker.State()
	if !state.InFlashingMode() {
		return fmt.Errorf("%w: wiping %s requires flashing mode, device is %s", ErrInvalidTransition, partition, state)
	}

	verb := "format"
	if b.env.opts.UseFastbootErase {
		verb = "erase"
	}
	res, err := b.exec.Bootloader(ctx, verb, partition)
	if err != nil {
		return err
	}
	success := res.Succeeded()
	b.env.record(ctx, store.Event{Type: store.EventWipe, Detail: verb + " " + partition, Success: success})
	if !success {
		return fmt.Errorf("fastboot %s %s: %s (%s)", verb, partition, res.Status, strings.TrimSpace(res.Stderr))
	}

	b.env.logger.Info("Partition wiped", map[string]interface{}{"partition": partition, "method": verb})
	if partition == "userdata" {
		for _, fn := range b.wipeListeners {
			fn(partition)
		}
	}
	return nil
}
