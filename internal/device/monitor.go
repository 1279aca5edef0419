package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jujuretry "github.com/juju/retry"

	"github.com/psantana5/devicectl/internal/transport"
	"github.com/psantana5/devicectl/pkg/models"
)

// probeTimeout bounds each readiness probe sent while polling
const probeTimeout = 10 * time.Second

var (
	errWaitTimeout = errors.New("timed out waiting for device")
	errNotReady    = errors.New("device not ready")
)

// StateMonitor polls the transport directly until a device reaches a condition.
// Probes bypass the Executor so that waiting never triggers recovery.
type StateMonitor struct {
	env *env
}

func newStateMonitor(e *env) *StateMonitor {
	return &StateMonitor{env: e}
}

// poll calls check until it returns true, timeout elapses or ctx is done.
// With backoff the delay between checks doubles up to ten poll intervals.
func (m *StateMonitor) poll(ctx context.Context, timeout time.Duration, backoff bool, check func(ctx context.Context) bool) error {
	interval := m.env.opts.RecoveryPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		if check(ctx) {
			return nil
		}
		return errWaitTimeout
	}

	args := jujuretry.CallArgs{
		Func: func() error {
			if check(ctx) {
				return nil
			}
			return errNotReady
		},
		Clock:       m.env.clock,
		Delay:       interval,
		MaxDuration: timeout,
		Stop:        ctx.Done(),
	}
	if backoff {
		args.BackoffFunc = jujuretry.DoubleDelay
		args.MaxDelay = 10 * interval
	}

	err := jujuretry.Call(args)
	switch {
	case err == nil:
		return nil
	case jujuretry.IsRetryStopped(err) || ctx.Err() != nil:
		return fmt.Errorf("wait cancelled: %w", context.Cause(ctx))
	case jujuretry.IsDurationExceeded(err), jujuretry.IsAttemptsExceeded(err):
		return fmt.Errorf("%w after %s", errWaitTimeout, timeout)
	default:
		return err
	}
}

// lookup returns the enumeration entry for the device, treating enumeration failure as absence
func (m *StateMonitor) lookup(ctx context.Context) (transport.Entry, bool) {
	entries, err := m.env.transport.Devices(ctx)
	if err != nil {
		m.env.logger.Debug("Enumeration failed", map[string]interface{}{"error": err.Error()})
		return transport.Entry{}, false
	}
	return transport.Find(entries, m.env.serial)
}

// probe runs a shell command straight on the transport with a short bound
func (m *StateMonitor) probe(ctx context.Context, command string) (transport.Output, bool) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := m.env.transport.Exec(pctx, transport.Request{
		Serial:        m.env.serial,
		Kind:          models.KindShell,
		Args:          []string{command},
		OutputTimeout: probeTimeout,
	})
	if err != nil {
		return out, false
	}
	return out, true
}

// Refresh reads the device's enumeration state into the tracker
func (m *StateMonitor) Refresh(ctx context.Context) models.ConnectivityState {
	state := models.StateNotAvailable
	if entry, ok := m.lookup(ctx); ok {
		state = entry.State
	}
	m.env.tracker.SetState(state)
	return state
}

// WaitForState waits until enumeration reports target. It returns whether the
// serial was seen at all, so callers can tell a silent device from a vanished one.
func (m *StateMonitor) WaitForState(ctx context.Context, target models.ConnectivityState, timeout time.Duration, backoff bool) (bool, error) {
	seen := false
	err := m.poll(ctx, timeout, backoff, func(ctx context.Context) bool {
		entry, ok := m.lookup(ctx)
		if ok {
			seen = true
		}
		return ok && entry.State == target
	})
	if err != nil {
		return seen, err
	}
	m.env.tracker.SetState(target)
	return true, nil
}

// WaitForOnline waits until the device enumerates ONLINE
func (m *StateMonitor) WaitForOnline(ctx context.Context, timeout time.Duration) error {
	_, err := m.WaitForState(ctx, models.StateOnline, timeout, false)
	return err
}

// WaitForNotAvailable waits until the device leaves enumeration
func (m *StateMonitor) WaitForNotAvailable(ctx context.Context, timeout time.Duration) bool {
	err := m.poll(ctx, timeout, false, func(ctx context.Context) bool {
		_, ok := m.lookup(ctx)
		return !ok
	})
	if err != nil {
		return false
	}
	m.env.tracker.SetState(models.StateNotAvailable)
	return true
}

// WaitForShell waits until a trivial shell command answers
func (m *StateMonitor) WaitForShell(ctx context.Context, timeout time.Duration) bool {
	return m.poll(ctx, timeout, false, m.shellResponsive) == nil
}

func (m *StateMonitor) shellResponsive(ctx context.Context) bool {
	out, ok := m.probe(ctx, "echo ready")
	return ok && strings.Contains(out.Stdout, "ready")
}

// WaitForBootComplete waits until the boot-completed property is set
func (m *StateMonitor) WaitForBootComplete(ctx context.Context, timeout time.Duration) bool {
	return m.poll(ctx, timeout, false, m.bootComplete) == nil
}

func (m *StateMonitor) bootComplete(ctx context.Context) bool {
	out, ok := m.probe(ctx, "getprop sys.boot_completed")
	return ok && strings.TrimSpace(out.Stdout) == "1"
}

func (m *StateMonitor) packageManagerReady(ctx context.Context) bool {
	out, ok := m.probe(ctx, "pm path android")
	return ok && strings.Contains(out.Stdout, "package:")
}

func (m *StateMonitor) externalStorageReady(ctx context.Context) bool {
	out, ok := m.probe(ctx, `ls -d "${EXTERNAL_STORAGE:-/sdcard}"`)
	return ok && out.ExitCode == 0
}

// WaitForAvailable waits until the device is online, booted, has a running package
// service and mounted external storage. It returns whether the device was seen.
func (m *StateMonitor) WaitForAvailable(ctx context.Context, timeout time.Duration, backoff bool) (bool, error) {
	seen := false
	err := m.poll(ctx, timeout, backoff, func(ctx context.Context) bool {
		entry, ok := m.lookup(ctx)
		if !ok {
			return false
		}
		seen = true
		if entry.State != models.StateOnline {
			return false
		}
		m.env.tracker.SetState(models.StateOnline)
		return m.bootComplete(ctx) && m.packageManagerReady(ctx) && m.externalStorageReady(ctx)
	})
	return seen, err
}

// isWaitTimeout reports whether err came from a wait running out of time
func isWaitTimeout(err error) bool {
	return errors.Is(err, errWaitTimeout)
}
