package device

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/devicectl/internal/store"
	"github.com/psantana5/devicectl/internal/tracing"
	"github.com/psantana5/devicectl/pkg/models"
)

// RecoveryController restores a device after the Executor gives up on it,
// according to the tracker's recovery mode.
type RecoveryController struct {
	env     *env
	monitor *StateMonitor
}

func newRecoveryController(e *env, monitor *StateMonitor) *RecoveryController {
	return &RecoveryController{env: e, monitor: monitor}
}

// Recover blocks until the device is usable again or returns a *DeviceError.
// In RecoveryNone mode it fails immediately without polling.
func (r *RecoveryController) Recover(ctx context.Context, cause error) error {
	mode := r.env.tracker.RecoveryMode()
	if mode == models.RecoveryNone {
		return newDeviceError(FaultNotAvailable, r.env.serial, "recover", "recovery disabled", cause)
	}

	ctx, span := tracing.StartDeviceSpan(ctx, r.env.tracer, "recover", r.env.serial,
		attribute.String("recovery.mode", string(mode)))
	start := r.env.clock.Now()

	r.env.logger.Warn("Recovery: attempting to recover device", map[string]interface{}{
		"mode":  string(mode),
		"cause": errString(cause),
	})

	err := r.recover(ctx, mode)
	elapsed := r.env.clock.Now().Sub(start)
	r.env.metrics.Recovery(mode, err == nil, elapsed)
	tracing.End(span, err)

	ev := store.Event{Type: store.EventRecovery, To: string(models.StateOnline), Success: err == nil, Detail: string(mode)}
	if err != nil {
		r.env.tracker.SetState(models.StateNotAvailable)
		ev.Detail = err.Error()
		r.env.logger.Error("Recovery: device could not be recovered", map[string]interface{}{
			"mode":    string(mode),
			"elapsed": elapsed.String(),
			"error":   err.Error(),
		})
	} else {
		r.env.logger.Info("Recovery: device recovered", map[string]interface{}{
			"mode":    string(mode),
			"elapsed": elapsed.String(),
		})
	}
	r.env.record(ctx, ev)
	return err
}

func (r *RecoveryController) recover(ctx context.Context, mode models.RecoveryMode) error {
	seen, err := r.monitor.WaitForState(ctx, models.StateOnline, r.env.opts.OnlineTimeout, true)
	if err != nil {
		return r.timeout(ctx, seen, err)
	}
	if mode == models.RecoveryOnline {
		return nil
	}

	seen, err = r.monitor.WaitForAvailable(ctx, r.env.opts.AvailableTimeout, true)
	if err != nil {
		return r.timeout(ctx, seen, err)
	}
	return nil
}

// timeout maps a failed wait onto the fault kind the caller sees
func (r *RecoveryController) timeout(ctx context.Context, seen bool, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("recovery cancelled: %w", err)
	}
	kind := FaultUnresponsive
	msg := "device visible but never became ready"
	if !seen {
		kind = FaultDisconnected
		msg = "device never reappeared"
	}
	de := newDeviceError(kind, r.env.serial, "recover", msg, err)
	de.Target = models.StateOnline
	return de
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
