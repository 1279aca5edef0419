package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/devicectl/internal/retry"
	"github.com/psantana5/devicectl/internal/transport"
	"github.com/psantana5/devicectl/pkg/models"
)

// Recoverer brings a device back after a transport fault
type Recoverer interface {
	Recover(ctx context.Context, cause error) error
}

// Request describes one command for the Executor
type Request struct {
	Kind          models.CommandKind
	Args          []string
	OutputTimeout time.Duration // silence window, 0 uses Options.OutputTimeout
	Timeout       time.Duration // per-attempt bound, 0 uses Options.CommandTimeout
	Attempts      int           // 0 uses Options.CommandAttempts
	NoRecovery    bool          // fail on the first fault without invoking recovery
}

// Executor runs commands with timeout, retry and recovery hand-off
type Executor struct {
	env      *env
	recovery Recoverer
}

func newExecutor(e *env, recovery Recoverer) *Executor {
	return &Executor{env: e, recovery: recovery}
}

func (x *Executor) policyFor(req Request) retry.Policy {
	p := x.env.opts.CommandPolicy()
	if req.Attempts > 0 {
		p.MaxAttempts = req.Attempts
	}
	if req.Timeout > 0 {
		p.AttemptTimeout = req.Timeout
	}
	// flashing commands are not assumed idempotent
	if req.Kind == models.KindBootloader {
		p.MaxAttempts = 1
	}
	return p
}

// Execute runs req. A non-zero exit status is reported in the result, not as an error.
// Errors are *DeviceError when the device could not be used, or a context error.
func (x *Executor) Execute(ctx context.Context, req Request) (models.CommandResult, error) {
	start := x.env.clock.Now()
	policy := x.policyFor(req)

	outputTimeout := req.OutputTimeout
	if outputTimeout <= 0 {
		outputTimeout = x.env.opts.OutputTimeout
	}
	treq := transport.Request{
		Serial:        x.env.serial,
		Kind:          req.Kind,
		Args:          req.Args,
		OutputTimeout: outputTimeout,
	}

	result := models.CommandResult{Kind: req.Kind, Command: treq.Command()}
	var out transport.Output
	var lastFault transport.FaultClass

	err := retry.Do(ctx, x.env.clock, policy, func(actx context.Context, attempt int) error {
		result.Attempts = attempt
		x.env.metrics.CommandAttempt(req.Kind)

		o, err := x.env.transport.Exec(actx, treq)
		if err == nil {
			out = o
			return nil
		}
		if ctx.Err() != nil {
			return retry.Stop(ctx.Err())
		}

		class := transport.ClassifyFault(err)
		lastFault = class
		if class == transport.FaultNone {
			return retry.Stop(err)
		}
		x.env.metrics.Fault(class.String())
		x.env.logger.Warn("Command fault", map[string]interface{}{
			"command": treq.Command(),
			"kind":    string(req.Kind),
			"attempt": attempt,
			"fault":   class.String(),
			"error":   err.Error(),
		})

		if req.Kind == models.KindBootloader || req.NoRecovery || x.env.tracker.RecoveryMode() == models.RecoveryNone {
			return retry.Stop(err)
		}
		if class == transport.FaultSilence || attempt == policy.MaxAttempts {
			return err
		}
		if rerr := x.recovery.Recover(ctx, err); rerr != nil {
			return retry.Stop(rerr)
		}
		return err
	})
	result.Duration = x.env.clock.Now().Sub(start)

	if err == nil {
		result.Stdout = out.Stdout
		result.Stderr = out.Stderr
		result.ExitCode = out.ExitCode
		result.Status = models.StatusCompleted
		if out.ExitCode != 0 {
			result.Status = models.StatusFailed
		}
		x.env.metrics.CommandFinished(req.Kind, result.Status, result.Duration)
		return result, nil
	}

	result, err = x.failure(ctx, req, result, lastFault, err)
	x.env.metrics.CommandFinished(req.Kind, result.Status, result.Duration)
	return result, err
}

// failure converts the final retry error into a result status and caller error
func (x *Executor) failure(ctx context.Context, req Request, result models.CommandResult, fault transport.FaultClass, err error) (models.CommandResult, error) {
	result.Status = models.StatusException
	result.Stderr = err.Error()

	if ctx.Err() != nil {
		return result, fmt.Errorf("command %q cancelled: %w", result.Command, ctx.Err())
	}
	if _, ok := AsDeviceError(err); ok {
		return result, err
	}

	last := err
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		last = exhausted.Last
	}

	op := string(req.Kind)
	switch fault {
	case transport.FaultNone:
		return result, fmt.Errorf("failed to run %q: %w", result.Command, err)
	case transport.FaultSilence:
		result.Status = models.StatusTimedOut
		if req.Kind == models.KindBootloader {
			return result, nil
		}
		return result, newDeviceError(FaultUnresponsive, x.env.serial, op,
			fmt.Sprintf("%q timed out after %d attempt(s)", result.Command, result.Attempts), last)
	case transport.FaultGone:
		return result, newDeviceError(FaultDisconnected, x.env.serial, op,
			fmt.Sprintf("device vanished while running %q", result.Command), last)
	default:
		return result, newDeviceError(FaultNotAvailable, x.env.serial, op,
			fmt.Sprintf("device unreachable after %d attempt(s) of %q", result.Attempts, result.Command), last)
	}
}

// Shell runs a shell command
func (x *Executor) Shell(ctx context.Context, command string) (models.CommandResult, error) {
	return x.Execute(ctx, Request{Kind: models.KindShell, Args: []string{command}})
}

// ShellOutput runs a shell command and returns its trimmed stdout whatever the exit status
func (x *Executor) ShellOutput(ctx context.Context, command string) (string, error) {
	res, err := x.Shell(ctx, command)
	if err != nil {
		return "", err
	}
	return res.Output(), nil
}

// Bootloader runs a flashing protocol command once
func (x *Executor) Bootloader(ctx context.Context, args ...string) (models.CommandResult, error) {
	return x.Execute(ctx, Request{Kind: models.KindBootloader, Args: args, OutputTimeout: x.env.opts.FastbootTimeout})
}

// Host runs a host-side bridge command (reboot, root, push, pull)
func (x *Executor) Host(ctx context.Context, args ...string) (models.CommandResult, error) {
	return x.Execute(ctx, Request{Kind: models.KindHost, Args: args})
}

// Install runs a package install protocol command
func (x *Executor) Install(ctx context.Context, args ...string) (models.CommandResult, error) {
	return x.Execute(ctx, Request{Kind: models.KindInstall, Args: args})
}
