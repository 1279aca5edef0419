package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/devicectl/internal/device"
	"github.com/psantana5/devicectl/pkg/models"
)

var (
	rebootMode     string
	rebootReason   string
	rebootNoWait   bool
	shellNoRecover bool
)

var shellCmd = &cobra.Command{
	Use:   "shell <command>...",
	Short: "Run a shell command on the device",
	Long: `Run a command in the device shell. Transport faults are retried and the device
is recovered according to the configured recovery mode. The command's exit code
becomes devicectl's exit code.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runShell,
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the device into a boot mode",
	Long: `Reboot the device and wait for it to reach the target mode. Modes: full (default),
userspace, bootloader, fastbootd, recovery, sideload.`,
	Args: cobra.NoArgs,
	RunE: runReboot,
}

var wipeCmd = &cobra.Command{
	Use:   "wipe <partition>",
	Short: "Wipe a partition from the bootloader",
	Long:  `Erase or format a partition. The device must already be in a flashing mode.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWipe,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Decrypt the device's data partition",
	Args:  cobra.NoArgs,
	RunE:  runUnlock,
}

func init() {
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(wipeCmd)
	rootCmd.AddCommand(unlockCmd)

	shellCmd.Flags().BoolVar(&shellNoRecover, "no-recover", false, "fail on the first transport fault instead of recovering")
	rebootCmd.Flags().StringVar(&rebootMode, "mode", "full", "boot mode to reboot into")
	rebootCmd.Flags().StringVar(&rebootReason, "reason", "", "reboot reason passed to the device (full reboots only)")
	rebootCmd.Flags().BoolVar(&rebootNoWait, "no-wait", false, "trigger a full reboot and return immediately")
}

func runShell(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		if shellNoRecover {
			h.SetRecoveryMode(models.RecoveryNone)
		}
		res, err := h.Shell(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(res)
		}
		fmt.Print(res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		switch res.Status {
		case models.StatusCompleted:
			return nil
		case models.StatusTimedOut:
			return fmt.Errorf("command timed out after %s", res.Duration.Round(time.Millisecond))
		default:
			return fmt.Errorf("command failed with exit code %d", res.ExitCode)
		}
	})
}

func runReboot(cmd *cobra.Command, args []string) error {
	kind, err := models.ParseRebootKind(rebootMode)
	if err != nil {
		return err
	}
	if rebootNoWait && kind != models.RebootFull {
		return fmt.Errorf("--no-wait only applies to full reboots")
	}

	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		start := time.Now()
		if rebootNoWait {
			if err := h.Boot().NonBlockingReboot(ctx); err != nil {
				return err
			}
			fmt.Printf("Reboot of %s triggered\n", h.Serial())
			return nil
		}
		if err := h.Boot().RebootInto(ctx, kind, rebootReason); err != nil {
			return err
		}
		fmt.Printf("%s is %s after %s\n", h.Serial(), h.State(), time.Since(start).Round(time.Second))
		return nil
	})
}

func runWipe(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		if err := h.Boot().WipePartition(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Wiped %s on %s\n", args[0], h.Serial())
		return nil
	})
}

func runUnlock(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		ok, err := h.Info().UnlockDevice(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("failed to unlock %s", h.Serial())
		}
		fmt.Printf("%s unlocked\n", h.Serial())
		return nil
	})
}
