package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/psantana5/devicectl/internal/device"
	"github.com/psantana5/devicectl/internal/shutdown"
)

var (
	logcatDuration time.Duration
	logcatSince    int64
)

var logcatCmd = &cobra.Command{
	Use:   "logcat",
	Short: "Capture the device log for a while and print it",
	Long: `Stream the device log into a bounded buffer for --duration, following the device
across reboots, then print what was captured. The buffer keeps the newest
logcat_max_bytes bytes.`,
	Args: cobra.NoArgs,
	RunE: runLogcat,
}

func init() {
	rootCmd.AddCommand(logcatCmd)

	logcatCmd.Flags().DurationVar(&logcatDuration, "duration", 10*time.Second, "how long to capture")
	logcatCmd.Flags().Int64Var(&logcatSince, "since", 0, "only print lines stamped at or after this device epoch second")
}

func runLogcat(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		logs := h.Logs()
		logs.Start()

		// Ctrl-C ends the capture early and still prints the buffer
		sm := shutdown.New(5*time.Second, nil)
		sm.Register("logcat", func(context.Context) error {
			logs.Stop()
			return nil
		})
		waitCtx, cancel := context.WithTimeout(ctx, logcatDuration)
		defer cancel()
		sm.WaitWithContext(waitCtx)
		logs.Stop()

		var since time.Time
		if logcatSince > 0 {
			since = time.Unix(logcatSince, 0)
		}
		fmt.Print(logs.SnapshotSince(since))
		fmt.Fprintf(os.Stderr, "Captured %s from %s\n", humanize.Bytes(uint64(logs.Size())), h.Serial())
		return nil
	})
}
