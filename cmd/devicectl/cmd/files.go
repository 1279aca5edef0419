package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/devicectl/internal/device"
)

var pushExclude []string

var pushCmd = &cobra.Command{
	Use:   "push <local> <remote>",
	Short: "Copy a file or directory to the device",
	Args:  cobra.ExactArgs(2),
	RunE:  runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull <remote> <local>",
	Short: "Copy a file or directory from the device",
	Args:  cobra.ExactArgs(2),
	RunE:  runPull,
}

var syncCmd = &cobra.Command{
	Use:   "sync <local-dir> <remote-dir>",
	Short: "Push only files that are newer than, or missing from, the device copy",
	Args:  cobra.ExactArgs(2),
	RunE:  runSync,
}

var rmCmd = &cobra.Command{
	Use:   "rm <remote>",
	Short: "Delete a path on the device",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(rmCmd)

	pushCmd.Flags().StringSliceVar(&pushExclude, "exclude", nil, "directory names to skip when pushing a directory")
}

func transferResult(ok bool, err error, what string) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s failed", what)
	}
	return nil
}

func runPush(cmd *cobra.Command, args []string) error {
	local, remote := args[0], args[1]
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		var ok bool
		if info.IsDir() {
			ok, err = h.Files().PushDir(ctx, local, remote, pushExclude)
		} else {
			ok, err = h.Files().PushFile(ctx, local, remote)
		}
		if err := transferResult(ok, err, "push"); err != nil {
			return err
		}
		fmt.Printf("%s -> %s:%s\n", local, h.Serial(), remote)
		return nil
	})
}

func runPull(cmd *cobra.Command, args []string) error {
	remote, local := args[0], args[1]
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		isDir, err := h.Files().IsDirectory(ctx, remote)
		if err != nil {
			return err
		}
		var ok bool
		if isDir {
			ok, err = h.Files().PullDir(ctx, remote, local)
		} else {
			ok, err = h.Files().PullFile(ctx, remote, local)
		}
		if err := transferResult(ok, err, "pull"); err != nil {
			return err
		}
		fmt.Printf("%s:%s -> %s\n", h.Serial(), remote, local)
		return nil
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		ok, err := h.Files().SyncDir(ctx, args[0], args[1])
		return transferResult(ok, err, "sync")
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		ok, err := h.Files().Delete(ctx, args[0])
		return transferResult(ok, err, "delete")
	})
}
