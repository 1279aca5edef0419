package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/devicectl/internal/device"
)

var (
	installReinstall bool
	installMulti     bool
)

var installCmd = &cobra.Command{
	Use:   "install <apk>...",
	Short: "Install packages on the device",
	Long: `Install one package, or the splits of one package when several files are given.
With --multi-package every file is a separate package installed atomically.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <package>",
	Short: "Remove a package from the device",
	Args:  cobra.ExactArgs(1),
	RunE:  runUninstall,
}

var packagesCmd = &cobra.Command{
	Use:   "packages",
	Short: "List installed packages",
	Args:  cobra.NoArgs,
	RunE:  runPackages,
}

func init() {
	rootCmd.AddCommand(installCmd, uninstallCmd, packagesCmd)

	installCmd.Flags().BoolVarP(&installReinstall, "reinstall", "r", false, "replace an existing installation")
	installCmd.Flags().BoolVar(&installMulti, "multi-package", false, "install every file as its own package in one session")
}

func runInstall(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		var (
			msg string
			err error
		)
		switch {
		case installMulti:
			msg, err = h.Packages().InstallMultiPackage(ctx, args, installReinstall)
		case len(args) > 1:
			msg, err = h.Packages().InstallMultiple(ctx, args, installReinstall)
		default:
			msg, err = h.Packages().Install(ctx, args[0], installReinstall)
		}
		if err != nil {
			return err
		}
		if msg != "" {
			return fmt.Errorf("install failed: %s", msg)
		}
		fmt.Println("Success")
		return nil
	})
}

func runUninstall(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		msg, err := h.Packages().Uninstall(ctx, args[0])
		if err != nil {
			return err
		}
		if msg != "" {
			return fmt.Errorf("uninstall failed: %s", msg)
		}
		fmt.Println("Success")
		return nil
	})
}

func runPackages(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		pkgs, err := h.Packages().InstalledPackages(ctx)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(pkgs)
		}
		for _, p := range pkgs {
			fmt.Println(p)
		}
		return nil
	})
}
