package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/devicectl/internal/device"
)

var (
	wifiPSK    string
	wifiHidden bool
	wifiForce  bool
)

var wifiCmd = &cobra.Command{
	Use:   "wifi",
	Short: "Manage the device's wifi connection",
}

var wifiConnectCmd = &cobra.Command{
	Use:   "connect <ssid>",
	Short: "Connect the device to a network",
	Long: `Connect to a network, retrying with the configured backoff until wifi_attempts
or max_wifi_connect_time runs out. Unless --force is given, nothing is done when
the device is already connected to the network.`,
	Args: cobra.ExactArgs(1),
	RunE: runWifiConnect,
}

var wifiDisconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Forget every configured network",
	Args:  cobra.NoArgs,
	RunE:  runWifiDisconnect,
}

var wifiStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether wifi is enabled and the device has connectivity",
	Args:  cobra.NoArgs,
	RunE:  runWifiStatus,
}

func init() {
	rootCmd.AddCommand(wifiCmd)
	wifiCmd.AddCommand(wifiConnectCmd)
	wifiCmd.AddCommand(wifiDisconnectCmd)
	wifiCmd.AddCommand(wifiStatusCmd)

	wifiConnectCmd.Flags().StringVar(&wifiPSK, "psk", "", "network passphrase (open network when empty)")
	wifiConnectCmd.Flags().BoolVar(&wifiHidden, "hidden", false, "the network does not broadcast its SSID")
	wifiConnectCmd.Flags().BoolVar(&wifiForce, "force", false, "reconnect even when already connected")
}

func runWifiConnect(cmd *cobra.Command, args []string) error {
	ssid := args[0]
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		connect := h.Wifi().ConnectIfNeeded
		if wifiForce {
			connect = h.Wifi().Connect
		}
		ok, err := connect(ctx, ssid, wifiPSK, wifiHidden)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("failed to connect %s to %q", h.Serial(), ssid)
		}
		fmt.Printf("%s connected to %q\n", h.Serial(), ssid)
		return nil
	})
}

func runWifiDisconnect(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		ok, err := h.Wifi().Disconnect(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("failed to disconnect %s", h.Serial())
		}
		fmt.Printf("%s disconnected\n", h.Serial())
		return nil
	})
}

func runWifiStatus(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		enabled, err := h.Wifi().IsEnabled(ctx)
		if err != nil {
			return err
		}
		connected := false
		if enabled {
			if connected, err = h.Wifi().CheckConnectivity(ctx); err != nil {
				return err
			}
		}
		if IsJSONOutput() {
			return printJSON(map[string]bool{"enabled": enabled, "connected": connected})
		}
		fmt.Printf("Wifi enabled: %s\nConnectivity: %s\n", yesNo(enabled), yesNo(connected))
		return nil
	})
}
