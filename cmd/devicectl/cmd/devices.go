package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/devicectl/internal/device"
	"github.com/psantana5/devicectl/pkg/models"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached devices",
	Long:  `Enumerate every device visible to adb or fastboot, with its connectivity state.`,
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Show details about a device",
	Long:  `Read build, battery and encryption details from the selected device.`,
	Args:  cobra.NoArgs,
	RunE:  runDescribe,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(describeCmd)
}

type deviceRow struct {
	Serial string                   `json:"serial"`
	State  models.ConnectivityState `json:"state"`
}

func runDevices(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	logger := newLogger()
	entries, err := newTransport(logger).Devices(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}

	rows := make([]deviceRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, deviceRow{Serial: e.Serial, State: e.State})
	}
	if IsJSONOutput() {
		return printJSON(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No devices attached")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Serial", "State")
	for _, r := range rows {
		table.Append([]string{r.Serial, string(r.State)})
	}
	table.Render()
	return nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	return withDevice(cmd, func(ctx context.Context, h *device.Handle) error {
		desc, err := h.Info().RefreshDescriptor(ctx)
		if err != nil {
			return err
		}
		caps, err := h.Capabilities(ctx)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(struct {
				models.DeviceDescriptor
				Capabilities device.Capabilities `json:"capabilities"`
			}{desc, caps})
		}

		battery := "unknown"
		if desc.BatteryLevel != models.BatteryUnknown {
			battery = strconv.Itoa(desc.BatteryLevel) + "%"
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Property", "Value")
		table.Append([]string{"Serial", desc.Serial})
		table.Append([]string{"State", string(desc.State)})
		table.Append([]string{"Product", desc.ProductType})
		if desc.ProductVariant != "" {
			table.Append([]string{"Variant", desc.ProductVariant})
		}
		table.Append([]string{"API Level", strconv.Itoa(desc.APILevel)})
		table.Append([]string{"Build", desc.BuildID + " (" + desc.BuildFlavor + ")"})
		table.Append([]string{"Encryption", desc.EncryptionState})
		table.Append([]string{"Battery", battery})
		table.Append([]string{"Userspace Reboot", yesNo(caps.UserspaceReboot)})
		table.Append([]string{"Fastbootd", yesNo(caps.Fastbootd)})
		table.Render()
		return nil
	})
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
