package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/devicectl/internal/device"
)

var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "Inspect device options",
	Long: `Device options control timeouts, retries and recovery for every handle. They are
read from the file named by the "options" config key, with DEVICECTL_* environment
overrides.`,
}

var optionsExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print a commented example options file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(device.ExampleOptions)
	},
}

var optionsPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective options",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(opts)
		}
		data, err := opts.MarshalYAMLBytes()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(optionsCmd)
	optionsCmd.AddCommand(optionsExampleCmd, optionsPrintCmd)
}
