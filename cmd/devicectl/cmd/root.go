package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/devicectl/internal/device"
	"github.com/psantana5/devicectl/internal/logging"
	"github.com/psantana5/devicectl/internal/manager"
	"github.com/psantana5/devicectl/internal/metrics"
	"github.com/psantana5/devicectl/internal/transport"
)

var (
	cfgFile      string
	outputFormat string
	serial       string
	logLevel     string
	metricsDump  bool
	timeout      time.Duration

	// cliLogger is shared by every component of one invocation
	cliLogger *logging.Logger

	// recorder collects metrics for the whole invocation; --metrics-dump prints it on exit
	recorder = metrics.NewRecorder()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "devicectl",
	Short: "Control and recover attached test devices",
	Long: `devicectl drives devices attached over adb and fastboot: it reboots them into any
boot mode, runs commands with automatic recovery, manages wifi, users, packages and
files, captures the device log, and can serve all of it over HTTP.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if metricsDump {
			if err := dumpMetrics(os.Stderr); err != nil {
				fmt.Fprintf(os.Stderr, "Error dumping metrics: %v\n", err)
			}
		}
		closeLogger()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.devicectl/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&serial, "serial", "s", "", "device serial (default from config or ANDROID_SERIAL)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default warn)")
	rootCmd.PersistentFlags().BoolVar(&metricsDump, "metrics-dump", false, "print collected metrics to stderr on exit")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "overall deadline for the command")
	rootCmd.PersistentFlags().String("log-dir", "", "also write logs to <dir>/devicectl.log")
	viper.BindPFlag("log_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".devicectl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("devicectl")
	viper.AutomaticEnv()
	viper.BindEnv("serial", "ANDROID_SERIAL")

	viper.SetDefault("adb", "adb")
	viper.SetDefault("fastboot", "fastboot")
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("poll_interval", 5*time.Second)
	viper.SetDefault("log_max_bytes", int64(10<<20))

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}

	if serial == "" {
		serial = viper.GetString("serial")
	}
	if logLevel == "" {
		logLevel = viper.GetString("log_level")
	}
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger returns the invocation's logger. With log_dir set it also appends
// to <log_dir>/devicectl.log, rotated once it passes log_max_bytes.
func newLogger() *logging.Logger {
	if cliLogger != nil {
		return cliLogger
	}
	level := logging.ParseLevel(logLevel)
	if dir := viper.GetString("log_dir"); dir != "" {
		logger, err := logging.NewFileLogger(dir, "devicectl", level, false, os.Stderr)
		if err == nil {
			if err := logger.RotateIfNeeded(viper.GetInt64("log_max_bytes")); err != nil {
				logger.Warn("Log rotation failed", map[string]interface{}{"error": err.Error()})
			}
			cliLogger = logger
			return cliLogger
		}
		fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
	}
	cliLogger = logging.NewLogger(level, false)
	cliLogger.SetOutput(os.Stderr)
	return cliLogger
}

func closeLogger() {
	if cliLogger == nil {
		return
	}
	if err := cliLogger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing log file: %v\n", err)
	}
	cliLogger = nil
}

// loadOptions reads the device options file named by the "options" config key
func loadOptions() (device.Options, error) {
	return device.LoadOptions(viper.GetString("options"))
}

func newTransport(logger *logging.Logger) transport.Transport {
	return transport.NewExecTransport(viper.GetString("adb"), viper.GetString("fastboot"), logger)
}

func newManager(logger *logging.Logger) (*manager.Manager, error) {
	opts, err := loadOptions()
	if err != nil {
		return nil, err
	}
	return manager.New(manager.Config{
		Transport:    newTransport(logger),
		Options:      opts,
		PollInterval: viper.GetDuration("poll_interval"),
		Logger:       logger,
		Metrics:      recorder,
	}), nil
}

// withDevice allocates the selected device, runs fn and releases the device
func withDevice(cmd *cobra.Command, fn func(ctx context.Context, h *device.Handle) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	logger := newLogger()
	m, err := newManager(logger)
	if err != nil {
		return err
	}

	target := serial
	if target == "" {
		entries, err := m.Devices(ctx)
		if err != nil {
			return err
		}
		switch len(entries) {
		case 0:
			return fmt.Errorf("no devices attached")
		case 1:
			target = entries[0].Serial
		default:
			return fmt.Errorf("%d devices attached; select one with --serial", len(entries))
		}
	}

	if _, err := m.Allocate(ctx, target); err != nil {
		return err
	}
	defer m.ReleaseAll(context.WithoutCancel(ctx))
	return m.With(ctx, target, func(h *device.Handle) error {
		return fn(ctx, h)
	})
}

func dumpMetrics(w io.Writer) error {
	families, err := recorder.Registry().Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
