package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/devicectl/internal/retry"
	"github.com/psantana5/devicectl/pkg/models"
)

// Options configures one device handle. Each handle owns its own copy.
type Options struct {
	EnableRoot    bool `yaml:"enable_root" mapstructure:"enable_root"`
	DisableReboot bool `yaml:"disable_reboot" mapstructure:"disable_reboot"`

	FastbootTimeout  time.Duration `yaml:"fastboot_timeout" mapstructure:"fastboot_timeout"`
	RebootTimeout    time.Duration `yaml:"reboot_timeout" mapstructure:"reboot_timeout"`
	OnlineTimeout    time.Duration `yaml:"online_timeout" mapstructure:"online_timeout"`
	AvailableTimeout time.Duration `yaml:"available_timeout" mapstructure:"available_timeout"`

	WifiAttempts         int           `yaml:"wifi_attempts" mapstructure:"wifi_attempts"`
	WifiRetryWaitTime    time.Duration `yaml:"wifi_retry_wait_time" mapstructure:"wifi_retry_wait_time"`
	MaxWifiConnectTime   time.Duration `yaml:"max_wifi_connect_time" mapstructure:"max_wifi_connect_time"`
	WifiExponentialRetry bool          `yaml:"wifi_exponential_retry" mapstructure:"wifi_exponential_retry"`

	UseFastbootErase bool     `yaml:"use_fastboot_erase" mapstructure:"use_fastboot_erase"`
	CutoffBattery    *int     `yaml:"cutoff_battery,omitempty" mapstructure:"cutoff_battery"`
	PostBootCommands []string `yaml:"post_boot_commands,omitempty" mapstructure:"post_boot_commands"`

	RecoveryMode         models.RecoveryMode `yaml:"recovery_mode" mapstructure:"recovery_mode"`
	CommandAttempts      int                 `yaml:"command_attempts" mapstructure:"command_attempts"`
	CommandTimeout       time.Duration       `yaml:"command_timeout" mapstructure:"command_timeout"`
	OutputTimeout        time.Duration       `yaml:"output_timeout" mapstructure:"output_timeout"`
	CommandRetryWait     time.Duration       `yaml:"command_retry_wait" mapstructure:"command_retry_wait"`
	RecoveryPollInterval time.Duration       `yaml:"recovery_poll_interval" mapstructure:"recovery_poll_interval"`
	UnavailableTimeout   time.Duration       `yaml:"unavailable_timeout" mapstructure:"unavailable_timeout"`
	LogcatMaxBytes       int                 `yaml:"logcat_max_bytes" mapstructure:"logcat_max_bytes"`
	ConnCheckHost        string              `yaml:"conn_check_host" mapstructure:"conn_check_host"`
	DisableKeyguard      bool                `yaml:"disable_keyguard" mapstructure:"disable_keyguard"`
	MinHostFreeBytes     uint64              `yaml:"min_host_free_bytes" mapstructure:"min_host_free_bytes"`
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		EnableRoot:           true,
		FastbootTimeout:      time.Minute,
		RebootTimeout:        2 * time.Minute,
		OnlineTimeout:        time.Minute,
		AvailableTimeout:     6 * time.Minute,
		WifiAttempts:         5,
		WifiRetryWaitTime:    time.Minute,
		MaxWifiConnectTime:   10 * time.Minute,
		WifiExponentialRetry: true,
		RecoveryMode:         models.RecoveryAvailable,
		CommandAttempts:      3,
		CommandTimeout:       5 * time.Minute,
		OutputTimeout:        2 * time.Minute,
		CommandRetryWait:     500 * time.Millisecond,
		RecoveryPollInterval: time.Second,
		UnavailableTimeout:   20 * time.Second,
		LogcatMaxBytes:       20 * 1024 * 1024,
		ConnCheckHost:        "www.google.com",
		DisableKeyguard:      true,
		MinHostFreeBytes:     100 * 1024 * 1024,
	}
}

// withDefaults fills every zero field from DefaultOptions
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FastbootTimeout <= 0 {
		o.FastbootTimeout = d.FastbootTimeout
	}
	if o.RebootTimeout <= 0 {
		o.RebootTimeout = d.RebootTimeout
	}
	if o.OnlineTimeout <= 0 {
		o.OnlineTimeout = d.OnlineTimeout
	}
	if o.AvailableTimeout <= 0 {
		o.AvailableTimeout = d.AvailableTimeout
	}
	if o.WifiAttempts <= 0 {
		o.WifiAttempts = d.WifiAttempts
	}
	if o.WifiRetryWaitTime < 0 {
		o.WifiRetryWaitTime = 0
	}
	if o.RecoveryMode == "" {
		o.RecoveryMode = d.RecoveryMode
	}
	if o.CommandAttempts <= 0 {
		o.CommandAttempts = d.CommandAttempts
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.OutputTimeout <= 0 {
		o.OutputTimeout = d.OutputTimeout
	}
	if o.RecoveryPollInterval <= 0 {
		o.RecoveryPollInterval = d.RecoveryPollInterval
	}
	if o.UnavailableTimeout <= 0 {
		o.UnavailableTimeout = d.UnavailableTimeout
	}
	if o.LogcatMaxBytes <= 0 {
		o.LogcatMaxBytes = d.LogcatMaxBytes
	}
	if o.ConnCheckHost == "" {
		o.ConnCheckHost = d.ConnCheckHost
	}
	return o
}

// Validate checks option ranges
func (o Options) Validate() error {
	if o.CutoffBattery != nil && (*o.CutoffBattery < 0 || *o.CutoffBattery > 100) {
		return fmt.Errorf("cutoff_battery must be between 0 and 100, got %d", *o.CutoffBattery)
	}
	if o.WifiAttempts < 0 {
		return fmt.Errorf("wifi_attempts must not be negative, got %d", o.WifiAttempts)
	}
	if o.MaxWifiConnectTime < 0 {
		return fmt.Errorf("max_wifi_connect_time must not be negative")
	}
	if o.RecoveryMode != "" {
		if _, err := models.ParseRecoveryMode(string(o.RecoveryMode)); err != nil {
			return err
		}
	}
	return nil
}

// CommandPolicy returns the retry policy for ordinary commands
func (o Options) CommandPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    o.CommandAttempts,
		AttemptTimeout: o.CommandTimeout,
		Backoff:        retry.Exponential(o.CommandRetryWait, 10*o.CommandRetryWait),
	}
}

// WifiBackoff returns the delay function between wifi connect attempts. Exponential
// delays never exceed max_wifi_connect_time.
func (o Options) WifiBackoff() retry.BackoffFunc {
	if o.WifiExponentialRetry {
		return retry.Exponential(o.WifiRetryWaitTime, o.MaxWifiConnectTime)
	}
	return retry.Linear(o.WifiRetryWaitTime)
}

// LoadOptions reads options from a YAML file, applying DEVICECTL_* environment overrides
func LoadOptions(path string) (Options, error) {
	v := viper.New()
	setViperDefaults(v, DefaultOptions())
	v.SetEnvPrefix("devicectl")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("failed to read options file: %w", err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("failed to parse options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts.withDefaults(), nil
}

// setViperDefaults registers every option key so environment overrides apply
func setViperDefaults(v *viper.Viper, d Options) {
	v.SetDefault("enable_root", d.EnableRoot)
	v.SetDefault("disable_reboot", d.DisableReboot)
	v.SetDefault("fastboot_timeout", d.FastbootTimeout)
	v.SetDefault("reboot_timeout", d.RebootTimeout)
	v.SetDefault("online_timeout", d.OnlineTimeout)
	v.SetDefault("available_timeout", d.AvailableTimeout)
	v.SetDefault("wifi_attempts", d.WifiAttempts)
	v.SetDefault("wifi_retry_wait_time", d.WifiRetryWaitTime)
	v.SetDefault("max_wifi_connect_time", d.MaxWifiConnectTime)
	v.SetDefault("wifi_exponential_retry", d.WifiExponentialRetry)
	v.SetDefault("use_fastboot_erase", d.UseFastbootErase)
	v.SetDefault("post_boot_commands", d.PostBootCommands)
	v.SetDefault("recovery_mode", string(d.RecoveryMode))
	v.SetDefault("command_attempts", d.CommandAttempts)
	v.SetDefault("command_timeout", d.CommandTimeout)
	v.SetDefault("output_timeout", d.OutputTimeout)
	v.SetDefault("command_retry_wait", d.CommandRetryWait)
	v.SetDefault("recovery_poll_interval", d.RecoveryPollInterval)
	v.SetDefault("unavailable_timeout", d.UnavailableTimeout)
	v.SetDefault("logcat_max_bytes", d.LogcatMaxBytes)
	v.SetDefault("conn_check_host", d.ConnCheckHost)
	v.SetDefault("disable_keyguard", d.DisableKeyguard)
	v.SetDefault("min_host_free_bytes", d.MinHostFreeBytes)
	// no default: unset means no battery cutoff
	v.BindEnv("cutoff_battery")
}

// ParseOptions decodes options from YAML, starting from the defaults
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to parse options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts.withDefaults(), nil
}

// MarshalYAMLBytes renders the options as YAML
func (o Options) MarshalYAMLBytes() ([]byte, error) {
	return yaml.Marshal(o)
}

// ExampleOptions is a commented options file
const ExampleOptions = `# devicectl device options

# Restart adbd as root after every boot
enable_root: true

# Turn every reboot into a logged no-op
disable_reboot: false

# How long to wait for each boot transition
fastboot_timeout: 1m
reboot_timeout: 2m
online_timeout: 1m
available_timeout: 6m

# Wifi association retries
wifi_attempts: 5
wifi_retry_wait_time: 1m
max_wifi_connect_time: 10m
wifi_exponential_retry: true

# Use "fastboot erase" instead of "fastboot format" when wiping partitions
use_fastboot_erase: false

# Refuse to allocate devices below this battery level (0-100)
# cutoff_battery: 20

# Shell commands run after every boot
post_boot_commands:
  - settings put global stay_on_while_plugged_in 7

# NONE, ONLINE or AVAILABLE
recovery_mode: AVAILABLE
command_attempts: 3
command_timeout: 5m
output_timeout: 2m
logcat_max_bytes: 20971520
`
