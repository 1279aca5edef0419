package device

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/devicectl/pkg/models"
)

func TestParseOptionsExample(t *testing.T) {
	opts, err := ParseOptions([]byte(ExampleOptions))
	require.NoError(t, err)

	assert.True(t, opts.EnableRoot)
	assert.Equal(t, 2*time.Minute, opts.RebootTimeout)
	assert.Equal(t, 5, opts.WifiAttempts)
	assert.Equal(t, models.RecoveryAvailable, opts.RecoveryMode)
	assert.Equal(t, []string{"settings put global stay_on_while_plugged_in 7"}, opts.PostBootCommands)
	assert.Nil(t, opts.CutoffBattery)
}

func TestParseOptionsFillsDefaults(t *testing.T) {
	opts, err := ParseOptions([]byte("disable_reboot: true\ncommand_attempts: 0\nrecovery_mode: \"\"\n"))
	require.NoError(t, err)

	d := DefaultOptions()
	assert.True(t, opts.DisableReboot)
	assert.Equal(t, d.CommandAttempts, opts.CommandAttempts)
	assert.Equal(t, d.RecoveryMode, opts.RecoveryMode)
}

func TestOptionsValidate(t *testing.T) {
	low, high := 0, 101
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", DefaultOptions(), false},
		{"cutoff at zero", Options{CutoffBattery: &low}, false},
		{"cutoff above 100", Options{CutoffBattery: &high}, true},
		{"negative wifi attempts", Options{WifiAttempts: -1}, true},
		{"negative wifi budget", Options{MaxWifiConnectTime: -time.Second}, true},
		{"bad recovery mode", Options{RecoveryMode: "SOMETIMES"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadOptionsEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reboot_timeout: 3m\nwifi_attempts: 2\n"), 0644))
	t.Setenv("DEVICECTL_WIFI_ATTEMPTS", "7")

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, opts.RebootTimeout)
	assert.Equal(t, 7, opts.WifiAttempts)
	assert.Equal(t, DefaultOptions().AvailableTimeout, opts.AvailableTimeout)
	assert.Nil(t, opts.CutoffBattery)
}

func TestLoadOptionsCutoffBatteryFromEnv(t *testing.T) {
	t.Setenv("DEVICECTL_CUTOFF_BATTERY", "25")

	opts, err := LoadOptions("")
	require.NoError(t, err)
	require.NotNil(t, opts.CutoffBattery)
	assert.Equal(t, 25, *opts.CutoffBattery)
}

func TestWifiBackoffCappedByConnectTime(t *testing.T) {
	opts := DefaultOptions()
	opts.WifiExponentialRetry = true
	opts.WifiRetryWaitTime = time.Second
	opts.MaxWifiConnectTime = time.Minute

	backoff := opts.WifiBackoff()
	assert.Equal(t, 4*time.Second, backoff(3))
	assert.Equal(t, time.Minute, backoff(64))
	assert.Positive(t, backoff(1000))
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestOptionsYAMLRoundTrip(t *testing.T) {
	cutoff := 25
	opts := DefaultOptions()
	opts.CutoffBattery = &cutoff

	data, err := opts.MarshalYAMLBytes()
	require.NoError(t, err)
	back, err := ParseOptions(data)
	require.NoError(t, err)
	assert.Equal(t, opts, back)
}
