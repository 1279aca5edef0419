package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/devicectl/internal/device"
	"github.com/psantana5/devicectl/internal/devicetest"
	"github.com/psantana5/devicectl/internal/manager"
	"github.com/psantana5/devicectl/pkg/models"
)

func TestDumpMetrics(t *testing.T) {
	recorder.RebootSkipped(models.RebootFull)

	var buf bytes.Buffer
	require.NoError(t, dumpMetrics(&buf))
	assert.Contains(t, buf.String(), "# TYPE devicectl_")
}

func TestAllocateAll(t *testing.T) {
	fake := devicetest.NewFakeTransport()
	fake.SetDevice("A1", models.StateOnline)
	fake.SetDevice("B2", models.StateFastbootd)
	opts := device.DefaultOptions()
	opts.EnableRoot = false
	m := manager.New(manager.Config{Transport: fake, Options: opts})
	t.Cleanup(func() { m.ReleaseAll(context.Background()) })

	require.NoError(t, allocateAll(context.Background(), m))
	assert.Len(t, m.Handles(), 2)

	err := allocateAll(context.Background(), m)
	assert.ErrorIs(t, err, manager.ErrAlreadyAllocated)
}

func TestNewLoggerWritesLogDir(t *testing.T) {
	dir := t.TempDir()
	closeLogger()
	viper.Set("log_dir", dir)
	t.Cleanup(func() {
		closeLogger()
		viper.Set("log_dir", "")
	})

	logger := newLogger()
	assert.Same(t, logger, newLogger(), "one logger per invocation")
	assert.Equal(t, filepath.Join(dir, "devicectl.log"), logger.LogPath())

	logger.Error("adb not found")
	closeLogger()

	data, err := os.ReadFile(filepath.Join(dir, "devicectl.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "ERROR: adb not found")
}
