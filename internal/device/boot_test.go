package device

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/devicectl/internal/devicetest"
	"github.com/psantana5/devicectl/internal/store"
	"github.com/psantana5/devicectl/internal/transport"
	"github.com/psantana5/devicectl/pkg/models"
)

// moveTo returns a handler that switches the fake device to state when the command runs
func moveTo(fake *devicetest.FakeTransport, state models.ConnectivityState) devicetest.Handler {
	return func(transport.Request) (transport.Output, error) {
		fake.SetDevice(testSerial, state)
		return transport.Output{}, nil
	}
}

func TestRebootIntoBootloaderTimeoutNamesTarget(t *testing.T) {
	h, fake := newTestHandle(t)

	err := h.Boot().RebootIntoBootloader(context.Background())

	de, ok := AsDeviceError(err)
	require.True(t, ok, "expected DeviceError, got %v", err)
	assert.Equal(t, FaultNotAvailable, de.Kind)
	assert.Equal(t, models.StateBootloader, de.Target)
	assert.Contains(t, err.Error(), "BOOTLOADER")
	assert.Equal(t, 1, fake.CallCount(models.KindHost, "reboot bootloader"))
	assert.Equal(t, models.StateNotAvailable, h.State())
}

func TestRebootIntoModes(t *testing.T) {
	tests := []struct {
		name    string
		from    models.ConnectivityState
		kind    models.CommandKind
		command string
		target  models.ConnectivityState
		call    func(b *BootOrchestrator) error
	}{
		{"bootloader", models.StateOnline, models.KindHost, "reboot bootloader", models.StateBootloader,
			func(b *BootOrchestrator) error { return b.RebootIntoBootloader(context.Background()) }},
		{"fastbootd from bootloader", models.StateBootloader, models.KindBootloader, "reboot fastboot", models.StateFastbootd,
			func(b *BootOrchestrator) error { return b.RebootIntoFastbootd(context.Background()) }},
		{"recovery", models.StateOnline, models.KindHost, "reboot recovery", models.StateRecovery,
			func(b *BootOrchestrator) error { return b.RebootIntoRecovery(context.Background()) }},
		{"sideload auto reboot", models.StateOnline, models.KindHost, "reboot sideload-auto-reboot", models.StateSideload,
			func(b *BootOrchestrator) error { return b.RebootIntoSideload(context.Background(), true) }},
		{"bootloader from fastbootd", models.StateFastbootd, models.KindBootloader, "reboot-bootloader", models.StateBootloader,
			func(b *BootOrchestrator) error { return b.RebootIntoBootloader(context.Background()) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, fake := newTestHandle(t, withState(tt.from))
			fake.SetDevice(testSerial, tt.from)
			fake.On(tt.kind, tt.command, moveTo(fake, tt.target))

			require.NoError(t, tt.call(h.Boot()))
			assert.Equal(t, 1, fake.CallCount(tt.kind, tt.command))
			assert.Equal(t, tt.target, h.State())
		})
	}
}

func TestRebootIntoSideloadFromBootloaderGoesThroughRecovery(t *testing.T) {
	h, fake := newTestHandle(t, withState(models.StateBootloader))
	fake.SetDevice(testSerial, models.StateBootloader)
	fake.On(models.KindBootloader, "reboot recovery", moveTo(fake, models.StateRecovery))
	fake.On(models.KindHost, "reboot sideload", moveTo(fake, models.StateSideload))

	require.NoError(t, h.Boot().RebootIntoSideload(context.Background(), false))
	assert.Equal(t, models.StateSideload, h.State())
	assert.Equal(t, 1, fake.CallCount(models.KindHost, "reboot sideload"))
}

func TestDisableRebootIsLoggedNoop(t *testing.T) {
	h, fake := newTestHandle(t, withOptions(func(o *Options) { o.DisableReboot = true }))
	b := h.Boot()
	ctx := context.Background()

	ops := map[string]func() error{
		"reboot":           func() error { return b.Reboot(ctx, "") },
		"until online":     func() error { return b.RebootUntilOnline(ctx, "") },
		"userspace":        func() error { return b.RebootUserspace(ctx) },
		"userspace online": func() error { return b.RebootUserspaceUntilOnline(ctx) },
		"bootloader":       func() error { return b.RebootIntoBootloader(ctx) },
		"fastbootd":        func() error { return b.RebootIntoFastbootd(ctx) },
		"recovery":         func() error { return b.RebootIntoRecovery(ctx) },
		"sideload":         func() error { return b.RebootIntoSideload(ctx, true) },
		"non blocking":     func() error { return b.NonBlockingReboot(ctx) },
	}
	for name, op := range ops {
		require.NoError(t, op(), name)
	}

	assert.Empty(t, fake.Calls())
	assert.Zero(t, fake.Enumerations())
	assert.Equal(t, models.StateOnline, h.State())
}

func TestRebootWaitsForAvailable(t *testing.T) {
	events := store.NewMemoryStore()
	h, fake := newTestHandle(t, withEvents(events))
	makeAvailable(fake)

	var rebooted atomic.Bool
	var polls atomic.Int32
	fake.On(models.KindHost, "reboot", func(transport.Request) (transport.Output, error) {
		rebooted.Store(true)
		fake.RemoveDevice(testSerial)
		return transport.Output{}, nil
	})
	fake.OnEnumerate(func(int) {
		if rebooted.Load() && polls.Add(1) == 3 {
			fake.SetDevice(testSerial, models.StateOnline)
		}
	})

	require.NoError(t, h.Boot().Reboot(context.Background(), ""))
	assert.Equal(t, models.StateOnline, h.State())
	assert.Positive(t, fake.CallCount(models.KindShell, "pm path android"))

	assert.Contains(t, eventTypes(t, events), store.EventReboot)
}

func TestRebootRecordsSpanEvents(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	h, fake := newTestHandle(t, withTracer(tp.Tracer("test")))
	makeAvailable(fake)

	require.NoError(t, h.Boot().Reboot(context.Background(), "test"))

	var names []string
	for _, span := range exporter.GetSpans() {
		if span.Name != "device.reboot" {
			continue
		}
		for _, ev := range span.Events {
			names = append(names, ev.Name)
		}
	}
	assert.Equal(t, []string{"reboot.triggered", "device.online", "device.available"}, names)
}

func TestRebootTimeoutFails(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.On(models.KindHost, "reboot", func(transport.Request) (transport.Output, error) {
		fake.RemoveDevice(testSerial)
		return transport.Output{}, nil
	})

	err := h.Boot().Reboot(context.Background(), "")
	de, ok := AsDeviceError(err)
	require.True(t, ok, "expected DeviceError, got %v", err)
	assert.Equal(t, models.StateOnline, de.Target)
	assert.Equal(t, models.StateNotAvailable, h.State())
}

func TestRebootTriggerConnectionLossIsIgnored(t *testing.T) {
	h, fake := newTestHandle(t)
	makeAvailable(fake)
	fake.On(models.KindHost, "reboot", devicetest.Fail(transport.ErrDeviceOffline))

	require.NoError(t, h.Boot().RebootUntilOnline(context.Background(), ""))
	assert.Equal(t, 1, fake.CallCount(models.KindHost, "reboot"))
}

func TestRebootUserspace(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		h, fake := newTestHandle(t)
		fake.OnShell("getprop init.userspace_reboot.is_supported", "0\n", 0)

		err := h.Boot().RebootUserspace(context.Background())
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.Zero(t, fake.CallCount(models.KindHost, "reboot userspace"))
	})

	t.Run("requires online", func(t *testing.T) {
		h, fake := newTestHandle(t, withState(models.StateBootloader))
		err := h.Boot().RebootUserspace(context.Background())
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Empty(t, fake.Calls())
	})

	t.Run("supported", func(t *testing.T) {
		h, fake := newTestHandle(t)
		makeAvailable(fake)
		fake.OnShell("getprop init.userspace_reboot.is_supported", "1\n", 0)
		fake.OnShell("getprop ro.build.version.sdk", "30\n", 0)

		require.NoError(t, h.Boot().RebootUserspaceUntilOnline(context.Background()))
		assert.Equal(t, 1, fake.CallCount(models.KindHost, "reboot userspace"))
	})
}

func TestPostBootSetup(t *testing.T) {
	h, fake := newTestHandle(t, withOptions(func(o *Options) {
		o.PostBootCommands = []string{"setprop persist.sys.test 1", "svc power stayon true"}
		o.DisableKeyguard = true
	}))
	hookErr := errors.New("hook failed")
	var hookRan bool
	h.Boot().AddPostBootHook("test", func(ctx context.Context) error {
		hookRan = true
		return hookErr
	})

	require.NoError(t, h.Boot().PostBootSetup(context.Background()))
	assert.Equal(t, 1, fake.CallCount(models.KindShell, "setprop persist.sys.test 1"))
	assert.Equal(t, 1, fake.CallCount(models.KindShell, "svc power stayon true"))
	assert.Equal(t, 1, fake.CallCount(models.KindShell, "wm dismiss-keyguard"))
	assert.True(t, hookRan)
}

func TestEnableRoot(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.On(models.KindShell, "id -u", devicetest.Sequence(
		devicetest.Respond("2000\n", 0),
		devicetest.Respond("0\n", 0),
	))
	fake.On(models.KindHost, "root", devicetest.Respond("restarting adbd as root\n", 0))

	ok, err := h.Boot().EnableRoot(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, fake.CallCount(models.KindHost, "root"))
}

func TestEnableRootRefusedOnProductionBuild(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("id -u", "2000\n", 0)
	fake.On(models.KindHost, "root", devicetest.Respond("adbd cannot run as root in production builds\n", 0))

	ok, err := h.Boot().EnableRoot(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWipePartition(t *testing.T) {
	t.Run("requires flashing mode", func(t *testing.T) {
		h, fake := newTestHandle(t)
		err := h.Boot().WipePartition(context.Background(), "userdata")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Empty(t, fake.Calls())
	})

	t.Run("erase or format", func(t *testing.T) {
		for _, erase := range []bool{false, true} {
			h, fake := newTestHandle(t, withState(models.StateBootloader),
				withOptions(func(o *Options) { o.UseFastbootErase = erase }))
			require.NoError(t, h.Boot().WipePartition(context.Background(), "cache"))
			verb := "format cache"
			if erase {
				verb = "erase cache"
			}
			assert.Equal(t, 1, fake.CallCount(models.KindBootloader, verb))
		}
	})

	t.Run("userdata wipe discards log capture", func(t *testing.T) {
		h, fake := newTestHandle(t, withState(models.StateBootloader))
		fake.SetDevice(testSerial, models.StateBootloader)
		fake.QueueStream(testSerial)
		h.Logs().Start()
		require.True(t, h.Logs().Running())

		require.NoError(t, h.Boot().WipePartition(context.Background(), "userdata"))
		assert.False(t, h.Logs().Running())
		assert.Zero(t, h.Logs().Size())
	})

	t.Run("failure is an error", func(t *testing.T) {
		h, fake := newTestHandle(t, withState(models.StateBootloader))
		fake.On(models.KindBootloader, "format", devicetest.Respond("FAILED (remote: 'unknown partition')", 1))
		err := h.Boot().WipePartition(context.Background(), "bogus")
		require.Error(t, err)
		assert.False(t, IsNotAvailable(err))
	})
}

func TestWaitForDeviceOnlineTimeoutKinds(t *testing.T) {
	t.Run("never enumerated", func(t *testing.T) {
		h, fake := newTestHandle(t)
		fake.RemoveDevice(testSerial)

		err := h.WaitForDeviceOnline(context.Background(), 0)

		de, ok := AsDeviceError(err)
		require.True(t, ok, "expected DeviceError, got %v", err)
		assert.Equal(t, FaultDisconnected, de.Kind)
		assert.Equal(t, "wait for online", de.Op)
	})

	t.Run("enumerated but offline", func(t *testing.T) {
		h, fake := newTestHandle(t)
		fake.SetDevice(testSerial, models.StateOffline)

		err := h.WaitForDeviceOnline(context.Background(), 0)

		de, ok := AsDeviceError(err)
		require.True(t, ok, "expected DeviceError, got %v", err)
		assert.Equal(t, FaultNotAvailable, de.Kind)
		assert.Equal(t, models.StateOnline, de.Target)
	})

	t.Run("cancelled is not a device error", func(t *testing.T) {
		h, fake := newTestHandle(t)
		fake.RemoveDevice(testSerial)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := h.WaitForDeviceOnline(ctx, 0)

		require.ErrorIs(t, err, context.Canceled)
		_, ok := AsDeviceError(err)
		assert.False(t, ok)
	})
}
