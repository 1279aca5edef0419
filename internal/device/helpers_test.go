package device

import (
	"testing"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/devicectl/internal/devicetest"
	"github.com/psantana5/devicectl/internal/store"
	"github.com/psantana5/devicectl/pkg/models"
)

const testSerial = "emulator-5554"

// testOptions keeps every wait in the tens of milliseconds
func testOptions() Options {
	opts := DefaultOptions()
	opts.EnableRoot = false
	opts.DisableKeyguard = false
	opts.FastbootTimeout = 50 * time.Millisecond
	opts.RebootTimeout = 200 * time.Millisecond
	opts.OnlineTimeout = 50 * time.Millisecond
	opts.AvailableTimeout = 200 * time.Millisecond
	opts.UnavailableTimeout = 50 * time.Millisecond
	opts.RecoveryPollInterval = 5 * time.Millisecond
	opts.CommandRetryWait = time.Millisecond
	opts.CommandTimeout = time.Second
	opts.OutputTimeout = time.Second
	opts.MinHostFreeBytes = 0
	return opts
}

type handleOption func(cfg *Config)

func withOptions(fn func(o *Options)) handleOption {
	return func(cfg *Config) { fn(&cfg.Options) }
}

func withClock(clk clock.Clock) handleOption {
	return func(cfg *Config) { cfg.Clock = clk }
}

func withState(state models.ConnectivityState) handleOption {
	return func(cfg *Config) { cfg.InitialState = state }
}

func withTracer(tracer trace.Tracer) handleOption {
	return func(cfg *Config) { cfg.Tracer = tracer }
}

func withEvents(events EventSink) handleOption {
	return func(cfg *Config) { cfg.Events = events }
}

// newTestHandle returns a handle on a fake transport that enumerates the device ONLINE
func newTestHandle(t *testing.T, opts ...handleOption) (*Handle, *devicetest.FakeTransport) {
	t.Helper()
	fake := devicetest.NewFakeTransport()
	fake.SetDevice(testSerial, models.StateOnline)

	cfg := Config{
		Serial:       testSerial,
		Transport:    fake,
		Options:      testOptions(),
		InitialState: models.StateOnline,
	}
	for _, o := range opts {
		o(&cfg)
	}

	h, err := NewHandle(cfg)
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	t.Cleanup(h.Release)
	return h, fake
}

// makeAvailable scripts the readiness probes of a fully booted device
func makeAvailable(fake *devicetest.FakeTransport) {
	fake.OnShell("getprop sys.boot_completed", "1\n", 0)
	fake.OnShell("pm path android", "package:/system/framework/framework-res.apk\n", 0)
	fake.OnShell("ls -d", "/sdcard\n", 0)
}

// eventTypes lists the types of the recorded events, oldest first
func eventTypes(t *testing.T, s *store.MemoryStore) []store.EventType {
	t.Helper()
	events, err := s.ListEvents(t.Context(), testSerial, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	types := make([]store.EventType, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		types = append(types, events[i].Type)
	}
	return types
}
