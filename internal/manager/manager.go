// Package manager allocates device handles and keeps their trackers in step
// with what the transport enumerates.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/devicectl/internal/device"
	"github.com/psantana5/devicectl/internal/logging"
	"github.com/psantana5/devicectl/internal/metrics"
	"github.com/psantana5/devicectl/internal/retry"
	"github.com/psantana5/devicectl/internal/store"
	"github.com/psantana5/devicectl/internal/transport"
	"github.com/psantana5/devicectl/pkg/models"
)

var (
	ErrAlreadyAllocated = errors.New("device already allocated")
	ErrNotAllocated     = errors.New("device not allocated")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrLowBattery       = errors.New("battery below cutoff")
)

// Config holds the manager's collaborators. Options apply to every allocated handle.
type Config struct {
	Transport    transport.Transport
	Options      device.Options
	PollInterval time.Duration

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Recorder
	Tracer  trace.Tracer
	Store   store.Store
}

// entry is an allocated handle plus the lock that serializes operations on it
type entry struct {
	handle *device.Handle
	busy   chan struct{}
}

func (e *entry) lock(ctx context.Context) error {
	select {
	case e.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) unlock() { <-e.busy }

// Manager owns the allocated device handles
type Manager struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	handles map[string]*entry
}

// New creates a manager; nothing is allocated until Allocate is called
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		handles: make(map[string]*entry),
	}
}

// Devices enumerates every device the transport can see, allocated or not
func (m *Manager) Devices(ctx context.Context) ([]transport.Entry, error) {
	entries, err := m.cfg.Transport.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	return entries, nil
}

func (m *Manager) lookup(ctx context.Context, serial string) (transport.Entry, bool, error) {
	entries, err := m.Devices(ctx)
	if err != nil {
		return transport.Entry{}, false, err
	}
	for _, e := range entries {
		if e.Serial == serial {
			return e, true, nil
		}
	}
	return transport.Entry{}, false, nil
}

// Allocate creates a handle for a visible device. When cutoff_battery is set
// and the device is ONLINE, a device whose battery reads below the cutoff is refused.
func (m *Manager) Allocate(ctx context.Context, serial string) (*device.Handle, error) {
	m.mu.Lock()
	_, taken := m.handles[serial]
	m.mu.Unlock()
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAllocated, serial)
	}

	enumerated, found, err := m.lookup(ctx, serial)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}

	h, err := device.NewHandle(device.Config{
		Serial:       serial,
		Transport:    m.cfg.Transport,
		Options:      m.cfg.Options,
		InitialState: enumerated.State,
		Clock:        m.cfg.Clock,
		Logger:       m.logger,
		Metrics:      m.cfg.Metrics,
		Tracer:       m.cfg.Tracer,
		Events:       m.cfg.Store,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handle for %s: %w", serial, err)
	}

	if err := m.checkBattery(ctx, h); err != nil {
		h.Release()
		m.record(ctx, serial, store.EventAllocation, false, err.Error())
		return nil, err
	}

	m.mu.Lock()
	if _, taken := m.handles[serial]; taken {
		m.mu.Unlock()
		h.Release()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAllocated, serial)
	}
	m.handles[serial] = &entry{handle: h, busy: make(chan struct{}, 1)}
	m.mu.Unlock()

	m.logger.Info("Device allocated", map[string]interface{}{
		"serial": serial,
		"state":  string(enumerated.State),
	})
	m.record(ctx, serial, store.EventAllocation, true, string(enumerated.State))
	return h, nil
}

func (m *Manager) checkBattery(ctx context.Context, h *device.Handle) error {
	cutoff := h.Options().CutoffBattery
	if cutoff == nil || h.State() != models.StateOnline {
		return nil
	}
	level, err := h.Info().Battery(ctx)
	if err != nil {
		return fmt.Errorf("failed to read battery of %s: %w", h.Serial(), err)
	}
	if level == models.BatteryUnknown {
		m.logger.Warn("Battery level unknown, allocating anyway", map[string]interface{}{"serial": h.Serial()})
		return nil
	}
	if level < *cutoff {
		return fmt.Errorf("%w: %s at %d%%, cutoff %d%%", ErrLowBattery, h.Serial(), level, *cutoff)
	}
	return nil
}

// Release stops the handle's background work and forgets it
func (m *Manager) Release(ctx context.Context, serial string) error {
	m.mu.Lock()
	e, ok := m.handles[serial]
	delete(m.handles, serial)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAllocated, serial)
	}
	h := e.handle

	h.Release()
	m.logger.Info("Device released", map[string]interface{}{
		"serial": serial,
		"state":  string(h.State()),
	})
	m.record(ctx, serial, store.EventRelease, true, string(h.State()))
	return nil
}

// ReleaseAll releases every allocated handle
func (m *Manager) ReleaseAll(ctx context.Context) {
	for _, h := range m.Handles() {
		if err := m.Release(ctx, h.Serial()); err != nil {
			m.logger.Debug("Release skipped", map[string]interface{}{"serial": h.Serial(), "error": err.Error()})
		}
	}
}

// Get returns the handle allocated for serial. Operations that talk to the
// device go through With so they do not interleave.
func (m *Manager) Get(serial string) (*device.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.handles[serial]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// With runs fn holding the device's operation lock, so a reboot never overlaps
// a shell command or another reboot on the same device. It waits for the lock
// until ctx is done.
func (m *Manager) With(ctx context.Context, serial string, fn func(h *device.Handle) error) error {
	m.mu.Lock()
	e, ok := m.handles[serial]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAllocated, serial)
	}
	if err := e.lock(ctx); err != nil {
		return fmt.Errorf("waiting for %s: %w", serial, err)
	}
	defer e.unlock()
	return fn(e.handle)
}

func (m *Manager) entries() []*entry {
	m.mu.Lock()
	out := make([]*entry, 0, len(m.handles))
	for _, e := range m.handles {
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].handle.Serial() < out[j].handle.Serial() })
	return out
}

// Idle reports whether no operation holds any device lock
func (m *Manager) Idle() bool {
	for _, e := range m.entries() {
		if len(e.busy) > 0 {
			return false
		}
	}
	return true
}

// Handles returns the allocated handles ordered by serial
func (m *Manager) Handles() []*device.Handle {
	entries := m.entries()
	out := make([]*device.Handle, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.handle)
	}
	return out
}

// Poll runs one passive enumeration pass. A visible device's tracker takes the
// enumerated state; a device that vanished while not already offline becomes NOT_AVAILABLE.
func (m *Manager) Poll(ctx context.Context) error {
	handles := m.Handles()
	if len(handles) == 0 {
		return nil
	}
	entries, err := m.Devices(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]models.ConnectivityState, len(entries))
	for _, e := range entries {
		seen[e.Serial] = e.State
	}

	for _, h := range handles {
		current := h.State()
		state, visible := seen[h.Serial()]
		switch {
		case visible && state != current:
			h.Tracker().SetState(state)
		case !visible && current != models.StateOffline && current != models.StateNotAvailable:
			m.logger.Warn("Device disappeared from enumeration", map[string]interface{}{
				"serial": h.Serial(),
				"state":  string(current),
			})
			h.Tracker().SetState(models.StateNotAvailable)
		}
	}
	return nil
}

// Run polls until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Device monitor started", map[string]interface{}{"interval": m.cfg.PollInterval.String()})
	for {
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("Device poll failed", map[string]interface{}{"error": err.Error()})
		}
		if err := retry.Sleep(ctx, m.cfg.Clock, m.cfg.PollInterval); err != nil {
			m.logger.Info("Device monitor stopped")
			return nil
		}
	}
}

// ForEach runs fn on every allocated handle concurrently, at most limit at a
// time when limit > 0, and returns the first error. Each call holds that
// device's operation lock.
func (m *Manager) ForEach(ctx context.Context, limit int, fn func(ctx context.Context, h *device.Handle) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, e := range m.entries() {
		g.Go(func() error {
			if err := e.lock(gctx); err != nil {
				return fmt.Errorf("%s: %w", e.handle.Serial(), err)
			}
			defer e.unlock()
			if err := fn(gctx, e.handle); err != nil {
				return fmt.Errorf("%s: %w", e.handle.Serial(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) record(ctx context.Context, serial string, typ store.EventType, success bool, detail string) {
	if m.cfg.Store == nil {
		return
	}
	ev := &store.Event{
		Serial:    serial,
		Type:      typ,
		Detail:    detail,
		Success:   success,
		Timestamp: m.cfg.Clock.Now().UTC(),
	}
	if err := m.cfg.Store.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		m.logger.Warn("Failed to record device event", map[string]interface{}{
			"serial": serial,
			"type":   string(typ),
			"error":  err.Error(),
		})
	}
}
