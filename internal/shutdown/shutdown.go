// Package shutdown runs cleanup in reverse registration order when the
// process is asked to stop.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/devicectl/internal/logging"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	steps   []step
	mu      sync.Mutex
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
}

// New creates a shutdown manager; every Shutdown gets timeout to finish
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Register adds a named shutdown function. Functions run in reverse order.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Done returns a channel closed once shutdown was initiated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Trigger marks shutdown as initiated without running the registered functions
func (m *Manager) Trigger() {
	m.once.Do(func() { close(m.done) })
}

// Shutdown runs every registered function, newest first, and returns the
// number that failed. Each runs even if an earlier one failed.
func (m *Manager) Shutdown() int {
	m.Trigger()

	m.mu.Lock()
	steps := m.steps
	m.steps = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	failed := 0
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := s.fn(ctx); err != nil {
			failed++
			m.logger.Error("Shutdown step failed", map[string]interface{}{
				"step":  s.name,
				"error": err.Error(),
			})
			continue
		}
		m.logger.Debug("Shutdown step done", map[string]interface{}{"step": s.name})
	}

	m.logger.Info("Graceful shutdown complete", map[string]interface{}{"failed": failed})
	return failed
}

// WaitWithContext blocks until SIGINT/SIGTERM, Trigger, or ctx ends. On a
// signal or Trigger it runs Shutdown; on ctx it returns ctx.Err().
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, initiating graceful shutdown", map[string]interface{}{"signal": sig.String()})
	case <-m.done:
		m.logger.Info("Shutdown requested")
	case <-ctx.Done():
		return ctx.Err()
	}
	m.Shutdown()
	return nil
}

// StopHTTPServer returns a shutdown function for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource returns a shutdown function for an io.Closer
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}

// WaitFor returns a shutdown function that polls done until it reports true
func WaitFor(done func() bool, pollInterval time.Duration, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if done() {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("timeout waiting for %s: %w", name, ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
