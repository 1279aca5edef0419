package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/devicectl/internal/retry"
	"github.com/psantana5/devicectl/pkg/models"
)

type logEntry struct {
	at   time.Time
	line string
}

// LogCapture streams the device log into a byte-capped ring buffer in the
// background. It reopens the stream after reboots and keeps its buffer across
// Start/Stop; Discard drops everything.
type LogCapture struct {
	env      *env
	maxBytes int

	mu        sync.Mutex
	entries   []logEntry // live entries are entries[head:]
	head      int
	size      int
	lastAt    time.Time
	lastLines []string // lines stamped exactly lastAt
	session   string
	cancel    context.CancelFunc
	done      chan struct{}
}

func newLogCapture(e *env) *LogCapture {
	return &LogCapture{env: e, maxBytes: e.opts.LogcatMaxBytes}
}

// Start begins capture; it is a no-op when capture is already running
func (c *LogCapture) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.session = uuid.NewString()
	c.env.logger.Info("Log capture started", map[string]interface{}{"session": c.session})
	go c.run(ctx, c.done)
}

// Running reports whether the capture goroutine is active
func (c *LogCapture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Stop ends capture and waits for the background goroutine. The buffer is kept.
func (c *LogCapture) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.env.logger.Info("Log capture stopped", map[string]interface{}{"bytes": c.Size()})
}

// Clear empties the buffer without stopping capture
func (c *LogCapture) Clear() {
	c.mu.Lock()
	c.entries = nil
	c.head = 0
	c.size = 0
	c.mu.Unlock()
	c.env.metrics.LogBuffer(c.env.serial, 0)
}

// Discard stops capture and drops the buffer and resume position. Used after
// a data wipe, when the old log no longer describes the device.
func (c *LogCapture) Discard() {
	c.Stop()
	c.mu.Lock()
	c.entries = nil
	c.head = 0
	c.size = 0
	c.lastAt = time.Time{}
	c.lastLines = nil
	c.mu.Unlock()
	c.env.metrics.LogBuffer(c.env.serial, 0)
	c.env.logger.Info("Log capture discarded")
}

// Size returns the buffered byte count
func (c *LogCapture) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Snapshot returns the buffered log without stopping capture
func (c *LogCapture) Snapshot() string {
	return c.SnapshotSince(time.Time{})
}

// SnapshotSince returns the buffered lines stamped at or after since, in device time
func (c *LogCapture) SnapshotSince(since time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, e := range c.entries[c.head:] {
		if e.at.Before(since) {
			continue
		}
		b.WriteString(e.line)
		b.WriteByte('\n')
	}
	return b.String()
}

// run keeps a log stream open until ctx is done, reopening it from the last
// seen timestamp whenever the device comes back ONLINE.
func (c *LogCapture) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		args := []string{"logcat", "-v", "epoch"}
		c.mu.Lock()
		if !c.lastAt.IsZero() {
			args = append(args, "-T", formatEpoch(c.lastAt))
		}
		c.mu.Unlock()

		rc, err := c.env.transport.Stream(ctx, c.env.serial, args...)
		if err == nil {
			c.consume(rc)
			rc.Close()
		}
		if ctx.Err() != nil {
			return
		}
		c.env.logger.Debug("Log stream ended, waiting for device", map[string]interface{}{"error": errString(err)})
		if !c.waitOnline(ctx) {
			return
		}
	}
}

// waitOnline sleeps at least one poll interval, then until the tracker reports ONLINE
func (c *LogCapture) waitOnline(ctx context.Context) bool {
	interval := c.env.opts.RecoveryPollInterval
	for {
		if err := retry.Sleep(ctx, c.env.clock, interval); err != nil {
			return false
		}
		if c.env.tracker.State() == models.StateOnline {
			return true
		}
	}
}

func (c *LogCapture) consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	c.mu.Lock()
	resumeAt := c.lastAt
	seen := make(map[string]int, len(c.lastLines))
	for _, l := range c.lastLines {
		seen[l]++
	}
	c.mu.Unlock()
	resuming := !resumeAt.IsZero()

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		at, ok := parseEpoch(line)
		if resuming && ok {
			// the reopened stream repeats lines up to the resume point
			if at.Before(resumeAt) {
				continue
			}
			if at.Equal(resumeAt) && seen[line] > 0 {
				seen[line]--
				continue
			}
			resuming = false
		}
		c.append(at, ok, line)
	}
}

func (c *LogCapture) append(at time.Time, stamped bool, line string) {
	c.mu.Lock()
	if stamped {
		if !at.Equal(c.lastAt) {
			c.lastAt, c.lastLines = at, c.lastLines[:0]
		}
		c.lastLines = append(c.lastLines, line)
	} else {
		at = c.lastAt
	}
	c.entries = append(c.entries, logEntry{at: at, line: line})
	c.size += len(line) + 1

	for c.size > c.maxBytes && c.head < len(c.entries) {
		c.size -= len(c.entries[c.head].line) + 1
		c.entries[c.head] = logEntry{}
		c.head++
	}
	if c.head > len(c.entries)/2 {
		c.entries = append(c.entries[:0], c.entries[c.head:]...)
		c.head = 0
	}
	size := c.size
	c.mu.Unlock()

	c.env.metrics.LogBuffer(c.env.serial, size)
}

// parseEpoch reads the leading "seconds.millis" stamp of an epoch-format line
func parseEpoch(line string) (time.Time, bool) {
	field, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	secs, frac, found := strings.Cut(field, ".")
	if !found {
		return time.Time{}, false
	}
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	if len(frac) > 9 {
		frac = frac[:9]
	}
	ns, err := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(s, ns).UTC(), true
}

func formatEpoch(t time.Time) string {
	return fmt.Sprintf("%d.%03d", t.Unix(), t.Nanosecond()/int(time.Millisecond))
}
