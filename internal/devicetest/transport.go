// Package devicetest provides a scriptable in-memory transport for tests.
package devicetest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/psantana5/devicectl/internal/transport"
	"github.com/psantana5/devicectl/pkg/models"
)

// Handler produces the outcome of one matched request
type Handler func(req transport.Request) (transport.Output, error)

type rule struct {
	kind    models.CommandKind
	prefix  string
	handler Handler
}

// FakeTransport is a transport.Transport whose behavior is scripted per command prefix.
// Unmatched commands succeed with empty output.
type FakeTransport struct {
	mu          sync.Mutex
	devices     map[string]models.ConnectivityState
	order       []string
	rules       []rule
	calls       []transport.Request
	enumerated  int
	onEnumerate func(count int)
	streams     map[string][]*Stream
	opened      int
	streamArgs  [][]string
}

// NewFakeTransport creates an empty fake transport
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		devices: make(map[string]models.ConnectivityState),
		streams: make(map[string][]*Stream),
	}
}

// SetDevice makes serial visible in enumeration with state
func (f *FakeTransport) SetDevice(serial string, state models.ConnectivityState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[serial]; !ok {
		f.order = append(f.order, serial)
	}
	f.devices[serial] = state
}

// RemoveDevice hides serial from enumeration
func (f *FakeTransport) RemoveDevice(serial string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, serial)
	for i, s := range f.order {
		if s == serial {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// OnEnumerate registers a callback run (without the lock held) before every enumeration
func (f *FakeTransport) OnEnumerate(fn func(count int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnumerate = fn
}

// On scripts every request of kind whose command line starts with prefix.
// Later rules take precedence over earlier ones.
func (f *FakeTransport) On(kind models.CommandKind, prefix string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{kind: kind, prefix: prefix, handler: h})
}

// OnShell scripts a shell command to print stdout and exit with code
func (f *FakeTransport) OnShell(prefix, stdout string, code int) {
	f.On(models.KindShell, prefix, Respond(stdout, code))
}

// Respond returns a handler with a fixed outcome
func Respond(stdout string, code int) Handler {
	return func(transport.Request) (transport.Output, error) {
		return transport.Output{Stdout: stdout, ExitCode: code}, nil
	}
}

// Fail returns a handler that always fails with err
func Fail(err error) Handler {
	return func(transport.Request) (transport.Output, error) {
		return transport.Output{}, err
	}
}

// Sequence returns a handler that walks through handlers, repeating the last one
func Sequence(handlers ...Handler) Handler {
	var mu sync.Mutex
	i := 0
	return func(req transport.Request) (transport.Output, error) {
		mu.Lock()
		h := handlers[i]
		if i < len(handlers)-1 {
			i++
		}
		mu.Unlock()
		return h(req)
	}
}

// Devices implements transport.Transport
func (f *FakeTransport) Devices(ctx context.Context) ([]transport.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.enumerated++
	count := f.enumerated
	hook := f.onEnumerate
	f.mu.Unlock()

	if hook != nil {
		hook(count)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]transport.Entry, 0, len(f.order))
	for _, serial := range f.order {
		entries = append(entries, transport.Entry{Serial: serial, State: f.devices[serial]})
	}
	return entries, nil
}

// Exec implements transport.Transport
func (f *FakeTransport) Exec(ctx context.Context, req transport.Request) (transport.Output, error) {
	if err := ctx.Err(); err != nil {
		return transport.Output{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	var h Handler
	cmd := req.Command()
	for i := len(f.rules) - 1; i >= 0; i-- {
		r := f.rules[i]
		if r.kind == req.Kind && strings.HasPrefix(cmd, r.prefix) {
			h = r.handler
			break
		}
	}
	f.mu.Unlock()

	if h == nil {
		return transport.Output{}, nil
	}
	return h(req)
}

// Calls returns every request executed so far
func (f *FakeTransport) Calls() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount counts executed requests of kind whose command starts with prefix
func (f *FakeTransport) CallCount(kind models.CommandKind, prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Kind == kind && strings.HasPrefix(c.Command(), prefix) {
			n++
		}
	}
	return n
}

// Enumerations returns how many times Devices was called
func (f *FakeTransport) Enumerations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enumerated
}

// ResetCalls forgets recorded calls and enumeration count
func (f *FakeTransport) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.enumerated = 0
}

// Stream is a scripted output channel handed out by FakeTransport.Stream
type Stream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// Write feeds data to the reader side
func (s *Stream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// WriteString feeds a string to the reader side
func (s *Stream) WriteString(str string) error {
	_, err := s.w.Write([]byte(str))
	return err
}

// End closes the stream as if the device dropped the connection
func (s *Stream) End() {
	s.w.Close()
}

// QueueStream prepares the next stream returned for serial
func (f *FakeTransport) QueueStream(serial string) *Stream {
	r, w := io.Pipe()
	s := &Stream{r: r, w: w}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[serial] = append(f.streams[serial], s)
	return s
}

// StreamsOpened returns how many streams have been handed out
func (f *FakeTransport) StreamsOpened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// StreamArgs returns the arguments of every stream handed out, in order
func (f *FakeTransport) StreamArgs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.streamArgs...)
}

// Stream implements transport.Transport. It fails with ErrDeviceNotFound when no
// stream is queued for serial.
func (f *FakeTransport) Stream(ctx context.Context, serial string, args ...string) (io.ReadCloser, error) {
	f.mu.Lock()
	queue := f.streams[serial]
	if len(queue) == 0 {
		f.mu.Unlock()
		return nil, transport.ErrDeviceNotFound
	}
	s := queue[0]
	f.streams[serial] = queue[1:]
	f.opened++
	f.streamArgs = append(f.streamArgs, append([]string(nil), args...))
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.r.CloseWithError(ctx.Err())
	}()
	return s.r, nil
}

var _ transport.Transport = (*FakeTransport)(nil)
