// Package fake provides a scriptable in-memory Transport for tests.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/metagrid/gwmad/transport"
)

// Handler produces the outcome of one Run call.
type Handler func(cmd string) (stdout, stderr string, err error)

type rule struct {
	pattern string
	handle  Handler
}

// CopyCall records one Copy invocation.
type CopyCall struct {
	Src, Dst string
	Mode     transport.Mode
}

// Transport answers Run calls from rules matched by substring, in the order
// they were added. Unmatched commands succeed with empty output.
type Transport struct {
	mu           sync.Mutex
	name         string
	rules        []rule
	commands     []string
	copies       []CopyCall
	mkdirs       []string
	rmdirs       []string
	connects     int
	connectFails int
	connectErr   error
	copyErr      error
	closed       bool
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport(name string) *Transport {
	return &Transport{name: name}
}

// On answers commands containing pattern with fixed output.
func (t *Transport) On(pattern, stdout, stderr string) *Transport {
	return t.OnFunc(pattern, func(string) (string, string, error) { return stdout, stderr, nil })
}

// OnFunc answers commands containing pattern with h.
func (t *Transport) OnFunc(pattern string, h Handler) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, rule{pattern, h})
	return t
}

// FailConnect makes the next n Connect calls fail with a ComError wrapping err.
func (t *Transport) FailConnect(n int, err error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectFails = n
	t.connectErr = err
	return t
}

// FailCopy makes every Copy fail with err.
func (t *Transport) FailCopy(err error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.copyErr = err
	return t
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectFails > 0 {
		t.connectFails--
		return transport.NewComError(t.name, "connect", t.connectErr)
	}
	t.closed = false
	return nil
}

func (t *Transport) Run(ctx context.Context, cmd string) (string, string, error) {
	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	var h Handler
	for _, r := range t.rules {
		if strings.Contains(cmd, r.pattern) {
			h = r.handle
			break
		}
	}
	t.mu.Unlock()

	if h == nil {
		return "", "", nil
	}
	return h(cmd)
}

func (t *Transport) MkDir(ctx context.Context, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mkdirs = append(t.mkdirs, url)
	return nil
}

func (t *Transport) RmDir(ctx context.Context, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rmdirs = append(t.rmdirs, url)
	return nil
}

func (t *Transport) Copy(ctx context.Context, src, dst string, mode transport.Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.copyErr != nil {
		return t.copyErr
	}
	t.copies = append(t.copies, CopyCall{src, dst, mode})
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Commands returns every command passed to Run, in order.
func (t *Transport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

// CommandsContaining returns the Run commands that contain substr.
func (t *Transport) CommandsContaining(substr string) []string {
	var out []string
	for _, c := range t.Commands() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

func (t *Transport) Copies() []CopyCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]CopyCall(nil), t.copies...)
}

func (t *Transport) MkDirs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.mkdirs...)
}

func (t *Transport) RmDirs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.rmdirs...)
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
