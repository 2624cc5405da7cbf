// Package local runs a resource's commands on this machine, for frontends
// reachable without SSH (the "local" communicator).
package local

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/metagrid/gwmad/common/allocator"
	"github.com/metagrid/gwmad/common/stats"
	"github.com/metagrid/gwmad/transport"
)

type Transport struct {
	name      string
	workDir   string
	transfers *allocator.AbstractAllocator
	stat      stats.StatsReceiver

	mu     sync.Mutex
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

var errClosed = errors.New("transport closed")

// New returns a local transport for resource name. A workDir of "" or "~"
// means the user's home directory. maxTransfers <= 0 uses the default.
func New(name, workDir string, maxTransfers int, stat stats.StatsReceiver) (*Transport, error) {
	if workDir == "" || workDir == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolving home directory")
		}
		workDir = home
	}
	if maxTransfers <= 0 {
		maxTransfers = 3
	}
	a, err := allocator.NewAbstractAllocator(int64(maxTransfers))
	if err != nil {
		return nil, err
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Transport{name: name, workDir: workDir, transfers: a, stat: stat}, nil
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = false
	return nil
}

// Run executes cmd with bash in its own process group, killed as a whole if
// ctx is cancelled first.
func (t *Transport) Run(ctx context.Context, cmd string) (string, string, error) {
	if err := t.checkOpen("run"); err != nil {
		return "", "", err
	}
	defer t.stat.Latency(stats.TransportRunLatency_ms).Time().Stop()

	c := exec.Command("bash", "-c", cmd)
	c.Dir = t.workDir
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return "", "", transport.NewComError(t.name, "run", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := unix.Kill(-c.Process.Pid, unix.SIGKILL); err != nil {
				log.WithFields(log.Fields{
					"resource": t.name,
					"pid":      c.Process.Pid,
					"err":      err,
				}).Debug("Failed to kill process group")
			}
		case <-done:
		}
	}()
	err := c.Wait()
	close(done)

	if ctx.Err() != nil {
		return stdout.String(), stderr.String(), ctx.Err()
	}
	if _, ok := err.(*exec.ExitError); ok {
		err = nil
	}
	return stdout.String(), stderr.String(), err
}

func (t *Transport) MkDir(ctx context.Context, url string) error {
	if err := t.checkOpen("mkdir"); err != nil {
		return err
	}
	return os.MkdirAll(t.path(url), 0755)
}

func (t *Transport) RmDir(ctx context.Context, url string) error {
	if err := t.checkOpen("rmdir"); err != nil {
		return err
	}
	return os.RemoveAll(t.path(url))
}

func (t *Transport) Copy(ctx context.Context, src, dst string, mode transport.Mode) error {
	if err := t.checkOpen("copy"); err != nil {
		return err
	}
	r, err := t.transfers.WaitAlloc(ctx, 1)
	if err != nil {
		return err
	}
	inFlight := t.stat.Gauge(stats.TransportTransfersInFlightGauge)
	inFlight.Update(t.transfers.Allocated())
	defer func() {
		r.Release()
		inFlight.Update(t.transfers.Allocated())
	}()
	defer t.stat.Latency(stats.TransportCopyLatency_ms).Time().Stop()

	from, to := t.path(src), t.path(dst)
	perm := os.FileMode(0644)
	if mode == transport.ModeExecutable {
		perm = 0755
	}

	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile's perm is masked by umask and ignored for existing files.
	return os.Chmod(to, perm)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// checkOpen fails with a ComError once Close has been called, until the
// next Connect.
func (t *Transport) checkOpen(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.NewComError(t.name, op, errClosed)
	}
	return nil
}

func (t *Transport) path(url string) string {
	if transport.IsLocal(url) {
		return transport.Path(url)
	}
	return transport.ExpandWorkDir(transport.Path(url), t.workDir)
}
