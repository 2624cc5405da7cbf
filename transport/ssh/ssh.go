// Package ssh reaches a resource frontend over one SSH connection. Commands
// run in their own sessions and files move over SFTP; both are multiplexed
// on the shared connection.
package ssh

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/metagrid/gwmad/common/allocator"
	"github.com/metagrid/gwmad/common/stats"
	"github.com/metagrid/gwmad/transport"
)

const (
	DefaultPort           = "22"
	DefaultConnectTimeout = 20 * time.Second
	DefaultConnectRetries = 3
	DefaultMaxTransfers   = 3

	// At most one reconnect per interval, after the first connect.
	DefaultReconnectInterval = 5 * time.Second
)

type Config struct {
	// Resource name, used in errors and logs.
	Name string
	// host or host:port
	Frontend string
	Username string
	// Private key file; a leading ~ is the local home directory.
	PrivateKey string
	// Optional SOCKS5 proxy, host:port or socks5://host:port.
	Proxy string
	// Directory substituted for a leading ~ in remote paths.
	WorkDirectory string
	// Optional known_hosts file. Host keys are not verified when empty.
	KnownHosts string

	MaxTransfers      int
	ConnectTimeout    time.Duration
	ConnectRetries    uint64
	ReconnectInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxTransfers <= 0 {
		c.MaxTransfers = DefaultMaxTransfers
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = DefaultConnectRetries
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if _, _, err := net.SplitHostPort(c.Frontend); err != nil {
		c.Frontend = net.JoinHostPort(c.Frontend, DefaultPort)
	}
}

type Transport struct {
	cfg       Config
	transfers *allocator.AbstractAllocator
	reconnect *rate.Limiter
	stat      stats.StatsReceiver

	// Guards client, and is held while opening sessions and SFTP clients.
	mu        sync.Mutex
	client    *ssh.Client
	agentConn net.Conn
	connected bool
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config, stat stats.StatsReceiver) (*Transport, error) {
	cfg.setDefaults()
	a, err := allocator.NewAbstractAllocator(int64(cfg.MaxTransfers))
	if err != nil {
		return nil, err
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Transport{
		cfg:       cfg,
		transfers: a,
		reconnect: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		stat:      stat,
	}, nil
}

// Connect dials the frontend unless the current connection answers a
// keepalive. Network failures are retried with exponential backoff;
// resolution and authentication failures are not.
func (t *Transport) Connect(ctx context.Context) error {
	_, err := t.getClient(ctx)
	return err
}

func (t *Transport) getClient(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return t.client, nil
		}
		log.WithFields(log.Fields{
			"resource": t.cfg.Name,
			"frontend": t.cfg.Frontend,
		}).Info("SSH connection lost, reconnecting")
		t.client.Close()
		t.client = nil
	}

	if t.connected {
		t.stat.Counter(stats.TransportReconnectsCounter).Inc(1)
		if err := t.reconnect.Wait(ctx); err != nil {
			return nil, transport.NewComError(t.cfg.Name, "connect", err)
		}
	}

	clientCfg, err := t.clientConfig()
	if err != nil {
		return nil, transport.NewComError(t.cfg.Name, "connect", err)
	}

	var client *ssh.Client
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.cfg.ConnectRetries), ctx)
	err = backoff.Retry(func() error {
		c, err := t.dial(clientCfg)
		if err == nil {
			client = c
			return nil
		}
		if retryable(err) {
			log.WithFields(log.Fields{
				"resource": t.cfg.Name,
				"frontend": t.cfg.Frontend,
				"err":      err,
			}).Info("SSH connect failed, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err != nil {
		return nil, transport.NewComError(t.cfg.Name, "connect", err)
	}

	log.WithFields(log.Fields{
		"resource": t.cfg.Name,
		"frontend": t.cfg.Frontend,
		"user":     t.cfg.Username,
	}).Debug("SSH connection established")
	t.client = client
	t.connected = true
	return client, nil
}

func (t *Transport) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	t.closeAgent()
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			t.agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			log.WithFields(log.Fields{"sock": sock, "err": err}).Debug("SSH agent unreachable")
		}
	}
	if t.cfg.PrivateKey != "" {
		signer, err := loadKey(t.cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH agent and no private key configured")
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if t.cfg.KnownHosts != "" {
		cb, err := knownhosts.New(expandHome(t.cfg.KnownHosts))
		if err != nil {
			return nil, errors.Wrap(err, "loading known hosts")
		}
		hostKeys = cb
	}

	return &ssh.ClientConfig{
		User:            t.cfg.Username,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         t.cfg.ConnectTimeout,
	}, nil
}

// closeAgent drops the agent connection of the previous dial. Called with
// mu held.
func (t *Transport) closeAgent() {
	if t.agentConn != nil {
		t.agentConn.Close()
		t.agentConn = nil
	}
}

func (t *Transport) dial(cfg *ssh.ClientConfig) (*ssh.Client, error) {
	if t.cfg.Proxy == "" {
		return ssh.Dial("tcp", t.cfg.Frontend, cfg)
	}
	d, err := proxy.SOCKS5("tcp", strings.TrimPrefix(t.cfg.Proxy, "socks5://"), nil,
		&net.Dialer{Timeout: t.cfg.ConnectTimeout})
	if err != nil {
		return nil, err
	}
	conn, err := d.Dial("tcp", t.cfg.Frontend)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.cfg.Frontend, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Run opens a session under the connection lock, then runs cmd outside it.
func (t *Transport) Run(ctx context.Context, cmd string) (string, string, error) {
	defer t.stat.Latency(stats.TransportRunLatency_ms).Time().Stop()

	session, err := t.newSession(ctx)
	if err != nil {
		return "", "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return stdout.String(), stderr.String(), ctx.Err()
	}

	switch err.(type) {
	case nil, *ssh.ExitError, *ssh.ExitMissingError:
		return stdout.String(), stderr.String(), nil
	default:
		return stdout.String(), stderr.String(), transport.NewComError(t.cfg.Name, "run", err)
	}
}

func (t *Transport) newSession(ctx context.Context) (*ssh.Session, error) {
	client, err := t.getClient(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := client.NewSession()
	if err != nil {
		return nil, transport.NewComError(t.cfg.Name, "open session", err)
	}
	return s, nil
}

func (t *Transport) newSFTP(ctx context.Context) (*sftp.Client, error) {
	client, err := t.getClient(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, transport.NewComError(t.cfg.Name, "open sftp", err)
	}
	return sc, nil
}

func (t *Transport) MkDir(ctx context.Context, url string) error {
	sc, err := t.newSFTP(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()
	return sc.MkdirAll(t.remotePath(url))
}

func (t *Transport) RmDir(ctx context.Context, url string) error {
	sc, err := t.newSFTP(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()
	dir := t.remotePath(url)
	if _, err := sc.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return rmdirRecursive(sc, dir)
}

func rmdirRecursive(sc *sftp.Client, dir string) error {
	entries, err := sc.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := path.Join(dir, e.Name())
		if e.IsDir() {
			if err := rmdirRecursive(sc, p); err != nil {
				return err
			}
			continue
		}
		if err := sc.Remove(p); err != nil {
			return err
		}
	}
	return sc.RemoveDirectory(dir)
}

// Copy uploads when src is a file:// URL and downloads otherwise. At most
// MaxTransfers copies run at once.
func (t *Transport) Copy(ctx context.Context, src, dst string, mode transport.Mode) error {
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

	sc, err := t.newSFTP(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	if transport.IsLocal(src) {
		err = t.put(sc, transport.Path(src), t.remotePath(dst), mode)
	} else {
		err = get(sc, t.remotePath(src), transport.Path(dst))
	}
	return errors.Wrapf(err, "copying %s to %s", src, dst)
}

func (t *Transport) put(sc *sftp.Client, from, to string, mode transport.Mode) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := sc.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
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
	if mode == transport.ModeExecutable {
		return sc.Chmod(to, 0755)
	}
	return nil
}

func get(sc *sftp.Client, from, to string) error {
	in, err := sc.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeAgent()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *Transport) remotePath(url string) string {
	return transport.ExpandWorkDir(transport.Path(url), t.cfg.WorkDirectory)
}

// DNS failures and handshake rejections won't change on retry.
func retryable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func loadKey(file string) (ssh.Signer, error) {
	pem, err := os.ReadFile(expandHome(file))
	if err != nil {
		return nil, errors.Wrap(err, "reading private key")
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing private key %s", file)
	}
	return signer, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}
