package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gridkeeper/internal/core"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes how to reach a target over SSH
type SSHConfig struct {
	Host                  string
	Port                  int
	User                  string
	KeyFile               string
	Passphrase            string
	KnownHosts            string // defaults to ~/.ssh/known_hosts
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
	CommandTimeout        time.Duration
}

// SSHRunner runs commands over a lazily dialed, reused SSH connection.
// A broken connection is dropped and redialed on the next Run.
type SSHRunner struct {
	cfg       SSHConfig
	clientCfg *ssh.ClientConfig
	addr      string
	logger    core.ILogger

	mu           sync.Mutex
	client       *ssh.Client
	hostRejected bool
}

// NewSSHRunner loads the key and host key database. It does not dial.
func NewSSHRunner(cfg SSHConfig, logger core.ILogger) (*SSHRunner, error) {
	logger = core.OrNop(logger).WithField("component", "ssh").WithField("host", cfg.Host)
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	signer, err := loadSigner(cfg.KeyFile, cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	verify, err := hostKeyCallback(cfg, logger)
	if err != nil {
		return nil, err
	}

	r := &SSHRunner{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: logger,
	}
	r.clientCfg = &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// called with r.mu held from connect
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := verify(hostname, remote, key); err != nil {
				r.hostRejected = true
				return err
			}
			return nil
		},
		Timeout: cfg.ConnectTimeout,
	}
	return r, nil
}

func loadSigner(keyFile, passphrase string) (ssh.Signer, error) {
	if keyFile == "" {
		return nil, fmt.Errorf("ssh key file is required")
	}
	data, err := os.ReadFile(expandHome(keyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %w", keyFile, err)
	}
	return signer, nil
}

func hostKeyCallback(cfg SSHConfig, logger core.ILogger) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		logger.Warn("Host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHosts
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func (r *SSHRunner) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	dialer := net.Dialer{Timeout: r.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	_ = conn.SetDeadline(time.Now().Add(r.cfg.ConnectTimeout))
	r.hostRejected = false
	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.clientCfg)
	if err != nil {
		conn.Close()
		if r.hostRejected {
			// unknown or mismatched host key, retrying cannot help
			return nil, fmt.Errorf("ssh handshake with %s: %w", r.addr, err)
		}
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	r.client = ssh.NewClient(c, chans, reqs)
	r.logger.Debug("SSH connection established", "addr", r.addr)
	return r.client, nil
}

func (r *SSHRunner) drop(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		r.client.Close()
		r.client = nil
	}
}

// Run executes cmd.Line in a new session
func (r *SSHRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	runCtx := ctx
	if r.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.CommandTimeout)
		defer cancel()
	}

	client, err := r.connect(runCtx)
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		r.drop(client)
		return Result{}, &TransportError{Op: "session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != nil {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd.Line) }()

	select {
	case err = <-done:
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return Result{}, &TransportError{Op: "run", Err: runCtx.Err()}
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		return res, nil
	}
	r.drop(client)
	return res, &TransportError{Op: "run", Err: err}
}

// Close releases the connection
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
