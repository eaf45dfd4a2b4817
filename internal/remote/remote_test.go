package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"/opt/gridbot/.venv", "/opt/gridbot/.venv"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in), tt.in)
	}
}

func TestSudo(t *testing.T) {
	assert.Equal(t, "apt-get update", Sudo(false, "apt-get update"))
	assert.Equal(t, "sudo -n sh -c 'apt-get update'", Sudo(true, "apt-get update"))
}

func TestLocalRunner(t *testing.T) {
	dir := t.TempDir()
	r := NewLocalRunner(dir, 5*time.Second)
	ctx := context.Background()

	res, err := r.Run(ctx, Command{Line: "pwd; echo oops >&2"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Equal(t, resolved, strings.TrimSpace(res.Stdout))
	assert.Equal(t, "oops\n", res.Stderr)

	res, err = r.Run(ctx, Command{Line: "exit 7"})
	require.NoError(t, err, "non-zero exit is not a transport error")
	assert.Equal(t, 7, res.ExitStatus)

	res, err = r.Run(ctx, Command{Line: "cat", Stdin: []byte("payload")})
	require.NoError(t, err)
	assert.Equal(t, "payload", res.Stdout)
}

func TestLocalRunner_Timeout(t *testing.T) {
	r := NewLocalRunner(t.TempDir(), 100*time.Millisecond)
	_, err := r.Run(context.Background(), Command{Line: "sleep 5"})
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestExec(t *testing.T) {
	r := NewLocalRunner(t.TempDir(), 5*time.Second)

	_, err := Exec(context.Background(), r, "echo denied >&2; exit 3")
	require.Error(t, err)
	assert.False(t, IsTransport(err))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Status)
	assert.Contains(t, exitErr.Error(), "denied")
}

// testSSHServer answers exec requests with "ran: <command>" and exits with
// status 3 for the command "fail".
func testSSHServer(t *testing.T, clientKey ssh.PublicKey) (addr string, hostKey ssh.PublicKey) {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) != string(clientKey.Marshal()) {
				return nil, assert.AnError
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg)
		}
	}()
	return ln.Addr().String(), hostSigner.PublicKey()
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				_, _ = ch.Write([]byte("ran: " + payload.Command))
				status := uint32(0)
				if payload.Command == "fail" {
					status = 3
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func writeClientKey(t *testing.T, dir string) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return path, signer.PublicKey()
}

func TestSSHRunner(t *testing.T) {
	dir := t.TempDir()
	keyFile, clientPub := writeClientKey(t, dir)
	addr, hostKey := testSSHServer(t, clientPub)

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	knownHostsFile := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, hostKey)
	require.NoError(t, os.WriteFile(knownHostsFile, []byte(line+"\n"), 0o600))

	r, err := NewSSHRunner(SSHConfig{
		Host:           host,
		Port:           port,
		User:           "deploy",
		KeyFile:        keyFile,
		KnownHosts:     knownHostsFile,
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	res, err := r.Run(ctx, Command{Line: "uname -a"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)
	assert.Equal(t, "ran: uname -a", res.Stdout)

	res, err = r.Run(ctx, Command{Line: "fail"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitStatus)
}

func TestSSHRunner_UnknownHostKey(t *testing.T) {
	dir := t.TempDir()
	keyFile, clientPub := writeClientKey(t, dir)
	addr, _ := testSSHServer(t, clientPub)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	knownHostsFile := filepath.Join(dir, "known_hosts")
	require.NoError(t, os.WriteFile(knownHostsFile, nil, 0o600))

	r, err := NewSSHRunner(SSHConfig{Host: host, Port: port, User: "deploy", KeyFile: keyFile, KnownHosts: knownHostsFile}, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Run(context.Background(), Command{Line: "true"})
	require.Error(t, err)
	assert.False(t, IsTransport(err), "host key rejection must not be retried")
}

func TestNewSSHRunner_MissingKey(t *testing.T) {
	_, err := NewSSHRunner(SSHConfig{Host: "203.0.113.1", KeyFile: filepath.Join(t.TempDir(), "nope")}, nil)
	assert.Error(t, err)
}

func TestSSHRunner_DialFailureIsTransport(t *testing.T) {
	dir := t.TempDir()
	keyFile, _ := writeClientKey(t, dir)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	r, err := NewSSHRunner(SSHConfig{
		Host: "127.0.0.1", Port: addr.Port, KeyFile: keyFile,
		InsecureIgnoreHostKey: true, ConnectTimeout: time.Second,
	}, nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), Command{Line: "true"})
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}
