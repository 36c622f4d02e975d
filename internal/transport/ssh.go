package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/shellmux/shellmux/internal/state"
)

const (
	sshDialTimeout = 15 * time.Second
	outputBufSize  = 256
	readChunkSize  = 8192
)

// SSHClient is the plain SSH transport. One TCP/SSH connection can carry
// any number of shells (one ssh.Session channel each).
type SSHClient struct {
	server ServerConfig

	mu        sync.RWMutex
	client    *ssh.Client
	shells    map[ShellID]*sshShell
	nextShell int
	closed    bool
}

type sshShell struct {
	id      ShellID
	session *ssh.Session
	stdin   io.WriteCloser
	out     chan []byte
	done    chan struct{}

	closeOnce sync.Once
}

func (sh *sshShell) close() {
	sh.closeOnce.Do(func() {
		close(sh.done)
		sh.stdin.Close()
		sh.session.Close()
	})
}

// NewSSHClient creates a client for the given server. No I/O happens until
// Connect.
func NewSSHClient(server ServerConfig) *SSHClient {
	return &SSHClient{
		server: server,
		shells: make(map[ShellID]*sshShell),
	}
}

// Connect establishes the SSH connection. Idempotent when already connected.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}
	c.closed = false

	cfg, err := c.clientConfig()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(c.server.Host, fmt.Sprintf("%d", c.server.Port))
	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Op: "dial " + addr, Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return classifyHandshakeError(err)
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	fmt.Printf("[ssh %s] connected to %s\n", c.server.ID, addr)
	return nil
}

// Connected reports whether the client has a live connection.
func (c *SSHClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && !c.closed
}

// Exec runs a non-interactive command and returns its stdout.
func (c *SSHClient) Exec(ctx context.Context, command string) (string, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return "", &TransportError{Op: "exec", Err: ErrNotConnected}
	}

	session, err := client.NewSession()
	if err != nil {
		return "", &ChannelError{Op: "channel-open", Err: err}
	}
	defer session.Close()

	type execResult struct {
		out []byte
		err error
	}
	done := make(chan execResult, 1)
	go func() {
		out, err := session.Output(command)
		done <- execResult{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			// Non-zero exit is a command result, not a channel failure.
			if _, ok := res.err.(*ssh.ExitError); ok {
				return strings.TrimSpace(string(res.out)), res.err
			}
			return "", &ChannelError{Op: "exec", Err: res.err}
		}
		return strings.TrimSpace(string(res.out)), nil
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	}
}

// StartShell opens a new channel, requests a PTY sized to the grid and
// starts either the login shell or the given startup command.
func (c *SSHClient) StartShell(ctx context.Context, cols, rows int, startupCommand string) (ShellResult, error) {
	c.mu.Lock()
	client := c.client
	if client == nil {
		c.mu.Unlock()
		return ShellResult{}, &TransportError{Op: "start-shell", Err: ErrNotConnected}
	}
	c.nextShell++
	id := ShellID(fmt.Sprintf("%s/shell-%d", c.server.ID, c.nextShell))
	c.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		return ShellResult{}, &ChannelError{Op: "channel-open", Err: err}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return ShellResult{}, &ChannelError{Op: "pty-request", Err: err}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return ShellResult{}, &ChannelError{Op: "stdin-pipe", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return ShellResult{}, &ChannelError{Op: "stdout-pipe", Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return ShellResult{}, &ChannelError{Op: "stderr-pipe", Err: err}
	}

	if startupCommand != "" {
		err = session.Start(startupCommand)
	} else {
		err = session.Shell()
	}
	if err != nil {
		session.Close()
		return ShellResult{}, &ChannelError{Op: "shell-request", Err: err}
	}

	sh := &sshShell{
		id:      id,
		session: session,
		stdin:   stdin,
		out:     make(chan []byte, outputBufSize),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.shells[id] = sh
	c.mu.Unlock()

	go c.pumpShell(sh, stdout, stderr)

	fmt.Printf("[ssh %s] shell %s started (%dx%d)\n", c.server.ID, id, cols, rows)
	return ShellResult{ID: id, Transport: state.TransportSSH}, nil
}

// pumpShell forwards stdout and stderr into the shell's output channel and
// closes it when the remote process exits.
func (c *SSHClient) pumpShell(sh *sshShell, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	var outMu sync.Mutex // serializes sends so close happens after both readers stop

	pump := func(r io.Reader) {
		defer wg.Done()
		buf := make([]byte, readChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				outMu.Lock()
				// A consumer that stopped draining must not park the pump
				// forever against a full buffer; close unblocks it.
				select {
				case sh.out <- chunk:
				case <-sh.done:
					outMu.Unlock()
					return
				}
				outMu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}

	wg.Add(2)
	go pump(stdout)
	go pump(stderr)
	wg.Wait()

	// Reap the remote process, then signal stream end.
	_ = sh.session.Wait()
	close(sh.out)

	c.mu.Lock()
	delete(c.shells, sh.id)
	c.mu.Unlock()
	fmt.Printf("[ssh %s] shell %s exited\n", c.server.ID, sh.id)
}

// Output returns the inbound stream for a shell. Unknown shells get a closed
// channel so read loops terminate instead of blocking.
func (c *SSHClient) Output(id ShellID) <-chan []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sh, ok := c.shells[id]; ok {
		return sh.out
	}
	closed := make(chan []byte)
	close(closed)
	return closed
}

// Write sends input bytes to a shell's stdin.
func (c *SSHClient) Write(id ShellID, data []byte) error {
	c.mu.RLock()
	sh, ok := c.shells[id]
	c.mu.RUnlock()
	if !ok {
		return &TransportError{Op: "write", Err: fmt.Errorf("unknown shell %s: %w", id, ErrNotConnected)}
	}
	if _, err := sh.stdin.Write(data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Resize sends a window-change request for a shell's PTY.
func (c *SSHClient) Resize(id ShellID, cols, rows int) error {
	c.mu.RLock()
	sh, ok := c.shells[id]
	c.mu.RUnlock()
	if !ok {
		return &TransportError{Op: "resize", Err: fmt.Errorf("unknown shell %s: %w", id, ErrNotConnected)}
	}
	if err := sh.session.WindowChange(rows, cols); err != nil {
		return &ChannelError{Op: "window-change", Err: err}
	}
	return nil
}

// CloseShell closes one shell's channel, leaving the connection and any
// sibling shells alive.
func (c *SSHClient) CloseShell(id ShellID) error {
	c.mu.Lock()
	sh, ok := c.shells[id]
	delete(c.shells, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	sh.close()
	return nil
}

// Disconnect tears down every shell and the connection itself.
func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	client := c.client
	shells := make([]*sshShell, 0, len(c.shells))
	for _, sh := range c.shells {
		shells = append(shells, sh)
	}
	c.client = nil
	c.shells = make(map[ShellID]*sshShell)
	c.closed = true
	c.mu.Unlock()

	for _, sh := range shells {
		sh.close()
	}
	if client != nil {
		fmt.Printf("[ssh %s] disconnecting\n", c.server.ID)
		return client.Close()
	}
	return nil
}

// clientConfig builds the ssh.ClientConfig from the server entry.
func (c *SSHClient) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.server.KeyPath != "" {
		keyData, err := os.ReadFile(expandHome(c.server.KeyPath))
		if err != nil {
			return nil, &AuthError{Op: "read-key", Err: err}
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, &AuthError{Op: "parse-key", Err: err}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.server.PasswordEnv != "" {
		if pw := os.Getenv(c.server.PasswordEnv); pw != "" {
			auth = append(auth, ssh.Password(pw))
		}
	}
	if len(auth) == 0 {
		return nil, &AuthError{Op: "config", Err: fmt.Errorf("server %s has no usable credentials", c.server.ID)}
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.server.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshDialTimeout,
	}, nil
}

func (c *SSHClient) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := c.server.KnownHostsPath
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, &AuthError{Op: "known-hosts", Err: err}
		}
		path = filepath.Join(homeDir, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, &AuthError{Op: "known-hosts", Err: err}
	}
	return cb, nil
}

// classifyHandshakeError separates credential and host-key failures (which
// need user action) from transient transport failures.
func classifyHandshakeError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"):
		return &AuthError{Op: "authenticate", Err: err}
	case strings.Contains(msg, "knownhosts"),
		strings.Contains(msg, "host key"):
		return &AuthError{Op: "host-key-verification", Err: err}
	default:
		return &TransportError{Op: "handshake", Err: err}
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
