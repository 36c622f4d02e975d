package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/shellmux/shellmux/internal/state"
)

// moshConnectRegex matches the bootstrap line mosh-server prints:
// MOSH CONNECT <udp-port> <base64-key>
var moshConnectRegex = regexp.MustCompile(`MOSH CONNECT (\d+) (\S+)`)

const moshClientBinary = "mosh-client"

// MoshClient runs shells over mosh when the remote has mosh-server, and
// transparently falls back to plain SSH for the connection when it doesn't.
// SSH stays connected either way: it bootstraps mosh-server and carries the
// planner's probes.
type MoshClient struct {
	ssh    *SSHClient
	server ServerConfig

	mu        sync.Mutex
	shells    map[ShellID]*moshShell
	nextShell int
}

type moshShell struct {
	id   ShellID
	cmd  *exec.Cmd
	ptmx *os.File
	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// NewMoshClient creates a mosh transport for the given server.
func NewMoshClient(server ServerConfig) *MoshClient {
	return &MoshClient{
		ssh:    NewSSHClient(server),
		server: server,
		shells: make(map[ShellID]*moshShell),
	}
}

func (c *MoshClient) Connect(ctx context.Context) error { return c.ssh.Connect(ctx) }
func (c *MoshClient) Connected() bool                   { return c.ssh.Connected() }

func (c *MoshClient) Exec(ctx context.Context, command string) (string, error) {
	return c.ssh.Exec(ctx, command)
}

// StartShell bootstraps mosh-server over the SSH connection and attaches a
// local mosh-client under a PTY. When mosh-server is absent the shell starts
// over SSH instead, with the fallback reason recorded in the result.
func (c *MoshClient) StartShell(ctx context.Context, cols, rows int, startupCommand string) (ShellResult, error) {
	probe, err := c.ssh.Exec(ctx, "command -v mosh-server")
	if err != nil || strings.TrimSpace(probe) == "" {
		fmt.Printf("[mosh %s] mosh-server not found on remote, falling back to ssh\n", c.server.ID)
		return c.fallbackShell(ctx, cols, rows, startupCommand, state.FallbackServerMissing)
	}

	bootstrapCmd := "mosh-server new -s -c 256"
	if startupCommand != "" {
		bootstrapCmd = fmt.Sprintf("%s -- %s", bootstrapCmd, startupCommand)
	}
	bootstrap, err := c.ssh.Exec(ctx, bootstrapCmd)
	if err != nil {
		fmt.Printf("[mosh %s] mosh-server bootstrap failed: %v, falling back to ssh\n", c.server.ID, err)
		return c.fallbackShell(ctx, cols, rows, startupCommand, state.FallbackStartupFailed)
	}

	matches := moshConnectRegex.FindStringSubmatch(bootstrap)
	if matches == nil {
		fmt.Printf("[mosh %s] no MOSH CONNECT line in bootstrap output, falling back to ssh\n", c.server.ID)
		return c.fallbackShell(ctx, cols, rows, startupCommand, state.FallbackStartupFailed)
	}
	port, key := matches[1], matches[2]

	cmd := exec.Command(moshClientBinary, c.server.Host, port)
	cmd.Env = append(os.Environ(), "MOSH_KEY="+key)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		fmt.Printf("[mosh %s] failed to start %s: %v, falling back to ssh\n", c.server.ID, moshClientBinary, err)
		return c.fallbackShell(ctx, cols, rows, startupCommand, state.FallbackStartupFailed)
	}

	c.mu.Lock()
	c.nextShell++
	id := ShellID(fmt.Sprintf("%s/mosh-%d", c.server.ID, c.nextShell))
	sh := &moshShell{
		id:   id,
		cmd:  cmd,
		ptmx: ptmx,
		out:  make(chan []byte, outputBufSize),
		done: make(chan struct{}),
	}
	c.shells[id] = sh
	c.mu.Unlock()

	go c.pumpShell(sh)

	fmt.Printf("[mosh %s] shell %s started via %s (udp port %s)\n", c.server.ID, id, moshClientBinary, port)
	return ShellResult{ID: id, Transport: state.TransportMosh}, nil
}

func (c *MoshClient) fallbackShell(ctx context.Context, cols, rows int, startupCommand string, reason state.FallbackReason) (ShellResult, error) {
	res, err := c.ssh.StartShell(ctx, cols, rows, startupCommand)
	if err != nil {
		return ShellResult{}, err
	}
	res.Transport = state.TransportSSHFallback
	res.FallbackReason = reason
	return res, nil
}

func (c *MoshClient) pumpShell(sh *moshShell) {
	buf := make([]byte, readChunkSize)
loop:
	for {
		n, err := sh.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			// A consumer that stopped draining must not park the pump
			// forever against a full buffer; close unblocks it.
			select {
			case sh.out <- chunk:
			case <-sh.done:
				break loop
			}
		}
		if err != nil {
			break
		}
	}
	_ = sh.cmd.Wait()
	close(sh.out)

	c.mu.Lock()
	delete(c.shells, sh.id)
	c.mu.Unlock()
	fmt.Printf("[mosh %s] shell %s exited\n", c.server.ID, sh.id)
}

// Output returns the inbound stream for a shell, delegating to the SSH
// client for fallback shells.
func (c *MoshClient) Output(id ShellID) <-chan []byte {
	c.mu.Lock()
	sh, ok := c.shells[id]
	c.mu.Unlock()
	if ok {
		return sh.out
	}
	return c.ssh.Output(id)
}

func (c *MoshClient) Write(id ShellID, data []byte) error {
	c.mu.Lock()
	sh, ok := c.shells[id]
	c.mu.Unlock()
	if !ok {
		return c.ssh.Write(id, data)
	}
	if _, err := sh.ptmx.Write(data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *MoshClient) Resize(id ShellID, cols, rows int) error {
	c.mu.Lock()
	sh, ok := c.shells[id]
	c.mu.Unlock()
	if !ok {
		return c.ssh.Resize(id, cols, rows)
	}
	if err := pty.Setsize(sh.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return &TransportError{Op: "resize", Err: err}
	}
	return nil
}

func (c *MoshClient) CloseShell(id ShellID) error {
	c.mu.Lock()
	sh, ok := c.shells[id]
	delete(c.shells, id)
	c.mu.Unlock()
	if !ok {
		return c.ssh.CloseShell(id)
	}
	sh.close()
	return nil
}

func (sh *moshShell) close() {
	sh.closeOnce.Do(func() {
		close(sh.done)
		_ = sh.ptmx.Close()
		if sh.cmd.Process != nil {
			_ = sh.cmd.Process.Kill()
		}
	})
}

// Disconnect kills every mosh client process and closes the SSH connection.
func (c *MoshClient) Disconnect() error {
	c.mu.Lock()
	shells := make([]*moshShell, 0, len(c.shells))
	for _, sh := range c.shells {
		shells = append(shells, sh)
	}
	c.shells = make(map[ShellID]*moshShell)
	c.mu.Unlock()

	for _, sh := range shells {
		sh.close()
	}
	return c.ssh.Disconnect()
}

// NewClient is the default transport factory: mosh when the server prefers
// it, plain SSH otherwise.
func NewClient(server ServerConfig) Client {
	if server.PreferMosh {
		return NewMoshClient(server)
	}
	return NewSSHClient(server)
}

var (
	_ Client = (*SSHClient)(nil)
	_ Client = (*MoshClient)(nil)
)
