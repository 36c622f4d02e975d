// Package daemon runs the background process that owns transport clients
// and sessions, so UI surfaces can come and go without killing shells.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shellmux/shellmux/internal/config"
	"github.com/shellmux/shellmux/internal/dashboard"
	"github.com/shellmux/shellmux/internal/session"
	"github.com/shellmux/shellmux/internal/state"
	"github.com/shellmux/shellmux/internal/tmux"
	"github.com/shellmux/shellmux/internal/transport"
)

const pidFileName = "daemon.pid"

var shutdownChan = make(chan struct{})

// shellmuxDir returns ~/.shellmux, creating it when missing.
func shellmuxDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".shellmux")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create shellmux directory: %w", err)
	}
	return dir, nil
}

// Start starts the daemon in the background.
func Start() error {
	dir, err := shellmuxDir()
	if err != nil {
		return err
	}
	pidFile := filepath.Join(dir, pidFileName)

	// Check if already running
	if _, err := os.Stat(pidFile); err == nil {
		pidData, err := os.ReadFile(pidFile)
		if err != nil {
			return fmt.Errorf("failed to read PID file: %w", err)
		}

		var pid int
		if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
			process, err := os.FindProcess(pid)
			if err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("daemon is already running (PID %d)", pid)
				}
			}
		}

		// Process not running, remove stale PID file
		os.Remove(pidFile)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(execPath, "daemon-run")
	cmd.Dir, _ = os.Getwd()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Give the child a moment to write its PID file.
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Stop stops the daemon.
func Stop() error {
	dir, err := shellmuxDir()
	if err != nil {
		return err
	}
	pidFile := filepath.Join(dir, pidFileName)

	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon is not running")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err != nil {
		return fmt.Errorf("failed to parse PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// Poll for exit; Wait() does not work for non-child processes.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for daemon to stop")
}

// Status returns the status of the daemon.
func Status() (running bool, url string, startedAt string, err error) {
	dir, err := shellmuxDir()
	if err != nil {
		return false, "", "", err
	}
	pidFile := filepath.Join(dir, pidFileName)
	startedFile := filepath.Join(dir, "daemon.started")

	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", "", nil
		}
		return false, "", "", fmt.Errorf("failed to read PID file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err != nil {
		return false, "", "", fmt.Errorf("failed to parse PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "", "", fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, "", "", nil
	}

	cfgPath, err := config.DefaultPath()
	addr := config.DefaultListenAddr
	if err == nil {
		if cfg, err := config.Load(cfgPath); err == nil {
			addr = cfg.GetListenAddr()
		}
	}

	url = fmt.Sprintf("http://%s", addr)
	if startedData, err := os.ReadFile(startedFile); err == nil {
		startedAt = strings.TrimSpace(string(startedData))
	}
	return true, url, startedAt, nil
}

// Run runs the daemon (this is the entry point for the daemon process).
func Run() error {
	dir, err := shellmuxDir()
	if err != nil {
		return err
	}

	pidFile := filepath.Join(dir, pidFileName)
	startedFile := filepath.Join(dir, "daemon.started")

	pid := os.Getpid()
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	startedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if err := os.WriteFile(startedFile, []byte(startedAt+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write daemon start time: %w", err)
	}

	cfgPath, err := config.DefaultPath()
	if err != nil {
		return err
	}
	cfg, err := config.EnsureExists(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	statePath := filepath.Join(dir, "state.json")
	st, err := state.Load(statePath)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	reg := session.NewRegistry()
	planner := tmux.NewStartupPlanner()
	sm := session.NewManager(cfg, st, reg, planner, transport.NewClient, nil)

	// Sessions persisted before the restart may still have a live tmux
	// session on the remote; probe them so the UI can offer reattach.
	readoptCtx, readoptCancel := context.WithTimeout(context.Background(), 30*time.Second)
	go func() {
		defer readoptCancel()
		sm.ReadoptSessions(readoptCtx)
	}()

	// Reload server definitions when the config file changes on disk.
	if watcher := config.NewWatcher(cfg, nil); watcher != nil {
		if err := watcher.Start(); err != nil {
			fmt.Printf("config watcher unavailable: %v\n", err)
		} else {
			defer watcher.Stop()
		}
	}

	server := dashboard.NewServer(cfg, st, sm)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fmt.Printf("Received signal %v, shutting down...\n", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("dashboard server error: %w", err)
	case <-shutdownChan:
		fmt.Println("Shutdown requested")
	}

	// Suspend sessions first so tmux-backed shells detach cleanly.
	sm.Shutdown()

	if err := server.Stop(); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	return nil
}

// Shutdown triggers a graceful shutdown.
func Shutdown() {
	close(shutdownChan)
}
