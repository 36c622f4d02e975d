// Package tmux decides how a new remote shell should negotiate multiplexer
// attachment: attach an existing session, create a new one, or skip tmux
// entirely.
package tmux

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/shellmux/shellmux/internal/config"
	"github.com/shellmux/shellmux/internal/state"
)

// MinVersion is the oldest tmux we will drive. new-session -A appeared in 1.8.
const MinVersion = "1.8"

// Plan describes what to prepend to the shell-start request.
type Plan struct {
	// Command is the startup command for the remote shell. Empty means a
	// plain login shell.
	Command string

	// SkipLifecycle is set when tmux is disabled or unusable; suspend and
	// reattach semantics then degrade to plain shell behavior.
	SkipLifecycle bool

	// SessionName is the multiplexer session the command targets. Empty
	// when SkipLifecycle is set.
	SessionName string
}

// Planner produces a Plan for a connection attempt. Implemented by
// StartupPlanner; faked in coordinator tests.
type Planner interface {
	Plan(ctx context.Context, probe Prober, mode config.TmuxMode, sessionName string) (Plan, state.TmuxStatus)
}

// Prober is the slice of the transport client the planner needs.
type Prober interface {
	Exec(ctx context.Context, command string) (string, error)
}

// StartupPlanner probes the remote host once per connection attempt.
type StartupPlanner struct {
	minVersion *semver.Version
}

// NewStartupPlanner creates a planner with the default version gate.
func NewStartupPlanner() *StartupPlanner {
	return &StartupPlanner{minVersion: semver.MustParse(MinVersion)}
}

var tmuxVersionRegex = regexp.MustCompile(`tmux\s+(\d+(?:\.\d+)*)`)

// Plan decides the startup command for one attempt.
func (p *StartupPlanner) Plan(ctx context.Context, probe Prober, mode config.TmuxMode, sessionName string) (Plan, state.TmuxStatus) {
	if mode == config.TmuxModeOff {
		return Plan{SkipLifecycle: true}, state.TmuxOff
	}

	if out, err := probe.Exec(ctx, "command -v tmux"); err != nil || strings.TrimSpace(out) == "" {
		fmt.Printf("[tmux-plan] tmux binary not found on remote, starting plain shell\n")
		return Plan{SkipLifecycle: true}, state.TmuxMissing
	}

	if !p.versionOK(ctx, probe) {
		fmt.Printf("[tmux-plan] remote tmux older than %s, starting plain shell\n", MinVersion)
		return Plan{SkipLifecycle: true}, state.TmuxUnknown
	}

	name := SanitizeSessionName(sessionName)
	// new-session -A attaches when the session already exists, so one
	// command covers both the attach and create paths.
	cmd := fmt.Sprintf("tmux new-session -A -s %s", name)
	return Plan{Command: cmd, SessionName: name}, state.TmuxForeground
}

// versionOK parses `tmux -V` output and compares against the gate.
// Unparseable versions (openbsd snapshots, "next-3.6") pass: refusing to
// attach on a too-new tmux would be worse than a failed attach.
func (p *StartupPlanner) versionOK(ctx context.Context, probe Prober) bool {
	out, err := probe.Exec(ctx, "tmux -V")
	if err != nil {
		return false
	}
	matches := tmuxVersionRegex.FindStringSubmatch(out)
	if matches == nil {
		return true
	}
	v, err := semver.NewVersion(matches[1])
	if err != nil {
		return true
	}
	return !v.LessThan(p.minVersion)
}

// SessionExists reports whether a named tmux session is present on the
// remote. Used when re-adopting persisted sessions after a daemon restart.
func SessionExists(ctx context.Context, probe Prober, sessionName string) bool {
	_, err := probe.Exec(ctx, fmt.Sprintf("tmux has-session -t =%s", SanitizeSessionName(sessionName)))
	return err == nil
}

// SanitizeSessionName makes a name safe for tmux. Session names cannot
// contain dots or colons.
func SanitizeSessionName(name string) string {
	name = strings.ReplaceAll(name, ".", "-")
	name = strings.ReplaceAll(name, ":", "-")
	name = strings.ReplaceAll(name, " ", "-")
	return name
}

var _ Planner = (*StartupPlanner)(nil)
