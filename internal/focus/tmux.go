package focus

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// tmuxFormat renders the active pane of the most recently used client as
// "key:value;" tokens. The trailing ';' keeps "pane:%1;" from matching
// "pane:%12;".
const tmuxFormat = "session:#{session_name};window:#{window_name};pane:#{pane_id};tty:#{pane_tty};path:#{pane_current_path};"

// Tmux probes the active tmux pane via display-message.
type Tmux struct{}

// NewTmux creates a tmux focus probe.
func NewTmux() *Tmux {
	return &Tmux{}
}

// Name returns "tmux".
func (t *Tmux) Name() string {
	return "tmux"
}

// Identity returns the active pane as "session:..;window:..;pane:..;tty:..;path:..;".
func (t *Tmux) Identity(ctx context.Context) (string, error) {
	out, err := run(ctx, "tmux", "display-message", "-p", tmuxFormat)
	if err != nil {
		return "", fmt.Errorf("tmux display-message: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// PaneHint is the hint a listener running in tmux pane paneID advertises so
// that the tmux probe output contains it.
func PaneHint(paneID string) string {
	if paneID == "" {
		return ""
	}
	return "pane:" + paneID + ";"
}

// Command runs a user-supplied shell command and uses its stdout as the
// identity, e.g. an osascript that prints the frontmost window title.
type Command struct {
	Shell string
	Line  string
}

// NewCommand creates a command probe run through /bin/sh -c.
func NewCommand(line string) *Command {
	return &Command{Shell: "/bin/sh", Line: line}
}

// Name returns "command".
func (c *Command) Name() string {
	return "command"
}

// Identity runs the command and returns its trimmed stdout.
func (c *Command) Identity(ctx context.Context) (string, error) {
	out, err := run(ctx, c.Shell, "-c", c.Line)
	if err != nil {
		return "", fmt.Errorf("focus command: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// run executes a command and returns its stdout.
func run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("%w: %s", err, string(exitErr.Stderr))
		}
		return "", err
	}
	return string(out), nil
}
