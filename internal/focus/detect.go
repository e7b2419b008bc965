package focus

import (
	"fmt"
	"os"
	"os/exec"
)

// Detect picks a probe for name: "tmux", "command", "none", or "auto".
// Auto uses tmux when running inside (or next to) a tmux server, then the
// focus command if one is configured, and otherwise gives up with Nop.
func Detect(name, command string) (Probe, error) {
	switch name {
	case "tmux":
		return NewTmux(), nil
	case "command":
		if command == "" {
			return nil, fmt.Errorf("focus probe %q needs a focus command", name)
		}
		return NewCommand(command), nil
	case "none":
		return Nop{}, nil
	case "", "auto":
		if os.Getenv("TMUX") != "" {
			return NewTmux(), nil
		}
		if command != "" {
			return NewCommand(command), nil
		}
		if tmuxPath, err := exec.LookPath("tmux"); err == nil && tmuxPath != "" {
			if exec.Command("tmux", "list-sessions").Run() == nil {
				return NewTmux(), nil
			}
		}
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown focus probe %q (supported: auto, tmux, command, none)", name)
	}
}
