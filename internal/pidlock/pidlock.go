// Package pidlock keeps a single relay instance per lock file.
//
// The file records the owner's PID (plus its bound addresses once known).
// Acquiring a lock held by a live process asks that process to exit with
// SIGTERM, escalating to SIGKILL after the timeout.
package pidlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/timvw/pane-relay/internal/logging"
)

// ErrLocked is returned when the previous owner could not be stopped.
var ErrLocked = errors.New("pidlock: held by a live process")

// Info is the lock file content.
type Info struct {
	PID          int       `json:"pid"`
	StartTime    time.Time `json:"startTime"`
	Version      string    `json:"version,omitempty"`
	ProducerAddr string    `json:"producerAddr,omitempty"`
	ListenerAddr string    `json:"listenerAddr,omitempty"`
}

// DefaultPath returns ~/.config/pane-relay/relay.pid.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pane-relay.pid")
	}
	return filepath.Join(home, ".config", "pane-relay", "relay.pid")
}

// Lock is an acquired lock file.
type Lock struct {
	path string
	info Info
	log  *slog.Logger
}

// pollInterval is how often a signalled process is checked for exit.
const pollInterval = 20 * time.Millisecond

// Acquire takes over the lock at path. A live previous owner is sent
// SIGTERM and, if still running after timeout, SIGKILL.
func Acquire(path, version string, timeout time.Duration, log *slog.Logger) (*Lock, error) {
	log = logging.OrNop(log)

	prev, err := Read(path)
	switch {
	case err == nil:
		if prev.PID > 0 && prev.PID != os.Getpid() && IsRunning(prev.PID) {
			log.Info("stopping previous relay", "pid", prev.PID, "lock", path)
			if err := terminate(prev.PID, timeout); err != nil {
				return nil, fmt.Errorf("%w: pid %d: %v", ErrLocked, prev.PID, err)
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		log.Warn("ignoring unreadable lock file", "lock", path, "error", err)
	}

	l := &Lock{
		path: path,
		info: Info{PID: os.Getpid(), StartTime: time.Now(), Version: version},
		log:  log,
	}
	if err := write(path, l.info); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// SetAddrs records the bound endpoint addresses.
func (l *Lock) SetAddrs(producer, listener string) error {
	l.info.ProducerAddr = producer
	l.info.ListenerAddr = listener
	return write(l.path, l.info)
}

// Release removes the lock file if it still names this process.
func (l *Lock) Release() error {
	cur, err := Read(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if cur.PID != l.info.PID {
		l.log.Debug("lock taken over, leaving it", "lock", l.path, "pid", cur.PID)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Read parses the lock file. A bare PID (no JSON) is accepted.
func Read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if jerr := json.Unmarshal(data, &info); jerr == nil {
		return info, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return Info{}, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return Info{PID: pid}, nil
}

// IsRunning reports whether pid names a live process (signal 0).
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func terminate(pid int, timeout time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("SIGTERM: %w", err)
	}
	if waitExit(pid, timeout) {
		return nil
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("SIGKILL: %w", err)
	}
	if waitExit(pid, timeout) {
		return nil
	}
	return errors.New("process did not exit after SIGKILL")
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !IsRunning(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// write replaces the lock file atomically.
func write(path string, info Info) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename lock file: %w", err)
	}
	return nil
}
