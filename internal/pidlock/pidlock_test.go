package pidlock

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestAcquire_WritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.pid")

	l, err := Acquire(path, "test", time.Second, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	info, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID: got %d, want %d", info.PID, os.Getpid())
	}
	if info.Version != "test" {
		t.Errorf("Version: got %q", info.Version)
	}

	if err := l.SetAddrs("127.0.0.1:7341", "127.0.0.1:7342"); err != nil {
		t.Fatalf("SetAddrs: %v", err)
	}
	info, _ = Read(path)
	if info.ListenerAddr != "127.0.0.1:7342" {
		t.Errorf("ListenerAddr: got %q", info.ListenerAddr)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("lock file should be gone, stat err = %v", err)
	}
}

func TestAcquire_StaleLockIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.pid")
	// PIDs this large are never allocated.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Acquire(path, "", time.Second, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	info, _ := Read(path)
	if info.PID != os.Getpid() {
		t.Errorf("PID: got %d, want %d", info.PID, os.Getpid())
	}
}

func TestAcquire_GarbageLockIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.pid")
	if err := os.WriteFile(path, []byte("{not a lock"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Acquire(path, "", time.Second, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()
}

func TestAcquire_TerminatesLiveOwner(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	// Reap the child so signal 0 stops succeeding once it exits.
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	path := filepath.Join(t.TempDir(), "relay.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Acquire(path, "", 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("previous owner still running")
	}
	if info, _ := Read(path); info.PID != os.Getpid() {
		t.Errorf("PID: got %d, want %d", info.PID, os.Getpid())
	}
}

func TestRelease_LeavesLockTakenOverByOthers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.pid")
	l, err := Acquire(path, "", time.Second, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := write(path, Info{PID: os.Getpid() + 1}); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock owned by another process must survive Release: %v", err)
	}
}

func TestIsRunning(t *testing.T) {
	if !IsRunning(os.Getpid()) {
		t.Error("own process should be running")
	}
	if IsRunning(0) || IsRunning(-1) {
		t.Error("non-positive pids are never running")
	}
}
