// Package lockfile keeps two TaskPipe processes from sharing a state
// directory.
//
// The lock is an flock on a file inside the directory, so the kernel drops it
// when the holding process exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "taskpipe.lock"

// Info is what the lock file records about its holder.
type Info struct {
	PID       int
	Host      string
	StartedAt time.Time
}

func (i Info) String() string {
	s := "pid " + strconv.Itoa(i.PID)
	if i.Host != "" {
		s += " on " + i.Host
	}
	if !i.StartedAt.IsZero() {
		s += " since " + i.StartedAt.Format(time.RFC3339)
	}
	return s
}

func (i Info) encode() string {
	return fmt.Sprintf("pid=%d\nhost=%s\nstarted=%s\n", i.PID, i.Host, i.StartedAt.UTC().Format(time.RFC3339))
}

// parseInfo reads the key=value lines written by encode. Unknown keys are
// ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "host":
			info.Host = value
		case "started":
			info.StartedAt, _ = time.Parse(time.RFC3339, value)
		}
	}
	return info
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on stateDir, creating the directory if needed.
// It fails with a *LockError when another process holds it.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's info before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := readInfo(path)
		slog.Error("lockfile.Acquire: state directory is locked", "lock_path", path, "holder", holder.String(), "error", err)
		return nil, &LockError{LockPath: path, Holder: holder, Running: holder.PID > 0 && isProcessRunning(holder.PID), Cause: err}
	}

	host, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Host: host, StartedAt: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	slog.Info("lockfile.Acquire: lock acquired", "lock_path", path, "pid", info.PID)
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: lock released", "lock_path", l.path)
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Holder   Info
	Running  bool
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another TaskPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		fmt.Fprintf(&b, ": %s", e.Holder)
		if !e.Running {
			fmt.Fprintf(&b, ", which is not running here; if no other host shares the directory, remove %s", e.LockPath)
		}
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	return file.Sync()
}

func readInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	return parseInfo(string(data)), nil
}

// isProcessRunning sends signal 0, which checks for the process without
// delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
