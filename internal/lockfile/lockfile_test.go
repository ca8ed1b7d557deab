package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesHolderInfo(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path = %q", lock.Path())
	}
	info, err := readInfo(lock.Path())
	if err != nil {
		t.Fatalf("readInfo error: %v", err)
	}
	if info.PID != os.Getpid() || info.StartedAt.IsZero() {
		t.Errorf("unexpected holder info %+v", info)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	defer first.Release()

	_, err = Acquire(dir)
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %v", err)
	}
	if lockErr.Holder.PID != os.Getpid() || !lockErr.Running {
		t.Errorf("unexpected holder %+v running=%v", lockErr.Holder, lockErr.Running)
	}
	if !strings.Contains(err.Error(), "another TaskPipe instance") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release error: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire error: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseInfo(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want := Info{PID: 4242, Host: "box", StartedAt: started}
	if got := parseInfo(want.encode()); got != want {
		t.Errorf("parseInfo = %+v, want %+v", got, want)
	}
	if got := parseInfo("garbage\npid=12x\n"); got.PID != 0 {
		t.Errorf("malformed pid parsed as %d", got.PID)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process reported as not running")
	}
}
