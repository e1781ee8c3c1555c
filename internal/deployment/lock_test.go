package deployment

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLock(t *testing.T) *Lock {
	t.Helper()
	return NewLock(filepath.Join(t.TempDir(), "deploy.lock"))
}

func TestLock_AcquireRelease(t *testing.T) {
	lock := newTestLock(t)

	if err := lock.Acquire("svc", os.Getpid()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Record should exist on disk
	if _, err := os.Stat(lock.Dir()); err != nil {
		t.Fatalf("Lock directory missing after acquire: %v", err)
	}

	status := lock.Check()
	if !status.Deploying {
		t.Error("Expected deploying status after acquire")
	}
	if status.Project != "svc" {
		t.Errorf("Expected project 'svc', got '%s'", status.Project)
	}
	if status.PID != strconv.Itoa(os.Getpid()) {
		t.Errorf("Expected pid %d, got %s", os.Getpid(), status.PID)
	}
	if status.Started == "" {
		t.Error("Expected a started timestamp")
	}

	lock.Release()

	if _, err := os.Stat(lock.Dir()); !os.IsNotExist(err) {
		t.Error("Lock directory should be gone after release")
	}
	if lock.Check().Deploying {
		t.Error("Expected idle status after release")
	}
}

func TestLock_SecondAcquireFails(t *testing.T) {
	lock := newTestLock(t)

	if err := lock.Acquire("svc", os.Getpid()); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	err := lock.Acquire("other-svc", os.Getpid())
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Errorf("Expected ErrAlreadyLocked, got %v", err)
	}

	// Original record must be untouched
	status := lock.Check()
	if status.Project != "svc" {
		t.Errorf("Original lock holder changed to '%s'", status.Project)
	}

	lock.Release()
}

func TestLock_ConcurrentAcquire(t *testing.T) {
	lock := newTestLock(t)

	const attempts = 50
	var successCount int32
	var wg sync.WaitGroup
	wg.Add(attempts)

	for i := 0; i < attempts; i++ {
		go func(n int) {
			defer wg.Done()
			if err := lock.Acquire("project-"+strconv.Itoa(n), os.Getpid()); err == nil {
				atomic.AddInt32(&successCount, 1)
			}
		}(i)
	}

	wg.Wait()

	if successCount != 1 {
		t.Errorf("Expected exactly one successful acquire, got %d", successCount)
	}

	lock.Release()
}

func TestLock_StaleDetection(t *testing.T) {
	lock := newTestLock(t)

	// Forge a lock record whose pid is not a live process
	if err := os.Mkdir(lock.Dir(), 0o755); err != nil {
		t.Fatalf("Failed to create lock directory: %v", err)
	}
	writeLockField(t, lock, "pid", "99999999")
	writeLockField(t, lock, "project", "crashed-svc")
	writeLockField(t, lock, "started", "2026-01-01T00:00:00Z")

	status := lock.Check()
	if status.Deploying {
		t.Error("Stale lock must not report deploying")
	}
	if !status.Stale {
		t.Error("Expected staleness indicator")
	}

	// Check is read-only: the record survives
	if _, err := os.Stat(lock.Dir()); err != nil {
		t.Error("Stale lock record must not be removed by Check")
	}
}

func TestLock_DamagedRecordIsStale(t *testing.T) {
	lock := newTestLock(t)

	// Lock directory exists but has no metadata files
	if err := os.Mkdir(lock.Dir(), 0o755); err != nil {
		t.Fatalf("Failed to create lock directory: %v", err)
	}

	status := lock.Check()
	if status.Deploying {
		t.Error("Damaged lock must not report deploying")
	}
	if !status.Stale {
		t.Error("Expected staleness indicator for damaged record")
	}
}

func TestLock_ReleaseWithoutAcquire(t *testing.T) {
	lock := newTestLock(t)

	// Must not panic
	lock.Release()

	if err := lock.Acquire("svc", os.Getpid()); err != nil {
		t.Errorf("Acquire should succeed after a spurious release: %v", err)
	}
	lock.Release()
}

// A stale on-disk record from a crashed process blocks acquisition until
// an operator clears it.
func TestLock_StaleRecordBlocksAcquire(t *testing.T) {
	lock := newTestLock(t)

	if err := os.Mkdir(lock.Dir(), 0o755); err != nil {
		t.Fatalf("Failed to create lock directory: %v", err)
	}
	writeLockField(t, lock, "pid", "99999999")
	writeLockField(t, lock, "project", "crashed-svc")
	writeLockField(t, lock, "started", "2026-01-01T00:00:00Z")

	err := lock.Acquire("svc", os.Getpid())
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Errorf("Expected ErrAlreadyLocked against stale record, got %v", err)
	}
}

func writeLockField(t *testing.T, lock *Lock, name, value string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(lock.Dir(), name), []byte(value), 0o644); err != nil {
		t.Fatalf("Failed to write lock field %s: %v", name, err)
	}
}
