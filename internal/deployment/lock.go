package deployment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrAlreadyLocked is returned by Acquire when the deployment slot is held.
var ErrAlreadyLocked = errors.New("deployment lock already held")

// Lock is the single system-wide deployment slot, durably recorded on the
// filesystem so status queries and crash recovery work across daemon
// restarts. The lock directory's existence is the lock; it holds pid,
// project and started files describing the running deployment.
//
// Acquisition is made atomic by os.Mkdir (exclusive across processes),
// paired with an in-process flag that closes the check-then-act window
// between two near-simultaneous trigger requests in the same daemon.
type Lock struct {
	dir  string
	held atomic.Bool
}

// Status describes the current deployment slot.
type Status struct {
	Deploying bool
	Project   string
	PID       string
	Started   string
	// Stale is set when a lock record exists but its recorded process is
	// no longer alive, i.e. a crashed supervisor. The record is left in
	// place for an operator to inspect and clear.
	Stale bool
}

// NewLock creates a lock rooted at the given directory path
func NewLock(dir string) *Lock {
	return &Lock{dir: dir}
}

// Dir returns the lock directory path
func (l *Lock) Dir() string {
	return l.dir
}

// Check reports the current deployment status. It is strictly read-only:
// a stale record is reported as not deploying but never removed here.
func (l *Lock) Check() Status {
	info, err := os.Stat(l.dir)
	if err != nil || !info.IsDir() {
		return Status{}
	}

	pid, err1 := l.readField("pid")
	projectName, err2 := l.readField("project")
	started, err3 := l.readField("started")
	if err1 != nil || err2 != nil || err3 != nil {
		// Partially written or manually damaged record
		return Status{Stale: true}
	}

	if !pidAlive(pid) {
		return Status{Stale: true}
	}

	return Status{
		Deploying: true,
		Project:   projectName,
		PID:       pid,
		Started:   started,
	}
}

// Acquire creates the lock record for a deployment of the given project.
// Returns ErrAlreadyLocked if the slot is held, including by a stale
// record, which must be cleared manually.
func (l *Lock) Acquire(projectName string, pid int) error {
	if !l.held.CompareAndSwap(false, true) {
		return ErrAlreadyLocked
	}

	if err := os.Mkdir(l.dir, 0o755); err != nil {
		l.held.Store(false)
		if os.IsExist(err) {
			return ErrAlreadyLocked
		}
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	started := time.Now().UTC().Format(time.RFC3339)
	fields := map[string]string{
		"pid":     strconv.Itoa(pid),
		"project": projectName,
		"started": started,
	}
	for name, value := range fields {
		path := filepath.Join(l.dir, name)
		if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
			l.Release()
			return fmt.Errorf("failed to write lock field %s: %w", name, err)
		}
	}

	return nil
}

// Release removes the lock record unconditionally. Safe to call when no
// record exists.
func (l *Lock) Release() {
	_ = os.RemoveAll(l.dir)
	l.held.Store(false)
}

func (l *Lock) readField(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// pidAlive probes a recorded pid with signal 0
func pidAlive(pidStr string) bool {
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}
