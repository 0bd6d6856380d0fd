// Package pidfile guards against running two gateway instances against the
// same database.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// File is an exclusive PID file lock
type File struct {
	path string
}

// New creates a lock for the given path; nothing is written until Acquire
func New(path string) *File {
	return &File{path: path}
}

// Path returns the PID file path
func (f *File) Path() string {
	return f.path
}

// Acquire writes the current PID. It fails when the file names a process
// that is still alive; a stale file left by a crashed instance is replaced.
func (f *File) Acquire() error {
	if pid, err := f.read(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("another instance is already running (pid %d, %s)", pid, f.path)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Release removes the PID file if this process owns it
func (f *File) Release() error {
	if pid, err := f.read(); err == nil && pid != os.Getpid() {
		// Someone else took over; leave their file alone.
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// read parses the PID currently stored in the file
func (f *File) read() (int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", f.path, err)
	}
	return pid, nil
}

// processAlive reports whether a process with the given pid exists
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs the existence check without delivering a signal.
	// EPERM still means the process exists, just owned by someone else.
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
