// Package pidfile writes and locks a PID file so only one proxy process
// runs against a given configuration at a time (spec.md §6 "Process
// model"). The lock is taken with flock(2), following the directory-lock
// idiom used by the go-sql-driver's own indirect dependency on
// golang.org/x/sys/unix rather than a hand-rolled advisory scheme.
package pidfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is an open, flock'd PID file. Release unlocks it and removes the
// file.
type File struct {
	f    *os.File
	path string
}

// Acquire opens (creating if necessary) the PID file at path, takes an
// exclusive non-blocking flock on it, and writes the current process id.
// It fails if another live process already holds the lock.
func Acquire(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pidfile: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: %s is locked by another process: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: truncate %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: write %s: %w", path, err)
	}

	return &File{f: f, path: path}, nil
}

// Release unlocks and removes the PID file.
func (p *File) Release() error {
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	closeErr := p.f.Close()
	if err := os.Remove(p.path); err != nil && closeErr == nil {
		return fmt.Errorf("pidfile: remove %s: %w", p.path, err)
	}
	return closeErr
}
