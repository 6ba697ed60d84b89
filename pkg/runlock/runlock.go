//go:build !windows

// Process-wide exclusion for mutating runs, backed by flock() on a well-known path
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/function61/autosnap/pkg/snaptypes"
	"golang.org/x/sys/unix"
)

// Acquires the lock without waiting. if another process holds it, returns an error
// matching snaptypes.ErrAlreadyRunning. the lock is also dropped by the kernel if we die.
func TryAcquire(path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, snaptypes.ErrAlreadyRunning)
		}

		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// for humans investigating a stuck lock
	if err := file.Truncate(0); err == nil {
		fmt.Fprintf(file, "%d\n", os.Getpid())
	}

	return func() error {
		if err := unix.Flock(int(file.Fd()), unix.LOCK_UN); err != nil {
			file.Close()
			return err
		}

		return file.Close()
	}, nil
}
