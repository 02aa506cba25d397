package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockDataDir takes an exclusive flock on dataDir so only one daemon owns
// its catalogs. The lock is released when the returned file is closed or
// the process exits.
func lockDataDir(dataDir string) (*os.File, error) {
	path := filepath.Join(dataDir, "agentfs.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("data dir %s is in use by another daemon", dataDir)
		}
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	return f, nil
}
