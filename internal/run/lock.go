package run

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock provides an exclusive flock for one piece run per repository.
type Lock struct {
	file *os.File
}

// AcquireLock creates and locks <opusDir>/locks/run.lock, blocking until
// any concurrent run releases it.
func AcquireLock(opusDir string) (*Lock, error) {
	file, err := openLockFile(opusDir)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("lock run.lock: %w", err)
	}
	return &Lock{file: file}, nil
}

// TryAcquireLock attempts to acquire the run lock without blocking.
func TryAcquireLock(opusDir string) (*Lock, bool, error) {
	file, err := openLockFile(opusDir)
	if err != nil {
		return nil, false, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, false, nil
	}
	return &Lock{file: file}, true, nil
}

func openLockFile(opusDir string) (*os.File, error) {
	locksDir := filepath.Join(opusDir, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(locksDir, "run.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return file, nil
}

// Release releases the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
