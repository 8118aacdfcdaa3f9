// Package lock provides a thin wrapper around gofrs/flock for the
// advisory, cross-process locks Pilot's state managers use to serialize
// read-modify-write cycles against shared JSON files. Grounded on
// internal/quota.Manager's lock()/unlock() pattern in the teacher.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Acquire opens (creating if necessary) the flock file at path and takes an
// exclusive advisory lock, blocking until it is available. The returned
// function releases the lock and closes the file; callers must defer it.
func Acquire(path string) (func(), error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}

	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}

	return func() { _ = fl.Unlock() }, nil
}

// WithLock acquires the lock at path, runs fn, then releases the lock.
func WithLock(path string, fn func() error) error {
	unlock, err := Acquire(path)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// TryAcquire attempts a non-blocking exclusive lock at path. It returns
// ok=false (no error) if the lock is already held elsewhere.
func TryAcquire(path string) (unlock func(), ok bool, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, false, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("trying lock %s: %w", path, err)
	}
	if !locked {
		return nil, false, nil
	}
	return func() { _ = fl.Unlock() }, true, nil
}
