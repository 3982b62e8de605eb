// Package filelock provides an advisory lock shared by independent processes.
// A lock is held while its marker file exists; acquiring creates the marker
// with O_CREATE|O_EXCL so exactly one caller wins.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrLocked is returned by TryAcquire when another holder owns the lock.
var ErrLocked = errors.New("filelock: already locked")

// Suffix is appended to the guarded path to form the marker path.
const Suffix = ".lock"

// Backoff bounds the wait between acquisition attempts. The delay grows
// quadratically from Base and is capped at Max. Zero fields take the
// DefaultBackoff values.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff starts at 100ms and never waits more than a second.
var DefaultBackoff = Backoff{Base: 100 * time.Millisecond, Max: time.Second}

func (b Backoff) delay(attempt int) time.Duration {
	base, limit := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	if limit <= 0 {
		limit = DefaultBackoff.Max
	}
	n := int64(attempt)
	if n < 1 {
		n = 1
	}
	// attempt² > limit/base, checked without multiplying.
	if n > int64(limit/base)/n {
		return limit
	}
	return base * time.Duration(n*n)
}

// Lock is a held advisory lock.
type Lock struct {
	path string
}

// Path returns the marker file backing the lock.
func (l *Lock) Path() string {
	return l.path
}

// MarkerPath returns the marker used to guard target.
func MarkerPath(target string) string {
	return target + Suffix
}

// TryAcquire makes a single attempt to lock target.
func TryAcquire(target string) (*Lock, error) {
	path := MarkerPath(target)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("filelock: create %s: %w", path, err)
	}
	// The holder pid helps an operator clear a marker left by a crash.
	_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("filelock: write %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Acquire retries TryAcquire with backoff until it succeeds or ctx ends.
func Acquire(ctx context.Context, target string, backoff Backoff) (*Lock, error) {
	for attempt := 1; ; attempt++ {
		lock, err := TryAcquire(target)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-time.After(backoff.delay(attempt)):
		case <-ctx.Done():
			return nil, fmt.Errorf("filelock: acquire %s after %d attempts: %w", MarkerPath(target), attempt, ctx.Err())
		}
	}
}

// Release removes the marker. Releasing twice is not an error.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filelock: release %s: %w", l.path, err)
	}
	return nil
}

// With runs fn while holding the lock on target.
func With(ctx context.Context, target string, fn func() error) (err error) {
	lock, err := Acquire(ctx, target, DefaultBackoff)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, lock.Release())
	}()
	return fn()
}
