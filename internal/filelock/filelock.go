// Package filelock provides advisory cross-process mutual exclusion over
// a file path. The lock marker is a sibling file (path + ".lock") created
// exclusively; a marker older than the stale timeout is presumed abandoned
// and reclaimed. Acquisition is bounded by both a retry count and a hard
// timeout, so callers never block indefinitely.
package filelock

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bounceproto/bounce/internal/errors"
)

// Default acquisition parameters.
const (
	DefaultRetries      = 50
	DefaultRetryDelay   = 100 * time.Millisecond
	DefaultStaleTimeout = 30 * time.Second
	DefaultLockTimeout  = 10 * time.Second
)

// Options configures lock acquisition.
type Options struct {
	// Retries is the maximum number of acquisition attempts.
	Retries int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// StaleTimeout is the age past which a lock marker is presumed
	// abandoned and reclaimed.
	StaleTimeout time.Duration
	// LockTimeout is the hard ceiling on total acquisition time.
	LockTimeout time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithRetries sets the maximum number of acquisition attempts.
func WithRetries(n int) Option {
	return func(o *Options) { o.Retries = n }
}

// WithRetryDelay sets the pause between acquisition attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) { o.RetryDelay = d }
}

// WithStaleTimeout sets the age past which a lock is reclaimed.
func WithStaleTimeout(d time.Duration) Option {
	return func(o *Options) { o.StaleTimeout = d }
}

// WithLockTimeout sets the hard ceiling on acquisition time.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) { o.LockTimeout = d }
}

func defaultOptions() Options {
	return Options{
		Retries:      DefaultRetries,
		RetryDelay:   DefaultRetryDelay,
		StaleTimeout: DefaultStaleTimeout,
		LockTimeout:  DefaultLockTimeout,
	}
}

// lockPath returns the marker path for a target path.
func lockPath(path string) string {
	return path + ".lock"
}

// WithLock acquires the advisory lock for path, runs operation, and
// releases the lock on every exit path, including a panic or error from
// operation. Concurrent callers against the same path are fully
// serialized: no operation begins before a prior holder has returned.
//
// Returns *errors.LockTimeoutError when the lock cannot be acquired
// within the configured retries and timeout.
func WithLock(path string, operation func() error, opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	marker := lockPath(path)
	if err := acquire(path, marker, o); err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(marker)
	}()

	return operation()
}

// acquire attempts to create the lock marker exclusively, reclaiming
// stale markers and retrying with a bounded delay.
func acquire(path, marker string, o Options) error {
	deadline := time.Now().Add(o.LockTimeout)

	for attempt := 0; ; attempt++ {
		ok, err := tryCreate(marker)
		if err != nil {
			return fmt.Errorf("create lock marker: %w", err)
		}
		if ok {
			return nil
		}

		// Lock held by someone. Reclaim if stale.
		if reclaimed, err := reclaimStale(marker, o.StaleTimeout); err == nil && reclaimed {
			continue
		}

		if attempt >= o.Retries || !time.Now().Add(o.RetryDelay).Before(deadline) {
			return &errors.LockTimeoutError{Path: path, Timeout: o.LockTimeout}
		}
		time.Sleep(o.RetryDelay)
	}
}

// tryCreate creates the marker exclusively, writing the holder's pid.
// Returns false without error when the marker already exists.
func tryCreate(marker string) (bool, error) {
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	return true, f.Close()
}

// reclaimStale removes the marker if its mtime is older than staleTimeout.
// Returns true if the marker was removed. A marker that vanishes between
// stat and remove counts as reclaimed; the caller re-attempts creation
// either way.
func reclaimStale(marker string, staleTimeout time.Duration) (bool, error) {
	info, err := os.Stat(marker)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	if time.Since(info.ModTime()) < staleTimeout {
		return false, nil
	}
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// IsLocked reports whether a lock marker currently exists for path.
// Intended for diagnostics; the result is immediately stale.
func IsLocked(path string) bool {
	_, err := os.Stat(lockPath(path))
	return err == nil
}
