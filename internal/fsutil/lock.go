package fsutil

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/gofrs/flock"

	"github.com/driftmock/driftmock/internal/metrics"
)

const (
	lockMaxAttempts  = 10
	lockBaseDelay    = 50 * time.Millisecond
	lockBackoffFactor = 2
)

// LockContentionError is returned when a locked operation exhausts its
// retry budget (spec §7, "LockContention").
type LockContentionError struct {
	Path     string
	Attempts int
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("lock contention on %s after %d attempts", e.Path, e.Attempts)
}

// LockedReadModifyWrite acquires an advisory file lock on path+".lock" with
// bounded exponential backoff (10 attempts, 50ms base, factor 2, each wait
// jittered to between half and one and a half times the delay), reads path, applies transform to the parsed value (current is
// the zero value of T and exists is false if path is absent), writes the
// transformed result back to path, and releases the lock on every exit
// path — including when transform or the write fails. See spec §4.1 and
// §5 (per-file locking, not per-imposter).
func LockedReadModifyWrite[T any](path string, transform func(current T, exists bool) (T, error)) error {
	lockPath := path + ".lock"
	fl := flock.New(lockPath)
	defer fl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), totalBackoffBudget())
	defer cancel()

	locked, err := tryLockWithBackoff(ctx, fl)
	if err != nil {
		return err
	}
	if !locked {
		log.Printf("lock contention: %s", path)
		metrics.RecordLockContention(path)
		return &LockContentionError{Path: path, Attempts: lockMaxAttempts}
	}
	defer fl.Unlock()

	var current T
	exists, err := ReadJSON(path, &current)
	if err != nil {
		return err
	}

	next, err := transform(current, exists)
	if err != nil {
		return err
	}

	return WriteJSON(path, next)
}

func totalBackoffBudget() time.Duration {
	var total time.Duration
	delay := lockBaseDelay
	for i := 0; i < lockMaxAttempts; i++ {
		total += delay
		delay *= lockBackoffFactor
	}
	return total + time.Second
}

// tryLockWithBackoff attempts to acquire fl up to lockMaxAttempts times,
// waiting an exponentially increasing, jittered delay between attempts.
func tryLockWithBackoff(ctx context.Context, fl *flock.Flock) (bool, error) {
	delay := lockBaseDelay

	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		locked, err := fl.TryLock()
		if err != nil {
			return false, fmt.Errorf("lock %s: %w", fl.Path(), err)
		}
		if locked {
			return true, nil
		}

		if attempt == lockMaxAttempts-1 {
			break
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return false, nil
		}
		delay *= lockBackoffFactor
	}

	return false, nil
}
