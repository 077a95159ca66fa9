// Package lock implements advisory, cross-process mutual exclusion
// scoped to a single worker profile. It is used only to serialize the
// reuse-or-spawn region of the Spawner.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
	"github.com/opencode-fleet/orchestrator/pkg/procutil"
)

const (
	minBackoff = 50 * time.Millisecond
	maxBackoff = 500 * time.Millisecond

	// staleAfterRounds is how many backoff rounds a lock must survive
	// before it becomes eligible for stale takeover, in addition to its
	// recorded pid being dead.
	staleAfterRounds = 3
)

// payload is the JSON body written into a held lock file.
type payload struct {
	PID int   `json:"pid"`
	At  int64 `json:"at"`
}

// Locker acquires and releases per-profile lock files under a shared
// directory.
type Locker struct {
	dir string
}

// New creates a Locker rooted at dir. The directory is not touched
// here; WithProfileLock creates it if necessary.
func New(dir string) *Locker {
	return &Locker{dir: dir}
}

// DefaultDir returns <user config>/opencode/orchestrator-locks.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	return filepath.Join(base, "opencode", "orchestrator-locks"), nil
}

func (l *Locker) pathFor(profileID string) string {
	return filepath.Join(l.dir, profileID+".lock")
}

// WithProfileLock runs fn with the per-profile lock held, releasing it
// on every exit path (including fn panicking). If the lock cannot be
// acquired within timeout, it returns an orcherr LOCK_TIMEOUT error
// without calling fn.
func WithProfileLock(ctx context.Context, l *Locker, profileID string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return orcherr.New(orcherr.LockTimeout, "withProfileLock.mkdir", profileID, err)
	}

	if err := l.acquire(ctx, profileID, timeout); err != nil {
		return err
	}
	defer l.release(profileID)

	return fn(ctx)
}

// acquire blocks, using capped exponential backoff, until the lock file
// is created or timeout elapses.
func (l *Locker) acquire(ctx context.Context, profileID string, timeout time.Duration) error {
	path := l.pathFor(profileID)
	deadline := time.Now().Add(timeout)
	backoff := minBackoff
	round := 0

	for {
		if ok, err := l.tryCreate(path); err != nil {
			return orcherr.New(orcherr.LockTimeout, "acquire", profileID, err)
		} else if ok {
			return nil
		}

		round++
		if round >= staleAfterRounds {
			if l.takeIfStale(path) {
				if ok, err := l.tryCreate(path); err == nil && ok {
					return nil
				}
			}
		}

		if time.Now().After(deadline) {
			return orcherr.New(orcherr.LockTimeout, "acquire", profileID, fmt.Errorf("timed out after %s", timeout))
		}

		wait := backoff
		// jitter avoids every waiter retrying in lockstep.
		wait += time.Duration(rand.Int63n(int64(minBackoff)))
		select {
		case <-ctx.Done():
			return orcherr.New(orcherr.LockTimeout, "acquire", profileID, ctx.Err())
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// tryCreate attempts an exclusive create of the lock file, writing the
// holder's pid and acquisition time on success.
func (l *Locker) tryCreate(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	data, err := json.Marshal(payload{PID: os.Getpid(), At: time.Now().UnixMilli()})
	if err != nil {
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		return false, err
	}
	return true, nil
}

// takeIfStale deletes path if the pid recorded in it is no longer
// alive, making the caller's next tryCreate eligible to succeed. It
// reports whether it removed anything.
func (l *Locker) takeIfStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	if procutil.PidAlive(p.PID) {
		return false
	}
	return os.Remove(path) == nil
}

func (l *Locker) release(profileID string) {
	_ = os.Remove(l.pathFor(profileID))
}
