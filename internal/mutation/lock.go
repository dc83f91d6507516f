package mutation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"darwin/internal/logging"
)

// lockInfo is the JSON body of the lock file, enough to diagnose a holder
// and decide staleness.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// cycleLock serializes evolution cycles across processes. Acquisition is an
// O_CREATE|O_EXCL create, so exactly one process wins; a lock older than
// staleAfter is treated as abandoned by a crashed run and taken over.
type cycleLock struct {
	path       string
	staleAfter time.Duration
}

func newCycleLock(dataDir string, staleAfter time.Duration) *cycleLock {
	return &cycleLock{
		path:       filepath.Join(dataDir, "evolve.lock"),
		staleAfter: staleAfter,
	}
}

// Acquire takes the lock or fails with the holder's details.
func (l *cycleLock) Acquire(now time.Time) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			info := lockInfo{PID: os.Getpid(), AcquiredAt: now.UTC()}
			if encErr := json.NewEncoder(f).Encode(info); encErr != nil {
				f.Close()
				os.Remove(l.path)
				return fmt.Errorf("write lock: %w", encErr)
			}
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire lock: %w", err)
		}

		holder, readErr := l.read()
		if readErr == nil && now.Sub(holder.AcquiredAt) < l.staleAfter {
			return fmt.Errorf("evolution cycle already running (pid %d since %s)",
				holder.PID, holder.AcquiredAt.Format(time.RFC3339))
		}

		// Unreadable or expired lock: assume a crashed holder, remove and
		// retry the exclusive create once.
		logging.MutationWarn("taking over stale lock at %s", l.path)
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove stale lock: %w", rmErr)
		}
	}
	return fmt.Errorf("acquire lock: contention on stale takeover")
}

// Release drops the lock. Safe to call when not held.
func (l *cycleLock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logging.MutationWarn("release lock: %v", err)
	}
}

func (l *cycleLock) read() (lockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lockInfo{}, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return lockInfo{}, err
	}
	return info, nil
}
