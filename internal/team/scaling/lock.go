// Package scaling sizes the team: advisory locking, resource sampling,
// recommendations, and the scale-up / drain-down procedures.
package scaling

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/store"
)

// lockStaleAfter is how old a lock may be before it can be stolen.
const lockStaleAfter = 5 * time.Minute

// ErrLocked is returned when another live process holds the scaling lock.
var ErrLocked = fmt.Errorf("scaling lock held")

// lockFile is the advisory lock's on-disk content.
type lockFile struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is the held scaling lock for one team.
type Lock struct {
	path string
}

// AcquireLock takes the team's scaling lock. A lock older than five
// minutes is considered abandoned and stolen with a warning.
func AcquireLock(layout store.Layout) (*Lock, error) {
	path := layout.ScalingLock()
	if err := store.EnsureDir(layout.Root()); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) //nolint:gosec // G304: path comes from the Layout type
		if err == nil {
			data, _ := json.Marshal(lockFile{PID: os.Getpid(), AcquiredAt: time.Now()})
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("writing scaling lock: %w", werr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating scaling lock: %w", err)
		}

		held, rerr := store.ReadJSON[lockFile](path, "scaling-lock")
		if rerr != nil {
			return nil, rerr
		}
		if held != nil && time.Since(held.AcquiredAt) <= lockStaleAfter {
			return nil, ErrLocked
		}

		// Missing content or stale holder: steal.
		holderPID := 0
		if held != nil {
			holderPID = held.PID
		}
		log.Warn(log.CatScale, "Stealing stale scaling lock", "holder_pid", holderPID)
		if err := store.Remove(path); err != nil {
			return nil, err
		}
	}
	return nil, ErrLocked
}

// Release drops the lock.
func (l *Lock) Release() error {
	return store.Remove(l.path)
}
