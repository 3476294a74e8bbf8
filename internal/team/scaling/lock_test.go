package scaling

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/omx/internal/team/store"
)

func TestAcquireLock(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), "alpha")

	lock, err := AcquireLock(layout)
	require.NoError(t, err)

	// Second acquisition is refused while the first is held.
	_, err = AcquireLock(layout)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())

	// Released lock can be re-acquired.
	lock2, err := AcquireLock(layout)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestAcquireLock_StealsStale(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), "alpha")
	require.NoError(t, store.EnsureDir(layout.Root()))

	stale := lockFile{PID: 99999, AcquiredAt: time.Now().Add(-10 * time.Minute)}
	require.NoError(t, store.WriteJSON(layout.ScalingLock(), stale))

	lock, err := AcquireLock(layout)
	require.NoError(t, err, "stale lock is stolen")
	require.NoError(t, lock.Release())
}

func TestAcquireLock_MalformedLockIsStolen(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), "alpha")
	require.NoError(t, store.EnsureDir(layout.Root()))
	require.NoError(t, os.WriteFile(layout.ScalingLock(), []byte("garbage"), 0600))

	lock, err := AcquireLock(layout)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestHistory_TrimsToCap(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), "alpha")

	for i := 0; i < historyCap+10; i++ {
		require.NoError(t, AppendHistory(layout, HistoryEntry{
			At:     time.Now(),
			Action: ActionScaleUp,
			Delta:  i,
		}))
	}

	entries, err := ReadHistory(layout)
	require.NoError(t, err)
	require.Len(t, entries, historyCap)
	assert.Equal(t, 10, entries[0].Delta, "oldest entries trimmed first")
}

func TestLastActionAt(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), "alpha")

	at, err := LastActionAt(layout)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	stamp := time.Now().Round(time.Second)
	require.NoError(t, AppendHistory(layout, HistoryEntry{At: stamp, Action: ActionScaleDown, Delta: 1}))

	at, err = LastActionAt(layout)
	require.NoError(t, err)
	assert.True(t, at.Equal(stamp))
}

func TestAllowedNewWorkers(t *testing.T) {
	// 2048 free, 512 floor, 200 per worker -> floor(1536/200) = 7
	assert.Equal(t, 7, AllowedNewWorkers(Sample{CPUPercent: 50, FreeMemMB: 2048}, 80, 512, 200))
	// CPU over ceiling blocks everything.
	assert.Equal(t, 0, AllowedNewWorkers(Sample{CPUPercent: 95, FreeMemMB: 2048}, 80, 512, 200))
	// Memory below the floor allows nothing.
	assert.Equal(t, 0, AllowedNewWorkers(Sample{CPUPercent: 10, FreeMemMB: 256}, 80, 512, 200))
}
