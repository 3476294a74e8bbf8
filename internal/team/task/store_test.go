package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/store"
)

func newTestStore(t *testing.T) (*Store, *manifest.Store) {
	t.Helper()
	layout := store.NewLayout(t.TempDir(), "alpha")
	require.NoError(t, store.EnsureDir(layout.Root()))

	ms := manifest.NewStore(layout)
	require.NoError(t, ms.Save(&manifest.Manifest{
		Team:            "alpha",
		NextTaskID:      1,
		NextWorkerIndex: 1,
	}))
	return NewStore(layout, ms, 15*time.Minute), ms
}

func TestStore_CreateAllocatesConsecutiveIDs(t *testing.T) {
	s, ms := newTestStore(t)

	tasks, err := s.Create(
		CreateSpec{Subject: "first"},
		CreateSpec{Subject: "second", DependsOn: []int{1}},
	)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, 1, tasks[0].ID)
	assert.Equal(t, 2, tasks[1].ID)
	assert.Equal(t, StatusPending, tasks[0].Status)
	assert.Equal(t, int64(1), tasks[0].Version)

	m, err := ms.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, m.NextTaskID)

	got, err := s.Get(2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Subject)
	assert.Equal(t, []int{1}, got.DependsOn)
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.Get(42)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_List(t *testing.T) {
	s, _ := newTestStore(t)

	// Empty store: no error, no tasks.
	tasks, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = s.Create(CreateSpec{Subject: "a"}, CreateSpec{Subject: "b"}, CreateSpec{Subject: "c"})
	require.NoError(t, err)

	tasks, err = s.List()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{tasks[0].ID, tasks[1].ID, tasks[2].ID})
}

func TestStore_ClaimLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateSpec{Subject: "work"})
	require.NoError(t, err)

	res, err := s.Claim(1, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ClaimOK, res.Outcome)
	require.NotNil(t, res.Task)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, StatusInProgress, res.Task.Status)
	assert.Equal(t, "worker-1", res.Task.Claim.Worker)
	assert.True(t, res.Task.Claim.LeaseExpiresAt.After(res.Task.Claim.AcquiredAt))

	// A second claimer is refused.
	res2, err := s.Claim(1, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, ClaimConflict, res2.Outcome)

	// Transition to completed with the token.
	require.NoError(t, s.Transition(1, res.Token, StatusCompleted, "done", ""))
	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.Claim)
	assert.Equal(t, "done", got.Result)
	require.NotNil(t, got.CompletedAt)

	// Completed tasks cannot be claimed.
	res3, err := s.Claim(1, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, ClaimWrongStatus, res3.Outcome)
}

func TestStore_ClaimOutcomes(t *testing.T) {
	s, ms := newTestStore(t)
	_, err := s.Create(
		CreateSpec{Subject: "a"},
		CreateSpec{Subject: "b", DependsOn: []int{1}},
	)
	require.NoError(t, err)

	t.Run("not found", func(t *testing.T) {
		res, err := s.Claim(99, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, ClaimNotFound, res.Outcome)
	})

	t.Run("blocked dependency", func(t *testing.T) {
		res, err := s.Claim(2, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, ClaimBlockedDependency, res.Outcome)
		assert.Equal(t, []int{1}, res.UnmetDependencies)
	})

	t.Run("draining worker", func(t *testing.T) {
		_, err := ms.Mutate(func(m *manifest.Manifest) error {
			m.AddDraining("worker-9")
			return nil
		})
		require.NoError(t, err)

		res, err := s.Claim(1, "worker-9")
		require.NoError(t, err)
		assert.Equal(t, ClaimDrainingWorker, res.Outcome)
	})
}

func TestStore_Release(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateSpec{Subject: "work"})
	require.NoError(t, err)

	res, err := s.Claim(1, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ClaimOK, res.Outcome)

	assert.ErrorIs(t, s.Release(1, "bogus-token"), ErrTokenMismatch)

	require.NoError(t, s.Release(1, res.Token))
	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.Claim)
	assert.Empty(t, got.Owner)

	// Released task is claimable again, with a fresh token.
	res2, err := s.Claim(1, "worker-2")
	require.NoError(t, err)
	require.Equal(t, ClaimOK, res2.Outcome)
	assert.NotEqual(t, res.Token, res2.Token)
}

func TestStore_TransitionGuards(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateSpec{Subject: "work"})
	require.NoError(t, err)

	// Not in progress yet.
	require.Error(t, s.Transition(1, "tok", StatusCompleted, "", ""))

	res, err := s.Claim(1, "worker-1")
	require.NoError(t, err)

	// Non-terminal target refused.
	require.Error(t, s.Transition(1, res.Token, StatusPending, "", ""))
	// Wrong token refused.
	assert.ErrorIs(t, s.Transition(1, "bogus", StatusFailed, "", ""), ErrTokenMismatch)

	require.NoError(t, s.Transition(1, res.Token, StatusFailed, "", "exploded"))
	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "exploded", got.Error)
}

func TestStore_UpdateBumpsVersion(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateSpec{Subject: "work"})
	require.NoError(t, err)

	require.NoError(t, s.Update(1, func(t *Task) error {
		t.Subject = "renamed"
		t.Status = StatusBlocked // administrative correction
		return nil
	}))

	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Subject)
	assert.Equal(t, StatusBlocked, got.Status)
	assert.Equal(t, int64(2), got.Version)

	assert.ErrorIs(t, s.Update(99, func(*Task) error { return nil }), ErrNotFound)
}

func TestStore_UpdateDropsClaimOnStatusCorrection(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateSpec{Subject: "work"})
	require.NoError(t, err)

	res, err := s.Claim(1, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ClaimOK, res.Outcome)

	// Administratively complete a claimed task: the claim cannot outlive
	// in_progress.
	require.NoError(t, s.Update(1, func(t *Task) error {
		t.Status = StatusCompleted
		return nil
	}))
	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.Claim)
	assert.Equal(t, "worker-1", got.Owner, "terminal statuses keep the owner")

	// Correcting back to pending drops the owner too, and the task is
	// claimable by anyone again.
	require.NoError(t, s.Update(1, func(t *Task) error {
		t.Status = StatusPending
		return nil
	}))
	got, err = s.Get(1)
	require.NoError(t, err)
	assert.Nil(t, got.Claim)
	assert.Empty(t, got.Owner)

	res2, err := s.Claim(1, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, ClaimOK, res2.Outcome)
}

func TestStore_OnTerminalHook(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateSpec{Subject: "a"}, CreateSpec{Subject: "b"})
	require.NoError(t, err)

	var seen []*Task
	s.OnTerminal(func(t *Task) { seen = append(seen, t) })

	res, err := s.Claim(1, "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.Transition(1, res.Token, StatusCompleted, "done", ""))

	require.Len(t, seen, 1)
	assert.Equal(t, 1, seen[0].ID)
	assert.Equal(t, StatusCompleted, seen[0].Status)
	assert.Equal(t, "worker-1", seen[0].Owner)

	// Failed transitions do not fire the hook.
	require.Error(t, s.Transition(2, "bogus", StatusCompleted, "", ""))
	assert.Len(t, seen, 1)

	// Release is not terminal.
	res2, err := s.Claim(2, "worker-2")
	require.NoError(t, err)
	require.NoError(t, s.Release(2, res2.Token))
	assert.Len(t, seen, 1)
}

func TestStore_SweepExpiredLeases(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateSpec{Subject: "a"}, CreateSpec{Subject: "b"})
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return past }

	res1, err := s.Claim(1, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ClaimOK, res1.Outcome)
	res2, err := s.Claim(2, "worker-2")
	require.NoError(t, err)
	require.Equal(t, ClaimOK, res2.Outcome)

	s.now = time.Now

	// Both leases are expired, but only worker-1 is dead.
	dead := func(worker string) bool { return worker == "worker-1" }
	swept, err := s.SweepExpiredLeases(dead)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, swept)

	got1, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got1.Status)
	assert.Nil(t, got1.Claim)

	got2, err := s.Get(2)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got2.Status, "live worker keeps its expired lease")
}

func TestStore_VersionsIncreaseAcrossMutations(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(CreateSpec{Subject: "work"})
	require.NoError(t, err)

	versions := []int64{1}
	res, err := s.Claim(1, "worker-1")
	require.NoError(t, err)
	versions = append(versions, res.Task.Version)

	require.NoError(t, s.Release(1, res.Token))
	got, err := s.Get(1)
	require.NoError(t, err)
	versions = append(versions, got.Version)

	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}
