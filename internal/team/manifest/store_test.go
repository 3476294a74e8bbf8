package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/omx/internal/team/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(store.NewLayout(t.TempDir(), "t1"))
}

func seedManifest(t *testing.T, s *Store) *Manifest {
	t.Helper()
	m := &Manifest{
		Team:            "t1",
		AgentType:       "executor",
		NextTaskID:      1,
		NextWorkerIndex: 1,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.Save(m))
	return m
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	m, err := s.Load()
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestStore_SaveLoad(t *testing.T) {
	s := newTestStore(t)
	seedManifest(t, s)

	m, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "t1", m.Team)
	require.Equal(t, SchemaVersion, m.SchemaVersion)
	require.Equal(t, int64(1), m.Version)
}

func TestStore_MutateBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	seedManifest(t, s)

	m, err := s.Mutate(func(m *Manifest) error {
		m.TaskDescription = "do things"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), m.Version)
	require.Equal(t, "do things", m.TaskDescription)
}

func TestStore_AllocateTaskIDsMonotone(t *testing.T) {
	s := newTestStore(t)
	seedManifest(t, s)

	first, err := s.AllocateTaskIDs(2)
	require.NoError(t, err)
	require.Equal(t, 1, first)

	second, err := s.AllocateTaskIDs(1)
	require.NoError(t, err)
	require.Equal(t, 3, second)

	m, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, 4, m.NextTaskID)
}

func TestStore_AllocateWorkerIndexNeverReused(t *testing.T) {
	s := newTestStore(t)
	seedManifest(t, s)

	w1, err := s.AllocateWorkerIndex(Worker{Role: "executor"})
	require.NoError(t, err)
	require.Equal(t, 1, w1.Index)
	require.Equal(t, "worker-1", w1.Name)

	w2, err := s.AllocateWorkerIndex(Worker{Role: "executor"})
	require.NoError(t, err)
	require.Equal(t, 2, w2.Index)

	// Remove worker-1 and allocate again: index 1 is not reclaimed.
	_, err = s.Mutate(func(m *Manifest) error {
		m.RemoveWorker("worker-1")
		m.ActiveWorkers--
		return nil
	})
	require.NoError(t, err)

	w3, err := s.AllocateWorkerIndex(Worker{Role: "executor"})
	require.NoError(t, err)
	require.Equal(t, 3, w3.Index)
	require.Equal(t, "worker-3", w3.Name)
}

func TestStore_DrainingSet(t *testing.T) {
	s := newTestStore(t)
	seedManifest(t, s)

	m, err := s.Mutate(func(m *Manifest) error {
		m.AddDraining("worker-2")
		m.AddDraining("worker-2") // idempotent
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"worker-2"}, m.Draining)
	require.True(t, m.IsDraining("worker-2"))

	m, err = s.Mutate(func(m *Manifest) error {
		m.RemoveDraining("worker-2")
		return nil
	})
	require.NoError(t, err)
	require.False(t, m.IsDraining("worker-2"))
}

func TestStore_MutateMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Mutate(func(m *Manifest) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManifest_WorkerByName(t *testing.T) {
	m := &Manifest{Workers: []Worker{{Name: "worker-1", Index: 1}}}
	require.NotNil(t, m.WorkerByName("worker-1"))
	require.Nil(t, m.WorkerByName("worker-9"))
}
