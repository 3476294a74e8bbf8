package task

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/store"
)

// ErrVersionConflict is returned when a task mutation lost the
// read-modify-write race twice in a row.
var ErrVersionConflict = fmt.Errorf("task version conflict")

// ErrNotFound is returned for operations on tasks that do not exist.
var ErrNotFound = fmt.Errorf("task not found")

// ErrTokenMismatch is returned when a claim-scoped operation presents a
// token that does not match the current claim.
var ErrTokenMismatch = fmt.Errorf("claim token mismatch")

// ClaimOutcome classifies a claim attempt.
type ClaimOutcome string

const (
	ClaimOK                ClaimOutcome = "ok"
	ClaimNotFound          ClaimOutcome = "not_found"
	ClaimWrongStatus       ClaimOutcome = "wrong_status"
	ClaimConflict          ClaimOutcome = "claim_conflict"
	ClaimBlockedDependency ClaimOutcome = "blocked_dependency"
	ClaimDrainingWorker    ClaimOutcome = "draining_worker"
)

// ClaimResult is what a claim attempt produced. Task and Token are set
// only on ClaimOK; UnmetDependencies only on ClaimBlockedDependency.
type ClaimResult struct {
	Outcome           ClaimOutcome
	Task              *Task
	Token             string
	UnmetDependencies []int
}

// CreateSpec describes a task to create.
type CreateSpec struct {
	Subject            string
	Description        string
	DependsOn          []int
	RequiresCodeChange bool
}

// Store persists tasks under the team layout. Task ids come from the
// manifest's monotone counter.
type Store struct {
	layout     store.Layout
	manifest   *manifest.Store
	lease      time.Duration
	now        func() time.Time
	onTerminal func(*Task)
}

// NewStore creates a task store. lease is the claim lease duration.
func NewStore(layout store.Layout, m *manifest.Store, lease time.Duration) *Store {
	return &Store{layout: layout, manifest: m, lease: lease, now: time.Now}
}

// OnTerminal registers a hook invoked after a task reaches a terminal
// status via Transition. The hook receives the written task.
func (s *Store) OnTerminal(fn func(*Task)) {
	s.onTerminal = fn
}

func (s *Store) path(id int) string {
	return s.layout.Task(strconv.Itoa(id))
}

// Create persists a batch of new tasks, allocating consecutive ids in
// one manifest rewrite. Dependency ids are not validated here; a task
// may reference a sibling created later in the same batch.
func (s *Store) Create(specs ...CreateSpec) ([]*Task, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	if err := store.EnsureDir(s.layout.TasksDir()); err != nil {
		return nil, err
	}

	first, err := s.manifest.AllocateTaskIDs(len(specs))
	if err != nil {
		return nil, fmt.Errorf("allocating task ids: %w", err)
	}

	now := s.now()
	tasks := make([]*Task, 0, len(specs))
	for i, spec := range specs {
		t := &Task{
			ID:                 first + i,
			Subject:            spec.Subject,
			Description:        spec.Description,
			Status:             StatusPending,
			RequiresCodeChange: spec.RequiresCodeChange,
			DependsOn:          spec.DependsOn,
			Version:            1,
			CreatedAt:          now,
		}
		if err := store.WriteJSON(s.path(t.ID), t); err != nil {
			return nil, fmt.Errorf("writing task %d: %w", t.ID, err)
		}
		log.Debug(log.CatTask, "Created task", "id", t.ID, "subject", t.Subject)
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Get returns the task, or (nil, nil) when it does not exist.
func (s *Store) Get(id int) (*Task, error) {
	return store.ReadJSON[Task](s.path(id), "task")
}

// List returns every task, ordered by id.
func (s *Store) List() ([]*Task, error) {
	entries, err := os.ReadDir(s.layout.TasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	var tasks []*Task
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		t, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Readiness computes dependency readiness for the task against the
// current on-disk state of its dependencies.
func (s *Store) Readiness(t *Task) Readiness {
	return ComputeReadiness(t, func(id int) *Task {
		dep, err := s.Get(id)
		if err != nil {
			return nil
		}
		return dep
	})
}

// Claim attempts to lease the task for worker. Only pending tasks with
// all dependencies completed can be claimed, and draining workers are
// refused so they wind down instead of picking up new work.
func (s *Store) Claim(id int, worker string) (ClaimResult, error) {
	m, err := s.manifest.Load()
	if err != nil {
		return ClaimResult{}, err
	}
	if m != nil && m.IsDraining(worker) {
		return ClaimResult{Outcome: ClaimDrainingWorker}, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		t, err := s.Get(id)
		if err != nil {
			return ClaimResult{}, err
		}
		if t == nil {
			return ClaimResult{Outcome: ClaimNotFound}, nil
		}
		if t.Status != StatusPending {
			if t.Status == StatusInProgress && t.Claim != nil && t.Claim.Worker != worker {
				return ClaimResult{Outcome: ClaimConflict}, nil
			}
			return ClaimResult{Outcome: ClaimWrongStatus}, nil
		}
		if r := s.Readiness(t); !r.Ready {
			return ClaimResult{Outcome: ClaimBlockedDependency, UnmetDependencies: r.Dependencies}, nil
		}

		now := s.now()
		expected := t.Version
		t.Status = StatusInProgress
		t.Owner = worker
		t.Claim = &Claim{
			Token:          uuid.NewString(),
			Worker:         worker,
			AcquiredAt:     now,
			LeaseExpiresAt: now.Add(s.lease),
		}

		ok, err := s.writeIfUnchanged(t, expected)
		if err != nil {
			return ClaimResult{}, err
		}
		if !ok {
			log.Debug(log.CatTask, "Claim lost race, retrying", "id", id, "worker", worker, "attempt", attempt)
			continue
		}

		log.Info(log.CatTask, "Task claimed", "id", id, "worker", worker, "lease_expires_at", t.Claim.LeaseExpiresAt)
		return ClaimResult{Outcome: ClaimOK, Task: t, Token: t.Claim.Token}, nil
	}
	return ClaimResult{Outcome: ClaimConflict}, nil
}

// Release returns a claimed task to pending. The caller must hold the
// claim token.
func (s *Store) Release(id int, token string) error {
	return s.mutate(id, func(t *Task) error {
		if t.Claim == nil || t.Claim.Token != token {
			return ErrTokenMismatch
		}
		t.Status = StatusPending
		t.Owner = ""
		t.Claim = nil
		return nil
	})
}

// Transition moves an in-progress task to a terminal status. The caller
// must hold the claim token. result and errMsg are recorded when set.
func (s *Store) Transition(id int, token string, target Status, result, errMsg string) error {
	if !target.Terminal() {
		return fmt.Errorf("transition target must be terminal, got %q", target)
	}
	var written *Task
	err := s.mutate(id, func(t *Task) error {
		if t.Status != StatusInProgress {
			return fmt.Errorf("task %d is %s, not in_progress", id, t.Status)
		}
		if t.Claim == nil || t.Claim.Token != token {
			return ErrTokenMismatch
		}
		now := s.now()
		t.Status = target
		t.Claim = nil
		t.CompletedAt = &now
		if result != "" {
			t.Result = result
		}
		if errMsg != "" {
			t.Error = errMsg
		}
		written = t
		log.Info(log.CatTask, "Task transitioned", "id", id, "status", target)
		return nil
	})
	if err == nil && s.onTerminal != nil && written != nil {
		s.onTerminal(written)
	}
	return err
}

// Update applies an arbitrary field patch under optimistic concurrency.
// Administrative corrections may set any status; a claim never survives
// a status other than in_progress, so moving a claimed task elsewhere
// drops the lease.
func (s *Store) Update(id int, fn func(*Task) error) error {
	return s.mutate(id, func(t *Task) error {
		if err := fn(t); err != nil {
			return err
		}
		if t.Status != StatusInProgress && t.Claim != nil {
			t.Claim = nil
			if t.Status == StatusPending {
				t.Owner = ""
			}
		}
		return nil
	})
}

// SweepExpiredLeases returns expired in-progress tasks to pending. A
// lease is only broken when the claim-holding worker is observed dead,
// judged by workerDead; a live worker keeps its task past lease expiry.
func (s *Store) SweepExpiredLeases(workerDead func(worker string) bool) ([]int, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var swept []int
	for _, t := range tasks {
		if t.Status != StatusInProgress || t.Claim == nil {
			continue
		}
		if !t.Claim.LeaseExpiresAt.Before(now) {
			continue
		}
		if !workerDead(t.Claim.Worker) {
			continue
		}
		worker := t.Claim.Worker
		err := s.mutate(t.ID, func(cur *Task) error {
			if cur.Status != StatusInProgress || cur.Claim == nil || cur.Claim.Token != t.Claim.Token {
				return nil // raced with a legitimate transition
			}
			cur.Status = StatusPending
			cur.Owner = ""
			cur.Claim = nil
			return nil
		})
		if err != nil {
			return swept, err
		}
		log.Warn(log.CatTask, "Expired lease swept", "id", t.ID, "worker", worker)
		swept = append(swept, t.ID)
	}
	return swept, nil
}

// mutate applies fn under optimistic concurrency: read, mutate in
// memory, verify the on-disk version is unchanged, write. One retry on
// conflict, then ErrVersionConflict.
func (s *Store) mutate(id int, fn func(*Task) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		t, err := s.Get(id)
		if err != nil {
			return err
		}
		if t == nil {
			return ErrNotFound
		}

		expected := t.Version
		if err := fn(t); err != nil {
			return err
		}

		ok, err := s.writeIfUnchanged(t, expected)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		log.Debug(log.CatTask, "Task mutation lost race, retrying", "id", id, "attempt", attempt)
	}
	return ErrVersionConflict
}

// writeIfUnchanged re-reads the task immediately before the atomic
// rename and refuses the write when the version moved underneath us.
func (s *Store) writeIfUnchanged(t *Task, expected int64) (bool, error) {
	current, err := s.Get(t.ID)
	if err != nil {
		return false, err
	}
	if current == nil || current.Version != expected {
		return false, nil
	}
	t.Version = expected + 1
	if err := store.WriteJSON(s.path(t.ID), t); err != nil {
		return false, err
	}
	return true, nil
}
