package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestComputeReadiness(t *testing.T) {
	tasks := map[int]*Task{
		1: {ID: 1, Status: StatusCompleted},
		2: {ID: 2, Status: StatusPending},
	}
	lookup := func(id int) *Task { return tasks[id] }

	t.Run("no dependencies", func(t *testing.T) {
		r := ComputeReadiness(&Task{ID: 3}, lookup)
		assert.True(t, r.Ready)
		assert.Empty(t, r.Dependencies)
	})

	t.Run("all completed", func(t *testing.T) {
		r := ComputeReadiness(&Task{ID: 3, DependsOn: []int{1}}, lookup)
		assert.True(t, r.Ready)
	})

	t.Run("unmet dependency", func(t *testing.T) {
		r := ComputeReadiness(&Task{ID: 3, DependsOn: []int{1, 2}}, lookup)
		assert.False(t, r.Ready)
		assert.Equal(t, ReasonBlockedDependency, r.Reason)
		assert.Equal(t, []int{2}, r.Dependencies)
	})

	t.Run("unknown dependency counts as unmet", func(t *testing.T) {
		r := ComputeReadiness(&Task{ID: 3, DependsOn: []int{99}}, lookup)
		assert.False(t, r.Ready)
		assert.Equal(t, []int{99}, r.Dependencies)
	})
}

func TestComputeReadiness_Properties(t *testing.T) {
	statuses := []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		tasks := make(map[int]*Task, n)
		for id := 1; id <= n; id++ {
			tasks[id] = &Task{ID: id, Status: rapid.SampledFrom(statuses).Draw(t, "status")}
		}
		deps := rapid.SliceOfN(rapid.IntRange(1, n+2), 0, 6).Draw(t, "deps")
		lookup := func(id int) *Task { return tasks[id] }

		r := ComputeReadiness(&Task{ID: n + 10, DependsOn: deps}, lookup)

		// Ready exactly when every dependency exists and is completed.
		allDone := true
		for _, dep := range deps {
			d := tasks[dep]
			if d == nil || d.Status != StatusCompleted {
				allDone = false
			}
		}
		assert.Equal(t, allDone, r.Ready)

		// Unmet list is a subset of depends_on, in order, and non-empty
		// exactly when not ready.
		assert.Equal(t, !r.Ready, len(r.Dependencies) > 0)
		assert.Subset(t, deps, r.Dependencies)
	})
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusBlocked.Terminal())
}
