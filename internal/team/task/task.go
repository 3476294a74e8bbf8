// Package task persists the team's work items and mediates claims.
//
// Each task is one JSON file under tasks/. Claims are single-holder
// leases: a worker that claims a task owns it until it transitions the
// task, releases the claim, or the lease expires and the monitor sweeps
// it back to pending.
package task

import "time"

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Claim records the single current lease on an in-progress task.
type Claim struct {
	Token          string    `json:"token"`
	Worker         string    `json:"worker"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Task is one persisted work item.
type Task struct {
	ID                 int        `json:"id"`
	Subject            string     `json:"subject"`
	Description        string     `json:"description"`
	Status             Status     `json:"status"`
	RequiresCodeChange bool       `json:"requires_code_change"`
	Owner              string     `json:"owner,omitempty"`
	Result             string     `json:"result,omitempty"`
	Error              string     `json:"error,omitempty"`
	DependsOn          []int      `json:"depends_on,omitempty"`
	Claim              *Claim     `json:"claim,omitempty"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Readiness is the result of a dependency check.
type Readiness struct {
	Ready        bool
	Reason       string
	Dependencies []int // unmet dependency ids, in depends_on order
}

// ReasonBlockedDependency is the single readiness failure reason.
const ReasonBlockedDependency = "blocked_dependency"

// ComputeReadiness reports whether every dependency of t is completed.
// lookup resolves a task id to its current record (nil for unknown ids;
// unknown dependencies count as unmet). Pure; mutates nothing.
func ComputeReadiness(t *Task, lookup func(id int) *Task) Readiness {
	var unmet []int
	for _, dep := range t.DependsOn {
		d := lookup(dep)
		if d == nil || d.Status != StatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		return Readiness{Reason: ReasonBlockedDependency, Dependencies: unmet}
	}
	return Readiness{Ready: true}
}
