// Package manifest defines the authoritative per-team manifest and its store.
//
// The manifest is the single JSON file describing a team's identity, policy,
// counters, and worker roster. Counter allocation (next_task_id,
// next_worker_index) happens inside the same atomic rewrite as the rest of
// the mutation, which is what keeps ids monotone across crashes.
package manifest

import "time"

// SchemaVersion is the current manifest schema. Older versions are not read.
const SchemaVersion = 2

// DisplayMode selects how the leader presents the team.
type DisplayMode string

const (
	DisplaySplitPane DisplayMode = "split_pane"
	DisplayAuto      DisplayMode = "auto"
)

// Leader identifies the coordinator that owns the team.
type Leader struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
	Role      string `json:"role"`
}

// Policy captures the team's behavioral switches.
type Policy struct {
	DelegationOnly                    bool        `json:"delegation_only"`
	PlanApprovalRequired              bool        `json:"plan_approval_required"`
	CleanupRequiresAllWorkersInactive bool        `json:"cleanup_requires_all_workers_inactive"`
	DisplayMode                       DisplayMode `json:"display_mode"`
	NestedTeamsAllowed                bool        `json:"nested_teams_allowed"`
	OneTeamPerLeaderSession           bool        `json:"one_team_per_leader_session"`
}

// Permissions snapshots the leader's permission posture at team start.
type Permissions struct {
	ApprovalMode  string `json:"approval_mode"`
	SandboxMode   string `json:"sandbox_mode"`
	NetworkAccess string `json:"network_access"`
}

// ResourceLimits bound scale-up resource checks.
type ResourceLimits struct {
	MaxCPUPercent float64 `json:"max_cpu_percent"`
	MinFreeMemMB  int     `json:"min_free_mem_mb"`
}

// ScalingPolicy is the persisted slice of the scaling configuration.
type ScalingPolicy struct {
	AutoApply          bool    `json:"auto_apply"`
	MinWorkers         int     `json:"min_workers"`
	MaxWorkers         int     `json:"max_workers"`
	ScaleUpThreshold   float64 `json:"scale_up_threshold"`
	ScaleDownThreshold float64 `json:"scale_down_threshold"`
	CooldownMS         int64   `json:"cooldown_ms"`
	IdleTimeoutMS      int64   `json:"idle_timeout_ms"`
	PerWorkerMemMB     int     `json:"per_worker_mem_mb"`
}

// Worker is one roster entry.
// A removed worker's name and index are never reassigned within a team.
type Worker struct {
	Name        string    `json:"name"`
	Index       int       `json:"index"`
	Role        string    `json:"role"`
	SlotAddress string    `json:"slot_address"`
	AddedAt     time.Time `json:"added_at"`
}

// Manifest is the authoritative per-team state record.
type Manifest struct {
	SchemaVersion   int            `json:"schema_version"`
	Team            string         `json:"team"`
	TaskDescription string         `json:"task_description"`
	Leader          Leader         `json:"leader"`
	Policy          Policy         `json:"policy"`
	Permissions     Permissions    `json:"permissions"`
	SessionHandle   string         `json:"session_handle"`
	LeaderPane      string         `json:"leader_pane,omitempty"`
	HUDPane         string         `json:"hud_pane,omitempty"`
	AgentType       string         `json:"agent_type"`
	WorkerCount     int            `json:"worker_count"`
	Workers         []Worker       `json:"workers"`
	InitialWorkers  int            `json:"initial_worker_count"`
	ActiveWorkers   int            `json:"active_worker_count"`
	Draining        []string       `json:"draining_workers"`
	Scaling         ScalingPolicy  `json:"scaling_policy"`
	ResourceLimits  ResourceLimits `json:"resource_limits"`
	NextTaskID      int            `json:"next_task_id"`
	NextWorkerIndex int            `json:"next_worker_index"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
}

// WorkerByName returns the roster entry for name, or nil.
func (m *Manifest) WorkerByName(name string) *Worker {
	for i := range m.Workers {
		if m.Workers[i].Name == name {
			return &m.Workers[i]
		}
	}
	return nil
}

// IsDraining reports whether the named worker is in the draining set.
func (m *Manifest) IsDraining(name string) bool {
	for _, d := range m.Draining {
		if d == name {
			return true
		}
	}
	return false
}

// AddDraining adds name to the draining set if absent.
func (m *Manifest) AddDraining(name string) {
	if !m.IsDraining(name) {
		m.Draining = append(m.Draining, name)
	}
}

// RemoveDraining removes name from the draining set.
func (m *Manifest) RemoveDraining(name string) {
	out := m.Draining[:0]
	for _, d := range m.Draining {
		if d != name {
			out = append(out, d)
		}
	}
	m.Draining = out
}

// RemoveWorker deletes the roster entry for name and recounts.
// The worker's index is intentionally not reclaimed.
func (m *Manifest) RemoveWorker(name string) {
	out := m.Workers[:0]
	for _, w := range m.Workers {
		if w.Name != name {
			out = append(out, w)
		}
	}
	m.Workers = out
	m.WorkerCount = len(m.Workers)
}
