package scaling

import (
	"time"

	"github.com/zjrosen/omx/internal/team/store"
)

// historyCap bounds the persisted scaling history, oldest out first.
const historyCap = 100

// ActionRecommendation marks a history entry that records a promoted
// high-confidence recommendation rather than an applied action.
const ActionRecommendation Action = "recommendation"

// Trigger records what initiated a scaling action.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// ResourceSnapshot is the decision-time resource view stored with each
// history entry. CPU and memory are zero when sampling is unavailable.
type ResourceSnapshot struct {
	CPULoad1M     float64 `json:"cpu_load_1m"`
	FreeMemMB     int     `json:"free_mem_mb"`
	ActiveWorkers int     `json:"active_workers"`
	PendingTasks  int     `json:"pending_tasks"`
	IdleWorkers   int     `json:"idle_workers"`
}

// HistoryEntry records one scaling event.
type HistoryEntry struct {
	At          time.Time        `json:"at"`
	Action      Action           `json:"action"`
	Trigger     Trigger          `json:"trigger"`
	Delta       int              `json:"delta"`
	FromWorkers int              `json:"from_workers"`
	ToWorkers   int              `json:"to_workers"`
	Reason      string           `json:"reason,omitempty"`
	Resources   ResourceSnapshot `json:"resource_snapshot"`
}

// AppendHistory adds an entry to the team's scaling history, trimming
// to the newest hundred.
func AppendHistory(layout store.Layout, entry HistoryEntry) error {
	entries, err := ReadHistory(layout)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	return store.WriteJSON(layout.ScalingHistory(), entries)
}

// ReadHistory returns the recorded scaling history, oldest first.
func ReadHistory(layout store.Layout) ([]HistoryEntry, error) {
	entries, err := store.ReadJSON[[]HistoryEntry](layout.ScalingHistory(), "scaling-history")
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, nil
	}
	return *entries, nil
}

// LastActionAt returns the time of the most recent applied action, or a
// zero time. Cooldown checks key off it; recommendation entries do not
// restart the cooldown.
func LastActionAt(layout store.Layout) (time.Time, error) {
	entries, err := ReadHistory(layout)
	if err != nil {
		return time.Time{}, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action != ActionRecommendation {
			return entries[i].At, nil
		}
	}
	return time.Time{}, nil
}

// SnapshotFromInputs fills a resource snapshot from the monitor's
// reconciled view plus a fresh sample.
func SnapshotFromInputs(in Inputs) ResourceSnapshot {
	snap := ResourceSnapshot{
		ActiveWorkers: in.ActiveWorkers,
		PendingTasks:  in.PendingTasks,
		IdleWorkers:   len(in.IdleFor),
	}
	if s, ok := SampleResources(); ok {
		snap.CPULoad1M = s.Load1
		snap.FreeMemMB = s.FreeMemMB
	}
	return snap
}
