package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/omx/internal/team/heartbeat"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/runtime"
	"github.com/zjrosen/omx/internal/team/store"
	"github.com/zjrosen/omx/internal/team/task"
)

var teamStatusCmd = &cobra.Command{
	Use:   "status <team>",
	Short: "Print task counts, worker states, and the current phase",
	Long: `Print the team's state: one human-readable summary line, the parseable
"tasks:" counts line, and a JSON object for machines.`,
	Args: exactArgs(1),
	RunE: runTeamStatus,
}

func init() {
	teamCmd.AddCommand(teamStatusCmd)
}

// statusReport is the machine-readable status payload.
type statusReport struct {
	Team            string                           `json:"team"`
	Phase           runtime.Phase                    `json:"phase"`
	Tasks           runtime.TaskCounts               `json:"tasks"`
	Workers         map[string]heartbeat.WorkerState `json:"workers"`
	Draining        []string                         `json:"draining,omitempty"`
	Recommendations []json.RawMessage                `json:"recommendations,omitempty"`
}

func runTeamStatus(_ *cobra.Command, args []string) error {
	team := args[0]
	layout, cfg, err := teamLayout(team)
	if err != nil {
		return err
	}

	ms := manifest.NewStore(layout)
	m, err := ms.Load()
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("team %s not found", team)
	}

	ts := task.NewStore(layout, ms, cfg.ClaimLease)
	tasks, err := ts.List()
	if err != nil {
		return err
	}
	var counts runtime.TaskCounts
	for _, t := range tasks {
		switch t.Status {
		case task.StatusPending:
			if r := ts.Readiness(t); !r.Ready {
				counts.Blocked++
			} else {
				counts.Pending++
			}
		case task.StatusBlocked:
			counts.Blocked++
		case task.StatusInProgress:
			counts.InProgress++
		case task.StatusCompleted:
			counts.Completed++
		case task.StatusFailed:
			counts.Failed++
		}
	}

	workers := make(map[string]heartbeat.WorkerState, len(m.Workers))
	for _, w := range m.Workers {
		st, err := heartbeat.NewStore(layout, w.Name).ReadStatus()
		if err != nil {
			return err
		}
		if st == nil {
			workers[w.Name] = "unknown"
			continue
		}
		workers[w.Name] = st.State
	}

	report := statusReport{
		Team:     team,
		Phase:    runtime.PhaseStart,
		Tasks:    counts,
		Workers:  workers,
		Draining: m.Draining,
	}
	if snap, err := store.ReadJSON[runtime.Snapshot](layout.MonitorSnapshot(), "snapshot"); err == nil && snap != nil {
		report.Phase = snap.Phase
		for _, rec := range snap.Recommendations {
			if raw, err := json.Marshal(rec); err == nil {
				report.Recommendations = append(report.Recommendations, raw)
			}
		}
	}

	fmt.Printf("team %s: phase=%s workers=%d draining=%d recommendations=%d\n",
		team, report.Phase, len(workers), len(m.Draining), len(report.Recommendations))
	fmt.Printf("tasks: pending=%d blocked=%d in_progress=%d completed=%d failed=%d\n",
		counts.Pending, counts.Blocked, counts.InProgress, counts.Completed, counts.Failed)

	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(report)
}
