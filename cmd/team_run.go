package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/omx/internal/team/config"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/runtime"
	"github.com/zjrosen/omx/internal/team/task"
)

var teamRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a team end to end from a JSON request on stdin",
	Long: `Read a run request from stdin, start the team, monitor it to a
terminal phase, shut it down, and print the result JSON on stdout.
Progress lines go to stderr.

Request:  {"teamName", "workerCount"?, "agentTypes": [...],
           "tasks": [{"subject", "description"}], "cwd",
           "pollIntervalMs"?}
Response: {"status", "teamName", "taskResults": [...],
           "duration", "workerCount"}`,
	Args: exactArgs(0),
	RunE: runTeamRun,
}

func init() {
	teamCmd.AddCommand(teamRunCmd)
}

// runRequest is the stdin contract.
type runRequest struct {
	TeamName       string `json:"teamName"`
	WorkerCount    int    `json:"workerCount,omitempty"`
	AgentTypes     []string `json:"agentTypes"`
	Tasks          []runTask `json:"tasks"`
	CWD            string `json:"cwd"`
	PollIntervalMS int    `json:"pollIntervalMs,omitempty"`
}

type runTask struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
}

// runResponse is the stdout contract.
type runResponse struct {
	Status      string          `json:"status"`
	TeamName    string          `json:"teamName"`
	TaskResults []runTaskResult `json:"taskResults"`
	DurationMS  int64           `json:"duration"`
	WorkerCount int             `json:"workerCount"`
}

type runTaskResult struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Summary string `json:"summary"`
}

func (req *runRequest) validate() error {
	if req.TeamName == "" {
		return usagef("teamName is required")
	}
	if len(req.AgentTypes) == 0 {
		return usagef("agentTypes must name at least one agent type")
	}
	if len(req.Tasks) == 0 {
		return usagef("tasks must contain at least one task")
	}
	if req.WorkerCount == 0 {
		req.WorkerCount = len(req.AgentTypes)
	}
	return nil
}

func runTeamRun(cmd *cobra.Command, _ []string) error {
	cleanup := initLogging()
	defer cleanup()

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}
	var req runRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return usagef("parsing request: %v", err)
	}
	if err := req.validate(); err != nil {
		return err
	}
	if req.CWD != "" {
		projectDir = req.CWD
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, _, err := openRuntime(ctx, req.TeamName, func(cfg *config.Config) {
		if req.PollIntervalMS > 0 {
			cfg.PollInterval = time.Duration(req.PollIntervalMS) * time.Millisecond
		}
	})
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	specs := make([]task.CreateSpec, len(req.Tasks))
	for i, t := range req.Tasks {
		specs[i] = task.CreateSpec{Subject: t.Subject, Description: t.Description}
	}

	started := time.Now()
	fmt.Fprintf(os.Stderr, "starting team %s with %d worker(s)\n", req.TeamName, req.WorkerCount)
	m, err := r.Start(ctx, runtime.StartSpec{
		Workers:         req.WorkerCount,
		AgentType:       req.AgentTypes[0],
		TaskDescription: req.Tasks[0].Subject,
		Tasks:           specs,
		Leader:          manifest.Leader{Role: "leader"},
	})
	if err != nil {
		return err
	}

	var finalPhase runtime.Phase
	err = r.Monitor(ctx, func(snap *runtime.Snapshot) {
		finalPhase = snap.Phase
		fmt.Fprintf(os.Stderr, "phase=%s pending=%d in_progress=%d completed=%d failed=%d dead=%d\n",
			snap.Phase, snap.Tasks.Pending, snap.Tasks.InProgress,
			snap.Tasks.Completed, snap.Tasks.Failed, len(snap.DeadWorkers))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor stopped: %v\n", err)
	}

	tasks, listErr := r.Tasks().List()
	if listErr != nil {
		return listErr
	}

	if _, err := r.Shutdown(ctx, false, false); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown refused (%v), forcing\n", err)
		if _, err := r.Shutdown(ctx, true, false); err != nil {
			return err
		}
	}

	resp := runResponse{
		Status:      "failed",
		TeamName:    m.Team,
		DurationMS:  time.Since(started).Milliseconds(),
		WorkerCount: req.WorkerCount,
	}
	if finalPhase == runtime.PhaseComplete {
		resp.Status = "completed"
	}
	for _, t := range tasks {
		summary := t.Result
		if summary == "" {
			summary = t.Error
		}
		resp.TaskResults = append(resp.TaskResults, runTaskResult{
			TaskID:  strconv.Itoa(t.ID),
			Status:  string(t.Status),
			Summary: summary,
		})
	}
	return json.NewEncoder(os.Stdout).Encode(resp)
}
