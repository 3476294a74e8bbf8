package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/runtime"
	"github.com/zjrosen/omx/internal/team/task"
)

var teamStartCmd = &cobra.Command{
	Use:   "start <team> <N:agent-type> <task>...",
	Short: "Create a team of workers and its initial task set",
	Long: `Create a team: a transport session, N worker slots each running the
given agent CLI, and one pending task per task argument.

Examples:
  omx team start alpha 2:codex "wire the parser" "add tests"
  omx team start review 1:claude "review the open PRs"`,
	Args: minArgs(3),
	RunE: runTeamStart,
}

func init() {
	teamCmd.AddCommand(teamStartCmd)
}

// parseWorkerSpec parses "N:agent-type" into its parts.
func parseWorkerSpec(spec string) (int, string, error) {
	countStr, agentType, ok := strings.Cut(spec, ":")
	if !ok {
		return 0, "", usagef("worker spec must be N:<agent-type>, got %q", spec)
	}
	n, err := strconv.Atoi(countStr)
	if err != nil || n < 1 {
		return 0, "", usagef("worker count must be a positive integer, got %q", countStr)
	}
	return n, agentType, nil
}

func runTeamStart(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	team := args[0]
	workers, agentType, err := parseWorkerSpec(args[1])
	if err != nil {
		return err
	}

	var specs []task.CreateSpec
	for _, subject := range args[2:] {
		specs = append(specs, task.CreateSpec{Subject: subject})
	}

	ctx := cmd.Context()
	r, _, err := openRuntime(ctx, team, nil)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	m, err := r.Start(ctx, runtime.StartSpec{
		Workers:         workers,
		AgentType:       agentType,
		TaskDescription: strings.Join(args[2:], "; "),
		Tasks:           specs,
		Leader: manifest.Leader{
			SessionID: os.Getenv("OMX_SESSION_ID"),
			WorkerID:  os.Getenv("OMX_WORKER_ID"),
			Role:      "leader",
		},
		LeaderPane: os.Getenv("OMX_LEADER_PANE"),
		HUDPane:    os.Getenv("OMX_HUD_PANE"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("team %s started: %d %s worker(s), %d task(s), session %s\n",
		m.Team, m.ActiveWorkers, m.AgentType, len(specs), m.SessionHandle)
	return nil
}
