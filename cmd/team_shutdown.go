package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var shutdownForce bool

var teamShutdownCmd = &cobra.Command{
	Use:   "shutdown <team> [--force]",
	Short: "Stop a team, gracefully by default",
	Long: `Stop the team. The graceful path refuses while any worker is
mid-task, then asks each worker to stop and waits for acknowledgements
up to the shutdown grace budget. --force skips the gate and the wait.
Only slots the team actually owns are killed; the leader and HUD panes
never are.`,
	Args: exactArgs(1),
	RunE: runTeamShutdown,
}

func init() {
	teamShutdownCmd.Flags().BoolVar(&shutdownForce, "force", false, "skip the inactivity gate and the ack wait")
	teamCmd.AddCommand(teamShutdownCmd)
}

func runTeamShutdown(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	ctx := cmd.Context()
	r, _, err := openRuntime(ctx, args[0], nil)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	summary, err := r.Shutdown(ctx, shutdownForce, false)
	if err != nil {
		return err
	}

	fmt.Printf("team %s stopped: killed=%d acked=%d forced=%v\n",
		summary.Team, len(summary.KilledTargets), len(summary.AckedWorkers), summary.Forced)
	return json.NewEncoder(os.Stdout).Encode(summary)
}
