package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var teamCleanupCmd = &cobra.Command{
	Use:   "cleanup <team>",
	Short: "Forcibly remove a team's session and state",
	Long: `Forced teardown, safe after a crash: kills whatever slots the team
still owns, destroys the session if one exists, and removes the state
subtree even when the manifest is missing or unreadable.`,
	Args: exactArgs(1),
	RunE: runTeamCleanup,
}

func init() {
	teamCmd.AddCommand(teamCleanupCmd)
}

func runTeamCleanup(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	ctx := cmd.Context()
	r, _, err := openRuntime(ctx, args[0], nil)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	if err := r.Cleanup(ctx); err != nil {
		return err
	}

	fmt.Printf("team %s cleaned up\n", args[0])
	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"team":    args[0],
		"removed": true,
	})
}
