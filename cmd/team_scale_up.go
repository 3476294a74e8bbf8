package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/omx/internal/team/scaling"
)

var teamScaleUpCmd = &cobra.Command{
	Use:   "scale-up <team> [<k>[:<agent-type>]]",
	Short: "Add workers to a running team",
	Long: `Add k workers (default 1) to the team's existing session. The agent
type defaults to the team's original one. Refused when the worker
ceiling, the cooldown, or the resource check says no.

Examples:
  omx team scale-up alpha
  omx team scale-up alpha 2
  omx team scale-up alpha 2:claude`,
	Args: rangeArgs(1, 2),
	RunE: runTeamScaleUp,
}

func init() {
	teamCmd.AddCommand(teamScaleUpCmd)
}

func runTeamScaleUp(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	k, agentType := 1, ""
	if len(args) == 2 {
		countStr, typePart, _ := strings.Cut(args[1], ":")
		n, err := strconv.Atoi(countStr)
		if err != nil || n < 1 {
			return usagef("scale-up count must be a positive integer, got %q", countStr)
		}
		k, agentType = n, typePart
	}

	ctx := cmd.Context()
	r, _, err := openRuntime(ctx, args[0], nil)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	added, err := r.Engine().ScaleUp(ctx, k, agentType, scaling.TriggerManual)
	if err != nil {
		return err
	}

	names := make([]string, len(added))
	for i, w := range added {
		names[i] = w.Name
	}
	fmt.Printf("team %s scaled up: added %s\n", args[0], strings.Join(names, ", "))
	return nil
}
