package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/omx/internal/team/scaling"
)

var teamScaleDownCmd = &cobra.Command{
	Use:   "scale-down <team> [<k> | <worker-name>]",
	Short: "Drain workers out of a running team",
	Long: `Mark k workers (default 1), or one named worker, as draining: they
finish their current task, refuse new claims, and are retired once they
acknowledge the shutdown request. Floored at min_workers.

Examples:
  omx team scale-down alpha
  omx team scale-down alpha 2
  omx team scale-down alpha worker-3`,
	Args: rangeArgs(1, 2),
	RunE: runTeamScaleDown,
}

func init() {
	teamCmd.AddCommand(teamScaleDownCmd)
}

func runTeamScaleDown(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	ctx := cmd.Context()
	r, _, err := openRuntime(ctx, args[0], nil)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	if len(args) == 2 {
		if k, err := strconv.Atoi(args[1]); err == nil {
			if k < 1 {
				return usagef("scale-down count must be a positive integer, got %d", k)
			}
			drained, err := r.Engine().StartDrain(ctx, k, scaling.TriggerManual)
			if err != nil {
				return err
			}
			fmt.Printf("team %s draining: %s\n", args[0], strings.Join(drained, ", "))
			return nil
		}
		if err := r.Engine().DrainWorker(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("team %s draining: %s\n", args[0], args[1])
		return nil
	}

	drained, err := r.Engine().StartDrain(ctx, 1, scaling.TriggerManual)
	if err != nil {
		return err
	}
	fmt.Printf("team %s draining: %s\n", args[0], strings.Join(drained, ", "))
	return nil
}
