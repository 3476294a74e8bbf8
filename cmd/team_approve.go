package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zjrosen/omx/internal/team/task"
)

var (
	approveReject bool
	approveReason string
	approveBy     string
)

var teamApproveCmd = &cobra.Command{
	Use:   "approve <team> <task-id> [--reject] [--reason <text>]",
	Short: "Decide a pending plan approval",
	Long: `Record the verdict on a task's pending plan approval and log an
approval_decision event. A decision is final. With no task id, lists
the approvals still waiting on one.

Examples:
  omx team approve alpha
  omx team approve alpha 3
  omx team approve alpha 3 --reject --reason "touches the release branch"`,
	Args: rangeArgs(1, 2),
	RunE: runTeamApprove,
}

func init() {
	teamApproveCmd.Flags().BoolVar(&approveReject, "reject", false, "reject the plan instead of approving it")
	teamApproveCmd.Flags().StringVar(&approveReason, "reason", "", "reason recorded with the decision")
	teamApproveCmd.Flags().StringVar(&approveBy, "by", "leader", "who the decision is recorded under")
	teamCmd.AddCommand(teamApproveCmd)
}

func runTeamApprove(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	ctx := cmd.Context()
	r, _, err := openRuntime(ctx, args[0], nil)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	if len(args) == 1 {
		pending, err := r.Approvals().Pending()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no pending approvals")
			return nil
		}
		for _, a := range pending {
			fmt.Printf("task %d  requested by %s at %s\n", a.TaskID, a.RequestedBy, a.RequestedAt.Format("15:04:05"))
		}
		return nil
	}

	id, err := strconv.Atoi(args[1])
	if err != nil {
		return usagef("task id must be an integer, got %q", args[1])
	}

	decision := task.DecisionApproved
	if approveReject {
		decision = task.DecisionRejected
	}
	a, err := r.Approvals().Decide(id, approveBy, decision, approveReason)
	if err != nil {
		return err
	}
	fmt.Printf("task %d %s\n", a.TaskID, a.Decision)
	return nil
}
