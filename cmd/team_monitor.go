package cmd

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/omx/internal/team/config"
	"github.com/zjrosen/omx/internal/team/runtime"
)

var monitorPollMS int

var teamMonitorCmd = &cobra.Command{
	Use:   "monitor <team> [--poll <ms>]",
	Short: "Run monitor ticks until the team completes",
	Long: `Run the reconciliation loop: read all team state, sweep expired
leases of dead workers, advance drains, notify mailboxes, and derive
the team phase. One JSON line per tick on stdout. Stops when the team
reaches a terminal phase or on Ctrl+C.`,
	Args: exactArgs(1),
	RunE: runTeamMonitor,
}

func init() {
	teamMonitorCmd.Flags().IntVar(&monitorPollMS, "poll", 0, "tick interval in milliseconds (overrides config)")
	teamCmd.AddCommand(teamMonitorCmd)
}

// tickLine is the per-tick structured output.
type tickLine struct {
	At          time.Time          `json:"at"`
	Phase       runtime.Phase      `json:"phase"`
	Tasks       runtime.TaskCounts `json:"tasks"`
	DeadWorkers []string           `json:"dead_workers,omitempty"`
	SweptTasks  []int              `json:"swept_tasks,omitempty"`
}

func runTeamMonitor(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, _, err := openRuntime(ctx, args[0], func(cfg *config.Config) {
		if monitorPollMS > 0 {
			cfg.PollInterval = time.Duration(monitorPollMS) * time.Millisecond
		}
	})
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	enc := json.NewEncoder(os.Stdout)
	return r.Monitor(ctx, func(snap *runtime.Snapshot) {
		_ = enc.Encode(tickLine{
			At:          snap.TickAt,
			Phase:       snap.Phase,
			Tasks:       snap.Tasks,
			DeadWorkers: snap.DeadWorkers,
			SweptTasks:  snap.SweptTasks,
		})
	})
}
