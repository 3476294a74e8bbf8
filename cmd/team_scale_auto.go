package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/omx/internal/team/manifest"
)

var teamScaleAutoCmd = &cobra.Command{
	Use:   "scale-auto <team> on|off",
	Short: "Toggle automatic application of scaling recommendations",
	Long: `Toggle auto-apply on the team's persisted scaling policy. When on,
the monitor acts on high-confidence recommendations (the same
suggestion three ticks in a row) by itself.`,
	Args: exactArgs(2),
	RunE: runTeamScaleAuto,
}

func init() {
	teamCmd.AddCommand(teamScaleAutoCmd)
}

func runTeamScaleAuto(_ *cobra.Command, args []string) error {
	var enable bool
	switch args[1] {
	case "on":
		enable = true
	case "off":
		enable = false
	default:
		return usagef("expected on or off, got %q", args[1])
	}

	layout, _, err := teamLayout(args[0])
	if err != nil {
		return err
	}
	ms := manifest.NewStore(layout)
	m, err := ms.Mutate(func(cur *manifest.Manifest) error {
		cur.Scaling.AutoApply = enable
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("team %s auto-scaling: %v\n", m.Team, m.Scaling.AutoApply)
	return nil
}
