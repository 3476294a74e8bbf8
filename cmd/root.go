package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/config"
	"github.com/zjrosen/omx/internal/team/runtime"
	"github.com/zjrosen/omx/internal/team/store"
	"github.com/zjrosen/omx/internal/team/transport"
)

var (
	version    = "dev"
	projectDir string
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:     "omx",
	Short:   "Local multi-worker AI agent orchestrator",
	Long: `omx runs teams of AI CLI workers on one machine: it spawns each
worker in a tmux pane (or a child process when tmux is unavailable),
hands out tasks under single-claim leases, and reconciles everything
through JSON files under .omx/state.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Create, observe, scale, and stop worker teams",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", "",
		"project directory holding .omx state (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging (also OMX_DEBUG=1; log path via OMX_LOG)")
	rootCmd.AddCommand(teamCmd)
}

// usageError marks argument mistakes so Execute can exit 2 instead of 1.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// exactArgs is cobra.ExactArgs with the usage-error exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("expected %d argument(s), got %d", n, len(args))
		}
		return nil
	}
}

func rangeArgs(min, max int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < min || len(args) > max {
			return usagef("expected between %d and %d arguments, got %d", min, max, len(args))
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < n {
			return usagef("expected at least %d argument(s), got %d", n, len(args))
		}
		return nil
	}
}

// resolveProject returns the effective project directory.
func resolveProject() (string, error) {
	if projectDir != "" {
		return projectDir, nil
	}
	return os.Getwd()
}

// initLogging turns the category logger on when debug mode is requested.
func initLogging() func() {
	if !debugFlag && os.Getenv("OMX_DEBUG") == "" {
		return func() {}
	}
	logPath := os.Getenv("OMX_LOG")
	if logPath == "" {
		logPath = "omx-debug.log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
		return func() {}
	}
	return cleanup
}

// openRuntime builds a runtime for the named team: config, transport
// detection, and the store wiring. mutate, when non-nil, adjusts the
// loaded config before wiring (flag overrides).
func openRuntime(ctx context.Context, team string, mutate func(*config.Config)) (*runtime.Runtime, config.Config, error) {
	project, err := resolveProject()
	if err != nil {
		return nil, config.Config{}, err
	}

	// First run: materialize .omx/config.yaml with the defaults so the
	// tunables are discoverable. Failure to write is not fatal.
	cfgPath := filepath.Join(project, ".omx", "config.yaml")
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		_ = config.WriteDefaultConfig(cfgPath)
	}

	cfg, err := config.Load(project)
	if err != nil {
		return nil, cfg, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tr := transport.Detect(ctx, cfg.Transport)
	r, err := runtime.New(project, team, cfg, tr)
	return r, cfg, err
}

// teamLayout returns the path layout for read-only commands that do not
// need a transport.
func teamLayout(team string) (store.Layout, config.Config, error) {
	project, err := resolveProject()
	if err != nil {
		return store.Layout{}, config.Config{}, err
	}
	cfg, err := config.Load(project)
	return store.NewLayout(project, team), cfg, err
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an Execute error to the process exit code: 0 success,
// 1 expected failure, 2 usage error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
