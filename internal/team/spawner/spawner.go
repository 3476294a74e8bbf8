// Package spawner builds the commands that put an AI CLI into a worker
// slot and decides, from captured slot output, whether that CLI has
// reached its interactive prompt.
package spawner

import (
	"fmt"
	"strings"
)

// Config carries everything a spawner needs to build a worker command.
type Config struct {
	// Team is the team name.
	Team string
	// WorkerName is "worker-<index>".
	WorkerName string
	// WorkDir is the worker's working directory.
	WorkDir string
	// Model is an explicit model override (highest precedence).
	Model string
	// LeaderArgs are the leader's CLI flags, inherited by workers.
	LeaderArgs []string
	// RCFile is an optional shell rc sourced before exec.
	RCFile string
}

// Spawner is CLI-specific: it knows how to launch one agent CLI and how
// to recognize its interactive prompt.
type Spawner interface {
	// BuildCommand returns a shell command that sources the optional rc
	// file, exports TEAM_WORKER, and execs the CLI with resolved args.
	BuildCommand(cfg Config) string
	// IsReady reports whether the captured output tail shows the CLI at
	// an interactive prompt.
	IsReady(capture string) bool
	// BuildEnv returns the environment overlay, KEY=VALUE form.
	BuildEnv(cfg Config) []string
	// Kind names the agent type slug.
	Kind() string
}

// For resolves an agent-type slug to its spawner.
func For(agentType string) (Spawner, error) {
	switch agentType {
	case "codex":
		return &Codex{}, nil
	case "claude":
		return &Claude{}, nil
	default:
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
}

// busyWords in the recent output tail mean the CLI is still coming up.
var busyWords = []string{"loading", "starting", "initializing", "connecting"}

// tailLines returns up to n trailing lines of the capture.
func tailLines(capture string, n int) []string {
	lines := strings.Split(capture, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// lastNonEmpty returns the last line with visible content, or "".
func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}

func anyBusy(lines []string) bool {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, w := range busyWords {
			if strings.Contains(lower, w) {
				return true
			}
		}
	}
	return false
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// workerCommand assembles the standard launch shape shared by both CLIs:
// source rc if present, export the worker identity, exec the CLI.
func workerCommand(cfg Config, cli string, args []string) string {
	var b strings.Builder
	if cfg.RCFile != "" {
		rc := shellQuote(cfg.RCFile)
		fmt.Fprintf(&b, "[ -f %s ] && . %s; ", rc, rc)
	}
	fmt.Fprintf(&b, "export TEAM_WORKER=%s; ", shellQuote(cfg.Team+"/"+cfg.WorkerName))
	b.WriteString("exec " + cli)
	for _, arg := range args {
		b.WriteString(" " + shellQuote(arg))
	}
	return b.String()
}
