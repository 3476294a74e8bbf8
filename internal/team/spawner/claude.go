package spawner

import "strings"

const claudeFallbackModel = "sonnet"

// Claude spawns the Claude CLI.
type Claude struct{}

// Kind names the agent type.
func (c *Claude) Kind() string { return "claude" }

// BuildCommand emits the login-shell command for a Claude worker. The
// model flag is --model. Claude has no reasoning-effort flag; effort is
// expressed through the model choice itself.
func (c *Claude) BuildCommand(cfg Config) string {
	model := resolveModel(cfg.Model, cfg.LeaderArgs, "--model", claudeFallbackModel)
	args := sanitizeArgs(cfg.LeaderArgs, "--model")
	args = append(args, "--model", model)
	return workerCommand(cfg, "claude", args)
}

// BuildEnv returns the Claude worker environment overlay.
func (c *Claude) BuildEnv(cfg Config) []string {
	return []string{"TEAM_WORKER=" + cfg.Team + "/" + cfg.WorkerName}
}

// IsReady recognizes the Claude prompt box: a "> " input line or the
// shortcut hint in the status bar, with no startup chatter in the tail.
func (c *Claude) IsReady(capture string) bool {
	lines := tailLines(capture, 10)
	if anyBusy(lines) {
		return false
	}

	last := lastNonEmpty(lines)
	if last == "" {
		return false
	}
	if strings.HasPrefix(last, ">") || strings.HasPrefix(last, "│ >") {
		return true
	}
	for _, line := range lines {
		if strings.Contains(line, "? for shortcuts") || strings.Contains(line, "bypass permissions") {
			return true
		}
	}
	return false
}
