package spawner

import "strings"

const codexFallbackModel = "gpt-5-codex"

// Codex spawns the Codex CLI.
type Codex struct{}

// Kind names the agent type.
func (c *Codex) Kind() string { return "codex" }

// BuildCommand emits the login-shell command for a Codex worker. The
// model flag is -m; reasoning effort rides a -c config override and is
// injected only when the inherited args don't set it.
func (c *Codex) BuildCommand(cfg Config) string {
	model := resolveModel(cfg.Model, cfg.LeaderArgs, "-m", codexFallbackModel)
	args := sanitizeArgs(cfg.LeaderArgs, "-m")
	args = append(args, "-m", model)
	if !hasEffortArg(args) {
		args = append(args, "-c", "model_reasoning_effort="+inferEffort(model))
	}
	return workerCommand(cfg, "codex", args)
}

// BuildEnv returns the Codex worker environment overlay.
func (c *Codex) BuildEnv(cfg Config) []string {
	return []string{"TEAM_WORKER=" + cfg.Team + "/" + cfg.WorkerName}
}

// IsReady recognizes the Codex composer prompt: the last non-empty line
// is the input glyph, or the status bar is visible, and nothing in the
// recent tail says the CLI is still coming up.
func (c *Codex) IsReady(capture string) bool {
	lines := tailLines(capture, 10)
	if anyBusy(lines) {
		return false
	}

	last := lastNonEmpty(lines)
	if last == "" {
		return false
	}
	if strings.HasPrefix(last, "›") || strings.HasPrefix(last, "▌") || strings.HasPrefix(last, ">") {
		return true
	}
	for _, line := range lines {
		if strings.Contains(line, "context left") || strings.Contains(line, "Ctrl+C to quit") {
			return true
		}
	}
	return false
}
