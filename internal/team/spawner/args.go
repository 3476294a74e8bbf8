package spawner

import "strings"

// resolveModel picks the single model value to emit. Precedence: explicit
// override, then the value attached to modelFlag in the inherited leader
// args, then the per-CLI fallback.
func resolveModel(override string, inherited []string, modelFlag, fallback string) string {
	if override != "" {
		return override
	}
	for i, tok := range inherited {
		if tok == modelFlag && i+1 < len(inherited) {
			if v := inherited[i+1]; v != "" && !strings.HasPrefix(v, "-") {
				return v
			}
		}
		if v, ok := strings.CutPrefix(tok, modelFlag+"="); ok && v != "" {
			return v
		}
	}
	return fallback
}

// sanitizeArgs drops the model flag (re-emitted canonically by the
// caller), orphan flag tokens, and empty --flag= forms from inherited
// leader args.
func sanitizeArgs(inherited []string, modelFlag string) []string {
	var out []string
	for i := 0; i < len(inherited); i++ {
		tok := inherited[i]
		if tok == modelFlag {
			if i+1 < len(inherited) && !strings.HasPrefix(inherited[i+1], "-") {
				i++ // skip its value too
			}
			continue
		}
		if strings.HasPrefix(tok, modelFlag+"=") {
			continue
		}
		if strings.HasPrefix(tok, "-") {
			// Empty --flag= carries no information.
			if strings.HasSuffix(tok, "=") {
				continue
			}
			// A flag expecting a value but sitting at the end of the
			// list is an orphan.
			if expectsValue(tok) && i+1 >= len(inherited) {
				continue
			}
			out = append(out, tok)
			continue
		}
		out = append(out, tok)
	}
	return out
}

// expectsValue reports whether a bare flag token conventionally takes a
// separate value argument.
func expectsValue(tok string) bool {
	switch tok {
	case "-m", "--model", "-c", "--config", "-s", "--sandbox", "--effort":
		return true
	}
	return false
}

// ReasoningEffort levels.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// inferEffort maps a model name to a reasoning-effort level: small/fast
// names run low, deep-thinking names run high, everything else medium.
func inferEffort(model string) string {
	lower := strings.ToLower(model)
	for _, tok := range []string{"mini", "haiku", "fast"} {
		if strings.Contains(lower, tok) {
			return EffortLow
		}
	}
	for _, tok := range []string{"opus", "pro", "deep"} {
		if strings.Contains(lower, tok) {
			return EffortHigh
		}
	}
	return EffortMedium
}

// hasEffortArg reports whether args already carry an explicit
// reasoning-effort setting.
func hasEffortArg(args []string) bool {
	for _, tok := range args {
		if strings.Contains(tok, "model_reasoning_effort") || tok == "--effort" || strings.HasPrefix(tok, "--effort=") {
			return true
		}
	}
	return false
}
