package transport

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zjrosen/omx/internal/log"
)

// captureTailLines bounds how much pane history Capture returns.
const captureTailLines = 50

// runner executes the tmux binary. Swappable for tests.
type runner func(ctx context.Context, args ...string) (string, error)

func execTmux(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// ProbeTmux checks once whether the tmux binary is present and answering.
func ProbeTmux(ctx context.Context) error {
	if _, err := execTmux(ctx, "-V"); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Tmux hosts each worker as a pane in a shared tmux session.
type Tmux struct {
	run runner
}

// NewTmux creates the tmux transport.
func NewTmux() *Tmux {
	return &Tmux{run: execTmux}
}

// newTmuxWithRunner is the test constructor.
func newTmuxWithRunner(run runner) *Tmux {
	return &Tmux{run: run}
}

// Kind names the variant.
func (t *Tmux) Kind() string { return "tmux" }

// normalizeAddress validates and normalizes a pane address to the
// leading-% form tmux uses for pane ids.
func normalizeAddress(address string) (string, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", fmt.Errorf("empty pane address")
	}
	if !strings.HasPrefix(addr, "%") {
		return "", fmt.Errorf("invalid pane address %q: must start with %%", addr)
	}
	if _, err := strconv.Atoi(addr[1:]); err != nil {
		return "", fmt.Errorf("invalid pane address %q: %w", addr, err)
	}
	return addr, nil
}

// CreateSession creates a detached session. The handle is the session name.
func (t *Tmux) CreateSession(ctx context.Context, name string) (string, error) {
	if _, err := t.run(ctx, "new-session", "-d", "-s", name); err != nil {
		return "", fmt.Errorf("creating session %s: %w", name, err)
	}
	log.Debug(log.CatTransport, "Created tmux session", "session", name)
	return name, nil
}

// AddSlot splits a new pane into the session and returns its %-id.
// When spec.Command is set the pane runs it directly (creating the pane
// with the command avoids a send-keys race on slow shells).
func (t *Tmux) AddSlot(ctx context.Context, handle string, spec SlotSpec) (string, error) {
	args := []string{"split-window", "-d", "-P", "-F", "#{pane_id}", "-t", handle + ":"}
	if spec.WorkDir != "" {
		args = append(args, "-c", spec.WorkDir)
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	if spec.Command != "" {
		args = append(args, spec.Command)
	}

	out, err := t.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("adding slot to %s: %w", handle, err)
	}

	addr, err := normalizeAddress(out)
	if err != nil {
		return "", fmt.Errorf("tmux returned unusable pane id: %w", err)
	}

	// Even out the layout so a handful of workers stay readable.
	_, _ = t.run(ctx, "select-layout", "-t", handle+":", "tiled")

	log.Debug(log.CatTransport, "Added tmux slot", "session", handle, "pane", addr, "name", spec.Name)
	return addr, nil
}

// SendText types text into the pane, then submits with both a literal
// carriage return and an Enter key event.
func (t *Tmux) SendText(ctx context.Context, address, text string) error {
	addr, err := normalizeAddress(address)
	if err != nil {
		return err
	}

	if text != "" {
		if _, err := t.run(ctx, "send-keys", "-t", addr, "-l", text); err != nil {
			return fmt.Errorf("sending text to %s: %w", addr, err)
		}
	}
	// Dual submit: C-m is a raw carriage return, Enter the key event.
	if _, err := t.run(ctx, "send-keys", "-t", addr, "C-m"); err != nil {
		return fmt.Errorf("sending carriage return to %s: %w", addr, err)
	}
	if _, err := t.run(ctx, "send-keys", "-t", addr, "Enter"); err != nil {
		return fmt.Errorf("sending Enter to %s: %w", addr, err)
	}
	return nil
}

// Capture returns the last captureTailLines lines of the pane.
func (t *Tmux) Capture(ctx context.Context, address string) (string, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return "", err
	}

	out, err := t.run(ctx, "capture-pane", "-p", "-t", addr, "-S", fmt.Sprintf("-%d", captureTailLines))
	if err != nil {
		return "", fmt.Errorf("capturing %s: %w", addr, err)
	}
	return out, nil
}

// SlotOSPID implements PIDReporter: the pane's shell pid, resolved via
// display-message. Dead or unknown panes report (0, false).
func (t *Tmux) SlotOSPID(ctx context.Context, address string) (int, bool) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return 0, false
	}
	out, err := t.run(ctx, "display", "-p", "-t", addr, "#{pane_pid}")
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || pid <= 1 {
		return 0, false
	}
	return pid, true
}

// KillSlot terminates the pane's process with SIGTERM, waits up to grace
// for the pane to disappear, then kills the pane outright.
func (t *Tmux) KillSlot(ctx context.Context, address string, grace time.Duration) error {
	addr, err := normalizeAddress(address)
	if err != nil {
		return err
	}

	// Resolve the pane's shell pid for a polite TERM first.
	if out, err := t.run(ctx, "display", "-p", "-t", addr, "#{pane_pid}"); err == nil {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(out)); convErr == nil && pid > 1 {
			_ = syscall.Kill(pid, syscall.SIGTERM)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !t.paneExists(ctx, addr) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if t.paneExists(ctx, addr) {
		if _, err := t.run(ctx, "kill-pane", "-t", addr); err != nil {
			return fmt.Errorf("killing pane %s: %w", addr, err)
		}
	}
	log.Debug(log.CatTransport, "Killed tmux slot", "pane", addr)
	return nil
}

func (t *Tmux) paneExists(ctx context.Context, addr string) bool {
	out, err := t.run(ctx, "list-panes", "-a", "-F", "#{pane_id}")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == addr {
			return true
		}
	}
	return false
}

// ListSlots returns the pane ids of the session, normalized.
func (t *Tmux) ListSlots(ctx context.Context, handle string) ([]string, error) {
	out, err := t.run(ctx, "list-panes", "-s", "-t", handle+":", "-F", "#{pane_id}")
	if err != nil {
		return nil, fmt.Errorf("listing panes of %s: %w", handle, err)
	}

	var addrs []string
	for _, line := range strings.Split(out, "\n") {
		addr, err := normalizeAddress(line)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// DestroySession kills the session.
func (t *Tmux) DestroySession(ctx context.Context, handle string) error {
	if _, err := t.run(ctx, "kill-session", "-t", handle); err != nil {
		return fmt.Errorf("destroying session %s: %w", handle, err)
	}
	log.Debug(log.CatTransport, "Destroyed tmux session", "session", handle)
	return nil
}
