// Package transport abstracts how worker slots are hosted.
//
// Two variants ship: Tmux (each worker is a pane in a shared tmux session)
// and Process (each worker is a child process in its own process group).
// Addresses are opaque strings: tmux panes are leading-% pane ids, process
// slots are "pid:<n>". The runtime picks a variant once at startup via
// Detect plus the FORCE_TRANSPORT override.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/config"
)

// ErrUnavailable is returned by the probe when the tmux binary is missing
// or not answering a version query.
var ErrUnavailable = fmt.Errorf("terminal multiplexer unavailable")

// SlotSpec describes the slot to create.
type SlotSpec struct {
	// Name labels the slot (worker name); informational.
	Name string
	// WorkDir is the slot's working directory.
	WorkDir string
	// Env is the environment overlay, KEY=VALUE form.
	Env []string
	// Command, when non-empty, is executed in the slot instead of an
	// interactive shell. The tmux variant runs it directly in the pane to
	// avoid a send-keys race; the process variant execs it.
	Command string
}

// Transport hosts worker slots.
type Transport interface {
	// CreateSession creates a named session and returns its opaque handle.
	CreateSession(ctx context.Context, name string) (string, error)
	// AddSlot adds one slot to the session and returns its address.
	AddSlot(ctx context.Context, handle string, spec SlotSpec) (string, error)
	// SendText types text into the slot followed by a submit sequence:
	// both a carriage return and an Enter key event, covering either
	// submit binding of the hosted CLI.
	SendText(ctx context.Context, address, text string) error
	// Capture returns a bounded tail of the slot's visible output.
	Capture(ctx context.Context, address string) (string, error)
	// KillSlot terminates the slot: SIGTERM-equivalent, wait up to grace,
	// then force.
	KillSlot(ctx context.Context, address string, grace time.Duration) error
	// ListSlots returns the addresses of every live slot in the session.
	ListSlots(ctx context.Context, handle string) ([]string, error)
	// DestroySession tears the session down.
	DestroySession(ctx context.Context, handle string) error
	// Kind names the variant ("tmux" or "process").
	Kind() string
}

// OutputStreamer is an optional Transport extension: a live channel of
// the slot's output lines. The heartbeat watcher prefers it over
// capture polling when available.
type OutputStreamer interface {
	// OutputLines returns the slot's line channel, or nil for unknown
	// addresses. The channel closes when the slot exits.
	OutputLines(address string) <-chan string
}

// PIDReporter is an optional Transport extension: resolve the OS pid
// hosting a slot, so liveness can use a signal-0 probe instead of an
// inactivity timer.
type PIDReporter interface {
	SlotOSPID(ctx context.Context, address string) (int, bool)
}

// Detect picks the transport variant. choice comes from configuration
// (FORCE_TRANSPORT override included); auto probes for tmux and downgrades
// to the process transport when the probe fails.
func Detect(ctx context.Context, choice config.TransportChoice) Transport {
	switch choice {
	case config.TransportTmux:
		return NewTmux()
	case config.TransportProcess:
		return NewProcess()
	}

	if err := ProbeTmux(ctx); err != nil {
		log.Warn(log.CatTransport, "tmux probe failed, using process transport", "error", err.Error())
		return NewProcess()
	}
	return NewTmux()
}
