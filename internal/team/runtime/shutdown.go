package runtime

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/heartbeat"
	"github.com/zjrosen/omx/internal/team/mailbox"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/store"
)

// killGrace is how long a kill waits for a slot to exit before forcing.
const killGrace = 2 * time.Second

// ackPollInterval paces the ack wait during graceful shutdown.
const ackPollInterval = 200 * time.Millisecond

// ShutdownSummary reports what a shutdown actually did.
type ShutdownSummary struct {
	Team   string `json:"team"`
	Forced bool   `json:"forced"`
	// AckedWorkers acknowledged the shutdown request before the grace
	// budget ran out.
	AckedWorkers []string `json:"acked_workers,omitempty"`
	// KilledTargets are the slot addresses actually killed, each once.
	KilledTargets []string `json:"killed_targets,omitempty"`
	// DedupedTotal counts candidate addresses after the union of the
	// roster and the panes side-file was deduplicated.
	DedupedTotal int `json:"deduped_total"`
	// ExcludedLeader and ExcludedHUD count candidates dropped by the
	// never-kill exclusions.
	ExcludedLeader int `json:"excluded_leader"`
	ExcludedHUD    int `json:"excluded_hud"`
	// SkippedNotLive counts candidates that were not among the
	// session's live slots; nothing is ever killed blind.
	SkippedNotLive int  `json:"skipped_not_live"`
	StateRemoved   bool `json:"state_removed"`
}

// RetireWorker implements scaling.WorkerControl: kill the worker's
// slot (honoring the leader/HUD exclusions) and mark it stopped.
func (r *Runtime) RetireWorker(ctx context.Context, w manifest.Worker) error {
	m, err := r.manifests.Load()
	if err != nil {
		return err
	}
	if m == nil {
		return manifest.ErrNotFound
	}

	r.stopWatcher(w.Name)
	if w.SlotAddress != "" && w.SlotAddress != m.LeaderPane && w.SlotAddress != m.HUDPane {
		if live, err := r.liveSlots(ctx, m.SessionHandle); err == nil && live[w.SlotAddress] {
			if err := r.transport.KillSlot(ctx, w.SlotAddress, killGrace); err != nil {
				log.Warn(log.CatRuntime, "Killing retired worker slot", "worker", w.Name, "error", err.Error())
			}
		}
	}
	return heartbeat.NewStore(r.layout, w.Name).SetStatus(heartbeat.StateStopped, 0)
}

// Shutdown stops the team. The graceful path refuses while any worker
// is mid-task, asks each worker to stop, and waits for fresh acks up to
// the grace budget; force skips the gate and the ack wait. Either way
// the kill set is the intersection of everything we believe we own
// (roster addresses plus the panes side-file) with the session's live
// slots, minus the leader and HUD panes. preserveState keeps the state
// subtree on disk for post-mortems.
func (r *Runtime) Shutdown(ctx context.Context, force, preserveState bool) (*ShutdownSummary, error) {
	m, err := r.manifests.Load()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, manifest.ErrNotFound
	}

	summary := &ShutdownSummary{Team: r.team, Forced: force}

	if !force {
		if blocked := r.shutdownGateBlockers(m); len(blocked) > 0 {
			return nil, fmt.Errorf("shutdown blocked: workers still working: %v", blocked)
		}
		summary.AckedWorkers = r.requestAndAwaitAcks(ctx, m)
	}

	r.stopAllWatchers()
	targets := r.killTargets(ctx, m, summary)
	for _, addr := range targets {
		if err := r.transport.KillSlot(ctx, addr, killGrace); err != nil {
			log.Warn(log.CatRuntime, "Killing slot", "address", addr, "error", err.Error())
			continue
		}
		summary.KilledTargets = append(summary.KilledTargets, addr)
	}

	for _, w := range m.Workers {
		if err := heartbeat.NewStore(r.layout, w.Name).SetStatus(heartbeat.StateStopped, 0); err != nil {
			log.Warn(log.CatRuntime, "Marking worker stopped", "worker", w.Name, "error", err.Error())
		}
	}

	if err := r.transport.DestroySession(ctx, m.SessionHandle); err != nil {
		log.Warn(log.CatRuntime, "Destroying session", "error", err.Error())
	}

	if !preserveState {
		if err := os.RemoveAll(r.layout.Root()); err != nil {
			return summary, fmt.Errorf("removing team state: %w", err)
		}
		r.manifests.Invalidate()
		summary.StateRemoved = true
	}

	log.Info(log.CatRuntime, "Team shut down",
		"team", r.team,
		"forced", force,
		"acked", len(summary.AckedWorkers),
		"killed", len(summary.KilledTargets),
		"deduped_total", summary.DedupedTotal,
		"excluded_leader", summary.ExcludedLeader,
		"excluded_hud", summary.ExcludedHUD,
		"skipped_not_live", summary.SkippedNotLive,
	)
	return summary, nil
}

// Cleanup is the crash-safe teardown: forced, tolerant of missing or
// partial state. Safe to run when the team never fully started.
func (r *Runtime) Cleanup(ctx context.Context) error {
	m, err := r.manifests.Load()
	if err != nil {
		return err
	}
	if m != nil {
		if _, err := r.Shutdown(ctx, true, false); err != nil {
			return err
		}
		return nil
	}

	// No readable manifest; remove whatever is left on disk.
	if err := os.RemoveAll(r.layout.Root()); err != nil {
		return fmt.Errorf("removing team state: %w", err)
	}
	r.manifests.Invalidate()
	log.Info(log.CatRuntime, "Team state removed without manifest", "team", r.team)
	return nil
}

// shutdownGateBlockers returns workers that are mid-task and not
// draining. idle, stopped, and failed workers never block.
func (r *Runtime) shutdownGateBlockers(m *manifest.Manifest) []string {
	var blocked []string
	for _, w := range m.Workers {
		if m.IsDraining(w.Name) {
			continue
		}
		st, err := heartbeat.NewStore(r.layout, w.Name).ReadStatus()
		if err != nil || st == nil {
			continue
		}
		if st.State == heartbeat.StateWorking {
			blocked = append(blocked, w.Name)
		}
	}
	return blocked
}

// requestAndAwaitAcks writes a shutdown request per worker, then polls
// for acks fresh relative to the request time until the grace budget
// elapses. Dead workers count as done without an ack.
func (r *Runtime) requestAndAwaitAcks(ctx context.Context, m *manifest.Manifest) []string {
	minAck := r.now()
	pending := make(map[string]manifest.Worker, len(m.Workers))
	for _, w := range m.Workers {
		if _, err := heartbeat.RequestShutdown(r.layout, w.Name, "leader"); err != nil {
			log.Warn(log.CatRuntime, "Writing shutdown request", "worker", w.Name, "error", err.Error())
			continue
		}
		pending[w.Name] = w
	}

	var acked []string
	deadline := r.now().Add(r.cfg.ShutdownGrace)
	for len(pending) > 0 && r.now().Before(deadline) {
		for name, w := range pending {
			ack, err := heartbeat.ReadAckWithMin(r.layout, name, minAck)
			if err == nil && ack != nil {
				acked = append(acked, name)
				delete(pending, name)
				if aerr := r.box.Append(mailbox.Event{
					Type:   mailbox.EventShutdownAck,
					Worker: name,
				}); aerr != nil {
					log.Warn(log.CatRuntime, "Appending shutdown_ack event", "worker", name, "error", aerr.Error())
				}
				continue
			}
			if r.WorkerDead(ctx, w) {
				delete(pending, name)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return acked
		case <-time.After(ackPollInterval):
		}
	}
	for name := range pending {
		log.Warn(log.CatRuntime, "Worker never acked shutdown", "worker", name)
	}
	sort.Strings(acked)
	return acked
}

// killTargets computes the slots to kill: union of the roster addresses
// and the panes side-file, intersected with the session's live slots,
// minus the leader and HUD panes, deduplicated.
func (r *Runtime) killTargets(ctx context.Context, m *manifest.Manifest, summary *ShutdownSummary) []string {
	candidates := make(map[string]bool)
	for _, w := range m.Workers {
		if w.SlotAddress != "" {
			candidates[w.SlotAddress] = true
		}
	}
	if panes, err := store.ReadJSON[[]string](r.layout.Panes(), "panes"); err == nil && panes != nil {
		for _, p := range *panes {
			if p != "" {
				candidates[p] = true
			}
		}
	}
	summary.DedupedTotal = len(candidates)

	live, err := r.liveSlots(ctx, m.SessionHandle)
	if err != nil {
		log.Warn(log.CatRuntime, "Listing live slots; killing nothing", "error", err.Error())
		summary.SkippedNotLive = len(candidates)
		return nil
	}

	var targets []string
	for addr := range candidates {
		switch {
		case addr == m.LeaderPane:
			summary.ExcludedLeader++
		case addr == m.HUDPane && m.HUDPane != "":
			summary.ExcludedHUD++
		case !live[addr]:
			summary.SkippedNotLive++
		default:
			targets = append(targets, addr)
		}
	}
	sort.Strings(targets)
	return targets
}

// liveSlots returns the session's live slot addresses as a set.
func (r *Runtime) liveSlots(ctx context.Context, handle string) (map[string]bool, error) {
	slots, err := r.transport.ListSlots(ctx, handle)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(slots))
	for _, s := range slots {
		set[s] = true
	}
	return set, nil
}
