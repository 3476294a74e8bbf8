package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/heartbeat"
	"github.com/zjrosen/omx/internal/team/mailbox"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/spawner"
	"github.com/zjrosen/omx/internal/team/store"
	"github.com/zjrosen/omx/internal/team/task"
	"github.com/zjrosen/omx/internal/team/transport"
)

// readinessPollInterval is how often the bootstrap re-captures slot
// output while waiting for the CLI prompt.
const readinessPollInterval = 250 * time.Millisecond

// Identity is the per-worker identity file.
type Identity struct {
	Team        string    `json:"team"`
	Name        string    `json:"name"`
	Index       int       `json:"index"`
	Role        string    `json:"role"`
	SlotAddress string    `json:"slot_address"`
	CreatedAt   time.Time `json:"created_at"`
}

// BootstrapWorker implements scaling.WorkerControl. It runs the full
// worker bootstrap sequence in the team's existing session: allocate
// the identity, add a slot, seed heartbeat/status/inbox, launch the
// CLI, wait for readiness, and trigger inbox consumption.
func (r *Runtime) BootstrapWorker(ctx context.Context, agentType string) (*manifest.Worker, error) {
	m, err := r.manifests.Load()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, manifest.ErrNotFound
	}

	sp, err := spawner.For(agentType)
	if err != nil {
		return nil, err
	}

	// Name and index come from the manifest counter; never reused.
	w, err := r.manifests.AllocateWorkerIndex(manifest.Worker{
		Role:    agentType,
		AddedAt: r.now(),
	})
	if err != nil {
		return nil, err
	}
	log.Info(log.CatRuntime, "Bootstrapping worker", "worker", w.Name, "agent_type", agentType)

	if err := store.EnsureDir(r.layout.WorkerDir(w.Name)); err != nil {
		return nil, err
	}
	identity := Identity{
		Team:      r.team,
		Name:      w.Name,
		Index:     w.Index,
		Role:      agentType,
		CreatedAt: r.now(),
	}
	if err := store.WriteJSON(r.layout.WorkerIdentity(w.Name), identity); err != nil {
		return nil, err
	}
	// Empty signal file; a zero-byte request reads as no request.
	if err := store.Touch(r.layout.ShutdownRequest(w.Name)); err != nil {
		return nil, err
	}

	spawnCfg := spawner.Config{
		Team:       r.team,
		WorkerName: w.Name,
		WorkDir:    r.projectDir,
	}
	address, err := r.transport.AddSlot(ctx, m.SessionHandle, transport.SlotSpec{
		Name:    w.Name,
		WorkDir: r.projectDir,
		Env:     sp.BuildEnv(spawnCfg),
	})
	if err != nil {
		return nil, fmt.Errorf("adding slot for %s: %w", w.Name, err)
	}

	identity.SlotAddress = address
	if err := store.WriteJSON(r.layout.WorkerIdentity(w.Name), identity); err != nil {
		return nil, err
	}
	if _, err := r.manifests.Mutate(func(cur *manifest.Manifest) error {
		if rw := cur.WorkerByName(w.Name); rw != nil {
			rw.SlotAddress = address
		}
		return nil
	}); err != nil {
		return nil, err
	}
	w.SlotAddress = address
	if err := r.recordPane(address); err != nil {
		return nil, err
	}

	hs := heartbeat.NewStore(r.layout, w.Name)
	pid := 0
	if rep, ok := r.transport.(transport.PIDReporter); ok {
		if p, known := rep.SlotOSPID(ctx, address); known {
			pid = p
		}
	}
	if err := hs.Init(pid); err != nil {
		return nil, err
	}
	if err := hs.SetStatus(heartbeat.StateIdle, 0); err != nil {
		return nil, err
	}

	if err := r.writeInbox(w.Name); err != nil {
		return nil, err
	}

	// Launch the CLI and wait for its prompt.
	if err := r.transport.SendText(ctx, address, sp.BuildCommand(spawnCfg)); err != nil {
		return nil, fmt.Errorf("launching CLI in %s: %w", w.Name, err)
	}
	if err := r.awaitReady(ctx, sp, address); err != nil {
		if serr := hs.SetStatus(heartbeat.StateFailed, 0); serr != nil {
			log.ErrorErr(log.CatRuntime, "Marking worker failed", serr, "worker", w.Name)
		}
		if eerr := r.box.Append(mailbox.Event{
			Type:   mailbox.EventWorkerStopped,
			Worker: w.Name,
			Detail: map[string]string{"reason": "ready_timeout"},
		}); eerr != nil {
			log.ErrorErr(log.CatRuntime, "Appending worker_stopped event", eerr, "worker", w.Name)
		}
		return nil, err
	}

	// Nudge the CLI to consume its inbox.
	if err := r.transport.SendText(ctx, address, ""); err != nil {
		return nil, fmt.Errorf("triggering %s: %w", w.Name, err)
	}

	// From here the heartbeat advances on output, and process-transport
	// workers answer shutdown requests.
	r.startWorkerWatcher(w.Name, address)

	log.Info(log.CatRuntime, "Worker ready", "worker", w.Name, "address", address)
	return &w, nil
}

// awaitReady re-captures the slot every 250ms until the spawner
// recognizes the CLI prompt or the configured timeout elapses.
func (r *Runtime) awaitReady(ctx context.Context, sp spawner.Spawner, address string) error {
	deadline := r.now().Add(r.cfg.ReadyTimeout)
	for {
		capture, err := r.transport.Capture(ctx, address)
		if err == nil && sp.IsReady(capture) {
			return nil
		}

		if !r.now().Before(deadline) {
			return fmt.Errorf("worker at %s: ready timeout after %s", address, r.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
}

// writeInbox renders inbox.md: the worker instructions overlay plus
// subject/id references for claimable tasks. Full task bodies stay in
// the task store.
func (r *Runtime) writeInbox(worker string) error {
	tasks, err := r.tasks.List()
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Worker %s — team %s\n\n", worker, r.team)
	b.WriteString("You are one worker in a team. Claim a task, work it to completion,\n")
	b.WriteString("then report the result and claim the next one. Coordinate through\n")
	b.WriteString("your mailbox; do not touch tasks claimed by other workers.\n\n")
	b.WriteString("## Tasks\n\n")
	open := 0
	for _, t := range tasks {
		if t.Status != task.StatusPending {
			continue
		}
		fmt.Fprintf(&b, "- [%d] %s\n", t.ID, t.Subject)
		open++
	}
	if open == 0 {
		b.WriteString("(no pending tasks right now)\n")
	}

	return store.WriteText(r.layout.WorkerInbox(worker), b.String())
}

// recordPane appends a slot address to the panes side-file. Cleanup
// targeting unions this with the manifest roster.
func (r *Runtime) recordPane(address string) error {
	panes, err := store.ReadJSON[[]string](r.layout.Panes(), "panes")
	if err != nil {
		return err
	}
	var list []string
	if panes != nil {
		list = *panes
	}
	for _, p := range list {
		if p == address {
			return nil
		}
	}
	return store.WriteJSON(r.layout.Panes(), append(list, address))
}
