package scaling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/config"
	"github.com/zjrosen/omx/internal/team/heartbeat"
	"github.com/zjrosen/omx/internal/team/mailbox"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/store"
	"github.com/zjrosen/omx/internal/team/task"
)

// WorkerControl is the runtime's side of scaling: it materializes new
// workers and retires drained ones (with the shutdown kill-target
// exclusion rules applied there).
type WorkerControl interface {
	// BootstrapWorker runs the full bootstrap sequence for one new
	// worker of the given agent type in the existing session.
	BootstrapWorker(ctx context.Context, agentType string) (*manifest.Worker, error)
	// RetireWorker kills the drained worker's slot and removes it from
	// the roster.
	RetireWorker(ctx context.Context, w manifest.Worker) error
	// WorkerDead reports whether the worker is observed dead.
	WorkerDead(ctx context.Context, w manifest.Worker) bool
}

// Engine drives scale-up and drain-based scale-down for one team.
// Every path that changes the worker count runs under the advisory
// scaling lock, preconditions included, so two concurrent operations
// cannot both pass the ceiling check and overshoot.
type Engine struct {
	layout   store.Layout
	manifest *manifest.Store
	tasks    *task.Store
	box      *mailbox.Box
	control  WorkerControl
	cfg      config.ScalingConfig
	now      func() time.Time

	// drainStarted tracks when each worker entered the draining set, to
	// surface (but not enforce) the drain timeout.
	drainStarted map[string]time.Time
	// drainRequested tracks which draining workers already got their
	// shutdown request, and when.
	drainRequested map[string]time.Time
	// drainTrigger remembers what started each drain, for the history
	// entry written at retirement.
	drainTrigger map[string]Trigger
}

// NewEngine creates a scaling engine.
func NewEngine(layout store.Layout, ms *manifest.Store, ts *task.Store, box *mailbox.Box, control WorkerControl, cfg config.ScalingConfig) *Engine {
	return &Engine{
		layout:         layout,
		manifest:       ms,
		tasks:          ts,
		box:            box,
		control:        control,
		cfg:            cfg,
		now:            time.Now,
		drainStarted:   make(map[string]time.Time),
		drainRequested: make(map[string]time.Time),
		drainTrigger:   make(map[string]Trigger),
	}
}

// ScaleUp adds k workers of agentType. Preconditions: the team exists,
// the ceiling holds, the cooldown has elapsed, and the resource sample
// permits k new workers — all checked with the scaling lock held.
func (e *Engine) ScaleUp(ctx context.Context, k int, agentType string, trigger Trigger) ([]*manifest.Worker, error) {
	if k <= 0 {
		return nil, fmt.Errorf("scale-up count must be positive, got %d", k)
	}

	lock, err := AcquireLock(e.layout)
	if err != nil {
		return nil, err
	}
	defer e.release(lock)

	// Fresh read; a cached manifest could predate the previous holder.
	e.manifest.Invalidate()
	m, err := e.manifest.Load()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, manifest.ErrNotFound
	}
	if agentType == "" {
		agentType = m.AgentType
	}

	if m.ActiveWorkers+k > e.cfg.MaxWorkers {
		return nil, fmt.Errorf("scale-up refused: %d active + %d > max %d", m.ActiveWorkers, k, e.cfg.MaxWorkers)
	}
	if m.ActiveWorkers+k > config.AbsoluteMaxWorkers {
		return nil, fmt.Errorf("scale-up refused: would exceed absolute ceiling %d", config.AbsoluteMaxWorkers)
	}

	last, err := LastActionAt(e.layout)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() && e.now().Sub(last) < e.cfg.Cooldown {
		return nil, fmt.Errorf("scale-up refused: cooldown not elapsed")
	}

	sample, sampled := SampleResources()
	if sampled {
		allowed := AllowedNewWorkers(sample, e.cfg.MaxCPUPercent, e.cfg.MinFreeMemMB, e.cfg.PerWorkerMemMB)
		if allowed < k {
			return nil, fmt.Errorf("scale-up refused: resources allow %d new workers, need %d", allowed, k)
		}
	}
	snap := e.snapshotResources(m, sample, sampled)

	from := m.ActiveWorkers
	var added []*manifest.Worker
	for i := 0; i < k; i++ {
		w, err := e.control.BootstrapWorker(ctx, agentType)
		if err != nil {
			// Earlier workers in the batch stay; record what landed.
			e.recordHistory(ActionScaleUp, len(added), from, from+len(added), "partial: "+err.Error(), trigger, snap)
			return added, fmt.Errorf("bootstrapping worker %d of %d: %w", i+1, k, err)
		}
		added = append(added, w)
		log.Info(log.CatScale, "Scaled up", "worker", w.Name, "agent_type", agentType)
	}

	e.recordHistory(ActionScaleUp, k, from, from+k, "", trigger, snap)
	return added, nil
}

// StartDrain marks k workers as draining under the scaling lock.
// Candidates are idle workers without an in-progress task, largest
// index first, floored at min_workers. Returns the workers that
// entered the draining set.
func (e *Engine) StartDrain(ctx context.Context, k int, trigger Trigger) ([]string, error) {
	if k <= 0 {
		return nil, fmt.Errorf("scale-down count must be positive, got %d", k)
	}

	lock, err := AcquireLock(e.layout)
	if err != nil {
		return nil, err
	}
	defer e.release(lock)

	e.manifest.Invalidate()
	m, err := e.manifest.Load()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, manifest.ErrNotFound
	}

	room := m.ActiveWorkers - e.cfg.MinWorkers
	if room <= 0 {
		return nil, fmt.Errorf("scale-down refused: already at min_workers %d", e.cfg.MinWorkers)
	}
	if k > room {
		k = room
	}

	candidates, err := e.drainCandidates(m, k)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("scale-down refused: no drainable workers")
	}

	_, err = e.manifest.Mutate(func(cur *manifest.Manifest) error {
		for _, name := range candidates {
			cur.AddDraining(name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	for _, name := range candidates {
		e.markDraining(name, now, trigger)
	}
	return candidates, nil
}

// DrainWorker marks one named worker as draining, subject to the same
// min_workers floor as StartDrain.
func (e *Engine) DrainWorker(ctx context.Context, name string) error {
	lock, err := AcquireLock(e.layout)
	if err != nil {
		return err
	}
	defer e.release(lock)

	e.manifest.Invalidate()
	m, err := e.manifest.Load()
	if err != nil {
		return err
	}
	if m == nil {
		return manifest.ErrNotFound
	}
	if m.WorkerByName(name) == nil {
		return fmt.Errorf("no worker named %s", name)
	}
	if m.IsDraining(name) {
		return fmt.Errorf("worker %s is already draining", name)
	}
	if m.ActiveWorkers-e.cfg.MinWorkers <= 0 {
		return fmt.Errorf("scale-down refused: already at min_workers %d", e.cfg.MinWorkers)
	}

	if _, err := e.manifest.Mutate(func(cur *manifest.Manifest) error {
		cur.AddDraining(name)
		return nil
	}); err != nil {
		return err
	}
	e.markDraining(name, e.now(), TriggerManual)
	return nil
}

// markDraining records the drain in the engine's bookkeeping and on the
// worker's status file, so status.json alone shows the wind-down.
func (e *Engine) markDraining(name string, at time.Time, trigger Trigger) {
	e.drainStarted[name] = at
	e.drainTrigger[name] = trigger
	if err := heartbeat.NewStore(e.layout, name).SetStatus(heartbeat.StateDraining, 0); err != nil {
		log.ErrorErr(log.CatScale, "Marking worker draining", err, "worker", name)
	}
	log.Info(log.CatScale, "Draining worker", "worker", name)
}

// drainCandidates picks up to k workers: idle first, then workers
// without an in-progress claim, largest index first inside each class.
func (e *Engine) drainCandidates(m *manifest.Manifest, k int) ([]string, error) {
	tasks, err := e.tasks.List()
	if err != nil {
		return nil, err
	}
	claimed := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == task.StatusInProgress && t.Claim != nil {
			claimed[t.Claim.Worker] = true
		}
	}

	type candidate struct {
		name  string
		index int
		idle  bool
	}
	var pool []candidate
	for _, w := range m.Workers {
		if m.IsDraining(w.Name) || claimed[w.Name] {
			continue
		}
		hs := heartbeat.NewStore(e.layout, w.Name)
		st, err := hs.ReadStatus()
		if err != nil {
			return nil, err
		}
		idle := st != nil && st.State == heartbeat.StateIdle
		pool = append(pool, candidate{name: w.Name, index: w.Index, idle: idle})
	}

	// Idle before busy, then LIFO by index.
	for i := 0; i < len(pool); i++ {
		for j := i + 1; j < len(pool); j++ {
			a, b := pool[i], pool[j]
			if (b.idle && !a.idle) || (b.idle == a.idle && b.index > a.index) {
				pool[i], pool[j] = b, a
			}
		}
	}

	if len(pool) > k {
		pool = pool[:k]
	}
	names := make([]string, len(pool))
	for i, c := range pool {
		names[i] = c.name
	}
	return names, nil
}

// ReconcileDrains advances every draining worker one step: request
// shutdown once the worker has no in-progress claim, retire it on a
// fresh ack (or once it is observed dead), and surface drains that
// outlive the drain timeout. Called from the monitor tick; a held lock
// just defers the work to the next tick.
func (e *Engine) ReconcileDrains(ctx context.Context) error {
	lock, err := AcquireLock(e.layout)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			log.Debug(log.CatScale, "Scaling lock held, deferring drain reconcile")
			return nil
		}
		return err
	}
	defer e.release(lock)

	e.manifest.Invalidate()
	m, err := e.manifest.Load()
	if err != nil || m == nil {
		return err
	}
	if len(m.Draining) == 0 {
		return nil
	}

	tasks, err := e.tasks.List()
	if err != nil {
		return err
	}
	claimed := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == task.StatusInProgress && t.Claim != nil {
			claimed[t.Claim.Worker] = true
		}
	}

	sample, sampled := SampleResources()
	snap := e.snapshotResources(m, sample, sampled)

	now := e.now()
	for _, name := range append([]string(nil), m.Draining...) {
		w := m.WorkerByName(name)
		if w == nil {
			// Already retired; drop the leftover draining entry.
			if _, err := e.manifest.Mutate(func(cur *manifest.Manifest) error {
				cur.RemoveDraining(name)
				return nil
			}); err != nil {
				return err
			}
			continue
		}

		started, ok := e.drainStarted[name]
		if !ok {
			started = now
			e.drainStarted[name] = now
		}
		if now.Sub(started) > e.cfg.DrainTimeout {
			// Warn, don't force-kill.
			log.Warn(log.CatScale, "Drain exceeded timeout", "worker", name, "since", started)
			if err := e.box.Append(mailbox.Event{
				Type:   mailbox.EventWorkerStopped,
				Worker: name,
				Detail: map[string]string{"reason": "drain_timeout", "draining_since": started.Format(time.RFC3339)},
			}); err != nil {
				return err
			}
			e.drainStarted[name] = now // re-arm so the warning repeats per timeout window
		}

		if claimed[name] {
			continue // still working its terminal claim
		}

		requestedAt, requested := e.drainRequested[name]
		if !requested {
			req, err := heartbeat.RequestShutdown(e.layout, name, "scaling")
			if err != nil {
				return err
			}
			e.drainRequested[name] = req.RequestedAt
			continue
		}

		ack, err := heartbeat.ReadAckWithMin(e.layout, name, requestedAt)
		if err != nil {
			return err
		}
		if ack == nil && !e.control.WorkerDead(ctx, *w) {
			continue
		}
		if ack != nil {
			if err := e.box.Append(mailbox.Event{
				Type:   mailbox.EventShutdownAck,
				Worker: name,
			}); err != nil {
				return err
			}
		}

		if err := e.control.RetireWorker(ctx, *w); err != nil {
			return err
		}
		if _, err := e.manifest.Mutate(func(cur *manifest.Manifest) error {
			cur.RemoveWorker(name)
			cur.RemoveDraining(name)
			cur.ActiveWorkers--
			return nil
		}); err != nil {
			return err
		}
		trigger := e.drainTrigger[name]
		if trigger == "" {
			trigger = TriggerManual
		}
		delete(e.drainStarted, name)
		delete(e.drainRequested, name)
		delete(e.drainTrigger, name)

		e.recordHistory(ActionScaleDown, 1, m.ActiveWorkers, m.ActiveWorkers-1, "drained "+name, trigger, snap)
		log.Info(log.CatScale, "Worker retired", "worker", name)
	}
	return nil
}

// snapshotResources fixes the decision-time resource view recorded with
// a history entry. Best effort; task and status read errors leave the
// counters at zero.
func (e *Engine) snapshotResources(m *manifest.Manifest, s Sample, sampled bool) ResourceSnapshot {
	snap := ResourceSnapshot{ActiveWorkers: m.ActiveWorkers}
	if sampled {
		snap.CPULoad1M = s.Load1
		snap.FreeMemMB = s.FreeMemMB
	}
	if tasks, err := e.tasks.List(); err == nil {
		for _, t := range tasks {
			if t.Status == task.StatusPending {
				snap.PendingTasks++
			}
		}
	}
	for _, w := range m.Workers {
		st, err := heartbeat.NewStore(e.layout, w.Name).ReadStatus()
		if err == nil && st != nil && st.State == heartbeat.StateIdle {
			snap.IdleWorkers++
		}
	}
	return snap
}

func (e *Engine) release(lock *Lock) {
	if err := lock.Release(); err != nil {
		log.ErrorErr(log.CatScale, "Releasing scaling lock", err)
	}
}

func (e *Engine) recordHistory(action Action, delta, from, to int, reason string, trigger Trigger, res ResourceSnapshot) {
	err := AppendHistory(e.layout, HistoryEntry{
		At:          e.now(),
		Action:      action,
		Trigger:     trigger,
		Delta:       delta,
		FromWorkers: from,
		ToWorkers:   to,
		Reason:      reason,
		Resources:   res,
	})
	if err != nil {
		log.ErrorErr(log.CatScale, "Appending scaling history", err, "action", string(action), "delta", strconv.Itoa(delta))
	}
}
