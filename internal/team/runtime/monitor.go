package runtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/heartbeat"
	"github.com/zjrosen/omx/internal/team/mailbox"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/scaling"
	"github.com/zjrosen/omx/internal/team/store"
	"github.com/zjrosen/omx/internal/team/task"
)

// Phase is the team's derived lifecycle stage.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhasePRD      Phase = "team-prd"
	PhaseExec     Phase = "team-exec"
	PhaseVerify   Phase = "team-verify"
	PhaseFix      Phase = "team-fix"
	PhaseComplete Phase = "complete"
)

// phaseRank orders phases for the forward-only transition rule.
// team-fix branches off exec/verify at the same depth as verify.
var phaseRank = map[Phase]int{
	PhaseStart:    0,
	PhasePRD:      1,
	PhaseExec:     2,
	PhaseVerify:   3,
	PhaseFix:      3,
	PhaseComplete: 4,
}

// PhaseTransition is one entry in the snapshot's transition log.
type PhaseTransition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// TaskCounts tallies tasks by status.
type TaskCounts struct {
	Pending    int `json:"pending"`
	Blocked    int `json:"blocked"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total is the number of counted tasks.
func (c TaskCounts) Total() int {
	return c.Pending + c.Blocked + c.InProgress + c.Completed + c.Failed
}

// allTerminal reports whether every task is completed or failed.
func (c TaskCounts) allTerminal() bool {
	return c.Total() > 0 && c.Pending == 0 && c.Blocked == 0 && c.InProgress == 0
}

// WorkerSnapshot is one worker's reconciled view in the snapshot.
type WorkerSnapshot struct {
	Name      string                `json:"name"`
	State     heartbeat.WorkerState `json:"state"`
	TaskID    int                   `json:"task_id,omitempty"`
	Address   string                `json:"address"`
	Dead      bool                  `json:"dead"`
	TurnCount int                   `json:"turn_count"`
	Draining  bool                  `json:"draining,omitempty"`
}

// Snapshot is the monitor's persisted reconciled view.
type Snapshot struct {
	Team            string                   `json:"team"`
	Phase           Phase                    `json:"phase"`
	PhaseLog        []PhaseTransition        `json:"phase_log,omitempty"`
	Tasks           TaskCounts               `json:"tasks"`
	Workers         []WorkerSnapshot         `json:"workers"`
	DeadWorkers     []string                 `json:"dead_workers,omitempty"`
	SweptTasks      []int                    `json:"swept_tasks,omitempty"`
	Recommendations []scaling.Recommendation `json:"recommendations,omitempty"`
	TimingsMS       map[string]int64         `json:"timings_ms"`
	TickAt          time.Time                `json:"tick_at"`
}

// derivePhase applies the phase rules to the previous phase and the
// current task counts. Transitions only move forward; complete is
// terminal.
func derivePhase(prev Phase, c TaskCounts) Phase {
	if prev == "" {
		prev = PhaseStart
	}
	if prev == PhaseComplete {
		return PhaseComplete
	}

	var next Phase
	switch {
	case c.allTerminal() && c.Failed == 0:
		next = PhaseComplete
	case c.allTerminal():
		next = PhaseFix
	case c.InProgress > 0:
		next = PhaseExec
	case c.Total() > 0 && prev == PhaseStart:
		next = PhasePRD
	default:
		return prev
	}

	if phaseRank[next] < phaseRank[prev] {
		return prev
	}
	// team-fix only branches from exec or verify depth.
	if next == PhaseFix && phaseRank[prev] < phaseRank[PhaseExec] {
		return prev
	}
	return next
}

// MonitorTick runs one reconciliation pass and writes the snapshot.
func (r *Runtime) MonitorTick(ctx context.Context) (*Snapshot, error) {
	ctx, span := r.tracer.Tracer().Start(ctx, "monitor.tick")
	defer span.End()

	tickStart := r.now()
	timings := make(map[string]int64)

	// Read everything once.
	readStart := r.now()
	m, err := r.manifests.Load()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, manifest.ErrNotFound
	}

	tasks, err := r.tasks.List()
	if err != nil {
		return nil, err
	}

	liveSlots := make(map[string]bool)
	slotsKnown := true
	if slots, err := r.transport.ListSlots(ctx, m.SessionHandle); err == nil {
		for _, addr := range slots {
			liveSlots[addr] = true
		}
	} else {
		// A failed listing says nothing about the workers; don't let it
		// declare the whole team dead.
		slotsKnown = false
		log.Warn(log.CatRuntime, "Listing slots failed", "error", err.Error())
	}

	prev := r.previousSnapshot()
	prevStates := make(map[string]heartbeat.WorkerState, len(prev.Workers))
	for _, ws := range prev.Workers {
		prevStates[ws.Name] = ws.State
	}

	workers := make([]WorkerSnapshot, 0, len(m.Workers))
	dead := make(map[string]bool)
	var lastActivity time.Time
	for _, w := range m.Workers {
		hs := heartbeat.NewStore(r.layout, w.Name)
		hb, err := hs.Read()
		if err != nil {
			return nil, err
		}
		st, err := hs.ReadStatus()
		if err != nil {
			return nil, err
		}

		ws := WorkerSnapshot{
			Name:     w.Name,
			Address:  w.SlotAddress,
			Draining: m.IsDraining(w.Name),
		}
		if st != nil {
			ws.State = st.State
			ws.TaskID = st.TaskID
		}
		if hb != nil {
			ws.TurnCount = hb.TurnCount
			if hb.LastTurnAt.After(lastActivity) {
				lastActivity = hb.LastTurnAt
			}
		}
		slotPresent := liveSlots[w.SlotAddress] || !slotsKnown
		ws.Dead = heartbeat.ObservedDead(hb, slotPresent, r.cfg.LeaderNudgeInterval, r.now())
		if ws.Dead {
			dead[w.Name] = true
		}
		if !ws.Dead && prevStates[w.Name] == heartbeat.StateWorking && ws.State == heartbeat.StateIdle {
			if err := r.box.Append(mailbox.Event{
				Type:   mailbox.EventWorkerIdle,
				Worker: w.Name,
			}); err != nil {
				return nil, err
			}
		}
		workers = append(workers, ws)
	}
	timings["read"] = r.now().Sub(readStart).Milliseconds()

	// Sweep expired leases held by dead workers.
	sweepStart := r.now()
	swept, err := r.tasks.SweepExpiredLeases(func(worker string) bool { return dead[worker] })
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(dead) {
		if r.notifiedDead[name] {
			continue
		}
		r.notifiedDead[name] = true
		if err := r.box.Append(mailbox.Event{
			Type:   mailbox.EventWorkerStopped,
			Worker: name,
			Detail: map[string]string{"reason": "observed_dead"},
		}); err != nil {
			return nil, err
		}
	}
	if err := r.engine.ReconcileDrains(ctx); err != nil {
		return nil, err
	}
	timings["sweep"] = r.now().Sub(sweepStart).Milliseconds()

	// Poke live recipients about unnotified mail: at most one trigger
	// per message per tick, idempotent across ticks via notified_at.
	notifyStart := r.now()
	for _, w := range m.Workers {
		if dead[w.Name] {
			continue
		}
		msgs, err := r.box.List(w.Name)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			if msg.NotifiedAt != nil {
				continue
			}
			if err := r.transport.SendText(ctx, w.SlotAddress, ""); err != nil {
				log.Warn(log.CatRuntime, "Trigger failed", "worker", w.Name, "error", err.Error())
				continue
			}
			if _, err := r.box.MarkNotified(w.Name, msg.MessageID); err != nil {
				return nil, err
			}
			if _, err := r.box.MarkDelivered(w.Name, msg.MessageID); err != nil {
				return nil, err
			}
		}
	}
	timings["notify"] = r.now().Sub(notifyStart).Milliseconds()

	// Leader nudge under its own cooldown.
	if !lastActivity.IsZero() && r.now().Sub(lastActivity) > r.cfg.LeaderNudgeInterval &&
		r.now().Sub(r.lastNudgeAt) > r.cfg.LeaderNudgeInterval {
		r.lastNudgeAt = r.now()
		if err := r.box.Append(mailbox.Event{
			Type:   mailbox.EventLeaderNudge,
			Detail: map[string]string{"idle_since": lastActivity.Format(time.RFC3339)},
		}); err != nil {
			return nil, err
		}
	}

	counts := countTasks(tasks, r.tasks)
	from := prev.Phase
	if from == "" {
		from = PhaseStart
	}
	phase := derivePhase(from, counts)
	phaseLog := prev.PhaseLog
	if phase != from {
		phaseLog = append(phaseLog, PhaseTransition{From: from, To: phase, At: r.now()})
		log.Info(log.CatRuntime, "Phase transition", "from", string(from), "to", string(phase))
	}

	in := r.scalingInputs(counts, workers)
	rec := r.tracker.Observe(scaling.Recommend(in))
	var recs []scaling.Recommendation
	if rec.Action == scaling.ActionNone {
		r.recordedRec = ""
	} else {
		rec.At = r.now()
		recs = append(recs, rec)
		r.recordRecommendation(rec, in)
		// Auto-apply follows the manifest's persisted policy, so the
		// scale-auto toggle takes effect without a restart.
		if m.Scaling.AutoApply && rec.HighConfidence {
			r.autoApply(ctx, rec)
		}
	}

	snap := &Snapshot{
		Team:            r.team,
		Phase:           phase,
		PhaseLog:        phaseLog,
		Tasks:           counts,
		Workers:         workers,
		DeadWorkers:     sortedKeys(dead),
		SweptTasks:      swept,
		Recommendations: recs,
		TimingsMS:       timings,
		TickAt:          tickStart,
	}

	writeStart := r.now()
	if err := store.WriteJSON(r.layout.MonitorSnapshot(), snap); err != nil {
		return nil, err
	}
	timings["write"] = r.now().Sub(writeStart).Milliseconds()

	span.SetAttributes(
		attribute.Int("tasks.total", counts.Total()),
		attribute.Int("workers.dead", len(snap.DeadWorkers)),
		attribute.String("phase", string(phase)),
	)
	if total := r.now().Sub(tickStart); total > 5*time.Second {
		log.Warn(log.CatRuntime, "Slow monitor tick", "took", total.String())
	}
	return snap, nil
}

// Monitor runs ticks at the configured poll interval until the context
// ends. onTick receives every snapshot; it may be nil.
func (r *Runtime) Monitor(ctx context.Context, onTick func(*Snapshot)) error {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, err := r.MonitorTick(ctx)
		if err != nil {
			return err
		}
		if onTick != nil {
			onTick(snap)
		}
		if snap.Phase == PhaseComplete || snap.Phase == PhaseFix {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// previousSnapshot reads the last persisted snapshot, or a zero value.
func (r *Runtime) previousSnapshot() Snapshot {
	snap, err := store.ReadJSON[Snapshot](r.layout.MonitorSnapshot(), "snapshot")
	if err != nil || snap == nil {
		return Snapshot{Phase: PhaseStart}
	}
	return *snap
}

// countTasks tallies tasks, classifying pending tasks with unmet
// dependencies as blocked.
func countTasks(tasks []*task.Task, ts *task.Store) TaskCounts {
	var c TaskCounts
	for _, t := range tasks {
		switch t.Status {
		case task.StatusPending:
			if r := ts.Readiness(t); !r.Ready {
				c.Blocked++
			} else {
				c.Pending++
			}
		case task.StatusBlocked:
			c.Blocked++
		case task.StatusInProgress:
			c.InProgress++
		case task.StatusCompleted:
			c.Completed++
		case task.StatusFailed:
			c.Failed++
		}
	}
	return c
}

// scalingInputs maps the reconciled view onto the recommendation's
// inputs.
func (r *Runtime) scalingInputs(c TaskCounts, workers []WorkerSnapshot) scaling.Inputs {
	in := scaling.Inputs{
		PendingTasks:       c.Pending,
		ScaleUpThreshold:   r.cfg.Scaling.ScaleUpThreshold,
		ScaleDownThreshold: r.cfg.Scaling.ScaleDownThreshold,
		IdleTimeout:        r.cfg.Scaling.IdleTimeout,
	}
	now := r.now()
	for _, w := range workers {
		if w.Dead || w.Draining {
			continue
		}
		in.ActiveWorkers++
		if w.State == heartbeat.StateIdle {
			st, err := heartbeat.NewStore(r.layout, w.Name).ReadStatus()
			if err == nil && st != nil {
				in.IdleFor = append(in.IdleFor, now.Sub(st.UpdatedAt))
			}
		}
	}
	return in
}

// recordRecommendation writes one scaling-history entry per promoted
// high-confidence streak, with the resource view it was judged on.
func (r *Runtime) recordRecommendation(rec scaling.Recommendation, in scaling.Inputs) {
	if !rec.HighConfidence {
		return
	}
	key := fmt.Sprintf("%s/%d", rec.Action, rec.Delta)
	if key == r.recordedRec {
		return
	}
	r.recordedRec = key

	to := in.ActiveWorkers + rec.Delta
	if rec.Action == scaling.ActionScaleDown {
		to = in.ActiveWorkers - rec.Delta
	}
	if err := scaling.AppendHistory(r.layout, scaling.HistoryEntry{
		At:          r.now(),
		Action:      scaling.ActionRecommendation,
		Trigger:     scaling.TriggerAuto,
		Delta:       rec.Delta,
		FromWorkers: in.ActiveWorkers,
		ToWorkers:   to,
		Reason:      string(rec.Action) + ": " + rec.Reason,
		Resources:   scaling.SnapshotFromInputs(in),
	}); err != nil {
		log.ErrorErr(log.CatScale, "Appending recommendation history", err)
	}
}

// autoApply acts on a high-confidence recommendation.
func (r *Runtime) autoApply(ctx context.Context, rec scaling.Recommendation) {
	switch rec.Action {
	case scaling.ActionScaleUp:
		if _, err := r.engine.ScaleUp(ctx, rec.Delta, "", scaling.TriggerAuto); err != nil {
			log.Warn(log.CatScale, "Auto scale-up refused", "error", err.Error())
		}
	case scaling.ActionScaleDown:
		if _, err := r.engine.StartDrain(ctx, rec.Delta, scaling.TriggerAuto); err != nil {
			log.Warn(log.CatScale, "Auto scale-down refused", "error", err.Error())
		}
	}
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
