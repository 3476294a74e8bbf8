// Package runtime composes the transport, spawner, stores, and scaling
// engine into the team lifecycle: start, monitor, shutdown, cleanup.
package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/pubsub"
	"github.com/zjrosen/omx/internal/team/config"
	"github.com/zjrosen/omx/internal/team/heartbeat"
	"github.com/zjrosen/omx/internal/team/mailbox"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/scaling"
	"github.com/zjrosen/omx/internal/team/store"
	"github.com/zjrosen/omx/internal/team/task"
	"github.com/zjrosen/omx/internal/team/tracing"
	"github.com/zjrosen/omx/internal/team/transport"
)

// Runtime drives one team.
type Runtime struct {
	projectDir string
	team       string
	cfg        config.Config

	layout    store.Layout
	manifests *manifest.Store
	tasks     *task.Store
	approvals *task.ApprovalStore
	box       *mailbox.Box
	broker    *pubsub.Broker[mailbox.Event]
	transport transport.Transport
	engine    *scaling.Engine
	tracker   scaling.Tracker
	tracer    *tracing.Provider

	// lastNudgeAt rate-limits leader nudges independently of ticks.
	lastNudgeAt time.Time
	// notifiedDead remembers workers already reported dead, so the
	// worker_stopped event fires once per worker.
	notifiedDead map[string]bool
	// recordedRec keys the last high-confidence recommendation written
	// to the scaling history, so each promotion is recorded once.
	recordedRec string

	// watchStops closes each worker's watcher goroutines.
	watchMu    sync.Mutex
	watchStops map[string]chan struct{}

	now func() time.Time
}

// New wires a runtime for one team. The transport is chosen by the
// caller (usually via transport.Detect).
func New(projectDir, team string, cfg config.Config, tr transport.Transport) (*Runtime, error) {
	layout := store.NewLayout(projectDir, team)
	ms := manifest.NewStore(layout)
	ts := task.NewStore(layout, ms, cfg.ClaimLease)
	broker := pubsub.NewBroker[mailbox.Event]()
	box := mailbox.New(layout, broker)

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:  cfg.TraceFile != "",
		Exporter: "file",
		FilePath: cfg.TraceFile,
	})
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		projectDir:   projectDir,
		team:         team,
		cfg:          cfg,
		layout:       layout,
		manifests:    ms,
		tasks:        ts,
		approvals:    task.NewApprovalStore(layout, ts, box),
		box:          box,
		broker:       broker,
		transport:    tr,
		tracer:       tracer,
		notifiedDead: make(map[string]bool),
		watchStops:   make(map[string]chan struct{}),
		now:          time.Now,
	}
	ts.OnTerminal(func(t *task.Task) {
		if err := box.Append(mailbox.Event{
			Type:   mailbox.EventTaskCompleted,
			Worker: t.Owner,
			TaskID: t.ID,
			Detail: map[string]string{"status": string(t.Status)},
		}); err != nil {
			log.ErrorErr(log.CatTask, "Appending task_completed event", err, "task", strconv.Itoa(t.ID))
		}
	})
	r.engine = scaling.NewEngine(layout, ms, ts, box, r, cfg.Scaling)
	return r, nil
}

// Layout exposes the team's path layout.
func (r *Runtime) Layout() store.Layout { return r.layout }

// Tasks exposes the task store.
func (r *Runtime) Tasks() *task.Store { return r.tasks }

// Approvals exposes the plan-approval store.
func (r *Runtime) Approvals() *task.ApprovalStore { return r.approvals }

// Manifests exposes the manifest store.
func (r *Runtime) Manifests() *manifest.Store { return r.manifests }

// Mailbox exposes the team mailbox.
func (r *Runtime) Mailbox() *mailbox.Box { return r.box }

// Events exposes the in-process event broker.
func (r *Runtime) Events() *pubsub.Broker[mailbox.Event] { return r.broker }

// Engine exposes the scaling engine.
func (r *Runtime) Engine() *scaling.Engine { return r.engine }

// Close stops the worker watchers, flushes tracing, and shuts the
// broker down.
func (r *Runtime) Close(ctx context.Context) error {
	r.stopAllWatchers()
	r.broker.Close()
	return r.tracer.Shutdown(ctx)
}

// WorkerDead implements scaling.WorkerControl: a worker is dead when
// its heartbeat/pid/slot triple says so.
func (r *Runtime) WorkerDead(ctx context.Context, w manifest.Worker) bool {
	hb, err := heartbeat.NewStore(r.layout, w.Name).Read()
	if err != nil {
		return false
	}

	slotPresent := false
	if m, err := r.manifests.Load(); err == nil && m != nil {
		if slots, err := r.transport.ListSlots(ctx, m.SessionHandle); err == nil {
			for _, addr := range slots {
				if addr == w.SlotAddress {
					slotPresent = true
					break
				}
			}
		}
	}
	return heartbeat.ObservedDead(hb, slotPresent, r.cfg.LeaderNudgeInterval, r.now())
}
