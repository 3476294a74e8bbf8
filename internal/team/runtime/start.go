package runtime

import (
	"context"
	"fmt"
	"os"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/config"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/store"
	"github.com/zjrosen/omx/internal/team/task"
)

// StartSpec describes the team to create.
type StartSpec struct {
	// Workers is how many workers to bootstrap.
	Workers int
	// AgentType is the CLI slug for every initial worker.
	AgentType string
	// TaskDescription is the team's overall goal line.
	TaskDescription string
	// Tasks is the initial task set.
	Tasks []task.CreateSpec
	// Leader identifies the coordinating session.
	Leader manifest.Leader
	// LeaderPane and HUDPane are slot addresses never targeted by any
	// kill path.
	LeaderPane string
	HUDPane    string
}

// Start creates the team: manifest, transport session, workers
// (sequentially, for cheaper failure diagnosis), and the initial task
// set. Any failure after session creation rolls everything back.
func (r *Runtime) Start(ctx context.Context, spec StartSpec) (*manifest.Manifest, error) {
	if spec.Workers < 1 {
		return nil, fmt.Errorf("team needs at least one worker")
	}
	if spec.Workers > config.AbsoluteMaxWorkers {
		return nil, fmt.Errorf("worker count %d exceeds ceiling %d", spec.Workers, config.AbsoluteMaxWorkers)
	}

	existing, err := r.manifests.Load()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("team %s already exists", r.team)
	}

	if err := store.EnsureDir(r.layout.Root()); err != nil {
		return nil, err
	}

	sessionName := "omx-" + r.team
	handle, err := r.transport.CreateSession(ctx, sessionName)
	if err != nil {
		// Fatal: no session, no team.
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m := &manifest.Manifest{
		Team:            r.team,
		TaskDescription: spec.TaskDescription,
		Leader:          spec.Leader,
		Policy: manifest.Policy{
			DelegationOnly:                    true,
			CleanupRequiresAllWorkersInactive: true,
			DisplayMode:                       manifest.DisplayAuto,
			OneTeamPerLeaderSession:           true,
		},
		SessionHandle:   handle,
		LeaderPane:      spec.LeaderPane,
		HUDPane:         spec.HUDPane,
		AgentType:       spec.AgentType,
		InitialWorkers:  spec.Workers,
		NextTaskID:      1,
		NextWorkerIndex: 1,
		Scaling: manifest.ScalingPolicy{
			AutoApply:          r.cfg.Scaling.AutoApply,
			MinWorkers:         r.cfg.Scaling.MinWorkers,
			MaxWorkers:         r.cfg.Scaling.MaxWorkers,
			ScaleUpThreshold:   r.cfg.Scaling.ScaleUpThreshold,
			ScaleDownThreshold: r.cfg.Scaling.ScaleDownThreshold,
			CooldownMS:         r.cfg.Scaling.Cooldown.Milliseconds(),
			IdleTimeoutMS:      r.cfg.Scaling.IdleTimeout.Milliseconds(),
			PerWorkerMemMB:     r.cfg.Scaling.PerWorkerMemMB,
		},
		ResourceLimits: manifest.ResourceLimits{
			MaxCPUPercent: r.cfg.Scaling.MaxCPUPercent,
			MinFreeMemMB:  r.cfg.Scaling.MinFreeMemMB,
		},
		CreatedAt: r.now(),
	}
	if err := r.manifests.Save(m); err != nil {
		r.rollbackStart(ctx, handle)
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	if len(spec.Tasks) > 0 {
		if _, err := r.tasks.Create(spec.Tasks...); err != nil {
			r.rollbackStart(ctx, handle)
			return nil, fmt.Errorf("creating initial tasks: %w", err)
		}
	}

	for i := 0; i < spec.Workers; i++ {
		if _, err := r.BootstrapWorker(ctx, spec.AgentType); err != nil {
			r.rollbackStart(ctx, handle)
			return nil, fmt.Errorf("bootstrapping worker %d of %d: %w", i+1, spec.Workers, err)
		}
	}

	final, err := r.manifests.Load()
	if err != nil {
		return nil, err
	}
	log.Info(log.CatRuntime, "Team started", "team", r.team, "workers", spec.Workers, "tasks", len(spec.Tasks))
	return final, nil
}

// rollbackStart tears down a partially started team: destroy the
// session and remove the state subtree.
func (r *Runtime) rollbackStart(ctx context.Context, handle string) {
	r.stopAllWatchers()
	if err := r.transport.DestroySession(ctx, handle); err != nil {
		log.ErrorErr(log.CatRuntime, "Destroying session during rollback", err, "team", r.team)
	}
	if err := os.RemoveAll(r.layout.Root()); err != nil {
		log.ErrorErr(log.CatRuntime, "Removing state during rollback", err, "team", r.team)
	}
	r.manifests.Invalidate()
}
