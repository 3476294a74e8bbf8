// Package heartbeat tracks worker liveness and the shutdown rendezvous.
//
// Heartbeats are advisory: the monitor combines them with a pid probe
// and the transport's slot list to decide whether a worker is observed
// dead. That verdict feeds lease expiry and scale-in safety but never
// mutates task state by itself.
package heartbeat

import (
	"syscall"
	"time"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/store"
)

// Heartbeat is the per-worker liveness record.
type Heartbeat struct {
	PID        int       `json:"pid"`
	Alive      bool      `json:"alive"`
	TurnCount  int       `json:"turn_count"`
	LastTurnAt time.Time `json:"last_turn_at"`
}

// WorkerState is a worker's coarse activity state.
type WorkerState string

const (
	StateIdle    WorkerState = "idle"
	StateWorking WorkerState = "working"
	StateFailed  WorkerState = "failed"
	StateStopped WorkerState = "stopped"
	// StateDraining mirrors the manifest's draining set onto the
	// worker's own status file: winding down, claiming nothing new.
	StateDraining WorkerState = "draining"
)

// Status is the per-worker status record.
type Status struct {
	State     WorkerState `json:"state"`
	TaskID    int         `json:"task_id,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Store reads and writes one worker's heartbeat and status files.
type Store struct {
	layout store.Layout
	worker string
	now    func() time.Time
}

// NewStore creates a heartbeat store for one worker.
func NewStore(layout store.Layout, worker string) *Store {
	return &Store{layout: layout, worker: worker, now: time.Now}
}

// Init writes the initial heartbeat for a freshly bootstrapped worker.
func (s *Store) Init(pid int) error {
	return store.WriteJSON(s.layout.WorkerHeartbeat(s.worker), Heartbeat{
		PID:        pid,
		Alive:      true,
		TurnCount:  0,
		LastTurnAt: s.now(),
	})
}

// Read returns the current heartbeat, or (nil, nil) when absent.
func (s *Store) Read() (*Heartbeat, error) {
	return store.ReadJSON[Heartbeat](s.layout.WorkerHeartbeat(s.worker), "heartbeat")
}

// Bump advances last_turn_at and increments turn_count.
func (s *Store) Bump() error {
	hb, err := s.Read()
	if err != nil {
		return err
	}
	if hb == nil {
		hb = &Heartbeat{Alive: true}
	}
	hb.TurnCount++
	hb.LastTurnAt = s.now()
	hb.Alive = true
	return store.WriteJSON(s.layout.WorkerHeartbeat(s.worker), hb)
}

// MarkDead flips alive to false without touching the turn counter.
func (s *Store) MarkDead() error {
	hb, err := s.Read()
	if err != nil {
		return err
	}
	if hb == nil {
		hb = &Heartbeat{}
	}
	hb.Alive = false
	return store.WriteJSON(s.layout.WorkerHeartbeat(s.worker), hb)
}

// SetStatus writes the worker's status record.
func (s *Store) SetStatus(state WorkerState, taskID int) error {
	return store.WriteJSON(s.layout.WorkerStatus(s.worker), Status{
		State:     state,
		TaskID:    taskID,
		UpdatedAt: s.now(),
	})
}

// ReadStatus returns the current status, or (nil, nil) when absent.
func (s *Store) ReadStatus() (*Status, error) {
	return store.ReadJSON[Status](s.layout.WorkerStatus(s.worker), "status")
}

// PIDAlive reports whether pid answers a signal-0 probe.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else.
	return err == nil || err == syscall.EPERM
}

// ObservedDead decides whether a worker counts as dead: its transport
// slot vanished, its pid fails the signal-0 probe, or the heartbeat has
// been silent past the inactivity ceiling with no pid to fall back on.
func ObservedDead(hb *Heartbeat, slotPresent bool, inactivity time.Duration, now time.Time) bool {
	if !slotPresent {
		return true
	}
	if hb == nil {
		return true
	}
	if hb.PID > 0 {
		return !PIDAlive(hb.PID)
	}
	return now.Sub(hb.LastTurnAt) > inactivity
}

// WatchLines bumps the heartbeat for every burst of output lines on ch,
// coalescing to at most one write per interval. Returns when ch closes
// or the context ends; the caller runs it under log.SafeGo.
func (s *Store) WatchLines(done <-chan struct{}, ch <-chan string, interval time.Duration) {
	var last time.Time
	for {
		select {
		case <-done:
			return
		case _, ok := <-ch:
			if !ok {
				if err := s.MarkDead(); err != nil {
					log.ErrorErr(log.CatHeartbeat, "Marking worker dead", err, "worker", s.worker)
				}
				return
			}
			if s.now().Sub(last) < interval {
				continue
			}
			last = s.now()
			if err := s.Bump(); err != nil {
				log.ErrorErr(log.CatHeartbeat, "Bumping heartbeat", err, "worker", s.worker)
			}
		}
	}
}
