package scaling

import (
	"math"
	"time"
)

// Action is a recommendation verb.
type Action string

const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// Recommendation is one scaling suggestion. HighConfidence becomes true
// after the same action and delta repeat on consecutive evaluations.
type Recommendation struct {
	Action         Action    `json:"action"`
	Delta          int       `json:"delta"`
	Reason         string    `json:"reason"`
	HighConfidence bool      `json:"high_confidence"`
	At             time.Time `json:"at"`
}

// Inputs is the slice of the monitor's reconciled view that the
// recommendation depends on.
type Inputs struct {
	PendingTasks int
	// ActiveWorkers counts live, non-draining workers.
	ActiveWorkers int
	// IdleFor holds each idle worker's time since last activity.
	IdleFor []time.Duration

	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	IdleTimeout        time.Duration
}

// Recommend is a pure function from the reconciled view to a
// recommendation. Workload pressure (pending per active worker) drives
// scale-up; sustained idleness drives scale-down.
func Recommend(in Inputs) Recommendation {
	if in.ActiveWorkers <= 0 {
		return Recommendation{Action: ActionNone}
	}

	active := float64(in.ActiveWorkers)
	if float64(in.PendingTasks)/active > in.ScaleUpThreshold {
		delta := int(math.Ceil(float64(in.PendingTasks)/in.ScaleUpThreshold)) - in.ActiveWorkers
		if delta > 0 {
			return Recommendation{Action: ActionScaleUp, Delta: delta, Reason: "pending backlog"}
		}
	}

	idle := len(in.IdleFor)
	if float64(idle)/active > in.ScaleDownThreshold {
		allPastTimeout := true
		for _, d := range in.IdleFor {
			if d < in.IdleTimeout {
				allPastTimeout = false
				break
			}
		}
		if allPastTimeout {
			delta := idle - int(math.Ceil(active*in.ScaleDownThreshold))
			if delta > 0 {
				return Recommendation{Action: ActionScaleDown, Delta: delta, Reason: "sustained idle"}
			}
		}
	}

	return Recommendation{Action: ActionNone}
}

// confidenceRuns is how many identical consecutive recommendations make
// one high-confidence.
const confidenceRuns = 3

// Tracker counts consecutive identical recommendations across monitor
// ticks.
type Tracker struct {
	last Recommendation
	run  int
}

// Observe folds the next recommendation into the run and returns it
// with HighConfidence set when the streak is long enough. ActionNone
// resets the streak and is never high-confidence.
func (t *Tracker) Observe(r Recommendation) Recommendation {
	if r.Action == ActionNone {
		t.run = 0
		t.last = r
		return r
	}
	if r.Action == t.last.Action && r.Delta == t.last.Delta {
		t.run++
	} else {
		t.run = 1
	}
	t.last = r
	r.HighConfidence = t.run >= confidenceRuns
	return r
}
