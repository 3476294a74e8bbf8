package task

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/mailbox"
	"github.com/zjrosen/omx/internal/team/store"
)

// Decision is the outcome of a plan approval.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Approval is the plan-approval record for one task: a worker's plan
// waiting on the leader's verdict. One file per task; a re-request
// overwrites an undecided record but never a decided one.
type Approval struct {
	TaskID      int        `json:"task_id"`
	Plan        string     `json:"plan"`
	RequestedBy string     `json:"requested_by"`
	RequestedAt time.Time  `json:"requested_at"`
	Decision    Decision   `json:"decision,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// Decided reports whether a verdict has been recorded.
func (a *Approval) Decided() bool { return a.Decision != "" }

// ApprovalStore persists plan approvals and logs decisions to the team
// event stream.
type ApprovalStore struct {
	layout store.Layout
	tasks  *Store
	box    *mailbox.Box
	now    func() time.Time
}

// NewApprovalStore creates an approval store over the same layout as ts.
func NewApprovalStore(layout store.Layout, ts *Store, box *mailbox.Box) *ApprovalStore {
	return &ApprovalStore{layout: layout, tasks: ts, box: box, now: time.Now}
}

func (s *ApprovalStore) path(id int) string {
	return s.layout.Approval(strconv.Itoa(id))
}

// Request records worker's plan for the task and leaves it awaiting a
// decision. Refused when the task does not exist or a verdict is
// already on file.
func (s *ApprovalStore) Request(id int, worker, plan string) (*Approval, error) {
	t, err := s.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}

	existing, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Decided() {
		return nil, fmt.Errorf("task %d already has a %s plan", id, existing.Decision)
	}

	if err := store.EnsureDir(s.layout.ApprovalsDir()); err != nil {
		return nil, err
	}
	a := &Approval{
		TaskID:      id,
		Plan:        plan,
		RequestedBy: worker,
		RequestedAt: s.now(),
	}
	if err := store.WriteJSON(s.path(id), a); err != nil {
		return nil, err
	}
	log.Info(log.CatTask, "Plan approval requested", "id", id, "worker", worker)
	return a, nil
}

// Read returns the task's approval record, or (nil, nil) when absent.
func (s *ApprovalStore) Read(id int) (*Approval, error) {
	return store.ReadJSON[Approval](s.path(id), "approval")
}

// Pending returns undecided approvals, ordered by task id.
func (s *ApprovalStore) Pending() ([]*Approval, error) {
	tasks, err := s.tasks.List()
	if err != nil {
		return nil, err
	}
	var pending []*Approval
	for _, t := range tasks {
		a, err := s.Read(t.ID)
		if err != nil {
			return nil, err
		}
		if a != nil && !a.Decided() {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

// Decide records the verdict on a requested approval and appends an
// approval_decision event. A decision is final; deciding twice fails.
func (s *ApprovalStore) Decide(id int, decidedBy string, decision Decision, reason string) (*Approval, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}
	a, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("no approval requested for task %d", id)
	}
	if a.Decided() {
		return nil, fmt.Errorf("task %d already %s by %s", id, a.Decision, a.DecidedBy)
	}

	now := s.now()
	a.Decision = decision
	a.DecidedBy = decidedBy
	a.Reason = reason
	a.DecidedAt = &now
	if err := store.WriteJSON(s.path(id), a); err != nil {
		return nil, err
	}

	if err := s.box.Append(mailbox.Event{
		Type:   mailbox.EventApprovalDecision,
		Worker: a.RequestedBy,
		TaskID: id,
		Detail: map[string]string{"decision": string(decision), "decided_by": decidedBy},
	}); err != nil {
		return nil, err
	}
	log.Info(log.CatTask, "Plan decided", "id", id, "decision", string(decision), "by", decidedBy)
	return a, nil
}
