package store

import "path/filepath"

// Layout produces every canonical path under a team's state root.
// The root is <project>/.omx/state/team/<team>.
type Layout struct {
	root string
}

// NewLayout returns the layout for a team rooted at projectDir.
func NewLayout(projectDir, team string) Layout {
	return Layout{root: filepath.Join(projectDir, ".omx", "state", "team", team)}
}

// Root returns the team state root directory.
func (l Layout) Root() string { return l.root }

// Manifest returns the path of the versioned team manifest.
func (l Layout) Manifest() string { return filepath.Join(l.root, "manifest.v2.json") }

// TasksDir returns the directory holding per-task JSON files.
func (l Layout) TasksDir() string { return filepath.Join(l.root, "tasks") }

// Task returns the path of one task's JSON file.
func (l Layout) Task(id string) string { return filepath.Join(l.TasksDir(), id+".json") }

// WorkersDir returns the directory holding per-worker state.
func (l Layout) WorkersDir() string { return filepath.Join(l.root, "workers") }

// WorkerDir returns one worker's state directory.
func (l Layout) WorkerDir(worker string) string { return filepath.Join(l.WorkersDir(), worker) }

// WorkerIdentity returns the worker identity file path.
func (l Layout) WorkerIdentity(worker string) string {
	return filepath.Join(l.WorkerDir(worker), "identity.json")
}

// WorkerHeartbeat returns the worker heartbeat file path.
func (l Layout) WorkerHeartbeat(worker string) string {
	return filepath.Join(l.WorkerDir(worker), "heartbeat.json")
}

// WorkerStatus returns the worker status file path.
func (l Layout) WorkerStatus(worker string) string {
	return filepath.Join(l.WorkerDir(worker), "status.json")
}

// WorkerInbox returns the worker inbox markdown path.
func (l Layout) WorkerInbox(worker string) string {
	return filepath.Join(l.WorkerDir(worker), "inbox.md")
}

// ShutdownRequest returns the per-worker shutdown request file path.
func (l Layout) ShutdownRequest(worker string) string {
	return filepath.Join(l.WorkerDir(worker), "shutdown-request.json")
}

// ShutdownAck returns the per-worker shutdown ack file path.
// Writes overwrite; freshness is judged by the embedded timestamp.
func (l Layout) ShutdownAck(worker string) string {
	return filepath.Join(l.WorkerDir(worker), "shutdown-ack.json")
}

// Mailbox returns a worker's mailbox path (JSON array of messages).
func (l Layout) Mailbox(worker string) string {
	return filepath.Join(l.root, "mailbox", worker+".json")
}

// MailboxDir returns the mailbox directory.
func (l Layout) MailboxDir() string { return filepath.Join(l.root, "mailbox") }

// Panes returns the side-file recording every slot address the team has
// ever owned. Cleanup targeting reads it alongside the manifest.
func (l Layout) Panes() string { return filepath.Join(l.root, "panes.json") }

// Events returns the append-only event log path.
func (l Layout) Events() string { return filepath.Join(l.root, "events.ndjson") }

// ApprovalsDir returns the directory holding per-task approval records.
func (l Layout) ApprovalsDir() string { return filepath.Join(l.root, "approvals") }

// Approval returns the per-task approval file path.
func (l Layout) Approval(taskID string) string {
	return filepath.Join(l.ApprovalsDir(), taskID+".json")
}

// MonitorSnapshot returns the monitor snapshot path.
func (l Layout) MonitorSnapshot() string { return filepath.Join(l.root, "monitor.snapshot.json") }

// ScalingHistory returns the scaling event history path.
func (l Layout) ScalingHistory() string { return filepath.Join(l.root, "scaling-history.json") }

// ScalingLock returns the scaling advisory lock path.
func (l Layout) ScalingLock() string { return filepath.Join(l.root, "scaling.lock") }
