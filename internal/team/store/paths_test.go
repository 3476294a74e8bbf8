package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/proj", "t1")
	root := filepath.Join("/proj", ".omx", "state", "team", "t1")

	require.Equal(t, root, l.Root())
	require.Equal(t, filepath.Join(root, "manifest.v2.json"), l.Manifest())
	require.Equal(t, filepath.Join(root, "tasks", "7.json"), l.Task("7"))
	require.Equal(t, filepath.Join(root, "workers", "worker-1", "identity.json"), l.WorkerIdentity("worker-1"))
	require.Equal(t, filepath.Join(root, "workers", "worker-1", "heartbeat.json"), l.WorkerHeartbeat("worker-1"))
	require.Equal(t, filepath.Join(root, "workers", "worker-1", "status.json"), l.WorkerStatus("worker-1"))
	require.Equal(t, filepath.Join(root, "workers", "worker-1", "inbox.md"), l.WorkerInbox("worker-1"))
	require.Equal(t, filepath.Join(root, "workers", "worker-1", "shutdown-request.json"), l.ShutdownRequest("worker-1"))
	require.Equal(t, filepath.Join(root, "workers", "worker-1", "shutdown-ack.json"), l.ShutdownAck("worker-1"))
	require.Equal(t, filepath.Join(root, "mailbox", "worker-2.json"), l.Mailbox("worker-2"))
	require.Equal(t, filepath.Join(root, "events.ndjson"), l.Events())
	require.Equal(t, filepath.Join(root, "approvals", "3.json"), l.Approval("3"))
	require.Equal(t, filepath.Join(root, "monitor.snapshot.json"), l.MonitorSnapshot())
	require.Equal(t, filepath.Join(root, "scaling-history.json"), l.ScalingHistory())
	require.Equal(t, filepath.Join(root, "scaling.lock"), l.ScalingLock())
}
