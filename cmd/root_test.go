package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/omx/internal/team/heartbeat"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/store"
	"github.com/zjrosen/omx/internal/team/task"
)

func TestParseWorkerSpec(t *testing.T) {
	tests := []struct {
		name      string
		spec      string
		wantN     int
		wantType  string
		wantError bool
	}{
		{name: "count and type", spec: "2:codex", wantN: 2, wantType: "codex"},
		{name: "single worker", spec: "1:claude", wantN: 1, wantType: "claude"},
		{name: "missing colon", spec: "2codex", wantError: true},
		{name: "zero count", spec: "0:codex", wantError: true},
		{name: "negative count", spec: "-1:codex", wantError: true},
		{name: "non-numeric count", spec: "two:codex", wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, agentType, err := parseWorkerSpec(tt.spec)
			if tt.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.wantType, agentType)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("team not found")))
	assert.Equal(t, 2, ExitCode(usagef("bad arguments")))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("wrapped: %w", usagef("bad"))))
}

func TestRunRequestValidate(t *testing.T) {
	base := func() runRequest {
		return runRequest{
			TeamName:   "alpha",
			AgentTypes: []string{"codex"},
			Tasks:      []runTask{{Subject: "do it"}},
		}
	}

	t.Run("valid defaults worker count", func(t *testing.T) {
		req := base()
		require.NoError(t, req.validate())
		assert.Equal(t, 1, req.WorkerCount)
	})

	t.Run("explicit worker count kept", func(t *testing.T) {
		req := base()
		req.WorkerCount = 3
		require.NoError(t, req.validate())
		assert.Equal(t, 3, req.WorkerCount)
	})

	t.Run("missing team name", func(t *testing.T) {
		req := base()
		req.TeamName = ""
		assert.Equal(t, 2, ExitCode(req.validate()))
	})

	t.Run("missing agent types", func(t *testing.T) {
		req := base()
		req.AgentTypes = nil
		require.Error(t, req.validate())
	})

	t.Run("missing tasks", func(t *testing.T) {
		req := base()
		req.Tasks = nil
		require.Error(t, req.validate())
	})
}

// captureStdout runs fn with os.Stdout redirected to a buffer.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	runErr := fn()

	require.NoError(t, w.Close())
	os.Stdout = old
	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String(), runErr
}

func TestStatusLineContract(t *testing.T) {
	dir := t.TempDir()
	layout := store.NewLayout(dir, "alpha")
	ms := manifest.NewStore(layout)
	require.NoError(t, ms.Save(&manifest.Manifest{
		Team:            "alpha",
		SessionHandle:   "sess-alpha",
		NextTaskID:      1,
		NextWorkerIndex: 1,
	}))

	_, err := ms.AllocateWorkerIndex(manifest.Worker{Role: "codex"})
	require.NoError(t, err)
	require.NoError(t, heartbeat.NewStore(layout, "worker-1").SetStatus(heartbeat.StateIdle, 0))

	ts := task.NewStore(layout, ms, 0)
	_, err = ts.Create(
		task.CreateSpec{Subject: "one"},
		task.CreateSpec{Subject: "two"},
		task.CreateSpec{Subject: "gated", DependsOn: []int{1}},
	)
	require.NoError(t, err)

	projectDir = dir
	t.Cleanup(func() { projectDir = "" })

	out, err := captureStdout(t, func() error {
		return runTeamStatus(nil, []string{"alpha"})
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, lines[0], "team alpha")

	// Downstream automation parses this line token for token.
	assert.Equal(t, "tasks: pending=2 blocked=1 in_progress=0 completed=0 failed=0", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "{"), "third line must be JSON")
	assert.Contains(t, lines[2], `"worker-1":"idle"`)
}

func TestStatusUnknownTeam(t *testing.T) {
	projectDir = t.TempDir()
	t.Cleanup(func() { projectDir = "" })

	err := runTeamStatus(nil, []string{"ghost"})
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
}
