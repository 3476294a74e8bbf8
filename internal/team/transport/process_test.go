package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/omx/internal/team/config"
)

func waitForOutput(t *testing.T, p *Process, address, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, err := p.Capture(context.Background(), address)
		require.NoError(t, err)
		if strings.Contains(out, want) {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("slot %s never printed %q", address, want)
}

func TestProcess_SessionLifecycle(t *testing.T) {
	p := NewProcess()
	ctx := context.Background()

	handle, err := p.CreateSession(ctx, "t1")
	require.NoError(t, err)

	_, err = p.CreateSession(ctx, "t1")
	require.Error(t, err, "duplicate session")

	addr, err := p.AddSlot(ctx, handle, SlotSpec{
		Name:    "worker-1",
		WorkDir: t.TempDir(),
		Command: "echo ready-one; cat",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "pid:"), "address %q", addr)

	pid, ok := SlotPID(addr)
	require.True(t, ok)
	require.Greater(t, pid, 0)

	waitForOutput(t, p, addr, "ready-one")

	addrs, err := p.ListSlots(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, []string{addr}, addrs)

	require.NoError(t, p.DestroySession(ctx, handle))

	_, err = p.ListSlots(ctx, handle)
	require.Error(t, err)
}

func TestProcess_SendTextReachesStdin(t *testing.T) {
	p := NewProcess()
	ctx := context.Background()

	handle, err := p.CreateSession(ctx, "t2")
	require.NoError(t, err)
	defer func() { _ = p.DestroySession(ctx, handle) }()

	// cat echoes stdin back, so SendText output shows up in Capture.
	addr, err := p.AddSlot(ctx, handle, SlotSpec{Command: "cat"})
	require.NoError(t, err)

	require.NoError(t, p.SendText(ctx, addr, "ping-pong"))
	waitForOutput(t, p, addr, "ping-pong")
}

func TestProcess_OutputLinesChannel(t *testing.T) {
	p := NewProcess()
	ctx := context.Background()

	handle, err := p.CreateSession(ctx, "t3")
	require.NoError(t, err)
	defer func() { _ = p.DestroySession(ctx, handle) }()

	addr, err := p.AddSlot(ctx, handle, SlotSpec{Command: "echo line-a; echo line-b; cat"})
	require.NoError(t, err)

	ch := p.OutputLines(addr)
	require.NotNil(t, ch)

	var lines []string
	timeout := time.After(5 * time.Second)
	for len(lines) < 2 {
		select {
		case line := <-ch:
			lines = append(lines, line)
		case <-timeout:
			t.Fatalf("only received %v", lines)
		}
	}
	require.Contains(t, lines, "line-a")
	require.Contains(t, lines, "line-b")

	require.Nil(t, p.OutputLines("pid:999999"))
}

func TestProcess_KillSlotRemovesSlot(t *testing.T) {
	p := NewProcess()
	ctx := context.Background()

	handle, err := p.CreateSession(ctx, "t4")
	require.NoError(t, err)
	defer func() { _ = p.DestroySession(ctx, handle) }()

	addr, err := p.AddSlot(ctx, handle, SlotSpec{Command: "cat"})
	require.NoError(t, err)

	require.NoError(t, p.KillSlot(ctx, addr, 2*time.Second))

	addrs, err := p.ListSlots(ctx, handle)
	require.NoError(t, err)
	require.Empty(t, addrs)

	require.Error(t, p.SendText(ctx, addr, "too late"))
}

func TestSlotPID(t *testing.T) {
	pid, ok := SlotPID("pid:42")
	require.True(t, ok)
	require.Equal(t, 42, pid)

	_, ok = SlotPID("%42")
	require.False(t, ok)

	_, ok = SlotPID("pid:abc")
	require.False(t, ok)
}

func TestProcess_SlotOSPID(t *testing.T) {
	p := NewProcess()
	ctx := context.Background()

	pid, ok := p.SlotOSPID(ctx, "pid:42")
	require.True(t, ok)
	require.Equal(t, 42, pid)

	_, ok = p.SlotOSPID(ctx, "%0")
	require.False(t, ok)
}

func TestDetect_ForcedChoices(t *testing.T) {
	ctx := context.Background()

	require.Equal(t, "tmux", Detect(ctx, config.TransportTmux).Kind())
	require.Equal(t, "process", Detect(ctx, config.TransportProcess).Kind())
}
