package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRunner records tmux invocations and returns scripted output.
type fakeRunner struct {
	calls   [][]string
	outputs map[string]string // first arg -> output
	errs    map[string]error
}

func (f *fakeRunner) run(ctx context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if err, ok := f.errs[args[0]]; ok {
		return "", err
	}
	return f.outputs[args[0]], nil
}

func (f *fakeRunner) callsFor(verb string) [][]string {
	var out [][]string
	for _, c := range f.calls {
		if c[0] == verb {
			out = append(out, c)
		}
	}
	return out
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"%2", "%2", false},
		{" %13\n", "%13", false},
		{"", "", true},
		{"2", "", true},
		{"%abc", "", true},
		{"pid:42", "", true},
	}

	for _, tt := range tests {
		got, err := normalizeAddress(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestTmux_CreateSessionAndAddSlot(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"split-window": "%4\n"}}
	tr := newTmuxWithRunner(f.run)
	ctx := context.Background()

	handle, err := tr.CreateSession(ctx, "omx-t1")
	require.NoError(t, err)
	require.Equal(t, "omx-t1", handle)

	addr, err := tr.AddSlot(ctx, handle, SlotSpec{Name: "worker-1", WorkDir: "/tmp"})
	require.NoError(t, err)
	require.Equal(t, "%4", addr)

	splits := f.callsFor("split-window")
	require.Len(t, splits, 1)
	require.Contains(t, strings.Join(splits[0], " "), "-c /tmp")
}

func TestTmux_AddSlot_RejectsGarbagePaneID(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"split-window": "garbage"}}
	tr := newTmuxWithRunner(f.run)

	_, err := tr.AddSlot(context.Background(), "s", SlotSpec{})
	require.Error(t, err)
}

func TestTmux_SendText_DualSubmit(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{}}
	tr := newTmuxWithRunner(f.run)

	require.NoError(t, tr.SendText(context.Background(), "%2", "hello"))

	sends := f.callsFor("send-keys")
	require.Len(t, sends, 3)
	require.Contains(t, sends[0], "-l")
	require.Contains(t, sends[0], "hello")
	require.Contains(t, sends[1], "C-m")
	require.Contains(t, sends[2], "Enter")
}

func TestTmux_SendText_RejectsBadAddress(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{}}
	tr := newTmuxWithRunner(f.run)

	require.Error(t, tr.SendText(context.Background(), "2", "hello"))
	require.Empty(t, f.calls, "no tmux call for an invalid address")
}

func TestTmux_ListSlots_FiltersNonPaneLines(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"list-panes": "%1\n%2\nnoise\n%3"}}
	tr := newTmuxWithRunner(f.run)

	addrs, err := tr.ListSlots(context.Background(), "s")
	require.NoError(t, err)
	require.Equal(t, []string{"%1", "%2", "%3"}, addrs)
}

func TestTmux_SlotOSPID(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"display": "1234\n"}}
	tr := newTmuxWithRunner(f.run)

	pid, ok := tr.SlotOSPID(context.Background(), "%2")
	require.True(t, ok)
	require.Equal(t, 1234, pid)

	displays := f.callsFor("display")
	require.Len(t, displays, 1)
	require.Contains(t, displays[0], "#{pane_pid}")

	// Garbage and bad addresses report no pid.
	f.outputs["display"] = "not-a-pid"
	_, ok = tr.SlotOSPID(context.Background(), "%2")
	require.False(t, ok)
	_, ok = tr.SlotOSPID(context.Background(), "pid:42")
	require.False(t, ok)
}

func TestTmux_KillSlot_ForcesAfterGrace(t *testing.T) {
	// display returns no pid; pane stays listed, so kill-pane must fire.
	f := &fakeRunner{outputs: map[string]string{"list-panes": "%2", "display": ""}}
	tr := newTmuxWithRunner(f.run)

	err := tr.KillSlot(context.Background(), "%2", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, f.callsFor("kill-pane"))
}
