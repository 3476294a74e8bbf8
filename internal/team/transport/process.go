package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zjrosen/omx/internal/log"
)

// processBufferCapacity is how many output lines each slot retains.
const processBufferCapacity = 200

// processSlot is one child process hosted by the Process transport.
type processSlot struct {
	address string
	session string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	buffer  *outputBuffer

	// OutputLines receives every line the slot emits, for heartbeat
	// watchers. Non-blocking sends; slow consumers drop lines.
	outputCh chan string

	mu     sync.Mutex
	exited bool
}

// Process hosts each worker as a child process in its own process group.
// Addresses are "pid:<n>".
type Process struct {
	mu       sync.Mutex
	sessions map[string][]*processSlot // handle -> slots
	slots    map[string]*processSlot   // address -> slot
}

// NewProcess creates the process transport.
func NewProcess() *Process {
	return &Process{
		sessions: make(map[string][]*processSlot),
		slots:    make(map[string]*processSlot),
	}
}

// Kind names the variant.
func (p *Process) Kind() string { return "process" }

// CreateSession registers a named process group. No OS resource is created
// until the first slot is added.
func (p *Process) CreateSession(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sessions[name]; exists {
		return "", fmt.Errorf("session %s already exists", name)
	}
	p.sessions[name] = nil
	log.Debug(log.CatTransport, "Created process session", "session", name)
	return name, nil
}

// AddSlot starts the slot's command (or an interactive shell) under the
// login shell, in its own process group, with stdin piped for SendText.
func (p *Process) AddSlot(ctx context.Context, handle string, spec SlotSpec) (string, error) {
	p.mu.Lock()
	if _, exists := p.sessions[handle]; !exists {
		p.mu.Unlock()
		return "", fmt.Errorf("session %s not found", handle)
	}
	p.mu.Unlock()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	command := spec.Command
	if command == "" {
		command = shell
	}

	cmd := exec.CommandContext(ctx, shell, "-lc", command) //nolint:gosec // G204: command is built by the spawner
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("piping stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("piping stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting slot process: %w", err)
	}

	slot := &processSlot{
		address:  fmt.Sprintf("pid:%d", cmd.Process.Pid),
		session:  handle,
		cmd:      cmd,
		stdin:    stdin,
		buffer:   newOutputBuffer(processBufferCapacity),
		outputCh: make(chan string, 64),
	}

	log.SafeGo("process-slot-reader-"+slot.address, func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			slot.buffer.Write(line)
			select {
			case slot.outputCh <- line:
			default:
			}
		}
		_ = cmd.Wait()
		slot.mu.Lock()
		slot.exited = true
		slot.mu.Unlock()
		close(slot.outputCh)
	})

	p.mu.Lock()
	p.sessions[handle] = append(p.sessions[handle], slot)
	p.slots[slot.address] = slot
	p.mu.Unlock()

	log.Debug(log.CatTransport, "Added process slot", "session", handle, "address", slot.address, "name", spec.Name)
	return slot.address, nil
}

// OutputLines exposes a slot's line channel for heartbeat watchers.
// Returns nil for unknown addresses.
func (p *Process) OutputLines(address string) <-chan string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot, ok := p.slots[address]; ok {
		return slot.outputCh
	}
	return nil
}

// SendText writes text plus a carriage return and a newline to the slot's
// stdin (the dual submit sequence for line-buffered CLIs).
func (p *Process) SendText(ctx context.Context, address, text string) error {
	slot, err := p.slot(address)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.exited {
		return fmt.Errorf("slot %s has exited", address)
	}
	if _, err := io.WriteString(slot.stdin, text+"\r\n"); err != nil {
		return fmt.Errorf("writing to slot %s: %w", address, err)
	}
	return nil
}

// Capture returns the slot's buffered output tail.
func (p *Process) Capture(ctx context.Context, address string) (string, error) {
	slot, err := p.slot(address)
	if err != nil {
		return "", err
	}
	return slot.buffer.Tail(captureTailLines), nil
}

// KillSlot TERMs the slot's process group, waits up to grace, then KILLs.
func (p *Process) KillSlot(ctx context.Context, address string, grace time.Duration) error {
	slot, err := p.slot(address)
	if err != nil {
		return err
	}

	pid := slot.cmd.Process.Pid
	// Negative pid signals the whole process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		slot.mu.Lock()
		exited := slot.exited
		slot.mu.Unlock()
		if exited {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	slot.mu.Lock()
	exited := slot.exited
	slot.mu.Unlock()
	if !exited {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}

	p.mu.Lock()
	delete(p.slots, address)
	live := p.sessions[slot.session][:0]
	for _, s := range p.sessions[slot.session] {
		if s.address != address {
			live = append(live, s)
		}
	}
	p.sessions[slot.session] = live
	p.mu.Unlock()

	log.Debug(log.CatTransport, "Killed process slot", "address", address)
	return nil
}

// ListSlots returns the addresses of slots whose process is still live.
func (p *Process) ListSlots(ctx context.Context, handle string) ([]string, error) {
	p.mu.Lock()
	slots, exists := p.sessions[handle]
	if !exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("session %s not found", handle)
	}
	copied := make([]*processSlot, len(slots))
	copy(copied, slots)
	p.mu.Unlock()

	var addrs []string
	for _, slot := range copied {
		slot.mu.Lock()
		exited := slot.exited
		slot.mu.Unlock()
		if !exited {
			addrs = append(addrs, slot.address)
		}
	}
	return addrs, nil
}

// DestroySession kills every remaining slot and forgets the session.
func (p *Process) DestroySession(ctx context.Context, handle string) error {
	p.mu.Lock()
	slots, exists := p.sessions[handle]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("session %s not found", handle)
	}
	copied := make([]*processSlot, len(slots))
	copy(copied, slots)
	p.mu.Unlock()

	for _, slot := range copied {
		_ = p.KillSlot(ctx, slot.address, 2*time.Second)
	}

	p.mu.Lock()
	delete(p.sessions, handle)
	p.mu.Unlock()

	log.Debug(log.CatTransport, "Destroyed process session", "session", handle)
	return nil
}

func (p *Process) slot(address string) (*processSlot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[address]
	if !ok {
		return nil, fmt.Errorf("slot %s not found", address)
	}
	return slot, nil
}

// SlotOSPID implements PIDReporter; process addresses carry the pid.
func (p *Process) SlotOSPID(ctx context.Context, address string) (int, bool) {
	return SlotPID(address)
}

// SlotPID parses the pid out of a process-transport address.
func SlotPID(address string) (int, bool) {
	rest, ok := strings.CutPrefix(address, "pid:")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return pid, true
}
