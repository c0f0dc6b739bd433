package daemon

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
	"sync/atomic"
)

// interruptModule is the single-purpose Windows helper wrapping a named
// event object. POSIX platforms never start it; SIGINT works there.
const interruptModule = "kernelbridge_helpers.kernel_interrupt_daemon"

// Interrupter hands out named-event interrupt handles for Windows kernel
// processes and fires them on request. The line protocol matches the helper
// script: INITIALIZE_INTERRUPT:<id>, INTERRUPT:<id>:<handle>,
// KILL_INTERRUPT:<id>:<handle>.
type Interrupter struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan string
	closed  bool
	done    chan struct{}
}

// StartInterrupter spawns the interrupt helper under the given interpreter.
func StartInterrupter(ctx context.Context, interpreter string) (*Interrupter, error) {
	cmd := exec.CommandContext(ctx, interpreter, "-m", interruptModule,
		"--ppid", strconv.Itoa(os.Getpid()))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open interrupter stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open interrupter stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start interrupt daemon: %w", err)
	}

	i := &Interrupter{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan string),
		done:    make(chan struct{}),
	}
	go i.readLoop(stdout)
	return i, nil
}

// InitializeInterrupt creates a named interrupt event and returns its handle.
// The handle is passed to the kernel process via its environment and cached
// by the caller for the process lifetime.
func (i *Interrupter) InitializeInterrupt(ctx context.Context) (uint64, error) {
	reply, err := i.send(ctx, "INITIALIZE_INTERRUPT", "")
	if err != nil {
		return 0, err
	}
	handle, err := strconv.ParseUint(reply, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interrupt handle %q: %w", reply, err)
	}
	return handle, nil
}

// Interrupt fires the named event for the given handle.
func (i *Interrupter) Interrupt(ctx context.Context, handle uint64) error {
	_, err := i.send(ctx, "INTERRUPT", strconv.FormatUint(handle, 10))
	return err
}

// ReleaseHandle closes the named event for the given handle.
func (i *Interrupter) ReleaseHandle(ctx context.Context, handle uint64) error {
	_, err := i.send(ctx, "KILL_INTERRUPT", strconv.FormatUint(handle, 10))
	return err
}

// Close tears down the helper. Idempotent, best-effort.
func (i *Interrupter) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.mu.Unlock()

	close(i.done)
	_ = i.stdin.Close()
	if i.cmd.Process != nil {
		_ = i.cmd.Process.Kill()
	}
}

func (i *Interrupter) send(ctx context.Context, verb, arg string) (string, error) {
	id := i.nextID.Add(1)

	line := fmt.Sprintf("%s:%d", verb, id)
	if arg != "" {
		line += ":" + arg
	}
	line += "\n"

	replyCh := make(chan string, 1)
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return "", fmt.Errorf("interrupt daemon closed")
	}
	i.pending[id] = replyCh
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.pending, id)
		i.mu.Unlock()
	}()

	if _, err := io.WriteString(i.stdin, line); err != nil {
		return "", fmt.Errorf("interrupt daemon %s failed: %w", verb, err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-i.done:
		return "", fmt.Errorf("interrupt daemon closed while awaiting %s", verb)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// readLoop parses "<VERB>:<id>[:<payload>]" reply lines and routes them by id.
func (i *Interrupter) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), ":", 3)
		if len(parts) < 2 {
			continue
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		payload := ""
		if len(parts) == 3 {
			payload = parts[2]
		}

		i.mu.Lock()
		ch, ok := i.pending[id]
		i.mu.Unlock()
		if ok {
			ch <- payload
		}
	}
}
