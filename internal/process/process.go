// Package process owns one kernel OS subprocess: argv rewriting, spawn
// (direct or daemon-mediated), channel readiness, interrupt and teardown.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/connection"
	"github.com/nbkernel/kernelbridge/internal/daemon"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
)

// State tracks the process lifecycle. Transitions are one-way:
// Created -> Launching -> Running -> Terminated.
type State int

const (
	StateCreated State = iota
	StateLaunching
	StateRunning
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ExitEvent reports why the kernel process ended. Expected termination is
// data, not an error.
type ExitEvent struct {
	Code   int
	Reason string
}

// ErrAlreadyLaunched is returned when Launch is called twice; a process is
// single-use and a relaunch after dispose is a caller bug.
var ErrAlreadyLaunched = errors.New("kernel process already launched")

// TimeoutError means the kernel's shell and iopub ports never became
// connectable within the launch timeout.
type TimeoutError struct {
	Timeout time.Duration
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("kernel did not open its channels within %s: %s", e.Timeout, e.Stderr)
}

// ExitedError means the kernel process died before becoming ready.
type ExitedError struct {
	Code   int
	Stderr string
}

func (e *ExitedError) Error() string {
	return fmt.Sprintf("kernel process exited with code %d before ready: %s", e.Code, e.Stderr)
}

// readinessProbeInterval paces the port-connectability polls during launch.
const readinessProbeInterval = 100 * time.Millisecond

// KernelProcess wraps one launched kernel subprocess and its connection.
type KernelProcess struct {
	meta   kernelspec.ConnectionMetadata
	info   *connection.Info
	env    map[string]string
	pool   *daemon.Pool
	logger *logging.Logger

	mu              sync.Mutex
	state           State
	disposed        bool
	cmd             *exec.Cmd
	helper          *daemon.Daemon
	connectionFile  string
	interrupter     *daemon.Interrupter
	interruptHandle uint64

	stderrMu sync.Mutex
	stderr   bytes.Buffer

	exitOnce sync.Once
	exit     ExitEvent
	done     chan struct{}
}

// New creates an unlaunched kernel process. pool may be nil to force direct
// subprocess launches.
func New(meta kernelspec.ConnectionMetadata, info *connection.Info, env map[string]string, pool *daemon.Pool, logger *logging.Logger) *KernelProcess {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &KernelProcess{
		meta:   meta,
		info:   info,
		env:    env,
		pool:   pool,
		logger: logger.Named("kernel-process"),
		state:  StateCreated,
		done:   make(chan struct{}),
	}
}

// Connection returns the connection parameters this process was launched
// with.
func (p *KernelProcess) Connection() *connection.Info {
	return p.info
}

// Metadata returns the connection metadata.
func (p *KernelProcess) Metadata() kernelspec.ConnectionMetadata {
	return p.meta
}

// State returns the current lifecycle state.
func (p *KernelProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done closes when the process has exited or been disposed. ExitEvent is
// valid afterwards.
func (p *KernelProcess) Done() <-chan struct{} {
	return p.done
}

// ExitEvent returns how the process ended. Only meaningful once Done is
// closed.
func (p *KernelProcess) ExitEvent() ExitEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Stderr returns captured stderr output, used to build actionable launch
// errors.
func (p *KernelProcess) Stderr() string {
	p.stderrMu.Lock()
	out := p.stderr.String()
	p.stderrMu.Unlock()

	p.mu.Lock()
	helper := p.helper
	p.mu.Unlock()
	if helper != nil {
		out += helper.Stderr()
	}
	return out
}

// Launch rewrites the kernelspec argv, spawns the subprocess and waits for
// the shell and iopub ports to accept connections. Single-use: a second call
// returns ErrAlreadyLaunched. On any failure the process is fully disposed
// before the error is returned.
func (p *KernelProcess) Launch(ctx context.Context, workingDir string, timeout time.Duration) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return ErrAlreadyLaunched
	}
	p.state = StateLaunching
	p.mu.Unlock()

	argv, connFile, err := connection.RewriteArgv(p.meta, p.info)
	if err != nil {
		p.disposeWith(ExitEvent{Code: -1, Reason: "launch failed"})
		return err
	}
	p.mu.Lock()
	p.connectionFile = connFile
	p.mu.Unlock()

	if err := p.spawn(ctx, argv, workingDir); err != nil {
		p.disposeWith(ExitEvent{Code: -1, Reason: "spawn failed"})
		return err
	}

	if err := p.waitReady(ctx, timeout); err != nil {
		p.disposeWith(ExitEvent{Code: -1, Reason: "never became ready"})
		return err
	}

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()

	p.logger.Info("Kernel process ready",
		zap.String("kernel", p.meta.ID),
		zap.Int("shell_port", p.info.ShellPort))
	return nil
}

// spawn starts the subprocess, preferring a pooled daemon for Python-family
// kernels and falling back to direct exec.
func (p *KernelProcess) spawn(ctx context.Context, argv []string, workingDir string) error {
	if p.pool != nil {
		helper, err := p.pool.Get(ctx, p.meta)
		switch {
		case err == nil:
			module, args, ok := splitModuleInvocation(argv)
			if ok {
				p.mu.Lock()
				p.helper = helper
				p.mu.Unlock()
				if err := helper.StartKernel(ctx, module, args, workingDir, p.env); err != nil {
					return err
				}
				go p.watchHelper(helper)
				return nil
			}
			// Argv is not a -m invocation; the daemon cannot exec it.
			helper.Close()
		case errors.Is(err, daemon.ErrUnsupported):
			// Fall through to direct launch.
		default:
			p.logger.Warn("Daemon launch unavailable, falling back to exec", zap.Error(err))
		}
	}
	return p.execDirect(ctx, argv, workingDir)
}

func (p *KernelProcess) execDirect(ctx context.Context, argv []string, workingDir string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workingDir
	if p.env != nil {
		cmd.Env = make([]string, 0, len(p.env))
		for k, v := range p.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to capture kernel stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start kernel %q: %w", argv[0], err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	go p.captureStderr(stderr)
	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr := new(exec.ExitError); errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		p.fireExit(ExitEvent{Code: code, Reason: "process exited"})
	}()
	return nil
}

func (p *KernelProcess) watchHelper(helper *daemon.Daemon) {
	<-helper.Exited()
	p.fireExit(ExitEvent{Code: -1, Reason: "kernel daemon exited"})
}

// waitReady races channel readiness against process death, bounded by the
// timeout and the caller's cancellation.
func (p *KernelProcess) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readinessProbeInterval)
	defer ticker.Stop()

	for {
		if portsConnectable(p.info.IP, p.info.ShellPort, p.info.IOPubPort) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			exit := p.ExitEvent()
			return &ExitedError{Code: exit.Code, Stderr: p.Stderr()}
		case <-deadline.C:
			return &TimeoutError{Timeout: timeout, Stderr: p.Stderr()}
		case <-ticker.C:
		}
	}
}

// Interrupt signals the kernel. For kernelspecs declaring
// interrupt_mode=message this is a no-op: the session layer must send an
// interrupt_request over the control channel instead.
func (p *KernelProcess) Interrupt(ctx context.Context) error {
	if p.meta.Spec != nil && p.meta.Spec.InterruptMode == kernelspec.InterruptModeMessage {
		return nil
	}

	p.mu.Lock()
	helper := p.helper
	cmd := p.cmd
	p.mu.Unlock()

	if helper != nil {
		return helper.Interrupt(ctx)
	}

	if runtime.GOOS == "windows" {
		return p.interruptViaDaemon(ctx)
	}

	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("kernel process not running")
	}
	return cmd.Process.Signal(os.Interrupt)
}

// interruptViaDaemon uses the named-event helper: POSIX signals do not
// reliably reach Windows console subprocesses. The helper is created lazily
// on first interrupt and cached for the process lifetime.
func (p *KernelProcess) interruptViaDaemon(ctx context.Context) error {
	p.mu.Lock()
	interrupter := p.interrupter
	handle := p.interruptHandle
	p.mu.Unlock()

	if interrupter == nil {
		if p.meta.Interpreter == nil {
			return fmt.Errorf("no interpreter available for interrupt daemon")
		}
		var err error
		interrupter, err = daemon.StartInterrupter(ctx, p.meta.Interpreter.Path)
		if err != nil {
			return fmt.Errorf("failed to start interrupt daemon: %w", err)
		}
		handle, err = interrupter.InitializeInterrupt(ctx)
		if err != nil {
			interrupter.Close()
			return fmt.Errorf("failed to initialize interrupt handle: %w", err)
		}
		p.mu.Lock()
		p.interrupter = interrupter
		p.interruptHandle = handle
		p.mu.Unlock()
	}

	return interrupter.Interrupt(ctx, handle)
}

// Dispose tears the process down: kill subprocess, fire the exit event
// exactly once, remove the temp connection file, close helpers. Idempotent
// and best-effort; teardown failures are swallowed because nothing can be
// done about them.
func (p *KernelProcess) Dispose() {
	p.disposeWith(ExitEvent{Code: 0, Reason: "disposed"})
}

func (p *KernelProcess) disposeWith(event ExitEvent) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.state = StateTerminated
	cmd := p.cmd
	helper := p.helper
	interrupter := p.interrupter
	connFile := p.connectionFile
	p.connectionFile = ""
	p.mu.Unlock()

	if helper != nil {
		killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = helper.KillKernel(killCtx)
		cancel()
		helper.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if interrupter != nil {
		interrupter.Close()
	}
	if connFile != "" {
		_ = os.Remove(connFile)
	}

	p.fireExit(event)
}

// fireExit records the exit event and closes done exactly once, even when a
// wire-level death notification races an explicit Dispose.
func (p *KernelProcess) fireExit(event ExitEvent) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exit = event
		p.state = StateTerminated
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *KernelProcess) captureStderr(r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.stderrMu.Lock()
			p.stderr.Write(buf[:n])
			p.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// portsConnectable dials both readiness ports; the kernel binds shell and
// iopub last, so both accepting means the channels are live.
func portsConnectable(ip string, ports ...int) bool {
	for _, port := range ports {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, strconv.Itoa(port)), 50*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
	}
	return true
}

// splitModuleInvocation extracts the module and trailing args from a
// `python -m module args...` command line.
func splitModuleInvocation(argv []string) (module string, args []string, ok bool) {
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == "-m" {
			return argv[i+1], argv[i+2:], true
		}
	}
	return "", nil, false
}
