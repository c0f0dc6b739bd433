// Package daemon manages pre-warmed helper processes that launch and
// interrupt Python kernels. A helper daemon owns at most one kernel; it
// exposes start/interrupt/kill over a JSON-RPC protocol on its stdio, which
// is the only interrupt path that works uniformly on Windows.
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/protocol"
)

// ErrUnsupported is returned when no daemon can serve the request: the
// kernel is not Python, or the platform has no daemon support. Callers fall
// back to direct subprocess launch with OS-level interrupt.
var ErrUnsupported = errors.New("kernel daemon not supported for this kernel")

// helperModule is the Python module the daemon runs as.
const helperModule = "kernelbridge_helpers.kernel_launcher_daemon"

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      uint64         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      *uint64        `json:"id"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *rpcError      `json:"error,omitempty"`
	// Notifications from the daemon relaying kernel output.
	Method string         `json:"method,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Daemon is one helper process bound to one interpreter, able to start and
// signal a single kernel.
type Daemon struct {
	interpreter string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	logger      *logging.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *rpcResponse
	closed  bool

	stderrMu sync.Mutex
	stderr   bytes.Buffer

	done   chan struct{}
	exited chan struct{}
}

// Start spawns a helper daemon under the given interpreter.
func Start(ctx context.Context, interpreter string, logger *logging.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	cmd := exec.CommandContext(ctx, interpreter, "-m", helperModule)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open daemon stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open daemon stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open daemon stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start kernel daemon under %s: %w", interpreter, err)
	}

	d := &Daemon{
		interpreter: interpreter,
		cmd:         cmd,
		stdin:       stdin,
		logger:      logger.Named("daemon"),
		pending:     make(map[uint64]chan *rpcResponse),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
	}

	go d.readLoop(stdout)
	go d.captureStderr(stderr)
	go func() {
		_ = cmd.Wait()
		close(d.exited)
	}()

	return d, nil
}

// Interpreter returns the interpreter this daemon runs under.
func (d *Daemon) Interpreter() string {
	return d.interpreter
}

// StartKernel asks the daemon to exec the kernel module with the given args
// and environment in a background thread of the helper.
func (d *Daemon) StartKernel(ctx context.Context, module string, args []string, cwd string, env map[string]string) error {
	params := map[string]any{
		"module_name": module,
		"args":        args,
	}
	if cwd != "" {
		params["cwd"] = cwd
	}
	if env != nil {
		params["env"] = env
	}
	_, err := d.call(ctx, "exec_module", params)
	return err
}

// Interrupt signals the daemon's kernel. The helper picks the right
// mechanism per platform (SIGINT on POSIX, the interrupt event on Windows).
func (d *Daemon) Interrupt(ctx context.Context) error {
	_, err := d.call(ctx, "interrupt_kernel", nil)
	return err
}

// KillKernel terminates the daemon's kernel (SIGKILL or TerminateProcess).
func (d *Daemon) KillKernel(ctx context.Context) error {
	_, err := d.call(ctx, "kill_kernel", nil)
	return err
}

// Prewarm starts a generic kernel process the daemon can later specialize.
func (d *Daemon) Prewarm(ctx context.Context) error {
	_, err := d.call(ctx, "prewarm_kernel", nil)
	return err
}

// StartPrewarmed specializes a pre-warmed kernel with the real launch args.
func (d *Daemon) StartPrewarmed(ctx context.Context, args []string) error {
	_, err := d.call(ctx, "start_prewarmed_kernel", map[string]any{"args": args})
	return err
}

// Stderr returns everything the daemon and its kernel wrote to stderr.
func (d *Daemon) Stderr() string {
	d.stderrMu.Lock()
	defer d.stderrMu.Unlock()
	return d.stderr.String()
}

// Exited closes when the daemon process dies.
func (d *Daemon) Exited() <-chan struct{} {
	return d.exited
}

// Close kills the daemon process, taking its kernel with it. Idempotent,
// best-effort.
func (d *Daemon) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	_ = d.stdin.Close()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
}

func (d *Daemon) call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	id := d.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	data, err := protocol.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	replyCh := make(chan *rpcResponse, 1)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("daemon closed")
	}
	d.pending[id] = replyCh
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	if _, err := d.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("daemon %s request failed: %w", method, err)
	}

	select {
	case resp := <-replyCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("daemon %s failed: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-d.done:
		return nil, fmt.Errorf("daemon closed while awaiting %s reply", method)
	case <-d.exited:
		return nil, fmt.Errorf("daemon died while awaiting %s reply: %s", method, d.Stderr())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Daemon) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var resp rpcResponse
		if err := protocol.Unmarshal(line, &resp); err != nil {
			d.logger.Debug("Ignoring non-JSON daemon output", zap.ByteString("line", line))
			continue
		}

		if resp.ID == nil {
			// Notification: kernel output relayed by the helper.
			d.handleNotification(&resp)
			continue
		}

		d.mu.Lock()
		ch, ok := d.pending[*resp.ID]
		d.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (d *Daemon) handleNotification(resp *rpcResponse) {
	if resp.Method != "output" {
		return
	}
	category, _ := resp.Params["category"].(string)
	text, _ := resp.Params["out"].(string)
	if category == "stderr" {
		d.stderrMu.Lock()
		d.stderr.WriteString(text)
		d.stderrMu.Unlock()
	}
	d.logger.Debug("Kernel output via daemon",
		zap.String("category", category),
		zap.Int("bytes", len(text)))
}

func (d *Daemon) captureStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		d.stderrMu.Lock()
		d.stderr.WriteString(scanner.Text())
		d.stderr.WriteByte('\n')
		d.stderrMu.Unlock()
	}
}
