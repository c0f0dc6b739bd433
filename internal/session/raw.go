package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/connection"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/monitoring"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
	"github.com/nbkernel/kernelbridge/internal/process"
	"github.com/nbkernel/kernelbridge/internal/protocol"
)

// transport is the slice of protocol.Channels a raw session drives.
type transport interface {
	Dial(ctx context.Context) error
	Session() string
	IOPub() <-chan *protocol.Message
	StdinRequests() <-chan *protocol.Message
	RequestShell(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
	RequestControl(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
	SendStdinReply(parent *protocol.Message, value string) error
	Close()
}

// LaunchFunc brings up one kernel process for this session. Called again on
// every restart.
type LaunchFunc func(ctx context.Context) (*process.KernelProcess, error)

// StdinHandler answers an input_request from the kernel.
type StdinHandler func(ctx context.Context, prompt string, password bool) (string, error)

// RawConfig configures a locally launched session.
type RawConfig struct {
	Meta          kernelspec.ConnectionMetadata
	SessionType   Type
	Launch        LaunchFunc
	LaunchTimeout time.Duration
	// StandbyRestarts pre-warms a spare kernel after every start so a
	// restart swaps instead of relaunching.
	StandbyRestarts bool
	Stdin           StdinHandler
	Logger          *logging.Logger
	Metrics         *monitoring.Metrics
}

// standbyKernel is a pre-warmed process with live channels, ready to swap in
// on restart.
type standbyKernel struct {
	proc *process.KernelProcess
	ch   transport
}

func (s *standbyKernel) dispose() {
	s.ch.Close()
	s.proc.Dispose()
}

// Raw is a session over a locally launched kernel subprocess.
type Raw struct {
	id     string
	cfg    RawConfig
	logger *logging.Logger

	st    notifier
	iopub *broadcaster

	// newTransport builds channels for a launched process.
	newTransport func(info *connection.Info) transport

	mu       sync.Mutex
	meta     kernelspec.ConnectionMetadata
	launch   LaunchFunc
	proc     *process.KernelProcess
	ch       transport
	standby  *standbyKernel
	gen      int
	disposed bool
}

// NewRaw builds an unstarted raw session.
func NewRaw(cfg RawConfig) *Raw {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.SessionType == "" {
		cfg.SessionType = TypeNotebook
	}
	r := &Raw{
		id:     uuid.NewString(),
		cfg:    cfg,
		logger: cfg.Logger.Named("raw-session"),
		iopub:  newBroadcaster(),
		meta:   cfg.Meta,
		launch: cfg.Launch,
	}
	r.newTransport = func(info *connection.Info) transport {
		return protocol.NewChannels(info, cfg.Logger)
	}
	return r
}

func (r *Raw) ID() string                      { return r.id }
func (r *Raw) SessionType() Type               { return r.cfg.SessionType }
func (r *Raw) Status() Status                  { return r.st.get() }
func (r *Raw) OnStatus(fn func(Status)) func() { return r.st.watch(fn) }

// Metadata returns the kernel this session currently runs; ChangeKernel
// swaps it.
func (r *Raw) Metadata() kernelspec.ConnectionMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// Subscribe returns iopub messages from the live kernel, surviving
// restarts.
func (r *Raw) Subscribe(buffer int) (<-chan *protocol.Message, func()) {
	return r.iopub.subscribe(buffer)
}

// Start launches the kernel, connects channels and waits for the first
// kernel_info reply. Pre-warms a standby when configured.
func (r *Raw) Start(ctx context.Context) error {
	if r.st.get() != StatusNotStarted {
		return fmt.Errorf("session %s already started", r.id)
	}
	r.st.set(StatusStarting)

	proc, ch, err := r.bringUp(ctx)
	if err != nil {
		r.st.set(StatusDead)
		return err
	}
	r.attach(proc, ch)
	r.st.set(StatusIdle)

	if r.cfg.StandbyRestarts {
		go r.prewarmStandby(context.Background())
	}
	return nil
}

// bringUp launches one kernel process and dials its channels, tearing both
// down on any failure.
func (r *Raw) bringUp(ctx context.Context) (*process.KernelProcess, transport, error) {
	r.mu.Lock()
	launch := r.launch
	r.mu.Unlock()
	if launch == nil {
		return nil, nil, fmt.Errorf("session %s has no launcher", r.id)
	}

	proc, err := launch(ctx)
	if err != nil {
		return nil, nil, err
	}

	ch := r.newTransport(proc.Connection())
	if err := ch.Dial(ctx); err != nil {
		proc.Dispose()
		return nil, nil, fmt.Errorf("failed to connect kernel channels: %w", err)
	}

	if err := r.waitKernelInfo(ctx, ch, r.cfg.LaunchTimeout); err != nil {
		ch.Close()
		proc.Dispose()
		return nil, nil, err
	}
	return proc, ch, nil
}

// waitKernelInfo polls kernel_info until the kernel answers; a launched
// process may take a while to start servicing shell.
func (r *Raw) waitKernelInfo(ctx context.Context, ch transport, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		attemptCtx, attemptCancel := context.WithTimeout(ctx, time.Second)
		msg := protocol.NewMessage(ch.Session(), protocol.MsgTypeKernelInfoReq, nil)
		_, err := ch.RequestShell(attemptCtx, msg)
		attemptCancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kernel never answered kernel_info: %w", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// attach adopts a process and its channels as the session's live kernel and
// starts the pumps. The generation counter keeps goroutines from a previous
// kernel from touching the new one.
func (r *Raw) attach(proc *process.KernelProcess, ch transport) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.proc = proc
	r.ch = ch
	r.mu.Unlock()

	go r.pumpIOPub(ch, gen)
	go r.pumpStdin(ch, gen)
	go r.watchDeath(proc, gen)
}

// current returns the live kernel, or an error when there is none.
func (r *Raw) current() (*process.KernelProcess, transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.st.get() {
	case StatusNotStarted:
		return nil, nil, ErrNotStarted
	case StatusDead:
		return nil, nil, ErrSessionDead
	}
	if r.ch == nil {
		return nil, nil, ErrNotStarted
	}
	return r.proc, r.ch, nil
}

func (r *Raw) pumpIOPub(ch transport, gen int) {
	for msg := range ch.IOPub() {
		if !r.liveGen(gen) {
			return
		}
		switch msg.KernelStatus() {
		case "busy":
			r.setIfRunning(StatusBusy)
		case "idle":
			r.setIfRunning(StatusIdle)
		}
		r.iopub.publish(msg)
	}
}

func (r *Raw) pumpStdin(ch transport, gen int) {
	for msg := range ch.StdinRequests() {
		if !r.liveGen(gen) {
			return
		}
		value := ""
		if r.cfg.Stdin != nil {
			prompt, _ := msg.Content["prompt"].(string)
			password, _ := msg.Content["password"].(bool)
			if v, err := r.cfg.Stdin(context.Background(), prompt, password); err == nil {
				value = v
			}
		}
		if err := ch.SendStdinReply(msg, value); err != nil {
			r.logger.Warn("Failed to answer input_request", zap.Error(err))
		}
	}
}

func (r *Raw) watchDeath(proc *process.KernelProcess, gen int) {
	<-proc.Done()
	r.mu.Lock()
	stale := r.gen != gen || r.disposed
	r.mu.Unlock()
	if stale {
		return
	}
	status := r.st.get()
	if status == StatusRestarting || status == StatusDead {
		return
	}

	exit := proc.ExitEvent()
	r.logger.Warn("Kernel died",
		zap.String("session", r.id),
		zap.Int("exit_code", exit.Code),
		zap.String("reason", exit.Reason))
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.KernelDeaths.Inc()
	}
	r.st.set(StatusDead)
}

func (r *Raw) liveGen(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen && !r.disposed
}

// setIfRunning applies busy/idle transitions only while the session is in a
// running state, so restarts and deaths are not overwritten by late status
// messages.
func (r *Raw) setIfRunning(s Status) {
	switch r.st.get() {
	case StatusIdle, StatusBusy:
		r.st.set(s)
	}
}

// Execute submits code on the shell channel and streams child iopub
// messages through the returned execution.
func (r *Raw) Execute(ctx context.Context, code string) (*Execution, error) {
	_, ch, err := r.current()
	if err != nil {
		return nil, err
	}

	msg := protocol.NewExecuteRequest(ch.Session(), code, false)
	sub, cancelSub := r.iopub.subscribe(128)
	out := make(chan *protocol.Message, 128)
	exec := newExecution(msg, out)

	replyCh := make(chan struct{})
	go func() {
		reply, err := ch.RequestShell(ctx, msg)
		exec.finish(reply, err)
		close(replyCh)
	}()

	go forwardOutputs(sub, cancelSub, out, msg, replyCh)

	return exec, nil
}

// Interrupt stops the running cell, over the control channel when the spec
// asks for message-mode interrupts, otherwise by signalling the process.
func (r *Raw) Interrupt(ctx context.Context) error {
	proc, ch, err := r.current()
	if err != nil {
		return err
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.KernelInterrupts.Inc()
	}

	meta := r.Metadata()
	if meta.Spec != nil && meta.Spec.InterruptMode == kernelspec.InterruptModeMessage {
		msg := protocol.NewMessage(ch.Session(), protocol.MsgTypeInterruptRequest, nil)
		_, err := ch.RequestControl(ctx, msg)
		return err
	}
	return proc.Interrupt(ctx)
}

// Restart replaces the kernel process behind this session. A pre-warmed
// standby is swapped in when available; otherwise a fresh kernel is
// launched. Subscribers keep their iopub channels across the swap.
func (r *Raw) Restart(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrSessionDead
	}
	oldProc, oldCh := r.proc, r.ch
	standby := r.standby
	r.standby = nil
	r.mu.Unlock()

	if oldCh == nil {
		return ErrNotStarted
	}
	r.st.set(StatusRestarting)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.KernelRestarts.Inc()
	}

	// The replacement comes up before the old kernel goes down, so callers
	// never observe a window with no kernel behind the session.
	if standby != nil {
		r.attach(standby.proc, standby.ch)
		r.st.set(StatusIdle)
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.StandbyPromoted.Inc()
		}
		r.logger.Info("Restart served from standby", zap.String("session", r.id))
		go r.retire(oldProc, oldCh)
		if r.cfg.StandbyRestarts {
			go r.prewarmStandby(context.Background())
		}
		return nil
	}

	proc, ch, err := r.bringUp(ctx)
	if err != nil {
		go r.retire(oldProc, oldCh)
		r.st.set(StatusDead)
		return fmt.Errorf("restart failed: %w", err)
	}
	r.attach(proc, ch)
	r.st.set(StatusIdle)
	go r.retire(oldProc, oldCh)

	if r.cfg.StandbyRestarts {
		go r.prewarmStandby(context.Background())
	}
	return nil
}

// retire shuts one kernel down politely, then by force.
func (r *Raw) retire(proc *process.KernelProcess, ch transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := protocol.NewMessage(ch.Session(), protocol.MsgTypeShutdownRequest, map[string]any{"restart": false})
	_, _ = ch.RequestControl(ctx, msg)
	ch.Close()
	if proc != nil {
		proc.Dispose()
	}
}

// prewarmStandby launches a spare kernel for the next restart. Failures are
// logged and the next restart falls back to a cold launch.
func (r *Raw) prewarmStandby(ctx context.Context) {
	proc, ch, err := r.bringUp(ctx)
	if err != nil {
		r.logger.Warn("Standby pre-warm failed", zap.String("session", r.id), zap.Error(err))
		return
	}

	r.mu.Lock()
	if r.disposed || r.standby != nil {
		r.mu.Unlock()
		(&standbyKernel{proc: proc, ch: ch}).dispose()
		return
	}
	r.standby = &standbyKernel{proc: proc, ch: ch}
	r.mu.Unlock()
	r.logger.Debug("Standby kernel ready", zap.String("session", r.id))
}

// ChangeKernel switches this session to a different kernel. The standby for
// the old kernel is discarded and the session restarts onto the new one.
func (r *Raw) ChangeKernel(ctx context.Context, meta kernelspec.ConnectionMetadata, launch LaunchFunc) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrSessionDead
	}
	if meta.ID == r.meta.ID {
		r.mu.Unlock()
		return nil
	}
	r.meta = meta
	r.launch = launch
	standby := r.standby
	r.standby = nil
	r.mu.Unlock()

	if standby != nil {
		go standby.dispose()
	}
	return r.Restart(ctx)
}

// WaitForIdle blocks until the kernel answers kernel_info. On timeout the
// session is shut down so the caller is never left with a half-alive kernel.
func (r *Raw) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	_, ch, err := r.current()
	if err != nil {
		return err
	}
	if err := r.waitKernelInfo(ctx, ch, timeout); err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.logger.Warn("Kernel never reached idle, shutting session down",
			zap.String("session", r.id), zap.Duration("timeout", timeout))
		r.Shutdown(context.Background())
		return ErrIdleTimeout
	}
	return nil
}

// Shutdown stops the kernel when policy allows and marks the session dead.
// The standby kernel, being invisible to users, is always killed.
func (r *Raw) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	proc, ch := r.proc, r.ch
	standby := r.standby
	r.standby = nil
	meta := r.meta
	r.mu.Unlock()

	// Current goes down first, standby after, so no status event can fire
	// against an already-dismantled session.
	if ch != nil {
		if CanShutdownKernel(meta, r.cfg.SessionType, false) {
			msg := protocol.NewMessage(ch.Session(), protocol.MsgTypeShutdownRequest, map[string]any{"restart": false})
			shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, _ = ch.RequestControl(shutdownCtx, msg)
			cancel()
		}
		ch.Close()
	}
	if proc != nil {
		proc.Dispose()
	}
	if standby != nil {
		standby.dispose()
	}

	r.st.set(StatusDead)
	r.iopub.close()
	return nil
}

// Dispose tears everything down without protocol-level shutdown.
func (r *Raw) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	proc, ch := r.proc, r.ch
	standby := r.standby
	r.standby = nil
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if proc != nil {
		proc.Dispose()
	}
	if standby != nil {
		standby.dispose()
	}
	r.st.set(StatusDead)
	r.iopub.close()
}
