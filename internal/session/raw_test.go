package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbkernel/kernelbridge/internal/connection"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
	"github.com/nbkernel/kernelbridge/internal/ports"
	"github.com/nbkernel/kernelbridge/internal/process"
	"github.com/nbkernel/kernelbridge/internal/protocol"
)

// fakeTransport scripts the kernel side of the channels.
type fakeTransport struct {
	session string
	iopub   chan *protocol.Message
	stdin   chan *protocol.Message

	mu          sync.Mutex
	shellFn     func(*protocol.Message) (*protocol.Message, error)
	controlMsgs []*protocol.Message
	stdinValues []string
	closed      bool
	onClose     func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		session: "test-session",
		iopub:   make(chan *protocol.Message, 64),
		stdin:   make(chan *protocol.Message, 4),
	}
}

func (f *fakeTransport) Dial(ctx context.Context) error          { return nil }
func (f *fakeTransport) Session() string                         { return f.session }
func (f *fakeTransport) IOPub() <-chan *protocol.Message         { return f.iopub }
func (f *fakeTransport) StdinRequests() <-chan *protocol.Message { return f.stdin }

func (f *fakeTransport) RequestShell(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	f.mu.Lock()
	fn := f.shellFn
	f.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	reply := protocol.NewMessage(f.session, protocol.MsgTypeKernelInfoReply, nil)
	reply.ParentHeader = msg.Header
	return reply, nil
}

func (f *fakeTransport) RequestControl(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	f.mu.Lock()
	f.controlMsgs = append(f.controlMsgs, msg)
	f.mu.Unlock()
	reply := protocol.NewMessage(f.session, protocol.MsgTypeShutdownReply, nil)
	reply.ParentHeader = msg.Header
	return reply, nil
}

func (f *fakeTransport) SendStdinReply(parent *protocol.Message, value string) error {
	f.mu.Lock()
	f.stdinValues = append(f.stdinValues, value)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	fn := f.onClose
	f.closed = true
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeTransport) setOnClose(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

func (f *fakeTransport) controlTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.controlMsgs))
	for _, m := range f.controlMsgs {
		out = append(out, m.Header.MsgType)
	}
	return out
}

// emitChild publishes an iopub message parented to request.
func (f *fakeTransport) emitChild(request *protocol.Message, msgType string, content map[string]any) {
	msg := protocol.NewMessage(f.session, msgType, content)
	msg.ParentHeader = request.Header
	f.iopub <- msg
}

// rawHarness wires a Raw session to fake transports and throwaway
// processes.
type rawHarness struct {
	raw        *Raw
	launches   atomic.Int32
	mu         sync.Mutex
	transports []*fakeTransport
	procs      []*process.KernelProcess
}

func testMeta() kernelspec.ConnectionMetadata {
	return kernelspec.NewLocalSpec(&kernelspec.Spec{
		Name:     "python3",
		Language: "python",
		Argv:     []string{"python", "-m", "ipykernel_launcher", "-f", kernelspec.ConnectionFilePlaceholder},
	}, nil)
}

func newRawHarness(t *testing.T, cfg RawConfig) *rawHarness {
	t.Helper()
	h := &rawHarness{}

	if cfg.Meta.ID == "" {
		cfg.Meta = testMeta()
	}
	cfg.Launch = func(ctx context.Context) (*process.KernelProcess, error) {
		h.launches.Add(1)
		info := connection.New(ports.Block{1, 2, 3, 4, 5}, "python3")
		proc := process.New(cfg.Meta, info, nil, nil, nil)
		h.mu.Lock()
		h.procs = append(h.procs, proc)
		h.mu.Unlock()
		return proc, nil
	}
	cfg.LaunchTimeout = 5 * time.Second

	h.raw = NewRaw(cfg)
	h.raw.newTransport = func(info *connection.Info) transport {
		ft := newFakeTransport()
		h.mu.Lock()
		h.transports = append(h.transports, ft)
		h.mu.Unlock()
		return ft
	}
	t.Cleanup(h.raw.Dispose)
	return h
}

func (h *rawHarness) transport(i int) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[i]
}

func (h *rawHarness) proc(i int) *process.KernelProcess {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[i]
}

func TestRawStart(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	var transitions []Status
	var tmu sync.Mutex
	h.raw.OnStatus(func(s Status) {
		tmu.Lock()
		transitions = append(transitions, s)
		tmu.Unlock()
	})

	require.Equal(t, StatusNotStarted, h.raw.Status())
	require.NoError(t, h.raw.Start(context.Background()))
	assert.Equal(t, StatusIdle, h.raw.Status())
	assert.Equal(t, int32(1), h.launches.Load())

	tmu.Lock()
	assert.Equal(t, []Status{StatusStarting, StatusIdle}, transitions)
	tmu.Unlock()

	require.Error(t, h.raw.Start(context.Background()), "second start must fail")
}

func TestRawExecute(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	require.NoError(t, h.raw.Start(context.Background()))
	ft := h.transport(0)

	ft.mu.Lock()
	ft.shellFn = func(msg *protocol.Message) (*protocol.Message, error) {
		if msg.Header.MsgType != protocol.MsgTypeExecuteRequest {
			reply := protocol.NewMessage(ft.session, protocol.MsgTypeKernelInfoReply, nil)
			reply.ParentHeader = msg.Header
			return reply, nil
		}
		ft.emitChild(msg, protocol.MsgTypeStatus, map[string]any{"execution_state": "busy"})
		ft.emitChild(msg, protocol.MsgTypeStream, map[string]any{"name": "stdout", "text": "hi\n"})
		ft.emitChild(msg, protocol.MsgTypeStatus, map[string]any{"execution_state": "idle"})
		reply := protocol.NewMessage(ft.session, protocol.MsgTypeExecuteReply, map[string]any{"status": "ok"})
		reply.ParentHeader = msg.Header
		return reply, nil
	}
	ft.mu.Unlock()

	exec, err := h.raw.Execute(context.Background(), "print('hi')")
	require.NoError(t, err)

	reply, err := exec.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Content["status"])

	var sawStream bool
	for msg := range exec.Output {
		if msg.Header.MsgType == protocol.MsgTypeStream {
			sawStream = true
			assert.Equal(t, "hi\n", msg.Content["text"])
		}
	}
	assert.True(t, sawStream, "stream output should be forwarded")
}

func TestRawStatusFollowsIOPub(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	require.NoError(t, h.raw.Start(context.Background()))
	ft := h.transport(0)

	ft.iopub <- protocol.NewMessage(ft.session, protocol.MsgTypeStatus, map[string]any{"execution_state": "busy"})
	require.Eventually(t, func() bool { return h.raw.Status() == StatusBusy }, time.Second, 10*time.Millisecond)

	ft.iopub <- protocol.NewMessage(ft.session, protocol.MsgTypeStatus, map[string]any{"execution_state": "idle"})
	require.Eventually(t, func() bool { return h.raw.Status() == StatusIdle }, time.Second, 10*time.Millisecond)
}

func TestRawColdRestart(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	require.NoError(t, h.raw.Start(context.Background()))

	require.NoError(t, h.raw.Restart(context.Background()))
	assert.Equal(t, StatusIdle, h.raw.Status())
	assert.Equal(t, int32(2), h.launches.Load())

	oldProc := h.proc(0)
	require.Eventually(t, func() bool {
		return oldProc.State() == process.StateTerminated
	}, 3*time.Second, 20*time.Millisecond, "old kernel should be retired")
}

func TestRawStandbyRestart(t *testing.T) {
	h := newRawHarness(t, RawConfig{StandbyRestarts: true})
	require.NoError(t, h.raw.Start(context.Background()))

	// Wait for the standby to be pre-warmed.
	require.Eventually(t, func() bool { return h.launches.Load() >= 2 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, h.raw.Restart(context.Background()))
	assert.Equal(t, StatusIdle, h.raw.Status())

	// The swap replaces the standby with a fresh one.
	require.Eventually(t, func() bool { return h.launches.Load() >= 3 }, 3*time.Second, 20*time.Millisecond)
}

func TestRawSubscriberSurvivesRestart(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	require.NoError(t, h.raw.Start(context.Background()))

	sub, cancel := h.raw.Subscribe(16)
	defer cancel()

	require.NoError(t, h.raw.Restart(context.Background()))
	h.transport(1).iopub <- protocol.NewMessage("test-session", protocol.MsgTypeStream, map[string]any{"text": "after"})

	select {
	case msg := <-sub:
		assert.Equal(t, "after", msg.Content["text"])
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber lost after restart")
	}
}

func TestRawKernelDeath(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	require.NoError(t, h.raw.Start(context.Background()))

	h.proc(0).Dispose()
	require.Eventually(t, func() bool { return h.raw.Status() == StatusDead }, 2*time.Second, 20*time.Millisecond)

	_, err := h.raw.Execute(context.Background(), "1+1")
	require.ErrorIs(t, err, ErrSessionDead)
}

func TestRawShutdown(t *testing.T) {
	h := newRawHarness(t, RawConfig{SessionType: TypeInteractive})
	require.NoError(t, h.raw.Start(context.Background()))
	ft := h.transport(0)

	require.NoError(t, h.raw.Shutdown(context.Background()))
	assert.Equal(t, StatusDead, h.raw.Status())
	assert.Contains(t, ft.controlTypes(), protocol.MsgTypeShutdownRequest)
	assert.Equal(t, process.StateTerminated, h.proc(0).State())

	// Subscriptions are closed out.
	sub, _ := h.raw.Subscribe(1)
	_, open := <-sub
	assert.False(t, open)
}

func TestRawShutdownClosesCurrentBeforeStandby(t *testing.T) {
	h := newRawHarness(t, RawConfig{StandbyRestarts: true})
	require.NoError(t, h.raw.Start(context.Background()))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.transports) >= 2
	}, 3*time.Second, 20*time.Millisecond, "standby never came up")

	var order []string
	var omu sync.Mutex
	record := func(name string) func() {
		return func() {
			omu.Lock()
			order = append(order, name)
			omu.Unlock()
		}
	}
	h.transport(0).setOnClose(record("current"))
	h.transport(1).setOnClose(record("standby"))

	require.NoError(t, h.raw.Shutdown(context.Background()))

	omu.Lock()
	defer omu.Unlock()
	assert.Equal(t, []string{"current", "standby"}, order)
}

func TestRawInterruptMessageMode(t *testing.T) {
	meta := kernelspec.NewLocalSpec(&kernelspec.Spec{
		Name:          "msgint",
		Language:      "python",
		Argv:          []string{"python", "-m", "ipykernel_launcher", "-f", kernelspec.ConnectionFilePlaceholder},
		InterruptMode: kernelspec.InterruptModeMessage,
	}, nil)
	h := newRawHarness(t, RawConfig{Meta: meta})
	require.NoError(t, h.raw.Start(context.Background()))

	require.NoError(t, h.raw.Interrupt(context.Background()))
	assert.Contains(t, h.transport(0).controlTypes(), protocol.MsgTypeInterruptRequest)
}

func TestRawChangeKernel(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	require.NoError(t, h.raw.Start(context.Background()))

	newMeta := kernelspec.NewLocalSpec(&kernelspec.Spec{
		Name:     "julia",
		Language: "julia",
		Argv:     []string{"julia", "-e", "kernel", kernelspec.ConnectionFilePlaceholder},
	}, nil)
	launched := atomic.Int32{}
	err := h.raw.ChangeKernel(context.Background(), newMeta, func(ctx context.Context) (*process.KernelProcess, error) {
		launched.Add(1)
		info := connection.New(ports.Block{6, 7, 8, 9, 10}, "julia")
		proc := process.New(newMeta, info, nil, nil, nil)
		h.mu.Lock()
		h.procs = append(h.procs, proc)
		h.mu.Unlock()
		return proc, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), launched.Load())
	assert.Equal(t, "julia", h.raw.Metadata().Spec.Name)
	assert.Equal(t, StatusIdle, h.raw.Status())
}

func TestRawChangeKernelKeepsOldUntilReplacementUp(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	require.NoError(t, h.raw.Start(context.Background()))

	var events []string
	var emu sync.Mutex
	record := func(name string) {
		emu.Lock()
		events = append(events, name)
		emu.Unlock()
	}
	h.transport(0).setOnClose(func() { record("closed-old") })

	newMeta := kernelspec.NewLocalSpec(&kernelspec.Spec{
		Name:     "julia",
		Language: "julia",
		Argv:     []string{"julia", "-e", "kernel", kernelspec.ConnectionFilePlaceholder},
	}, nil)
	err := h.raw.ChangeKernel(context.Background(), newMeta, func(ctx context.Context) (*process.KernelProcess, error) {
		time.Sleep(150 * time.Millisecond)
		record("launched-new")
		info := connection.New(ports.Block{6, 7, 8, 9, 10}, "julia")
		proc := process.New(newMeta, info, nil, nil, nil)
		h.mu.Lock()
		h.procs = append(h.procs, proc)
		h.mu.Unlock()
		return proc, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, h.raw.Status())

	// The old kernel retires in the background once the replacement is live.
	require.Eventually(t, func() bool {
		emu.Lock()
		defer emu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 20*time.Millisecond)

	emu.Lock()
	defer emu.Unlock()
	assert.Equal(t, []string{"launched-new", "closed-old"}, events)
}

func TestRawChangeKernelSameMetadata(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	require.NoError(t, h.raw.Start(context.Background()))

	err := h.raw.ChangeKernel(context.Background(), h.raw.Metadata(), func(ctx context.Context) (*process.KernelProcess, error) {
		t.Fatal("launch must not run for an unchanged kernel")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.launches.Load())
	assert.Equal(t, StatusIdle, h.raw.Status())
}

func TestRawWaitForIdleTimeout(t *testing.T) {
	h := newRawHarness(t, RawConfig{})
	require.NoError(t, h.raw.Start(context.Background()))
	ft := h.transport(0)

	ft.mu.Lock()
	ft.shellFn = func(msg *protocol.Message) (*protocol.Message, error) {
		return nil, context.DeadlineExceeded
	}
	ft.mu.Unlock()

	err := h.raw.WaitForIdle(context.Background(), 300*time.Millisecond)
	require.ErrorIs(t, err, ErrIdleTimeout)
	assert.Equal(t, StatusDead, h.raw.Status())
}

func TestRawStdinHandler(t *testing.T) {
	h := newRawHarness(t, RawConfig{
		Stdin: func(ctx context.Context, prompt string, password bool) (string, error) {
			return "answer: " + prompt, nil
		},
	})
	require.NoError(t, h.raw.Start(context.Background()))
	ft := h.transport(0)

	ft.stdin <- protocol.NewMessage(ft.session, protocol.MsgTypeInputRequest, map[string]any{"prompt": "name?"})
	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.stdinValues) == 1 && ft.stdinValues[0] == "answer: name?"
	}, 2*time.Second, 20*time.Millisecond)
}
