package process

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbkernel/kernelbridge/internal/connection"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
	"github.com/nbkernel/kernelbridge/internal/ports"
)

// listenBlock opens real listeners on five OS-assigned ports so readiness
// probes succeed without a real kernel.
func listenBlock(t *testing.T) (ports.Block, func()) {
	t.Helper()
	var block ports.Block
	listeners := make([]net.Listener, 0, len(block))
	for i := range block {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, l)
		block[i] = l.Addr().(*net.TCPAddr).Port
	}
	return block, func() {
		for _, l := range listeners {
			l.Close()
		}
	}
}

// idleBlock returns ports nothing listens on.
func idleBlock(t *testing.T) ports.Block {
	t.Helper()
	block, closeAll := listenBlock(t)
	closeAll()
	return block
}

func testSpec(argv []string) kernelspec.ConnectionMetadata {
	return kernelspec.NewLocalSpec(&kernelspec.Spec{
		Name:     "test-kernel",
		Language: "sh",
		Argv:     argv,
	}, nil)
}

func TestLaunchReady(t *testing.T) {
	block, closeAll := listenBlock(t)
	defer closeAll()

	meta := testSpec([]string{"sh", "-c", "exec sleep 30", kernelspec.ConnectionFilePlaceholder})
	info := connection.New(block, "test-kernel")
	p := New(meta, info, nil, nil, nil)

	require.Equal(t, StateCreated, p.State())
	require.NoError(t, p.Launch(context.Background(), t.TempDir(), 5*time.Second))
	assert.Equal(t, StateRunning, p.State())

	p.Dispose()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispose did not close done")
	}
	assert.Equal(t, StateTerminated, p.State())
	assert.Equal(t, "disposed", p.ExitEvent().Reason)
}

func TestLaunchRemovesConnectionFile(t *testing.T) {
	block, closeAll := listenBlock(t)
	defer closeAll()

	meta := testSpec([]string{"sh", "-c", "exec sleep 30", kernelspec.ConnectionFilePlaceholder})
	info := connection.New(block, "test-kernel")
	p := New(meta, info, nil, nil, nil)
	require.NoError(t, p.Launch(context.Background(), t.TempDir(), 5*time.Second))

	p.mu.Lock()
	connFile := p.connectionFile
	p.mu.Unlock()
	require.NotEmpty(t, connFile)
	_, err := os.Stat(connFile)
	require.NoError(t, err)

	p.Dispose()
	_, err = os.Stat(connFile)
	assert.True(t, os.IsNotExist(err))
}

func TestLaunchProcessDiesBeforeReady(t *testing.T) {
	meta := testSpec([]string{"sh", "-c", "exit 7", kernelspec.ConnectionFilePlaceholder})
	info := connection.New(idleBlock(t), "test-kernel")
	p := New(meta, info, nil, nil, nil)

	err := p.Launch(context.Background(), t.TempDir(), 5*time.Second)
	var exited *ExitedError
	require.ErrorAs(t, err, &exited)
	assert.Equal(t, 7, exited.Code)
	assert.Equal(t, StateTerminated, p.State())
}

func TestLaunchTimeout(t *testing.T) {
	meta := testSpec([]string{"sh", "-c", "exec sleep 30", kernelspec.ConnectionFilePlaceholder})
	info := connection.New(idleBlock(t), "test-kernel")
	p := New(meta, info, nil, nil, nil)

	err := p.Launch(context.Background(), t.TempDir(), 300*time.Millisecond)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, StateTerminated, p.State())

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failed launch did not close done")
	}
}

func TestLaunchCancelled(t *testing.T) {
	meta := testSpec([]string{"sh", "-c", "exec sleep 30", kernelspec.ConnectionFilePlaceholder})
	info := connection.New(idleBlock(t), "test-kernel")
	p := New(meta, info, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Launch(ctx, t.TempDir(), 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateTerminated, p.State())
}

func TestLaunchSingleUse(t *testing.T) {
	meta := testSpec([]string{"sh", "-c", "exit 0", kernelspec.ConnectionFilePlaceholder})
	info := connection.New(idleBlock(t), "test-kernel")
	p := New(meta, info, nil, nil, nil)

	_ = p.Launch(context.Background(), t.TempDir(), 200*time.Millisecond)
	err := p.Launch(context.Background(), t.TempDir(), 200*time.Millisecond)
	require.ErrorIs(t, err, ErrAlreadyLaunched)
}

func TestLaunchMissingPlaceholderFatal(t *testing.T) {
	meta := testSpec([]string{"sleep", "30"})
	info := connection.New(idleBlock(t), "test-kernel")
	p := New(meta, info, nil, nil, nil)

	err := p.Launch(context.Background(), t.TempDir(), time.Second)
	require.ErrorIs(t, err, connection.ErrNoPlaceholder)
	assert.Equal(t, StateTerminated, p.State())
}

func TestInterruptMessageModeIsNoop(t *testing.T) {
	meta := kernelspec.NewLocalSpec(&kernelspec.Spec{
		Name:          "msg-kernel",
		Argv:          []string{"sleep", "30", kernelspec.ConnectionFilePlaceholder},
		InterruptMode: kernelspec.InterruptModeMessage,
	}, nil)
	info := connection.New(idleBlock(t), "msg-kernel")
	p := New(meta, info, nil, nil, nil)

	// The control channel owns message-mode interrupts; no signal is sent.
	require.NoError(t, p.Interrupt(context.Background()))
}

func TestInterruptSignal(t *testing.T) {
	block, closeAll := listenBlock(t)
	defer closeAll()

	meta := testSpec([]string{"sh", "-c", "exec sleep 30", kernelspec.ConnectionFilePlaceholder})
	info := connection.New(block, "test-kernel")
	p := New(meta, info, nil, nil, nil)
	require.NoError(t, p.Launch(context.Background(), t.TempDir(), 5*time.Second))
	defer p.Dispose()

	// sleep dies on SIGINT, which surfaces as the exit event.
	require.NoError(t, p.Interrupt(context.Background()))
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("interrupted process did not exit")
	}
}

func TestDisposeIdempotent(t *testing.T) {
	meta := testSpec([]string{"sleep", "30", kernelspec.ConnectionFilePlaceholder})
	info := connection.New(idleBlock(t), "test-kernel")
	p := New(meta, info, nil, nil, nil)

	p.Dispose()
	p.Dispose()
	assert.Equal(t, StateTerminated, p.State())
	assert.Equal(t, "disposed", p.ExitEvent().Reason)
}

func TestStderrCaptured(t *testing.T) {
	meta := testSpec([]string{"sh", "-c", "echo boom >&2; exit 3", kernelspec.ConnectionFilePlaceholder})
	info := connection.New(idleBlock(t), "test-kernel")
	p := New(meta, info, nil, nil, nil)

	err := p.Launch(context.Background(), t.TempDir(), 5*time.Second)
	var exited *ExitedError
	require.ErrorAs(t, err, &exited)
	assert.Contains(t, exited.Stderr, "boom")
}

func TestSplitModuleInvocation(t *testing.T) {
	module, args, ok := splitModuleInvocation([]string{"/usr/bin/python3", "-m", "ipykernel_launcher", "--ip=127.0.0.1"})
	require.True(t, ok)
	assert.Equal(t, "ipykernel_launcher", module)
	assert.Equal(t, []string{"--ip=127.0.0.1"}, args)

	_, _, ok = splitModuleInvocation([]string{"Rscript", "kernel.R"})
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateCreated:    "created",
		StateLaunching:  "launching",
		StateRunning:    "running",
		StateTerminated: "terminated",
		State(99):       "unknown",
	} {
		assert.Equal(t, want, state.String())
	}
}
