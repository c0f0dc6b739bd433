package launcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/monitoring"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
	"github.com/nbkernel/kernelbridge/internal/ports"
	"github.com/nbkernel/kernelbridge/internal/process"
	"github.com/nbkernel/kernelbridge/internal/provider"
	"github.com/nbkernel/kernelbridge/internal/session"
)

type countingChecker struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (c *countingChecker) EnsureKernelPackage(ctx context.Context, interp kernelspec.Interpreter) error {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	return c.err
}

func shellMeta(argv ...string) kernelspec.ConnectionMetadata {
	return kernelspec.NewLocalSpec(&kernelspec.Spec{
		Name:     "shell-kernel",
		Language: "sh",
		Argv:     argv,
	}, nil)
}

func newTestLauncher(t *testing.T, cfg Config) *Launcher {
	t.Helper()
	if cfg.Ports == nil {
		cfg.Ports = ports.NewAllocator(ports.WithStartPort(23000))
	}
	if cfg.Deps == nil {
		cfg.Deps = &countingChecker{}
	}
	if cfg.LaunchTimeout == 0 {
		cfg.LaunchTimeout = 2 * time.Second
	}
	return New(cfg)
}

func TestLaunchOneReleasesPortsOnFailure(t *testing.T) {
	alloc := ports.NewAllocator(ports.WithStartPort(23100))
	l := newTestLauncher(t, Config{Ports: alloc})

	meta := shellMeta("sh", "-c", "exit 3", kernelspec.ConnectionFilePlaceholder)
	_, err := l.launchOne(context.Background(), meta, "notebook.ipynb", t.TempDir())

	var exited *process.ExitedError
	require.ErrorAs(t, err, &exited)
	assert.Equal(t, 3, exited.Code)
	assert.Equal(t, 0, alloc.Held(), "failed launch must release its port block")
}

func TestLaunchOnePortBlockGauge(t *testing.T) {
	alloc := ports.NewAllocator(ports.WithStartPort(23400))
	m := &monitoring.Metrics{
		KernelsActive:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "kernels_active_test"}),
		PortBlocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{Name: "port_blocks_held_test"}),
	}
	l := newTestLauncher(t, Config{Ports: alloc, Metrics: m})

	meta := shellMeta("sh", "-c", "sleep 5", kernelspec.ConnectionFilePlaceholder)
	errCh := make(chan error, 1)
	go func() {
		_, err := l.launchOne(context.Background(), meta, "notebook.ipynb", t.TempDir())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.PortBlocksHeld) == 1
	}, time.Second, 10*time.Millisecond, "reserved block must show up in the gauge")

	require.Error(t, <-errCh)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.PortBlocksHeld))
	assert.Equal(t, 0, alloc.Held())
}

func TestLaunchOneDependencyFailureSkipsPorts(t *testing.T) {
	alloc := ports.NewAllocator(ports.WithStartPort(23200))
	checker := &countingChecker{err: errors.New("ipykernel missing")}
	l := newTestLauncher(t, Config{Ports: alloc, Deps: checker})

	meta := kernelspec.NewInterpreter(kernelspec.Interpreter{Path: "/opt/venv/bin/python"})
	_, err := l.launchOne(context.Background(), meta, "", t.TempDir())
	require.ErrorContains(t, err, "ipykernel missing")
	assert.Equal(t, 0, alloc.Held())
	assert.Equal(t, int32(1), checker.calls.Load())
}

func TestEnsureDependenciesDeduped(t *testing.T) {
	checker := &countingChecker{block: make(chan struct{})}
	l := newTestLauncher(t, Config{Deps: checker})

	meta := kernelspec.NewInterpreter(kernelspec.Interpreter{Path: "/opt/venv/bin/python"})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.ensureDependencies(context.Background(), meta))
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(checker.block)
	wg.Wait()

	assert.Equal(t, int32(1), checker.calls.Load(), "concurrent checks must be shared")
}

func TestEnsureDependenciesSkipsNonPython(t *testing.T) {
	checker := &countingChecker{}
	l := newTestLauncher(t, Config{Deps: checker})

	require.NoError(t, l.ensureDependencies(context.Background(), shellMeta("sh", "-c", "true")))
	assert.Equal(t, int32(0), checker.calls.Load())
}

func TestStartRemoteWithoutServers(t *testing.T) {
	l := newTestLauncher(t, Config{})
	_, err := l.Start(context.Background(), StartRequest{
		Meta: kernelspec.NewLiveRemote("http://localhost:1", "k1"),
	})
	require.ErrorContains(t, err, "no jupyter server provider")
}

func TestStartRemoteUnreachableServer(t *testing.T) {
	servers := provider.NewServers("", time.Second, nil, nil)
	defer servers.Close()
	l := newTestLauncher(t, Config{Servers: servers})

	_, err := l.Start(context.Background(), StartRequest{
		Meta:        kernelspec.NewLiveRemote("http://127.0.0.1:1", "k1"),
		SessionType: session.TypeNotebook,
	})
	require.Error(t, err)
}

func TestLaunchFuncIndependentBlocks(t *testing.T) {
	alloc := ports.NewAllocator(ports.WithStartPort(23300))
	l := newTestLauncher(t, Config{Ports: alloc})
	meta := shellMeta("sh", "-c", "exit 0", kernelspec.ConnectionFilePlaceholder)

	launch := l.LaunchFunc(meta, "a.ipynb", t.TempDir())
	_, err1 := launch(context.Background())
	_, err2 := launch(context.Background())
	require.Error(t, err1)
	require.Error(t, err2)
	assert.Equal(t, 0, alloc.Held(), "every attempt must clean up its own block")
}
