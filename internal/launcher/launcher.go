// Package launcher orchestrates kernel startup: dependency checks, port
// reservation, environment resolution, process launch and session wiring.
package launcher

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nbkernel/kernelbridge/internal/connection"
	"github.com/nbkernel/kernelbridge/internal/daemon"
	"github.com/nbkernel/kernelbridge/internal/env"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/monitoring"
	"github.com/nbkernel/kernelbridge/internal/jupyter"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
	"github.com/nbkernel/kernelbridge/internal/ports"
	"github.com/nbkernel/kernelbridge/internal/process"
	"github.com/nbkernel/kernelbridge/internal/provider"
	"github.com/nbkernel/kernelbridge/internal/session"
)

// DependencyChecker verifies a Python interpreter can host a kernel.
type DependencyChecker interface {
	// EnsureKernelPackage fails when ipykernel is missing and cannot be
	// expected to import.
	EnsureKernelPackage(ctx context.Context, interp kernelspec.Interpreter) error
}

// execChecker imports ipykernel in a subprocess.
type execChecker struct{}

func (execChecker) EnsureKernelPackage(ctx context.Context, interp kernelspec.Interpreter) error {
	cmd := exec.CommandContext(ctx, interp.Path, "-c", "import ipykernel")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("interpreter %s cannot import ipykernel: %s", interp.Path, string(out))
	}
	return nil
}

// Config wires the launcher's collaborators.
type Config struct {
	Ports   *ports.Allocator
	Env     *env.Resolver
	Pool    *daemon.Pool
	Servers *provider.Servers
	Deps    DependencyChecker
	// LaunchTimeout bounds how long a kernel may take to open its ports.
	LaunchTimeout time.Duration
	// StandbyRestarts pre-warms spare kernels for fast restarts.
	StandbyRestarts bool
	Logger          *logging.Logger
	Metrics         *monitoring.Metrics
}

// Launcher builds sessions for any kind of connection metadata.
type Launcher struct {
	cfg    Config
	logger *logging.Logger
	// depChecks dedups concurrent ipykernel checks per interpreter.
	depChecks singleflight.Group
}

// New builds a launcher.
func New(cfg Config) *Launcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.Deps == nil {
		cfg.Deps = execChecker{}
	}
	return &Launcher{
		cfg:    cfg,
		logger: cfg.Logger.Named("launcher"),
	}
}

// StartRequest describes one session to create.
type StartRequest struct {
	Meta kernelspec.ConnectionMetadata
	// Resource is the notebook or interactive window the session serves,
	// used to resolve per-resource environment settings.
	Resource    string
	WorkingDir  string
	SessionType session.Type
	Stdin       session.StdinHandler
}

// Start creates and starts a session for the request. Local metadata gets a
// raw session over a launched subprocess; remote metadata gets a websocket
// session against the Jupyter server.
func (l *Launcher) Start(ctx context.Context, req StartRequest) (session.Session, error) {
	var s session.Session
	if req.Meta.IsLocal() {
		s = session.NewRaw(session.RawConfig{
			Meta:            req.Meta,
			SessionType:     req.SessionType,
			Launch:          l.LaunchFunc(req.Meta, req.Resource, req.WorkingDir),
			LaunchTimeout:   l.cfg.LaunchTimeout,
			StandbyRestarts: l.cfg.StandbyRestarts,
			Stdin:           req.Stdin,
			Logger:          l.cfg.Logger,
			Metrics:         l.cfg.Metrics,
		})
	} else {
		client, err := l.remoteClient(ctx, req.Meta)
		if err != nil {
			return nil, err
		}
		s = session.NewRemote(session.RemoteConfig{
			Meta:        req.Meta,
			SessionType: req.SessionType,
			Client:      client,
			Stdin:       req.Stdin,
			Logger:      l.cfg.Logger,
			Metrics:     l.cfg.Metrics,
		})
	}

	start := time.Now()
	err := s.Start(ctx)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordLaunch(string(req.Meta.Kind), err, time.Since(start))
	}
	if err != nil {
		s.Dispose()
		return nil, err
	}
	return s, nil
}

func (l *Launcher) remoteClient(ctx context.Context, meta kernelspec.ConnectionMetadata) (*jupyter.Client, error) {
	if l.cfg.Servers == nil {
		return nil, fmt.Errorf("no jupyter server provider configured")
	}
	server, err := l.cfg.Servers.Get(ctx, meta.BaseURL)
	if err != nil {
		return nil, err
	}
	return server.Client, nil
}

// LaunchFunc returns the one-kernel launch closure a raw session calls on
// start and on every restart. Each call reserves a fresh port block,
// resolves the environment, launches the process and arranges for the ports
// to be released when the process dies.
func (l *Launcher) LaunchFunc(meta kernelspec.ConnectionMetadata, resource, workingDir string) session.LaunchFunc {
	return func(ctx context.Context) (*process.KernelProcess, error) {
		return l.launchOne(ctx, meta, resource, workingDir)
	}
}

func (l *Launcher) launchOne(ctx context.Context, meta kernelspec.ConnectionMetadata, resource, workingDir string) (*process.KernelProcess, error) {
	if err := l.ensureDependencies(ctx, meta); err != nil {
		return nil, err
	}

	block, err := l.cfg.Ports.ReserveBlock(ctx)
	if err != nil {
		return nil, err
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.PortBlocksHeld.Inc()
	}

	proc, err := l.launchOnBlock(ctx, meta, resource, workingDir, block)
	if err != nil {
		l.cfg.Ports.Release(block)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.PortBlocksHeld.Dec()
		}
		return nil, err
	}

	if l.cfg.Metrics != nil {
		l.cfg.Metrics.KernelsActive.Inc()
	}
	go func() {
		<-proc.Done()
		l.cfg.Ports.Release(block)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.PortBlocksHeld.Dec()
			l.cfg.Metrics.KernelsActive.Dec()
		}
	}()
	return proc, nil
}

func (l *Launcher) launchOnBlock(ctx context.Context, meta kernelspec.ConnectionMetadata, resource, workingDir string, block ports.Block) (*process.KernelProcess, error) {
	kernelName := ""
	if meta.Spec != nil {
		kernelName = meta.Spec.Name
	}
	info := connection.New(block, kernelName)

	var envMap map[string]string
	if l.cfg.Env != nil {
		var err error
		envMap, err = l.cfg.Env.Resolve(ctx, resource, meta.Interpreter, meta.Spec)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve kernel environment: %w", err)
		}
	}

	proc := process.New(meta, info, envMap, l.cfg.Pool, l.cfg.Logger)
	l.logger.Info("Launching kernel",
		zap.String("kernel", meta.ID),
		zap.String("resource", resource),
		zap.Int("shell_port", block.Shell()))
	if err := proc.Launch(ctx, workingDir, l.cfg.LaunchTimeout); err != nil {
		return nil, err
	}
	return proc, nil
}

// ensureDependencies verifies ipykernel for interpreter-backed kernels.
// Concurrent launches on the same interpreter share one check.
func (l *Launcher) ensureDependencies(ctx context.Context, meta kernelspec.ConnectionMetadata) error {
	if meta.Interpreter == nil || !meta.IsPythonFamily() {
		return nil
	}
	interp := *meta.Interpreter
	_, err, _ := l.depChecks.Do(interp.Path, func() (any, error) {
		return nil, l.cfg.Deps.EnsureKernelPackage(ctx, interp)
	})
	return err
}
