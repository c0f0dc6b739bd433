package daemon

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
)

// Pool keeps one spare pre-started daemon per interpreter so kernel launches
// skip interpreter startup cost. Process-wide shared state; all map
// mutations happen under the mutex with no suspension in between.
type Pool struct {
	logger  *logging.Logger
	enabled bool

	mu    sync.Mutex
	spare map[string]*Daemon

	// starter is swapped by tests to avoid real subprocesses.
	starter func(ctx context.Context, interpreter string, logger *logging.Logger) (*Daemon, error)
}

// NewPool creates a daemon pool. A disabled pool reports ErrUnsupported for
// every request, forcing the direct-launch fallback.
func NewPool(enabled bool, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{
		logger:  logger.Named("daemon-pool"),
		enabled: enabled,
		spare:   make(map[string]*Daemon),
		starter: Start,
	}
}

// Get hands back a daemon for the given kernel, or ErrUnsupported when the
// kernel cannot be daemon-launched (non-Python, pool disabled). After a
// spare is handed out a replacement is warmed in the background.
func (p *Pool) Get(ctx context.Context, meta kernelspec.ConnectionMetadata) (*Daemon, error) {
	if !p.enabled || !meta.IsPythonFamily() || meta.Interpreter == nil {
		return nil, ErrUnsupported
	}
	interpreter := meta.Interpreter.Path

	p.mu.Lock()
	d := p.spare[interpreter]
	delete(p.spare, interpreter)
	p.mu.Unlock()

	if d != nil {
		select {
		case <-d.Exited():
			// Spare died while parked; fall through and start fresh.
			d.Close()
		default:
			go p.warm(interpreter)
			return d, nil
		}
	}

	d, err := p.starter(ctx, interpreter, p.logger)
	if err != nil {
		return nil, err
	}
	go p.warm(interpreter)
	return d, nil
}

// Prewarm eagerly parks a spare daemon for the interpreter.
func (p *Pool) Prewarm(ctx context.Context, interpreter string) error {
	if !p.enabled {
		return ErrUnsupported
	}

	d, err := p.starter(ctx, interpreter, p.logger)
	if err != nil {
		return err
	}

	p.mu.Lock()
	_, exists := p.spare[interpreter]
	if !exists {
		p.spare[interpreter] = d
	}
	p.mu.Unlock()

	if exists {
		// Lost the race to another warmer; one spare per interpreter.
		d.Close()
	}
	return nil
}

// Close tears down all parked daemons.
func (p *Pool) Close() {
	p.mu.Lock()
	spares := p.spare
	p.spare = make(map[string]*Daemon)
	p.mu.Unlock()

	for _, d := range spares {
		d.Close()
	}
}

func (p *Pool) warm(interpreter string) {
	if err := p.Prewarm(context.Background(), interpreter); err != nil {
		p.logger.Debug("Failed to warm spare daemon",
			zap.String("interpreter", interpreter), zap.Error(err))
	}
}
