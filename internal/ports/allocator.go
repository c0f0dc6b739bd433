package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// BlockSize is the number of ports a kernel connection needs: shell, iopub,
// stdin, control, heartbeat.
const BlockSize = 5

// ErrPortsExhausted is returned when no free block could be found within the
// probe budget.
var ErrPortsExhausted = errors.New("no free port block available")

// defaultProbeBudget bounds the number of candidate ports examined per
// reservation so a saturated host fails fast instead of hanging.
const defaultProbeBudget = 500

// Block is a reserved set of five TCP ports.
type Block [BlockSize]int

// Shell, IOPub, Stdin, Control and HB return the conventional channel
// assignment within the block.
func (b Block) Shell() int   { return b[0] }
func (b Block) IOPub() int   { return b[1] }
func (b Block) Stdin() int   { return b[2] }
func (b Block) Control() int { return b[3] }
func (b Block) HB() int      { return b[4] }

// Allocator reserves blocks of free TCP ports for kernel connections. It is
// process-wide state: the used set prevents two in-flight launches in this
// process from racing for the same ports, and a filesystem token spreads
// concurrently running instances on the same machine across disjoint ranges.
type Allocator struct {
	mu     sync.Mutex
	used   map[int]struct{}
	cursor int
	start  int
	budget int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithStartPort sets the base port the search cursor begins at.
func WithStartPort(port int) Option {
	return func(a *Allocator) { a.start = port }
}

// WithProbeBudget overrides the bounded search limit.
func WithProbeBudget(n int) Option {
	return func(a *Allocator) { a.budget = n }
}

// NewAllocator creates an allocator whose starting cursor is offset by a
// per-machine instance counter, so parallel processes probe disjoint ranges.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		used:   make(map[int]struct{}),
		start:  9000,
		budget: defaultProbeBudget,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.start += instanceOffset() * 1000
	a.cursor = a.start
	return a
}

// ReserveBlock finds five free TCP ports not held by any other in-flight
// reservation. The returned block stays claimed until Release is called.
func (a *Allocator) ReserveBlock(ctx context.Context) (Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var block Block
	found := 0
	probes := 0

	for probes < a.budget {
		if err := ctx.Err(); err != nil {
			return Block{}, err
		}

		candidate := a.cursor
		a.cursor++
		probes++

		if candidate > 65535 {
			a.cursor = a.start
			continue
		}
		if _, taken := a.used[candidate]; taken {
			// Another reservation in this process owns the port. Restart the
			// probe above everything seen so far so blocks never interleave.
			found = 0
			continue
		}
		if !portFree(candidate) {
			found = 0
			continue
		}

		block[found] = candidate
		found++
		if found == BlockSize {
			for _, p := range block {
				a.used[p] = struct{}{}
			}
			return block, nil
		}
	}

	return Block{}, fmt.Errorf("%w: probed %d ports from %d", ErrPortsExhausted, probes, a.start)
}

// Release returns a block's ports to the pool. Unknown ports are ignored.
func (a *Allocator) Release(block Block) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range block {
		delete(a.used, p)
	}
}

// Held reports how many ports are currently reserved.
func (a *Allocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Reset clears the used set and rewinds the cursor. Test hook: production
// callers release ports via kernel-process exit instead.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = make(map[int]struct{})
	a.cursor = a.start
}

// portFree reports whether the port can be bound on the loopback interface.
func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// instanceOffset hands each concurrently running process on this machine a
// distinct small integer. The counter file lives in the OS temp dir and is
// guarded by a file lock; the first process to create it owns offset zero.
func instanceOffset() int {
	dir := os.TempDir()
	lockPath := filepath.Join(dir, "kernelbridge-ports.lock")
	counterPath := filepath.Join(dir, "kernelbridge-ports.offset")

	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return 0
	}
	defer func() { _ = lock.Unlock() }()

	offset := 0
	if data, err := os.ReadFile(counterPath); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			offset = n
		}
	}
	// Best effort: a write failure just means the next instance shares our
	// range and falls back to probing.
	_ = os.WriteFile(counterPath, []byte(strconv.Itoa(offset+1)), 0o644)
	// Wrap so long-lived machines never push the base range past the
	// ephemeral port ceiling.
	return offset % 50
}
