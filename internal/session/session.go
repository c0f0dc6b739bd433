// Package session manages live kernel sessions: the status state machine,
// execution request routing, iopub fan-out, restart and shutdown. Raw
// sessions own a local subprocess and its ZMQ channels; remote sessions
// attach to a Jupyter server over its websocket channels endpoint.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nbkernel/kernelbridge/internal/kernelspec"
	"github.com/nbkernel/kernelbridge/internal/protocol"
)

// Status is the session lifecycle state.
type Status int

const (
	StatusNotStarted Status = iota
	StatusStarting
	StatusIdle
	StatusBusy
	StatusRestarting
	StatusDead
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not-started"
	case StatusStarting:
		return "starting"
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusRestarting:
		return "restarting"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Type distinguishes what a session is serving.
type Type string

const (
	TypeNotebook    Type = "notebook"
	TypeInteractive Type = "interactive"
)

// ErrSessionDead is returned for operations on a session whose kernel has
// died or been shut down.
var ErrSessionDead = errors.New("session is dead")

// ErrNotStarted is returned when an operation needs a started session.
var ErrNotStarted = errors.New("session not started")

// ErrIdleTimeout is returned when a kernel fails to reach idle in time. The
// session is shut down before this is returned so callers never hold a
// half-alive session.
var ErrIdleTimeout = errors.New("timed out waiting for kernel to become idle")

// Session is a live connection to one kernel.
type Session interface {
	// ID is the stable session identifier.
	ID() string
	// Metadata describes the kernel this session is connected to.
	Metadata() kernelspec.ConnectionMetadata
	// SessionType reports what the session serves.
	SessionType() Type
	// Status returns the current lifecycle state.
	Status() Status
	// OnStatus registers a callback invoked on every status transition and
	// returns a cancel func that unregisters it.
	OnStatus(fn func(Status)) func()
	// Subscribe returns a channel of iopub messages and a cancel func.
	Subscribe(buffer int) (<-chan *protocol.Message, func())

	// Start launches or attaches the kernel and waits until it answers.
	Start(ctx context.Context) error
	// Execute submits code and returns a handle for its outputs and reply.
	Execute(ctx context.Context, code string) (*Execution, error)
	// Interrupt stops the currently running cell.
	Interrupt(ctx context.Context) error
	// Restart brings up a fresh kernel process behind the same session.
	Restart(ctx context.Context) error
	// WaitForIdle blocks until the kernel answers a kernel_info round trip.
	WaitForIdle(ctx context.Context, timeout time.Duration) error
	// Shutdown stops the kernel if policy allows, then disconnects.
	Shutdown(ctx context.Context) error
	// Dispose releases all resources without protocol-level shutdown.
	Dispose()
}

// Execution tracks one execute_request: its streamed outputs and final
// reply.
type Execution struct {
	// Request is the submitted execute_request message.
	Request *protocol.Message
	// Output carries iopub messages parented to this request. Closed when
	// the execution finishes.
	Output <-chan *protocol.Message

	done  chan struct{}
	reply *protocol.Message
	err   error
}

func newExecution(request *protocol.Message, output <-chan *protocol.Message) *Execution {
	return &Execution{
		Request: request,
		Output:  output,
		done:    make(chan struct{}),
	}
}

func (e *Execution) finish(reply *protocol.Message, err error) {
	e.reply = reply
	e.err = err
	close(e.done)
}

// Wait blocks until the execute_reply arrives or ctx expires.
func (e *Execution) Wait(ctx context.Context) (*protocol.Message, error) {
	select {
	case <-e.done:
		return e.reply, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forwardOutputs copies iopub messages parented to request into out until
// the execution has both its reply and a trailing idle status. The idle
// status can trail the reply, so a grace window keeps draining after the
// reply lands.
func forwardOutputs(sub <-chan *protocol.Message, cancelSub func(), out chan<- *protocol.Message, request *protocol.Message, replyCh <-chan struct{}) {
	defer cancelSub()
	defer close(out)
	var grace <-chan time.Time
	sawIdle := false
	replied := false
	for {
		select {
		case m, ok := <-sub:
			if !ok {
				return
			}
			if !m.IsChildOf(request) {
				continue
			}
			select {
			case out <- m:
			default:
			}
			if m.KernelStatus() == "idle" {
				sawIdle = true
				if replied {
					return
				}
			}
		case <-replyCh:
			replyCh = nil
			replied = true
			if sawIdle {
				return
			}
			grace = time.After(5 * time.Second)
		case <-grace:
			return
		}
	}
}

// notifier holds the status value and fans transitions out to watchers.
type notifier struct {
	mu       sync.Mutex
	status   Status
	watchers map[int]func(Status)
	nextID   int
}

func (n *notifier) get() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// set updates the status and notifies watchers. No-op when unchanged.
func (n *notifier) set(s Status) {
	n.mu.Lock()
	if n.status == s {
		n.mu.Unlock()
		return
	}
	n.status = s
	watchers := make([]func(Status), 0, len(n.watchers))
	for _, fn := range n.watchers {
		watchers = append(watchers, fn)
	}
	n.mu.Unlock()

	for _, fn := range watchers {
		fn(s)
	}
}

// watch registers fn and returns a cancel func that unregisters it. Callers
// with a shorter lifetime than the session must cancel or they leak.
func (n *notifier) watch(fn func(Status)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.watchers == nil {
		n.watchers = make(map[int]func(Status))
	}
	id := n.nextID
	n.nextID++
	n.watchers[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.watchers, id)
	}
}

// broadcaster fans iopub messages out to any number of subscribers.
// Slow subscribers drop messages rather than stall the pump.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan *protocol.Message
	nextID int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan *protocol.Message)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan *protocol.Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *protocol.Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *broadcaster) publish(msg *protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
