package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/monitoring"
	"github.com/nbkernel/kernelbridge/internal/jupyter"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
	"github.com/nbkernel/kernelbridge/internal/protocol"
)

// wsConn is the slice of *websocket.Conn a remote session uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wireMessage is the Jupyter websocket framing: a protocol message plus the
// channel it travels on.
type wireMessage struct {
	Header       protocol.Header `json:"header"`
	ParentHeader protocol.Header `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      map[string]any  `json:"content"`
	Channel      string          `json:"channel"`
}

func (w *wireMessage) message() *protocol.Message {
	return &protocol.Message{
		Header:       w.Header,
		ParentHeader: w.ParentHeader,
		Metadata:     w.Metadata,
		Content:      w.Content,
	}
}

func wrapMessage(msg *protocol.Message, channel string) *wireMessage {
	return &wireMessage{
		Header:       msg.Header,
		ParentHeader: msg.ParentHeader,
		Metadata:     msg.Metadata,
		Content:      msg.Content,
		Channel:      channel,
	}
}

// RemoteConfig configures a session attached to a Jupyter server.
type RemoteConfig struct {
	// Meta must be KindLiveRemote or KindRemoteSpec.
	Meta        kernelspec.ConnectionMetadata
	SessionType Type
	Client      *jupyter.Client
	Stdin       StdinHandler
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics
}

// Remote is a session over a Jupyter server's kernel channels websocket.
type Remote struct {
	id     string
	cfg    RemoteConfig
	logger *logging.Logger

	st    notifier
	iopub *broadcaster

	// dial opens the channels websocket; swapped in tests.
	dial func(ctx context.Context, url string) (wsConn, error)

	mu       sync.Mutex
	kernelID string
	conn     wsConn
	pending  map[string]chan *protocol.Message
	disposed bool

	writeMu sync.Mutex
}

// NewRemote builds an unstarted remote session.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.SessionType == "" {
		cfg.SessionType = TypeNotebook
	}
	r := &Remote{
		id:      uuid.NewString(),
		cfg:     cfg,
		logger:  cfg.Logger.Named("remote-session"),
		iopub:   newBroadcaster(),
		pending: make(map[string]chan *protocol.Message),
	}
	r.dial = func(ctx context.Context, url string) (wsConn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return conn, err
	}
	return r
}

func (r *Remote) ID() string                              { return r.id }
func (r *Remote) Metadata() kernelspec.ConnectionMetadata { return r.cfg.Meta }
func (r *Remote) SessionType() Type                       { return r.cfg.SessionType }
func (r *Remote) Status() Status                          { return r.st.get() }
func (r *Remote) OnStatus(fn func(Status)) func()         { return r.st.watch(fn) }

// KernelID returns the server-side kernel id once started.
func (r *Remote) KernelID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kernelID
}

// Subscribe returns iopub messages relayed from the server.
func (r *Remote) Subscribe(buffer int) (<-chan *protocol.Message, func()) {
	return r.iopub.subscribe(buffer)
}

// Start resolves the kernel on the server and opens its channels websocket.
// Live kernels are attached as-is; remote specs ask the server to launch a
// fresh kernel first.
func (r *Remote) Start(ctx context.Context) error {
	if r.st.get() != StatusNotStarted {
		return fmt.Errorf("session %s already started", r.id)
	}
	r.st.set(StatusStarting)

	kernelID, err := r.resolveKernel(ctx)
	if err != nil {
		r.st.set(StatusDead)
		return err
	}

	wsURL, err := r.cfg.Client.WebSocketURL(kernelID, r.id)
	if err != nil {
		r.st.set(StatusDead)
		return err
	}
	conn, err := r.dial(ctx, wsURL)
	if err != nil {
		r.st.set(StatusDead)
		return fmt.Errorf("failed to open kernel channels: %w", err)
	}

	r.mu.Lock()
	r.kernelID = kernelID
	r.conn = conn
	r.mu.Unlock()

	go r.readLoop(conn)
	r.st.set(StatusIdle)
	r.logger.Info("Attached to remote kernel",
		zap.String("session", r.id),
		zap.String("kernel_id", kernelID))
	return nil
}

func (r *Remote) resolveKernel(ctx context.Context) (string, error) {
	switch r.cfg.Meta.Kind {
	case kernelspec.KindLiveRemote:
		kernel, err := r.cfg.Client.GetKernel(ctx, r.cfg.Meta.LiveKernelID)
		if err != nil {
			return "", fmt.Errorf("live kernel unavailable: %w", err)
		}
		return kernel.ID, nil
	case kernelspec.KindRemoteSpec:
		kernel, err := r.cfg.Client.StartKernel(ctx, r.cfg.Meta.Spec.Name)
		if err != nil {
			return "", err
		}
		return kernel.ID, nil
	default:
		return "", fmt.Errorf("metadata kind %q is not remote", r.cfg.Meta.Kind)
	}
}

func (r *Remote) readLoop(conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			disposed := r.disposed
			r.mu.Unlock()
			if !disposed {
				r.logger.Warn("Kernel channels closed", zap.String("session", r.id), zap.Error(err))
				if r.cfg.Metrics != nil {
					r.cfg.Metrics.KernelDeaths.Inc()
				}
				r.st.set(StatusDead)
			}
			return
		}

		var wire wireMessage
		if err := sonic.Unmarshal(data, &wire); err != nil {
			r.logger.Warn("Dropping malformed channel message", zap.Error(err))
			continue
		}
		r.route(&wire)
	}
}

func (r *Remote) route(wire *wireMessage) {
	msg := wire.message()
	switch wire.Channel {
	case "iopub":
		switch msg.KernelStatus() {
		case "busy":
			r.setIfRunning(StatusBusy)
		case "idle":
			r.setIfRunning(StatusIdle)
		}
		r.iopub.publish(msg)
	case "shell", "control":
		r.mu.Lock()
		reply, ok := r.pending[msg.ParentHeader.MsgID]
		if ok {
			delete(r.pending, msg.ParentHeader.MsgID)
		}
		r.mu.Unlock()
		if ok {
			reply <- msg
		}
	case "stdin":
		if msg.Header.MsgType == protocol.MsgTypeInputRequest {
			go r.answerStdin(msg)
		}
	}
}

func (r *Remote) answerStdin(request *protocol.Message) {
	value := ""
	if r.cfg.Stdin != nil {
		prompt, _ := request.Content["prompt"].(string)
		password, _ := request.Content["password"].(bool)
		if v, err := r.cfg.Stdin(context.Background(), prompt, password); err == nil {
			value = v
		}
	}
	reply := protocol.NewMessage(r.id, protocol.MsgTypeInputReply, map[string]any{"value": value})
	reply.ParentHeader = request.Header
	if err := r.send(reply, "stdin"); err != nil {
		r.logger.Warn("Failed to answer input_request", zap.Error(err))
	}
}

func (r *Remote) setIfRunning(s Status) {
	switch r.st.get() {
	case StatusIdle, StatusBusy:
		r.st.set(s)
	}
}

func (r *Remote) send(msg *protocol.Message, channel string) error {
	data, err := sonic.Marshal(wrapMessage(msg, channel))
	if err != nil {
		return err
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// request sends a message expecting a direct reply on the same channel.
func (r *Remote) request(ctx context.Context, msg *protocol.Message, channel string) (*protocol.Message, error) {
	replyCh := make(chan *protocol.Message, 1)
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, ErrSessionDead
	}
	r.pending[msg.Header.MsgID] = replyCh
	r.mu.Unlock()

	if err := r.send(msg, channel); err != nil {
		r.mu.Lock()
		delete(r.pending, msg.Header.MsgID)
		r.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, msg.Header.MsgID)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Execute submits code over the websocket shell channel.
func (r *Remote) Execute(ctx context.Context, code string) (*Execution, error) {
	switch r.st.get() {
	case StatusNotStarted, StatusStarting:
		return nil, ErrNotStarted
	case StatusDead:
		return nil, ErrSessionDead
	}

	msg := protocol.NewExecuteRequest(r.id, code, false)
	sub, cancelSub := r.iopub.subscribe(128)
	out := make(chan *protocol.Message, 128)
	exec := newExecution(msg, out)

	replyCh := make(chan struct{})
	go func() {
		reply, err := r.request(ctx, msg, "shell")
		exec.finish(reply, err)
		close(replyCh)
	}()
	go forwardOutputs(sub, cancelSub, out, msg, replyCh)

	return exec, nil
}

// Interrupt asks the server to interrupt the kernel.
func (r *Remote) Interrupt(ctx context.Context) error {
	kernelID := r.KernelID()
	if kernelID == "" {
		return ErrNotStarted
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.KernelInterrupts.Inc()
	}
	return r.cfg.Client.InterruptKernel(ctx, kernelID)
}

// Restart asks the server to restart the kernel in place. The websocket
// stays attached: the kernel id does not change.
func (r *Remote) Restart(ctx context.Context) error {
	kernelID := r.KernelID()
	if kernelID == "" {
		return ErrNotStarted
	}
	r.st.set(StatusRestarting)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.KernelRestarts.Inc()
	}

	if _, err := r.cfg.Client.RestartKernel(ctx, kernelID); err != nil {
		r.st.set(StatusDead)
		return err
	}
	r.st.set(StatusIdle)
	return nil
}

// WaitForIdle round-trips kernel_info over the websocket. On timeout the
// session is shut down rather than left half-alive.
func (r *Remote) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := protocol.NewMessage(r.id, protocol.MsgTypeKernelInfoReq, nil)
	if _, err := r.request(waitCtx, msg, "shell"); err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.logger.Warn("Remote kernel never reached idle, shutting session down",
			zap.String("session", r.id), zap.Duration("timeout", timeout))
		r.Shutdown(context.Background())
		return ErrIdleTimeout
	}
	return nil
}

// Shutdown disconnects, killing the server-side kernel only when it is ours
// to kill.
func (r *Remote) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	conn := r.conn
	kernelID := r.kernelID
	r.mu.Unlock()

	if kernelID != "" && CanShutdownKernel(r.cfg.Meta, r.cfg.SessionType, false) {
		if err := r.cfg.Client.DeleteKernel(ctx, kernelID); err != nil {
			// Teardown carries on past individual failures.
			r.logger.Warn("Failed to delete remote kernel",
				zap.String("session", r.id), zap.String("kernel", kernelID), zap.Error(err))
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
	r.st.set(StatusDead)
	r.iopub.close()
	return nil
}

// Dispose disconnects without touching the server-side kernel.
func (r *Remote) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	r.st.set(StatusDead)
	r.iopub.close()
}
