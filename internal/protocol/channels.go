package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/connection"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
)

// iopubBuffer bounds the fan-in queue from the kernel's iopub socket. Slow
// consumers drop messages rather than stall the pump.
const iopubBuffer = 256

// Channels multiplexes the five kernel sockets behind request/reply and
// fan-out APIs. One Channels instance belongs to one kernel connection.
type Channels struct {
	info    *connection.Info
	signer  *Signer
	session string
	logger  *logging.Logger

	shell   zmq4.Socket
	control zmq4.Socket
	stdin   zmq4.Socket
	iopub   zmq4.Socket
	hb      zmq4.Socket

	iopubOut chan *Message
	stdinOut chan *Message

	mu      sync.Mutex
	pending map[string]chan *Message
	closed  bool
	done    chan struct{}
}

// NewChannels prepares a channel set for the given connection. Dial must be
// called before use.
func NewChannels(info *connection.Info, logger *logging.Logger) *Channels {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Channels{
		info:     info,
		signer:   NewSigner(info.Key),
		session:  uuid.NewString(),
		logger:   logger,
		iopubOut: make(chan *Message, iopubBuffer),
		stdinOut: make(chan *Message, 8),
		pending:  make(map[string]chan *Message),
		done:     make(chan struct{}),
	}
}

// Session returns the client session id stamped on outgoing headers.
func (c *Channels) Session() string {
	return c.session
}

// Dial connects all five sockets and starts the receive pumps.
func (c *Channels) Dial(ctx context.Context) error {
	identity := zmq4.SocketIdentity(c.session)

	c.shell = zmq4.NewDealer(ctx, zmq4.WithID(identity))
	c.control = zmq4.NewDealer(ctx, zmq4.WithID(identity))
	c.stdin = zmq4.NewDealer(ctx, zmq4.WithID(identity))
	c.iopub = zmq4.NewSub(ctx)
	c.hb = zmq4.NewReq(ctx)

	dials := []struct {
		sock zmq4.Socket
		port int
		name string
	}{
		{c.shell, c.info.ShellPort, "shell"},
		{c.control, c.info.ControlPort, "control"},
		{c.stdin, c.info.StdinPort, "stdin"},
		{c.iopub, c.info.IOPubPort, "iopub"},
		{c.hb, c.info.HBPort, "hb"},
	}
	for _, d := range dials {
		if err := d.sock.Dial(c.info.Addr(d.port)); err != nil {
			c.Close()
			return fmt.Errorf("failed to dial %s channel: %w", d.name, err)
		}
	}

	if err := c.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		c.Close()
		return fmt.Errorf("failed to subscribe iopub: %w", err)
	}

	go c.pumpReplies(c.shell, "shell")
	go c.pumpReplies(c.control, "control")
	go c.pumpIOPub()
	go c.pumpStdin()

	return nil
}

// IOPub returns the fan-in stream of kernel side-effect messages. The
// session layer re-broadcasts it to local listeners.
func (c *Channels) IOPub() <-chan *Message {
	return c.iopubOut
}

// StdinRequests returns input_request messages awaiting an input_reply.
func (c *Channels) StdinRequests() <-chan *Message {
	return c.stdinOut
}

// RequestShell sends a message on the shell channel and waits for its reply.
func (c *Channels) RequestShell(ctx context.Context, msg *Message) (*Message, error) {
	return c.request(ctx, c.shell, msg)
}

// RequestControl sends a message on the control channel and waits for its
// reply. Interrupt and shutdown use control so a busy shell cannot starve
// them.
func (c *Channels) RequestControl(ctx context.Context, msg *Message) (*Message, error) {
	return c.request(ctx, c.control, msg)
}

// SendStdinReply answers an input_request.
func (c *Channels) SendStdinReply(parent *Message, value string) error {
	reply := NewMessage(c.session, MsgTypeInputReply, map[string]any{"value": value})
	reply.ParentHeader = parent.Header
	frames, err := EncodeFrames(reply, c.signer)
	if err != nil {
		return err
	}
	return c.stdin.Send(zmq4.NewMsgFrom(frames...))
}

// Heartbeat sends one ping and waits for the echo, bounded by ctx.
func (c *Channels) Heartbeat(ctx context.Context) error {
	payload := []byte("ping")
	if err := c.hb.Send(zmq4.NewMsg(payload)); err != nil {
		return fmt.Errorf("heartbeat send failed: %w", err)
	}

	echo := make(chan error, 1)
	go func() {
		_, err := c.hb.Recv()
		echo <- err
	}()

	select {
	case err := <-echo:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down all sockets and pumps. Idempotent.
func (c *Channels) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	for _, sock := range []zmq4.Socket{c.shell, c.control, c.stdin, c.iopub, c.hb} {
		if sock != nil {
			_ = sock.Close()
		}
	}
}

func (c *Channels) request(ctx context.Context, sock zmq4.Socket, msg *Message) (*Message, error) {
	frames, err := EncodeFrames(msg, c.signer)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("channels closed")
	}
	c.pending[msg.Header.MsgID] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Header.MsgID)
		c.mu.Unlock()
	}()

	if err := sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-c.done:
		return nil, fmt.Errorf("channels closed while awaiting reply")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pumpReplies routes replies to their waiting requests by parent msg_id.
func (c *Channels) pumpReplies(sock zmq4.Socket, name string) {
	for {
		raw, err := sock.Recv()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("Channel receive ended", zap.String("channel", name), zap.Error(err))
			}
			return
		}

		msg, err := DecodeFrames(raw.Frames, c.signer)
		if err != nil {
			c.logger.Warn("Dropping undecodable message", zap.String("channel", name), zap.Error(err))
			continue
		}

		c.mu.Lock()
		replyCh, ok := c.pending[msg.ParentHeader.MsgID]
		c.mu.Unlock()
		if !ok {
			// Not silently dropped: unmatched replies are diagnosable.
			c.logger.Debug("Unhandled reply",
				zap.String("channel", name),
				zap.String("msg_type", msg.Header.MsgType),
				zap.String("parent", msg.ParentHeader.MsgID))
			continue
		}
		replyCh <- msg
	}
}

func (c *Channels) pumpIOPub() {
	for {
		raw, err := c.iopub.Recv()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("IOPub receive ended", zap.Error(err))
			}
			return
		}

		msg, err := DecodeFrames(raw.Frames, c.signer)
		if err != nil {
			c.logger.Warn("Dropping undecodable iopub message", zap.Error(err))
			continue
		}

		select {
		case c.iopubOut <- msg:
		default:
			c.logger.Warn("IOPub consumer too slow, dropping message",
				zap.String("msg_type", msg.Header.MsgType))
		}
	}
}

func (c *Channels) pumpStdin() {
	for {
		raw, err := c.stdin.Recv()
		if err != nil {
			return
		}
		msg, err := DecodeFrames(raw.Frames, c.signer)
		if err != nil {
			continue
		}
		if msg.Header.MsgType != MsgTypeInputRequest {
			continue
		}
		select {
		case c.stdinOut <- msg:
		case <-c.done:
			return
		}
	}
}

// PingUntilReady polls the heartbeat channel until the kernel echoes or the
// deadline passes.
func (c *Channels) PingUntilReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		hbCtx, cancel := context.WithTimeout(ctx, interval)
		err := c.Heartbeat(hbCtx)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
