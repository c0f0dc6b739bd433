package protocol

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbkernel/kernelbridge/internal/connection"
	"github.com/nbkernel/kernelbridge/internal/ports"
)

// stubSocket accepts sends and never produces a reply.
type stubSocket struct{}

func (stubSocket) Close() error                          { return nil }
func (stubSocket) Send(zmq4.Msg) error                   { return nil }
func (stubSocket) SendMulti(zmq4.Msg) error              { return nil }
func (stubSocket) Recv() (zmq4.Msg, error)               { return zmq4.Msg{}, io.EOF }
func (stubSocket) Listen(string) error                   { return nil }
func (stubSocket) Dial(string) error                     { return nil }
func (stubSocket) Type() zmq4.SocketType                 { return zmq4.Dealer }
func (stubSocket) Addr() net.Addr                        { return nil }
func (stubSocket) GetOption(string) (interface{}, error) { return nil, nil }
func (stubSocket) SetOption(string, interface{}) error   { return nil }

func TestChannelsCloseUnblocksPendingRequest(t *testing.T) {
	c := NewChannels(connection.New(ports.Block{1, 2, 3, 4, 5}, "python3"), nil)

	msg := NewMessage(c.session, MsgTypeKernelInfoReq, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.request(context.Background(), stubSocket{}, msg)
		errCh <- err
	}()

	// The request must be registered before teardown races it.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 1
	}, time.Second, 5*time.Millisecond)

	c.Close()
	c.Close() // idempotent

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "closed")
	case <-time.After(2 * time.Second):
		t.Fatal("request never unblocked after Close")
	}
}

func TestChannelsRequestAfterClose(t *testing.T) {
	c := NewChannels(connection.New(ports.Block{1, 2, 3, 4, 5}, "python3"), nil)
	c.Close()

	_, err := c.request(context.Background(), stubSocket{}, NewMessage(c.session, MsgTypeKernelInfoReq, nil))
	require.Error(t, err)
}
