package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner("secret-key")
	frames := [][]byte{[]byte(`{"a":1}`), []byte(`{}`), []byte(`{}`), []byte(`{"code":"1+1"}`)}

	sig := s.Sign(frames...)
	require.NotEmpty(t, sig)
	assert.True(t, s.Verify(sig, frames...))
	assert.False(t, s.Verify(sig, frames[1], frames[0], frames[2], frames[3]))
	assert.False(t, NewSigner("other-key").Verify(sig, frames...))
}

func TestSignerEmptyKeyDisablesSigning(t *testing.T) {
	s := NewSigner("")
	assert.Empty(t, s.Sign([]byte("x")))
	assert.True(t, s.Verify("anything", []byte("x")))
}

func TestEncodeDecodeFrames(t *testing.T) {
	signer := NewSigner("key")
	msg := NewExecuteRequest("sess-1", "print(42)", false)

	frames, err := EncodeFrames(msg, signer)
	require.NoError(t, err)
	require.Len(t, frames, 6)

	decoded, err := DecodeFrames(frames, signer)
	require.NoError(t, err)
	assert.Equal(t, msg.Header.MsgID, decoded.Header.MsgID)
	assert.Equal(t, MsgTypeExecuteRequest, decoded.Header.MsgType)
	assert.Equal(t, "print(42)", decoded.Content["code"])
}

func TestDecodeFramesSkipsIdentities(t *testing.T) {
	signer := NewSigner("key")
	msg := NewMessage("sess-1", MsgTypeKernelInfoReq, nil)

	frames, err := EncodeFrames(msg, signer)
	require.NoError(t, err)

	// Routing identities precede the delimiter on DEALER sockets.
	withIdents := append([][]byte{[]byte("identity-a"), []byte("identity-b")}, frames...)
	decoded, err := DecodeFrames(withIdents, signer)
	require.NoError(t, err)
	assert.Equal(t, msg.Header.MsgID, decoded.Header.MsgID)
}

func TestDecodeFramesBadSignature(t *testing.T) {
	msg := NewMessage("sess-1", MsgTypeKernelInfoReq, nil)
	frames, err := EncodeFrames(msg, NewSigner("key"))
	require.NoError(t, err)

	_, err = DecodeFrames(frames, NewSigner("wrong"))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestDecodeFramesMalformed(t *testing.T) {
	_, err := DecodeFrames([][]byte{[]byte("junk")}, NewSigner(""))
	assert.ErrorIs(t, err, ErrMalformedWire)
}

func TestKernelStatus(t *testing.T) {
	status := NewMessage("s", MsgTypeStatus, map[string]any{"execution_state": "idle"})
	assert.Equal(t, "idle", status.KernelStatus())

	stream := NewMessage("s", MsgTypeStream, map[string]any{"text": "hi"})
	assert.Empty(t, stream.KernelStatus())
}

func TestIsChildOf(t *testing.T) {
	parent := NewMessage("s", MsgTypeExecuteRequest, nil)
	child := NewMessage("s", MsgTypeExecuteReply, nil)
	child.ParentHeader = parent.Header

	assert.True(t, child.IsChildOf(parent))
	assert.False(t, parent.IsChildOf(child))
}
