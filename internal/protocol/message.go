// Package protocol implements the client side of the Jupyter kernel wire
// protocol: HMAC-signed, JSON-framed messages multiplexed over the five
// kernel channels (shell, iopub, stdin, control, heartbeat).
package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// ProtocolVersion is the Jupyter message-spec version this client speaks.
const ProtocolVersion = "5.3"

// Common message types routed by the session layer.
const (
	MsgTypeExecuteRequest   = "execute_request"
	MsgTypeExecuteReply     = "execute_reply"
	MsgTypeExecuteResult    = "execute_result"
	MsgTypeKernelInfoReq    = "kernel_info_request"
	MsgTypeKernelInfoReply  = "kernel_info_reply"
	MsgTypeInterruptRequest = "interrupt_request"
	MsgTypeShutdownRequest  = "shutdown_request"
	MsgTypeShutdownReply    = "shutdown_reply"
	MsgTypeStatus           = "status"
	MsgTypeStream           = "stream"
	MsgTypeError            = "error"
	MsgTypeDisplayData      = "display_data"
	MsgTypeInputRequest     = "input_request"
	MsgTypeInputReply       = "input_reply"
)

// Header identifies one message within a session.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	Version  string `json:"version"`
}

// Message is a Jupyter protocol message envelope.
type Message struct {
	Header       Header         `json:"header"`
	ParentHeader Header         `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
	Buffers      [][]byte       `json:"-"`
}

// NewMessage builds a fresh message for the given session.
func NewMessage(session, msgType string, content map[string]any) *Message {
	if content == nil {
		content = map[string]any{}
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			MsgType:  msgType,
			Session:  session,
			Username: "kernelbridge",
			Date:     time.Now().UTC().Format(time.RFC3339),
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  content,
	}
}

// NewExecuteRequest builds an execute_request for the given code.
func NewExecuteRequest(session, code string, silent bool) *Message {
	return NewMessage(session, MsgTypeExecuteRequest, map[string]any{
		"code":             code,
		"silent":           silent,
		"store_history":    !silent,
		"user_expressions": map[string]any{},
		"allow_stdin":      true,
		"stop_on_error":    true,
	})
}

// IsChildOf reports whether m was produced in response to parent.
func (m *Message) IsChildOf(parent *Message) bool {
	return m.ParentHeader.MsgID == parent.Header.MsgID
}

// KernelStatus extracts the execution_state from a status message, or "" for
// other message types.
func (m *Message) KernelStatus() string {
	if m.Header.MsgType != MsgTypeStatus {
		return ""
	}
	if s, ok := m.Content["execution_state"].(string); ok {
		return s
	}
	return ""
}

// Signer computes HMAC-SHA256 signatures over message frames.
type Signer struct {
	key []byte
}

// NewSigner creates a signer for the given connection key. An empty key
// disables signing, matching kernels launched without authentication.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// Sign returns the hex signature over the given frames in order.
func (s *Signer) Sign(frames ...[]byte) string {
	if len(s.key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	for _, frame := range frames {
		mac.Write(frame)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the frames.
func (s *Signer) Verify(signature string, frames ...[]byte) bool {
	if len(s.key) == 0 {
		return true
	}
	expected := s.Sign(frames...)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Marshal encodes a value with the wire JSON codec.
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal decodes a value with the wire JSON codec.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
