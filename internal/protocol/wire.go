package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// delimiter separates routing identities from message frames on the wire.
var delimiter = []byte("<IDS|MSG>")

// ErrBadSignature is returned when a received message fails HMAC
// verification.
var ErrBadSignature = errors.New("message signature verification failed")

// ErrMalformedWire is returned when a multipart message is missing frames.
var ErrMalformedWire = errors.New("malformed wire message")

// EncodeFrames serializes a message into ZMQ multipart frames:
// delimiter, signature, header, parent_header, metadata, content, buffers.
func EncodeFrames(msg *Message, signer *Signer) ([][]byte, error) {
	header, err := Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	parent, err := Marshal(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parent header: %w", err)
	}
	metadata, err := Marshal(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	content, err := Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}

	signature := signer.Sign(header, parent, metadata, content)

	frames := [][]byte{delimiter, []byte(signature), header, parent, metadata, content}
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// DecodeFrames parses ZMQ multipart frames into a message, skipping any
// routing identities before the delimiter and verifying the signature.
func DecodeFrames(frames [][]byte, signer *Signer) (*Message, error) {
	start := -1
	for i, frame := range frames {
		if bytes.Equal(frame, delimiter) {
			start = i
			break
		}
	}
	if start < 0 || len(frames) < start+6 {
		return nil, fmt.Errorf("%w: %d frames, delimiter at %d", ErrMalformedWire, len(frames), start)
	}

	signature := string(frames[start+1])
	header, parent, metadata, content := frames[start+2], frames[start+3], frames[start+4], frames[start+5]

	if !signer.Verify(signature, header, parent, metadata, content) {
		return nil, ErrBadSignature
	}

	var msg Message
	if err := Unmarshal(header, &msg.Header); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if err := Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("failed to decode parent header: %w", err)
	}
	if err := Unmarshal(metadata, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if err := Unmarshal(content, &msg.Content); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	if len(frames) > start+6 {
		msg.Buffers = frames[start+6:]
	}
	return &msg, nil
}
