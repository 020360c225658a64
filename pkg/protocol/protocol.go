// Package protocol defines the textrelay frame format and control messages.
//
// Every value on the wire is a frame:
//
//	[type(1) | length(4, big-endian) | payload(length)]
//
// Text frames carry the handshake username and every server notice, control
// frames carry a JSON ControlMessage, and blob frames carry raw file bytes.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the byte size of a frame header.
	HeaderSize = 5

	// MaxControlMessage is the maximum text or control frame size (64KB).
	MaxControlMessage = 65536

	// DefaultMaxBlob is the default maximum file payload size (32MB).
	DefaultMaxBlob = 32 << 20
)

var (
	ErrFrameTooLarge   = errors.New("protocol: frame too large")
	ErrUnexpectedFrame = errors.New("protocol: unexpected frame type")
	ErrMalformed       = errors.New("protocol: malformed control message")
)

// FrameType tags the payload of a frame.
type FrameType uint8

const (
	FrameText    FrameType = 1
	FrameControl FrameType = 2
	FrameBlob    FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameControl:
		return "control"
	case FrameBlob:
		return "blob"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

func (t FrameType) valid() bool {
	return t >= FrameText && t <= FrameBlob
}

// Frame is one decoded unit of the stream.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Text returns the payload as a string.
func (f Frame) Text() string { return string(f.Payload) }

// WriteFrame writes a single frame. Callers that share w between goroutines
// must serialize calls themselves.
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	if t != FrameBlob && len(payload) > MaxControlMessage {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	header := make([]byte, HeaderSize)
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload))) //nolint:gosec // length bounds-checked above
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// WriteText writes a text frame.
func WriteText(w io.Writer, s string) error {
	return WriteFrame(w, FrameText, []byte(s))
}

// WriteBlob writes a blob frame.
func WriteBlob(w io.Writer, data []byte) error {
	return WriteFrame(w, FrameBlob, data)
}

// WriteControlMessage writes a control frame holding msg as JSON.
func WriteControlMessage(w io.Writer, msg *ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	return WriteFrame(w, FrameControl, data)
}

// ReadFrame reads the next frame from r. Blob payloads larger than maxBlob
// (DefaultMaxBlob when maxBlob <= 0) and text/control payloads larger than
// MaxControlMessage are read and discarded, and ErrFrameTooLarge is returned
// with the stream still positioned at the next frame. Frames with an unknown
// type are skipped the same way and reported as ErrUnexpectedFrame.
func ReadFrame(r io.Reader, maxBlob int64) (Frame, error) {
	if maxBlob <= 0 {
		maxBlob = DefaultMaxBlob
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	t := FrameType(header[0])
	length := int64(binary.BigEndian.Uint32(header[1:]))

	limit := int64(MaxControlMessage)
	if t == FrameBlob {
		limit = maxBlob
	}
	if !t.valid() || length > limit {
		if _, err := io.CopyN(io.Discard, r, length); err != nil {
			return Frame{}, unexpectedEOF(err)
		}
		if !t.valid() {
			return Frame{Type: t}, fmt.Errorf("%w: %s", ErrUnexpectedFrame, t)
		}
		return Frame{Type: t}, fmt.Errorf("%w: %s of %d bytes", ErrFrameTooLarge, t, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, unexpectedEOF(err)
	}
	return Frame{Type: t, Payload: payload}, nil
}

// ReadControlMessage reads the next frame and decodes it as a control message.
func ReadControlMessage(r io.Reader) (*ControlMessage, error) {
	f, err := ReadFrame(r, 0)
	if err != nil {
		return nil, err
	}
	return DecodeControl(f)
}

// DecodeControl decodes a control frame. Any other frame type yields
// ErrUnexpectedFrame; undecodable JSON or an unknown kind yields ErrMalformed.
func DecodeControl(f Frame) (*ControlMessage, error) {
	if f.Type != FrameControl {
		return nil, fmt.Errorf("%w: want control, got %s", ErrUnexpectedFrame, f.Type)
	}
	msg := &ControlMessage{}
	if err := json.Unmarshal(f.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// IsProtocolViolation reports whether err leaves the stream usable, so the
// offending frame can simply be dropped.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnexpectedFrame) ||
		errors.Is(err, ErrFrameTooLarge)
}

// A header followed by a short payload is a truncated stream, not a clean close.
func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
