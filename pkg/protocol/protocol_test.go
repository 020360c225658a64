package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, "alice"))
	require.NoError(t, WriteControlMessage(&buf, Chat("hello")))
	require.NoError(t, WriteBlob(&buf, []byte{0, 1, 2, 0xff}))
	require.NoError(t, WriteBlob(&buf, nil))

	f, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, FrameText, f.Type)
	assert.Equal(t, "alice", f.Text())

	f, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	msg, err := DecodeControl(f)
	require.NoError(t, err)
	assert.Equal(t, KindChat, msg.Kind)
	assert.Equal(t, "hello", msg.Payload)

	f, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, FrameBlob, f.Type)
	assert.Equal(t, []byte{0, 1, 2, 0xff}, f.Payload)

	f, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, FrameBlob, f.Type)
	assert.Empty(t, f.Payload)

	_, err = ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestControlMessageWireFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteControlMessage(&buf, &ControlMessage{Kind: KindWhoIsIn}))

	raw := buf.Bytes()
	require.Greater(t, len(raw), HeaderSize)
	assert.Equal(t, byte(FrameControl), raw[0])
	assert.Equal(t, uint32(len(raw)-HeaderSize), binary.BigEndian.Uint32(raw[1:HeaderSize]))
	assert.JSONEq(t, `{"kind":"whoisin"}`, string(raw[HeaderSize:]))
}

func TestOversizedBlobIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBlob(&buf, bytes.Repeat([]byte{'x'}, 100)))
	require.NoError(t, WriteText(&buf, "next"))

	_, err := ReadFrame(&buf, 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.True(t, IsProtocolViolation(err))

	f, err := ReadFrame(&buf, 10)
	require.NoError(t, err)
	assert.Equal(t, "next", f.Text())
}

func TestOversizedTextRejectedOnWrite(t *testing.T) {
	err := WriteText(io.Discard, strings.Repeat("a", MaxControlMessage+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestUnknownFrameTypeIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameType(9), []byte("junk")))
	require.NoError(t, WriteText(&buf, "after"))

	_, err := ReadFrame(&buf, 0)
	require.ErrorIs(t, err, ErrUnexpectedFrame)

	f, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "after", f.Text())
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, "truncated"))
	short := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	_, err := ReadFrame(short, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, IsProtocolViolation(err))
}

func TestDecodeControlErrors(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr error
	}{
		{"text frame", Frame{Type: FrameText, Payload: []byte("hi")}, ErrUnexpectedFrame},
		{"blob frame", Frame{Type: FrameBlob, Payload: []byte{1}}, ErrUnexpectedFrame},
		{"bad json", Frame{Type: FrameControl, Payload: []byte("{not json")}, ErrMalformed},
		{"unknown kind", Frame{Type: FrameControl, Payload: []byte(`{"kind":"dance"}`)}, ErrMalformed},
		{"numeric kind", Frame{Type: FrameControl, Payload: []byte(`{"kind":1}`)}, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeControl(tt.frame)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsProtocolViolation(err))
		})
	}
}

func TestKindCaseInsensitive(t *testing.T) {
	msg, err := DecodeControl(Frame{Type: FrameControl, Payload: []byte(`{"kind":"LOGOUT"}`)})
	require.NoError(t, err)
	assert.Equal(t, KindLogout, msg.Kind)
	assert.Empty(t, msg.Payload)
}

func TestWriteErrorsAreWrapped(t *testing.T) {
	err := WriteText(failingWriter{}, "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
}

var errBoom = errors.New("boom")

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errBoom }
