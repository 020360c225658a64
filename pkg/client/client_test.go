package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/textrelay/pkg/protocol"
)

func pipe(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	c := New(a)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c, b
}

func TestLoginAndRename(t *testing.T) {
	c, srv := pipe(t)

	go func() {
		f, err := protocol.ReadFrame(srv, 0)
		if err != nil || f.Text() != "alice" {
			return
		}
		_ = protocol.WriteText(srv, protocol.NoticeNameTaken)
		_ = protocol.WriteText(srv, protocol.RenamedNotice("alice7"))
	}()

	require.NoError(t, c.Login("alice"))
	assert.Equal(t, "alice", c.Username())

	ev, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.NoticeNameTaken, ev.Text)

	ev, err = c.Next()
	require.NoError(t, err)
	assert.Equal(t, "Username is now: alice7", ev.Text)
	assert.Equal(t, "alice7", c.Username())
}

func TestReceivingNoticeCarriesFile(t *testing.T) {
	c, srv := pipe(t)

	go func() {
		_ = protocol.WriteText(srv, protocol.ReceivingNotice("/bob/notes.txt"))
		_ = protocol.WriteBlob(srv, []byte("hello"))
	}()

	ev, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, "Receiving /bob/notes.txt", ev.Text)
	require.NotNil(t, ev.File)
	assert.Equal(t, "notes.txt", ev.File.Name)
	assert.Equal(t, "/bob/notes.txt", ev.File.Path)
	assert.Equal(t, []byte("hello"), ev.File.Data)
}

func TestUploadReceiptIsVerified(t *testing.T) {
	c, srv := pipe(t)
	data := []byte("payload")

	go func() {
		_ = c.SendFile("up.txt", data)
	}()
	_, err := protocol.ReadControlMessage(srv)
	require.NoError(t, err)
	_, err = protocol.ReadFrame(srv, 0)
	require.NoError(t, err)

	go func() {
		_ = protocol.WriteText(srv, protocol.ReceivedNotice("up.txt", protocol.Digest(data)))
		_ = protocol.WriteText(srv, protocol.ReceivedNotice("other.txt", "00"))
	}()

	ev, err := c.Next()
	require.NoError(t, err)
	require.NotNil(t, ev.Receipt)
	assert.Equal(t, "up.txt", ev.Receipt.Name)
	assert.True(t, ev.Receipt.Verified)

	ev, err = c.Next()
	require.NoError(t, err)
	require.NotNil(t, ev.Receipt)
	assert.False(t, ev.Receipt.Verified)
}

func TestReceivingWithoutBlobKeepsReceiving(t *testing.T) {
	c, srv := pipe(t)

	got := make(chan Event, 4)
	c.StartReceiving(func(ev Event) { got <- ev })

	require.NoError(t, protocol.WriteText(srv, protocol.ReceivingNotice("x/y")))
	require.NoError(t, protocol.WriteText(srv, "not a blob"))
	require.NoError(t, protocol.WriteText(srv, "bob: still here"))

	var texts []string
	for len(texts) < 2 {
		select {
		case ev := <-got:
			assert.Nil(t, ev.File)
			texts = append(texts, ev.Text)
		case <-time.After(5 * time.Second):
			t.Fatalf("receive loop stopped after %v", texts)
		}
	}
	assert.Equal(t, []string{"Receiving x/y", "bob: still here"}, texts)
}

func TestNextSkipsUnknownFrames(t *testing.T) {
	c, srv := pipe(t)

	go func() {
		_ = protocol.WriteFrame(srv, protocol.FrameType(9), []byte("junk"))
		_ = protocol.WriteText(srv, "bob: hi")
	}()

	ev, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, "bob: hi", ev.Text)
	assert.Nil(t, ev.File)
}

func TestSendFileWritesCommandThenBlob(t *testing.T) {
	c, srv := pipe(t)

	errc := make(chan error, 1)
	go func() { errc <- c.SendFile("dir/report.pdf", []byte{1, 2, 3}) }()

	msg, err := protocol.ReadControlMessage(srv)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindChat, msg.Kind)
	assert.Equal(t, "SEND /report.pdf", msg.Payload)

	f, err := protocol.ReadFrame(srv, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameBlob, f.Type)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload)
	require.NoError(t, <-errc)
}

func TestStartReceivingStopsOnClose(t *testing.T) {
	c, srv := pipe(t)

	got := make(chan Event, 1)
	c.StartReceiving(func(ev Event) { got <- ev })

	require.NoError(t, protocol.WriteText(srv, "1) alice since now"))
	select {
	case ev := <-got:
		assert.Equal(t, "1) alice since now", ev.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	require.NoError(t, srv.Close())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receive loop did not stop")
	}
	assert.NoError(t, c.Err())
}
