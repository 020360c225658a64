// Package client implements the textrelay client networking.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/textrelay/pkg/protocol"
)

// Event is one thing received from the server: a text line, a file, or both
// when a "Receiving" notice is followed by its payload. Receipt is set when
// the line confirms an upload.
type Event struct {
	Text    string
	File    *File
	Receipt *Receipt
}

// Receipt is the server's confirmation of an upload.
type Receipt struct {
	Name   string
	Digest string // digest of the bytes the server stored
	// Verified is true when Digest matches the bytes sent by SendFile.
	Verified bool
}

// File is a downloaded file.
type File struct {
	Path string // server-side path as requested
	Name string // base name, suitable for saving locally
	Data []byte
}

// EventHandler is a callback for incoming events.
type EventHandler func(ev Event)

// Client manages the TCP connection to a textrelay server.
type Client struct {
	conn net.Conn

	// MaxFileSize bounds accepted downloads. Zero means protocol.DefaultMaxBlob.
	MaxFileSize int64

	wmu sync.Mutex // serializes frame writes

	mu       sync.Mutex
	username string
	pending  map[string]string // upload name -> digest of the bytes sent

	done chan struct{}
	err  error
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		pending: make(map[string]string),
		done:    make(chan struct{}),
	}
}

// Login sends the username handshake. The server may rename the session;
// Username reflects the rename once its notice has been received.
func (c *Client) Login(username string) error {
	c.setUsername(username)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.WriteText(c.conn, username); err != nil {
		return fmt.Errorf("client: send username: %w", err)
	}
	return nil
}

// Username returns the name the server knows this client by.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) setUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
}

// Send sends a control message to the server.
func (c *Client) Send(msg *protocol.ControlMessage) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteControlMessage(c.conn, msg)
}

// Chat sends a chat payload; sub-commands are interpreted by the server.
func (c *Client) Chat(text string) error {
	return c.Send(protocol.Chat(text))
}

// Broadcast sends text with the explicit BROADCAST keyword.
func (c *Client) Broadcast(text string) error {
	return c.Chat("BROADCAST " + text)
}

// WhoIsIn asks for the list of connected users.
func (c *Client) WhoIsIn() error {
	return c.Send(&protocol.ControlMessage{Kind: protocol.KindWhoIsIn})
}

// Logout asks the server to end the session.
func (c *Client) Logout() error {
	return c.Send(&protocol.ControlMessage{Kind: protocol.KindLogout})
}

// SendFile uploads data as name into this user's storage area. The
// server's confirmation arrives as an Event with a Receipt.
func (c *Client) SendFile(name string, data []byte) error {
	base := protocol.BaseName(name)
	c.mu.Lock()
	c.pending[base] = protocol.Digest(data)
	c.mu.Unlock()

	msg := protocol.Chat(protocol.SendCommand(base))
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.WriteControlMessage(c.conn, msg); err != nil {
		return fmt.Errorf("client: send file command: %w", err)
	}
	if err := protocol.WriteBlob(c.conn, data); err != nil {
		return fmt.Errorf("client: send file data: %w", err)
	}
	return nil
}

// RequestFile asks for the file at the storage-relative path p, e.g. "alice/notes.txt".
func (c *Client) RequestFile(p string) error {
	return c.Chat(protocol.GetCommand(p))
}

// SetDeadline sets the read and write deadline on the connection.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Next reads the next event. A "Receiving <path>" notice is returned
// together with the blob that follows it. Frames the client does not
// understand are skipped.
func (c *Client) Next() (Event, error) {
	for {
		f, err := protocol.ReadFrame(c.conn, c.MaxFileSize)
		if err != nil {
			if protocol.IsProtocolViolation(err) {
				slog.Debug("client: skipped frame", "err", err)
				continue
			}
			return Event{}, err
		}

		switch f.Type {
		case protocol.FrameText:
			return c.text(f.Text())
		case protocol.FrameBlob:
			return Event{File: &File{Data: f.Payload}}, nil
		default:
			slog.Debug("client: ignored frame", "type", f.Type)
		}
	}
}

func (c *Client) text(line string) (Event, error) {
	ev := Event{Text: line}
	if name, ok := strings.CutPrefix(line, protocol.NoticeRenamedPrefix); ok {
		c.setUsername(name)
		return ev, nil
	}
	if name, digest, ok := protocol.ParseReceivedNotice(line); ok {
		c.mu.Lock()
		sent, known := c.pending[name]
		delete(c.pending, name)
		c.mu.Unlock()
		ev.Receipt = &Receipt{Name: name, Digest: digest, Verified: known && sent == digest}
		return ev, nil
	}
	p, ok := strings.CutPrefix(line, protocol.NoticeReceiving)
	if !ok {
		return ev, nil
	}
	f, err := protocol.ReadFrame(c.conn, c.MaxFileSize)
	if err != nil {
		return ev, fmt.Errorf("client: receive %s: %w", p, err)
	}
	if f.Type != protocol.FrameBlob {
		return ev, fmt.Errorf("client: receive %s: %w: got %s", p, protocol.ErrUnexpectedFrame, f.Type)
	}
	ev.File = &File{Path: p, Name: protocol.BaseName(p), Data: f.Payload}
	return ev, nil
}

// StartReceiving starts a goroutine that reads events and dispatches them
// to handler until the connection ends.
func (c *Client) StartReceiving(handler EventHandler) {
	go func() {
		defer close(c.done)
		for {
			ev, err := c.Next()
			if err != nil && protocol.IsProtocolViolation(err) {
				slog.Warn("client: dropped malformed transfer", "err", err)
				if handler != nil {
					handler(ev)
				}
				continue
			}
			if err != nil {
				if isClosedErr(err) {
					slog.Debug("client: connection closed")
				} else {
					slog.Error("client: read error", "err", err)
					c.err = err
				}
				return
			}
			if handler != nil {
				handler(ev)
			}
		}
	}()
}

// Done returns a channel that's closed when the receive loop ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the receive loop, nil on a clean close.
// Only valid after Done is closed.
func (c *Client) Err() error {
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
