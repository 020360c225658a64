package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/NicolasHaas/textrelay/pkg/model"
	"github.com/NicolasHaas/textrelay/pkg/protocol"
)

// ErrNotConnected is returned when delivering to a session that is closing.
var ErrNotConnected = errors.New("server: session not connected")

// Session is the server-side state of one client connection. It owns conn;
// the registry only holds a reference keyed by ID.
type Session struct {
	id   uint64
	srv  *Server
	conn net.Conn
	log  *slog.Logger

	// writeMu serializes frames written by the session itself and by
	// broadcasters. Lock order: Registry.mu before writeMu.
	writeMu sync.Mutex

	mu          sync.Mutex
	state       model.State
	username    string
	connectedAt time.Time
	admitted    bool // holds a registry name and a storage area

	closeOnce    sync.Once
	teardownOnce sync.Once
}

func newSession(srv *Server, id uint64, conn net.Conn) *Session {
	return &Session{
		id:    id,
		srv:   srv,
		conn:  conn,
		log:   srv.log.With("session", id, "remote", conn.RemoteAddr().String()),
		state: model.StateConnecting,
	}
}

// ID returns the process-unique session id.
func (s *Session) ID() uint64 { return s.id }

// Username returns the resolved username, empty before the handshake.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// ConnectedAt returns the handshake completion time.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// State returns the current lifecycle state.
func (s *Session) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(next model.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		return false
	}
	s.state = next
	return true
}

// admit records the final username. Called by the registry inside its critical section.
func (s *Session) admit(name string, at time.Time) {
	s.mu.Lock()
	s.username = name
	s.connectedAt = at
	s.admitted = true
	if s.state.CanTransition(model.StateAuthenticated) {
		s.state = model.StateAuthenticated
	}
	s.mu.Unlock()
	s.log = s.log.With("user", name)
}

func (s *Session) ownsStorage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.admitted
}

// ----- Writes -----

func (s *Session) writeText(msg string) error {
	return s.writeFrames(protocol.Frame{Type: protocol.FrameText, Payload: []byte(msg)})
}

// writeFrames writes frames back to back so nothing can interleave, e.g. a
// "Receiving" notice and the blob that follows it.
func (s *Session) writeFrames(frames ...protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, f := range frames {
		s.setWriteDeadline(len(f.Payload))
		if err := protocol.WriteFrame(s.conn, f.Type, f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// deliver writes a broadcast line. Sessions that are no longer registered
// report ErrNotConnected without touching the connection.
func (s *Session) deliver(line string) error {
	if !s.State().Registered() {
		return ErrNotConnected
	}
	return s.writeText(line)
}

// setWriteDeadline allows one WriteTimeout per started MiB of payload.
func (s *Session) setWriteDeadline(size int) {
	timeout := s.srv.cfg.WriteTimeout
	if timeout <= 0 {
		return
	}
	timeout *= time.Duration(1 + size>>20)
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
}

// ----- Lifecycle -----

// run drives the session from handshake to teardown.
func (s *Session) run() {
	reason := "handshake failed"
	defer func() { s.teardown(reason) }()

	if err := s.handshake(); err != nil {
		s.srv.metrics.FailedHandshakes.Add(1)
		if isClosedErr(err) {
			s.log.Debug("connection closed during handshake", "err", err)
		} else {
			s.log.Warn("handshake failed", "err", err)
		}
		return
	}
	reason = s.readLoop()
}

// handshake reads the requested username and registers the session under
// it, or under a disambiguated name when it is taken.
func (s *Session) handshake() error {
	if t := s.srv.cfg.HandshakeTimeout; t > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(t))
	}
	f, err := protocol.ReadFrame(s.conn, 0)
	if err != nil {
		return fmt.Errorf("read username: %w", err)
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	if f.Type != protocol.FrameText {
		return fmt.Errorf("%w: handshake wants text, got %s", protocol.ErrUnexpectedFrame, f.Type)
	}
	requested := f.Text()
	if err := model.ValidateUsername(requested); err != nil {
		_ = s.writeText(protocol.NoticeInvalidName + err.Error())
		return fmt.Errorf("username %q: %w", requested, err)
	}

	name, renamed, err := s.srv.registry.Admit(s, requested, func(name string) error {
		return s.writeFrames(
			protocol.Frame{Type: protocol.FrameText, Payload: []byte(protocol.NoticeNameTaken)},
			protocol.Frame{Type: protocol.FrameText, Payload: []byte(protocol.RenamedNotice(name))},
		)
	})
	if name != "" {
		s.srv.metrics.ActiveSessions.Add(1)
		if renamed {
			s.srv.metrics.Renames.Add(1)
		}
	}
	if err != nil {
		return fmt.Errorf("admit %q: %w", requested, err)
	}

	if renamed {
		s.log.Info("client connected", "requested", requested)
	} else {
		s.log.Info("client connected")
	}
	return nil
}

// readLoop reads control messages until logout or connection loss and
// returns the reason it stopped.
func (s *Session) readLoop() string {
	s.transition(model.StateActive)

	for {
		f, err := protocol.ReadFrame(s.conn, s.srv.cfg.MaxFileSize)
		var msg *protocol.ControlMessage
		if err == nil {
			msg, err = protocol.DecodeControl(f)
		}
		if err != nil {
			if protocol.IsProtocolViolation(err) {
				s.srv.metrics.DroppedFrames.Add(1)
				s.log.Debug("dropped frame", "err", err)
				continue
			}
			if isClosedErr(err) {
				return "connection closed"
			}
			s.log.Warn("read error", "err", err)
			return "read error"
		}

		switch msg.Kind {
		case protocol.KindLogout:
			s.log.Info("client sent logout")
			return "logout"
		case protocol.KindWhoIsIn:
			s.handleWhoIsIn()
		case protocol.KindChat:
			if err := s.handleChat(msg.Payload); err != nil {
				s.log.Warn("connection lost during transfer", "err", err)
				return "read error"
			}
		}
	}
}

// handleWhoIsIn lists the registered sessions in join order to this client only.
func (s *Session) handleWhoIsIn() {
	s.srv.metrics.WhoIsInRequests.Add(1)
	for _, e := range s.srv.registry.Snapshot() {
		line := fmt.Sprintf("%d) %s since %s", e.Position, e.Username, e.ConnectedAt.Format(time.UnixDate))
		if err := s.writeText(line); err != nil {
			s.log.Debug("whoisin write failed", "err", err)
			return
		}
	}
}

// handleChat dispatches a chat payload. It returns an error only when the
// connection was lost while reading a file payload.
func (s *Session) handleChat(payload string) error {
	cmd := protocol.ParseCommand(payload)
	switch cmd.Kind {
	case protocol.CommandSend:
		return s.receiveFile(cmd.Arg)
	case protocol.CommandGet:
		s.sendFile(cmd.Arg)
	case protocol.CommandBroadcast:
		s.srv.broadcast(cmd.Arg, s.Username())
	default:
		s.srv.broadcast(payload, s.Username())
	}
	return nil
}

// closeConn closes the connection once. Errors are ignored.
func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// teardown releases everything the session holds: registry entry,
// connection, storage area, name reservation. Only the first call acts.
func (s *Session) teardown(reason string) {
	s.teardownOnce.Do(func() {
		removed := s.srv.registry.Remove(s.id)
		s.transition(model.StateClosing)
		s.closeConn()

		if name, ok := s.ownsStorage(); ok {
			if err := s.srv.storage.Teardown(name); err != nil {
				s.log.Error("storage teardown failed", "err", err)
			} else {
				s.log.Debug("storage deleted", "dir", name)
			}
			s.srv.registry.Release(name, s.id)
			s.srv.metrics.ActiveSessions.Add(-1)
		}

		s.transition(model.StateClosed)
		s.srv.metrics.TotalDisconnects.Add(1)
		s.log.Info("client disconnected", "reason", reason, "was_registered", removed)
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
