package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/NicolasHaas/textrelay/pkg/version"
)

// acceptRetryDelay throttles the accept loop after a transient error.
const acceptRetryDelay = 50 * time.Millisecond

// Start binds the TCP listener and accepts connections in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln

	s.log.Info("textrelay server listening",
		"addr", ln.Addr().String(),
		"storage", s.storage.Root(),
		"max_file_size", humanize.IBytes(uint64(s.cfg.MaxFileSize)),
		"version", version.String(),
	)

	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept error", "err", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		s.metrics.TotalConnections.Add(1)

		sess, ok := s.track(conn)
		if !ok {
			_ = conn.Close()
			continue
		}
		go func() {
			defer s.untrack(sess)
			sess.log.Debug("new connection")
			sess.run()
		}()
	}
}

// track registers a session goroutine for Shutdown. It refuses new
// connections once shutdown has started.
func (s *Server) track(conn net.Conn) (*Session, bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if s.closing {
		return nil, false
	}
	sess := newSession(s, s.nextID.Add(1), conn)
	s.live[sess.ID()] = sess
	s.sessions.Add(1)
	return sess, true
}

func (s *Server) untrack(sess *Session) {
	s.liveMu.Lock()
	delete(s.live, sess.ID())
	s.liveMu.Unlock()
	s.sessions.Done()
}
