package server

import (
	"context"
)

// Run starts the server and blocks until ctx is cancelled or Shutdown is
// called, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	if err := s.StartMetricsHTTP(); err != nil {
		s.Shutdown()
		return err
	}
	s.metrics.StartPeriodicLog(s.log, s.cfg.MetricsInterval, s.ctx.Done())

	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}

	s.log.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown stops accepting, closes every connection and waits until each
// session has finished its teardown, storage areas included. Safe to call
// more than once.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}

		s.liveMu.Lock()
		s.closing = true
		live := make([]*Session, 0, len(s.live))
		for _, sess := range s.live {
			live = append(live, sess)
		}
		s.liveMu.Unlock()

		for _, sess := range live {
			sess.closeConn()
		}
		s.sessions.Wait()
		s.metrics.LogSummary(s.log)
	})
}
