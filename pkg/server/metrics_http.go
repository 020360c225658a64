package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// metricsHandler serves /metrics in Prometheus text exposition format and /healthz.
func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// StartMetricsHTTP starts the metrics endpoint in the background when
// Config.MetricsAddr is set. It shuts down when the server is shut down.
func (s *Server) StartMetricsHTTP() error {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return nil // metrics endpoint disabled
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen metrics: %w", err)
	}

	srv := &http.Server{
		Handler:           s.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.log.Info("metrics HTTP listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
	return nil
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP textrelay_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE textrelay_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "textrelay_uptime_seconds %f\n", uptime)

	write("textrelay_sessions_active", "Sessions currently registered.", "gauge",
		m.ActiveSessions.Load())
	write("textrelay_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("textrelay_handshakes_failed_total", "Connections dropped before registration.", "counter",
		m.FailedHandshakes.Load())
	write("textrelay_renames_total", "Usernames disambiguated at handshake.", "counter",
		m.Renames.Load())
	write("textrelay_disconnects_total", "Sessions torn down.", "counter",
		m.TotalDisconnects.Load())
	write("textrelay_sessions_pruned_total", "Sessions removed after a failed delivery.", "counter",
		m.PrunedSessions.Load())
	write("textrelay_frames_dropped_total", "Malformed control frames ignored.", "counter",
		m.DroppedFrames.Load())

	write("textrelay_broadcasts_total", "Broadcast requests.", "counter",
		m.Broadcasts.Load())
	write("textrelay_broadcast_deliveries_total", "Individual broadcast deliveries.", "counter",
		m.BroadcastDelivered.Load())
	write("textrelay_whoisin_total", "Who-is-in requests.", "counter",
		m.WhoIsInRequests.Load())

	write("textrelay_files_received_total", "Uploads stored.", "counter",
		m.FilesReceived.Load())
	write("textrelay_files_sent_total", "Downloads delivered.", "counter",
		m.FilesSent.Load())
	write("textrelay_files_not_found_total", "Downloads of missing files.", "counter",
		m.FilesNotFound.Load())
	write("textrelay_file_errors_total", "Failed uploads or downloads.", "counter",
		m.FileErrors.Load())
	write("textrelay_bytes_received_total", "File bytes received.", "counter",
		m.BytesReceived.Load())
	write("textrelay_bytes_sent_total", "File bytes sent.", "counter",
		m.BytesSent.Load())
}
