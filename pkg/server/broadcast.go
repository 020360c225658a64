package server

// broadcast sends "<sender>: <text>" to every registered session. Sessions
// that fail delivery are pruned by the registry; closing their connections
// here makes their own goroutines finish the teardown.
func (s *Server) broadcast(text, sender string) {
	line := sender + ": " + text
	s.metrics.Broadcasts.Add(1)
	s.log.Debug("broadcast", "from", sender, "text", text)

	delivered, pruned := s.registry.Broadcast(line)
	s.metrics.BroadcastDelivered.Add(int64(delivered))

	for _, p := range pruned {
		s.metrics.PrunedSessions.Add(1)
		p.log.Warn("delivery failed, session removed")
		p.closeConn()
	}
}
