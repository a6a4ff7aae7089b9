package scheduler

import "plast/internal/protocol"

// fanOutHasJobs relays one daemon's HasJobs advertisement to every other connected daemon,
// filling in PeerAddress so recipients know who to dial back (spec.md §4.9): the scheduler
// itself never stores the advertisement past this call.
func (s *Scheduler) fanOutHasJobs(from *peerConn, msg *protocol.HasJobs) {
	out := &protocol.HasJobs{
		CompilerKey: msg.CompilerKey,
		Count:       msg.Count,
		Port:        from.port,
		PeerAddress: hostOf(from.address),
	}

	s.mu.RLock()
	targets := make([]*peerConn, 0, len(s.peers)-1)
	for id, p := range s.peers {
		if id == from.id {
			continue
		}
		targets = append(targets, p)
	}
	s.mu.RUnlock()

	for _, p := range targets {
		_ = protocol.WriteFrame(p.conn, out)
	}
}
