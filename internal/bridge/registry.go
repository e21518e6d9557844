package bridge

import (
	"log/slog"
	"sync"

	"github.com/adataxi/voicebridge/internal/media"
)

// Registry tracks active call sessions by Call-ID, so the SIP transport
// can route an in-dialog BYE/CANCEL to the right Session without the
// bridge package knowing anything about SIP dialogs itself.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("subsystem", "bridge-registry"),
	}
}

// Add registers a session under its Call-ID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.callID] = s
}

// Get looks up a session by Call-ID, or returns nil if none is active.
func (r *Registry) Get(callID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callID]
}

// Remove drops a session from the registry. Safe to call even if the
// Call-ID is not present.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// Count returns the number of currently tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AggregateStats is a process-wide snapshot summed across every active
// call, for metrics scraping.
type AggregateStats struct {
	ActiveCalls            int
	RTPPacketsSent         uint64
	RTPPacketsDropped      uint64
	PlayoutUnderruns       uint64
	CircuitBreakerTrips    uint64
	LLMReconnects          uint64
	InstructionsSent       uint64
	InstructionsSuperseded uint64
}

// AggregateStats sums every tracked session's counters at scrape time.
func (r *Registry) AggregateStats() AggregateStats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	stats := AggregateStats{ActiveCalls: len(sessions)}
	for _, s := range sessions {
		rtp := s.RTPStats()
		playout := s.PlayoutStats()
		llmStats := s.LLMStats()

		stats.RTPPacketsSent += rtp.PacketsSent
		stats.RTPPacketsDropped += rtp.PacketsDropped
		stats.PlayoutUnderruns += playout.Underruns
		stats.CircuitBreakerTrips += playout.CircuitTripped
		stats.LLMReconnects += llmStats.Reconnects
		stats.InstructionsSent += llmStats.InstructionsSent
		stats.InstructionsSuperseded += llmStats.InstructionsSuperseded
	}
	return stats
}

// ActiveCallIDs returns a snapshot of the Call-IDs currently tracked.
func (r *Registry) ActiveCallIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// HangupAll forces every tracked session down, used during shutdown.
func (r *Registry) HangupAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Hangup(true, "shutdown")
	}
}

// OnEnded returns a Deps.OnEnded callback that removes the session from
// the registry and releases its RTP port back to the pool. Pass
// the same rtpSessions manager used to allocate sessions via New.
func (r *Registry) OnEnded(rtpSessions *media.RTPSessionManager) func(callID, cause string) {
	return func(callID, cause string) {
		r.mu.Lock()
		s, ok := r.sessions[callID]
		if ok {
			delete(r.sessions, callID)
		}
		r.mu.Unlock()

		if !ok {
			return
		}
		rtpSessions.Release(s.ID())
		r.logger.Info("session removed from registry", "call_id", callID, "cause", cause)
	}
}
