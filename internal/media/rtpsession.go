package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/adataxi/voicebridge/internal/audio"
	"github.com/adataxi/voicebridge/internal/g711"
)

// RTPSessionState is the lifecycle state of a single-leg RTP session.
type RTPSessionState int

const (
	RTPSessionStateNew RTPSessionState = iota
	RTPSessionStateActive
	RTPSessionStateStopped
)

func (s RTPSessionState) String() string {
	switch s {
	case RTPSessionStateNew:
		return "new"
	case RTPSessionStateActive:
		return "active"
	case RTPSessionStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RTPSessionStats holds packet counters for one call's single RTP leg.
// PacketsSent reflects the playout engine's successful sends, since
// outbound RTP is entirely its responsibility.
type RTPSessionStats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsDropped  uint64
}

// RTPSession owns one call's RTP socket, decodes inbound G.711 into
// caller frames for the mic-gate/accumulator pipeline, and drives a
// PlayoutEngine for outbound audio. Unlike a two-leg bridge session, there
// is exactly one remote party: the SIP endpoint. The LLM side has no RTP
// of its own — it exchanges G.711 audio over the WebSocket streaming client.
type RTPSession struct {
	ID     string
	CallID string

	socket  *Socket
	codec   g711.Codec
	playout *PlayoutEngine
	accum   *audio.Accumulator

	onFrame func(frame []byte) // decoded-codec-native inbound frame (still companded bytes)

	CreatedAt time.Time

	mu    sync.RWMutex
	state RTPSessionState

	stopped      atomic.Bool
	lastActivity atomic.Int64

	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsDropped  atomic.Uint64

	remoteSeen atomic.Bool

	readDone chan struct{}
}

// NewRTPSession wires a socket, codec, and playout engine into a
// single-leg session. Inbound frames are delivered to the callback
// registered with OnFrame, one call per complete frame.
func NewRTPSession(id, callID string, socket *Socket, codec g711.Codec, circuitBreakerThreshold int, logger *slog.Logger) *RTPSession {
	playout := NewPlayoutEngine(socket.Conn, nil, codec, circuitBreakerThreshold, logger)
	return &RTPSession{
		ID:        id,
		CallID:    callID,
		socket:    socket,
		codec:     codec,
		playout:   playout,
		accum:     audio.NewAccumulator(),
		CreatedAt: time.Now(),
		state:     RTPSessionStateNew,
		readDone:  make(chan struct{}),
	}
}

// Playout returns the session's playout engine, for wiring OnDrained/
// OnFault/OnLog callbacks and Buffer/Clear calls.
func (s *RTPSession) Playout() *PlayoutEngine { return s.playout }

// LocalPort returns the RTP port this session's socket is bound to,
// for advertising in the SDP answer.
func (s *RTPSession) LocalPort() int { return s.socket.Port }

// OnFrame registers the callback for decoded inbound caller frames.
func (s *RTPSession) OnFrame(f func(frame []byte)) { s.onFrame = f }

// State returns the current session lifecycle state.
func (s *RTPSession) State() RTPSessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *RTPSession) setState(state RTPSessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start launches the inbound RTP read loop and the playout pacing loop.
func (s *RTPSession) Start(ctx context.Context) {
	s.setState(RTPSessionStateActive)
	s.playout.Start(ctx)
	go s.readLoop(ctx)
}

// Stop halts both loops and marks the session stopped. Idempotent.
func (s *RTPSession) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.setState(RTPSessionStateStopped)
	s.playout.Stop()
	_ = s.socket.Conn.SetReadDeadline(time.Now())
	<-s.readDone
}

// IsStopped reports whether Stop has been called.
func (s *RTPSession) IsStopped() bool { return s.stopped.Load() }

// TouchActivity records the current time as the last inbound RTP activity.
func (s *RTPSession) TouchActivity() { s.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the last received RTP packet, or the
// session creation time if none has arrived yet.
func (s *RTPSession) LastActivity() time.Time {
	ns := s.lastActivity.Load()
	if ns == 0 {
		return s.CreatedAt
	}
	return time.Unix(0, ns)
}

// Stats returns a snapshot of the session's packet counters.
func (s *RTPSession) Stats() RTPSessionStats {
	return RTPSessionStats{
		PacketsReceived: s.packetsReceived.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		PacketsSent:     s.playout.Stats().PacketsSent,
		PacketsDropped:  s.packetsDropped.Load(),
	}
}

// readLoop receives inbound RTP packets, retargets the playout engine to
// the first observed source address (symmetric RTP), decodes each
// payload through the frame accumulator, and dispatches complete frames
// to onFrame.
func (s *RTPSession) readLoop(ctx context.Context) {
	defer close(s.readDone)

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := s.socket.Conn.ReadFromUDP(buf)
		if err != nil {
			if s.stopped.Load() {
				return
			}
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.packetsDropped.Add(1)
			continue
		}

		if !s.remoteSeen.Swap(true) {
			s.playout.SetRemote(addr)
		}

		s.TouchActivity()
		s.packetsReceived.Add(1)
		s.bytesReceived.Add(uint64(len(pkt.Payload)))

		for _, frame := range s.accum.Push(pkt.Payload) {
			if s.onFrame != nil {
				s.onFrame(frame)
			}
		}
	}
}

// RTPSessionManager allocates and tracks single-leg RTP sessions, backed
// by a shared Proxy port pool, with an idle-activity reaper matching the
// bridge's 30s RTP-inactivity teardown window.
type RTPSessionManager struct {
	proxy  *Proxy
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*RTPSession

	sessionTimeout time.Duration
	cancelReaper   context.CancelFunc
	reaperDone     chan struct{}
}

// NewRTPSessionManager creates a session manager backed by the given proxy.
func NewRTPSessionManager(proxy *Proxy, logger *slog.Logger) *RTPSessionManager {
	return &RTPSessionManager{
		proxy:          proxy,
		logger:         logger.With("subsystem", "rtp-sessions"),
		sessions:       make(map[string]*RTPSession),
		sessionTimeout: RTPInactivityTimeout,
	}
}

// Allocate binds an RTP socket and constructs a new single-leg session.
func (m *RTPSessionManager) Allocate(sessionID, callID string, codec g711.Codec, circuitBreakerThreshold int) (*RTPSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil, fmt.Errorf("rtp session %q already exists", sessionID)
	}

	socket, err := m.proxy.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating rtp leg: %w", err)
	}

	session := NewRTPSession(sessionID, callID, socket, codec, circuitBreakerThreshold, m.logger)
	m.sessions[sessionID] = session

	m.logger.Info("rtp session allocated",
		"session_id", sessionID,
		"call_id", callID,
		"rtp_port", socket.Port,
		"codec", codec.String(),
	)

	return session, nil
}

// Release stops the session, returns its port to the pool, and
// removes it from the registry.
func (m *RTPSessionManager) Release(sessionID string) {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	session.Stop()
	m.proxy.Release(session.socket)

	m.logger.Info("rtp session released", "session_id", sessionID, "call_id", session.CallID)
}

// Get returns a session by ID, or nil if not found.
func (m *RTPSessionManager) Get(sessionID string) *RTPSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Count returns the number of active sessions.
func (m *RTPSessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ReleaseAll stops and releases every session. Used during shutdown.
func (m *RTPSessionManager) ReleaseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Release(id)
	}
	m.logger.Info("all rtp sessions released", "count", len(ids))
}

// StartReaper launches a background goroutine that releases sessions idle
// longer than sessionTimeout (default RTPInactivityTimeout).
func (m *RTPSessionManager) StartReaper() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelReaper = cancel
	m.reaperDone = make(chan struct{})
	go m.reapLoop(ctx)
	m.logger.Info("rtp session reaper started", "timeout", m.sessionTimeout.String())
}

// StopReaper signals the reaper to stop and waits for it to exit.
func (m *RTPSessionManager) StopReaper() {
	if m.cancelReaper == nil {
		return
	}
	m.cancelReaper()
	<-m.reaperDone
	m.logger.Info("rtp session reaper stopped")
}

// defaultReapInterval is how often the reaper scans for idle sessions.
const defaultReapInterval = 5 * time.Second

func (m *RTPSessionManager) reapLoop(ctx context.Context) {
	defer close(m.reaperDone)
	ticker := time.NewTicker(defaultReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOrphaned()
		}
	}
}

func (m *RTPSessionManager) reapOrphaned() {
	now := time.Now()

	m.mu.RLock()
	var orphaned []string
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.sessionTimeout {
			orphaned = append(orphaned, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range orphaned {
		m.logger.Warn("reaping rtp session idle beyond timeout", "session_id", id, "timeout", m.sessionTimeout.String())
		m.Release(id)
	}
}
