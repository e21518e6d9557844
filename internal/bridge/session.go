// Package bridge composes the codec, playout, mic-gate, and LLM-client
// components into a single call's lifecycle: answer, wire the audio
// path, run until the engine or the far end hangs up, then tear down
// and release resources.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adataxi/voicebridge/internal/callgate"
	"github.com/adataxi/voicebridge/internal/engine"
	"github.com/adataxi/voicebridge/internal/g711"
	"github.com/adataxi/voicebridge/internal/llm"
	"github.com/adataxi/voicebridge/internal/media"
)

// Drain-aware hangup timing, per the call session's teardown design: wait
// for the LLM's current response to finish, then for playout to drain,
// then a small safety margin, before sending BYE.
const (
	responseWaitTimeout = 15 * time.Second
	playoutDrainTimeout = 20 * time.Second
	hangupMargin        = 1 * time.Second
)

// SIPPeer is everything the call session needs from the SIP signaling
// layer, kept as an interface so this package never imports sipgo
// directly — the transport (internal/sip) implements it.
type SIPPeer interface {
	CallID() string
	CallerIDNum() string
	CallerIDName() string
	OfferSDP() []byte
	SendRinging() error
	SendAnswer(sdpBody []byte) error
	SendBye(cause string) error
	RemoteAddr() string
}

// EngineFactory constructs the dialogue engine for one call. Passed in
// by the caller (cmd/bridge) so the telephony core stays decoupled from
// any concrete engine implementation.
type EngineFactory func(callID string, hooks engine.Hooks) engine.Adapter

// Config carries the per-call-independent settings a session needs from
// the bridge's overall configuration.
type Config struct {
	PreferredCodec          g711.Codec
	LocalIP                 string
	CircuitBreakerThreshold int
	LLM                     llm.Config
}

// Session is one call's worth of wired-up components: RTP, playout, mic
// gate, LLM client, and the engine driving it.
type Session struct {
	id     string
	callID string
	cfg    Config
	peer   SIPPeer
	logger *slog.Logger

	rtp     *media.RTPSession
	gate    *callgate.Gate
	llmConn *llm.Client
	eng     engine.Adapter
	onEnded func(callID, cause string)

	mu           sync.Mutex
	ended        bool
	endCause     string
	cancel       context.CancelFunc
	responseDone chan struct{}
}

// Deps bundles the shared infrastructure a session needs to allocate its
// own per-call resources.
type Deps struct {
	RTPSessions *media.RTPSessionManager
	EngineNew   EngineFactory
	Logger      *slog.Logger
	OnEnded     func(callID, cause string)
}

// New builds and starts a call session: negotiates the codec, allocates
// RTP, answers the SIP INVITE, and wires C1-C5 plus the engine. The
// caller is responsible for registering the returned Session with a
// Registry (and routing deps.OnEnded through Registry.OnEnded) so
// in-dialog BYE/CANCEL can be looked up by Call-ID.
func New(ctx context.Context, id string, peer SIPPeer, cfg Config, deps Deps) (*Session, error) {
	logger := deps.Logger.With("call_id", id)

	offer, err := media.ParseSDP(peer.OfferSDP())
	if err != nil {
		return nil, fmt.Errorf("parsing sdp offer: %w", err)
	}
	codec, err := NegotiateCodec(offer, cfg.PreferredCodec)
	if err != nil {
		return nil, fmt.Errorf("negotiating codec: %w", err)
	}

	if err := peer.SendRinging(); err != nil {
		logger.Warn("sending 180 ringing failed", "error", err)
	}

	rtpSess, err := deps.RTPSessions.Allocate(id, peer.CallID(), codec, cfg.CircuitBreakerThreshold)
	if err != nil {
		return nil, fmt.Errorf("allocating rtp session: %w", err)
	}

	answer := BuildAnswer(cfg.LocalIP, rtpSess.LocalPort(), codec)
	if err := peer.SendAnswer(answer); err != nil {
		deps.RTPSessions.Release(id)
		return nil, fmt.Errorf("sending sdp answer: %w", err)
	}

	s := &Session{
		id:           id,
		callID:       peer.CallID(),
		cfg:          cfg,
		peer:         peer,
		logger:       logger,
		rtp:          rtpSess,
		gate:         callgate.New(),
		responseDone: make(chan struct{}, 1),
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.onEnded = deps.OnEnded

	s.eng = deps.EngineNew(id, engine.Hooks{
		OnInstruction: func(callID string, inst llm.Instruction) {
			s.llmConn.OnInstruction(inst)
		},
		OnBookingReady: func(callID string, payload map[string]string) {
			logger.Info("engine booking ready", "payload", payload)
		},
		OnFareReady: func(callID string, payload map[string]string) {
			logger.Info("engine fare ready", "payload", payload)
		},
		EndCall: func(callID string, force bool) {
			go s.Hangup(force, "engine_requested")
		},
	})

	llmCfg := cfg.LLM
	llmCfg.SystemPrompt = s.eng.SystemPrompt(id)
	llmCfg.Greeting = s.eng.BuildGreeting(id)
	llmCfg.InputAudioFormat = codecAudioFormat(codec)
	llmCfg.OutputAudioFormat = codecAudioFormat(codec)
	s.llmConn = llm.NewClient(llmCfg, logger)

	s.wireComponents(sessionCtx)

	rtpSess.Start(sessionCtx)

	if err := s.llmConn.Connect(sessionCtx); err != nil {
		s.teardown("llm_connect_failed")
		return nil, fmt.Errorf("connecting to llm: %w", err)
	}

	s.eng.Start(sessionCtx, id)
	s.llmConn.OnLog(func(msg string) { logger.Warn("llm client", "msg", msg) })

	go s.monitorRTPTimeout(sessionCtx)

	return s, nil
}

// monitorRTPTimeout ends the call if no inbound RTP has arrived for
// media.RTPInactivityTimeout, per the session's RTP-timeout teardown rule.
func (s *Session) monitorRTPTimeout(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.rtp.LastActivity()) >= media.RTPInactivityTimeout {
				s.logger.Warn("rtp inactivity timeout exceeded")
				go s.Hangup(true, "rtp_timeout")
				return
			}
		}
	}
}

// wireComponents connects the RTP session, mic gate, playout engine, and
// LLM client event callbacks into one audio/control pipeline.
func (s *Session) wireComponents(ctx context.Context) {
	logger := s.logger

	// Caller audio: RTP -> mic gate -> LLM upstream.
	s.gate.OnForward(func(frame []byte) {
		s.llmConn.ForwardAudio(frame)
	})
	s.rtp.OnFrame(func(frame []byte) {
		s.gate.HandleInboundFrame(frame)
	})

	// LLM audio: decoded delta -> playout queue.
	s.llmConn.OnAudioOut(func(frame []byte) {
		s.rtp.Playout().Buffer(frame)
	})

	// Turn-taking: arm/close the gate when the LLM starts speaking, open
	// it once both the response and the playout queue have drained.
	s.llmConn.OnArm(func() { s.gate.Arm() })
	s.llmConn.OnAudioDone(func() {
		select {
		case s.responseDone <- struct{}{}:
		default:
		}
		s.gate.AudioDone()
	})
	s.rtp.Playout().OnDrained(func() { s.gate.PlayoutDrained() })

	// Barge-in: caller speech during playback cuts the LLM off instantly.
	s.llmConn.OnBargeIn(func() {
		s.gate.BargeIn()
		s.rtp.Playout().Clear()
	})

	// Transcripts flow to the engine for dialogue-state tracking. Dispatched
	// on a goroutine so a slow engine call never blocks the websocket
	// receive loop that invokes these callbacks; engMu keeps at most one
	// engine call in flight for this call.
	var engMu sync.Mutex
	s.llmConn.OnCallerTranscript(func(text string) {
		go func() {
			engMu.Lock()
			defer engMu.Unlock()
			s.eng.ProcessCallerTranscript(ctx, s.id, text)
		}()
	})
	s.llmConn.OnLLMTranscript(func(text string) {
		go func() {
			engMu.Lock()
			defer engMu.Unlock()
			s.eng.ProcessLLMTranscript(ctx, s.id, text)
		}()
	})

	// RTP circuit breaker / inactivity: end the call on transport faults.
	s.rtp.Playout().OnFault(func(reason string) {
		logger.Error("rtp circuit breaker tripped", "reason", reason)
		go s.Hangup(true, "rtp_circuit_tripped")
	})

	s.llmConn.OnClose(func(err error) {
		if err != nil {
			logger.Warn("llm connection closed unexpectedly", "error", err)
		}
	})
}

// LocalPort exposes the session's RTP port.
func (s *Session) LocalPort() int { return s.rtp.LocalPort() }

// Hangup tears the call down. If force is true, teardown is immediate;
// otherwise it waits (bounded) for the current LLM response and playout
// queue to drain before sending BYE.
func (s *Session) Hangup(force bool, cause string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endCause = cause
	s.mu.Unlock()

	if !force {
		s.drainBeforeHangup()
	}

	_ = s.peer.SendBye(cause)
	s.teardown(cause)
}

// drainBeforeHangup waits up to responseWaitTimeout for the in-flight
// response to finish, then up to playoutDrainTimeout for the playout
// queue to empty, then a small safety margin.
func (s *Session) drainBeforeHangup() {
	select {
	case <-s.responseDone:
	case <-time.After(responseWaitTimeout):
	}

	deadline := time.Now().Add(playoutDrainTimeout)
	for time.Now().Before(deadline) {
		if s.rtp.Playout().QueueDepth() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	time.Sleep(hangupMargin)
}

func (s *Session) teardown(cause string) {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.llmConn.Close()
	s.logger.Info("call session ended", "cause", cause)
	if s.onEnded != nil {
		s.onEnded(s.callID, cause)
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// RTPStats returns the call's RTP packet counters.
func (s *Session) RTPStats() media.RTPSessionStats { return s.rtp.Stats() }

// PlayoutStats returns the call's playout pacing/fault counters.
func (s *Session) PlayoutStats() media.PlayoutStats { return s.rtp.Playout().Stats() }

// LLMStats returns the call's LLM connection/instruction counters.
func (s *Session) LLMStats() llm.Stats { return s.llmConn.Stats() }

// codecAudioFormat maps a negotiated G.711 codec to the LLM streaming
// protocol's audio-format identifier.
func codecAudioFormat(codec g711.Codec) string {
	if codec == g711.ULaw {
		return "g711_ulaw"
	}
	return "g711_alaw"
}
