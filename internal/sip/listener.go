package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/adataxi/voicebridge/internal/bridge"
	"github.com/adataxi/voicebridge/internal/config"
	"github.com/adataxi/voicebridge/internal/g711"
	"github.com/adataxi/voicebridge/internal/llm"
	"github.com/adataxi/voicebridge/internal/media"
)

// BridgeListener is the SIP transport boundary for the voice bridge: it
// owns the sipgo UA/Server, answers inbound INVITEs by spinning up a
// bridge.Session per call, and routes in-dialog BYE/CANCEL to the right
// session via a bridge.Registry.
type BridgeListener struct {
	cfg *config.Config
	ua  *sipgo.UserAgent
	srv *sipgo.Server

	bridgeCfg   bridge.Config
	rtpSessions *media.RTPSessionManager
	registry    *bridge.Registry
	engineNew   bridge.EngineFactory
	trunkReg    *TrunkRegistration

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewBridgeListener builds the SIP stack and RTP proxy, and registers the
// method handlers that drive bridge.Session lifecycles.
func NewBridgeListener(cfg *config.Config, engineNew bridge.EngineFactory, logger *slog.Logger) (*BridgeListener, error) {
	logger = logger.With("component", "sip-listener")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voicebridge"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	proxy, err := media.NewProxy(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating rtp media proxy: %w", err)
	}

	codec, err := g711.ParseCodec(cfg.PreferredCodec)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("parsing preferred codec: %w", err)
	}

	mediaIP := cfg.MediaIP()
	if cfg.EnableSTUN {
		if pub, _, err := DiscoverPublicAddr(cfg.STUNServer, cfg.STUNPort, 3*time.Second); err != nil {
			logger.Warn("stun discovery failed, falling back to configured media ip", "error", err)
		} else {
			logger.Info("stun discovered public address", "ip", pub)
			mediaIP = pub
		}
	}

	trunkReg, err := NewTrunkRegistration(ua, cfg, logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("setting up trunk registration: %w", err)
	}

	l := &BridgeListener{
		cfg: cfg,
		ua:  ua,
		srv: srv,
		bridgeCfg: bridge.Config{
			PreferredCodec:          codec,
			LocalIP:                 mediaIP,
			CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
			LLM: llmConfigFrom(cfg),
		},
		rtpSessions: media.NewRTPSessionManager(proxy, logger),
		registry:    bridge.NewRegistry(logger),
		engineNew:   engineNew,
		trunkReg:    trunkReg,
		logger:      logger,
	}

	l.registerHandlers()
	return l, nil
}

func (l *BridgeListener) registerHandlers() {
	l.srv.OnInvite(l.handleInvite)
	l.srv.OnBye(l.handleBye)
	l.srv.OnCancel(l.handleCancel)
	l.srv.OnAck(l.handleAck)
	l.srv.OnOptions(l.handleOptions)
}

// Start begins listening on UDP and TCP and starts the RTP reaper. It
// returns once the listener goroutines have been launched; it does not
// block.
func (l *BridgeListener) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)
	l.runCtx = ctx

	addr := fmt.Sprintf("0.0.0.0:%d", l.cfg.SIPPort)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.logger.Info("sip udp listener starting", "addr", addr)
		if err := l.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			l.logger.Error("sip udp listener stopped", "error", err)
		}
	}()
	go func() {
		defer l.wg.Done()
		l.logger.Info("sip tcp listener starting", "addr", addr)
		if err := l.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			l.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	l.rtpSessions.StartReaper()

	if l.trunkReg != nil {
		l.trunkReg.Start(ctx)
	}

	return nil
}

// Stop hangs up every active call, stops the listeners, and releases the
// RTP proxy.
func (l *BridgeListener) Stop() {
	l.logger.Info("stopping sip listener")
	if l.trunkReg != nil {
		l.trunkReg.Stop()
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.registry.HangupAll()
	l.wg.Wait()
	l.rtpSessions.StopReaper()
	l.rtpSessions.ReleaseAll()
	l.srv.Close()
	l.ua.Close()
	l.logger.Info("sip listener stopped")
}

// Registry exposes the active-session tracker, e.g. for a /healthz or
// /metrics handler reporting active call counts.
func (l *BridgeListener) Registry() *bridge.Registry { return l.registry }

// TrunkStatus reports the outbound registration state as a string (for JSON
// status reporting without pulling the sip package's types into api).
// Returns "unregistered" if no upstream registrar is configured.
func (l *BridgeListener) TrunkStatus() string {
	if l.trunkReg == nil {
		return string(TrunkStatusUnregistered)
	}
	return string(l.trunkReg.Status())
}

func (l *BridgeListener) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	logger := l.logger.With("call_id", callID)

	if l.registry.Get(callID) != nil {
		logger.Warn("invite for already-active call-id, ignoring retransmission")
		return
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		logger.Error("failed to send 100 trying", "error", err)
		return
	}

	peer := newSIPPeer(req, tx, l.ua, logger)
	sessionID := uuid.NewString()

	deps := bridge.Deps{
		RTPSessions: l.rtpSessions,
		EngineNew:   l.engineNew,
		Logger:      l.logger,
		OnEnded:     l.registry.OnEnded(l.rtpSessions),
	}

	sess, err := bridge.New(l.runCtx, sessionID, peer, l.bridgeCfg, deps)
	if err != nil {
		logger.Error("call session setup failed", "error", err)
		l.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	l.registry.Add(sess)
	logger.Info("call answered", "session_id", sessionID)
}

func (l *BridgeListener) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if l.registry.Get(callID) == nil {
		l.logger.Debug("ack for unknown call-id (may be pre-dialog or stale)", "call_id", callID)
	}
}

func (l *BridgeListener) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	logger := l.logger.With("call_id", callID)

	sess := l.registry.Get(callID)
	if sess == nil {
		logger.Warn("bye for unknown call-id")
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to respond to bye", "error", err)
	}

	logger.Info("bye received, tearing down session")
	sess.Hangup(true, "peer_bye")
}

func (l *BridgeListener) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	logger := l.logger.With("call_id", callID)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to respond to cancel", "error", err)
	}

	if sess := l.registry.Get(callID); sess != nil {
		logger.Info("cancel received for answered call, treating as bye")
		sess.Hangup(true, "caller_cancel")
	}
}

func (l *BridgeListener) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		l.logger.Error("failed to respond to options", "error", err)
	}
}

func (l *BridgeListener) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		l.logger.Error("failed to send error response", "code", code, "error", err)
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// llmConfigFrom carries the call-independent LLM connection settings.
// Per-call fields (SystemPrompt, Greeting, audio formats) are filled in
// by bridge.New once the codec is negotiated and the engine is built.
func llmConfigFrom(cfg *config.Config) llm.Config {
	return llm.Config{
		URL:                cfg.LLMURL,
		APIKey:             cfg.LLMAPIKey,
		Model:              cfg.LLMModel,
		Voice:              cfg.LLMVoice,
		TranscriptionModel: cfg.LLMTranscriptionModel,
	}
}
