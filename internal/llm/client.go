// Package llm is the streaming client for the cloud conversational LLM:
// it owns the WebSocket connection, forwards caller audio upstream,
// dispatches downstream events to the call session, and sequences
// deterministic instructions from the external dialogue engine against
// the LLM's own VAD-triggered auto-responses.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config describes how to reach and configure the LLM streaming endpoint.
type Config struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	SystemPrompt       string
	InputAudioFormat   string // e.g. "g711_alaw" / "g711_ulaw"
	OutputAudioFormat  string
	TranscriptionModel string // e.g. "whisper-1"; empty disables caller transcription
	Greeting           string // injected as the first conversation item, if non-empty
}

// responseInstructionWrapper hardens every engine-issued instruction so
// the LLM does not freelance beyond it (confirm bookings, invent
// addresses, end the call) within a single turn.
const responseInstructionWrapper = `CRITICAL EXECUTION MODE:
- Follow the [INSTRUCTION] below exactly.
- Ask ONLY what the instruction asks for in this turn.
- Do NOT confirm booking, dispatch taxi, end call, or summarize unless explicitly instructed.
- Do NOT invent or normalize addresses/numbers.
- Keep to one concise response, then wait.

%s`

// Client manages one call's connection to the LLM streaming service.
type Client struct {
	cfg    Config
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	seq *sequencer

	reconnectLimiter *rate.Limiter
	reconnectCount   atomic.Uint64

	onAudioOut         func(pcmG711 []byte)
	onArm              func()
	onAudioDone         func()
	onBargeIn           func()
	onCallerTranscript func(text string)
	onLLMTranscript    func(text string)
	onLog              func(msg string)
	onClose            func(err error)

	doneOnce sync.Once
	done     chan struct{}
}

// NewClient constructs a streaming client for one call. The returned
// client does not connect until Connect is called.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	c := &Client{
		cfg:              cfg,
		logger:           logger.With("subsystem", "llm-client"),
		reconnectLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		done:             make(chan struct{}),
	}
	c.seq = newSequencer(c.transmitInstruction)
	return c
}

// Callback registration. All are optional; nil callbacks are simply skipped.
func (c *Client) OnAudioOut(f func([]byte))          { c.onAudioOut = f }
func (c *Client) OnArm(f func())                     { c.onArm = f }
func (c *Client) OnAudioDone(f func())                { c.onAudioDone = f }
func (c *Client) OnBargeIn(f func())                  { c.onBargeIn = f }
func (c *Client) OnCallerTranscript(f func(string))   { c.onCallerTranscript = f }
func (c *Client) OnLLMTranscript(f func(string))      { c.onLLMTranscript = f }
func (c *Client) OnLog(f func(string))                { c.onLog = f }
func (c *Client) OnClose(f func(error))               { c.onClose = f }

// Connect dials the WebSocket, sends the initial session.update,
// optionally injects a greeting, and starts the background receive loop.
// It does not wait for session.created or session.updated; those events
// arrive later on the receive loop.
func (c *Client) Connect(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.dial(gCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("connecting to llm: %w", err)
	}

	if err := c.sendSessionUpdate(DefaultServerVAD()); err != nil {
		return fmt.Errorf("sending initial session.update: %w", err)
	}

	go c.receiveLoop(ctx)

	if c.cfg.Greeting != "" {
		if err := c.sendGreeting(c.cfg.Greeting); err != nil {
			return fmt.Errorf("sending greeting: %w", err)
		}
	}

	return nil
}

func (c *Client) dial(ctx context.Context) error {
	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		return fmt.Errorf("dialing llm websocket: %w", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)
	conn.SetPongHandler(func(string) error { return nil })

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

func (c *Client) sendSessionUpdate(vad TurnDetection) error {
	req := sessionUpdateRequest{
		Type: typeSessionUpdate,
		Session: sessionConfig{
			Modalities:              []string{"text", "audio"},
			Voice:                   c.cfg.Voice,
			Instructions:            c.cfg.SystemPrompt,
			InputAudioFormat:        c.cfg.InputAudioFormat,
			OutputAudioFormat:       c.cfg.OutputAudioFormat,
			InputAudioTranscription: c.transcriptionConfig(),
			TurnDetection:           vad,
		},
	}
	return c.send(req)
}

// transcriptionConfig returns the input_audio_transcription block to send
// with session.update, or nil to omit it when no model is configured (the
// server then never emits caller transcription events).
func (c *Client) transcriptionConfig() *transcriptionConfig {
	if c.cfg.TranscriptionModel == "" {
		return nil
	}
	return &transcriptionConfig{Model: c.cfg.TranscriptionModel}
}

func (c *Client) sendGreeting(text string) error {
	item := conversationItemRequest{
		Type: typeConversationItemNew,
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationItemContent{
				{Type: "input_text", Text: text},
			},
		},
	}
	if err := c.send(item); err != nil {
		return err
	}
	return c.send(responseCreateRequest{
		Type: typeResponseCreate,
		Response: responsePayload{
			Modalities: []string{"text", "audio"},
		},
	})
}

// ForwardAudio sends one frame of caller G.711 audio upstream to the LLM.
func (c *Client) ForwardAudio(frame []byte) {
	req := inputAudioAppendRequest{
		Type:  typeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(frame),
	}
	if err := c.send(req); err != nil && c.onLog != nil {
		c.onLog("forwarding caller audio: " + err.Error())
	}
}

// OnInstruction is called by the engine adapter whenever the dialogue
// engine wants to drive the next turn. It cancels any in-flight response,
// installs the new instruction, and arms the sequencer's race guard.
func (c *Client) OnInstruction(inst Instruction) {
	c.seq.Install(inst)
	if err := c.send(map[string]string{"type": typeResponseCancel}); err != nil && c.onLog != nil {
		c.onLog("sending response.cancel: " + err.Error())
	}
}

// transmitInstruction is the sequencer's transmit callback: it runs at
// most once per instruction, either from the response.canceled handler or
// the 300ms fallback timer.
func (c *Client) transmitInstruction(inst Instruction) {
	vad := inst.TurnDetection
	if vad.Type == "" {
		vad = DefaultServerVAD()
	}
	if err := c.sendSessionUpdate2(inst.Text, vad); err != nil {
		if c.onLog != nil {
			c.onLog("transmitting instruction session.update: " + err.Error())
		}
		return
	}
	if inst.Silent {
		return
	}
	wrapped := fmt.Sprintf(responseInstructionWrapper, inst.Text)
	if err := c.send(responseCreateRequest{
		Type: typeResponseCreate,
		Response: responsePayload{
			Modalities:   []string{"text", "audio"},
			Instructions: wrapped,
		},
	}); err != nil && c.onLog != nil {
		c.onLog("sending response.create: " + err.Error())
	}
}

func (c *Client) sendSessionUpdate2(instructions string, vad TurnDetection) error {
	req := sessionUpdateRequest{
		Type: typeSessionUpdate,
		Session: sessionConfig{
			Modalities:              []string{"text", "audio"},
			Voice:                   c.cfg.Voice,
			Instructions:            instructions,
			InputAudioFormat:        c.cfg.InputAudioFormat,
			OutputAudioFormat:       c.cfg.OutputAudioFormat,
			InputAudioTranscription: c.transcriptionConfig(),
			TurnDetection:           vad,
		},
	}
	return c.send(req)
}

// send serializes msg to JSON and writes it as a single text frame. All
// writes are serialized through connMu to keep the connection safe
// for concurrent callers (audio forwarding vs. instruction handling).
func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// receiveLoop parses inbound events and dispatches them per the spec's
// downstream event table until the connection closes or ctx is done.
func (c *Client) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if c.onClose != nil {
					c.onClose(nil)
				}
				return
			}
			if c.onClose != nil {
				c.onClose(fmt.Errorf("websocket read: %w", err))
			}
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			if c.onLog != nil {
				c.onLog("unmarshaling inbound event: " + err.Error())
			}
			continue
		}
		c.dispatch(env.Type, message)
	}
}

func (c *Client) dispatch(eventType string, raw []byte) {
	switch eventType {
	case typeSessionCreated, typeSessionUpdated:
		// No action; state confirmation only.

	case typeResponseCreated, typeResponseAudioStarted:
		if c.onArm != nil {
			c.onArm()
		}

	case typeResponseAudioDelta:
		var ev audioDeltaEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return
		}
		if c.onAudioOut != nil {
			c.onAudioOut(decoded)
		}

	case typeResponseAudioDone:
		if c.onAudioDone != nil {
			c.onAudioDone()
		}

	case typeResponseAudioTranscript:
		var ev transcriptEvent
		if err := json.Unmarshal(raw, &ev); err == nil && c.onLLMTranscript != nil {
			c.onLLMTranscript(ev.Transcript)
		}

	case typeInputTranscriptCompleted:
		var ev transcriptEvent
		if err := json.Unmarshal(raw, &ev); err == nil && c.onCallerTranscript != nil {
			c.onCallerTranscript(ev.Transcript)
		}

	case typeSpeechStarted:
		if c.onBargeIn != nil {
			c.onBargeIn()
		}

	case typeSpeechStopped:
		// Proactively cancel: the deterministic engine drives every
		// response itself, so any VAD auto-response must be preempted.
		if err := c.send(map[string]string{"type": typeResponseCancel}); err != nil && c.onLog != nil {
			c.onLog("canceling auto-response on speech_stopped: " + err.Error())
		}

	case typeResponseCanceled:
		c.seq.Canceled()

	case typeError:
		var ev errorEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			if isBenignError(ev.Error.Message) {
				return
			}
			if c.onLog != nil {
				c.onLog("llm error: " + ev.Error.Message)
			}
		}
	}
}

// isBenignError filters known-harmless error strings produced by the
// proactive-cancel-on-speech_stopped pattern above.
func isBenignError(msg string) bool {
	benign := []string{
		"no active response found",
		"buffer too small",
	}
	for _, b := range benign {
		if strings.Contains(strings.ToLower(msg), b) {
			return true
		}
	}
	return false
}

// Reconnect re-dials after an unexpected close, honoring reconnectLimiter
// so a flapping upstream cannot be hammered with dial attempts. The call
// session's OnClose handler does not call it; it only logs the drop.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.reconnectLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for reconnect budget: %w", err)
	}
	c.reconnectCount.Add(1)
	return c.Connect(ctx)
}

// Stats is a snapshot of this client's connection and instruction
// counters, for aggregation into process-wide metrics.
type Stats struct {
	Reconnects             uint64
	InstructionsSent       uint64
	InstructionsSuperseded uint64
}

// Stats returns the client's current counters.
func (c *Client) Stats() Stats {
	seq := c.seq.Stats()
	return Stats{
		Reconnects:             c.reconnectCount.Load(),
		InstructionsSent:       seq.Sent,
		InstructionsSuperseded: seq.Superseded,
	}
}

// Close gracefully terminates the WebSocket connection and stops the
// receive loop.
func (c *Client) Close() error {
	c.doneOnce.Do(func() { close(c.done) })

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
