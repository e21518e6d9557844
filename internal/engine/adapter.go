// Package engine defines the narrow contract between the call-handling
// core and the external dialogue engine that actually decides what to
// say. The core treats the engine as a black box: it forwards
// transcripts in and receives instructions/hangup requests back out, all
// serialized onto background tasks so the engine never blocks the
// WebSocket receive loop.
package engine

import (
	"context"

	"github.com/adataxi/voicebridge/internal/llm"
)

// VADState is the engine's view of conversational state, used to pick
// between server-side VAD modes (e.g. a tighter silence window while
// collecting a free-form address versus a looser one for yes/no
// confirmations).
type VADState int

const (
	VADStateDefault VADState = iota
	VADStateAwaitingFreeform
	VADStateAwaitingConfirmation
)

// Adapter is the contract an external dialogue engine implements. Every
// method may be called concurrently with others for different calls, but
// the core guarantees at most one in-flight call per method per call ID.
type Adapter interface {
	// Start is called once the RTP session, playout, mic gate, and LLM
	// client are all wired up and the call is ready to begin.
	Start(ctx context.Context, callID string)

	// ProcessCallerTranscript is invoked with the caller's completed
	// utterance transcript as reported by the LLM's input transcription.
	ProcessCallerTranscript(ctx context.Context, callID, text string)

	// ProcessLLMTranscript is invoked with the LLM's own completed
	// response transcript, for engines that track dialogue state from
	// what was actually said.
	ProcessLLMTranscript(ctx context.Context, callID, text string)

	// BuildGreeting returns the text injected as the first conversation
	// item when the call starts.
	BuildGreeting(callID string) string

	// SystemPrompt returns the instructions used for session.update.
	SystemPrompt(callID string) string

	// CurrentStateForVADSelection reports which VAD configuration the
	// LLM client should use for the call's current turn.
	CurrentStateForVADSelection(callID string) VADState

	// OnHangup is set by the core; the engine calls it to request call
	// teardown. force bypasses the drain-aware wait when true.
	OnHangup(callID string, force bool)
}

// Hooks are the callbacks the core wires into an Adapter instance so the
// engine can drive the call without depending on the bridge package
// directly.
type Hooks struct {
	// OnInstruction is called by the engine whenever it wants to drive
	// the next LLM turn deterministically.
	OnInstruction func(callID string, inst llm.Instruction)

	// OnBookingReady and OnFareReady are domain callbacks an engine may
	// invoke once it has gathered enough information to act; the core
	// treats both as opaque events and simply logs them, since
	// booking/fare fulfillment itself is out of scope for the telephony
	// core.
	OnBookingReady func(callID string, payload map[string]string)
	OnFareReady    func(callID string, payload map[string]string)

	// EndCall tears the call down, draining per the configured grace
	// periods unless force is true.
	EndCall func(callID string, force bool)
}
