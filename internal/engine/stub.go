package engine

import (
	"context"
	"log/slog"
)

// StubAdapter is a minimal Adapter used where no real dialogue engine is
// configured: it greets once and otherwise lets the LLM's own VAD-driven
// responses carry the conversation, logging transcripts as they arrive.
type StubAdapter struct {
	greeting     string
	systemPrompt string
	logger       *slog.Logger
	hooks        Hooks
}

// NewStubAdapter constructs a stub engine with a fixed greeting and
// system prompt.
func NewStubAdapter(greeting, systemPrompt string, hooks Hooks, logger *slog.Logger) *StubAdapter {
	return &StubAdapter{
		greeting:     greeting,
		systemPrompt: systemPrompt,
		hooks:        hooks,
		logger:       logger.With("subsystem", "engine-stub"),
	}
}

func (a *StubAdapter) Start(ctx context.Context, callID string) {
	a.logger.Info("call started", "call_id", callID)
}

func (a *StubAdapter) ProcessCallerTranscript(ctx context.Context, callID, text string) {
	a.logger.Debug("caller transcript", "call_id", callID, "text", text)
}

func (a *StubAdapter) ProcessLLMTranscript(ctx context.Context, callID, text string) {
	a.logger.Debug("llm transcript", "call_id", callID, "text", text)
}

func (a *StubAdapter) BuildGreeting(callID string) string { return a.greeting }

func (a *StubAdapter) SystemPrompt(callID string) string { return a.systemPrompt }

func (a *StubAdapter) CurrentStateForVADSelection(callID string) VADState {
	return VADStateDefault
}

func (a *StubAdapter) OnHangup(callID string, force bool) {
	if a.hooks.EndCall != nil {
		a.hooks.EndCall(callID, force)
	}
}

var _ Adapter = (*StubAdapter)(nil)
