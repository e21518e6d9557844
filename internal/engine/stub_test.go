package engine

import (
	"context"
	"log/slog"
	"testing"
)

func TestStubAdapterBuildGreeting(t *testing.T) {
	a := NewStubAdapter("hello there", "be helpful", Hooks{}, slog.New(slog.DiscardHandler))
	if got := a.BuildGreeting("call-1"); got != "hello there" {
		t.Fatalf("BuildGreeting() = %q, want %q", got, "hello there")
	}
	if got := a.SystemPrompt("call-1"); got != "be helpful" {
		t.Fatalf("SystemPrompt() = %q, want %q", got, "be helpful")
	}
}

func TestStubAdapterOnHangupInvokesEndCallHook(t *testing.T) {
	var gotCallID string
	var gotForce bool
	hooks := Hooks{EndCall: func(callID string, force bool) {
		gotCallID = callID
		gotForce = force
	}}
	a := NewStubAdapter("hi", "be helpful", hooks, slog.New(slog.DiscardHandler))

	a.OnHangup("call-2", true)

	if gotCallID != "call-2" || !gotForce {
		t.Fatalf("EndCall hook got (%q, %v), want (%q, %v)", gotCallID, gotForce, "call-2", true)
	}
}

func TestStubAdapterDefaultVADState(t *testing.T) {
	a := NewStubAdapter("hi", "be helpful", Hooks{}, slog.New(slog.DiscardHandler))
	if got := a.CurrentStateForVADSelection("call-1"); got != VADStateDefault {
		t.Fatalf("CurrentStateForVADSelection() = %v, want VADStateDefault", got)
	}
}

func TestStubAdapterStartDoesNotPanic(t *testing.T) {
	a := NewStubAdapter("hi", "be helpful", Hooks{}, slog.New(slog.DiscardHandler))
	a.Start(context.Background(), "call-1")
	a.ProcessCallerTranscript(context.Background(), "call-1", "pick me up at 5th and main")
	a.ProcessLLMTranscript(context.Background(), "call-1", "got it, on my way")
}
