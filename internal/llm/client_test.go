package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer is a minimal stand-in for the LLM streaming endpoint: it
// records every inbound message and lets the test script canned
// responses back down the same connection.
type fakeServer struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []map[string]any
	connCh   chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{connCh: make(chan struct{}, 1)}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.connCh <- struct{}{}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]any
		if err := json.Unmarshal(msg, &m); err != nil {
			continue
		}
		f.mu.Lock()
		f.received = append(f.received, m)
		f.mu.Unlock()
	}
}

func (f *fakeServer) waitForConn(t *testing.T) {
	t.Helper()
	select {
	case <-f.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
}

func (f *fakeServer) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling fake server message: %v", err)
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		t.Fatal("no connection to send on")
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("writing fake server message: %v", err)
	}
}

func (f *fakeServer) messagesOfType(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.received {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func wsURL(ts *httptest.Server) string {
	return "ws" + ts.URL[len("http"):]
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newConnectedClient(t *testing.T) (*Client, *fakeServer, *httptest.Server) {
	t.Helper()
	fs := newFakeServer()
	ts := httptest.NewServer(fs)
	t.Cleanup(ts.Close)

	c := NewClient(Config{
		URL:               wsURL(ts),
		Voice:             "alloy",
		SystemPrompt:      "be concise",
		InputAudioFormat:  "g711_alaw",
		OutputAudioFormat: "g711_alaw",
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fs.waitForConn(t)
	t.Cleanup(func() { _ = c.Close() })
	return c, fs, ts
}

func TestConnectSendsSessionUpdate(t *testing.T) {
	_, fs, _ := newConnectedClient(t)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(fs.messagesOfType(typeSessionUpdate)) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never sent session.update on connect")
}

func TestForwardAudioBase64Encodes(t *testing.T) {
	c, fs, _ := newConnectedClient(t)

	frame := []byte{1, 2, 3, 4}
	c.ForwardAudio(frame)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		msgs := fs.messagesOfType(typeInputAudioAppend)
		if len(msgs) > 0 {
			got, err := base64.StdEncoding.DecodeString(msgs[0]["audio"].(string))
			if err != nil {
				t.Fatalf("decoding forwarded audio: %v", err)
			}
			if string(got) != string(frame) {
				t.Fatalf("forwarded audio = %v, want %v", got, frame)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never forwarded audio")
}

func TestAudioDeltaInvokesCallback(t *testing.T) {
	c, fs, _ := newConnectedClient(t)

	var got []byte
	done := make(chan struct{})
	c.OnAudioOut(func(b []byte) {
		got = b
		close(done)
	})

	payload := base64.StdEncoding.EncodeToString([]byte{9, 9, 9})
	fs.send(t, map[string]any{"type": typeResponseAudioDelta, "delta": payload})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onAudioOut never called")
	}
	if string(got) != string([]byte{9, 9, 9}) {
		t.Fatalf("decoded audio = %v, want {9,9,9}", got)
	}
}

func TestSpeechStoppedSendsResponseCancel(t *testing.T) {
	_, fs, _ := newConnectedClient(t)

	fs.send(t, map[string]any{"type": typeSpeechStopped})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(fs.messagesOfType(typeResponseCancel)) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never sent response.cancel on speech_stopped")
}

func TestInstructionTransmitsOnCancelAck(t *testing.T) {
	c, fs, _ := newConnectedClient(t)

	c.OnInstruction(Instruction{Text: "ask for pickup address"})

	// Wait for the proactive response.cancel this Install triggers.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(fs.messagesOfType(typeResponseCancel)) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	fs.send(t, map[string]any{"type": typeResponseCanceled})

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		updates := fs.messagesOfType(typeSessionUpdate)
		for _, u := range updates {
			session, _ := u["session"].(map[string]any)
			if session != nil && session["instructions"] == "ask for pickup address" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("instruction never transmitted after response.canceled")
}

func TestInstructionTransmitsOnFallbackWhenNoCancelAck(t *testing.T) {
	c, fs, _ := newConnectedClient(t)

	c.OnInstruction(Instruction{Text: "confirm the fare"})
	// Deliberately do not send response.canceled: the 300ms fallback
	// timer inside the sequencer must fire instead.

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		updates := fs.messagesOfType(typeSessionUpdate)
		for _, u := range updates {
			session, _ := u["session"].(map[string]any)
			if session != nil && session["instructions"] == "confirm the fare" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("instruction never transmitted via fallback timer")
}

func TestBenignErrorDoesNotInvokeOnLog(t *testing.T) {
	c, fs, _ := newConnectedClient(t)

	called := false
	c.OnLog(func(string) { called = true })

	fs.send(t, map[string]any{
		"type":  typeError,
		"error": map[string]any{"message": "no active response found"},
	})

	time.Sleep(100 * time.Millisecond)
	if called {
		t.Fatal("benign error should not invoke onLog")
	}
}

func TestSessionUpdateOmitsTranscriptionWhenUnconfigured(t *testing.T) {
	_, fs, _ := newConnectedClient(t)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		updates := fs.messagesOfType(typeSessionUpdate)
		if len(updates) > 0 {
			session, _ := updates[0]["session"].(map[string]any)
			if _, ok := session["input_audio_transcription"]; ok {
				t.Fatal("session.update should omit input_audio_transcription when no model is configured")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never sent session.update on connect")
}

func TestSessionUpdateIncludesTranscriptionModel(t *testing.T) {
	fs := newFakeServer()
	ts := httptest.NewServer(fs)
	t.Cleanup(ts.Close)

	c := NewClient(Config{
		URL:                wsURL(ts),
		Voice:              "alloy",
		InputAudioFormat:   "g711_alaw",
		OutputAudioFormat:  "g711_alaw",
		TranscriptionModel: "whisper-1",
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fs.waitForConn(t)
	t.Cleanup(func() { _ = c.Close() })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		updates := fs.messagesOfType(typeSessionUpdate)
		if len(updates) > 0 {
			session, _ := updates[0]["session"].(map[string]any)
			transcription, _ := session["input_audio_transcription"].(map[string]any)
			if transcription == nil {
				t.Fatal("session.update missing input_audio_transcription")
			}
			if transcription["model"] != "whisper-1" {
				t.Fatalf("transcription model = %v, want whisper-1", transcription["model"])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never sent session.update on connect")
}

func TestSpeechStartedInvokesBargeIn(t *testing.T) {
	c, fs, _ := newConnectedClient(t)
	_ = fs

	called := make(chan struct{})
	c.OnBargeIn(func() { close(called) })

	fs.send(t, map[string]any{"type": typeSpeechStarted})

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("onBargeIn never called on speech_started")
	}
}
