// Package callgate implements the turn-taking latch that silences the
// caller's microphone path while the LLM is speaking, preserves a short
// echo tail across the gate, and cuts instantly on barge-in.
package callgate

import "sync"

// RingSize is the number of trailing caller frames retained while gated
// (200ms at 20ms/frame).
const RingSize = 10

// Gate coordinates the mic-gate dual latch described by the bridge's
// turn-taking design: the gate opens only once both the LLM's response has
// completed and the playout queue has drained, and closes the instant a
// new response is armed. Barge-in opens it immediately and bypasses the
// latches entirely.
type Gate struct {
	mu sync.Mutex

	gated             bool
	responseCompleted bool
	playoutDrained    bool
	taskID            uint64

	ring      [][]byte
	ringStart int
	ringLen   int

	onForward func(frame []byte)
}

// New creates an open gate: the mic path is live until the LLM actually
// starts speaking (Arm is called on response.created/response.audio.started),
// which is also the only event that can close it.
func New() *Gate {
	return &Gate{ring: make([][]byte, RingSize)}
}

// OnForward registers the callback invoked for every frame that should be
// forwarded upstream to the LLM: either live (gate open) or replayed from
// the echo-tail ring (on ungate).
func (g *Gate) OnForward(f func(frame []byte)) {
	g.mu.Lock()
	g.onForward = f
	g.mu.Unlock()
}

// Arm is called when the LLM begins a new response (response.created /
// response.audio.started). It closes the gate, resets both latches, and
// bumps the task id so any stale pending ungate decision is superseded.
func (g *Gate) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gated = true
	g.responseCompleted = false
	g.playoutDrained = false
	g.taskID++
}

// AudioDone is called when the LLM signals response.audio.done. It latches
// responseCompleted and opens the gate if playout has already drained.
func (g *Gate) AudioDone() {
	g.mu.Lock()
	g.responseCompleted = true
	shouldOpen := g.gated && g.playoutDrained
	g.mu.Unlock()
	if shouldOpen {
		g.open()
	}
}

// PlayoutDrained is called when the playout engine reports its queue has
// emptied. It latches playoutDrained and opens the gate if the response has
// already completed.
func (g *Gate) PlayoutDrained() {
	g.mu.Lock()
	g.playoutDrained = true
	shouldOpen := g.gated && g.responseCompleted
	g.mu.Unlock()
	if shouldOpen {
		g.open()
	}
}

// BargeIn is called when VAD detects the caller speaking while the gate is
// closed. It opens the gate immediately, bumps the task id, and clears the
// echo-tail ring without replaying it (the caller is already mid-utterance;
// replaying stale frames would just reorder what they're saying now).
func (g *Gate) BargeIn() {
	g.mu.Lock()
	g.gated = false
	g.taskID++
	g.ringStart = 0
	g.ringLen = 0
	g.mu.Unlock()
}

// open transitions from gated to open, replaying the echo-tail ring to the
// forwarding callback in FIFO order, then clearing it.
func (g *Gate) open() {
	g.mu.Lock()
	if !g.gated {
		g.mu.Unlock()
		return
	}
	g.gated = false
	frames := g.drainRingLocked()
	cb := g.onForward
	g.mu.Unlock()

	if cb != nil {
		for _, f := range frames {
			cb(f)
		}
	}
}

func (g *Gate) drainRingLocked() [][]byte {
	out := make([][]byte, 0, g.ringLen)
	for i := 0; i < g.ringLen; i++ {
		out = append(out, g.ring[(g.ringStart+i)%RingSize])
	}
	g.ringStart = 0
	g.ringLen = 0
	return out
}

// IsGated reports whether the gate currently blocks inbound audio from
// reaching the LLM.
func (g *Gate) IsGated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gated
}

// HandleInboundFrame routes one frame of caller audio: forwarded upstream
// immediately if the gate is open, or written into the bounded echo-tail
// ring (oldest overwritten) if closed.
func (g *Gate) HandleInboundFrame(frame []byte) {
	g.mu.Lock()
	if !g.gated {
		cb := g.onForward
		g.mu.Unlock()
		if cb != nil {
			cb(frame)
		}
		return
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)
	idx := (g.ringStart + g.ringLen) % RingSize
	if g.ringLen < RingSize {
		g.ring[idx] = cp
		g.ringLen++
	} else {
		g.ring[g.ringStart] = cp
		g.ringStart = (g.ringStart + 1) % RingSize
	}
	g.mu.Unlock()
}
