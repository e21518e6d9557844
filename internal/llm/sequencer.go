package llm

import (
	"sync"
	"sync/atomic"
	"time"
)

// fallbackDelay is how long the sequencer waits for response.canceled
// before transmitting the pending instruction unconditionally.
const fallbackDelay = 300 * time.Millisecond

// Instruction is one deterministic directive from the external dialogue
// engine. Silent instructions update the session without triggering a new
// response (used e.g. to suppress the LLM entirely for a turn).
type Instruction struct {
	Text          string
	Silent        bool
	TurnDetection TurnDetection
}

// sequencer guarantees that a pending instruction is transmitted at most
// once: whichever of (a) a response.canceled event or (b) a fallback timer
// fires first atomically claims the pending slot and sends it; the loser
// finds the slot already empty and does nothing.
type sequencer struct {
	mu      sync.Mutex
	pending *Instruction
	timer   *time.Timer

	transmit func(Instruction)

	sent       atomic.Uint64
	superseded atomic.Uint64
}

func newSequencer(transmit func(Instruction)) *sequencer {
	return &sequencer{transmit: transmit}
}

// Install stores inst as the pending instruction, superseding any prior
// pending instruction, and arms the fallback timer.
func (s *sequencer) Install(inst Instruction) {
	s.mu.Lock()
	if s.pending != nil {
		s.superseded.Add(1)
	}
	cp := inst
	s.pending = &cp
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(fallbackDelay, s.onFallback)
	s.mu.Unlock()
}

// SequencerStats is a snapshot of the sequencer's counters.
type SequencerStats struct {
	Sent       uint64
	Superseded uint64
}

// Stats returns the number of instructions actually transmitted versus
// the number superseded by a later Install before they could be sent.
func (s *sequencer) Stats() SequencerStats {
	return SequencerStats{Sent: s.sent.Load(), Superseded: s.superseded.Load()}
}

// Canceled is called when response.canceled arrives. If a pending
// instruction is still waiting, it claims and transmits it.
func (s *sequencer) Canceled() {
	s.claim()
}

func (s *sequencer) onFallback() {
	s.claim()
}

// claim atomically takes ownership of the pending slot; only the first
// caller (cancel ack or fallback timer, whichever comes first) gets a
// non-nil instruction to transmit.
func (s *sequencer) claim() {
	s.mu.Lock()
	inst := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if inst != nil && s.transmit != nil {
		s.transmit(*inst)
		s.sent.Add(1)
	}
}
