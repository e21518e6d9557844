package media

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/adataxi/voicebridge/internal/g711"
)

// PlayoutState is the hysteretic jitter-buffer state of a PlayoutEngine.
type PlayoutState int

const (
	StateBuffering PlayoutState = iota
	StatePlaying
)

func (s PlayoutState) String() string {
	if s == StatePlaying {
		return "playing"
	}
	return "buffering"
}

// Pacing and buffering constants, per the playout engine's hysteresis
// design: a higher bar to start than to resume after a brief underrun.
const (
	FrameDuration         = 20 * time.Millisecond
	FrameSize             = 160
	InitialStartThreshold = 10 // 200ms
	ResumeThreshold       = 5  // 100ms
	UnderrunGraceFrames   = 3
	MaxQueueFrames        = 2000
	resyncThreshold       = 100 * time.Millisecond
	RTPInactivityTimeout  = 30 * time.Second
	timestampIncrement    = 160
)

// PlayoutEngine paces one RTP packet every 20ms to a remote endpoint,
// maintaining a small jitter buffer that hides network/LLM-latency jitter
// behind an initial-start/resume hysteresis, and re-targets the outbound
// destination to the first observed inbound source (symmetric RTP).
type PlayoutEngine struct {
	conn   *net.UDPConn
	codec  g711.Codec
	logger *slog.Logger

	remoteMu sync.RWMutex
	remote   *net.UDPAddr

	queueMu sync.Mutex
	queue   [][]byte

	state                PlayoutState
	hasPlayedOnce        bool
	consecutiveUnderruns int
	drainLatched         bool

	queueDepth atomic.Int32

	ssrc uint32
	seq  uint16
	ts   uint32

	consecutiveSendErrors atomic.Int32
	circuitBreakerMax     int32

	packetsSent    atomic.Uint64
	underrunCount  atomic.Uint64
	circuitTripped atomic.Uint64

	onDrained func()
	onFault   func(reason string)
	onLog     func(msg string)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPlayoutEngine constructs a playout engine that writes RTP to conn,
// initially targeting remote (updated on the first observed inbound
// packet via SetRemote).
func NewPlayoutEngine(conn *net.UDPConn, remote *net.UDPAddr, codec g711.Codec, circuitBreakerThreshold int, logger *slog.Logger) *PlayoutEngine {
	if circuitBreakerThreshold <= 0 {
		circuitBreakerThreshold = 100
	}
	return &PlayoutEngine{
		conn:              conn,
		codec:             codec,
		remote:            remote,
		logger:            logger.With("subsystem", "playout"),
		circuitBreakerMax: int32(circuitBreakerThreshold),
		ssrc:              rand.Uint32(),
		seq:               uint16(rand.UintN(65536)),
		ts:                rand.Uint32(),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// OnDrained registers a callback fired exactly once per Playing->Buffering
// transition caused by a sustained underrun (not by Clear).
func (p *PlayoutEngine) OnDrained(f func()) { p.onDrained = f }

// OnFault registers a callback fired when the circuit breaker trips.
func (p *PlayoutEngine) OnFault(f func(reason string)) { p.onFault = f }

// OnLog registers a callback for informational log-sampled events.
func (p *PlayoutEngine) OnLog(f func(msg string)) { p.onLog = f }

// SetRemote retargets the outbound RTP destination, implementing symmetric
// RTP: the first inbound packet's source becomes the new send target.
func (p *PlayoutEngine) SetRemote(addr *net.UDPAddr) {
	p.remoteMu.Lock()
	p.remote = addr
	p.remoteMu.Unlock()
}

func (p *PlayoutEngine) getRemote() *net.UDPAddr {
	p.remoteMu.RLock()
	defer p.remoteMu.RUnlock()
	return p.remote
}

// Buffer enqueues raw G.711 frame bytes for playout. Frames beyond
// MaxQueueFrames cause the oldest queued frame to be dropped.
func (p *PlayoutEngine) Buffer(frame []byte) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if len(p.queue) >= MaxQueueFrames {
		p.queue = p.queue[1:]
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	p.queue = append(p.queue, cp)
	p.queueDepth.Store(int32(len(p.queue)))
}

// QueueDepth returns the number of frames currently queued for playout.
func (p *PlayoutEngine) QueueDepth() int {
	return int(p.queueDepth.Load())
}

// Clear drops the queue and returns the engine to Buffering with
// hasPlayedOnce reset, used for barge-in cuts.
func (p *PlayoutEngine) Clear() {
	p.queueMu.Lock()
	p.queue = nil
	p.queueDepth.Store(0)
	p.state = StateBuffering
	p.hasPlayedOnce = false
	p.consecutiveUnderruns = 0
	p.drainLatched = false
	p.queueMu.Unlock()
}

func (p *PlayoutEngine) dequeue() ([]byte, bool) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	frame := p.queue[0]
	p.queue = p.queue[1:]
	p.queueDepth.Store(int32(len(p.queue)))
	return frame, true
}

// Start launches the 20ms pacing loop in a background goroutine.
func (p *PlayoutEngine) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop terminates the pacing loop and waits for it to exit.
func (p *PlayoutEngine) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *PlayoutEngine) run(ctx context.Context) {
	defer close(p.doneCh)

	next := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		now := time.Now()
		if now.Before(next) {
			time.Sleep(next.Sub(now))
		}

		p.tick()

		next = next.Add(FrameDuration)
		if time.Since(next) > resyncThreshold {
			next = time.Now().Add(FrameDuration)
		}
	}
}

// tick performs exactly one 20ms dequeue/emit decision per the playout
// hysteresis state machine.
func (p *PlayoutEngine) tick() {
	p.queueMu.Lock()
	state := p.state
	p.queueMu.Unlock()

	switch state {
	case StateBuffering:
		threshold := ResumeThreshold
		if !p.hasPlayedOnceSnapshot() {
			threshold = InitialStartThreshold
		}
		if p.QueueDepth() >= threshold {
			p.queueMu.Lock()
			p.state = StatePlaying
			p.hasPlayedOnce = true
			p.consecutiveUnderruns = 0
			p.drainLatched = false
			p.queueMu.Unlock()
			if frame, ok := p.dequeue(); ok {
				p.emit(frame)
				return
			}
		}
		p.emitSilence()

	case StatePlaying:
		if frame, ok := p.dequeue(); ok {
			p.queueMu.Lock()
			p.consecutiveUnderruns = 0
			p.queueMu.Unlock()
			p.emit(frame)
			return
		}
		p.emitSilence()
		p.queueMu.Lock()
		p.consecutiveUnderruns++
		underrun := p.consecutiveUnderruns >= UnderrunGraceFrames
		if underrun {
			p.state = StateBuffering
		}
		alreadyLatched := p.drainLatched
		if underrun {
			p.drainLatched = true
		}
		p.queueMu.Unlock()
		if underrun && !alreadyLatched {
			p.underrunCount.Add(1)
			if p.onDrained != nil {
				p.onDrained()
			}
		}
	}
}

func (p *PlayoutEngine) hasPlayedOnceSnapshot() bool {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return p.hasPlayedOnce
}

func (p *PlayoutEngine) emit(frame []byte) {
	p.send(frame)
}

func (p *PlayoutEngine) emitSilence() {
	p.send(p.codec.SilenceFrame(FrameSize))
}

func (p *PlayoutEngine) send(payload []byte) {
	remote := p.getRemote()
	if remote == nil {
		return
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         false,
			PayloadType:    p.codec.PayloadType(),
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.seq++
	p.ts += timestampIncrement

	buf, err := pkt.Marshal()
	if err != nil {
		p.recordSendOutcome(false, "marshal: "+err.Error())
		return
	}

	if _, err := p.conn.WriteToUDP(buf, remote); err != nil {
		p.recordSendOutcome(false, "write: "+err.Error())
		return
	}
	p.recordSendOutcome(true, "")
	p.packetsSent.Add(1)
}

func (p *PlayoutEngine) recordSendOutcome(ok bool, reason string) {
	if ok {
		p.consecutiveSendErrors.Store(0)
		return
	}
	n := p.consecutiveSendErrors.Add(1)
	if n == 1 || n%5 == 0 || n%10 == 0 {
		if p.onLog != nil {
			p.onLog("rtp send error: " + reason)
		}
	}
	if n >= p.circuitBreakerMax {
		p.circuitTripped.Add(1)
		p.stopOnce.Do(func() { close(p.stopCh) })
		if p.onFault != nil {
			p.onFault("rtp circuit breaker tripped after " + strconv.Itoa(int(n)) + " consecutive send errors")
		}
	}
}

// PlayoutStats is a snapshot of the playout engine's pacing/fault counters.
type PlayoutStats struct {
	PacketsSent    uint64
	Underruns      uint64
	CircuitTripped uint64
}

// Stats returns the engine's current counters.
func (p *PlayoutEngine) Stats() PlayoutStats {
	return PlayoutStats{
		PacketsSent:    p.packetsSent.Load(),
		Underruns:      p.underrunCount.Load(),
		CircuitTripped: p.circuitTripped.Load(),
	}
}
