// Package audio slices an arbitrary byte stream into fixed-size G.711
// frames suitable for RTP packetization.
package audio

import "sync"

// FrameSize is the number of bytes per frame: 160 bytes is 20ms of G.711
// at 8kHz, one byte per sample.
const FrameSize = 160

// MaxAccumulatorBytes bounds the internal buffer; input beyond this is
// dropped rather than grown without limit.
const MaxAccumulatorBytes = 65536

// Accumulator buffers bytes and extracts fixed-size frames as soon as
// enough data has arrived. It never emits a partial frame; Flush pads the
// trailing remainder with a caller-supplied silence byte.
type Accumulator struct {
	mu     sync.Mutex
	buffer []byte
}

// NewAccumulator creates an empty frame accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Push appends data and returns any complete FrameSize-byte frames that
// can now be extracted. If appending would exceed MaxAccumulatorBytes, the
// overflow is dropped (oldest data is kept in favor of newest, since the
// caller reads in capture order).
func (a *Accumulator) Push(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	room := MaxAccumulatorBytes - len(a.buffer)
	if room <= 0 {
		return nil
	}
	if len(data) > room {
		data = data[:room]
	}
	a.buffer = append(a.buffer, data...)

	var frames [][]byte
	for len(a.buffer) >= FrameSize {
		frame := make([]byte, FrameSize)
		copy(frame, a.buffer[:FrameSize])
		frames = append(frames, frame)
		a.buffer = a.buffer[FrameSize:]
	}
	return frames
}

// Flush completes a trailing partial frame by padding it with silenceByte
// and returns it. Returns nil if no partial frame is pending. The
// accumulator is empty afterward.
func (a *Accumulator) Flush(silenceByte byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffer) == 0 {
		return nil
	}
	frame := make([]byte, FrameSize)
	n := copy(frame, a.buffer)
	for i := n; i < FrameSize; i++ {
		frame[i] = silenceByte
	}
	a.buffer = nil
	return frame
}

// Clear drops any buffered partial-frame bytes without emitting a frame.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = nil
}

// Pending returns the number of buffered bytes not yet forming a complete
// frame (always < FrameSize).
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}
