package media

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/adataxi/voicebridge/internal/g711"
)

func newTestEngine(t *testing.T) (*PlayoutEngine, *net.UDPConn) {
	t.Helper()
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}
	t.Cleanup(func() { serverConn.Close() })

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	remote := serverConn.LocalAddr().(*net.UDPAddr)
	logger := slog.New(slog.DiscardHandler)
	eng := NewPlayoutEngine(clientConn, remote, g711.ALaw, 100, logger)
	return eng, serverConn
}

func TestPlayoutStartsBufferingAndEmitsSilence(t *testing.T) {
	eng, server := newTestEngine(t)
	eng.Start(context.Background())
	defer eng.Stop()

	server.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1500)
	n, _, err := server.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected a silence packet while buffering: %v", err)
	}
	if n < 12 {
		t.Fatalf("packet too short: %d", n)
	}
}

func TestEnterPlayingAfterInitialThreshold(t *testing.T) {
	eng, server := newTestEngine(t)
	for i := 0; i < InitialStartThreshold; i++ {
		eng.Buffer(make([]byte, FrameSize))
	}
	eng.Start(context.Background())
	defer eng.Stop()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	deadline := time.Now().Add(1500 * time.Millisecond)
	sawPlaying := false
	for time.Now().Before(deadline) {
		if eng.QueueDepth() == 0 {
			sawPlaying = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sawPlaying {
		t.Fatal("queue never drained; engine did not enter Playing")
	}
}

func TestClearResetsToBuffering(t *testing.T) {
	eng, _ := newTestEngine(t)
	for i := 0; i < InitialStartThreshold; i++ {
		eng.Buffer(make([]byte, FrameSize))
	}
	eng.Clear()
	if eng.QueueDepth() != 0 {
		t.Errorf("QueueDepth() after Clear = %d, want 0", eng.QueueDepth())
	}
	if eng.state != StateBuffering {
		t.Errorf("state after Clear = %v, want Buffering", eng.state)
	}
	if eng.hasPlayedOnce {
		t.Error("hasPlayedOnce should reset to false after Clear")
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	eng, _ := newTestEngine(t)
	for i := 0; i < MaxQueueFrames+10; i++ {
		eng.Buffer(make([]byte, FrameSize))
	}
	if eng.QueueDepth() != MaxQueueFrames {
		t.Errorf("QueueDepth() = %d, want %d", eng.QueueDepth(), MaxQueueFrames)
	}
}

func TestSetRemoteRetargets(t *testing.T) {
	eng, server1 := newTestEngine(t)
	server2, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen server2: %v", err)
	}
	defer server2.Close()

	eng.SetRemote(server2.LocalAddr().(*net.UDPAddr))
	eng.Start(context.Background())
	defer eng.Stop()

	server2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1500)
	if _, _, err := server2.ReadFromUDP(buf); err != nil {
		t.Fatalf("expected packet on retargeted remote: %v", err)
	}
	_ = server1
}

func TestDrainFiresOnceAfterSustainedUnderrun(t *testing.T) {
	eng, _ := newTestEngine(t)
	for i := 0; i < InitialStartThreshold; i++ {
		eng.Buffer(make([]byte, FrameSize))
	}
	drainCount := 0
	eng.OnDrained(func() { drainCount++ })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	time.Sleep(FrameDuration * time.Duration(InitialStartThreshold+UnderrunGraceFrames+5))
	if drainCount != 1 {
		t.Errorf("drainCount = %d, want 1", drainCount)
	}
}

