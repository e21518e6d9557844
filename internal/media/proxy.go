package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Socket holds the UDP connection for one call's RTP port.
type Socket struct {
	Port int
	Conn *net.UDPConn
}

// Close releases the UDP socket.
func (s *Socket) Close() error {
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}

// Proxy manages a pool of UDP sockets for caller-facing RTP, one per active
// call, within a configurable port range. This bridge terminates each call
// as a single RTP leg to the LLM's audio stream rather than relaying between
// two SIP legs, so there is no companion RTCP port to track.
type Proxy struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewProxy creates an RTP media proxy with the given port range.
func NewProxy(portMin, portMax int, logger *slog.Logger) (*Proxy, error) {
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "media-proxy")
	capacity := portMax - portMin + 1
	l.Info("rtp media proxy initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", capacity,
	)

	return &Proxy{
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}, nil
}

// Capacity returns the total number of RTP ports available in the range.
func (p *Proxy) Capacity() int {
	return p.portMax - p.portMin + 1
}

// AllocatedCount returns the number of currently allocated ports.
func (p *Proxy) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Allocate binds an RTP UDP socket from the port pool. Returns an error if
// no ports are available or binding fails.
func (p *Proxy) Allocate() (*Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.portMax - p.portMin + 1
	if len(p.allocated) >= capacity {
		return nil, fmt.Errorf("no rtp ports available (all %d allocated)", capacity)
	}

	startPort := p.nextPort
	for {
		port := p.nextPort

		p.nextPort++
		if p.nextPort > p.portMax {
			p.nextPort = p.portMin
		}

		if _, taken := p.allocated[port]; taken {
			if p.nextPort == startPort {
				return nil, fmt.Errorf("no rtp ports available (all checked)")
			}
			continue
		}

		conn, err := bindPort(port)
		if err != nil {
			p.logger.Debug("port bind failed, trying next",
				"rtp_port", port,
				"error", err,
			)
			if p.nextPort == startPort {
				return nil, fmt.Errorf("no bindable rtp ports available")
			}
			continue
		}

		p.allocated[port] = struct{}{}

		p.logger.Debug("port allocated",
			"rtp_port", port,
			"allocated", len(p.allocated),
			"capacity", capacity,
		)

		return &Socket{Port: port, Conn: conn}, nil
	}
}

// Release closes the UDP socket and returns the port to the pool.
func (p *Proxy) Release(socket *Socket) {
	if socket == nil {
		return
	}

	if err := socket.Close(); err != nil {
		p.logger.Warn("error closing rtp socket",
			"rtp_port", socket.Port,
			"error", err,
		)
	}

	p.mu.Lock()
	delete(p.allocated, socket.Port)
	count := len(p.allocated)
	p.mu.Unlock()

	p.logger.Debug("port released",
		"rtp_port", socket.Port,
		"allocated", count,
	)
}

// bindPort creates a UDP socket bound to the given port.
func bindPort(port int) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", port, err)
	}
	return conn, nil
}
