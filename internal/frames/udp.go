package frames

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/critterwatch/internal/presence"
)

// maxDatagramSize bounds a single frame datagram.
const maxDatagramSize = 65507

// UDPSourceConfig configures a UDPSource.
type UDPSourceConfig struct {
	Address     string // listen address, e.g. ":9000"
	RcvBuf      int    // socket receive buffer; 0 keeps the OS default
	LogInterval time.Duration
	Stats       *Stats
}

// UDPSource receives one JSON frame per datagram.
type UDPSource struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       *Stats

	mu    sync.Mutex
	conn  *net.UDPConn
	ready chan struct{}
}

// NewUDPSource creates a UDP frame source.
func NewUDPSource(config UDPSourceConfig) *UDPSource {
	stats := config.Stats
	if stats == nil {
		stats = &Stats{}
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPSource{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		ready:       make(chan struct{}),
	}
}

func (s *UDPSource) String() string { return "udp:" + s.address }

// Stats returns the source counters.
func (s *UDPSource) Stats() *Stats { return s.stats }

// Addr blocks until the socket is bound and returns its local address.
func (s *UDPSource) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, errors.New("udp source closed")
	}
	return s.conn.LocalAddr(), nil
}

// Run listens until ctx is cancelled. Frames arriving while the consumer is
// busy are dropped and counted rather than stalling the socket.
func (s *UDPSource) Run(ctx context.Context, out chan<- presence.Frame) error {
	addr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)
	defer s.Close()

	if s.rcvBuf > 0 {
		if err := conn.SetReadBuffer(s.rcvBuf); err != nil {
			logf("warning: failed to set UDP receive buffer size to %d: %v", s.rcvBuf, err)
		}
	}
	logf("UDP frame source listening on %s", conn.LocalAddr())

	go s.logStats(ctx)

	buffer := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			logf("UDP frame source stopping")
			return ctx.Err()
		default:
		}

		// Short deadline so cancellation is noticed between datagrams.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logf("UDP read error: %v", err)
			continue
		}

		frame, ok := decode(s.stats, fmt.Sprintf("udp:%v", from), buffer[:n])
		if !ok {
			continue
		}
		select {
		case out <- frame:
		default:
			s.stats.addDropped()
		}
	}
}

func (s *UDPSource) logStats(ctx context.Context) {
	ticker := time.NewTicker(s.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.stats.Snapshot()
			logf("udp: frames=%d bytes=%d malformed=%d dropped=%d", st.Frames, st.Bytes, st.Malformed, st.Dropped)
		}
	}
}

// Close releases the socket.
func (s *UDPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
