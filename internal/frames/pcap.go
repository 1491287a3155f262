package frames

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/critterwatch/internal/presence"
)

// pcapngMagic is the block type of the section header that opens a pcapng file.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// PCAPSourceConfig configures a PCAPSource.
type PCAPSourceConfig struct {
	Path     string
	UDPPort  int  // only datagrams to this port are read; 0 reads every UDP datagram
	Realtime bool // replay at the capture's original pace
	Stats    *Stats
}

// PCAPSource replays frame datagrams captured off the wire. It reads both
// pcap and pcapng files without libpcap.
type PCAPSource struct {
	cfg   PCAPSourceConfig
	stats *Stats

	mu   sync.Mutex
	file *os.File
}

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// NewPCAPSource creates a pcap replay source. The file is opened by Run.
func NewPCAPSource(cfg PCAPSourceConfig) *PCAPSource {
	stats := cfg.Stats
	if stats == nil {
		stats = &Stats{}
	}
	return &PCAPSource{cfg: cfg, stats: stats}
}

func (s *PCAPSource) String() string { return "pcap:" + s.cfg.Path }

// Stats returns the source counters.
func (s *PCAPSource) Stats() *Stats { return s.stats }

// Run reads the capture to the end. Frames without their own "ts" take the
// packet capture time.
func (s *PCAPSource) Run(ctx context.Context, out chan<- presence.Frame) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", s.cfg.Path, err)
	}
	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	defer s.Close()

	reader, err := openPacketReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to read PCAP file %s: %w", s.cfg.Path, err)
	}

	packets := gopacket.NewPacketSource(reader, reader.LinkType())
	var (
		p     pacer
		count int
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		packet, err := packets.NextPacket()
		if errors.Is(err, io.EOF) {
			logf("%s: replay complete, %d datagrams", s, count)
			return nil
		}
		if err != nil {
			// Truncated trailing packets are common in live captures.
			logf("%s: stopping on read error: %v", s, err)
			return nil
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if s.cfg.UDPPort != 0 && int(udp.DstPort) != s.cfg.UDPPort {
			continue
		}
		count++

		frame, ok := decode(s.stats, s.String(), udp.Payload)
		if !ok {
			continue
		}
		if frame.Timestamp.IsZero() {
			frame.Timestamp = packet.Metadata().Timestamp
		}
		if s.cfg.Realtime {
			if err := p.wait(ctx, frame.Timestamp); err != nil {
				return err
			}
		}
		if err := send(ctx, out, frame); err != nil {
			return err
		}
	}
}

func openPacketReader(r *bufio.Reader) (packetReader, error) {
	magic, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	if string(magic) == string(pcapngMagic) {
		return pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(r)
}

// Close closes the capture file if it is open.
func (s *PCAPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
