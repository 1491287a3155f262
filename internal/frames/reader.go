package frames

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/critterwatch/internal/presence"
)

const maxLineSize = 1 << 20

// ReaderSource reads newline-delimited frames from a stream: stdin, a
// recorded frame log, or a serial port.
type ReaderSource struct {
	name   string
	r      io.ReadCloser
	paced  bool
	stats  *Stats
	closed sync.Once
}

// ReaderOption configures a ReaderSource.
type ReaderOption func(*ReaderSource)

// WithPacing delays each frame by the gap between its timestamp and the
// previous one, replaying recordings at their original speed.
func WithPacing() ReaderOption {
	return func(s *ReaderSource) { s.paced = true }
}

// WithStats shares a Stats collector with the source.
func WithStats(stats *Stats) ReaderOption {
	return func(s *ReaderSource) {
		if stats != nil {
			s.stats = stats
		}
	}
}

// NewReaderSource wraps r. Closing the source closes r.
func NewReaderSource(name string, r io.ReadCloser, opts ...ReaderOption) *ReaderSource {
	s := &ReaderSource{name: name, r: r, stats: &Stats{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSerialSource opens a serial device that streams one JSON frame per line.
func NewSerialSource(path string, opts PortOptions, ropts ...ReaderOption) (*ReaderSource, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewReaderSource("serial:"+path, port, ropts...), nil
}

func (s *ReaderSource) String() string { return s.name }

// Stats returns the source counters.
func (s *ReaderSource) Stats() *Stats { return s.stats }

// Run scans lines until EOF, a read error, or ctx cancellation.
func (s *ReaderSource) Run(ctx context.Context, out chan<- presence.Frame) error {
	scan := bufio.NewScanner(s.r)
	scan.Buffer(make([]byte, 64*1024), maxLineSize)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs in its own goroutine so the loop below can
	// still observe cancellation. Closing the reader unblocks it.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := bytes.TrimSpace(scan.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lineChan <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	var p pacer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("%s: read failed: %w", s.name, err)
				default:
				}
				logf("%s: end of input after %d frames", s.name, s.stats.Snapshot().Frames)
				return nil
			}

			frame, ok := decode(s.stats, s.name, line)
			if !ok {
				continue
			}
			if s.paced {
				if err := p.wait(ctx, frame.Timestamp); err != nil {
					return err
				}
			}
			if err := send(ctx, out, frame); err != nil {
				return err
			}
		}
	}
}

// Close closes the underlying reader. It is safe to call more than once.
func (s *ReaderSource) Close() error {
	var err error
	s.closed.Do(func() { err = s.r.Close() })
	return err
}
