package frames

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/critterwatch/internal/monitoring"
	"github.com/banshee-data/critterwatch/internal/presence"
)

var logf = monitoring.Component("frames")

// Source produces detection frames until its input is exhausted, it fails,
// or ctx is cancelled. Run returns nil when the input ends cleanly.
type Source interface {
	Run(ctx context.Context, out chan<- presence.Frame) error
	Close() error
	String() string
}

// Stats counts what a source has read. All methods are safe for concurrent use.
type Stats struct {
	frames    atomic.Int64
	bytes     atomic.Int64
	malformed atomic.Int64
	dropped   atomic.Int64
}

// StatsSnapshot is a copy of the counters.
type StatsSnapshot struct {
	Frames    int64 `json:"frames"`
	Bytes     int64 `json:"bytes"`
	Malformed int64 `json:"malformed"`
	Dropped   int64 `json:"dropped"`
}

func (s *Stats) addFrame(n int) {
	s.frames.Add(1)
	s.bytes.Add(int64(n))
}

func (s *Stats) addMalformed() { s.malformed.Add(1) }
func (s *Stats) addDropped()   { s.dropped.Add(1) }

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Frames:    s.frames.Load(),
		Bytes:     s.bytes.Load(),
		Malformed: s.malformed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// decode parses a payload and records the outcome. Malformed payloads are
// logged and reported as !ok; they never reach the filter.
func decode(stats *Stats, name string, payload []byte) (presence.Frame, bool) {
	frame, err := ParseFrame(payload)
	if err != nil {
		stats.addMalformed()
		logf("%s: skipping frame: %v", name, err)
		return presence.Frame{}, false
	}
	stats.addFrame(len(payload))
	return frame, true
}

// send blocks until the frame is accepted or ctx is done.
func send(ctx context.Context, out chan<- presence.Frame, frame presence.Frame) error {
	select {
	case out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pacer spaces out frames read from a recording so that they reach a live
// filter with their original timing.
type pacer struct {
	prev time.Time
}

// wait sleeps for the gap between the previous frame timestamp and ts.
// Frames without a timestamp, or going backwards, are not delayed.
func (p *pacer) wait(ctx context.Context, ts time.Time) error {
	if ts.IsZero() {
		return nil
	}
	prev := p.prev
	p.prev = ts
	if prev.IsZero() || !ts.After(prev) {
		return nil
	}

	timer := time.NewTimer(ts.Sub(prev))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
