package sighting

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/critterwatch/internal/presence"
	"github.com/banshee-data/critterwatch/internal/timeutil"
)

// Recorder follows a single filter and emits Opened/Closed events to its sink.
//
// A sighting opens on the first non-empty verified result and stays open
// while the filter repeats its cached result through short gaps. It closes
// when the filter falls back to idle, and its end time is the last frame in
// which a candidate was actually seen.
//
// A Recorder is not safe for concurrent use; call it from the goroutine that
// owns the filter.
type Recorder struct {
	stream string
	sink   Sink
	clock  timeutil.Clock

	open     *Sighting
	labels   map[string]struct{}
	scores   []float64
	lastSeen time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock sets the clock used to stamp verification times.
func WithClock(c timeutil.Clock) RecorderOption {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewRecorder creates a recorder for the named stream. A nil sink discards events.
func NewRecorder(stream string, sink Sink, opts ...RecorderOption) *Recorder {
	if sink == nil {
		sink = SinkFuncs{}
	}
	r := &Recorder{
		stream: stream,
		sink:   sink,
		clock:  timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe records the outcome of one Filter.Process call. state must be the
// filter snapshot taken right after that call. Sink errors are returned but
// never change the recorder state.
func (r *Recorder) Observe(ctx context.Context, frame presence.Frame, verified []presence.Verified, state presence.State) error {
	if state.LastSeen != nil {
		r.lastSeen = *state.LastSeen
	}

	if len(verified) > 0 {
		opening := r.open == nil
		if opening {
			r.start(state)
		}
		r.accumulate(frame, verified)
		if opening {
			return r.sink.Opened(ctx, r.current())
		}
		return nil
	}

	if r.open != nil && state.Phase == presence.PhaseIdle {
		return r.finish(ctx, r.lastSeen)
	}
	return nil
}

// Flush closes the open sighting, if any. It is used when the frame source
// ends or the filter is reset from outside.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.open == nil {
		return nil
	}
	end := r.lastSeen
	if end.IsZero() {
		end = r.clock.Now()
	}
	return r.finish(ctx, end)
}

// Current returns a copy of the open sighting.
func (r *Recorder) Current() (Sighting, bool) {
	if r.open == nil {
		return Sighting{}, false
	}
	return r.current(), true
}

func (r *Recorder) start(state presence.State) {
	now := r.clock.Now()
	started := now
	if state.StreakStart != nil {
		started = *state.StreakStart
	}
	r.open = &Sighting{
		ID:         uuid.New().String(),
		Stream:     r.stream,
		StartedAt:  started,
		VerifiedAt: now,
	}
	r.labels = make(map[string]struct{})
	r.scores = r.scores[:0]
}

func (r *Recorder) accumulate(frame presence.Frame, verified []presence.Verified) {
	r.open.Frames++
	for _, v := range verified {
		r.labels[v.Label] = struct{}{}
	}
	// Only detections verified in this frame contribute a score. Results
	// repeated during a gap have no matching detection.
	for _, d := range frame.Detections {
		if slices.Contains(verified, presence.Verified{Label: d.Label, BBox: d.BBox}) {
			r.scores = append(r.scores, d.Score)
		}
	}
}

func (r *Recorder) finish(ctx context.Context, end time.Time) error {
	s := r.current()
	if end.Before(s.StartedAt) {
		end = s.StartedAt
	}
	s.EndedAt = &end

	r.open = nil
	r.labels = nil
	r.scores = r.scores[:0]
	return r.sink.Closed(ctx, s)
}

func (r *Recorder) current() Sighting {
	s := *r.open
	s.Labels = make([]string, 0, len(r.labels))
	for l := range r.labels {
		s.Labels = append(s.Labels, l)
	}
	slices.Sort(s.Labels)
	if len(r.scores) > 0 {
		s.PeakScore = floats.Max(r.scores)
		s.MeanScore = stat.Mean(r.scores, nil)
	}
	return s
}
