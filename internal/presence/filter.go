package presence

import (
	"slices"
	"time"

	"github.com/banshee-data/critterwatch/internal/timeutil"
)

// Filter debounces a stream of detection frames for a fixed set of labels.
// A Filter is not safe for concurrent use.
type Filter struct {
	labels         LabelSet
	scoreThreshold float64
	sustain        time.Duration
	clock          timeutil.Clock

	streak       bool      // a presence streak is running
	streakStart  time.Time // valid only while streak is true
	lastSeen     time.Time // last frame with a candidate-present detection
	lastVerified []Verified
	phase        Phase
}

// Option configures a Filter.
type Option func(*Filter)

// WithClock replaces the wall clock the filter samples on every frame.
func WithClock(c timeutil.Clock) Option {
	return func(f *Filter) {
		if c != nil {
			f.clock = c
		}
	}
}

// New creates a Filter. Zero or negative thresholds are accepted as given.
func New(labels LabelSet, scoreThreshold float64, sustain time.Duration, opts ...Option) *Filter {
	f := &Filter{
		labels:         labels,
		scoreThreshold: scoreThreshold,
		sustain:        sustain,
		clock:          timeutil.RealClock{},
		phase:          PhaseIdle,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Process consumes one frame and returns the detections verified at this
// instant. The result may be empty; it never contains scores.
//
// Detections are reported only once the streak that contains them is older
// than the sustain threshold. The first frame of a streak is never reported
// because the streak start is recorded after the sustain check. While evidence
// is missing for less than AbsenceGrace the previous verified set is repeated;
// a longer absence clears the cache and the streak.
func (f *Filter) Process(frame Frame) []Verified {
	now := f.clock.Now()

	var sustained []Verified
	present := false
	for _, d := range frame.Detections {
		if !f.candidate(d) {
			continue
		}
		present = true
		if f.streak && now.Sub(f.streakStart) > f.sustain {
			sustained = append(sustained, Verified{Label: d.Label, BBox: d.BBox})
		}
	}

	if f.streak && !present {
		if now.Sub(f.lastSeen) < AbsenceGrace {
			sustained = f.lastVerified
		} else {
			f.lastVerified = nil
			f.streak = false
		}
	}

	if len(sustained) > 0 {
		f.lastVerified = sustained
	}

	if present {
		f.lastSeen = now
		if !f.streak {
			f.streak = true
			f.streakStart = now
		}
	}

	f.phase = f.classify(present, len(sustained) > 0)
	return slices.Clone(sustained)
}

func (f *Filter) candidate(d Detection) bool {
	return f.labels.Contains(d.Label) && d.Score > f.scoreThreshold
}

func (f *Filter) classify(present, reported bool) Phase {
	switch {
	case !f.streak:
		return PhaseIdle
	case present && reported:
		return PhaseVerified
	case !present && len(f.lastVerified) > 0:
		return PhaseGrace
	default:
		return PhaseAccumulating
	}
}

// Reset discards the streak and the cached verified set.
func (f *Filter) Reset() {
	f.streak = false
	f.streakStart = time.Time{}
	f.lastSeen = time.Time{}
	f.lastVerified = nil
	f.phase = PhaseIdle
}

// Phase returns the phase reached by the most recent Process call.
func (f *Filter) Phase() Phase {
	return f.phase
}

// Labels returns the watched label set.
func (f *Filter) Labels() LabelSet {
	return f.labels
}

// State is a point-in-time copy of a Filter's internals.
type State struct {
	Phase        Phase      `json:"phase"`
	StreakStart  *time.Time `json:"streak_start,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	LastVerified []Verified `json:"last_verified"`
}

// Snapshot returns the filter state without modifying it.
func (f *Filter) Snapshot() State {
	s := State{
		Phase:        f.phase,
		LastVerified: slices.Clone(f.lastVerified),
	}
	if s.LastVerified == nil {
		s.LastVerified = []Verified{}
	}
	if f.streak {
		start, seen := f.streakStart, f.lastSeen
		s.StreakStart = &start
		s.LastSeen = &seen
	}
	return s
}
