package presence

import (
	"slices"
	"time"
)

// AbsenceGrace is how long the last verified set keeps being reported after
// evidence disappears, before the filter fully resets.
const AbsenceGrace = 2 * time.Second

// BBox is a bounding box as produced by the detector. The filter never
// interprets the coordinates.
type BBox [4]float64

// Detection is one recognised object instance in a frame.
type Detection struct {
	Label string  `json:"label"`
	BBox  BBox    `json:"bbox"`
	Score float64 `json:"score"`
}

// Frame is the raw detector output for one video frame.
type Frame struct {
	Detections []Detection `json:"detections"`

	// Timestamp is the capture time recorded by the frame source, if any.
	// The live filter ignores it and samples its own clock; the replay tool
	// uses it to drive a mock clock.
	Timestamp time.Time `json:"-"`
}

// Verified is a detection reported to the caller once its streak has been
// sustained. The score is intentionally dropped.
type Verified struct {
	Label string `json:"label"`
	BBox  BBox   `json:"bbox"`
}

// Phase is the lifecycle state of a Filter.
type Phase string

const (
	PhaseIdle         Phase = "idle"         // Nothing watched has been seen since the last reset
	PhaseAccumulating Phase = "accumulating" // Streak running, not yet past the sustain threshold
	PhaseVerified     Phase = "verified"     // Reporting sustained detections from the current frame
	PhaseGrace        Phase = "grace"        // Evidence missing, repeating the cached verified set
)

// LabelSet is an immutable set of watched labels.
type LabelSet struct {
	m map[string]struct{}
}

// NewLabelSet builds a LabelSet. Duplicates are collapsed.
func NewLabelSet(labels ...string) LabelSet {
	m := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		m[l] = struct{}{}
	}
	return LabelSet{m: m}
}

// Contains reports whether label is watched.
func (s LabelSet) Contains(label string) bool {
	_, ok := s.m[label]
	return ok
}

// Len returns the number of watched labels.
func (s LabelSet) Len() int {
	return len(s.m)
}

// Labels returns the watched labels in sorted order.
func (s LabelSet) Labels() []string {
	out := make([]string, 0, len(s.m))
	for l := range s.m {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}
