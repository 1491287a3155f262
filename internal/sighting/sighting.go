// Package sighting turns the per-frame output of a presence filter into
// sighting episodes: one record per continuous, verified presence.
package sighting

import (
	"context"
	"time"
)

// Sighting is one verified presence episode.
type Sighting struct {
	ID         string     `json:"id"`
	Stream     string     `json:"stream"`
	Labels     []string   `json:"labels"`
	StartedAt  time.Time  `json:"started_at"`  // first candidate frame of the streak
	VerifiedAt time.Time  `json:"verified_at"` // first frame with a verified result
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Frames     int        `json:"frames"` // frames with a non-empty verified result
	PeakScore  float64    `json:"peak_score"`
	MeanScore  float64    `json:"mean_score"`
}

// Open reports whether the sighting is still in progress.
func (s Sighting) Open() bool { return s.EndedAt == nil }

// Duration is the time from the streak start to the end of the sighting, or
// to now for an open sighting.
func (s Sighting) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Sink receives sighting lifecycle events.
type Sink interface {
	Opened(ctx context.Context, s Sighting) error
	Closed(ctx context.Context, s Sighting) error
}

// SinkFuncs adapts plain functions to a Sink. Nil funcs are no-ops.
type SinkFuncs struct {
	OnOpened func(ctx context.Context, s Sighting) error
	OnClosed func(ctx context.Context, s Sighting) error
}

func (f SinkFuncs) Opened(ctx context.Context, s Sighting) error {
	if f.OnOpened == nil {
		return nil
	}
	return f.OnOpened(ctx, s)
}

func (f SinkFuncs) Closed(ctx context.Context, s Sighting) error {
	if f.OnClosed == nil {
		return nil
	}
	return f.OnClosed(ctx, s)
}
