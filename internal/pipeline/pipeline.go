// Package pipeline connects a frame source to a presence filter and a
// sighting recorder, and publishes the running state for the API.
package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/critterwatch/internal/frames"
	"github.com/banshee-data/critterwatch/internal/monitoring"
	"github.com/banshee-data/critterwatch/internal/presence"
	"github.com/banshee-data/critterwatch/internal/sighting"
	"github.com/banshee-data/critterwatch/internal/timeutil"
)

var logf = monitoring.Component("pipeline")

// Status is a snapshot of the pipeline for reporting.
type Status struct {
	Stream         string                `json:"stream"`
	Source         string                `json:"source"`
	Running        bool                  `json:"running"`
	Filter         presence.State        `json:"filter"`
	Verified       []presence.Verified   `json:"verified"`
	FramesSeen     int64                 `json:"frames_seen"`
	LastFrameAt    *time.Time            `json:"last_frame_at,omitempty"`
	OpenSighting   *sighting.Sighting    `json:"open_sighting,omitempty"`
	SightingsTotal int64                 `json:"sightings_total"`
	SourceStats    *frames.StatsSnapshot `json:"source_stats,omitempty"`
}

// Config wires a Pipeline.
type Config struct {
	Stream string
	Source frames.Source
	Filter *presence.Filter
	Sink   sighting.Sink
	Clock  timeutil.Clock

	// StatusInterval is how often a status line is logged. Zero disables it.
	StatusInterval time.Duration

	// OnServing is called with true when frames start flowing and false when
	// the source stops.
	OnServing func(serving bool)

	// OnFrame, if set, is called after each frame with the filter output.
	OnFrame func(frame presence.Frame, verified []presence.Verified, state presence.State)
}

// Pipeline owns the filter. Only the Run goroutine touches it; other
// goroutines read the published Status.
type Pipeline struct {
	cfg      Config
	recorder *sighting.Recorder

	mu     sync.RWMutex
	status Status
	resets chan struct{}
}

type statsSource interface {
	Stats() *frames.Stats
}

// New creates a pipeline. Source and Filter are required.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: source is required")
	}
	if cfg.Filter == nil {
		return nil, errors.New("pipeline: filter is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.OnServing == nil {
		cfg.OnServing = func(bool) {}
	}

	p := &Pipeline{
		cfg:    cfg,
		resets: make(chan struct{}, 1),
	}
	p.recorder = sighting.NewRecorder(cfg.Stream, p.countingSink(cfg.Sink), sighting.WithClock(cfg.Clock))
	p.status = Status{
		Stream:   cfg.Stream,
		Source:   cfg.Source.String(),
		Filter:   cfg.Filter.Snapshot(),
		Verified: []presence.Verified{},
	}
	return p, nil
}

// Run consumes frames until the source ends or ctx is cancelled. An open
// sighting is closed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frameCh := make(chan presence.Frame, 16)
	srcErr := make(chan error, 1)
	go func() {
		srcErr <- p.cfg.Source.Run(ctx, frameCh)
	}()

	var tickC <-chan time.Time
	if p.cfg.StatusInterval > 0 {
		ticker := p.cfg.Clock.NewTicker(p.cfg.StatusInterval)
		defer ticker.Stop()
		tickC = ticker.C()
	}

	p.setRunning(true)
	logf("consuming %s for stream %q", p.cfg.Source, p.cfg.Stream)

	var err error
loop:
	for {
		select {
		case frame := <-frameCh:
			p.process(ctx, frame)

		case <-p.resets:
			p.cfg.Filter.Reset()
			if ferr := p.recorder.Flush(ctx); ferr != nil {
				logf("sighting sink error: %v", ferr)
			}
			p.publish(p.cfg.Filter.Snapshot(), nil, nil)
			logf("filter reset")

		case <-tickC:
			p.logStatus()

		case err = <-srcErr:
			// Frames already queued were sent before the source returned.
			for drained := false; !drained; {
				select {
				case frame := <-frameCh:
					p.process(ctx, frame)
				default:
					drained = true
				}
			}
			break loop

		case <-ctx.Done():
			err = <-srcErr
			break loop
		}
	}

	p.setRunning(false)
	// The flush must reach sinks even when ctx is already cancelled.
	if ferr := p.recorder.Flush(context.WithoutCancel(ctx)); ferr != nil {
		logf("sighting sink error: %v", ferr)
	}
	if cerr := p.cfg.Source.Close(); cerr != nil {
		logf("closing %s: %v", p.cfg.Source, cerr)
	}
	p.logStatus()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reset asks the Run goroutine to clear the filter and close any open sighting.
func (p *Pipeline) Reset() {
	select {
	case p.resets <- struct{}{}:
	default:
	}
}

func (p *Pipeline) process(ctx context.Context, frame presence.Frame) {
	verified := p.cfg.Filter.Process(frame)
	state := p.cfg.Filter.Snapshot()

	if err := p.recorder.Observe(ctx, frame, verified, state); err != nil {
		logf("sighting sink error: %v", err)
	}
	if p.cfg.OnFrame != nil {
		p.cfg.OnFrame(frame, verified, state)
	}

	now := p.cfg.Clock.Now()
	p.publish(state, verified, &now)
}

func (p *Pipeline) publish(state presence.State, verified []presence.Verified, frameAt *time.Time) {
	open, hasOpen := p.recorder.Current()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Filter = state
	p.status.Verified = slices.Clone(verified)
	if p.status.Verified == nil {
		p.status.Verified = []presence.Verified{}
	}
	if frameAt != nil {
		p.status.FramesSeen++
		p.status.LastFrameAt = frameAt
	}
	p.status.OpenSighting = nil
	if hasOpen {
		p.status.OpenSighting = &open
	}
}

func (p *Pipeline) setRunning(running bool) {
	p.mu.Lock()
	p.status.Running = running
	p.mu.Unlock()
	p.cfg.OnServing(running)
}

// Status returns a copy of the current pipeline status.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	st := p.status
	p.mu.RUnlock()

	st.Verified = slices.Clone(st.Verified)
	st.Filter.LastVerified = slices.Clone(st.Filter.LastVerified)
	if st.OpenSighting != nil {
		open := *st.OpenSighting
		st.OpenSighting = &open
	}
	if s, ok := p.cfg.Source.(statsSource); ok {
		snap := s.Stats().Snapshot()
		st.SourceStats = &snap
	}
	return st
}

func (p *Pipeline) logStatus() {
	st := p.Status()
	line := "stream=%s phase=%s frames=%d sightings=%d"
	args := []interface{}{st.Stream, st.Filter.Phase, st.FramesSeen, st.SightingsTotal}
	if st.SourceStats != nil {
		line += " malformed=%d dropped=%d"
		args = append(args, st.SourceStats.Malformed, st.SourceStats.Dropped)
	}
	logf(line, args...)
}

// countingSink wraps the configured sink so the status counts sightings.
func (p *Pipeline) countingSink(next sighting.Sink) sighting.Sink {
	return sighting.SinkFuncs{
		OnOpened: func(ctx context.Context, s sighting.Sighting) error {
			p.mu.Lock()
			p.status.SightingsTotal++
			p.mu.Unlock()
			if next == nil {
				return nil
			}
			return next.Opened(ctx, s)
		},
		OnClosed: func(ctx context.Context, s sighting.Sighting) error {
			if next == nil {
				return nil
			}
			return next.Closed(ctx, s)
		},
	}
}
