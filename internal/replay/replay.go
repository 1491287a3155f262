// Package replay runs a recorded frame log through the presence filter
// offline. A mock clock is set to each frame's timestamp, so a replay sees
// exactly the timing the live filter would have seen.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/critterwatch/internal/frames"
	"github.com/banshee-data/critterwatch/internal/monitoring"
	"github.com/banshee-data/critterwatch/internal/presence"
	"github.com/banshee-data/critterwatch/internal/sighting"
	"github.com/banshee-data/critterwatch/internal/timeutil"
)

var logf = monitoring.Component("replay")

// DefaultFrameInterval spaces frames that carry no timestamp.
const DefaultFrameInterval = 250 * time.Millisecond

const maxLineSize = 1 << 20

// Options configures a replay.
type Options struct {
	Labels         presence.LabelSet
	ScoreThreshold float64
	Sustain        time.Duration
	Stream         string

	// FrameInterval is added to the previous frame time for frames without
	// a "ts". Zero means DefaultFrameInterval.
	FrameInterval time.Duration

	// Start is the time given to a first frame without a "ts".
	Start time.Time
}

// Transition records a phase change.
type Transition struct {
	Frame int            `json:"frame"`
	At    time.Time      `json:"at"`
	From  presence.Phase `json:"from"`
	To    presence.Phase `json:"to"`
}

// Point is one frame of the timeline.
type Point struct {
	Frame     int            `json:"frame"`
	At        time.Time      `json:"at"`
	Phase     presence.Phase `json:"phase"`
	BestScore float64        `json:"best_score"` // highest score among watched labels, 0 if none
	Verified  int            `json:"verified"`
}

// Report is everything a replay observed.
type Report struct {
	Stream      string              `json:"stream"`
	Frames      int                 `json:"frames"`
	Malformed   int                 `json:"malformed"`
	Backwards   int                 `json:"backwards"` // timestamps earlier than the previous frame
	Transitions []Transition        `json:"transitions"`
	Sightings   []sighting.Sighting `json:"sightings"`
	Timeline    []Point             `json:"timeline"`
}

// Run reads newline-delimited JSON frames from r until EOF and returns the
// replay report. Malformed lines are counted and skipped.
func Run(ctx context.Context, r io.Reader, opts Options) (*Report, error) {
	interval := opts.FrameInterval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}

	clock := timeutil.NewMockClock(opts.Start)
	filter := presence.New(opts.Labels, opts.ScoreThreshold, opts.Sustain, presence.WithClock(clock))

	report := &Report{
		Stream:      opts.Stream,
		Transitions: []Transition{},
		Sightings:   []sighting.Sighting{},
		Timeline:    []Point{},
	}
	sink := sighting.SinkFuncs{
		OnClosed: func(_ context.Context, s sighting.Sighting) error {
			report.Sightings = append(report.Sightings, s)
			return nil
		},
	}
	recorder := sighting.NewRecorder(opts.Stream, sink, sighting.WithClock(clock))

	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64*1024), maxLineSize)

	var prev time.Time
	phase := filter.Phase()
	line := 0
	for scan.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := bytes.TrimSpace(scan.Bytes())
		if len(raw) == 0 {
			continue
		}

		frame, err := frames.ParseFrame(raw)
		if err != nil {
			report.Malformed++
			logf("line %d: %v", line, err)
			continue
		}

		at := frame.Timestamp
		switch {
		case at.IsZero() && report.Frames == 0:
			at = opts.Start
		case at.IsZero():
			at = prev.Add(interval)
		case report.Frames > 0 && at.Before(prev):
			report.Backwards++
			logf("line %d: timestamp %s is before %s, holding the clock", line, at.Format(time.RFC3339Nano), prev.Format(time.RFC3339Nano))
			at = prev
		}
		prev = at
		clock.Set(at)

		verified := filter.Process(frame)
		state := filter.Snapshot()
		if err := recorder.Observe(ctx, frame, verified, state); err != nil {
			return nil, err
		}

		n := report.Frames
		report.Frames++
		if state.Phase != phase {
			report.Transitions = append(report.Transitions, Transition{Frame: n, At: at, From: phase, To: state.Phase})
			phase = state.Phase
		}
		report.Timeline = append(report.Timeline, Point{
			Frame:     n,
			At:        at,
			Phase:     state.Phase,
			BestScore: bestScore(frame, opts.Labels),
			Verified:  len(verified),
		})
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("failed to read frame log: %w", err)
	}

	if err := recorder.Flush(ctx); err != nil {
		return nil, err
	}
	return report, nil
}

func bestScore(frame presence.Frame, labels presence.LabelSet) float64 {
	best := 0.0
	for _, d := range frame.Detections {
		if labels.Contains(d.Label) && d.Score > best {
			best = d.Score
		}
	}
	return best
}

// WriteText prints transitions and sightings in a human-readable form.
func (r *Report) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "stream %s: %d frames, %d malformed", r.Stream, r.Frames, r.Malformed)
	if r.Backwards > 0 {
		fmt.Fprintf(bw, ", %d out of order", r.Backwards)
	}
	fmt.Fprintln(bw)

	for _, t := range r.Transitions {
		fmt.Fprintf(bw, "  frame %4d  %s  %-12s -> %s\n", t.Frame, t.At.Format("15:04:05.000"), t.From, t.To)
	}

	fmt.Fprintf(bw, "%d sightings\n", len(r.Sightings))
	for _, s := range r.Sightings {
		end := s.StartedAt
		if s.EndedAt != nil {
			end = *s.EndedAt
		}
		fmt.Fprintf(bw, "  %s  %v  %s -> %s (%s)  frames=%d peak=%.2f mean=%.2f\n",
			s.ID[:8], s.Labels,
			s.StartedAt.Format("15:04:05.000"), end.Format("15:04:05.000"),
			end.Sub(s.StartedAt), s.Frames, s.PeakScore, s.MeanScore)
	}
	return bw.Flush()
}
