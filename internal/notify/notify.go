// Package notify delivers sighting events to people and other systems.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/banshee-data/critterwatch/internal/monitoring"
	"github.com/banshee-data/critterwatch/internal/sighting"
)

var logf = monitoring.Component("notify")

// LogSink writes one line per sighting event to the diagnostic log.
type LogSink struct{}

func (s LogSink) Opened(_ context.Context, v sighting.Sighting) error {
	logf("detected %s on %s (sighting %s, streak since %s)",
		strings.Join(v.Labels, ", "), v.Stream, v.ID, v.StartedAt.Format("15:04:05.000"))
	return nil
}

func (s LogSink) Closed(_ context.Context, v sighting.Sighting) error {
	logf("sighting %s ended: %s for %s over %d frames (peak %.2f, mean %.2f)",
		v.ID, strings.Join(v.Labels, ", "), v.Duration(time.Now()).Round(10*time.Millisecond), v.Frames, v.PeakScore, v.MeanScore)
	return nil
}

// Fanout delivers every event to each sink in order. A failing sink is
// logged and does not stop delivery to the rest.
type Fanout []sighting.Sink

func (f Fanout) Opened(ctx context.Context, v sighting.Sighting) error {
	return f.each(func(s sighting.Sink) error { return s.Opened(ctx, v) })
}

func (f Fanout) Closed(ctx context.Context, v sighting.Sighting) error {
	return f.each(func(s sighting.Sink) error { return s.Closed(ctx, v) })
}

func (f Fanout) each(deliver func(sighting.Sink) error) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := deliver(s); err != nil {
			logf("sink %T failed: %v", s, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
