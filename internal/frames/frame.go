// Package frames reads detection frames produced by an external inference
// engine and hands them to the presence pipeline. Every transport (line
// streams from stdin, files or a serial port, UDP datagrams and pcap
// captures of those datagrams) carries the same JSON document per frame:
//
//	{"ts": 1712000000.25, "detections": [{"label": "cat", "bbox": [x1, y1, x2, y2], "score": 0.91}]}
//
// "ts" is optional and "results" is accepted as an alias of "detections".
package frames

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/critterwatch/internal/presence"
)

// ErrMalformedFrame wraps every frame decoding failure.
var ErrMalformedFrame = errors.New("malformed frame")

type wireFrame struct {
	TS         *float64        `json:"ts,omitempty"`
	Detections []wireDetection `json:"detections"`
	Results    []wireDetection `json:"results,omitempty"`
}

type wireDetection struct {
	Label string    `json:"label"`
	BBox  []float64 `json:"bbox"`
	Score *float64  `json:"score"`
}

// ParseFrame decodes one JSON frame document.
func ParseFrame(payload []byte) (presence.Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(payload, &w); err != nil {
		return presence.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	dets := w.Detections
	if len(dets) == 0 {
		dets = w.Results
	}

	frame := presence.Frame{Detections: make([]presence.Detection, 0, len(dets))}
	for i, d := range dets {
		if d.Label == "" {
			return presence.Frame{}, fmt.Errorf("%w: detection %d has no label", ErrMalformedFrame, i)
		}
		if d.Score == nil {
			return presence.Frame{}, fmt.Errorf("%w: detection %d has no score", ErrMalformedFrame, i)
		}
		if len(d.BBox) != 4 {
			return presence.Frame{}, fmt.Errorf("%w: detection %d bbox has %d coordinates, want 4", ErrMalformedFrame, i, len(d.BBox))
		}
		frame.Detections = append(frame.Detections, presence.Detection{
			Label: d.Label,
			BBox:  presence.BBox{d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]},
			Score: *d.Score,
		})
	}

	if w.TS != nil {
		frame.Timestamp = unixSeconds(*w.TS)
	}
	return frame, nil
}

// EncodeFrame renders a frame in the wire format, including ts when the
// frame carries a timestamp.
func EncodeFrame(f presence.Frame) ([]byte, error) {
	w := wireFrame{Detections: make([]wireDetection, 0, len(f.Detections))}
	for _, d := range f.Detections {
		score := d.Score
		w.Detections = append(w.Detections, wireDetection{
			Label: d.Label,
			BBox:  d.BBox[:],
			Score: &score,
		})
	}
	if !f.Timestamp.IsZero() {
		ts := float64(f.Timestamp.UnixNano()) / 1e9
		w.TS = &ts
	}
	return json.Marshal(w)
}

func unixSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}
