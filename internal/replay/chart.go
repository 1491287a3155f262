package replay

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/critterwatch/internal/presence"
)

// phaseLevel places each phase on the y axis of the phase chart.
var phaseLevel = map[presence.Phase]int{
	presence.PhaseIdle:         0,
	presence.PhaseAccumulating: 1,
	presence.PhaseGrace:        2,
	presence.PhaseVerified:     3,
}

// ChartOptions tweaks the HTML timeline.
type ChartOptions struct {
	// AssetsHost overrides where echarts JavaScript is loaded from.
	AssetsHost     string
	ScoreThreshold float64
}

// RenderTimeline writes an HTML page with the per-frame score, the filter
// phase, and the number of sightings per label.
func (r *Report) RenderTimeline(w io.Writer, co ChartOptions) error {
	x := make([]string, 0, len(r.Timeline))
	scores := make([]opts.LineData, 0, len(r.Timeline))
	threshold := make([]opts.LineData, 0, len(r.Timeline))
	phases := make([]opts.LineData, 0, len(r.Timeline))
	verified := make([]opts.LineData, 0, len(r.Timeline))

	origin := r.origin()
	for _, p := range r.Timeline {
		x = append(x, strconv.FormatFloat(p.At.Sub(origin).Seconds(), 'f', 2, 64))
		scores = append(scores, opts.LineData{Value: p.BestScore})
		threshold = append(threshold, opts.LineData{Value: co.ScoreThreshold})
		phases = append(phases, opts.LineData{Value: phaseLevel[p.Phase], Name: string(p.Phase)})
		verified = append(verified, opts.LineData{Value: p.Verified})
	}

	initOpts := func(title string) opts.Initialization {
		return opts.Initialization{PageTitle: title, Width: "100%", Height: "360px", AssetsHost: co.AssetsHost}
	}

	scoreChart := charts.NewLine()
	scoreChart.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts("Detection score")),
		charts.WithTitleOpts(opts.Title{Title: "Best watched score", Subtitle: fmt.Sprintf("stream=%s frames=%d", r.Stream, r.Frames)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "score", Min: 0, Max: 1}),
	)
	scoreChart.SetXAxis(x).
		AddSeries("score", scores).
		AddSeries("threshold", threshold)

	phaseChart := charts.NewLine()
	phaseChart.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts("Filter phase")),
		charts.WithTitleOpts(opts.Title{Title: "Filter phase", Subtitle: "0 idle, 1 accumulating, 2 grace, 3 verified"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 3}),
	)
	phaseChart.SetXAxis(x).
		AddSeries("phase", phases).
		AddSeries("verified detections", verified)

	labels, counts := r.sightingsPerLabel()
	bars := make([]opts.BarData, 0, len(counts))
	for _, c := range counts {
		bars = append(bars, opts.BarData{Value: c})
	}
	sightingChart := charts.NewBar()
	sightingChart.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts("Sightings")),
		charts.WithTitleOpts(opts.Title{Title: "Sightings per label", Subtitle: fmt.Sprintf("%d sightings", len(r.Sightings))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	sightingChart.SetXAxis(labels).
		AddSeries("sightings", bars,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	if co.AssetsHost != "" {
		page.SetAssetsHost(co.AssetsHost)
	}
	page.AddCharts(scoreChart, phaseChart, sightingChart)
	return page.Render(w)
}

func (r *Report) origin() time.Time {
	if len(r.Timeline) > 0 {
		return r.Timeline[0].At
	}
	return time.Time{}
}

// sightingsPerLabel counts sightings by label in label order. A sighting
// with several labels counts once for each.
func (r *Report) sightingsPerLabel() ([]string, []int) {
	byLabel := map[string]int{}
	for _, s := range r.Sightings {
		for _, l := range s.Labels {
			byLabel[l]++
		}
	}
	labels := make([]string, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	slices.Sort(labels)
	counts := make([]int, len(labels))
	for i, l := range labels {
		counts[i] = byLabel[l]
	}
	return labels, counts
}
