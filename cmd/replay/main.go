// Command replay runs a recorded NDJSON frame log through the presence
// filter and prints every phase change and sighting.
//
//	replay [flags] frames.ndjson
//	replay -html timeline.html -labels cat,fox frames.ndjson
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/critterwatch/internal/config"
	"github.com/banshee-data/critterwatch/internal/fsutil"
	"github.com/banshee-data/critterwatch/internal/monitoring"
	"github.com/banshee-data/critterwatch/internal/presence"
	"github.com/banshee-data/critterwatch/internal/replay"
	"github.com/banshee-data/critterwatch/internal/security"
)

var (
	configFile = flag.String("config", "", "Optional JSON config supplying labels, threshold and sustain")
	labels     = flag.String("labels", "", "Comma-separated watch labels (overrides config)")
	threshold  = flag.Float64("threshold", -1, "Score threshold (overrides config when >= 0)")
	sustain    = flag.Duration("sustain", 0, "Sustain duration (overrides config when > 0)")
	stream     = flag.String("stream", "", "Stream name recorded on sightings (defaults to the log file name)")
	interval   = flag.Duration("interval", replay.DefaultFrameInterval, "Spacing for frames without a ts")
	htmlOut    = flag.String("html", "", "Write an HTML timeline to this path")
	jsonOut    = flag.String("json", "", "Write the full report as JSON to this path")
	assetsHost = flag.String("assets-host", "", "Load echarts assets from this host instead of the default CDN")
	quiet      = flag.Bool("quiet", false, "Suppress per-frame diagnostics")
)

// settings is the resolved replay configuration.
type settings struct {
	input   string
	opts    replay.Options
	html    string
	json    string
	charts  replay.ChartOptions
	outRoot []string
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: replay [flags] <frames.ndjson | ->\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *quiet {
		monitoring.SetLogger(nil)
	}

	s, err := resolve(flag.Arg(0))
	if err != nil {
		log.Fatalf("replay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, fsutil.OSFileSystem{}, os.Stdin, os.Stdout, s); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

// resolve merges the config file and flags into settings for input.
func resolve(input string) (settings, error) {
	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			return settings{}, err
		}
		cfg = loaded
	}

	s := settings{
		input: input,
		opts: replay.Options{
			Labels:         cfg.GetWatchLabels(),
			ScoreThreshold: cfg.GetScoreThreshold(),
			Sustain:        cfg.GetSustain(),
			Stream:         *stream,
			FrameInterval:  *interval,
			Start:          time.Now().UTC().Truncate(time.Second),
		},
		html:   *htmlOut,
		json:   *jsonOut,
		charts: replay.ChartOptions{AssetsHost: *assetsHost},
	}

	if *labels != "" {
		var ls []string
		for _, l := range strings.Split(*labels, ",") {
			if l = strings.TrimSpace(l); l != "" {
				ls = append(ls, l)
			}
		}
		if len(ls) == 0 {
			return settings{}, fmt.Errorf("-labels %q names no labels", *labels)
		}
		s.opts.Labels = presence.NewLabelSet(ls...)
	}
	if *threshold >= 0 {
		s.opts.ScoreThreshold = *threshold
	}
	if *sustain > 0 {
		s.opts.Sustain = *sustain
	}
	if s.opts.Stream == "" {
		s.opts.Stream = defaultStream(input)
	}
	s.charts.ScoreThreshold = s.opts.ScoreThreshold
	return s, nil
}

// defaultStream names a stream after its log file.
func defaultStream(input string) string {
	if input == "-" {
		return "stdin"
	}
	name := filepath.Base(input)
	return security.SanitizeFilename(strings.TrimSuffix(name, filepath.Ext(name)))
}

func execute(ctx context.Context, fsys fsutil.FileSystem, stdin io.Reader, stdout io.Writer, s settings) error {
	for _, out := range []string{s.html, s.json} {
		if out == "" {
			continue
		}
		if err := security.ValidateOutputPath(out, s.outRoot...); err != nil {
			return err
		}
	}

	in := stdin
	if s.input != "-" {
		f, err := fsys.Open(s.input)
		if err != nil {
			return fmt.Errorf("failed to open frame log: %w", err)
		}
		defer f.Close()
		in = f
	}

	report, err := replay.Run(ctx, in, s.opts)
	if err != nil {
		return err
	}
	if err := report.WriteText(stdout); err != nil {
		return err
	}

	if s.html != "" {
		if err := writeOutput(fsys, s.html, func(w io.Writer) error {
			return report.RenderTimeline(w, s.charts)
		}); err != nil {
			return fmt.Errorf("failed to write timeline: %w", err)
		}
		fmt.Fprintf(stdout, "timeline written to %s\n", s.html)
	}
	if s.json != "" {
		if err := writeOutput(fsys, s.json, func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintf(stdout, "report written to %s\n", s.json)
	}
	return nil
}

func writeOutput(fsys fsutil.FileSystem, path string, render func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	w, err := fsys.Create(path)
	if err != nil {
		return err
	}
	if err := render(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
