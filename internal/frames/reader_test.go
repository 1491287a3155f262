package frames

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/critterwatch/internal/monitoring"
	"github.com/banshee-data/critterwatch/internal/presence"
)

func muteLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

// collect runs src to completion and returns every frame it produced.
func collect(t *testing.T, ctx context.Context, src Source) ([]presence.Frame, error) {
	t.Helper()
	out := make(chan presence.Frame)
	errc := make(chan error, 1)
	go func() {
		errc <- src.Run(ctx, out)
	}()

	var got []presence.Frame
	for {
		select {
		case f := <-out:
			got = append(got, f)
		case err := <-errc:
			return got, err
		}
	}
}

func TestReaderSource_ReadsUntilEOF(t *testing.T) {
	muteLogs(t)
	input := strings.Join([]string{
		`{"detections": [{"label": "cat", "bbox": [0, 0, 1, 1], "score": 0.9}]}`,
		``,
		`garbage`,
		`{"detections": []}`,
		`{"results": [{"label": "dog", "bbox": [1, 1, 2, 2], "score": 0.8}]}`,
	}, "\n")
	src := NewReaderSource("test", io.NopCloser(strings.NewReader(input)))

	got, err := collect(t, context.Background(), src)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "cat", got[0].Detections[0].Label)
	assert.Empty(t, got[1].Detections)
	assert.Equal(t, "dog", got[2].Detections[0].Label)

	st := src.Stats().Snapshot()
	assert.Equal(t, int64(3), st.Frames)
	assert.Equal(t, int64(1), st.Malformed)
	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close(), "second close is a no-op")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestReaderSource_ReadError(t *testing.T) {
	src := NewReaderSource("broken", io.NopCloser(failingReader{}))
	_, err := collect(t, context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestReaderSource_Cancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src := NewReaderSource("pipe", pr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, make(chan presence.Frame)) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.NoError(t, src.Close())
}

func TestReaderSource_Pacing(t *testing.T) {
	muteLogs(t)
	input := `{"ts": 100.00, "detections": []}
{"ts": 100.15, "detections": []}
{"ts": 100.30, "detections": []}`
	stats := &Stats{}
	src := NewReaderSource("paced", io.NopCloser(strings.NewReader(input)), WithPacing(), WithStats(stats))

	start := time.Now()
	got, err := collect(t, context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, int64(3), stats.Snapshot().Frames)
}

func TestPacer_IgnoresMissingAndBackwardsTimestamps(t *testing.T) {
	var p pacer
	ctx := context.Background()
	base := time.Unix(1000, 0)

	start := time.Now()
	require.NoError(t, p.wait(ctx, time.Time{}))
	require.NoError(t, p.wait(ctx, base))
	require.NoError(t, p.wait(ctx, base.Add(-time.Hour)))
	assert.Less(t, time.Since(start), time.Second)
}
