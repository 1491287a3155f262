package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/critterwatch/internal/httputil"
	"github.com/banshee-data/critterwatch/internal/monitoring"
	"github.com/banshee-data/critterwatch/internal/sighting"
	"github.com/banshee-data/critterwatch/internal/timeutil"
)

func captureLogs(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = original })
	return &lines
}

func sample(id string, labels ...string) sighting.Sighting {
	start := time.Date(2026, 5, 4, 21, 30, 0, 0, time.UTC)
	return sighting.Sighting{
		ID:         id,
		Stream:     "garden",
		Labels:     labels,
		StartedAt:  start,
		VerifiedAt: start.Add(1500 * time.Millisecond),
		Frames:     12,
		PeakScore:  0.93,
		MeanScore:  0.81,
	}
}

func closed(s sighting.Sighting, d time.Duration) sighting.Sighting {
	end := s.StartedAt.Add(d)
	s.EndedAt = &end
	return s
}

func TestLogSink(t *testing.T) {
	lines := captureLogs(t)
	s := sample("abc", "cat")
	require.NoError(t, LogSink{}.Opened(context.Background(), s))
	require.NoError(t, LogSink{}.Closed(context.Background(), closed(s, 4*time.Second)))

	require.Len(t, *lines, 2)
	assert.Contains(t, (*lines)[0], "[notify] detected cat on garden")
	assert.Contains(t, (*lines)[1], "sighting abc ended: cat for 4s over 12 frames")
}

type failingSink struct{ err error }

func (f failingSink) Opened(context.Context, sighting.Sighting) error { return f.err }
func (f failingSink) Closed(context.Context, sighting.Sighting) error { return f.err }

func TestFanout(t *testing.T) {
	lines := captureLogs(t)
	var got []string
	ok := sighting.SinkFuncs{
		OnOpened: func(_ context.Context, s sighting.Sighting) error { got = append(got, "open "+s.ID); return nil },
		OnClosed: func(_ context.Context, s sighting.Sighting) error { got = append(got, "close "+s.ID); return nil },
	}
	boom := errors.New("boom")
	f := Fanout{failingSink{boom}, nil, ok}

	err := f.Opened(context.Background(), sample("1", "cat"))
	assert.ErrorIs(t, err, boom)
	require.NoError(t, Fanout{ok}.Closed(context.Background(), sample("1", "cat")))

	assert.Equal(t, []string{"open 1", "close 1"}, got, "later sinks still receive the event")
	assert.Len(t, *lines, 1)
}

func decodePayload(t *testing.T, client *httputil.MockHTTPClient, n int) WebhookPayload {
	t.Helper()
	req := client.GetRequest(n)
	require.NotNil(t, req)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	var p WebhookPayload
	require.NoError(t, json.Unmarshal(client.RequestBody(n), &p))
	return p
}

func TestWebhookSink_DeliversEvents(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	clock := timeutil.NewMockClock(time.Date(2026, 5, 4, 21, 30, 2, 0, time.UTC))
	sink := NewWebhookSink("http://hooks.local/critter", 10*time.Second, WithHTTPClient(client), WithWebhookClock(clock))

	s := sample("a1", "cat")
	require.NoError(t, sink.Opened(context.Background(), s))
	clock.Advance(3 * time.Second)
	require.NoError(t, sink.Closed(context.Background(), closed(s, 5*time.Second)))

	require.Equal(t, 2, client.RequestCount())
	opened := decodePayload(t, client, 0)
	assert.Equal(t, EventOpened, opened.Event)
	assert.Equal(t, "a1", opened.Sighting.ID)
	assert.Equal(t, "http://hooks.local/critter", client.GetRequest(0).URL.String())

	ended := decodePayload(t, client, 1)
	assert.Equal(t, EventClosed, ended.Event)
	require.NotNil(t, ended.Sighting.EndedAt)
	assert.True(t, ended.SentAt.Equal(clock.Now()))
}

func TestWebhookSink_Cooldown(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	clock := timeutil.NewMockClock(time.Date(2026, 5, 4, 21, 0, 0, 0, time.UTC))
	sink := NewWebhookSink("http://hooks.local", 10*time.Second, WithHTTPClient(client), WithWebhookClock(clock))
	ctx := context.Background()

	require.NoError(t, sink.Opened(ctx, sample("1", "cat")))
	require.NoError(t, sink.Closed(ctx, closed(sample("1", "cat"), time.Second)))

	clock.Advance(4 * time.Second)
	require.NoError(t, sink.Opened(ctx, sample("2", "cat")))
	require.NoError(t, sink.Closed(ctx, closed(sample("2", "cat"), time.Second)))
	assert.Equal(t, 2, client.RequestCount(), "second cat episode suppressed entirely")

	require.NoError(t, sink.Opened(ctx, sample("3", "dog")))
	assert.Equal(t, 3, client.RequestCount(), "a different label set is not suppressed")

	clock.Advance(7 * time.Second)
	require.NoError(t, sink.Opened(ctx, sample("4", "cat")))
	assert.Equal(t, 4, client.RequestCount())
}

func TestWebhookSink_Errors(t *testing.T) {
	ctx := context.Background()

	client := httputil.NewMockHTTPClient().AddResponse(502, "upstream down")
	sink := NewWebhookSink("http://hooks.local", 0, WithHTTPClient(client))
	err := sink.Opened(ctx, sample("1", "cat"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502: upstream down")

	client = httputil.NewMockHTTPClient().AddErrorResponse(errors.New("connection refused"))
	sink = NewWebhookSink("http://hooks.local", 0, WithHTTPClient(client))
	err = sink.Closed(ctx, closed(sample("1", "cat"), time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	sink = NewWebhookSink("://bad", 0, WithHTTPClient(httputil.NewMockHTTPClient()))
	require.Error(t, sink.Opened(ctx, sample("1", "cat")))
}
