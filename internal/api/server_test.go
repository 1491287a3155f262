package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/critterwatch/internal/config"
	"github.com/banshee-data/critterwatch/internal/db"
	"github.com/banshee-data/critterwatch/internal/pipeline"
	"github.com/banshee-data/critterwatch/internal/presence"
	"github.com/banshee-data/critterwatch/internal/sighting"
	"github.com/banshee-data/critterwatch/internal/testutil"
)

type fakeStatus struct {
	status pipeline.Status
	resets int
}

func (f *fakeStatus) Status() pipeline.Status { return f.status }
func (f *fakeStatus) Reset()                  { f.resets++ }

var base = time.Date(2026, 5, 4, 21, 30, 0, 0, time.UTC)

func setupTestServer(t *testing.T) (*Server, *fakeStatus, *db.DB) {
	t.Helper()
	testutil.MuteLogs(t)

	database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	for i, labels := range [][]string{{"cat"}, {"dog"}, {"cat", "racoon"}} {
		start := base.Add(time.Duration(i) * time.Minute)
		end := start.Add(5 * time.Second)
		require.NoError(t, database.RecordSighting(ctx, sighting.Sighting{
			ID:         "s" + string(rune('1'+i)),
			Stream:     "garden",
			Labels:     labels,
			StartedAt:  start,
			VerifiedAt: start.Add(time.Second),
			EndedAt:    &end,
			Frames:     10,
			PeakScore:  0.9,
			MeanScore:  0.8,
		}))
	}

	status := &fakeStatus{status: pipeline.Status{
		Stream:   "garden",
		Source:   "udp::9000",
		Running:  true,
		Filter:   presence.State{Phase: presence.PhaseVerified, LastVerified: []presence.Verified{{Label: "cat"}}},
		Verified: []presence.Verified{{Label: "cat", BBox: presence.BBox{1, 2, 3, 4}}},
	}}
	return NewServer(status, database, config.DefaultConfig()), status, database
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestShowStatus(t *testing.T) {
	s, _, _ := setupTestServer(t)
	rec := serve(s, http.MethodGet, "/api/status")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got pipeline.Status
	testutil.DecodeJSON(t, rec, &got)
	assert.True(t, got.Running)
	assert.Equal(t, presence.PhaseVerified, got.Filter.Phase)
	assert.Equal(t, []presence.Verified{{Label: "cat", BBox: presence.BBox{1, 2, 3, 4}}}, got.Verified)

	rec = serve(s, http.MethodPost, "/api/status")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestResetFilter(t *testing.T) {
	s, status, _ := setupTestServer(t)

	rec := serve(s, http.MethodGet, "/api/reset")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
	assert.Equal(t, 0, status.resets)

	rec = serve(s, http.MethodPost, "/api/reset")
	testutil.AssertStatusCode(t, rec.Code, http.StatusAccepted)
	assert.Equal(t, 1, status.resets)
}

func TestListSightings(t *testing.T) {
	s, _, _ := setupTestServer(t)

	tests := []struct {
		name   string
		target string
		code   int
		want   []string
	}{
		{"all", "/api/sightings", http.StatusOK, []string{"s3", "s2", "s1"}},
		{"limit", "/api/sightings?limit=1", http.StatusOK, []string{"s3"}},
		{"label", "/api/sightings?label=cat", http.StatusOK, []string{"s3", "s1"}},
		{"since", "/api/sightings?since=2026-05-04T21:31:00Z", http.StatusOK, []string{"s3", "s2"}},
		{"other stream", "/api/sightings?stream=porch", http.StatusOK, []string{}},
		{"bad limit", "/api/sightings?limit=0", http.StatusBadRequest, nil},
		{"huge limit", "/api/sightings?limit=5000", http.StatusBadRequest, nil},
		{"bad since", "/api/sightings?since=yesterday", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, http.MethodGet, tt.target)
			testutil.AssertStatusCode(t, rec.Code, tt.code)
			if tt.want == nil {
				return
			}
			var got []sighting.Sighting
			testutil.DecodeJSON(t, rec, &got)
			ids := []string{}
			for _, g := range got {
				ids = append(ids, g.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestShowSighting(t *testing.T) {
	s, _, _ := setupTestServer(t)

	rec := serve(s, http.MethodGet, "/api/sightings/s3")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var got sighting.Sighting
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, []string{"cat", "racoon"}, got.Labels)
	require.NotNil(t, got.EndedAt)

	rec = serve(s, http.MethodGet, "/api/sightings/nope")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	assert.Contains(t, rec.Body.String(), "sighting not found")
}

func TestShowCounts(t *testing.T) {
	s, _, _ := setupTestServer(t)
	rec := serve(s, http.MethodGet, "/api/counts?since=2026-05-04T00:00:00Z")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got []db.LabelCount
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, []db.LabelCount{{Label: "cat", Count: 2}, {Label: "dog", Count: 1}, {Label: "racoon", Count: 1}}, got)
}

func TestShowConfig(t *testing.T) {
	s, _, _ := setupTestServer(t)
	rec := serve(s, http.MethodGet, "/api/config")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got map[string]interface{}
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, []interface{}{"cat", "dog", "racoon"}, got["watch_labels"])
	assert.Equal(t, 0.5, got["score_threshold"])
	assert.Equal(t, 1.0, got["sustain_seconds"])
	assert.Equal(t, "2s", got["absence_grace"])
	assert.Equal(t, false, got["webhook_enabled"])
}

func TestShowVersion(t *testing.T) {
	s, _, _ := setupTestServer(t)
	rec := serve(s, http.MethodGet, "/api/version")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), `"version":"dev"`)
}

func TestLoggingMiddleware(t *testing.T) {
	logs := testutil.CaptureLogs(t)
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?x=1", nil))

	require.Len(t, logs.Lines(), 1)
	line := logs.Lines()[0]
	assert.Contains(t, line, "418")
	assert.Contains(t, line, "GET")
	assert.True(t, strings.Contains(line, "/api/status?x=1"))
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}
