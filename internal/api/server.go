// Package api serves the critterwatch HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/critterwatch/internal/config"
	"github.com/banshee-data/critterwatch/internal/db"
	"github.com/banshee-data/critterwatch/internal/httputil"
	"github.com/banshee-data/critterwatch/internal/monitoring"
	"github.com/banshee-data/critterwatch/internal/pipeline"
	"github.com/banshee-data/critterwatch/internal/presence"
	"github.com/banshee-data/critterwatch/internal/sighting"
	"github.com/banshee-data/critterwatch/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const maxSightingsLimit = 1000

// StatusProvider is implemented by *pipeline.Pipeline.
type StatusProvider interface {
	Status() pipeline.Status
	Reset()
}

// SightingStore is implemented by *db.DB.
type SightingStore interface {
	ListSightings(ctx context.Context, q db.SightingQuery) ([]sighting.Sighting, error)
	SightingByID(ctx context.Context, id string) (*sighting.Sighting, error)
	SightingCounts(ctx context.Context, since time.Time) ([]db.LabelCount, error)
}

type Server struct {
	status StatusProvider
	store  SightingStore
	cfg    *config.Config
}

func NewServer(status StatusProvider, store SightingStore, cfg *config.Config) *Server {
	return &Server{
		status: status,
		store:  store,
		cfg:    cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/reset", s.resetFilter)
	mux.HandleFunc("/api/sightings", s.listSightings)
	mux.HandleFunc("/api/sightings/{id}", s.showSighting)
	mux.HandleFunc("/api/counts", s.showCounts)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.status.Status())
}

func (s *Server) resetFilter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.status.Reset()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested"})
}

func (s *Server) listSightings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	q := db.SightingQuery{
		Stream: r.URL.Query().Get("stream"),
		Label:  r.URL.Query().Get("label"),
		Limit:  db.DefaultSightingsLimit,
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 || limit > maxSightingsLimit {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		q.Limit = limit
	}
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	q.Since = since

	sightings, err := s.store.ListSightings(r.Context(), q)
	if err != nil {
		httputil.InternalServerError(w, "Failed to list sightings")
		monitoring.Logf("[api] list sightings: %v", err)
		return
	}
	httputil.WriteJSONOK(w, sightings)
}

func (s *Server) showSighting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	found, err := s.store.SightingByID(r.Context(), id)
	if errors.Is(err, db.ErrSightingNotFound) {
		httputil.NotFound(w, "sighting not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, "Failed to load sighting")
		monitoring.Logf("[api] sighting %s: %v", id, err)
		return
	}
	httputil.WriteJSONOK(w, found)
}

func (s *Server) showCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	counts, err := s.store.SightingCounts(r.Context(), since)
	if err != nil {
		httputil.InternalServerError(w, "Failed to count sightings")
		monitoring.Logf("[api] count sightings: %v", err)
		return
	}
	httputil.WriteJSONOK(w, counts)
}

// parseSince reads an optional RFC 3339 "since" parameter. It writes the
// error response itself and reports false on bad input.
func parseSince(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Time{}, true
	}
	since, err := time.Parse(time.RFC3339, v)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'since' parameter, want RFC 3339")
		return time.Time{}, false
	}
	return since, true
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	cfg := s.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"watch_labels":    cfg.GetWatchLabels().Labels(),
		"score_threshold": cfg.GetScoreThreshold(),
		"sustain_seconds": cfg.GetSustain().Seconds(),
		"absence_grace":   presence.AbsenceGrace.String(),
		"stream_name":     cfg.GetStreamName(),
		"source_kind":     cfg.GetSource().Kind,
		"status_interval": cfg.GetStatusInterval().String(),
		"notify_cooldown": cfg.GetNotifyCooldown().String(),
		"webhook_enabled": cfg.GetWebhookURL() != "",
	})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}
