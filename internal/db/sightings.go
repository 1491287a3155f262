package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/critterwatch/internal/sighting"
)

// ErrSightingNotFound is returned by SightingByID for an unknown ID.
var ErrSightingNotFound = errors.New("sighting not found")

// DefaultSightingsLimit caps list queries that do not give a limit.
const DefaultSightingsLimit = 100

// SightingQuery filters ListSightings. Zero fields are not applied.
type SightingQuery struct {
	Stream string
	Label  string
	Since  time.Time
	Limit  int
}

// RecordSighting inserts or updates a sighting by ID. An open sighting is
// stored with a NULL end time and completed when it is recorded again.
func (db *DB) RecordSighting(ctx context.Context, s sighting.Sighting) error {
	labels, err := json.Marshal(s.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	var ended sql.NullFloat64
	if s.EndedAt != nil {
		ended = sql.NullFloat64{Float64: toUnix(*s.EndedAt), Valid: true}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sightings (
			sighting_id, stream, labels, started_unix, verified_unix, ended_unix,
			frames, peak_score, mean_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sighting_id) DO UPDATE SET
			labels = excluded.labels,
			ended_unix = excluded.ended_unix,
			frames = excluded.frames,
			peak_score = excluded.peak_score,
			mean_score = excluded.mean_score`,
		s.ID, s.Stream, string(labels), toUnix(s.StartedAt), toUnix(s.VerifiedAt), ended,
		s.Frames, s.PeakScore, s.MeanScore,
	)
	if err != nil {
		return fmt.Errorf("failed to record sighting %s: %w", s.ID, err)
	}
	return nil
}

// Opened stores the sighting as in progress.
func (db *DB) Opened(ctx context.Context, s sighting.Sighting) error {
	return db.RecordSighting(ctx, s)
}

// Closed stores the completed sighting.
func (db *DB) Closed(ctx context.Context, s sighting.Sighting) error {
	return db.RecordSighting(ctx, s)
}

// Sightings returns the most recent sightings, newest first.
func (db *DB) Sightings(limit int) ([]sighting.Sighting, error) {
	return db.ListSightings(context.Background(), SightingQuery{Limit: limit})
}

// ListSightings returns sightings matching q, newest first.
func (db *DB) ListSightings(ctx context.Context, q SightingQuery) ([]sighting.Sighting, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Stream != "" {
		where = append(where, "stream = ?")
		args = append(args, q.Stream)
	}
	if q.Label != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(sightings.labels) WHERE json_each.value = ?)")
		args = append(args, q.Label)
	}
	if !q.Since.IsZero() {
		where = append(where, "started_unix >= ?")
		args = append(args, toUnix(q.Since))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSightingsLimit
	}

	query := `SELECT sighting_id, stream, labels, started_unix, verified_unix, ended_unix,
		frames, peak_score, mean_score FROM sightings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_unix DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sightings: %w", err)
	}
	defer rows.Close()

	sightings := []sighting.Sighting{}
	for rows.Next() {
		s, err := scanSighting(rows)
		if err != nil {
			return nil, err
		}
		sightings = append(sightings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sightings, nil
}

// SightingByID returns a single sighting or ErrSightingNotFound.
func (db *DB) SightingByID(ctx context.Context, id string) (*sighting.Sighting, error) {
	row := db.QueryRowContext(ctx, `SELECT sighting_id, stream, labels, started_unix, verified_unix,
		ended_unix, frames, peak_score, mean_score FROM sightings WHERE sighting_id = ?`, id)
	s, err := scanSighting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSightingNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// LabelCount is the number of sightings that included a label.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// SightingCounts returns per-label sighting counts since the given time.
func (db *DB) SightingCounts(ctx context.Context, since time.Time) ([]LabelCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT json_each.value AS label, COUNT(*) AS n
		FROM sightings, json_each(sightings.labels)
		WHERE started_unix >= ?
		GROUP BY label
		ORDER BY n DESC, label ASC`, toUnix(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count sightings: %w", err)
	}
	defer rows.Close()

	counts := []LabelCount{}
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Label, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSighting(r rowScanner) (sighting.Sighting, error) {
	var (
		s                 sighting.Sighting
		labels            string
		started, verified float64
		ended             sql.NullFloat64
	)
	if err := r.Scan(&s.ID, &s.Stream, &labels, &started, &verified, &ended,
		&s.Frames, &s.PeakScore, &s.MeanScore); err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(labels), &s.Labels); err != nil {
		return s, fmt.Errorf("sighting %s has invalid labels: %w", s.ID, err)
	}
	s.StartedAt = fromUnix(started)
	s.VerifiedAt = fromUnix(verified)
	if ended.Valid {
		t := fromUnix(ended.Float64)
		s.EndedAt = &t
	}
	return s, nil
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
}
