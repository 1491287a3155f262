package db

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/critterwatch/internal/httputil"
)

// AttachAdminRoutes mounts live SQL debugging and an on-demand backup under
// /debug/ on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Sightings DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db-stats", "Sighting counts and schema version", http.HandlerFunc(db.serveStats))
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

// Summary summarises the database for the admin page.
type Summary struct {
	Path          string `json:"path"`
	SizeBytes     int64  `json:"size_bytes"`
	SchemaVersion uint   `json:"schema_version"`
	Dirty         bool   `json:"dirty"`
	Sightings     int    `json:"sightings"`
	OpenSightings int    `json:"open_sightings"`
}

// Summary returns row counts, the file size and the migration version.
func (db *DB) Summary(ctx context.Context) (Summary, error) {
	st := Summary{Path: db.path}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(*) - COUNT(ended_unix) FROM sightings`).
		Scan(&st.Sightings, &st.OpenSightings); err != nil {
		return st, fmt.Errorf("failed to count sightings: %w", err)
	}
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return st, err
	}
	st.SchemaVersion, st.Dirty = version, dirty
	if fi, err := os.Stat(db.path); err == nil {
		st.SizeBytes = fi.Size()
	}
	return st, nil
}

func (db *DB) serveStats(w http.ResponseWriter, r *http.Request) {
	st, err := db.Summary(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, st)
}

// serveBackup writes a gzipped VACUUM INTO copy of the database.
func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("critterwatch-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			logf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		logf("backup: failed to stream %s: %v", name, err)
	}
}
