package db

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rd03d.relay/internal/httputil"
	"github.com/banshee-data/rd03d.relay/internal/monitoring"
)

// AttachAdminRoutes mounts detection log endpoints on the /debug/ mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux, rec *Recorder) {
	debug := tsweb.Debugger(mux)
	if rec != nil {
		debug.KVFunc("Recording session", func() any { return rec.Stats().Session })
		debug.KVFunc("Detections recorded", func() any { return rec.Stats().Written })
	}

	debug.HandleFunc("detections", "Most recent recorded detections", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 10000 {
				httputil.BadRequest(w, "limit must be between 1 and 10000")
				return
			}
			limit = n
		}
		records, err := db.RecentDetections(r.URL.Query().Get("session"), limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to query detections: %v", err))
			return
		}
		httputil.WriteJSONOK(w, records)
	})

	debug.HandleFunc("sessions", "Recorded relay sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions, err := db.Sessions(50)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to query sessions: %v", err))
			return
		}
		httputil.WriteJSONOK(w, sessions)
	})

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("rd03d-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("Failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")

		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			monitoring.Logf("Failed to stream backup: %v", err)
		}
	}))
}
