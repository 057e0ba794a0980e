package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/streamwarden/db"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"migrations", func() error {
			_, dirty, err := db.GetMigrationVersion(h.db)
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("migration state dirty")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type statusResponse struct {
	ChannelsTotal int               `json:"channels_total"`
	ChannelsLive  int               `json:"channels_live"`
	OpenSessions  int               `json:"open_sessions"`
	Capacity      *capacityStatus   `json:"capacity,omitempty"`
	Heartbeats    map[string]string `json:"heartbeats"`
}

type capacityStatus struct {
	UsedSlots  int    `json:"used_slots"`
	TotalSlots int    `json:"total_slots"`
	ByType     string `json:"by_type"`
	TakenAt    string `json:"taken_at"`
}

// HandleStatus summarizes live-state, session and capacity bookkeeping.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp statusResponse

	if err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_live) FROM channel_state`).
		Scan(&resp.ChannelsTotal, &resp.ChannelsLive); err != nil {
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}
	if err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL`).Scan(&resp.OpenSessions); err != nil {
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}

	var snap capacityStatus
	err := h.db.QueryRowContext(ctx,
		`SELECT used_slots, total_slots, by_type, created_at::text
		 FROM capacity_snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&snap.UsedSlots, &snap.TotalSlots, &snap.ByType, &snap.TakenAt)
	switch err {
	case nil:
		resp.Capacity = &snap
	case sql.ErrNoRows:
		// no snapshot yet
	default:
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}

	resp.Heartbeats = map[string]string{}
	rows, err := h.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE 'job_%_last'`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if rows.Scan(&k, &v) == nil {
				resp.Heartbeats[k] = v
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
