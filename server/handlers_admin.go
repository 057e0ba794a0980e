package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type upsertChannelRequest struct {
	ChannelID   int64  `json:"channel_id"`
	Login       string `json:"login"`
	RaidEnabled bool   `json:"raid_enabled"`
}

// HandleAdminChannels provisions or reconfigures a monitored channel.
func (h *Handlers) HandleAdminChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req upsertChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.ChannelID <= 0 || req.Login == "" {
		http.Error(w, "channel_id and login are required", http.StatusBadRequest)
		return
	}
	if err := h.channels.UpsertChannel(r.Context(), req.ChannelID, req.Login, req.RaidEnabled); err != nil {
		slog.Error("channel upsert failed", slog.String("component", "http"),
			slog.Int64("channel_id", req.ChannelID), slog.Any("err", err))
		http.Error(w, "upsert failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"channel_id":   req.ChannelID,
		"login":        req.Login,
		"raid_enabled": req.RaidEnabled,
	})
}
