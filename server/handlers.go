package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/streamwarden/session"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

type sessionView struct {
	ID               int64      `json:"id"`
	BroadcasterID    string     `json:"broadcaster_id"`
	ChannelSlug      string     `json:"channel_slug"`
	Title            string     `json:"title"`
	Category         string     `json:"category,omitempty"`
	ExternalStreamID string     `json:"external_stream_id,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	PeakViewerCount  int        `json:"peak_viewer_count"`
	FollowerCount    int        `json:"follower_count"`
	TotalMessages    int        `json:"total_messages"`
	DurationSeconds  int        `json:"duration_seconds"`
	LastLiveCheckAt  time.Time  `json:"last_live_check_at"`
}

func viewOf(s session.StreamSession) sessionView {
	return sessionView{
		ID:               s.ID,
		BroadcasterID:    s.BroadcasterID,
		ChannelSlug:      s.ChannelSlug,
		Title:            s.Title,
		Category:         s.Category,
		ExternalStreamID: s.ExternalStreamID,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
		PeakViewerCount:  s.PeakViewerCount,
		FollowerCount:    s.FollowerCount,
		TotalMessages:    s.TotalMessages,
		DurationSeconds:  s.DurationSeconds,
		LastLiveCheckAt:  s.LastLiveCheckAt,
	}
}
