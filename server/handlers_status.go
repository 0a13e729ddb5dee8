package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/streamwarden/queue"
	"github.com/onnwee/streamwarden/ratelimit"
	"github.com/onnwee/streamwarden/session"
	"github.com/onnwee/streamwarden/telemetry"
)

type statusResponse struct {
	Channels []session.ChannelStatus `json:"channels,omitempty"`
	Worker   *queue.Stats            `json:"worker,omitempty"`
	Queue    *queue.Depth            `json:"queue,omitempty"`
	Upstream *upstreamStatus         `json:"upstream,omitempty"`
	Time     time.Time               `json:"time"`
}

type upstreamStatus struct {
	InFlight     int        `json:"in_flight"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
}

func upstreamOf(l *ratelimit.Limiter, now time.Time) *upstreamStatus {
	st := &upstreamStatus{InFlight: l.InFlight()}
	if until := l.BackoffUntil(); until.After(now) {
		st.BackoffUntil = &until
	}
	return st
}

// HandleStatus reports per-channel liveness and worker counters, whichever this
// process runs.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Time: time.Now().UTC()}
	if h.deps.Channels != nil {
		resp.Channels = h.deps.Channels()
	}
	if h.deps.Worker != nil {
		s := h.deps.Worker()
		resp.Worker = &s
	}
	if h.deps.Upstream != nil {
		resp.Upstream = upstreamOf(h.deps.Upstream, resp.Time)
	}
	if h.deps.QueueDepth != nil {
		if d, err := h.deps.QueueDepth(r.Context()); err == nil {
			resp.Queue = &d
		} else {
			telemetry.LoggerWithCorr(r.Context()).Warn("queue depth unavailable", slog.Any("err", err), slog.String("component", "http"))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSessions lists a broadcaster's sessions from the last ?hours (default 24, max 720).
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil {
		writeError(w, http.StatusNotFound, "sessions not available")
		return
	}
	bid := strings.TrimSpace(r.URL.Query().Get("broadcaster_id"))
	if bid == "" {
		writeError(w, http.StatusBadRequest, "broadcaster_id required")
		return
	}
	hours := parseIntQuery(r, "hours", 24)
	if hours <= 0 || hours > 720 {
		hours = 24
	}
	list, err := h.deps.Sessions.ListSince(r.Context(), bid, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list sessions failed", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, viewOf(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}
