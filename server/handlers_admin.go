package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/streamwarden/session"
	"github.com/onnwee/streamwarden/telemetry"
)

// HandleCloseSession ends the broadcaster's open session now. Manual sessions are
// never closed automatically, so this is how operators end them.
func (h *Handlers) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	if h.deps.Closer == nil {
		writeError(w, http.StatusNotFound, "session control not available in this process")
		return
	}
	bid := chi.URLParam(r, "broadcasterID")
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"), slog.String("broadcaster_id", bid))
	res, err := h.deps.Closer.CloseManual(r.Context(), bid)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "no open session")
		return
	case err != nil:
		logger.Error("manual close failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "close failed")
		return
	}
	body := map[string]any{"transition": res.Transition.String()}
	if res.Session != nil {
		body["session"] = viewOf(*res.Session)
		logger.Info("session closed by operator", slog.Int64("session_id", res.Session.ID))
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleRunCorrection runs the dedup and archival correction pass for one broadcaster.
func (h *Handlers) HandleRunCorrection(w http.ResponseWriter, r *http.Request) {
	if h.deps.Corrections == nil {
		writeError(w, http.StatusNotFound, "corrections not available in this process")
		return
	}
	bid := chi.URLParam(r, "broadcasterID")
	rep, err := h.deps.Corrections.RunBroadcaster(r.Context(), bid)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("correction pass failed",
			slog.String("component", "admin"), slog.String("broadcaster_id", bid), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"merged":    rep.Merged,
		"corrected": rep.Corrected,
		"linked":    rep.Linked,
		"skipped":   rep.Skipped,
	})
}
