package gateway

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/basket/claw-office/internal/coordinator"
	"github.com/basket/claw-office/internal/correlation"
	"github.com/basket/claw-office/internal/persistence"
)

// handleOpenClaw is the manual side door into the upstream correlation:
// GET reports the adapter state, POST assigns or completes on its behalf.
func (s *Server) handleOpenClaw(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	var tracker *correlation.Tracker
	if s.upstream != nil {
		tracker = s.upstream.Tracker()
	}

	if r.Method == http.MethodGet {
		s.openClawStatus(w, r, tracker)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	switch head.Action {
	case "assign":
		var in coordinator.AssignInput
		if err := json.Unmarshal(body, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		res, err := s.coord.ExternalAssign(ctx, in, tracker)
		if err != nil {
			s.actionError(w, r, "openclaw assign", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "complete":
		var in coordinator.ExternalCompleteInput
		if err := json.Unmarshal(body, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		res, err := s.coord.ExternalComplete(ctx, in, tracker)
		if err != nil {
			s.actionError(w, r, "openclaw complete", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusBadRequest, "Unknown action")
	}
}

func (s *Server) openClawStatus(w http.ResponseWriter, r *http.Request, tracker *correlation.Tracker) {
	connected, url := s.upstreamStatus()
	var state correlation.TrackerState
	if tracker != nil {
		state = tracker.State()
	}

	var current *persistence.Request
	if state.RequestID != "" {
		req, err := s.store.GetRequest(r.Context(), state.RequestID)
		switch {
		case err == nil:
			current = req
		case !errors.Is(err, sql.ErrNoRows):
			s.internalError(w, r, "openclaw status", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"websocket": map[string]any{
			"connected":        connected,
			"url":              url,
			"currentRequestId": nonEmpty(state.RequestID),
			"currentRunId":     nonEmpty(state.RunID),
		},
		"currentRequest": current,
	})
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
