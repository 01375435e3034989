package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/basket/claw-office/internal/coordinator"
	"github.com/basket/claw-office/internal/schema"
	"github.com/basket/claw-office/internal/shared"
)

// actionSchema checks the shape of POST /api/workflow bodies. Unknown
// actions pass the schema and are rejected by the coordinator.
var actionSchema = schema.MustCompile("workflow_action", []byte(`{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"type": "string", "minLength": 1},
		"content": {"type": "string"},
		"from": {"type": "string"},
		"agent": {"type": "string"},
		"delegatedTo": {"type": "string"},
		"chainId": {"type": "string"},
		"messageId": {"type": ["integer", "string", "null"]},
		"requestId": {"type": "string"},
		"taskId": {"type": "string"},
		"target": {"type": "string"},
		"reason": {"type": "string"},
		"result": {"type": "string"},
		"success": {"type": "boolean"},
		"autoComplete": {"type": "boolean"},
		"notify": {"type": "boolean"},
		"notifyDetails": {"type": "array", "items": {"type": "string"}},
		"workDurationMs": {"type": "integer", "minimum": 0},
		"tokensInput": {"type": "integer", "minimum": 0},
		"tokensOutput": {"type": "integer", "minimum": 0},
		"limit": {"type": "integer", "minimum": 0}
	}
}`))

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		s.readWorkflow(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if err := actionSchema.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
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
	if entry := KeyEntryFromContext(ctx); entry != nil {
		ctx = shared.WithCaller(ctx, entry.Name)
	}
	res, err := s.coord.Dispatch(ctx, head.Action, body)
	if err != nil {
		s.actionError(w, r, head.Action, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// actionError maps coordinator errors onto status codes. Rejections carry
// their own client message; anything else is a 500.
func (s *Server) actionError(w http.ResponseWriter, r *http.Request, action string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.internalError(w, r, "workflow "+action, err)
	}
}

func (s *Server) readWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	switch q.Get("type") {
	case "events":
		limit := queryInt(q.Get("limit"), 50)
		offset := queryInt(q.Get("offset"), 0)
		events, total, err := s.store.ListEvents(ctx, limit, offset)
		if err != nil {
			s.internalError(w, r, "workflow events", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events), "total": total})
	case "active":
		reqs, err := s.store.ListRequests(ctx, 10, true)
		if err != nil {
			s.internalError(w, r, "workflow active", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(reqs)})
	case "tasks":
		tasks, err := s.store.ListTasks(ctx, queryInt(q.Get("limit"), 20), q.Get("active") == "true")
		if err != nil {
			s.internalError(w, r, "workflow tasks", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
	default:
		overview, err := s.coord.Overview(ctx)
		if err != nil {
			s.internalError(w, r, "workflow overview", err)
			return
		}
		writeJSON(w, http.StatusOK, overview)
	}
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
