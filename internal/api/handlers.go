package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
)

// fallbackBody is served when marshaling a response fails; kept as a literal
// so the failure path cannot itself fail.
const fallbackBody = `{"status":"error","message":"Internal server error"}`

// writeJSON marshals first so an encoding failure can still downgrade the
// status code before any header is written.
func writeJSON(w http.ResponseWriter, status int, resp models.APIResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Server failed to marshal response", "error", err)
		body = []byte(fallbackBody)
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server failed to write response", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter, status int, result any) {
	writeJSON(w, status, models.Success(result))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.Error(message))
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	w.WriteHeader(http.StatusMethodNotAllowed)
}

// messageRequest is the webchat inbound payload.
type messageRequest struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// messagesHandler handles POST /v1/messages: one webchat widget message.
// Processing is asynchronous; replies are collected via the poll endpoint.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if req.User == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "user and text are required")
		return
	}

	if !s.webchat.Receive(req.User, req.Text) {
		writeError(w, http.StatusServiceUnavailable, "Message queue full, try again")
		return
	}
	writeSuccess(w, http.StatusAccepted, nil)
}

// pollHandler handles GET /v1/messages/poll?user=: drains queued replies for
// the webchat widget.
func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	replies := s.webchat.Drain("webchat:" + user)
	if replies == nil {
		replies = []models.OutboundMessage{}
	}
	writeSuccess(w, http.StatusOK, replies)
}

// flowsHandler handles GET /v1/flows (list active versions) and POST /v1/flows
// (publish a new version).
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeSuccess(w, http.StatusOK, s.flows.List())
	case http.MethodPost:
		if r.Body != nil {
			defer r.Body.Close()
		}
		var def models.FlowDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			slog.Warn("Server.flowsHandler: failed to decode JSON", "error", err)
			writeError(w, http.StatusBadRequest, "Invalid JSON format")
			return
		}
		res, err := s.flows.Publish(def)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, models.APIResponse{
				Status:  string(models.APIStatusError),
				Message: err.Error(),
				Result:  res,
			})
			return
		}
		writeSuccess(w, http.StatusCreated, map[string]any{
			"flow_id":    def.ID,
			"version":    s.flows.Get(def.ID).Version,
			"validation": res,
		})
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

// validateFlowHandler handles POST /v1/flows/validate: dry-run validation
// without publishing.
func (s *Server) validateFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var def models.FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	res := flow.Validate(&def, s.executors)
	writeSuccess(w, http.StatusOK, res)
}

// flowByIDHandler routes /v1/flows/{id} and /v1/flows/{id}/enabled.
func (s *Server) flowByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/flows/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/enabled"); ok {
		s.setFlowEnabledHandler(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	def := s.flows.Get(rest)
	if def == nil {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}
	writeSuccess(w, http.StatusOK, def)
}

// enabledRequest is the enable/disable payload.
type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

// setFlowEnabledHandler handles POST /v1/flows/{id}/enabled. Disabling a
// system-critical flow returns 409.
func (s *Server) setFlowEnabledHandler(w http.ResponseWriter, r *http.Request, flowID string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	err := s.flows.SetEnabled(flowID, req.Enabled)
	switch {
	case err == nil:
		writeSuccess(w, http.StatusOK, s.flows.Get(flowID))
	case errors.Is(err, models.ErrProtectedFlow):
		slog.Warn("Server.setFlowEnabledHandler: refused to disable protected flow", "flowID", flowID)
		writeError(w, http.StatusConflict, "Flow is system critical and cannot be disabled")
	case errors.Is(err, models.ErrFlowNotFound):
		writeError(w, http.StatusNotFound, "Flow not found")
	default:
		slog.Error("Server.setFlowEnabledHandler: failed", "error", err, "flowID", flowID)
		writeError(w, http.StatusInternalServerError, "Failed to update flow")
	}
}

// sessionHandler handles GET /v1/sessions/{key}: session inspection for
// operators and the webchat widget.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if key == "" {
		writeError(w, http.StatusBadRequest, "Session key is required")
		return
	}
	sess, err := s.st.GetSession(key)
	if err != nil {
		slog.Error("Server.sessionHandler: store lookup failed", "error", err, "key", key)
		writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeSuccess(w, http.StatusOK, sess)
}

// healthHandler handles GET /v1/health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"flows": len(s.flows.List()),
	})
}
