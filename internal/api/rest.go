package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"troupe/internal/bot"
	"troupe/internal/delegate"
	"troupe/internal/logging"
	"troupe/internal/session"
	"troupe/internal/terminal"
)

// RestHandler carries the service dependencies for the JSON endpoints.
type RestHandler struct {
	Bots      *bot.Manager
	Sessions  *session.Manager
	Bridge    *delegate.Bridge
	Terminals *terminal.Manager
	Logger    *logging.Logger
	StartedAt time.Time
	Version   string
}

type triggerResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	PollURL   string `json:"poll_url,omitempty"`
}

type callbackRequest struct {
	Response  string `json:"response"`
	Reasoning string `json:"reasoning,omitempty"`
}

type healthResponse struct {
	Status             string   `json:"status"`
	Version            string   `json:"version,omitempty"`
	UptimeSeconds      int64    `json:"uptime_seconds"`
	Bots               []string `json:"bots"`
	LiveTerminals      int      `json:"live_terminals"`
	PendingDelegations int      `json:"pending_delegations"`
}

type sessionView struct {
	BotID         string                 `json:"bot_id"`
	UserID        string                 `json:"user_id"`
	CurrentUUID   string                 `json:"current_uuid,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	MessageCount  int                    `json:"message_count"`
	WorkspacePath string                 `json:"workspace_path,omitempty"`
	History       []session.HistoryEntry `json:"history,omitempty"`
}

type switchRequest struct {
	BotID  string `json:"bot_id"`
	UserID string `json:"user_id"`
	UUID   string `json:"uuid"`
}

type newSessionRequest struct {
	BotID  string `json:"bot_id"`
	UserID string `json:"user_id"`
}

func (h *RestHandler) handleTrigger(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	if h.Bridge == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "delegation unavailable"}
	}
	var req delegate.TriggerRequest
	if apiErr := decodeJSONBody(r, &req); apiErr != nil {
		return apiErr
	}
	id, err := h.Bridge.Trigger(r.Context(), req)
	if err != nil {
		var authErr *delegate.AuthorizationError
		if errors.As(err, &authErr) {
			return &apiError{Status: http.StatusForbidden, Message: authErr.Error()}
		}
		if errors.Is(err, bot.ErrBotNotFound) {
			return &apiError{Status: http.StatusNotFound, Message: err.Error()}
		}
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	resp := triggerResponse{Success: true}
	if id != "" {
		resp.RequestID = id
		resp.PollURL = "/api/poll/" + id
	}
	writeJSON(w, http.StatusAccepted, resp)
	return nil
}

func (h *RestHandler) handleCallback(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/callback/")
	if id == "" || strings.Contains(id, "/") {
		return &apiError{Status: http.StatusBadRequest, Message: "missing request id"}
	}
	var req callbackRequest
	if apiErr := decodeJSONBody(r, &req); apiErr != nil {
		return apiErr
	}
	if h.Bridge == nil || !h.Bridge.Callback(id, req.Response, req.Reasoning) {
		return &apiError{Status: http.StatusNotFound, Message: "unknown request id"}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (h *RestHandler) handlePoll(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/poll/")
	if id == "" || strings.Contains(id, "/") {
		return &apiError{Status: http.StatusBadRequest, Message: "missing request id"}
	}
	if h.Bridge == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "delegation unavailable"}
	}
	result, err := h.Bridge.Poll(id)
	if err != nil {
		return &apiError{Status: http.StatusNotFound, Message: "unknown request id"}
	}
	writeJSON(w, http.StatusOK, result)
	return nil
}

func (h *RestHandler) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	resp := healthResponse{
		Status:  "ok",
		Version: h.Version,
	}
	if !h.StartedAt.IsZero() {
		resp.UptimeSeconds = int64(time.Since(h.StartedAt).Seconds())
	}
	if h.Bots != nil {
		resp.Bots = h.Bots.Registry().IDs()
	}
	if resp.Bots == nil {
		resp.Bots = []string{}
	}
	if h.Terminals != nil {
		resp.LiveTerminals = h.Terminals.Count()
	}
	if h.Bridge != nil {
		resp.PendingDelegations = h.Bridge.PendingCount()
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *RestHandler) handleSessions(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	if h.Sessions == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "sessions unavailable"}
	}
	botID := r.URL.Query().Get("bot")
	userID := r.URL.Query().Get("user")
	workspace := r.URL.Query().Get("workspace")

	records, err := h.Sessions.ListRecords(botID)
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "session listing failed"}
	}
	views := make([]sessionView, 0, len(records))
	for _, record := range records {
		if userID != "" && record.UserID != userID {
			continue
		}
		if workspace != "" && record.WorkspacePath != workspace {
			continue
		}
		views = append(views, sessionView{
			BotID:         record.BotID,
			UserID:        record.UserID,
			CurrentUUID:   record.CurrentUUID,
			CreatedAt:     record.CreatedAt,
			UpdatedAt:     record.UpdatedAt,
			MessageCount:  record.MessageCount,
			WorkspacePath: record.WorkspacePath,
			History:       record.History,
		})
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}

func (h *RestHandler) handleSessionMessages(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	if h.Bots == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "bots unavailable"}
	}
	query := r.URL.Query()
	botID := query.Get("bot")
	userID := query.Get("user")
	if botID == "" || userID == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "bot and user are required"}
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		limit = parsed
	}
	messages, err := h.Bots.ReadSessionMessages(botID, userID, query.Get("uuid"), limit)
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "transcript read failed"}
	}
	writeJSON(w, http.StatusOK, messages)
	return nil
}

func (h *RestHandler) handleSessionSwitch(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	if h.Sessions == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "sessions unavailable"}
	}
	var req switchRequest
	if apiErr := decodeJSONBody(r, &req); apiErr != nil {
		return apiErr
	}
	if err := h.Sessions.SwitchSession(req.BotID, req.UserID, req.UUID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return &apiError{Status: http.StatusNotFound, Message: "session not found"}
		}
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "uuid": req.UUID})
	return nil
}

func (h *RestHandler) handleSessionNew(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	if h.Sessions == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "sessions unavailable"}
	}
	var req newSessionRequest
	if apiErr := decodeJSONBody(r, &req); apiErr != nil {
		return apiErr
	}
	reset, err := h.Sessions.ResetConversation(req.BotID, req.UserID)
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": reset})
	return nil
}
