package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/sentra/pkg/sentra/copilot"
	"github.com/jholhewres/sentra/pkg/sentra/history"
	"github.com/jholhewres/sentra/pkg/sentra/protocol"
	"github.com/jholhewres/sentra/pkg/sentra/scheduler"
)

// maxValidateBody bounds POST /api/validate bodies.
const maxValidateBody = 1 << 20

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	copilot.AssistantStats
	History history.Stats   `json:"history"`
	Jobs    []scheduler.Job `json:"jobs,omitempty"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var body errorResponse
	body.Error.Message = msg
	body.Error.Code = code
	g.writeJSON(w, code, body)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	transport := "disconnected"
	if g.runtime != nil && g.runtime.Stats().Connected {
		transport = "connected"
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   g.version,
		"uptime":    uptime,
		"transport": transport,
	})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	if g.runtime != nil {
		resp.AssistantStats = g.runtime.Stats()
	}
	if g.history != nil {
		resp.History = g.history.Stats()
	}
	if g.jobs != nil {
		resp.Jobs = g.jobs.Jobs()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleHistory implements GET /api/history/{group}
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	if group == "" {
		g.writeError(w, "group is required", http.StatusBadRequest)
		return
	}
	if g.history == nil {
		g.writeError(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	msgs := protocol.ConvertHistory(g.history.GetConversationHistory(group))
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"group":    group,
		"messages": msgs,
	})
}

// handleValidate implements POST /api/validate. The body is the raw model
// response text.
func (g *Gateway) handleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxValidateBody+1))
	if err != nil {
		g.writeError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxValidateBody {
		g.writeError(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	g.writeJSON(w, http.StatusOK, copilot.InspectReply(string(body), g.tokenModel))
}

// handleCancelTurn implements DELETE /api/turns/{sender}
func (g *Gateway) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	sender := chi.URLParam(r, "sender")
	if g.runtime == nil || !g.runtime.CancelTurn(sender) {
		g.writeError(w, "no running turn for sender", http.StatusNotFound)
		return
	}
	g.logger.Info("turn cancelled via API", "sender", sender)
	g.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "sender": sender})
}
