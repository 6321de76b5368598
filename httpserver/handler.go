package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sidusio/homecall/bridge"
	"github.com/sidusio/homecall/session"
)

const maxSurfaceLogBytes = 16 * 1024

// EnrollmentState reports whether the device currently holds an
// identity.
type EnrollmentState interface {
	IsEnrolled(ctx context.Context) bool
}

// Handler serves the agent's local API: status for operators and the
// two surface endpoints (log intake in, script stream out).
type Handler struct {
	enrollment    EnrollmentState
	scheduler     *session.Scheduler
	contentBridge *bridge.Bridge
	scripts       *ScriptFeed
	log           *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(enrollment EnrollmentState, scheduler *session.Scheduler, contentBridge *bridge.Bridge, scripts *ScriptFeed, log *slog.Logger) *Handler {
	return &Handler{
		enrollment:    enrollment,
		scheduler:     scheduler,
		contentBridge: contentBridge,
		scripts:       scripts,
		log:           log,
	}
}

type statusResponse struct {
	Enrolled       bool   `json:"enrolled"`
	DeviceID       string `json:"deviceId,omitempty"`
	TokenExpiresAt string `json:"tokenExpiresAt,omitempty"`
}

// HandleStatus reports enrollment and session state.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := statusResponse{
		Enrolled: h.enrollment.IsEnrolled(r.Context()),
	}
	if tok := h.scheduler.Current(); tok != nil {
		status.DeviceID = tok.DeviceID
		status.TokenExpiresAt = tok.ExpiresAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.log.Error("failed to write status response", "err", err)
	}
}

// HandleSurfaceLog accepts a diagnostic message posted out of the
// rendering surface. The body is logged verbatim and never interpreted;
// there is no command channel back into the agent.
func (h *Handler) HandleSurfaceLog(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSurfaceLogBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	h.contentBridge.SurfaceLog(string(body))
	w.WriteHeader(http.StatusNoContent)
}

// HandleSurfaceScripts streams injected scripts to the surface host, one
// line per script, until the client disconnects. This is the outbound
// half of the one-way bridge transport.
func (h *Handler) HandleSurfaceScripts(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case script := <-h.scripts.stream():
			if _, err := fmt.Fprintln(w, script); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
