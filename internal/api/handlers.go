package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lmnop/internal/alerts"
	"lmnop/internal/notify"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Endpoint describes an API endpoint for the sitemap
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check, includes the Home Assistant connection state"},
	{Path: "/api/notify", Method: "POST", Description: `Send a notification: {"message": "...", "title": "[high] ...", "data": {"priority": "critical"}}`},
	{Path: "/api/alerts", Method: "GET", Description: "Current alert status and the lights in alert mode"},
	{Path: "/api/alerts/{id}", Method: "DELETE", Description: "Acknowledge an alert: dismiss its notification and drop it from the active set"},
	{Path: "/api/alerts/restore", Method: "POST", Description: "Retry restoring lights saved by a failed restore"},
}

// NotifyRequest is the body of POST /api/notify
type NotifyRequest struct {
	Message string `json:"message"`
	Title   string `json:"title"`
	Data    struct {
		Priority string `json:"priority"`
	} `json:"data"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string `json:"status"`
	HAConnected   bool   `json:"ha_connected"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// AcknowledgeResponse is the body of DELETE /api/alerts/{id}
type AcknowledgeResponse struct {
	AlertID string `json:"alert_id"`
	// Result is false when this was the last alert and the lights were not restored
	Result bool `json:"result"`
	// Error reports a storage or restore failure after the alert was removed
	Error string `json:"error,omitempty"`
}

// lightsTimeout bounds a light restore started by a request. The restore is
// detached from the request so a client hanging up cannot interrupt it.
const lightsTimeout = 2 * time.Minute

// RestoreResponse is the body of POST /api/alerts/restore
type RestoreResponse struct {
	Restored bool `json:"restored"`
}

func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>LMNOP Notifier API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>LMNOP Notifier API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, htmlEscape(ep.Description))
		}
		fmt.Fprint(w, "</body>\n</html>\n")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "LMNOP Notifier API")
	fmt.Fprintln(w)
	for _, ep := range endpoints {
		fmt.Fprintf(w, "%-7s %-22s %s\n", ep.Method, ep.Path, ep.Description)
	}
}

func htmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;").Replace(s)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		HAConnected:   s.haClient.IsConnected(),
		UptimeSeconds: int64(s.clock.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var body NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	n, err := s.notifier.Send(r.Context(), notify.Request{
		Message:  body.Message,
		Title:    body.Title,
		Priority: body.Data.Priority,
	})

	var transportErr *notify.TransportError
	switch {
	case errors.Is(err, notify.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	case errors.As(err, &transportErr):
		writeError(w, http.StatusBadGateway, ErrCodeTransport, err.Error())
		return
	case err != nil && n == nil:
		s.logger.Error("Notification failed", zap.Error(err))
		writeInternalError(w, err.Error())
		return
	case err != nil:
		// Delivered, but alert tracking failed
		s.logger.Error("Notification sent but alert tracking failed",
			zap.String("notification_id", n.ID),
			zap.Error(err))
	}

	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(context.Background(), lightsTimeout)
	defer cancel()

	restored, err := s.alerts.Acknowledge(ctx, alertID)
	switch {
	case errors.Is(err, alerts.ErrNotTracked):
		writeNotFound(w, fmt.Sprintf("alert %q is not active", alertID))
		return
	case errors.Is(err, alerts.ErrDismissFailed):
		s.logger.Error("Failed to acknowledge alert",
			zap.String("alert_id", alertID),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, ErrCodeTransport, err.Error())
		return
	}

	resp := AcknowledgeResponse{AlertID: alertID, Result: restored}
	if err != nil {
		// Dismissed and removed; only persisting or restoring failed
		s.logger.Error("Alert acknowledged with errors",
			zap.String("alert_id", alertID),
			zap.Error(err))
		resp.Error = err.Error()
	} else {
		s.logger.Info("Alert acknowledged via API",
			zap.String("alert_id", alertID),
			zap.Bool("result", restored))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), lightsTimeout)
	defer cancel()

	restored, err := s.alerts.RetryRestore(ctx)
	if err != nil {
		s.logger.Error("Manual restore failed", zap.Error(err))
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RestoreResponse{Restored: restored})
}
