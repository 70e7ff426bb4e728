package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haondt/talaria/internal/events"
	"github.com/haondt/talaria/internal/logging"
	"github.com/haondt/talaria/internal/webhook"
)

// handleHealth is the liveness probe: a literal "OK", no JSON envelope.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "OK")
}

// handleRunScan enqueues an immediate scan and acknowledges.
func (s *Server) handleRunScan(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.TriggerScan()
	RespondSuccess(w, map[string]string{"status": "scheduled"})
}

const (
	defaultPage    = 1
	defaultPerPage = 20
	maxPerPage     = 100
)

// handleListCommits serves the root path as a paginated JSON commit
// listing.
func (s *Server) handleListCommits(w http.ResponseWriter, r *http.Request) {
	page := parsePositiveIntQuery(r, "page", defaultPage)
	perPage := parsePositiveIntQuery(r, "per_page", defaultPerPage)
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	commits, total, err := s.store.ListCommits(r.Context(), page, perPage)
	if err != nil {
		RespondInternalError(w, fmt.Errorf("listing commits: %w", err))
		return
	}

	RespondSuccess(w, map[string]any{
		"commits":  commits,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

func parsePositiveIntQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// handleGitlabWebhook authenticates and reconciles a GitLab pipeline-hook
// payload against the commit store.
func (s *Server) handleGitlabWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeWebhook(r) {
		RespondUnauthorized(w, fmt.Errorf("invalid or missing webhook credentials"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		RespondBadRequest(w, fmt.Errorf("reading webhook body: %w", err))
		return
	}

	payload, err := webhook.Parse(body)
	if err != nil {
		RespondBadRequest(w, err)
		return
	}

	event := r.Header.Get("X-Gitlab-Event")
	if err := s.webhook.HandleDeploymentWebhook(r.Context(), payload, event); err != nil {
		RespondBadRequest(w, err)
		return
	}

	RespondSuccess(w, map[string]string{"status": "accepted"})
}

func (s *Server) authorizeWebhook(r *http.Request) bool {
	if s.webhookAPIKey == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return strings.TrimPrefix(auth, prefix) == s.webhookAPIKey
}

// handleWS upgrades to a long-lived connection streaming newline-
// delimited JSON events from the bus. No WebSocket framing library is
// available in this codebase's dependency set, so the stream is plain
// chunked HTTP with one JSON object per line, matching the stdlib-only
// exception documented for this endpoint.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sub, unsubscribe := s.bus.Subscribe("*")
	defer unsubscribe()

	logging.Default().Debug("event stream client connected")

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logging.Default().Debug("event stream client disconnected")
			return
		case <-heartbeat.C:
			fmt.Fprintln(w, `{"type":"heartbeat"}`)
			flusher.Flush()
		case event, ok := <-sub:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				logging.Default().Warn("marshaling event: %v", err)
				continue
			}
			w.Write(data)
			fmt.Fprintln(w)
			flusher.Flush()
			heartbeat.Reset(15 * time.Second)
		}
	}
}
