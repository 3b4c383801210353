package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/neosignal-dev/openai-proxy-ha/internal/audit"
	"github.com/neosignal-dev/openai-proxy-ha/internal/config"
	"github.com/neosignal-dev/openai-proxy-ha/internal/memory"
	"github.com/neosignal-dev/openai-proxy-ha/internal/observability"
	"github.com/neosignal-dev/openai-proxy-ha/internal/pipeline"
	"github.com/neosignal-dev/openai-proxy-ha/internal/protocol"
	"github.com/neosignal-dev/openai-proxy-ha/internal/session"
)

// Orchestrator is the pipeline surface the API needs. Both methods always
// return a speakable reply.
type Orchestrator interface {
	Handle(ctx context.Context, req pipeline.Request) pipeline.Response
	Confirm(ctx context.Context, req pipeline.Request, planID string, approve bool) pipeline.Response
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	memory       *memory.Manager
	auditSink    audit.Sink
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, mem *memory.Manager, sink audit.Sink, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		memory:       mem,
		auditSink:    sink,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot drive a user's
				// assistant session if the proxy is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	r.Post("/v1/converse", s.handleConverse)
	r.Post("/v1/converse/confirm", s.handleConfirm)

	r.Get("/v1/memory/stats", s.handleMemoryStats)
	r.Get("/v1/audit/recent", s.handleAuditRecent)
	r.Get("/v1/perf/pipeline", s.handlePerfPipeline)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess := s.sessions.Create(req.UserID, req.Language, req.Device)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Language:        sess.Language,
		Device:          sess.Device,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Utterance) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id and utterance are required")
		return
	}
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = sess.UserID
	}

	resp := s.orchestrator.Handle(r.Context(), req)
	s.afterTurn(req.SessionID, resp)
	respondJSON(w, http.StatusOK, resp)
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	PlanID    string `json:"plan_id"`
	Approve   bool   `json:"approve"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.PlanID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id and plan_id are required")
		return
	}
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = sess.UserID
	}

	resp := s.orchestrator.Confirm(r.Context(), pipeline.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
	}, req.PlanID, req.Approve)
	if !resp.Throttled {
		// A throttled approval leaves the plan pending for a retry.
		_ = s.sessions.SetPendingPlan(req.SessionID, "")
	}
	_ = s.sessions.RecordTurn(req.SessionID)
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameter session_id is required")
		return
	}
	stats, err := s.memory.Stats(r.Context(), sessionID, userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "memory_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.auditSink.Recent(r.Context(), sessionID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handlePerfPipeline(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotPipelineStages())
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.send(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.ClientUtterance:
			resp := s.orchestrator.Handle(ctx, pipeline.Request{
				SessionID: sessionID,
				UserID:    firstNonEmpty(msg.UserID, sess.UserID),
				Utterance: msg.Text,
				Language:  firstNonEmpty(msg.Language, sess.Language),
				Device:    firstNonEmpty(msg.Device, sess.Device),
			})
			s.afterTurn(sessionID, resp)
			if resp.RequiresConfirmation {
				s.send(outbound, protocol.ConfirmationRequired{
					Type:      protocol.TypeConfirmationNeeded,
					SessionID: sessionID,
					PlanID:    resp.PlanID,
					Prompt:    resp.Reply,
					WindowMS:  s.cfg.ConfirmationWindow.Milliseconds(),
				})
				continue
			}
			s.send(outbound, replyMessage(sessionID, resp))
		case protocol.ClientConfirmation:
			resp := s.orchestrator.Confirm(ctx, pipeline.Request{
				SessionID: sessionID,
				UserID:    sess.UserID,
			}, msg.PlanID, msg.Approve)
			if !resp.Throttled {
				_ = s.sessions.SetPendingPlan(sessionID, "")
			}
			_ = s.sessions.RecordTurn(sessionID)
			s.send(outbound, replyMessage(sessionID, resp))
		case protocol.ClientControl:
			if msg.Action == "end" {
				if _, err := s.sessions.End(sessionID); err == nil {
					s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
					s.metrics.SessionEvents.WithLabelValues("ended").Inc()
				}
				s.send(outbound, protocol.SystemEvent{
					Type:      protocol.TypeSystemEvent,
					SessionID: sessionID,
					Code:      "session_ended",
				})
				break readLoop
			}
		}

		select {
		case <-ctx.Done():
			break readLoop
		default:
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// afterTurn keeps the session's bookkeeping in step with the pipeline result.
func (s *Server) afterTurn(sessionID string, resp pipeline.Response) {
	_ = s.sessions.RecordTurn(sessionID)
	if resp.RequiresConfirmation && resp.PlanID != "" {
		_ = s.sessions.SetPendingPlan(sessionID, resp.PlanID)
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

func (s *Server) send(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		// Keep websocket writes single-threaded; drop if the queue is full.
	}
}

func replyMessage(sessionID string, resp pipeline.Response) protocol.AssistantReply {
	msg := protocol.AssistantReply{
		Type:      protocol.TypeAssistantReply,
		SessionID: sessionID,
		Text:      resp.Reply,
		Intent:    resp.Intent,
		PlanID:    resp.PlanID,
	}
	for _, o := range resp.Outcomes {
		msg.Outcomes = append(msg.Outcomes, protocol.StepOutcome{
			Service: o.Service,
			Target:  o.Target,
			Status:  o.Status,
			Error:   o.Error,
		})
	}
	return msg
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientUtterance:
		return m.Type, true
	case protocol.ClientConfirmation:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantReply:
		return m.Type, true
	case protocol.ConfirmationRequired:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

