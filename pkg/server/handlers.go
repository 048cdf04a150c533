package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/officeagent/internal/tracing"
	"github.com/harun/officeagent/pkg/credential"
	"github.com/harun/officeagent/pkg/pool"
	"github.com/harun/officeagent/pkg/stream"
)

// emptyReply is sent when a run completes without any assistant text.
const emptyReply = "I processed your request. Let me know if you need anything else!"

// decodeChat reads and validates a chat body, writing 400 on failure.
func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return req, false
	}
	if err := validateChat(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func validateChat(req *ChatRequest) error {
	req.Message = strings.TrimSpace(req.Message)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return errors.New("user_id is required")
	}
	if req.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// allow applies the per-user rate limit, writing 429 when exceeded.
func (s *Server) allow(w http.ResponseWriter, userID string) bool {
	if s.rateLimiter.Allow(userID) {
		return true
	}
	retryAfter := s.rateLimiter.RetryAfter(userID)
	s.logger.Warn().
		Str("user_id", userID).
		Int("retry_after", retryAfter).
		Msg("Rate limit exceeded")

	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeError(w, http.StatusTooManyRequests, "Too Many Requests")
	return false
}

// prepare resolves the credential and acquires the user's session.
func (s *Server) prepare(ctx context.Context, userID string, creq credential.Request) (*pool.Session, credential.Credential, error) {
	cred, err := s.credentials.Resolve(ctx, creq)
	if err != nil {
		return nil, cred, err
	}

	session, err := s.sessions.Acquire(ctx, userID, cred)
	if err != nil {
		return nil, cred, err
	}
	return session, cred, nil
}

// requestContext starts the trace for one chat turn.
func requestContext(ctx context.Context, userID string) context.Context {
	return tracing.NewRunContext(tracing.NewRequestContext(ctx), userID)
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status := errorStatus(err)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Error().
		Err(err).
		Str("stage", stage(err)).
		Int("status", status).
		Msg("Chat request failed")
	writeError(w, status, err.Error())
}

// handleChat runs one message to completion and returns the reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	if !s.allow(w, req.UserID) {
		return
	}

	ctx := requestContext(r.Context(), req.UserID)
	prior, cached := s.sessions.Lookup(req.UserID)
	session, cred, err := s.prepare(ctx, req.UserID, req.credentialRequest(r.Header.Get("Authorization")))
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	cached = cached && prior == session

	result, err := s.streamer.RunToCompletion(ctx, session, req.Message)
	if err != nil {
		s.fail(ctx, w, err)
		return
	}
	if result.Response == "" {
		result.Response = emptyReply
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_id", session.ID).
		Int("tool_calls", len(result.ToolCalls)).
		Int("response_chars", len(result.Response)).
		Dur("duration", time.Since(start)).
		Msg("Chat request completed")

	writeJSON(w, http.StatusOK, ChatResponse{
		Response:  result.Response,
		SessionID: session.ID,
		Metadata: ChatMetadata{
			ToolCalls:        result.ToolCalls,
			CredentialSource: cred.Source,
			AgentCached:      cached,
		},
		Timestamp: result.Timestamp,
	})
}

// handleChatStream streams events as server-sent events. Failures before the
// first event are reported with an HTTP status; later ones as an error event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	if !s.allow(w, req.UserID) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := requestContext(r.Context(), req.UserID)
	session, _, err := s.prepare(ctx, req.UserID, req.credentialRequest(r.Header.Get("Authorization")))
	if err != nil {
		s.fail(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	events := 0
	for event := range s.streamer.Run(ctx, session, req.Message) {
		data, err := json.Marshal(event)
		if err != nil {
			logger.Error().Err(err).Str("type", event.Type()).Msg("Failed to encode stream event")
			data, _ = json.Marshal(stream.Error{Message: "failed to encode event"})
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			logger.Debug().Err(err).Msg("Stream client went away")
			return
		}
		flusher.Flush()
		events++
	}

	logger.Info().
		Str("session_id", session.ID).
		Int("events", events).
		Dur("duration", time.Since(start)).
		Msg("Chat stream completed")
}

// handleChatWS serves one chat turn per inbound websocket message, replying
// with the same events as /chat/stream.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}
	s.addConn(conn)
	defer func() {
		s.removeConn(conn)
		conn.Close()
	}()

	ctx := tracing.ExtractHTTP(r.Context(), r.Header)
	authorization := r.Header.Get("Authorization")
	s.logger.Info().Str("ip", r.RemoteAddr).Msg("Websocket client connected")

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Websocket read failed")
			}
			return
		}

		if !s.begin() {
			conn.WriteJSON(stream.Error{Message: "server is shutting down"})
			return
		}
		err := s.serveTurn(ctx, conn, req, authorization)
		s.inFlightReqs.Done()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Websocket client went away")
			return
		}
	}
}

// serveTurn streams one websocket chat turn. It returns an error only when
// the connection can no longer be written to.
func (s *Server) serveTurn(ctx context.Context, conn *websocket.Conn, req ChatRequest, authorization string) error {
	if err := validateChat(&req); err != nil {
		return conn.WriteJSON(stream.Error{Message: err.Error()})
	}
	if !s.rateLimiter.Allow(req.UserID) {
		return conn.WriteJSON(stream.Error{
			Message: fmt.Sprintf("rate limit exceeded, retry after %ds", s.rateLimiter.RetryAfter(req.UserID)),
		})
	}

	ctx = requestContext(ctx, req.UserID)
	session, _, err := s.prepare(ctx, req.UserID, req.credentialRequest(authorization))
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().
			Err(err).
			Str("stage", stage(err)).
			Msg("Websocket chat turn failed")
		return conn.WriteJSON(stream.Error{Message: err.Error()})
	}

	for event := range s.streamer.Run(ctx, session, req.Message) {
		if err := conn.WriteJSON(event); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	resp := AgentStatusResponse{
		UserID:            userID,
		TotalCachedAgents: s.sessions.Stats().TotalCachedAgents,
	}
	if session, ok := s.sessions.Lookup(userID); ok {
		lastUsed := session.LastUsedAt().UTC()
		resp.AgentCached = true
		resp.LastUsed = &lastUsed
		resp.SessionID = session.ID
		resp.Domains = session.Domains()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgentCache(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	if s.sessions.Invalidate(userID) {
		s.logger.Info().Str("user_id", userID).Msg("Agent cache cleared")
		writeJSON(w, http.StatusOK, CacheResponse{
			Status:  "success",
			UserID:  userID,
			Message: fmt.Sprintf("Agent cache cleared for %s", userID),
		})
		return
	}

	writeJSON(w, http.StatusOK, CacheResponse{
		Status:  "not_found",
		UserID:  userID,
		Message: fmt.Sprintf("No cached agent for %s", userID),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.sessions.Stats()

	status := "healthy"
	code := http.StatusOK
	if s.shuttingDown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Seconds(),
		AgentPool: PoolHealth{
			TotalCachedAgents:  stats.TotalCachedAgents,
			ActiveRuns:         stats.ActiveRuns,
			PendingBuilds:      stats.PendingBuilds,
			IdleTimeoutSeconds: stats.IdleTimeout.Seconds(),
		},
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "online",
		"service":   "officeagent",
		"features":  []string{"mcp", "streaming", "websocket", "calls"},
		"timestamp": time.Now().UTC(),
	})
}
