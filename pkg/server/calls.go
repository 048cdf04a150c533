package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/harun/officeagent/internal/tracing"
	"github.com/harun/officeagent/pkg/pool"
	"github.com/harun/officeagent/pkg/toolserver"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	telephonyDomain = "call_agent"
	makeCallTool    = "make_call"
)

var errNoTelephony = errors.New("no make_call tool is available for this user")

// handleMakeCall places an outbound call through the user's telephony tool
// server. Tool failures are reported in the body with status "error".
func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req MakeCallRequest
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !strings.HasPrefix(req.PhoneNumber, "+") {
		writeError(w, http.StatusBadRequest, "Phone number must be in international format (e.g., +1234567890)")
		return
	}
	if !s.allow(w, req.UserID) {
		return
	}

	ctx := requestContext(r.Context(), req.UserID)
	session, _, err := s.prepare(ctx, req.UserID, req.credentialRequest(r.Header.Get("Authorization")))
	if err != nil {
		s.fail(ctx, w, err)
		return
	}

	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("session_id", session.ID).Logger()

	out, err := placeCall(ctx, session, req)
	if err != nil {
		logger.Error().Err(err).Msg("Call failed")
		writeJSON(w, http.StatusOK, MakeCallResponse{
			Status:  "error",
			Message: fmt.Sprintf("Failed to initiate call: %v", err),
		})
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		s.fail(ctx, w, fmt.Errorf("failed to generate call id: %w", err))
		return
	}
	logger.Info().Str("call_id", "call_"+id).Str("result", out).Msg("Call initiated")

	writeJSON(w, http.StatusOK, MakeCallResponse{
		Status:  "success",
		Message: fmt.Sprintf("Call initiated to %s", req.PhoneNumber),
		CallID:  "call_" + id,
	})
}

// placeCall invokes the telephony tool, holding the session busy so a sweep
// cannot close it mid-call.
func placeCall(ctx context.Context, session *pool.Session, req MakeCallRequest) (string, error) {
	tools := session.Tools()
	if tools == nil {
		return "", errNoTelephony
	}
	name, ok := findCallTool(tools.Tools())
	if !ok {
		return "", errNoTelephony
	}

	args := map[string]any{"phone_number": req.PhoneNumber}
	if req.Context != "" {
		args["context"] = req.Context
	}

	session.Begin()
	defer session.End()
	return tools.Call(ctx, name, args)
}

// findCallTool prefers the telephony domain's tool, whose name may carry the
// domain prefix after a clash, over a same-named tool elsewhere.
func findCallTool(caps []toolserver.Capability) (string, bool) {
	fallback := ""
	for _, c := range caps {
		switch {
		case c.Domain == telephonyDomain && (c.Name == makeCallTool || c.Name == telephonyDomain+"_"+makeCallTool):
			return c.Name, true
		case c.Name == makeCallTool && fallback == "":
			fallback = c.Name
		}
	}
	return fallback, fallback != ""
}
