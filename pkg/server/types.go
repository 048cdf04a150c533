package server

import (
	"time"

	"github.com/harun/officeagent/pkg/credential"
	"github.com/harun/officeagent/pkg/stream"
)

// ChatRequest is the body of /chat, /chat/stream and each /chat/ws message.
type ChatRequest struct {
	Message      string `json:"message"`
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenURI     string `json:"token_uri,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// credentialRequest pairs the body with the Authorization header.
func (r ChatRequest) credentialRequest(authorization string) credential.Request {
	return credential.Request{
		UserID:        r.UserID,
		AccessToken:   r.AccessToken,
		RefreshToken:  r.RefreshToken,
		TokenURI:      r.TokenURI,
		ClientID:      r.ClientID,
		ClientSecret:  r.ClientSecret,
		Authorization: authorization,
	}
}

// ChatResponse is returned by /chat.
type ChatResponse struct {
	Response  string       `json:"response"`
	SessionID string       `json:"session_id"`
	Metadata  ChatMetadata `json:"metadata"`
	Timestamp time.Time    `json:"timestamp"`
}

// ChatMetadata describes how a reply was produced.
type ChatMetadata struct {
	ToolCalls        []stream.ToolCallRecord `json:"tool_calls"`
	CredentialSource credential.Source       `json:"credential_source,omitempty"`
	AgentCached      bool                    `json:"agent_cached"`
}

// MakeCallRequest is the body of /make-call. The credential fields follow
// ChatRequest; the call is placed by the user's telephony tool server.
type MakeCallRequest struct {
	PhoneNumber  string `json:"phone_number"`
	Context      string `json:"context,omitempty"`
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenURI     string `json:"token_uri,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

func (r MakeCallRequest) credentialRequest(authorization string) credential.Request {
	return credential.Request{
		UserID:        r.UserID,
		AccessToken:   r.AccessToken,
		RefreshToken:  r.RefreshToken,
		TokenURI:      r.TokenURI,
		ClientID:      r.ClientID,
		ClientSecret:  r.ClientSecret,
		Authorization: authorization,
	}
}

// MakeCallResponse is returned by /make-call. CallID is empty on failure.
type MakeCallResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	CallID  string `json:"call_id,omitempty"`
}

// AgentStatusResponse is returned by /agent-status/{user_id}.
type AgentStatusResponse struct {
	UserID            string     `json:"user_id"`
	AgentCached       bool       `json:"agent_cached"`
	LastUsed          *time.Time `json:"last_used"`
	SessionID         string     `json:"session_id,omitempty"`
	Domains           []string   `json:"domains,omitempty"`
	TotalCachedAgents int        `json:"total_cached_agents"`
}

// CacheResponse is returned by DELETE /agent-cache/{user_id}.
type CacheResponse struct {
	Status  string `json:"status"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    float64    `json:"uptime_seconds"`
	AgentPool PoolHealth `json:"agent_pool"`
}

// PoolHealth summarizes the session pool.
type PoolHealth struct {
	TotalCachedAgents  int     `json:"total_cached_agents"`
	ActiveRuns         int     `json:"active_runs"`
	PendingBuilds      int     `json:"pending_builds"`
	IdleTimeoutSeconds float64 `json:"idle_timeout_seconds"`
}

// ErrorResponse is the body of every error status.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
