// Package server exposes the chat agent over HTTP.
//
// Routes:
//
//	POST   /chat                     run one message, return the whole reply
//	POST   /chat/stream              the same, as server-sent events
//	GET    /chat/ws                  one chat turn per websocket message
//	GET    /agent-status/{user_id}   cached session details
//	DELETE /agent-cache/{user_id}    evict a user's session
//	GET    /health                   pool summary
//	GET    /metrics                  Prometheus metrics
//
// Each route is also served under /api.
package server
