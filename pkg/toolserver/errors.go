package toolserver

import (
	"fmt"
	"time"
)

// SpawnError means a tool server could not be launched or failed its handshake.
type SpawnError struct {
	Domain string
	UserID string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s tool server for user %s: %v", e.Domain, e.UserID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// HandshakeTimeoutError means a tool server did not complete its handshake in time.
type HandshakeTimeoutError struct {
	Domain  string
	UserID  string
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("%s tool server for user %s did not complete handshake within %s", e.Domain, e.UserID, e.Timeout)
}

// ToolError is returned when a tool server reports a failed call.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %s failed", e.Tool)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// ValidationError means tool arguments did not match the tool's input schema.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Problems)
}
