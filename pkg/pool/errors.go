package pool

import (
	"errors"
	"fmt"
)

// Build stages reported by AgentConstructionError.
const (
	StageCredential  = "credential"
	StageToolServers = "toolservers"
	StageAgent       = "agent"
	StageBuild       = "build"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("session pool is closed")

// AgentConstructionError wraps a failure to build a user's session.
type AgentConstructionError struct {
	UserID string
	Stage  string
	Err    error
}

func (e *AgentConstructionError) Error() string {
	return fmt.Sprintf("failed to construct agent for user %s at %s stage: %v", e.UserID, e.Stage, e.Err)
}

func (e *AgentConstructionError) Unwrap() error {
	return e.Err
}
