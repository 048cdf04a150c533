package pool

import (
	"context"
	"fmt"

	"github.com/harun/officeagent/pkg/agent"
	"github.com/harun/officeagent/pkg/credential"
	"github.com/harun/officeagent/pkg/toolserver"
)

// Refresher brings a credential up to date before tool servers see it.
type Refresher interface {
	Fresh(ctx context.Context, userID string, cred credential.Credential) (credential.Credential, error)
}

// ToolBuilder starts the tool servers for one user.
type ToolBuilder interface {
	Build(ctx context.Context, userID, accessToken string) (ToolRegistry, error)
}

// ToolBuilderFunc adapts a function to ToolBuilder.
type ToolBuilderFunc func(ctx context.Context, userID, accessToken string) (ToolRegistry, error)

func (f ToolBuilderFunc) Build(ctx context.Context, userID, accessToken string) (ToolRegistry, error) {
	return f(ctx, userID, accessToken)
}

// OrchestratorTools adapts a tool server orchestrator to ToolBuilder.
func OrchestratorTools(o *toolserver.Orchestrator) ToolBuilder {
	return ToolBuilderFunc(func(ctx context.Context, userID, accessToken string) (ToolRegistry, error) {
		reg, err := o.Build(ctx, userID, accessToken)
		if err != nil {
			return nil, err
		}
		return reg, nil
	})
}

// AgentFactory binds an agent to a user's tools.
type AgentFactory interface {
	New(userID string, tools agent.ToolSet) (*agent.ToolAgent, error)
}

// DefaultBuilder refreshes the credential, starts the tool servers and
// creates the agent, in that order.
type DefaultBuilder struct {
	Credentials Refresher
	ToolServers ToolBuilder
	Agents      AgentFactory
}

// Build implements Builder. Failures are reported as AgentConstructionError
// tagged with the stage that failed; nothing started is left running.
func (b *DefaultBuilder) Build(ctx context.Context, userID string, cred credential.Credential) (*Resources, error) {
	if b.ToolServers == nil || b.Agents == nil {
		return nil, &AgentConstructionError{UserID: userID, Stage: StageBuild, Err: fmt.Errorf("builder is not configured")}
	}

	if b.Credentials != nil {
		fresh, err := b.Credentials.Fresh(ctx, userID, cred)
		if err != nil {
			return nil, &AgentConstructionError{UserID: userID, Stage: StageCredential, Err: err}
		}
		cred = fresh
	}

	tools, err := b.ToolServers.Build(ctx, userID, cred.AccessToken)
	if err != nil {
		return nil, &AgentConstructionError{UserID: userID, Stage: StageToolServers, Err: err}
	}

	a, err := b.Agents.New(userID, tools)
	if err != nil {
		tools.Close()
		return nil, &AgentConstructionError{UserID: userID, Stage: StageAgent, Err: err}
	}

	return &Resources{Agent: a, Tools: tools}, nil
}
