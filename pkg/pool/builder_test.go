package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/officeagent/pkg/agent"
	"github.com/harun/officeagent/pkg/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	token string
	err   error
}

func (r fakeRefresher) Fresh(ctx context.Context, userID string, cred credential.Credential) (credential.Credential, error) {
	if r.err != nil {
		return credential.Credential{}, r.err
	}
	return cred.WithAccessToken(r.token, cred.Source), nil
}

type fakeAgents struct {
	err error
}

func (f fakeAgents) New(userID string, tools agent.ToolSet) (*agent.ToolAgent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &agent.ToolAgent{}, nil
}

func TestDefaultBuilderStages(t *testing.T) {
	var seenToken string
	reg := &fakeRegistry{}
	tools := ToolBuilderFunc(func(ctx context.Context, userID, accessToken string) (ToolRegistry, error) {
		seenToken = accessToken
		return reg, nil
	})

	t.Run("success uses refreshed token", func(t *testing.T) {
		b := &DefaultBuilder{
			Credentials: fakeRefresher{token: "refreshed"},
			ToolServers: tools,
			Agents:      fakeAgents{},
		}

		res, err := b.Build(context.Background(), "alice", testCred)
		require.NoError(t, err)
		assert.NotNil(t, res.Agent)
		assert.Same(t, reg, res.Tools)
		assert.Equal(t, "refreshed", seenToken)
	})

	t.Run("without refresher the token is used as given", func(t *testing.T) {
		b := &DefaultBuilder{ToolServers: tools, Agents: fakeAgents{}}

		_, err := b.Build(context.Background(), "alice", testCred)
		require.NoError(t, err)
		assert.Equal(t, testCred.AccessToken, seenToken)
	})

	t.Run("credential failure", func(t *testing.T) {
		b := &DefaultBuilder{
			Credentials: fakeRefresher{err: &credential.AuthError{UserID: "alice", Reason: "refresh failed"}},
			ToolServers: tools,
			Agents:      fakeAgents{},
		}

		_, err := b.Build(context.Background(), "alice", testCred)
		var ace *AgentConstructionError
		require.ErrorAs(t, err, &ace)
		assert.Equal(t, StageCredential, ace.Stage)

		var authErr *credential.AuthError
		assert.ErrorAs(t, err, &authErr)
	})

	t.Run("tool server failure", func(t *testing.T) {
		b := &DefaultBuilder{
			ToolServers: ToolBuilderFunc(func(ctx context.Context, userID, accessToken string) (ToolRegistry, error) {
				return nil, errors.New("spawn failed")
			}),
			Agents: fakeAgents{},
		}

		_, err := b.Build(context.Background(), "alice", testCred)
		var ace *AgentConstructionError
		require.ErrorAs(t, err, &ace)
		assert.Equal(t, StageToolServers, ace.Stage)
	})

	t.Run("agent failure closes tool servers", func(t *testing.T) {
		closing := &fakeRegistry{}
		b := &DefaultBuilder{
			ToolServers: ToolBuilderFunc(func(ctx context.Context, userID, accessToken string) (ToolRegistry, error) {
				return closing, nil
			}),
			Agents: fakeAgents{err: errors.New("no provider")},
		}

		_, err := b.Build(context.Background(), "alice", testCred)
		var ace *AgentConstructionError
		require.ErrorAs(t, err, &ace)
		assert.Equal(t, StageAgent, ace.Stage)
		assert.Equal(t, int32(1), closing.closed.Load())
	})

	t.Run("unconfigured", func(t *testing.T) {
		_, err := (&DefaultBuilder{}).Build(context.Background(), "alice", testCred)
		assert.Error(t, err)
	})
}
