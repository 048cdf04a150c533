package toolserver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var officeTools = map[string][]string{
	"gmail":      {"send_email", "list_emails"},
	"calendar":   {"list_events", "create_event"},
	"call_agent": {"make_call"},
}

func TestNewRequiresSpecs(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNewRejectsDuplicateSpecs(t *testing.T) {
	_, err := New(Config{Specs: append(specsFor("gmail"), specsFor("gmail")...)})
	assert.Error(t, err)
}

func TestNewRejectsTokenOverride(t *testing.T) {
	spec := specsFor("gmail")[0]
	spec.Env = map[string]string{EnvAccessToken: "leak"}
	_, err := New(Config{Specs: []Spec{spec}})
	assert.Error(t, err)
}

func TestBuildAggregatesTools(t *testing.T) {
	launcher := newFakeLauncher(t, officeTools)
	o := newTestOrchestrator(t, launcher, 5*time.Second, "gmail", "calendar", "call_agent")

	registry, err := o.Build(context.Background(), "alice", "ya29.alice")
	require.NoError(t, err)
	defer registry.Close()

	assert.Equal(t, []string{"calendar", "call_agent", "gmail"}, registry.Domains())
	assert.Len(t, registry.Tools(), 5)

	capability, ok := registry.Lookup("send_email")
	require.True(t, ok)
	assert.Equal(t, "gmail", capability.Domain)
	assert.Contains(t, string(capability.InputSchema), "subject")

	assert.Equal(t, int32(3), launcher.tracker.opened.Load())
}

func TestBuildPassesPerUserEnvironment(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("OFFICEAGENT_AGENT_API_KEY", "must-not-leak")

	launcher := newFakeLauncher(t, officeTools)
	o := newTestOrchestrator(t, launcher, 5*time.Second, "gmail", "calendar")

	alice, err := o.Build(context.Background(), "alice", "token-a")
	require.NoError(t, err)
	defer alice.Close()
	aliceEnv := launcher.env("gmail")

	bob, err := o.Build(context.Background(), "bob", "token-b")
	require.NoError(t, err)
	defer bob.Close()
	bobEnv := launcher.env("gmail")

	assert.Contains(t, aliceEnv, "GOOGLE_ACCESS_TOKEN=token-a")
	assert.Contains(t, aliceEnv, "USER_ID=alice")
	assert.Contains(t, aliceEnv, "PATH=/usr/bin")
	assert.Contains(t, bobEnv, "GOOGLE_ACCESS_TOKEN=token-b")
	assert.NotContains(t, bobEnv, "GOOGLE_ACCESS_TOKEN=token-a")

	for _, kv := range append(aliceEnv, bobEnv...) {
		assert.False(t, strings.HasPrefix(kv, "OFFICEAGENT_"), "unexpected variable %s", kv)
	}

	out, err := bob.Call(context.Background(), "list_emails", nil)
	require.NoError(t, err)
	assert.Equal(t, "gmail:list_emails:bob", out)
}

func TestBuildTeardownOnPartialFailure(t *testing.T) {
	launcher := newFakeLauncher(t, officeTools)
	spawnErr := errors.New("exec: uv: not found")

	release := make(chan struct{})
	launcher.custom["calendar"] = func() (mcp.Transport, error) {
		go func() {
			for launcher.tracker.opened.Load() < 2 {
				time.Sleep(5 * time.Millisecond)
			}
			close(release)
		}()
		return &failingTransport{release: release, err: spawnErr}, nil
	}

	o := newTestOrchestrator(t, launcher, 5*time.Second, "gmail", "calendar", "call_agent")

	registry, err := o.Build(context.Background(), "alice", "token")

	assert.Nil(t, registry)
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "calendar", se.Domain)
	assert.Equal(t, "alice", se.UserID)

	assert.Equal(t, int32(2), launcher.tracker.opened.Load())
	waitFor(t, func() bool { return launcher.tracker.closed.Load() == 2 })
}

func TestBuildLaunchFailure(t *testing.T) {
	launcher := newFakeLauncher(t, officeTools)
	launcher.custom["call_agent"] = func() (mcp.Transport, error) {
		return nil, errors.New("command not found")
	}
	o := newTestOrchestrator(t, launcher, 5*time.Second, "gmail", "call_agent")

	_, err := o.Build(context.Background(), "alice", "token")

	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "call_agent", se.Domain)
	waitFor(t, func() bool { return launcher.tracker.opened.Load() == launcher.tracker.closed.Load() })
}

func TestBuildHandshakeTimeout(t *testing.T) {
	launcher := newFakeLauncher(t, officeTools)
	launcher.custom["calendar"] = func() (mcp.Transport, error) {
		return hungTransport(), nil
	}
	o := newTestOrchestrator(t, launcher, 100*time.Millisecond, "gmail", "calendar")

	start := time.Now()
	_, err := o.Build(context.Background(), "alice", "token")

	var hte *HandshakeTimeoutError
	require.ErrorAs(t, err, &hte)
	assert.Equal(t, "calendar", hte.Domain)
	assert.Equal(t, 100*time.Millisecond, hte.Timeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	waitFor(t, func() bool { return launcher.tracker.opened.Load() == launcher.tracker.closed.Load() })
}

func TestBuildCancelledByCaller(t *testing.T) {
	launcher := newFakeLauncher(t, officeTools)
	launcher.custom["calendar"] = func() (mcp.Transport, error) {
		return hungTransport(), nil
	}
	o := newTestOrchestrator(t, launcher, 5*time.Second, "gmail", "calendar")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := o.Build(ctx, "alice", "token")

	var se *SpawnError
	assert.ErrorAs(t, err, &se, "a cancelled caller is not a handshake timeout")
	waitFor(t, func() bool { return launcher.tracker.opened.Load() == launcher.tracker.closed.Load() })
}

func TestBuildPrefixesClashingToolNames(t *testing.T) {
	launcher := newFakeLauncher(t, map[string][]string{
		"gmail":    {"search"},
		"calendar": {"search"},
	})
	o := newTestOrchestrator(t, launcher, 5*time.Second, "gmail", "calendar")

	registry, err := o.Build(context.Background(), "alice", "token")
	require.NoError(t, err)
	defer registry.Close()

	names := make([]string, 0)
	for _, c := range registry.Tools() {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"search", "calendar_search"}, names)

	out, err := registry.Call(context.Background(), "calendar_search", nil)
	require.NoError(t, err)
	assert.Equal(t, "calendar:search:alice", out)
}
