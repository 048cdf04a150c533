package toolserver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type sendEmailArgs struct {
	To      string `json:"to" jsonschema:"recipient address"`
	Subject string `json:"subject" jsonschema:"subject line"`
}

type listArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of results"`
}

// newDomainServer returns an in-memory MCP server exposing the named tools.
// Every tool echoes the domain, the tool name and the user id it was started for.
func newDomainServer(domain, userID string, tools ...string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: domain, Version: "v0.0.1"}, nil)
	for _, name := range tools {
		switch {
		case name == "send_email":
			mcp.AddTool(server, &mcp.Tool{Name: name, Description: "Send an email"},
				func(ctx context.Context, req *mcp.CallToolRequest, in sendEmailArgs) (*mcp.CallToolResult, any, error) {
					return &mcp.CallToolResult{
						Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("sent %q to %s as %s", in.Subject, in.To, userID)}},
					}, nil, nil
				})
		case strings.HasPrefix(name, "fail_"):
			mcp.AddTool(server, &mcp.Tool{Name: name, Description: "Always fails"},
				func(ctx context.Context, req *mcp.CallToolRequest, in listArgs) (*mcp.CallToolResult, any, error) {
					return &mcp.CallToolResult{
						IsError: true,
						Content: []mcp.Content{&mcp.TextContent{Text: "quota exceeded"}},
					}, nil, nil
				})
		default:
			mcp.AddTool(server, &mcp.Tool{Name: name, Description: domain + " " + name},
				func(ctx context.Context, req *mcp.CallToolRequest, in listArgs) (*mcp.CallToolResult, any, error) {
					return &mcp.CallToolResult{
						Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s:%s:%s", domain, name, userID)}},
					}, nil, nil
				})
		}
	}
	return server
}

// connTracker counts connections opened and closed through tracked transports.
type connTracker struct {
	opened atomic.Int32
	closed atomic.Int32
}

type trackedTransport struct {
	mcp.Transport
	tracker *connTracker
}

func (t *trackedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	t.tracker.opened.Add(1)
	return &trackedConn{Connection: conn, tracker: t.tracker}, nil
}

type trackedConn struct {
	mcp.Connection
	tracker *connTracker
	once    sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.tracker.closed.Add(1) })
	return c.Connection.Close()
}

// failingTransport fails its Connect once release is closed.
type failingTransport struct {
	release <-chan struct{}
	err     error
}

func (f *failingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, f.err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// hungTransport accepts the connection but never answers.
func hungTransport() mcp.Transport {
	pr, _ := io.Pipe()
	return &mcp.IOTransport{Reader: pr, Writer: nopWriteCloser{io.Discard}}
}

// fakeLauncher serves each domain from an in-memory MCP server.
type fakeLauncher struct {
	t       *testing.T
	tools   map[string][]string
	tracker *connTracker
	custom  map[string]func() (mcp.Transport, error)

	mu   sync.Mutex
	envs map[string][]string
}

func newFakeLauncher(t *testing.T, tools map[string][]string) *fakeLauncher {
	return &fakeLauncher{
		t:       t,
		tools:   tools,
		tracker: &connTracker{},
		custom:  make(map[string]func() (mcp.Transport, error)),
		envs:    make(map[string][]string),
	}
}

func (f *fakeLauncher) Launch(ctx context.Context, spec Spec, env []string) (mcp.Transport, error) {
	f.mu.Lock()
	f.envs[spec.Name] = env
	custom := f.custom[spec.Name]
	f.mu.Unlock()

	if custom != nil {
		return custom()
	}

	userID := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvUserID+"=") {
			userID = strings.TrimPrefix(kv, EnvUserID+"=")
		}
	}

	server := newDomainServer(spec.Name, userID, f.tools[spec.Name]...)
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	_, err := server.Connect(context.Background(), serverTransport, nil)
	require.NoError(f.t, err)

	return &trackedTransport{Transport: clientTransport, tracker: f.tracker}, nil
}

func (f *fakeLauncher) env(domain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envs[domain]
}

func specsFor(names ...string) []Spec {
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		specs = append(specs, Spec{Name: name, Transport: TransportStdio, Command: "uv", Args: []string{"run", name + "/server.py"}})
	}
	return specs
}

func newTestOrchestrator(t *testing.T, launcher Launcher, timeout time.Duration, names ...string) *Orchestrator {
	t.Helper()
	logger := zerolog.Nop()
	o, err := New(Config{
		Specs:            specsFor(names...),
		Launcher:         launcher,
		HandshakeTimeout: timeout,
		Logger:           &logger,
	})
	require.NoError(t, err)
	return o
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
