package toolserver

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Launcher turns a Spec and its environment into an MCP transport.
type Launcher interface {
	Launch(ctx context.Context, spec Spec, env []string) (mcp.Transport, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, spec Spec, env []string) (mcp.Transport, error)

func (f LauncherFunc) Launch(ctx context.Context, spec Spec, env []string) (mcp.Transport, error) {
	return f(ctx, spec, env)
}

// CommandLauncher starts tool servers as local subprocesses speaking MCP on stdio.
type CommandLauncher struct {
	// Dir is the working directory of the child; empty inherits ours.
	Dir string
}

// Launch resolves the command and prepares it. The process is started by the
// MCP client during Connect and lives until the session is closed, so it is
// not bound to ctx.
func (l CommandLauncher) Launch(ctx context.Context, spec Spec, env []string) (mcp.Transport, error) {
	if spec.Transport != "" && spec.Transport != TransportStdio {
		return nil, fmt.Errorf("unsupported transport %q", spec.Transport)
	}

	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("command %q not found: %w", spec.Command, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = env
	cmd.Dir = l.Dir

	return &processTransport{inner: &mcp.CommandTransport{Command: cmd}}, nil
}

var errTerminated = errors.New("tool server terminated")

// processTransport is a CommandTransport whose process can be killed from
// another goroutine at any point, including before it was started.
type processTransport struct {
	inner *mcp.CommandTransport

	mu     sync.Mutex
	killed bool
}

func (t *processTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed {
		return nil, errTerminated
	}
	return t.inner.Connect(ctx)
}

// terminate kills the process. Its closed stdout fails any call still waiting
// on it, which lets the MCP session shut down.
func (t *processTransport) terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.killed = true
	if p := t.inner.Command.Process; p != nil {
		p.Kill()
	}
}

// pid returns the process id, or 0 if the process was never started.
func (t *processTransport) pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.inner.Command.Process; p != nil {
		return p.Pid
	}
	return 0
}

// terminator is implemented by transports that can force their tool server down.
type terminator interface {
	terminate()
}

// guardedTransport keeps the raw connection of any transport reachable so a
// stuck handshake can be broken from outside the MCP client.
type guardedTransport struct {
	mcp.Transport

	mu   sync.Mutex
	conn mcp.Connection
	dead bool
}

func (g *guardedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := g.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		conn.Close()
		return nil, errTerminated
	}
	g.conn = conn
	return conn, nil
}

// terminate kills the process when the transport owns one, and otherwise
// closes the raw connection under the MCP session.
func (g *guardedTransport) terminate() {
	if t, ok := g.Transport.(terminator); ok {
		t.terminate()
		return
	}

	g.mu.Lock()
	g.dead = true
	conn := g.conn
	g.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
