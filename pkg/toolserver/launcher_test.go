package toolserver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processGone reports whether pid has exited. A zombie counts as gone.
func processGone(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	stat := string(data)
	fields := strings.Fields(stat[strings.LastIndexByte(stat, ')')+1:])
	return len(fields) > 0 && fields[0] == "Z"
}

func requireSleep(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("process inspection needs /proc")
	}
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
}

// silentLauncher launches real commands and remembers the transports.
type silentLauncher struct {
	mu       sync.Mutex
	launched []*processTransport
}

func (l *silentLauncher) Launch(ctx context.Context, spec Spec, env []string) (mcp.Transport, error) {
	tr, err := CommandLauncher{}.Launch(ctx, spec, env)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.launched = append(l.launched, tr.(*processTransport))
	l.mu.Unlock()
	return tr, nil
}

func (l *silentLauncher) pids() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	pids := make([]int, 0, len(l.launched))
	for _, tr := range l.launched {
		pids = append(pids, tr.pid())
	}
	return pids
}

func newSleepOrchestrator(t *testing.T, launcher Launcher, timeout time.Duration) *Orchestrator {
	t.Helper()
	logger := zerolog.Nop()
	o, err := New(Config{
		Specs: []Spec{
			{Name: "call_agent", Transport: TransportStdio, Command: "sleep", Args: []string{"3600"}},
		},
		Launcher:         launcher,
		HandshakeTimeout: timeout,
		Logger:           &logger,
	})
	require.NoError(t, err)
	return o
}

func TestBuildKillsUnresponsiveProcess(t *testing.T) {
	requireSleep(t)
	launcher := &silentLauncher{}
	o := newSleepOrchestrator(t, launcher, 200*time.Millisecond)

	start := time.Now()
	registry, err := o.Build(context.Background(), "alice", "token")

	assert.Nil(t, registry)
	var hte *HandshakeTimeoutError
	require.ErrorAs(t, err, &hte)
	assert.Equal(t, "call_agent", hte.Domain)
	assert.Less(t, time.Since(start), 5*time.Second)

	pids := launcher.pids()
	require.Len(t, pids, 1)
	require.NotZero(t, pids[0])
	waitFor(t, func() bool { return processGone(pids[0]) })
}

func TestBuildCallerCancelKillsProcess(t *testing.T) {
	requireSleep(t)
	launcher := &silentLauncher{}
	o := newSleepOrchestrator(t, launcher, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := o.Build(ctx, "alice", "token")

	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Less(t, time.Since(start), 5*time.Second)

	pids := launcher.pids()
	require.Len(t, pids, 1)
	waitFor(t, func() bool { return processGone(pids[0]) })
}

func TestProcessTransportTerminatedBeforeStart(t *testing.T) {
	requireSleep(t)
	tr, err := CommandLauncher{}.Launch(context.Background(),
		Spec{Name: "gmail", Command: "sleep", Args: []string{"3600"}}, nil)
	require.NoError(t, err)

	pt := tr.(*processTransport)
	pt.terminate()

	_, err = pt.Connect(context.Background())
	assert.ErrorIs(t, err, errTerminated)
	assert.Zero(t, pt.pid())
}
