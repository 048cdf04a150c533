package pool

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/officeagent/pkg/agent"
	"github.com/harun/officeagent/pkg/credential"
	"github.com/harun/officeagent/pkg/toolserver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// trapClock blocks the first Now call made after arm until unblock is called.
type trapClock struct {
	*fakeClock
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newTrapClock() *trapClock {
	return &trapClock{
		fakeClock: newFakeClock(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (c *trapClock) arm()     { c.armed.Store(true) }
func (c *trapClock) unblock() { close(c.release) }

func (c *trapClock) Now() time.Time {
	if c.armed.CompareAndSwap(true, false) {
		close(c.entered)
		<-c.release
	}
	return c.fakeClock.Now()
}

type fakeRegistry struct {
	closed atomic.Int32
}

func (r *fakeRegistry) Tools() []toolserver.Capability {
	return []toolserver.Capability{{Name: "list_emails", Domain: "gmail"}}
}

func (r *fakeRegistry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	return "ok", nil
}

func (r *fakeRegistry) Domains() []string { return []string{"gmail"} }

func (r *fakeRegistry) Close() error {
	r.closed.Add(1)
	return nil
}

type echoAgent struct{}

func (echoAgent) Run(ctx context.Context, message string) iter.Seq2[agent.Step, error] {
	return func(yield func(agent.Step, error) bool) {
		yield(agent.TextDelta{Text: message}, nil)
	}
}

// countingBuilder counts builds and can be held open with gate.
type countingBuilder struct {
	builds     atomic.Int32
	gate       chan struct{}
	err        error
	mu         sync.Mutex
	registries []*fakeRegistry
	cancelled  chan struct{}
}

func (b *countingBuilder) Build(ctx context.Context, userID string, cred credential.Credential) (*Resources, error) {
	b.builds.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			if b.cancelled != nil {
				close(b.cancelled)
			}
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	reg := &fakeRegistry{}
	b.mu.Lock()
	b.registries = append(b.registries, reg)
	b.mu.Unlock()
	return &Resources{Agent: echoAgent{}, Tools: reg}, nil
}

func (b *countingBuilder) registry(i int) *fakeRegistry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registries[i]
}

func newTestPool(t *testing.T, builder Builder, clock Clock) *Pool {
	t.Helper()
	logger := zerolog.Nop()
	p, err := New(Config{
		Builder:     builder,
		IdleTimeout: 10 * time.Minute,
		Clock:       clock,
		Logger:      &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

var testCred = credential.Credential{AccessToken: "ya29.token"}
