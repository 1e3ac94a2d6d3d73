package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/pubsub"
	"github.com/roach88/pear/internal/state"
)

type recordingClient struct {
	id   string
	fail bool

	mu   sync.Mutex
	sent []string
}

func (c *recordingClient) ID() string { return c.id }

func (c *recordingClient) Notify(method string, _ any) error {
	if c.fail {
		return errors.New("gone")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, method)
	return nil
}

func (c *recordingClient) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.sent...)
}

func TestApp_ReportIsSticky(t *testing.T) {
	a := New(Options{ID: "c1@s1", StartID: "s1"})
	c := &recordingClient{id: "c1"}
	a.Attach(c)
	assert.Nil(t, a.Reported())

	a.Report(Report{Type: ReportError, Err: errs.Internal("boom")})

	got := a.Reported()
	require.NotNil(t, got)
	assert.Equal(t, ReportError, got.Type)

	sub, sticky := a.Reports()
	defer sub.Close()
	require.NotNil(t, sticky)
	assert.Equal(t, errs.ErrInternal, sticky.Err.Code)
	assert.Equal(t, []string{NotifyReport}, c.methods())
}

func TestApp_ReportsInPublishOrder(t *testing.T) {
	a := New(Options{ID: "a"})
	sub, _ := a.Reports()
	defer sub.Close()

	a.Report(Report{Type: ReportUpdate, Message: "1"})
	a.Report(Report{Type: ReportUpdate, Message: "2"})

	ctx := context.Background()
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	second, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", first.Message)
	assert.Equal(t, "2", second.Message)
}

func TestApp_MessagesByPattern(t *testing.T) {
	a := New(Options{ID: "a"})
	sub := a.Messages(pubsub.Message{"type": "pear/wakeup"})
	defer sub.Close()

	a.Message(pubsub.Message{"type": "other"})
	a.Message(pubsub.Message{"type": "pear/wakeup", "link": "pear://x"})

	got, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pear://x", got["link"])
}

func TestApp_AttachDetach(t *testing.T) {
	a := New(Options{ID: "a"})
	a.Attach(&recordingClient{id: "b"})
	a.Attach(&recordingClient{id: "a"})
	a.Attach(&recordingClient{id: "a"})

	clients := a.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "a", clients[0].ID())
	assert.Equal(t, 1, a.Detach("a"))
	assert.Equal(t, 0, a.Detach("b"))
}

func TestApp_UnloadWaitsForClients(t *testing.T) {
	a := New(Options{ID: "a"})
	one := &recordingClient{id: "one"}
	gone := &recordingClient{id: "gone", fail: true}
	a.Attach(one)
	a.Attach(gone)

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Unloaded("one")
	}()
	assert.True(t, a.Unload(context.Background(), time.Second))
	assert.True(t, a.Unloading())
	assert.Equal(t, []string{NotifyUnloading}, one.methods())
}

func TestApp_UnloadTimesOut(t *testing.T) {
	a := New(Options{ID: "a"})
	a.Attach(&recordingClient{id: "slow"})
	assert.False(t, a.Unload(context.Background(), 10*time.Millisecond))
}

func TestApp_TeardownEndsSubscriptions(t *testing.T) {
	a := New(Options{ID: "a"})
	c := &recordingClient{id: "c"}
	a.Attach(c)
	warm, _ := a.Warming()
	msgs := a.Messages(nil)

	a.Teardown()
	a.Teardown()

	_, err := warm.Next(context.Background())
	assert.ErrorIs(t, err, pubsub.ErrClosed)
	_, err = msgs.Next(context.Background())
	assert.ErrorIs(t, err, pubsub.ErrClosed)
	assert.True(t, a.Torndown())
	assert.Equal(t, []string{NotifyTeardown}, c.methods())
}

func TestApp_RestartInfo(t *testing.T) {
	a := New(Options{ID: "a", PID: 42, CmdArgs: []string{"run", "."}, Runtime: "/usr/bin/pear"})
	a.SetState(&state.State{Cwd: "/home", Dir: "/home/app", Options: state.Options{Type: "terminal"}})
	a.SetMinvering(true)

	r := a.RestartInfo()
	assert.Equal(t, 42, r.PID)
	assert.Equal(t, "/home/app", r.Dir)
	assert.Equal(t, "terminal", r.Options.Type)
	assert.True(t, r.Run)
	assert.True(t, a.Minvering())
}

func TestApp_WarmingIsStickyForLateSubscribers(t *testing.T) {
	a := New(Options{ID: "a"})
	sub, last := a.Warming()
	assert.Nil(t, last)
	sub.Close()

	a.Warm(Warming{Files: 3, Success: true})

	sub, last = a.Warming()
	defer sub.Close()
	require.NotNil(t, last)
	assert.Equal(t, Warming{Files: 3, Success: true}, *last)
}
