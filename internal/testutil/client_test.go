package testutil

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClient_RecordsNotifications(t *testing.T) {
	c := NewFakeClient("c1")
	require.NoError(t, c.Notify("report", map[string]string{"type": "update"}))
	require.NoError(t, c.Notify("message", map[string]int{"n": 1}))

	assert.Equal(t, []string{"report", "message"}, c.Methods())
	n, ok := c.WaitFor("message", time.Second)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(n.Params))

	_, ok = c.WaitFor("missing", 10*time.Millisecond)
	assert.False(t, ok)
}

func TestFakeClient_FailNotify(t *testing.T) {
	c := NewFakeClient("c1")
	boom := errors.New("gone")
	c.FailNotify(boom)
	assert.ErrorIs(t, c.Notify("report", nil), boom)
	assert.Empty(t, c.Notifications())
}

func TestFakeClient_CloseRunsListenersOnce(t *testing.T) {
	c := NewFakeClient("c1")
	var order []int
	c.OnClose(func() { order = append(order, 1) })
	off := c.OnClose(func() { order = append(order, 2) })
	c.OnClose(func() { order = append(order, 3) })
	off()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, []int{1, 3}, order)
	assert.True(t, c.Closed())

	ran := false
	c.OnClose(func() { ran = true })
	assert.True(t, ran, "listener on closed client runs immediately")
}
