package sidecar

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pear/internal/app"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/ops"
	"github.com/roach88/pear/internal/pubsub"
	"github.com/roach88/pear/internal/rpc"
	"github.com/roach88/pear/internal/state"
	"github.com/roach88/pear/internal/store"
	"github.com/roach88/pear/internal/stream"
	"github.com/roach88/pear/internal/updater"
	fixtures "github.com/roach88/pear/internal/testutil"
)

var platformKey = strings.Repeat("ab", 32)

type harness struct {
	s       *Sidecar
	cs      *drive.Corestore
	store   *store.Store
	updater *updater.Updater
	exits   chan int

	mu           sync.Mutex
	spawns       []app.Restart
	spawnedAfter []bool
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{cs: fixtures.Corestore(t), exits: make(chan int, 1)}

	st, err := store.Open(filepath.Join(t.TempDir(), "platform.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	h.store = st

	up, err := updater.New(updater.Options{Current: drive.Version{Key: platformKey, Length: 10}})
	require.NoError(t, err)
	t.Cleanup(up.Close)
	h.updater = up

	opts := Options{
		Store:      st,
		Corestore:  h.cs,
		Updater:    up,
		IDs:        fixtures.NewSequenceGenerator("start"),
		AppStorage: t.TempDir(),
		Runtime:    "pear-runtime",
		Spindown:   time.Hour,
		DeathClock: time.Hour,
		Spawn: func(r app.Restart) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.spawns = append(h.spawns, r)
			h.spawnedAfter = append(h.spawnedAfter, decommissioned(h.s))
			return nil
		},
		Exit: func(code int) { h.exits <- code },
	}
	if configure != nil {
		configure(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	h.s = s
	return h
}

func (h *harness) spawned() []app.Restart {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]app.Restart(nil), h.spawns...)
}

// spawnedAfterClose reports, per spawn, whether decommission had finished.
func (h *harness) spawnedAfterClose() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.spawnedAfter...)
}

func decommissioned(s *Sidecar) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startLocal(t *testing.T, h *harness, c Client, dir string) *StartResult {
	t.Helper()
	res, err := h.s.Start(ctxT(t), c, StartParams{Cwd: dir, Dir: dir})
	require.NoError(t, err)
	require.Nil(t, res.Bail)
	return res
}

func newSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, drive.EncryptionKeySize)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return secret
}

// stageProject stages dir into the harness corestore and returns the
// drive link and hex key.
func stageProject(t *testing.T, h *harness, dir string, secret []byte) (string, string) {
	t.Helper()
	target := ops.Target{Dir: dir, Channel: "dev"}
	if secret != nil {
		target.EncryptionKey = memguard.NewBufferFromBytes(append([]byte(nil), secret...))
	}
	events, err := ops.Stage(ctxT(t), ops.Deps{Corestore: h.cs}, ops.StageOptions{Target: target}).Collect(ctxT(t))
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Data.(stream.Final).Success, "stage failed: %v", events)
	for _, ev := range events {
		if ev.Tag == stream.TagComplete {
			c := ev.Data.(ops.Complete)
			return c.Link, c.Version.Key
		}
	}
	t.Fatal("stage emitted no complete event")
	return "", ""
}

func TestNew_RequiresServices(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStart_Local(t *testing.T) {
	h := newHarness(t, nil)
	dir := fixtures.Project(t, "demo")
	c := fixtures.NewFakeClient("c1")

	res := startLocal(t, h, c, dir)
	assert.Equal(t, "c1", res.ID)
	assert.Equal(t, "start-1", res.StartID)
	assert.Empty(t, res.Key)
	assert.Equal(t, "terminal", res.Type)
	require.NotNil(t, res.Bundle)
	assert.Equal(t, "/index.js", res.Bundle.Entrypoint)
	assert.Equal(t, []string{"/index.js", "/lib/index.js"}, res.Bundle.Files())

	cfg, err := h.s.Config(c)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, "start-1", cfg.StartID)
	assert.Equal(t, platformKey, cfg.Platform.Key)

	a := h.s.appOf(c)
	require.NotNil(t, a)
	sub, last := a.Warming()
	defer sub.Close()
	require.NotNil(t, last)
	assert.Equal(t, app.Warming{Files: 2, Success: true}, *last)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.s.metrics.Starts.WithLabelValues("ok")))
}

func TestStart_InvalidParams(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.s.Start(ctxT(t), fixtures.NewFakeClient("c1"), StartParams{})
	require.Error(t, err)
	assert.Equal(t, errs.ErrInvalidInput, errs.CodeOf(err))
}

func TestStart_MissingManifestClosesRun(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	c := fixtures.NewFakeClient("c1")

	_, err := h.s.Start(ctxT(t), c, StartParams{Cwd: dir, Dir: dir})
	require.Error(t, err)
	assert.Equal(t, errs.ErrInvalidProjectDir, errs.CodeOf(err))
	assert.Empty(t, h.s.apps())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.s.metrics.Starts.WithLabelValues("error")))
}

func TestStart_CoalescesSameStartID(t *testing.T) {
	h := newHarness(t, nil)
	dir := fixtures.Project(t, "demo")

	const n = 4
	results := make([]*StartResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := fixtures.NewFakeClient("c" + string(rune('a'+i)))
			res, err := h.s.Start(ctxT(t), c, StartParams{Cwd: dir, Dir: dir, StartID: "shared"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, float64(n-1), testutil.ToFloat64(h.s.metrics.Coalesced))
	apps := h.s.apps()
	require.Len(t, apps, 1)
	assert.Len(t, apps[0].Clients(), n)
}

func TestStart_UntrustedKeyBails(t *testing.T) {
	h := newHarness(t, nil)
	link, key := stageProject(t, h, fixtures.Project(t, "remote"), nil)
	c := fixtures.NewFakeClient("c1")

	res, err := h.s.Start(ctxT(t), c, StartParams{Cwd: t.TempDir(), Link: link})
	require.NoError(t, err)
	require.NotNil(t, res.Bail)
	assert.Equal(t, errs.ErrPermissionRequired, res.Bail.Code)
	assert.Equal(t, key, res.Bail.Info["key"])
	assert.Equal(t, false, res.Bail.Info["encrypted"])
	assert.Nil(t, h.s.appOf(c).Bundle())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.s.metrics.Starts.WithLabelValues("bail")))
}

func TestStart_TrustedDrive(t *testing.T) {
	h := newHarness(t, nil)
	link, key := stageProject(t, h, fixtures.Project(t, "remote"), nil)
	require.NoError(t, h.store.Trust(ctxT(t), key))
	c := fixtures.NewFakeClient("c1")

	res, err := h.s.Start(ctxT(t), c, StartParams{Cwd: t.TempDir(), Link: link, Flags: flagsWithCheckout("latest")})
	require.NoError(t, err)
	require.Nil(t, res.Bail)
	assert.Equal(t, key, res.Key)
	assert.Equal(t, key, res.Version.Key)
	assert.NotZero(t, res.Version.Length)
	require.NotNil(t, res.Bundle)
	assert.Contains(t, res.Bundle.Files(), "/lib/index.js")

	v := h.s.Versions(c)
	require.NotNil(t, v.App)
	assert.Equal(t, res.Version, *v.App)
	assert.Contains(t, v.Runtimes, "go")
}

func TestStart_EncryptedDrive(t *testing.T) {
	h := newHarness(t, nil)
	secret := newSecret(t)
	link, key := stageProject(t, h, fixtures.Project(t, "secret"), secret)
	flags := flagsWithCheckout("latest")
	flags.Trusted = true

	res, err := h.s.Start(ctxT(t), fixtures.NewFakeClient("c1"), StartParams{Cwd: t.TempDir(), Link: link, Flags: flags})
	require.NoError(t, err)
	require.NotNil(t, res.Bail)
	assert.Equal(t, errs.ErrPermissionRequired, res.Bail.Code)
	assert.Equal(t, true, res.Bail.Info["encrypted"])

	require.NoError(t, h.s.AddEncryptionKey(ctxT(t), addKeyParams{
		Name:   "team",
		Secret: hex.EncodeToString(secret),
		Key:    key,
	}))
	res, err = h.s.Start(ctxT(t), fixtures.NewFakeClient("c2"), StartParams{Cwd: t.TempDir(), Link: link, Flags: flags})
	require.NoError(t, err)
	require.Nil(t, res.Bail)
	assert.Equal(t, "terminal", res.Type)
}

func TestStart_UnknownEncryptionKeyName(t *testing.T) {
	h := newHarness(t, nil)
	link, _ := stageProject(t, h, fixtures.Project(t, "remote"), nil)
	flags := flagsWithCheckout("latest")
	flags.Trusted = true
	flags.EncryptionKey = "missing"

	_, err := h.s.Start(ctxT(t), fixtures.NewFakeClient("c1"), StartParams{Cwd: t.TempDir(), Link: link, Flags: flags})
	require.Error(t, err)
	assert.Equal(t, errs.ErrInvalidInput, errs.CodeOf(err))
}

func TestStart_WaitsForMinver(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	fixtures.WriteFiles(t, dir, map[string]string{
		"package.json": `{"name":"needy","main":"index.js","pear":{"type":"terminal","minver":{"key":"` + platformKey + `","length":20}}}`,
		"index.js":     "module.exports = 1\n",
	})
	waiting := fixtures.NewFakeClient("waiting")
	bystander := fixtures.NewFakeClient("bystander")
	startLocal(t, h, bystander, fixtures.Project(t, "other"))

	done := make(chan *StartResult, 1)
	go func() {
		res, err := h.s.Start(ctxT(t), waiting, StartParams{Cwd: dir, Dir: dir})
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		a := h.s.appOf(waiting)
		return a != nil && a.Minvering()
	}, 5*time.Second, 10*time.Millisecond)
	report := h.s.appOf(waiting).Reported()
	require.NotNil(t, report)
	assert.Equal(t, app.ReportUpdate, report.Type)

	select {
	case <-done:
		t.Fatal("start returned before the platform reached minver")
	case <-time.After(50 * time.Millisecond):
	}

	next := drive.Version{Key: platformKey, Length: 20}
	require.True(t, h.updater.Stage(next))

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, "terminal", res.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not resume after the update was staged")
	}

	note, ok := waiting.WaitFor(NotifyUpdate, 5*time.Second)
	require.True(t, ok)
	var u UpdateNotification
	require.NoError(t, json.Unmarshal(note.Params, &u))
	assert.Equal(t, UpdatePlatform, u.Kind)
	assert.Equal(t, next, u.Version)

	note, ok = bystander.WaitFor(NotifyUpdate, 5*time.Second)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(note.Params, &u))
	assert.False(t, u.Force)
}

func TestNotifyApp_SkipsMinveringApps(t *testing.T) {
	h := newHarness(t, nil)
	c := fixtures.NewFakeClient("c1")
	startLocal(t, h, c, fixtures.Project(t, "demo"))
	a := h.s.appOf(c)

	a.SetMinvering(true)
	assert.False(t, h.s.notifyApp(a, UpdateNotification{Kind: UpdatePlatform}))
	assert.True(t, h.s.notifyApp(a, UpdateNotification{Kind: UpdatePlatform, Force: true}))
	a.SetMinvering(false)
	assert.True(t, h.s.notifyApp(a, UpdateNotification{Kind: UpdatePlatform}))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.s.metrics.Updates.WithLabelValues(UpdatePlatform)))
}

func TestStart_DevWatchNotifiesChanges(t *testing.T) {
	h := newHarness(t, nil)
	dir := fixtures.Project(t, "demo")
	c := fixtures.NewFakeClient("c1")

	res, err := h.s.Start(ctxT(t), c, StartParams{Cwd: dir, Dir: dir, Flags: devFlags()})
	require.NoError(t, err)
	require.Nil(t, res.Bail)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "index.js"), []byte("module.exports = 2\n"), 0o644))
	note, ok := c.WaitFor(NotifyUpdate, 5*time.Second)
	require.True(t, ok)
	var u UpdateNotification
	require.NoError(t, json.Unmarshal(note.Params, &u))
	assert.Equal(t, UpdateApp, u.Kind)
	assert.NotEmpty(t, u.Paths)
}

func TestConnect_SpindownOnlyWithoutClients(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Spindown = 50 * time.Millisecond })
	c := fixtures.NewFakeClient("c1")
	h.s.Connect(c)
	assert.Equal(t, 1, h.s.Clients())

	select {
	case <-h.s.Done():
		t.Fatal("sidecar spun down with a client connected")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, c.Close())
	select {
	case <-h.s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sidecar did not spin down once idle")
	}
	assert.True(t, h.s.Closing())
	assert.Empty(t, h.exits)
}

func TestConnect_DuringDecommissionClosesClient(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.Close(ctxT(t)))

	c := fixtures.NewFakeClient("late")
	h.s.Connect(c)
	assert.True(t, c.Closed())

	_, err := h.s.Start(ctxT(t), c, StartParams{Cwd: t.TempDir()})
	assert.Equal(t, errs.ErrOpen, errs.CodeOf(err))
}

func TestClose_AppliesStagedUpdateAndClosesClients(t *testing.T) {
	var onClose int
	h := newHarness(t, func(o *Options) {
		o.OnClose = func() error { onClose++; return nil }
	})
	c := fixtures.NewFakeClient("c1")
	startLocal(t, h, c, fixtures.Project(t, "demo"))
	a := h.s.appOf(c)

	next := drive.Version{Key: platformKey, Length: 11}
	require.True(t, h.updater.Stage(next))
	require.NoError(t, h.s.Close(ctxT(t)))
	require.NoError(t, h.s.Close(ctxT(t)))

	assert.Equal(t, next, h.updater.Version())
	assert.True(t, c.Closed())
	assert.True(t, a.Torndown())
	assert.Equal(t, 1, onClose)
	assert.Zero(t, h.s.Clients())
}

func TestDeathClock_ForcesExit(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.DeathClock = 20 * time.Millisecond
		o.OnClose = func() error { <-block; return nil }
	})
	go h.s.Close(context.Background())

	select {
	case code := <-h.exits:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("death clock did not fire")
	}
	close(block)
	<-h.s.Done()
}

func TestRestart_Client(t *testing.T) {
	h := newHarness(t, nil)
	dir := fixtures.Project(t, "demo")
	c := fixtures.NewFakeClient("c1")
	_, err := h.s.Start(ctxT(t), c, StartParams{Cwd: dir, Dir: dir, CmdArgs: []string{"run", "."}, PID: 42})
	require.NoError(t, err)

	restarts, err := h.s.Restart(ctxT(t), c, RestartParams{})
	require.NoError(t, err)
	require.Len(t, restarts, 1)
	assert.Equal(t, []string{"run", "."}, restarts[0].CmdArgs)
	assert.Equal(t, dir, restarts[0].Cwd)
	assert.Equal(t, "pear-runtime", restarts[0].Runtime)
	assert.Equal(t, restarts, h.spawned())
	assert.True(t, c.Closed())
	assert.False(t, h.s.Closing())
}

func TestRestart_ClientWithoutApp(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.s.Restart(ctxT(t), fixtures.NewFakeClient("c1"), RestartParams{})
	assert.Equal(t, errs.ErrInvalidInput, errs.CodeOf(err))
}

func TestRestart_PlatformHard(t *testing.T) {
	h := newHarness(t, nil)
	startLocal(t, h, fixtures.NewFakeClient("c1"), fixtures.Project(t, "one"))
	startLocal(t, h, fixtures.NewFakeClient("c2"), fixtures.Project(t, "two"))

	restarts, err := h.s.Restart(ctxT(t), fixtures.NewFakeClient("c3"), RestartParams{Platform: true, Hard: true})
	require.NoError(t, err)
	assert.Len(t, restarts, 2)

	select {
	case <-h.s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("platform restart did not decommission")
	}
	h.s.Wait()
	assert.Equal(t, restarts, h.spawned())
	assert.Equal(t, []bool{true, true}, h.spawnedAfterClose(), "apps spawn only once the sidecar is gone")
}

func TestRestart_PlatformSoft(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.UnloadTimeout = time.Hour })
	c := fixtures.NewFakeClient("c1")
	startLocal(t, h, c, fixtures.Project(t, "demo"))
	a := h.s.appOf(c)
	require.NotNil(t, a)
	reloads := a.Messages(pubsub.Message{"type": MessageReload})
	defer reloads.Close()

	// The app sees the reload, gets the unloading notification and
	// acknowledges it. Nothing is respawned before that.
	acked := make(chan []app.Restart, 1)
	go func() {
		if _, ok := c.WaitFor(app.NotifyUnloading, 5*time.Second); !ok {
			acked <- nil
			return
		}
		acked <- h.spawned()
		a.Unloaded(c.ID())
	}()

	restarts, err := h.s.Restart(ctxT(t), fixtures.NewFakeClient("cli"), RestartParams{Platform: true})
	require.NoError(t, err)
	require.Len(t, restarts, 1)

	msg, err := reloads.Next(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, MessageReload, msg["type"])

	select {
	case before := <-acked:
		assert.Empty(t, before)
	case <-time.After(5 * time.Second):
		t.Fatal("app was never asked to unload")
	}
	assert.Contains(t, c.Methods(), app.NotifyUnloading)

	<-h.s.Done()
	h.s.Wait()
	assert.Equal(t, restarts, h.spawned())
	assert.Equal(t, []bool{true}, h.spawnedAfterClose())
}

func TestShutdown_ReturnsRestartInfo(t *testing.T) {
	h := newHarness(t, nil)
	startLocal(t, h, fixtures.NewFakeClient("c1"), fixtures.Project(t, "demo"))

	restarts := h.s.Shutdown()
	require.Len(t, restarts, 1)
	assert.True(t, restarts[0].Run)
	<-h.s.Done()
	assert.Empty(t, h.spawned())
}

func TestCloseClients(t *testing.T) {
	h := newHarness(t, nil)
	c1 := fixtures.NewFakeClient("c1")
	c2 := fixtures.NewFakeClient("c2")
	startLocal(t, h, c1, fixtures.Project(t, "demo"))
	h.s.Connect(c2)

	restarts := h.s.CloseClients()
	assert.Len(t, restarts, 1)
	assert.True(t, c1.Closed())
	assert.True(t, c2.Closed())
	assert.False(t, h.s.Closing())
}

func TestCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	dir := fixtures.Project(t, "demo")
	c := fixtures.NewFakeClient("c1")
	startLocal(t, h, c, dir)

	require.NoError(t, h.s.Checkpoint(c, json.RawMessage(`{"page":2}`)))
	assert.Equal(t, errs.ErrInvalidInput, errs.CodeOf(h.s.Checkpoint(c, json.RawMessage(`{page`))))

	require.NoError(t, c.Close())
	c2 := fixtures.NewFakeClient("c2")
	startLocal(t, h, c2, dir)
	cfg, err := h.s.Config(c2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"page":2}`, string(cfg.Checkpoint))
}

func TestConfig_RequiresApp(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.s.Config(fixtures.NewFakeClient("c1"))
	assert.Equal(t, errs.ErrInvalidInput, errs.CodeOf(err))
}

func TestMessageAndWakeup(t *testing.T) {
	h := newHarness(t, nil)
	link, key := stageProject(t, h, fixtures.Project(t, "remote"), nil)
	require.NoError(t, h.store.Trust(ctxT(t), key))
	c := fixtures.NewFakeClient("c1")
	res, err := h.s.Start(ctxT(t), c, StartParams{Cwd: t.TempDir(), Link: link, Flags: flagsWithCheckout("latest")})
	require.NoError(t, err)
	require.Nil(t, res.Bail)

	a := h.s.appOf(c)
	sub := a.Messages(pubsub.Message{"type": MessageWakeup})
	defer sub.Close()

	woke, err := h.s.Wakeup(link)
	require.NoError(t, err)
	assert.True(t, woke)
	msg, err := sub.Next(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, link, msg["link"])

	n, err := h.s.Message(c, pubsub.Message{"type": MessageWakeup})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.s.Wakeup("file:///tmp/app")
	assert.Equal(t, errs.ErrInvalidLink, errs.CodeOf(err))
}

func TestRegister_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	srv := rpc.NewServer(rpc.ServerOptions{OnConnect: func(c *rpc.Conn) { h.s.Connect(c) }})
	h.s.Register(srv)

	socket := filepath.Join(t.TempDir(), "pear.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	client, err := rpc.Dial(ctxT(t), socket)
	require.NoError(t, err)
	defer client.Close()

	dir := fixtures.Project(t, "demo")
	var res StartResult
	require.NoError(t, client.Call(ctxT(t), MethodStart, StartParams{Cwd: dir, Dir: dir}, &res))
	assert.Equal(t, "terminal", res.Type)
	assert.Equal(t, "start-1", res.StartID)

	var cfg map[string]any
	require.NoError(t, client.Call(ctxT(t), MethodConfig, nil, &cfg))
	assert.Equal(t, "demo", cfg["name"])

	err = client.Call(ctxT(t), MethodCheckpoint, json.RawMessage(`[1,2]`), nil)
	require.NoError(t, err)

	err = client.Call(ctxT(t), MethodAddKey, map[string]string{"name": "k", "secret": "zz"}, nil)
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, errs.ErrInvalidInput, e.Code)

	st, err := client.Stream(ctxT(t), MethodStage, map[string]any{"dir": dir, "channel": "dev", "dryRun": true})
	require.NoError(t, err)
	var last stream.Event
	for {
		raw, err := st.Next(ctxT(t))
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &last))
	}
	assert.Equal(t, stream.TagFinal, last.Tag)
	assert.Equal(t, map[string]any{"success": true}, last.Data)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.s.metrics.Ops.WithLabelValues(MethodStage, "success")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func flagsWithCheckout(checkout string) state.Flags {
	return state.Flags{Checkout: checkout}
}

func devFlags() state.Flags {
	return state.Flags{Dev: true}
}

func TestStartOp_KeyWipedAfterProducerReturns(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.s.AddEncryptionKey(ctxT(t), addKeyParams{
		Name:   "team",
		Secret: hex.EncodeToString(newSecret(t)),
	}))
	c := fixtures.NewFakeClient("c1")

	var key *memguard.LockedBuffer
	aliveAtExit := make(chan bool, 1)
	run := func(ctx context.Context, _ ops.Deps, req dumpRequest) *stream.Stream {
		key = req.DumpOptions.Target.EncryptionKey
		return stream.Run(ctx, nil, func(ctx context.Context, _ *stream.Stream) error {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			aliveAtExit <- key.IsAlive()
			return ctx.Err()
		})
	}
	_, err := startOp[dumpRequest](ctxT(t), h.s, c, MethodDump, json.RawMessage(`{"encryptionKey":"team"}`), run)
	require.NoError(t, err)
	require.NotNil(t, key)

	require.NoError(t, c.Close())
	assert.True(t, <-aliveAtExit, "key stays usable until the operation stops")
	assert.False(t, key.IsAlive())
}

func TestStartOp_UnknownKeyClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	called := false
	run := func(context.Context, ops.Deps, dumpRequest) *stream.Stream {
		called = true
		return nil
	}
	_, err := startOp[dumpRequest](ctxT(t), h.s, fixtures.NewFakeClient("c1"), MethodDump, json.RawMessage(`{"encryptionKey":"nope"}`), run)
	assert.Equal(t, errs.ErrInvalidInput, errs.CodeOf(err))
	assert.False(t, called)

	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	assert.Empty(t, h.s.sessions)
}
