package sidecar

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/awnumar/memguard"

	"github.com/roach88/pear/internal/app"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/fsx"
	"github.com/roach88/pear/internal/metrics"
	"github.com/roach88/pear/internal/ops"
	"github.com/roach88/pear/internal/pubsub"
	"github.com/roach88/pear/internal/rpc"
	"github.com/roach88/pear/internal/session"
	"github.com/roach88/pear/internal/state"
	"github.com/roach88/pear/internal/store"
	"github.com/roach88/pear/internal/stream"
)

// RPC methods.
const (
	MethodStart         = "start"
	MethodRestart       = "restart"
	MethodShutdown      = "shutdown"
	MethodCloseClients  = "closeClients"
	MethodConfig        = "config"
	MethodCheckpoint    = "checkpoint"
	MethodMessage       = "message"
	MethodMessages      = "messages"
	MethodVersions      = "versions"
	MethodTrust         = "trust"
	MethodUntrust       = "untrust"
	MethodWakeup        = "wakeup"
	MethodReports       = "reports"
	MethodWarming       = "warming"
	MethodUnloaded      = "unloaded"
	MethodAddKey        = "encryptionKey.add"
	MethodRemoveKey     = "encryptionKey.remove"
	MethodSetPreference = "preferences.set"
	MethodPreferences   = "preferences"
	MethodSetAppling    = "applings.set"
	MethodApplings      = "applings"
	MethodStage         = "stage"
	MethodSeed          = "seed"
	MethodRelease       = "release"
	MethodDump          = "dump"
	MethodInfo          = "info"
)

// Register installs the sidecar's handlers on srv. Accepted connections
// are handed to Connect through the server's OnConnect.
func (s *Sidecar) Register(srv *rpc.Server) {
	srv.Handle(MethodStart, func(ctx context.Context, c *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[StartParams](raw)
		if err != nil {
			return nil, err
		}
		return s.Start(ctx, c, p)
	})
	srv.Handle(MethodRestart, func(ctx context.Context, c *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[RestartParams](raw)
		if err != nil {
			return nil, err
		}
		restarts, finish, err := s.restart(ctx, c, p)
		if err != nil {
			return nil, err
		}
		return rpc.Then{Result: restarts, After: finish}, nil
	})
	srv.Handle(MethodShutdown, func(context.Context, *rpc.Conn, json.RawMessage) (any, error) {
		return rpc.Then{Result: s.restartInfos(), After: func() { go s.closeInBackground() }}, nil
	})
	srv.Handle(MethodCloseClients, func(context.Context, *rpc.Conn, json.RawMessage) (any, error) {
		return rpc.Then{Result: s.restartInfos(), After: s.closeClients}, nil
	})
	srv.Handle(MethodConfig, func(_ context.Context, c *rpc.Conn, _ json.RawMessage) (any, error) {
		return s.Config(c)
	})
	srv.Handle(MethodCheckpoint, func(_ context.Context, c *rpc.Conn, raw json.RawMessage) (any, error) {
		return nil, s.Checkpoint(c, raw)
	})
	srv.Handle(MethodMessage, func(_ context.Context, c *rpc.Conn, raw json.RawMessage) (any, error) {
		var msg pubsub.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, errs.Wrap(errs.ErrInvalidInput, "decode message", err)
		}
		return s.Message(c, msg)
	})
	srv.Handle(MethodVersions, func(_ context.Context, c *rpc.Conn, _ json.RawMessage) (any, error) {
		return s.Versions(c), nil
	})
	srv.Handle(MethodTrust, func(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[keyParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.opts.Store.Trust(ctx, p.Key)
	})
	srv.Handle(MethodUntrust, func(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[keyParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.opts.Store.Untrust(ctx, p.Key)
	})
	srv.Handle(MethodWakeup, func(_ context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[wakeupParams](raw)
		if err != nil {
			return nil, err
		}
		return s.Wakeup(p.Link)
	})
	srv.Handle(MethodUnloaded, func(_ context.Context, c *rpc.Conn, _ json.RawMessage) (any, error) {
		if a := s.appOf(c); a != nil {
			a.Unloaded(c.ID())
		}
		return nil, nil
	})
	srv.Handle(MethodAddKey, func(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[addKeyParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.AddEncryptionKey(ctx, p)
	})
	srv.Handle(MethodRemoveKey, func(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[nameParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.opts.Store.RemoveEncryptionKey(ctx, p.Name)
	})
	srv.Handle(MethodSetPreference, func(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[preferenceParams](raw)
		if err != nil {
			return nil, err
		}
		if p.Value == nil {
			return nil, s.opts.Store.DeletePreference(ctx, p.Key)
		}
		return nil, s.opts.Store.SetPreference(ctx, p.Key, p.Value)
	})
	srv.Handle(MethodPreferences, func(ctx context.Context, _ *rpc.Conn, _ json.RawMessage) (any, error) {
		return s.opts.Store.Preferences(ctx)
	})
	srv.Handle(MethodSetAppling, func(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[applingParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.opts.Store.SetAppling(ctx, store.Appling{Path: p.Path, Key: p.Key})
	})
	srv.Handle(MethodApplings, func(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		p, err := decode[applingsParams](raw)
		if err != nil {
			return nil, err
		}
		return s.opts.Store.Applings(ctx, p.Key)
	})

	srv.HandleStream(MethodMessages, func(_ context.Context, c *rpc.Conn, raw json.RawMessage) (rpc.Source, error) {
		var pattern pubsub.Message
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &pattern); err != nil {
				return nil, errs.Wrap(errs.ErrInvalidInput, "decode pattern", err)
			}
		}
		a, err := s.requireApp(c)
		if err != nil {
			return nil, err
		}
		return &subSource[pubsub.Message]{sub: a.Messages(pattern)}, nil
	})
	srv.HandleStream(MethodReports, func(_ context.Context, c *rpc.Conn, _ json.RawMessage) (rpc.Source, error) {
		a, err := s.requireApp(c)
		if err != nil {
			return nil, err
		}
		sub, last := a.Reports()
		return &subSource[app.Report]{sub: sub, first: last}, nil
	})
	srv.HandleStream(MethodWarming, func(_ context.Context, c *rpc.Conn, _ json.RawMessage) (rpc.Source, error) {
		a, err := s.requireApp(c)
		if err != nil {
			return nil, err
		}
		sub, last := a.Warming()
		return &subSource[app.Warming]{sub: sub, first: last}, nil
	})

	srv.HandleStream(MethodStage, opHandler(s, MethodStage, func(ctx context.Context, deps ops.Deps, p stageRequest) *stream.Stream {
		return ops.Stage(ctx, deps, p.StageOptions)
	}))
	srv.HandleStream(MethodSeed, opHandler(s, MethodSeed, func(ctx context.Context, deps ops.Deps, p seedRequest) *stream.Stream {
		return ops.Seed(ctx, deps, p.SeedOptions)
	}))
	srv.HandleStream(MethodRelease, opHandler(s, MethodRelease, func(ctx context.Context, deps ops.Deps, p releaseRequest) *stream.Stream {
		return ops.Release(ctx, deps, p.ReleaseOptions)
	}))
	srv.HandleStream(MethodDump, opHandler(s, MethodDump, func(ctx context.Context, deps ops.Deps, p dumpRequest) *stream.Stream {
		return ops.Dump(ctx, deps, p.DumpOptions)
	}))
	srv.HandleStream(MethodInfo, opHandler(s, MethodInfo, func(ctx context.Context, deps ops.Deps, p infoRequest) *stream.Stream {
		return ops.InfoOp(ctx, deps, p.InfoOptions)
	}))
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, errs.Wrap(errs.ErrInvalidInput, "decode params", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return v, invalidParams(err)
	}
	return v, nil
}

type keyParams struct {
	Key string `json:"key" validate:"required,len=64,hexadecimal"`
}

type nameParams struct {
	Name string `json:"name" validate:"required"`
}

type wakeupParams struct {
	Link string `json:"link" validate:"required"`
}

type addKeyParams struct {
	Name string `json:"name" validate:"required"`
	// Secret is the hex-encoded 32-byte key.
	Secret string `json:"secret" validate:"required,len=64,hexadecimal"`
	// Key, when set, assigns the key to that drive.
	Key string `json:"key,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

type preferenceParams struct {
	Key string `json:"key" validate:"required"`
	// Value nil deletes the preference.
	Value any `json:"value"`
}

type applingParams struct {
	Path string `json:"path" validate:"required"`
	Key  string `json:"key" validate:"required,len=64,hexadecimal"`
}

type applingsParams struct {
	Key string `json:"key,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

// Operation requests name their encryption key; the secret is looked up in
// the store.
type (
	stageRequest struct {
		ops.StageOptions
		EncryptionKey string `json:"encryptionKey,omitempty"`
	}
	seedRequest struct {
		ops.SeedOptions
		EncryptionKey string `json:"encryptionKey,omitempty"`
	}
	releaseRequest struct {
		ops.ReleaseOptions
		EncryptionKey string `json:"encryptionKey,omitempty"`
	}
	dumpRequest struct {
		ops.DumpOptions
		EncryptionKey string `json:"encryptionKey,omitempty"`
	}
	infoRequest struct {
		ops.InfoOptions
		EncryptionKey string `json:"encryptionKey,omitempty"`
	}
)

func (r *stageRequest) target() *ops.Target   { return &r.Target }
func (r *seedRequest) target() *ops.Target    { return &r.Target }
func (r *releaseRequest) target() *ops.Target { return &r.Target }
func (r *dumpRequest) target() *ops.Target    { return &r.DumpOptions.Target }
func (r *infoRequest) target() *ops.Target    { return &r.Target }

func (r *stageRequest) keyName() string   { return r.EncryptionKey }
func (r *seedRequest) keyName() string    { return r.EncryptionKey }
func (r *releaseRequest) keyName() string { return r.EncryptionKey }
func (r *dumpRequest) keyName() string    { return r.EncryptionKey }
func (r *infoRequest) keyName() string    { return r.EncryptionKey }

type opRequest[T any] interface {
	*T
	target() *ops.Target
	keyName() string
}

// opHandler adapts a streamed operation to the RPC server.
func opHandler[T any, P opRequest[T]](s *Sidecar, name string, run func(context.Context, ops.Deps, T) *stream.Stream) rpc.StreamHandler {
	return func(ctx context.Context, c *rpc.Conn, raw json.RawMessage) (rpc.Source, error) {
		src, err := startOp[T, P](ctx, s, c, name, raw, run)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// startOp runs one operation in its own session, so it ends when the client
// goes away or the sidecar closes. A named encryption key is loaded for the
// operation and wiped once its producer has returned.
func startOp[T any, P opRequest[T]](ctx context.Context, s *Sidecar, c Client, name string, raw json.RawMessage, run func(context.Context, ops.Deps, T) *stream.Stream) (*opSource, error) {
	req, err := decode[T](raw)
	if err != nil {
		return nil, err
	}
	sess, err := s.newSession(c)
	if err != nil {
		return nil, errs.Open("sidecar is shutting down", err)
	}

	var key *memguard.LockedBuffer
	if n := P(&req).keyName(); n != "" {
		key, err = s.opts.Store.EncryptionKey(ctx, n)
		if err != nil {
			_ = sess.Close()
			if errors.Is(err, store.ErrNotFound) {
				return nil, errs.InvalidInput(fmt.Sprintf("unknown encryption key %q", n)).With("name", n)
			}
			return nil, err
		}
		P(&req).target().EncryptionKey = key
	}

	st := run(ctx, s.deps(), req)
	sess.Teardown(func() error {
		st.Close()
		if key != nil {
			<-st.Done()
			key.Destroy()
		}
		return nil
	})
	return &opSource{op: name, st: st, sess: sess, metrics: s.metrics}, nil
}

func (s *Sidecar) deps() ops.Deps {
	return ops.Deps{
		Corestore: s.opts.Corestore,
		Swarm:     s.opts.Swarm,
		Linker:    s.linker,
		Aliases:   s.opts.Aliases,
		Logger:    s.logger,
	}
}

// opSource feeds an operation's events to the RPC stream and records the
// final status.
type opSource struct {
	op      string
	st      *stream.Stream
	sess    *session.Session
	metrics *metrics.Metrics
}

func (o *opSource) Next(ctx context.Context) (any, error) {
	ev, err := o.st.Next(ctx)
	if err != nil {
		return nil, err
	}
	if f, ok := ev.Data.(stream.Final); ok && ev.Tag == stream.TagFinal {
		status := "success"
		if !f.Success {
			status = "failure"
		}
		o.metrics.Ops.WithLabelValues(o.op, status).Inc()
	}
	return ev, nil
}

func (o *opSource) Close() {
	_ = o.sess.Close()
}

// subSource streams a subscription, leading with a sticky value if any.
type subSource[T any] struct {
	sub   *pubsub.Subscription[T]
	first *T
}

func (s *subSource[T]) Next(ctx context.Context) (any, error) {
	if s.first != nil {
		v := *s.first
		s.first = nil
		return v, nil
	}
	v, err := s.sub.Next(ctx)
	if errors.Is(err, pubsub.ErrClosed) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *subSource[T]) Close() { s.sub.Close() }

func (s *Sidecar) requireApp(c Client) (*app.App, error) {
	a := s.appOf(c)
	if a == nil {
		return nil, errs.InvalidInput("client has no running app")
	}
	return a, nil
}

// ConfigResult is the caller's app configuration.
type ConfigResult struct {
	ID       string        `json:"id"`
	StartID  string        `json:"startId"`
	Platform drive.Version `json:"platform"`
	*state.State
}

// Config returns the calling client's app state.
func (s *Sidecar) Config(c Client) (*ConfigResult, error) {
	a, err := s.requireApp(c)
	if err != nil {
		return nil, err
	}
	st := a.State()
	if st == nil || !st.Initialized() {
		return nil, errs.InvalidInput("app is still starting")
	}
	return &ConfigResult{ID: a.ID, StartID: a.StartID, Platform: s.opts.Updater.Version(), State: st}, nil
}

// Checkpoint persists data as the app's checkpoint. data must be JSON.
func (s *Sidecar) Checkpoint(c Client, data json.RawMessage) error {
	a, err := s.requireApp(c)
	if err != nil {
		return err
	}
	st := a.State()
	if st == nil || !st.Initialized() {
		return errs.InvalidInput("app is still starting")
	}
	if !json.Valid(data) {
		return errs.InvalidInput("checkpoint must be JSON")
	}
	if err := fsx.WriteFileAtomic(st.CheckpointPath(), data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Message publishes msg on the calling client's app bus and reports how
// many subscribers received it.
func (s *Sidecar) Message(c Client, msg pubsub.Message) (int, error) {
	a, err := s.requireApp(c)
	if err != nil {
		return 0, err
	}
	return a.Message(msg), nil
}

// Versions is the result of the versions method.
type Versions struct {
	Platform drive.Version     `json:"platform"`
	App      *drive.Version    `json:"app,omitempty"`
	Runtimes map[string]string `json:"runtimes"`
}

// Versions reports the platform version, the caller's app version and the
// runtime versions.
func (s *Sidecar) Versions(c Client) Versions {
	v := Versions{
		Platform: s.opts.Updater.Version(),
		Runtimes: map[string]string{"go": runtime.Version()},
	}
	if a := s.appOf(c); a != nil {
		if st := a.State(); st != nil && st.Initialized() {
			av := st.Version
			v.App = &av
		}
	}
	return v
}

// Wakeup forwards a deep link to running apps on the link's key. It reports
// whether any app received it.
func (s *Sidecar) Wakeup(link string) (bool, error) {
	l, err := state.ParseLink(link, s.opts.Aliases)
	if err != nil {
		return false, err
	}
	if l.IsFile() {
		return false, errs.InvalidLink(link)
	}
	key := l.HexKey()
	woke := false
	for _, a := range s.apps() {
		if st := a.State(); st != nil && st.Key == key {
			a.Message(pubsub.Message{"type": MessageWakeup, "link": link})
			woke = true
		}
	}
	return woke, nil
}

// AddEncryptionKey stores a named key and optionally assigns it to a drive.
func (s *Sidecar) AddEncryptionKey(ctx context.Context, p addKeyParams) error {
	secret, err := hexSecret(p.Secret)
	if err != nil {
		return err
	}
	defer secret.Destroy()
	if err := s.opts.Store.AddEncryptionKey(ctx, p.Name, secret); err != nil {
		return err
	}
	if p.Key == "" {
		return nil
	}
	return s.opts.Store.AssignEncryptionKey(ctx, p.Key, p.Name)
}

func hexSecret(s string) (*memguard.LockedBuffer, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidInput, "decode secret", err)
	}
	// NewBufferFromBytes wipes raw.
	return memguard.NewBufferFromBytes(raw), nil
}
