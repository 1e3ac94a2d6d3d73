package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-playground/validator/v10"

	"github.com/roach88/pear/internal/app"
	"github.com/roach88/pear/internal/bundle"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/linker"
	"github.com/roach88/pear/internal/metrics"
	"github.com/roach88/pear/internal/session"
	"github.com/roach88/pear/internal/state"
	"github.com/roach88/pear/internal/store"
	"github.com/roach88/pear/internal/watch"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// invalidParams maps a validation failure to ERR_INVALID_INPUT naming the
// offending fields.
func invalidParams(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Wrap(errs.ErrInvalidInput, "invalid params", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return errs.Wrap(errs.ErrInvalidInput, "invalid params: "+strings.Join(fields, ", "), err).
		With("fields", fields)
}

// StartParams is what a client sends to start an app.
type StartParams struct {
	Flags   state.Flags       `json:"flags"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd" validate:"required"`
	Link    string            `json:"link,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Args    []string          `json:"args,omitempty"`
	CmdArgs []string          `json:"cmdArgs,omitempty"`
	// StartID joins an in-flight or finished run with the same id. Empty
	// starts a new run.
	StartID string `json:"startId,omitempty"`
	PID     int    `json:"pid,omitempty" validate:"gte=0"`
	Appling string `json:"appling,omitempty"`
}

// StartResult is returned to every caller of one run. A non-nil Bail is a
// recoverable refusal the client should act on (trust, encryption key).
type StartResult struct {
	ID      string        `json:"id"`
	StartID string        `json:"startId"`
	Key     string        `json:"key,omitempty"`
	Bail    *errs.Error   `json:"bail,omitempty"`
	Type    string        `json:"type,omitempty"`
	Version drive.Version `json:"version"`
	Bundle  *linker.Graph `json:"bundle,omitempty"`
}

// Start starts the app p describes for c. Concurrent and later calls with
// the same StartID attach to the first call's App and receive its result.
// On failure the run's session is closed before the error is returned.
func (s *Sidecar) Start(ctx context.Context, c Client, p StartParams) (*StartResult, error) {
	if err := validate.Struct(p); err != nil {
		return nil, invalidParams(err)
	}
	began := time.Now()
	startID := p.StartID
	if startID == "" {
		startID = s.ids.Generate()
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, errs.Open("sidecar is shutting down", ErrClosing)
	}
	if r, ok := s.running[startID]; ok {
		s.mu.Unlock()
		return s.join(ctx, c, startID, r)
	}
	a := app.New(app.Options{
		ID:      c.ID(),
		StartID: startID,
		PID:     p.PID,
		CmdArgs: p.CmdArgs,
		Runtime: s.opts.Runtime,
		Appling: p.Appling,
		Logger:  s.logger,
	})
	r := &run{app: a, done: make(chan struct{})}
	s.running[startID] = r
	n := len(s.running)
	s.mu.Unlock()
	s.metrics.Apps.Set(float64(n))

	sess, err := s.newSession(c)
	if err != nil {
		s.forget(startID, r)
		r.err = errs.Open("sidecar is shutting down", err)
		close(r.done)
		return nil, r.err
	}
	r.sess = sess
	sess.Teardown(func() error {
		s.forget(startID, r)
		s.unbind(a)
		a.Teardown()
		return nil
	})
	s.attach(c, a)

	logger := s.logger.With("app", a.ID, "startId", startID)
	r.result, r.err = s.start(ctx, sess, a, startID, p, logger)
	switch {
	case r.err != nil:
		r.err = startError(r.err)
		logger.Debug("start failed", "error", r.err)
		if err := sess.Close(); err != nil {
			logger.Debug("close failed start", "error", err)
		}
		s.metrics.Starts.WithLabelValues(metrics.StartError).Inc()
	case r.result.Bail != nil:
		logger.Debug("start bailed", "code", r.result.Bail.Code)
		s.metrics.Starts.WithLabelValues(metrics.StartBail).Inc()
	default:
		logger.Info("app started", "key", r.result.Key, "version", r.result.Version.String())
		s.metrics.Starts.WithLabelValues(metrics.StartOK).Inc()
	}
	s.metrics.StartDuration.Observe(time.Since(began).Seconds())
	close(r.done)
	return r.result, r.err
}

// join attaches c to an existing run and waits for its outcome.
func (s *Sidecar) join(ctx context.Context, c Client, startID string, r *run) (*StartResult, error) {
	if r.app == nil {
		return nil, errs.Internal("running entry has no app").With("startId", startID)
	}
	s.metrics.Coalesced.Inc()
	s.attach(c, r.app)
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forget removes startID's entry if it still belongs to r; a newer run
// reusing the id is left alone.
func (s *Sidecar) forget(startID string, r *run) {
	s.mu.Lock()
	if s.running[startID] == r {
		delete(s.running, startID)
	}
	n := len(s.running)
	s.mu.Unlock()
	s.metrics.Apps.Set(float64(n))
}

// unbind detaches every client still bound to a torn-down app.
func (s *Sidecar) unbind(a *app.App) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cl := range s.clients {
		if cl.app == a {
			cl.app = nil
		}
	}
}

// startError gives uncoded failures an operational code. Context errors
// pass through.
func startError(err error) error {
	if errs.CodeOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, session.ErrClosed) || errors.Is(err, drive.ErrClosed) {
		return errs.Open("app closed while starting", err)
	}
	return errs.Open("start failed", err)
}

func (s *Sidecar) start(ctx context.Context, sess *session.Session, a *app.App, startID string, p StartParams, logger *slog.Logger) (*StartResult, error) {
	st, err := state.New(state.Params{
		Link:       p.Link,
		Dir:        p.Dir,
		Cwd:        p.Cwd,
		Args:       p.Args,
		Env:        p.Env,
		Flags:      p.Flags,
		Aliases:    s.opts.Aliases,
		AppStorage: s.opts.AppStorage,
	})
	if err != nil {
		return nil, err
	}
	a.SetState(st)
	res := &StartResult{ID: a.ID, StartID: startID, Key: st.Key}

	var (
		b   *bundle.Bundle
		cal *bundle.Calibration
	)
	if st.Local() {
		b = bundle.New(bundle.Options{Dir: st.Dir, Linker: s.linker, Logger: logger})
		if err := sess.Add(ctx, b); err != nil {
			return nil, err
		}
		cal = &bundle.Calibration{}
	} else {
		if bail, err := s.trustGate(ctx, st); err != nil || bail != nil {
			res.Bail = bail
			return bailed(res, err)
		}
		var bail *errs.Error
		b, cal, bail, err = s.openRemote(ctx, sess, a, st, logger)
		if err != nil || bail != nil {
			res.Bail = bail
			return bailed(res, err)
		}
	}
	a.SetBundle(b, s.linker)
	if bail := failed(a); bail != nil {
		res.Bail = bail
		return res, nil
	}

	err = st.Initialize(ctx, state.InitOptions{
		Store:   b.Store(),
		Version: cal.Version,
		Channel: cal.Channel,
		Release: cal.Release,
	})
	if err != nil {
		return nil, err
	}
	if bail := failed(a); bail != nil {
		res.Bail = bail
		return res, nil
	}

	if err := s.minver(ctx, a, st, cal, logger); err != nil {
		return nil, err
	}

	g, err := b.Bundle(ctx, st.Entrypoint)
	if err != nil {
		return nil, err
	}
	res.Type = st.Options.Type
	res.Version = cal.Version
	res.Bundle = g
	a.Warm(app.Warming{Files: len(g.Files()), Success: true})

	if st.Local() && st.Flags.Dev {
		s.watchLocal(sess, a, st, logger)
	}
	return res, nil
}

func bailed(res *StartResult, err error) (*StartResult, error) {
	if err != nil {
		return nil, err
	}
	return res, nil
}

// failed returns the sticky error report, if one stopped the app.
func failed(a *app.App) *errs.Error {
	if r := a.Reported(); r != nil && r.Err != nil {
		return r.Err
	}
	return nil
}

// trustGate refuses keys that are neither aliased nor trusted, unless the
// caller forced trust.
func (s *Sidecar) trustGate(ctx context.Context, st *state.State) (*errs.Error, error) {
	if st.Flags.Trusted || s.aliased(st.Key) {
		return nil, nil
	}
	ok, err := s.opts.Store.IsTrusted(ctx, st.Key)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	return errs.PermissionRequired("untrusted key", map[string]any{
		"key":       st.Key,
		"link":      st.Link.String(),
		"encrypted": false,
	}), nil
}

func (s *Sidecar) aliased(key string) bool {
	for _, k := range s.opts.Aliases {
		if k == key {
			return true
		}
	}
	return false
}

func encryptionBail(st *state.State) *errs.Error {
	return errs.PermissionRequired("encryption key required", map[string]any{
		"key":       st.Key,
		"link":      st.Link.String(),
		"encrypted": true,
	})
}

// encryptionKey resolves the named key from flags, or the key previously
// assigned to the drive. Nil means unencrypted.
func (s *Sidecar) encryptionKey(ctx context.Context, st *state.State) (*memguard.LockedBuffer, error) {
	if name := st.Flags.EncryptionKey; name != "" {
		buf, err := s.opts.Store.EncryptionKey(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.InvalidInput(fmt.Sprintf("unknown encryption key %q", name)).With("name", name)
		}
		return buf, err
	}
	return s.opts.Store.DriveEncryptionKey(ctx, st.Key)
}

func checkoutOf(st *state.State) (bundle.Checkout, error) {
	if st.Link.Versioned {
		return bundle.Checkout{Mode: bundle.CheckoutLength, Length: st.Link.Length}, nil
	}
	co, err := bundle.ParseCheckout(st.Flags.Checkout)
	if err != nil {
		return bundle.Checkout{}, errs.Wrap(errs.ErrInvalidInput, "invalid checkout", err).With("checkout", st.Flags.Checkout)
	}
	return co, nil
}

func (s *Sidecar) openRemote(ctx context.Context, sess *session.Session, a *app.App, st *state.State, logger *slog.Logger) (*bundle.Bundle, *bundle.Calibration, *errs.Error, error) {
	checkout, err := checkoutOf(st)
	if err != nil {
		return nil, nil, nil, err
	}
	encKey, err := s.encryptionKey(ctx, st)
	if err != nil {
		return nil, nil, nil, err
	}

	b := bundle.New(bundle.Options{
		Corestore:     s.opts.Corestore,
		Key:           st.Link.Key,
		Checkout:      checkout,
		EncryptionKey: encKey,
		Swarm:         s.opts.Swarm,
		Replicator:    bundle.ReplicatorOptions{Linger: s.opts.Linger},
		UpdateNotify: func(v drive.Version, u bundle.Update) {
			s.appUpdate(a, v, u)
		},
		UpdatesDiff: st.Flags.Dev,
		Failure: func(err error) {
			a.Report(app.Report{Type: app.ReportFatal, Err: errs.From(err)})
		},
		Linker: s.linker,
		Logger: logger,
	})
	if err := sess.Add(ctx, b); err != nil {
		if errors.Is(err, drive.ErrDecode) {
			return nil, nil, encryptionBail(st), nil
		}
		return nil, nil, nil, err
	}
	if err := b.Join(ctx, bundle.JoinOptions{Client: true}); err != nil {
		return nil, nil, nil, err
	}
	cal, err := b.Calibrate(ctx)
	if errors.Is(err, drive.ErrDecode) {
		return nil, nil, encryptionBail(st), nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return b, cal, nil, nil
}

// minver blocks until the platform reaches the version the app requires,
// reporting the wait to the app. A bundle recorded against a newer platform
// counts as a requirement too.
func (s *Sidecar) minver(ctx context.Context, a *app.App, st *state.State, cal *bundle.Calibration, logger *slog.Logger) error {
	platform := s.opts.Updater.Version()
	need, ok := st.Minver(platform, logger)
	if pv := cal.PlatformVersion; pv != nil && pv.Key == platform.Key && pv.Newer(platform) && (!ok || pv.Newer(need)) {
		need, ok = *pv, true
	}
	if !ok {
		return nil
	}

	a.SetMinvering(true)
	defer a.SetMinvering(false)
	logger.Info("waiting for platform update", "minver", need.String(), "platform", platform.String())
	a.Report(app.Report{
		Type:    app.ReportUpdate,
		Version: &need,
		Message: "platform update required",
	})
	v, err := s.opts.Updater.Wait(ctx, need)
	if err != nil {
		return fmt.Errorf("wait for minver %s: %w", need, err)
	}
	s.notifyApp(a, UpdateNotification{Kind: UpdatePlatform, Version: v, Force: true})
	return nil
}

// watchLocal notifies a dev app whenever its project directory changes,
// until the session closes.
func (s *Sidecar) watchLocal(sess *session.Session, a *app.App, st *state.State, logger *slog.Logger) {
	w, err := watch.New(st.Dir, watch.Options{Logger: logger})
	if err != nil {
		logger.Warn("cannot watch project dir", "dir", st.Dir, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := w.Run(ctx, func(paths []string) {
			s.notifyApp(a, UpdateNotification{
				Kind:  UpdateApp,
				Link:  "file://" + st.Dir,
				Paths: paths,
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("project watch ended", "error", err)
		}
	}()
	sess.Teardown(func() error {
		cancel()
		<-done
		return nil
	})
}
