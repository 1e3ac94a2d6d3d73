package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/pear/internal/app"
	"github.com/roach88/pear/internal/config"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/logs"
	"github.com/roach88/pear/internal/metrics"
	"github.com/roach88/pear/internal/rpc"
	"github.com/roach88/pear/internal/sidecar"
	"github.com/roach88/pear/internal/store"
	"github.com/roach88/pear/internal/swarm"
	"github.com/roach88/pear/internal/updater"
)

// ErrAlreadyRunning is returned when another sidecar holds the platform
// lock.
var ErrAlreadyRunning = errors.New("sidecar already running")

// NewSidecarCommand creates the sidecar command.
func NewSidecarCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sidecar",
		Short: "Run the platform sidecar in the foreground",
		Long: `Run the sidecar daemon for the platform directory.

Other commands start the sidecar on demand, so running it by hand is only
needed for debugging. One sidecar runs per platform directory; a second
instance exits immediately. The sidecar shuts down after the spindown
period passes with no connected clients.

Example:
  pear sidecar --verbose
  pear sidecar --dir /tmp/pear-dev`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSidecar(rootOpts, cmd)
		},
	}
	return cmd
}

func runSidecar(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.Socket != "" {
		cfg.Socket = opts.Socket
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	var w io.Writer = cmd.ErrOrStderr()
	logFile := cfg.Log.File
	if logFile == "" && !isTerminal(w) {
		logFile = cfg.LogPath()
	}
	if logFile != "" {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return WrapExitError(ExitCommandError, "create platform dir", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return WrapExitError(ExitCommandError, "open log file", err)
		}
		defer f.Close()
		w = f
	}
	logger, err := logs.New(logs.Options{Level: cfg.Log.Level, Writer: w, Journal: cfg.Log.Journal})
	if err != nil {
		return WrapExitError(ExitCommandError, "configure logging", err)
	}
	slog.SetDefault(logger.Logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	err = Serve(ctx, cfg, ServeOptions{Logger: logger.Logger, LockWait: lockWait})
	if errors.Is(err, ErrAlreadyRunning) {
		return WrapExitError(ExitCommandError, "cannot start sidecar", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sidecar error", err)
	}
	return nil
}

// tryLock takes the platform lock, retrying for up to wait.
func tryLock(ctx context.Context, lock *flock.Flock, wait time.Duration) (bool, error) {
	if wait <= 0 {
		return lock.TryLock()
	}
	lctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	locked, err := lock.TryLockContext(lctx, 50*time.Millisecond)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return locked, err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// ServeOptions are the parts of a sidecar run not taken from config.
type ServeOptions struct {
	Logger *slog.Logger
	// Ready, if set, is called once the socket is accepting connections.
	Ready func(*sidecar.Sidecar)
	// Exit replaces os.Exit for the death clock.
	Exit func(int)
	// Spawn replaces the detached process spawner used by restarts.
	Spawn func(app.Restart) error
	// LockWait is how long to wait for a decommissioning sidecar to release
	// the platform lock. Zero fails at once.
	LockWait time.Duration
}

// lockWait covers a restarting sidecar that is still shutting down when
// its respawned apps start a new one.
const lockWait = 5 * time.Second

// Serve runs a sidecar for cfg until it decommissions itself or ctx ends.
// It returns ErrAlreadyRunning when another sidecar holds the platform
// lock.
func Serve(ctx context.Context, cfg *config.Config, opts ServeOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("create platform dir: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	locked, err := tryLock(ctx, lock, opts.LockWait)
	if err != nil {
		return fmt.Errorf("acquire sidecar lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w for %s", ErrAlreadyRunning, cfg.Dir)
	}
	defer func() { _ = lock.Unlock() }()

	// The lock is ours, so a socket file left behind is stale.
	if err := os.Remove(cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing platform store", "error", err)
		}
	}()

	csCfg := drive.DefaultCorestoreConfig(cfg.Corestore())
	csCfg.Logger = logger
	cs, err := drive.OpenCorestore(csCfg)
	if err != nil {
		return fmt.Errorf("open corestore: %w", err)
	}
	defer func() {
		if err := cs.Close(); err != nil {
			logger.Error("error closing corestore", "error", err)
		}
	}()

	mesh := swarm.NewMesh(logger)
	defer mesh.Close()
	node := mesh.Node("sidecar")
	defer node.Close()

	up, err := updater.New(updater.Options{
		Current: cfg.Platform.Version(),
		Path:    cfg.UpdatePath(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer up.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		ms := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer ms.Close()
	}

	runtime := cfg.Runtime
	if runtime == "" {
		if exe, err := os.Executable(); err == nil {
			runtime = exe
		}
	}

	var sc *sidecar.Sidecar
	ids := sidecar.UUIDv7Generator{}
	srv := rpc.NewServer(rpc.ServerOptions{
		OnConnect: func(c *rpc.Conn) { sc.Connect(c) },
		NewID:     ids.Generate,
		Logger:    logger,
	})
	sc, err = sidecar.New(sidecar.Options{
		Store:         st,
		Corestore:     cs,
		Swarm:         node,
		Updater:       up,
		Metrics:       m,
		IDs:           ids,
		Aliases:       cfg.Aliases,
		AppStorage:    cfg.AppStorage(),
		Runtime:       runtime,
		Spindown:      cfg.Spindown,
		DeathClock:    cfg.DeathClock,
		Linger:        cfg.Linger,
		UnloadTimeout: cfg.UnloadTimeout,
		Spawn:         opts.Spawn,
		Exit:          opts.Exit,
		OnClose:       srv.Close,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	sc.Register(srv)

	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		_ = sc.Close(context.Background())
		return fmt.Errorf("listen on %s: %w", cfg.Socket, err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	logger.Info("sidecar ready", "dir", cfg.Dir, "socket", cfg.Socket, "platform", up.Version().String())
	if opts.Ready != nil {
		opts.Ready(sc)
	}

	var runErr error
	select {
	case <-sc.Done():
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.DeathClock)
	defer cancel()
	if err := sc.Close(closeCtx); err != nil {
		logger.Warn("decommission finished with errors", "error", err)
	}
	sc.Wait()
	logger.Info("sidecar stopped")
	return runErr
}
