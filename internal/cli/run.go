package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/pear/internal/app"
	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/rpc"
	"github.com/roach88/pear/internal/sidecar"
	"github.com/roach88/pear/internal/state"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Flags   state.Flags
	StartID string
}

// Started is what run prints once the app is up.
type Started struct {
	ID         string        `json:"id"`
	StartID    string        `json:"startId"`
	Key        string        `json:"key,omitempty"`
	Type       string        `json:"type,omitempty"`
	Version    drive.Version `json:"version"`
	Entrypoint string        `json:"entrypoint,omitempty"`
	Files      int           `json:"files"`
}

func (s Started) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Started %s (start id %s)\n", s.ID, s.StartID)
	if s.Key != "" {
		fmt.Fprintf(&b, "  key:        %s\n", s.Key)
		fmt.Fprintf(&b, "  version:    %s\n", s.Version)
	}
	fmt.Fprintf(&b, "  type:       %s\n", s.Type)
	fmt.Fprintf(&b, "  entrypoint: %s (%d files)", s.Entrypoint, s.Files)
	return b.String()
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <link|dir> [args...]",
		Short: "Start an application",
		Long: `Start an application from a pear:// link or a local project directory.

The sidecar resolves trust and encryption, opens the app's drive at the
requested checkout, reads its manifest and bundles the entrypoint. Unless
--detached is given, run stays attached and prints update notifications
and reports until interrupted.

Example:
  pear run ./my-app --dev
  pear run pear://<key> --checkout latest
  pear run pear://<key> --trusted --encryption-key team`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(opts, cmd, args[0], args[1:])
		},
	}

	cmd.Flags().BoolVar(&opts.Flags.Dev, "dev", false, "development mode: watch local files, include update diffs")
	cmd.Flags().BoolVar(&opts.Flags.Trusted, "trusted", false, "run even if the key is not trusted")
	cmd.Flags().StringVar(&opts.Flags.Checkout, "checkout", "", "release, latest/staged, or a drive length")
	cmd.Flags().StringVar(&opts.Flags.Store, "store", "", "application storage directory")
	cmd.Flags().StringVar(&opts.Flags.EncryptionKey, "encryption-key", "", "name of a stored encryption key")
	cmd.Flags().BoolVar(&opts.Flags.Detached, "detached", false, "return once the app has started")
	cmd.Flags().StringVar(&opts.StartID, "start-id", "", "join an existing run")

	return cmd
}

// startParams builds the start request for target.
func startParams(opts *RunOptions, target string, args []string) (sidecar.StartParams, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return sidecar.StartParams{}, err
	}
	p := sidecar.StartParams{
		Flags:   opts.Flags,
		Cwd:     cwd,
		Args:    args,
		CmdArgs: os.Args[1:],
		StartID: opts.StartID,
		PID:     os.Getpid(),
	}
	if strings.Contains(target, "://") {
		p.Link = target
		return p, nil
	}
	dir, err := filepath.Abs(target)
	if err != nil {
		return sidecar.StartParams{}, err
	}
	p.Dir = dir
	return p, nil
}

func runApp(opts *RunOptions, cmd *cobra.Command, target string, args []string) error {
	f := opts.formatter(cmd)
	p, err := startParams(opts, target, args)
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve target", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c, err := opts.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var res sidecar.StartResult
	if err := c.Call(ctx, sidecar.MethodStart, p, &res); err != nil {
		if e, ok := rpc.AsError(err); ok {
			_ = f.Error(string(e.Code), e.Message, e.Info)
		}
		return sidecarError("start failed", err)
	}
	if res.Bail != nil {
		if err := f.Error(string(res.Bail.Code), res.Bail.Message, res.Bail.Info); err != nil {
			return err
		}
		return sidecarError("start bailed", res.Bail)
	}

	started := Started{ID: res.ID, StartID: res.StartID, Key: res.Key, Type: res.Type, Version: res.Version}
	if res.Bundle != nil {
		started.Entrypoint = res.Bundle.Entrypoint
		started.Files = len(res.Bundle.Files())
	}
	if err := f.Success(started); err != nil {
		return err
	}
	if opts.Flags.Detached {
		return nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	return follow(ctx, f, c, sigChan)
}

// follow prints notifications until interrupted or the sidecar drops the
// connection.
func follow(ctx context.Context, f *OutputFormatter, c *rpc.Client, sig <-chan os.Signal) error {
	for {
		select {
		case n := <-c.Notifications():
			if err := f.Event(RawEvent{Tag: n.Method, Data: n.Params}); err != nil {
				return err
			}
			if n.Method == app.NotifyTeardown {
				return nil
			}
		case s := <-sig:
			f.VerboseLog("received %s, detaching", s)
			return nil
		case <-c.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// restartSummary renders restart records for text output.
type restartSummary []app.Restart

func (r restartSummary) String() string {
	if len(r) == 0 {
		return "No apps running"
	}
	var b strings.Builder
	for i, info := range r {
		if i > 0 {
			b.WriteByte('\n')
		}
		args, _ := json.Marshal(info.CmdArgs)
		fmt.Fprintf(&b, "%s pid=%d cwd=%s args=%s", info.Runtime, info.PID, info.Cwd, args)
	}
	return b.String()
}
