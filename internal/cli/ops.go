package cli

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pear/internal/sidecar"
)

// target flags shared by the drive operations.
type targetFlags struct {
	Channel       string
	Name          string
	EncryptionKey string
}

func (t *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.Name, "name", "", "override the manifest name")
	cmd.Flags().StringVar(&t.EncryptionKey, "encryption-key", "", "name of a stored encryption key")
}

// params builds the common request fields. A link argument names an
// existing drive; anything else is a project directory.
func (t *targetFlags) params(arg string) (map[string]any, error) {
	p := map[string]any{}
	if strings.Contains(arg, "://") {
		p["link"] = arg
	} else {
		dir, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		p["dir"] = dir
	}
	if t.Channel != "" {
		p["channel"] = t.Channel
	}
	if t.Name != "" {
		p["name"] = t.Name
	}
	if t.EncryptionKey != "" {
		p["encryptionKey"] = t.EncryptionKey
	}
	return p, nil
}

func dirArg(args []string) string {
	if len(args) > 0 {
		return args[len(args)-1]
	}
	return "."
}

// StageOptions holds flags for the stage command.
type StageOptions struct {
	*RootOptions
	targetFlags
	DryRun   bool
	Bare     bool
	Watch    bool
	Ignore   []string
	Truncate int64
}

// NewStageCommand creates the stage command.
func NewStageCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StageOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stage <channel> [dir]",
		Short: "Sync a project directory into its channel drive",
		Long: `Mirror a project directory into the drive for a channel.

Files are diffed against the drive and only changes are written. With
--watch the directory is restaged on every change until interrupted.

Example:
  pear stage dev
  pear stage production ./my-app --dry-run
  pear stage dev --watch --ignore dist`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Channel = args[0]
			p, err := opts.params(dirArg(args[1:]))
			if err != nil {
				return WrapExitError(ExitCommandError, "resolve target", err)
			}
			p["dryRun"] = opts.DryRun
			p["bare"] = opts.Bare
			p["watch"] = opts.Watch
			if len(opts.Ignore) > 0 {
				p["ignore"] = opts.Ignore
			}
			if opts.Truncate >= 0 {
				p["truncate"] = opts.Truncate
			}
			return opts.streamOp(cmd, sidecar.MethodStage, p)
		},
	}

	opts.targetFlags.register(cmd)
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "d", false, "show changes without writing")
	cmd.Flags().BoolVar(&opts.Bare, "bare", false, "skip warmup")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "restage on file changes")
	cmd.Flags().StringSliceVar(&opts.Ignore, "ignore", nil, "extra paths to ignore")
	cmd.Flags().Int64Var(&opts.Truncate, "truncate", -1, "truncate the drive to this length before staging")

	return cmd
}

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	targetFlags
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed <channel|link> [dir]",
		Short: "Announce and serve a drive to peers",
		Long: `Seed a drive so peers can replicate it. Runs until interrupted,
reporting peers as they come and go.

Example:
  pear seed dev
  pear seed pear://<key>`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := dirArg(args[1:])
			if strings.Contains(args[0], "://") {
				target = args[0]
			} else {
				opts.Channel = args[0]
			}
			p, err := opts.params(target)
			if err != nil {
				return WrapExitError(ExitCommandError, "resolve target", err)
			}
			return opts.streamOp(cmd, sidecar.MethodSeed, p)
		},
	}

	opts.targetFlags.register(cmd)
	return cmd
}

// ReleaseOptions holds flags for the release command.
type ReleaseOptions struct {
	*RootOptions
	targetFlags
	Checkout int64
}

// NewReleaseCommand creates the release command.
func NewReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReleaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "release <channel|link> [dir]",
		Short: "Point the release marker at a staged length",
		Long: `Mark the current (or given) drive length as the release apps run by
default.

Example:
  pear release production
  pear release production --checkout 42`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := dirArg(args[1:])
			if strings.Contains(args[0], "://") {
				target = args[0]
			} else {
				opts.Channel = args[0]
			}
			p, err := opts.params(target)
			if err != nil {
				return WrapExitError(ExitCommandError, "resolve target", err)
			}
			if opts.Checkout >= 0 {
				p["checkout"] = opts.Checkout
			}
			return opts.streamOp(cmd, sidecar.MethodRelease, p)
		},
	}

	opts.targetFlags.register(cmd)
	cmd.Flags().Int64Var(&opts.Checkout, "checkout", -1, "release this length instead of the current one")
	return cmd
}

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	*RootOptions
	EncryptionKey string
	Checkout      string
	DryRun        bool
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump <link> <dir|->",
		Short: "Copy a drive's files out to a directory",
		Long: `Copy the files of a drive, or the subtree named by the link path, to a
directory. A directory of "-" prints the files as events instead.

Example:
  pear dump pear://<key> ./out
  pear dump pear://<key>/lib - --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[1]
			if dir != "-" {
				abs, err := filepath.Abs(dir)
				if err != nil {
					return WrapExitError(ExitCommandError, "resolve dir", err)
				}
				dir = abs
			}
			p := map[string]any{"link": args[0], "dir": dir, "dryRun": opts.DryRun}
			if opts.Checkout != "" {
				p["checkout"] = opts.Checkout
			}
			if opts.EncryptionKey != "" {
				p["encryptionKey"] = opts.EncryptionKey
			}
			return opts.streamOp(cmd, sidecar.MethodDump, p)
		},
	}

	cmd.Flags().StringVar(&opts.Checkout, "checkout", "", "release, latest/staged, or a drive length")
	cmd.Flags().StringVar(&opts.EncryptionKey, "encryption-key", "", "name of a stored encryption key")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "d", false, "show changes without writing")
	return cmd
}

// InfoOptions holds flags for the info command.
type InfoOptions struct {
	*RootOptions
	targetFlags
	Checkout  string
	Metadata  bool
	Changelog bool
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InfoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "info <link|channel> [dir]",
		Short: "Show drive information",
		Long: `Show a drive's key, release, version and manifest metadata.

Example:
  pear info pear://<key>
  pear info dev --metadata --changelog`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := dirArg(args[1:])
			if strings.Contains(args[0], "://") {
				target = args[0]
			} else {
				opts.Channel = args[0]
			}
			p, err := opts.params(target)
			if err != nil {
				return WrapExitError(ExitCommandError, "resolve target", err)
			}
			if opts.Checkout != "" {
				p["checkout"] = opts.Checkout
			}
			p["metadata"] = opts.Metadata
			p["changelog"] = opts.Changelog
			return opts.streamOp(cmd, sidecar.MethodInfo, p)
		},
	}

	opts.targetFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Checkout, "checkout", "", "release, latest/staged, or a drive length")
	cmd.Flags().BoolVar(&opts.Metadata, "metadata", false, "include manifest metadata")
	cmd.Flags().BoolVar(&opts.Changelog, "changelog", false, "include the changelog")
	return cmd
}
