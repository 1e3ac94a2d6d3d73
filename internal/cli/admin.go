package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pear/internal/app"
	"github.com/roach88/pear/internal/sidecar"
	"github.com/roach88/pear/internal/state"
)

// TrustOptions holds flags for the trust command.
type TrustOptions struct {
	*RootOptions
	Remove bool
}

// NewTrustCommand creates the trust command.
func NewTrustCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrustOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trust <link|key>",
		Short: "Allow a drive key to run without --trusted",
		Long: `Add a drive key to the trust list, or remove it with --remove.

Example:
  pear trust pear://<key>
  pear trust <hex-key> --remove`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyArg(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid key", err)
			}
			method, verb := sidecar.MethodTrust, "Trusted"
			if opts.Remove {
				method, verb = sidecar.MethodUntrust, "Untrusted"
			}
			if err := opts.call(cmd, method, map[string]string{"key": key}, nil); err != nil {
				return err
			}
			return opts.formatter(cmd).Success(keyResult{Key: key, verb: verb})
		},
	}

	cmd.Flags().BoolVar(&opts.Remove, "remove", false, "remove the key from the trust list")
	return cmd
}

type keyResult struct {
	Key  string `json:"key"`
	verb string
}

func (k keyResult) String() string { return k.verb + " " + k.Key }

// keyArg accepts a bare hex key or a pear:// link.
func keyArg(arg string) (string, error) {
	if !strings.Contains(arg, "://") {
		return strings.ToLower(arg), nil
	}
	l, err := state.ParseLink(arg, nil)
	if err != nil {
		return "", err
	}
	if l.IsFile() {
		return "", fmt.Errorf("%s does not name a drive", arg)
	}
	return l.HexKey(), nil
}

// NewEncryptionKeyCommand creates the encryption-key command group.
func NewEncryptionKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encryption-key",
		Short: "Manage named encryption keys",
		Long: `Store and remove the named keys used to open encrypted drives.

Example:
  pear encryption-key add team <hex-secret> --key <drive-key>
  pear encryption-key remove team`,
	}
	cmd.AddCommand(newEncryptionKeyAddCommand(rootOpts))
	cmd.AddCommand(newEncryptionKeyRemoveCommand(rootOpts))
	return cmd
}

func newEncryptionKeyAddCommand(opts *RootOptions) *cobra.Command {
	var drive string
	cmd := &cobra.Command{
		Use:           "add <name> <hex-secret>",
		Short:         "Store an encryption key",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := map[string]string{"name": args[0], "secret": args[1]}
			if drive != "" {
				key, err := keyArg(drive)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid key", err)
				}
				p["key"] = key
			}
			if err := opts.call(cmd, sidecar.MethodAddKey, p, nil); err != nil {
				return err
			}
			return opts.formatter(cmd).Success(nameResult{Name: args[0], verb: "Added encryption key"})
		},
	}
	cmd.Flags().StringVar(&drive, "key", "", "assign the key to this drive")
	return cmd
}

func newEncryptionKeyRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <name>",
		Short:         "Delete a stored encryption key",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.call(cmd, sidecar.MethodRemoveKey, map[string]string{"name": args[0]}, nil); err != nil {
				return err
			}
			return opts.formatter(cmd).Success(nameResult{Name: args[0], verb: "Removed encryption key"})
		},
	}
}

type nameResult struct {
	Name string `json:"name"`
	verb string
}

func (n nameResult) String() string { return n.verb + " " + n.Name }

// NewShutdownCommand creates the shutdown command.
func NewShutdownCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the sidecar and every running app",
		Long: `Ask the sidecar to close all clients and decommission. Prints the
command lines of the apps that were running so they can be restarted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []app.Restart
			if err := rootOpts.call(cmd, sidecar.MethodShutdown, nil, &out); err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(restartSummary(out))
		},
	}
}

// NewVersionsCommand creates the versions command.
func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "versions",
		Short:         "Show platform and runtime versions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var v sidecar.Versions
			if err := rootOpts.call(cmd, sidecar.MethodVersions, nil, &v); err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(versionsText(v))
		},
	}
}

type versionsText sidecar.Versions

func (v versionsText) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "platform: %s", v.Platform)
	if v.App != nil {
		fmt.Fprintf(&b, "\napp:      %s", *v.App)
	}
	for name, ver := range v.Runtimes {
		fmt.Fprintf(&b, "\n%-9s %s", name+":", ver)
	}
	return b.String()
}

// RestartOptions holds flags for the restart command.
type RestartOptions struct {
	*RootOptions
	Hard bool
}

// NewRestartCommand creates the restart command.
func NewRestartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the sidecar and respawn running apps",
		Long: `Restart the platform. Running apps are asked to reload and given time to
unload before they are respawned; --hard skips the grace period.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []app.Restart
			p := sidecar.RestartParams{Platform: true, Hard: opts.Hard}
			if err := opts.call(cmd, sidecar.MethodRestart, p, &out); err != nil {
				return err
			}
			return opts.formatter(cmd).Success(restartSummary(out))
		},
	}

	cmd.Flags().BoolVar(&opts.Hard, "hard", false, "skip the reload message and unload wait")
	return cmd
}
