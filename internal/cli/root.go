package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	// Dir is the platform directory; empty resolves PEAR_DIR or ~/.pear.
	Dir string
	// Socket overrides the configured sidecar socket.
	Socket string
	// NoSpawn fails instead of starting a sidecar when none is listening.
	NoSpawn bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the pear CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pear",
		Short: "Pear - peer-to-peer application platform",
		Long: `Run, stage, release and seed applications served from peer-replicated drives.

Commands talk to a per-platform sidecar over a local socket. The sidecar is
started on demand and spins itself down once no client is connected.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", defaultFormat(os.Stdout), "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "", "platform directory (default $PEAR_DIR or ~/.pear)")
	cmd.PersistentFlags().StringVar(&opts.Socket, "socket", "", "sidecar socket (default <dir>/pear.sock)")
	cmd.PersistentFlags().BoolVar(&opts.NoSpawn, "no-spawn", false, "do not start a sidecar if none is running")

	cmd.AddCommand(NewSidecarCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStageCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewReleaseCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewTrustCommand(opts))
	cmd.AddCommand(NewEncryptionKeyCommand(opts))
	cmd.AddCommand(NewShutdownCommand(opts))
	cmd.AddCommand(NewVersionsCommand(opts))
	cmd.AddCommand(NewRestartCommand(opts))

	return cmd
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// defaultFormat is text on a terminal and json when piped.
func defaultFormat(w io.Writer) string {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return "text"
	}
	return "json"
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
