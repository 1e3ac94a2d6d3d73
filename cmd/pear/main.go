// Command pear runs, stages, releases and seeds peer-to-peer applications.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/pear/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
