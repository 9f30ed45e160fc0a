// Command fidsync runs and inspects fiducial synchronizers.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/fidsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fidsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
