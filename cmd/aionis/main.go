// Command aionis is the policy-aware memory kernel CLI.
package main

import (
	"fmt"
	"os"

	"github.com/Cognary/Aionis-sub002/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "aionis: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
