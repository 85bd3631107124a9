// Command agent-runner drives coding-agent subprocesses against queued
// issues and pull requests. See `agent-runner --help` for the command
// tree.
package main

import (
	"fmt"
	"os"

	"github.com/metyatech/agent-runner/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
