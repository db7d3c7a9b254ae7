// Command sandboxctl drives the in-sandbox Supervisor and the asynchronous
// Image Builder. It is the PID-1 entrypoint for a sandbox
// ("sandboxctl supervise") and the operator-facing CLI for the control
// plane's build worker ("sandboxctl build").
package main

import (
	"fmt"
	"os"

	"github.com/agentium/sandboxsup/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
