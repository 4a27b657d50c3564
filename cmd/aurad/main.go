// Command aurad runs one Aura device: it restores the local ledger,
// listens for sync peers, and drives the epoch loop until stopped.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/aura-net/aura/pkg/agent"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}
	switch args[1] {
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "aurad", agent.AgentVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: aurad [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init     create the device identity and, for a new account, the genesis event")
	fmt.Fprintln(w, "  serve    run the device (default)")
	fmt.Fprintln(w, "  version  print the agent version")
	fmt.Fprintln(w, "  help     print this message")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Both init and serve read device.toml; pass -config to point elsewhere.")
}
