package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "create-block":
		return runCreateBlock(args[2:], stdout, stderr)
	case "verify-block":
		return runVerifyBlock(args[2:], stdout, stderr)
	case "verify-chain":
		return runVerifyChain(args[2:], stdout, stderr)
	case "verify-archive":
		return runVerifyArchive(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "rotate-key":
		return runRotateKey(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  ledger <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP server and anchoring worker (default)")
	printCommand(w, "create-block", "Anchor everything since the last block into a new block")
	printCommand(w, "verify-block", "Verify the latest block and its link to the previous one")
	printCommand(w, "verify-chain", "Verify every block from genesis to the tip")
	printCommand(w, "verify-archive", "Fetch an archived block and verify it (--number)")
	printCommand(w, "keygen", "Generate the block signing key (--out, --age)")
	printCommand(w, "rotate-key", "Add a new active key to the payload keystore")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from the environment; LEDGER_CONFIG_FILE names an optional YAML file.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-16s %s\n", name, desc)
}
