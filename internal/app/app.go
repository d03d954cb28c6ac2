package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "load":
		return runLoad(args[1:])
	case "run", "run-once":
		return runBatch(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "corrector CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  corrector <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health    Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  validate  Validate operational record JSON files against the schema")
	fmt.Fprintln(os.Stderr, "  load      Insert operational record JSON files into the raw inbox")
	fmt.Fprintln(os.Stderr, "  run       Execute one corrector batch")
	fmt.Fprintln(os.Stderr, "  run-once  Alias for run")
	fmt.Fprintln(os.Stderr, "  daemon    Run corrector batches in a loop")
	fmt.Fprintln(os.Stderr, "  serve     Start the status API server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"corrector <command> -h\" for command-specific flags.")
}
