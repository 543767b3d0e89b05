package main

import (
	"fmt"
	"io"
	"os"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "ingest":
		return runIngestCmd(args[2:], stdout, stderr)
	case "pipeline":
		return runPipelineCmd(args[2:], stdout, stderr)
	case "reprocess":
		return runReprocessCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "retention":
		return runRetentionCmd(args[2:], stdout, stderr)
	case "config-validate":
		return runConfigValidateCmd(args[2:], stdout, stderr)
	case "serve":
		return runServeCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: ieim <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ingest           pull new messages from the source and normalize them")
	fmt.Fprintln(w, "  pipeline         run the full intake pipeline over the source corpus")
	fmt.Fprintln(w, "  reprocess        replay one message deterministically and compare hashes")
	fmt.Fprintln(w, "  verify-audit     verify the audit log hash chains")
	fmt.Fprintln(w, "  retention        apply the raw-data retention policy")
	fmt.Fprintln(w, "  config-validate  validate the runtime configuration and ruleset")
	fmt.Fprintln(w, "  serve            start the review API and ingest gateway")
	fmt.Fprintln(w, "  version          print the build version")
}
