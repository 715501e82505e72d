// Command ampup is the version-manager CLI: a thin cobra wrapper around the
// core packages. It owns argument parsing, terminal rendering, and logging
// setup only — the subcommands below just wire flags to Layout,
// ReleaseClient, Installer, Builder, VersionManager, and SelfUpdater calls.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		printErrorChain(err)
		os.Exit(1)
	}
}

func printErrorChain(err error) {
	lines := errorChain(err)
	fmt.Fprintf(os.Stderr, "\033[31m✗ %s\033[0m\n", lines[0])
	for _, line := range lines[1:] {
		fmt.Fprintf(os.Stderr, "  caused by: %s\n", line)
	}
	if hint := remediationHint(err); hint != "" {
		fmt.Fprintf(os.Stderr, "  try: %s\n", hint)
	}
}
