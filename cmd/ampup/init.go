package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initNoModifyPath    bool
	initNoInstallLatest bool
)

// initCmd is invoked by the (out-of-scope) bootstrap shell installer right
// after it places the first copy of ampup; it is hidden from `ampup help`
// since end users never type it directly.
var initCmd = &cobra.Command{
	Use:    "init",
	Short:  "Finish first-time setup (invoked by the bootstrap installer)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initNoModifyPath, "no-modify-path", false, "skip editing the shell profile")
	initCmd.Flags().BoolVar(&initNoInstallLatest, "no-install-latest", false, "skip installing the latest release")
}

func runInit(cmd *cobra.Command, args []string) error {
	if !initNoInstallLatest {
		if err := doInstall(cmd.Context(), ""); err != nil {
			return err
		}
	}
	if !initNoModifyPath {
		// Shell-profile editing is an external collaborator per spec.md §1;
		// ampup only reports where it would add a PATH entry.
		l := newLayout()
		binDir, err := l.BinDir()
		if err != nil {
			return err
		}
		fmt.Printf("add %s to your PATH\n", binDir)
	}
	return nil
}
