package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ampup/ampup/versionmanager"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall VERSION",
	Short: "Remove an installed version (no-op, exit 0, if absent)",
	Args:  cobra.ExactArgs(1),
	RunE:  runUninstall,
}

func runUninstall(cmd *cobra.Command, args []string) error {
	l := newLayout()
	vm := versionmanager.New(l, log)

	found, err := vm.Uninstall(args[0])
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s was not installed\n", args[0])
		return nil
	}
	fmt.Printf("uninstalled %s\n", args[0])
	return nil
}
