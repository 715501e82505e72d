package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ampup/ampup/versionmanager"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed versions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	l := newLayout()
	vm := versionmanager.New(l, log)

	entries, err := vm.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		marker := "  "
		if e.Active {
			marker = "* "
		}
		fmt.Printf("%s%s\n", marker, e.Version)
	}
	return nil
}
