package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ampup/ampup/amperrors"
	"github.com/ampup/ampup/versionmanager"
)

var useCmd = &cobra.Command{
	Use:   "use [VERSION]",
	Short: "Activate an installed version, prompting interactively if omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUse,
}

func runUse(cmd *cobra.Command, args []string) error {
	l := newLayout()
	vm := versionmanager.New(l, log)

	var version string
	if len(args) == 1 {
		version = args[0]
	} else {
		chosen, err := promptForVersion(vm)
		if err != nil {
			return err
		}
		version = chosen
	}

	if err := vm.Use(version); err != nil {
		return err
	}
	fmt.Printf("now using %s\n", version)
	return nil
}

// promptForVersion lists installed versions and reads a choice from stdin.
// It requires a terminal; spec.md explicitly scopes interactive prompting
// as an out-of-scope UI concern, so this is the thinnest possible stand-in.
func promptForVersion(vm *versionmanager.VersionManager) (string, error) {
	entries, err := vm.List()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", &amperrors.NotInstalledError{Version: "(none)"}
	}

	fmt.Println("installed versions:")
	for i, e := range entries {
		fmt.Printf("  %d) %s\n", i+1, e.Version)
	}
	fmt.Print("choose a version: ")

	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", &amperrors.BadArgumentError{Msg: "no version selected"}
		}
		name := sanitizeLine(line)
		for _, e := range entries {
			if e.Version == name {
				return name, nil
			}
		}
		fmt.Print("unrecognized, try again: ")
	}
}

func sanitizeLine(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
