package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ampup/ampup/selfupdate"
)

// managerVersion is this ampup binary's own version, set at release build
// time via -ldflags "-X main.managerVersion=vX.Y.Z". It defaults to "dev"
// for locally built binaries, which never equals a real release tag, so
// `self update` always proceeds rather than silently no-op'ing.
var managerVersion = "dev"

var selfCmd = &cobra.Command{
	Use:   "self",
	Short: "Manage the ampup binary itself",
}

var selfUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch and atomically install a newer ampup",
	Args:  cobra.NoArgs,
	RunE:  runSelfUpdate,
}

var selfVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the running ampup's version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(managerVersion)
		return nil
	},
}

func init() {
	selfCmd.AddCommand(selfUpdateCmd)
	selfCmd.AddCommand(selfVersionCmd)
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	l := newLayout()
	client, err := newReleaseClient()
	if err != nil {
		return err
	}
	suffix, err := l.AssetSuffix()
	if err != nil {
		return err
	}

	su := selfupdate.New(l, client, managerVersion, log)
	progress := newProgressBar("ampup")
	res, err := su.Update(cmd.Context(), "", suffix, progress)
	if err != nil {
		return err
	}

	if !res.Updated {
		fmt.Printf("no update needed, already at %s\n", res.Version)
		return nil
	}
	fmt.Printf("updated to %s\n", res.Version)
	return nil
}
