package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ampup/ampup/installer"
	"github.com/ampup/ampup/layout"
	"github.com/ampup/ampup/releaseclient"
	"github.com/ampup/ampup/versionmanager"
)

var (
	installArch     string
	installPlatform string
)

var installCmd = &cobra.Command{
	Use:   "install [VERSION]",
	Short: "Install a release, optionally a specific version (default: latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstall,
}

func init() {
	installCmd.Flags().StringVar(&installArch, "arch", "", "override detected architecture")
	installCmd.Flags().StringVar(&installPlatform, "platform", "", "override detected platform")
}

func runInstall(cmd *cobra.Command, args []string) error {
	var version string
	if len(args) == 1 {
		version = args[0]
	}
	return doInstall(cmd.Context(), version)
}

func doInstall(ctx context.Context, version string) error {
	l := newLayout()
	if installArch != "" {
		l.ArchOverride = layout.Arch(installArch)
	}
	if installPlatform != "" {
		l.PlatformOverride = layout.Platform(installPlatform)
	}

	// Unsupported platform/arch must fail before any network call, so this
	// is checked before the release is resolved.
	suffix, err := l.AssetSuffix()
	if err != nil {
		return err
	}

	client, err := newReleaseClient()
	if err != nil {
		return err
	}

	release, err := client.ResolveRelease(ctx, version)
	if err != nil {
		return err
	}

	vm := versionmanager.New(l, log)

	// Re-installing an already-installed version is short-circuited before
	// any download: just (re)activate it, per §4.3's idempotence note.
	if installed, err := vm.IsInstalled(release.Tag); err != nil {
		return err
	} else if installed {
		if err := vm.Activate(release.Tag); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s already installed, activated\n", release.Tag)
		return nil
	}

	asset, err := releaseclient.SelectAsset(release, suffix)
	if err != nil {
		return err
	}

	in := installer.New(l, client, log)
	progress := newProgressBar(asset.Name)
	if err := in.Install(ctx, release.Tag, *asset, progress); err != nil {
		return err
	}

	if err := vm.Activate(release.Tag); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "installed and activated %s\n", release.Tag)
	return nil
}
