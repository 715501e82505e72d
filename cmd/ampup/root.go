package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ampup/ampup/layout"
	"github.com/ampup/ampup/releaseclient"
)

var (
	installDir string
	verbose    bool
	repoFlag   string
	log        = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:           "ampup",
	Short:         "Install, switch between, and build versions of ampd/ampctl",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&installDir, "install-dir", "", "override the install root (default: $AMP_DIR, $XDG_CONFIG_HOME/.amp, or $HOME/.amp)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "source repository, owner/name (default: $AMP_REPO or "+releaseclient.DefaultRepo+")")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(useCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(selfCmd)
	rootCmd.AddCommand(initCmd)
}

func newLayout() *layout.Layout {
	return &layout.Layout{Getenv: os.Getenv, InstallDirOverride: installDir}
}

func resolvedRepo() string {
	if repoFlag != "" {
		return repoFlag
	}
	if v := os.Getenv("AMP_REPO"); v != "" {
		return v
	}
	return releaseclient.DefaultRepo
}

func newReleaseClient() (*releaseclient.Client, error) {
	return releaseclient.New(releaseclient.Config{
		Repo:  resolvedRepo(),
		Token: os.Getenv("GITHUB_TOKEN"),
		Log:   log,
	})
}
