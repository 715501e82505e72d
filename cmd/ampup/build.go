package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ampup/ampup/amperrors"
	"github.com/ampup/ampup/builder"
	"github.com/ampup/ampup/versionmanager"
)

var (
	buildBranch string
	buildCommit string
	buildPR     int
	buildPath   string
	buildName   string
	buildJobs   int
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compile a version from source and stage it as a new installed slot",
	Args:  cobra.NoArgs,
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildBranch, "branch", "", "build the tip of this branch")
	buildCmd.Flags().StringVar(&buildCommit, "commit", "", "build this exact commit")
	buildCmd.Flags().IntVar(&buildPR, "pr", 0, "build the head of this pull request")
	buildCmd.Flags().StringVar(&buildPath, "path", "", "build an existing local checkout")
	buildCmd.Flags().StringVar(&buildName, "name", "", "name the resulting slot explicitly, skipping version detection")
	buildCmd.Flags().IntVar(&buildJobs, "jobs", 0, "parallel build jobs (0: tool default)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ref, err := resolveSourceRefFlags()
	if err != nil {
		return err
	}

	l := newLayout()
	client, err := newReleaseClient()
	if err != nil {
		return err
	}

	b := builder.New(l, client, log)
	name, err := b.Build(cmd.Context(), ref, builder.Options{
		CustomName: buildName,
		Jobs:       buildJobs,
		Output:     os.Stdout,
	})
	if err != nil {
		return err
	}

	vm := versionmanager.New(l, log)
	if err := vm.Activate(name); err != nil {
		return err
	}

	fmt.Printf("built and activated %s\n", name)
	return nil
}

// resolveSourceRefFlags enforces the command surface's mutually-exclusive
// source-flag rule and translates the chosen one into a builder.SourceRef.
func resolveSourceRefFlags() (builder.SourceRef, error) {
	set := 0
	if buildBranch != "" {
		set++
	}
	if buildCommit != "" {
		set++
	}
	if buildPR != 0 {
		set++
	}
	if buildPath != "" {
		set++
	}
	if set > 1 {
		return builder.SourceRef{}, &amperrors.BadArgumentError{Msg: "--branch, --commit, --pr, and --path are mutually exclusive"}
	}

	repo := resolvedRepo()
	switch {
	case buildBranch != "":
		return builder.NewBranchRef(repo, buildBranch), nil
	case buildCommit != "":
		return builder.NewCommitRef(repo, buildCommit), nil
	case buildPR != 0:
		return builder.NewPRRef(repo, buildPR), nil
	case buildPath != "":
		return builder.NewPathRef(buildPath), nil
	default:
		return builder.NewDefaultRef(repo), nil
	}
}
