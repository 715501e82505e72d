package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"

	"github.com/ampup/ampup/amperrors"
	"github.com/ampup/ampup/releaseclient"
)

// errorChain renders err as a one-line summary followed by each wrapped
// cause, per the command layer's error-handling contract.
func errorChain(err error) []string {
	if err == nil {
		return []string{""}
	}
	return amperrors.Chain(err)
}

// remediationHint produces the "try: ampup ..." suggestion for error kinds
// that have an obvious next action; most kinds have none.
func remediationHint(err error) string {
	switch e := err.(type) {
	case *amperrors.ReleaseNotFoundError:
		return fmt.Sprintf("ampup install --repo <owner/name> %s   # if %q is published in another repository", e.Version, e.Version)
	case *amperrors.AuthRequiredError:
		return "export GITHUB_TOKEN=... and retry"
	case *amperrors.NotInstalledError:
		return fmt.Sprintf("ampup install %s", e.Version)
	case *amperrors.AlreadyInstalledError:
		return fmt.Sprintf("ampup use %s", e.Version)
	default:
		return ""
	}
}

// newProgressBar renders an Installer/SelfUpdater download progress
// callback as a terminal bar; this is the out-of-scope UI layer spec.md §1
// delegates to an external collaborator.
func newProgressBar(label string) releaseclient.ProgressFunc {
	var bar *progressbar.ProgressBar
	return func(downloaded, total int64) {
		if bar == nil {
			bar = progressbar.DefaultBytes(total, label)
		}
		bar.Set64(downloaded)
	}
}
