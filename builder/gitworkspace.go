package builder

import (
	"github.com/Masterminds/vcs"

	"github.com/ampup/ampup/amperrors"
)

// GitCloner materializes a workspace from a remote git repository. The
// production implementation constructs a *vcs.GitRepo per call and wraps
// errors from its Get/UpdateVersion calls as GitError; builder only needs
// clone-then-checkout, not a full update/submodule-defense cycle, since
// every build starts from a fresh staging directory.
type GitCloner interface {
	// CloneAndCheckout clones cloneURL into dest and checks out ref (a
	// branch name or commit SHA). The production implementation makes a
	// full clone with history; it does not make a shallow clone.
	CloneAndCheckout(cloneURL, ref, dest string) error
	// ShortSHA returns the abbreviated commit SHA checked out at dest.
	ShortSHA(dest string) (string, error)
}

// vcsGitCloner is the production GitCloner, backed by Masterminds/vcs.
type vcsGitCloner struct{}

func (vcsGitCloner) CloneAndCheckout(cloneURL, ref, dest string) error {
	repo, err := vcs.NewGitRepo(cloneURL, dest)
	if err != nil {
		return &amperrors.GitError{Op: "construct repo", Cause: err}
	}
	if err := repo.Get(); err != nil {
		return &amperrors.GitError{Op: "clone " + cloneURL, Cause: err}
	}
	if ref != "" {
		if err := repo.UpdateVersion(ref); err != nil {
			return &amperrors.GitError{Op: "checkout " + ref, Cause: err}
		}
	}
	return nil
}

func (vcsGitCloner) ShortSHA(dest string) (string, error) {
	repo, err := vcs.NewGitRepo("", dest)
	if err != nil {
		return "", &amperrors.GitError{Op: "construct repo", Cause: err}
	}
	v, err := repo.Version()
	if err != nil {
		return "", &amperrors.GitError{Op: "read checked-out commit", Cause: err}
	}
	if len(v) > 12 {
		v = v[:12]
	}
	return v, nil
}
