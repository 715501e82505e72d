package builder

import "github.com/ampup/ampup/amperrors"

// RefKind discriminates the closed set of ways a build can be sourced.
type RefKind int

const (
	RefBranch RefKind = iota
	RefCommit
	RefPR
	RefPath
	RefDefault
)

// SourceRef is a closed tagged variant selecting what Builder compiles:
// exactly one of a branch, a commit, a pull request, a local path, or the
// repo's default branch. There is no open extension point here by design.
type SourceRef struct {
	Kind RefKind

	// Repo is "owner/name"; empty means the configured default repo.
	// Unused when Kind is RefPath.
	Repo string

	Branch string // RefBranch
	Commit string // RefCommit
	PR     int    // RefPR
	Path   string // RefPath
}

// NewBranchRef, NewCommitRef, NewPRRef, NewPathRef, NewDefaultRef construct
// a SourceRef of the matching kind with only that kind's fields set. The
// fields are exported, so a caller can also build a SourceRef literal
// directly; Build validates the ref and rejects one whose kind is unknown
// or is missing its kind's required field.

func NewBranchRef(repo, branch string) SourceRef { return SourceRef{Kind: RefBranch, Repo: repo, Branch: branch} }
func NewCommitRef(repo, commit string) SourceRef { return SourceRef{Kind: RefCommit, Repo: repo, Commit: commit} }
func NewPRRef(repo string, pr int) SourceRef     { return SourceRef{Kind: RefPR, Repo: repo, PR: pr} }
func NewPathRef(path string) SourceRef           { return SourceRef{Kind: RefPath, Path: path} }
func NewDefaultRef(repo string) SourceRef        { return SourceRef{Kind: RefDefault, Repo: repo} }

func (r SourceRef) validate() error {
	switch r.Kind {
	case RefBranch:
		if r.Branch == "" {
			return &amperrors.BadArgumentError{Msg: "branch ref requires a branch name"}
		}
	case RefCommit:
		if r.Commit == "" {
			return &amperrors.BadArgumentError{Msg: "commit ref requires a sha"}
		}
	case RefPR:
		if r.PR <= 0 {
			return &amperrors.BadArgumentError{Msg: "pr ref requires a positive pull request number"}
		}
	case RefPath:
		if r.Path == "" {
			return &amperrors.BadArgumentError{Msg: "path ref requires a local directory"}
		}
	case RefDefault:
	default:
		return &amperrors.BadArgumentError{Msg: "unrecognized source ref kind"}
	}
	return nil
}
