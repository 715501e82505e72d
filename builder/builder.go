// Package builder implements the build-from-source pipeline: materialize a
// workspace from a SourceRef, invoke the upstream build tool, locate the
// compiled binaries, name the resulting version, and stage it into the same
// versions/<V>/ slot shape Installer produces. Workspace preparation follows
// a clone-then-checkout pattern (simplified: builder always starts from a
// clean staging directory, so it never needs an update/submodule-defense
// cycle), and build/probe subprocesses run under internal/procmon.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ampup/ampup/amperrors"
	"github.com/ampup/ampup/internal/atomicfs"
	"github.com/ampup/ampup/internal/procmon"
	"github.com/ampup/ampup/layout"
	"github.com/ampup/ampup/releaseclient"
	"github.com/ampup/ampup/versionmanager"
)

// ReleaseResolver is the subset of releaseclient.Client Builder needs to
// turn a branch/commit/PR/default ref into a clone URL and checkout target.
type ReleaseResolver interface {
	ResolveBranch(ctx context.Context, repo, branch string) (*releaseclient.ResolvedRef, error)
	ResolveCommit(ctx context.Context, repo, commit string) (*releaseclient.ResolvedRef, error)
	ResolvePR(ctx context.Context, repo string, number int) (*releaseclient.ResolvedRef, error)
	ResolveDefault(ctx context.Context, repo string) (*releaseclient.ResolvedRef, error)
}

// conventionalOutputDir is the build tool's default release-artifact
// location relative to the workspace root.
const conventionalOutputDir = "target/release"

// Builder compiles a SourceRef and stages the result as a new version slot.
type Builder struct {
	Layout   *layout.Layout
	Resolver ReleaseResolver
	Git      GitCloner
	Log      logrus.FieldLogger

	// BuildCommand is the upstream build tool invocation, argv-style,
	// without the jobs flag (appended separately when Jobs > 0). Defaults
	// to {"cargo", "build", "--release"}.
	BuildCommand []string
	// InactivityTimeout bounds how long the build subprocess may run with
	// no output before it's killed as stalled.
	InactivityTimeout time.Duration
	// VersionProbeTimeout bounds the "--version" invocation used for
	// naming.
	VersionProbeTimeout time.Duration
}

// New returns a Builder with teacher-grounded defaults filled in.
func New(l *layout.Layout, resolver ReleaseResolver, log logrus.FieldLogger) *Builder {
	if log == nil {
		log = logrus.New()
	}
	return &Builder{
		Layout:              l,
		Resolver:            resolver,
		Git:                 vcsGitCloner{},
		Log:                 log,
		BuildCommand:        []string{"cargo", "build", "--release"},
		InactivityTimeout:   2 * time.Minute,
		VersionProbeTimeout: 10 * time.Second,
	}
}

// Options carries the per-invocation knobs Build needs beyond the ref
// itself.
type Options struct {
	CustomName string
	Jobs       int
	Output     io.Writer // build subprocess output; nil discards
}

// Build materializes ref, compiles it, and promotes the result into a new
// versions/<name> slot, returning the chosen name.
func (b *Builder) Build(ctx context.Context, ref SourceRef, opts Options) (string, error) {
	if err := ref.validate(); err != nil {
		return "", err
	}
	if opts.CustomName != "" {
		if err := versionmanager.ValidateVersionName(opts.CustomName); err != nil {
			return "", err
		}
	}

	versionsDir, err := b.Layout.VersionsDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(versionsDir, 0o755); err != nil {
		return "", &amperrors.IOError{Op: "mkdir", Path: versionsDir, Cause: err}
	}

	staging := filepath.Join(versionsDir, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", &amperrors.IOError{Op: "mkdir", Path: staging, Cause: err}
	}
	defer os.RemoveAll(staging)

	workDir, err := b.prepareWorkspace(ctx, ref, staging)
	if err != nil {
		return "", err
	}

	if err := b.invokeBuildTool(ctx, workDir, opts); err != nil {
		return "", err
	}

	built, err := b.locateArtifacts(workDir)
	if err != nil {
		return "", err
	}

	name, err := b.determineVersionName(ctx, opts.CustomName, workDir, built)
	if err != nil {
		return "", err
	}

	unpacked := filepath.Join(staging, "unpacked")
	if err := os.MkdirAll(unpacked, 0o755); err != nil {
		return "", &amperrors.IOError{Op: "mkdir", Path: unpacked, Cause: err}
	}
	for binName, path := range built {
		if err := atomicfs.CopyFile(path, filepath.Join(unpacked, binName)); err != nil {
			return "", &amperrors.IOError{Op: "copy", Path: path, Cause: err}
		}
		if err := os.Chmod(filepath.Join(unpacked, binName), 0o755); err != nil {
			return "", &amperrors.IOError{Op: "chmod", Path: filepath.Join(unpacked, binName), Cause: err}
		}
	}

	dest, err := b.Layout.VersionDir(name)
	if err != nil {
		return "", err
	}
	if exists, err := atomicfs.Exists(dest); err != nil {
		return "", &amperrors.IOError{Op: "stat", Path: dest, Cause: err}
	} else if exists {
		return "", &amperrors.AlreadyInstalledError{Version: name}
	}
	if err := atomicfs.RenameWithFallback(unpacked, dest); err != nil {
		return "", &amperrors.IOError{Op: "rename", Path: dest, Cause: err}
	}

	b.Log.WithFields(logrus.Fields{"version": name}).Info("built version from source")
	return name, nil
}

// prepareWorkspace returns the directory the build tool should run in: a
// freshly cloned-and-checked-out tree for remote refs, or the caller's path
// directly for RefPath (read-only; the build tool is expected to write only
// under target/).
func (b *Builder) prepareWorkspace(ctx context.Context, ref SourceRef, staging string) (string, error) {
	if ref.Kind == RefPath {
		if ok, err := atomicfs.IsDir(ref.Path); err != nil {
			return "", &amperrors.IOError{Op: "stat", Path: ref.Path, Cause: err}
		} else if !ok {
			return "", &amperrors.IOError{Op: "stat", Path: ref.Path, Cause: fmt.Errorf("not a directory")}
		}
		return ref.Path, nil
	}

	resolved, err := b.resolveRef(ctx, ref)
	if err != nil {
		return "", err
	}

	src := filepath.Join(staging, "src")
	if err := b.Git.CloneAndCheckout(resolved.CloneURL, resolved.Ref, src); err != nil {
		return "", err
	}
	return src, nil
}

func (b *Builder) resolveRef(ctx context.Context, ref SourceRef) (*releaseclient.ResolvedRef, error) {
	switch ref.Kind {
	case RefBranch:
		return b.Resolver.ResolveBranch(ctx, ref.Repo, ref.Branch)
	case RefCommit:
		return b.Resolver.ResolveCommit(ctx, ref.Repo, ref.Commit)
	case RefPR:
		return b.Resolver.ResolvePR(ctx, ref.Repo, ref.PR)
	case RefDefault:
		return b.Resolver.ResolveDefault(ctx, ref.Repo)
	default:
		return nil, &amperrors.BadArgumentError{Msg: "source ref cannot be resolved remotely"}
	}
}

func (b *Builder) invokeBuildTool(ctx context.Context, workDir string, opts Options) error {
	args := append([]string{}, b.BuildCommand[1:]...)
	if opts.Jobs > 0 {
		args = append(args, "-j", strconv.Itoa(opts.Jobs))
	}
	cmd := exec.Command(b.BuildCommand[0], args...)
	cmd.Dir = workDir

	// opts.Output is shared between the stdout and stderr sinks, which run
	// concurrently on the two streams; serialize writes to it so a caller
	// passing a plain (non-concurrent-safe) writer isn't corrupted.
	output := opts.Output
	if output != nil {
		output = newSerializedWriter(output)
	}
	m := procmon.New(ctx, cmd, b.InactivityTimeout, output, output)
	err := m.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if asExitError(err, &exitErr) {
		return &amperrors.BuildFailedError{ExitCode: exitErr.ExitCode(), Tail: string(m.StderrTail())}
	}
	return &amperrors.BuildFailedError{ExitCode: -1, Tail: string(m.StderrTail())}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

type serializedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newSerializedWriter(w io.Writer) io.Writer { return &serializedWriter{w: w} }

func (s *serializedWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// locateArtifacts finds every target binary at the build tool's
// conventional output path, workDir/target/release/<name>.
func (b *Builder) locateArtifacts(workDir string) (map[string]string, error) {
	out := make(map[string]string, len(layout.TargetBinaries))
	for _, name := range layout.TargetBinaries {
		path := filepath.Join(workDir, conventionalOutputDir, name)
		ok, err := atomicfs.IsRegular(path)
		if err != nil {
			return nil, &amperrors.IOError{Op: "stat", Path: path, Cause: err}
		}
		if !ok {
			return nil, &amperrors.BuildOutputMissingError{Name: name, Path: path}
		}
		out[name] = path
	}
	return out, nil
}

var versionWordPattern = regexp.MustCompile(`v?\d+\.\d+\.\d+(?:-[0-9A-Za-z.]+)?`)

// determineVersionName applies the priority chain from the core design:
// custom name, then the primary binary's --version output, then a short
// commit SHA. The latter two are independent of each other, so they're
// computed concurrently and the priority is applied after both return.
func (b *Builder) determineVersionName(ctx context.Context, customName, workDir string, built map[string]string) (string, error) {
	if customName != "" {
		return customName, nil
	}

	var parsedVersion, shortSHA string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := b.probeVersion(gctx, built[layout.TargetBinaries[0]])
		if err == nil {
			parsedVersion = v
		}
		return nil // a failed probe just falls through to the SHA fallback
	})
	g.Go(func() error {
		sha, err := b.Git.ShortSHA(workDir)
		if err == nil {
			shortSHA = sha
		}
		return nil
	})
	_ = g.Wait()

	name := parsedVersion
	if name == "" {
		name = shortSHA
	}
	if name == "" {
		return "", &amperrors.InvalidVersionNameError{Name: ""}
	}
	if err := versionmanager.ValidateVersionName(name); err != nil {
		return "", err
	}
	return name, nil
}

func (b *Builder) probeVersion(ctx context.Context, binaryPath string) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, b.VersionProbeTimeout)
	defer cancel()

	cmd := exec.Command(binaryPath, "--version")
	var stdout, stderr bytes.Buffer
	m := procmon.New(probeCtx, cmd, b.VersionProbeTimeout, &stdout, &stderr)
	if err := m.Run(); err != nil {
		return "", err
	}

	combined := stdout.String() + stderr.String()
	match := versionWordPattern.FindString(combined)
	if match == "" {
		return "", fmt.Errorf("no version-shaped word in --version output: %q", strings.TrimSpace(combined))
	}
	return match, nil
}
