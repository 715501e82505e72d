// Package selfupdate implements ampup's own atomic self-replacement: stage
// a new manager binary next to the live one, verify it reports the
// expected version, then rename it over the running executable. POSIX
// rename semantics make this safe while the process is running — the old
// inode stays valid for the process that has it open until exit.
package selfupdate

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ampup/ampup/amperrors"
	"github.com/ampup/ampup/internal/procmon"
	"github.com/ampup/ampup/layout"
	"github.com/ampup/ampup/releaseclient"
)

// AssetSource is the subset of releaseclient.Client SelfUpdater needs:
// resolve a release and stream one of its assets.
type AssetSource interface {
	ResolveRelease(ctx context.Context, version string) (*releaseclient.Release, error)
	DownloadAsset(ctx context.Context, asset releaseclient.Asset, dest io.Writer, progress releaseclient.ProgressFunc) error
}

// SelfUpdater fetches and atomically installs a new ampup binary.
type SelfUpdater struct {
	Layout         *layout.Layout
	Releases       AssetSource
	Log            logrus.FieldLogger
	CurrentVersion string
	VerifyTimeout  time.Duration
}

// New returns a SelfUpdater. currentVersion is the running process's own
// version string, used for the idempotence short-circuit.
func New(l *layout.Layout, releases AssetSource, currentVersion string, log logrus.FieldLogger) *SelfUpdater {
	if log == nil {
		log = logrus.New()
	}
	return &SelfUpdater{
		Layout:         l,
		Releases:       releases,
		Log:            log,
		CurrentVersion: currentVersion,
		VerifyTimeout:  10 * time.Second,
	}
}

// Result reports what Update did.
type Result struct {
	Updated bool
	Version string
}

// Update resolves targetVersion (empty for latest), and if it differs from
// CurrentVersion, downloads, verifies, and atomically installs it.
// assetSuffix is the caller's platform/arch token (Layout.AssetSuffix()).
func (s *SelfUpdater) Update(ctx context.Context, targetVersion, assetSuffix string, progress releaseclient.ProgressFunc) (Result, error) {
	release, err := s.Releases.ResolveRelease(ctx, targetVersion)
	if err != nil {
		return Result{}, err
	}

	if release.Tag == s.CurrentVersion {
		s.Log.WithField("version", release.Tag).Info("no update needed")
		return Result{Updated: false, Version: release.Tag}, nil
	}

	asset, err := releaseclient.SelectAsset(release, assetSuffix)
	if err != nil {
		return Result{}, err
	}

	managerPath, err := s.Layout.ManagerBinaryPath()
	if err != nil {
		return Result{}, err
	}
	binDir := filepath.Dir(managerPath)
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return Result{}, &amperrors.IOError{Op: "mkdir", Path: binDir, Cause: err}
	}

	staged := filepath.Join(binDir, ".ampup.new-"+uuid.NewString())
	defer os.Remove(staged)

	if err := s.download(ctx, asset, staged, progress); err != nil {
		return Result{}, err
	}

	if err := s.verify(ctx, staged, release.Tag); err != nil {
		return Result{}, err
	}

	if err := renameAtomicNoFallback(staged, managerPath); err != nil {
		return Result{}, err
	}

	s.Log.WithField("version", release.Tag).Info("self-updated")
	return Result{Updated: true, Version: release.Tag}, nil
}

func (s *SelfUpdater) download(ctx context.Context, asset releaseclient.Asset, dest string, progress releaseclient.ProgressFunc) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return &amperrors.IOError{Op: "create", Path: dest, Cause: err}
	}
	defer f.Close()

	if err := s.Releases.DownloadAsset(ctx, asset, f, progress); err != nil {
		return err
	}

	fi, err := f.Stat()
	if err != nil {
		return &amperrors.IOError{Op: "stat", Path: dest, Cause: err}
	}
	if fi.Size() == 0 {
		return &amperrors.DownloadError{Asset: asset.Name, Cause: os.ErrInvalid}
	}
	return os.Chmod(dest, 0o755)
}

// verify runs "<staged> --version" and checks its output names wanted,
// per the protocol's optional verification step. A probe failure (the
// binary doesn't run, or prints nothing version-shaped) is treated as a
// mismatch rather than silently trusting the download.
func (s *SelfUpdater) verify(ctx context.Context, staged, wanted string) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.VerifyTimeout)
	defer cancel()

	cmd := exec.Command(staged, "--version")
	var stdout, stderr bytes.Buffer
	m := procmon.New(probeCtx, cmd, s.VerifyTimeout, &stdout, &stderr)
	if err := m.Run(); err != nil {
		return &amperrors.VersionMismatchError{Wanted: wanted, Got: "(failed to run: " + err.Error() + ")"}
	}

	got := stdout.String() + stderr.String()
	if !containsVersion(got, wanted) {
		return &amperrors.VersionMismatchError{Wanted: wanted, Got: got}
	}
	return nil
}

func containsVersion(output, wanted string) bool {
	return wanted != "" && strings.Contains(output, wanted)
}

// renameAtomicNoFallback renames src over dest without the cross-device
// copy fallback atomicfs.RenameWithFallback offers elsewhere: a self-update
// must either complete atomically or fail cleanly, never degrade to a
// copy-then-delete that could leave no valid manager binary if interrupted
// partway through.
func renameAtomicNoFallback(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}
	if runtime.GOOS != "windows" {
		if linkErr, ok := err.(*os.LinkError); ok {
			if errno, ok := linkErr.Err.(syscall.Errno); ok && errno == syscall.EXDEV {
				return &amperrors.StagingFilesystemError{Staged: src, Target: dest}
			}
		}
	}
	return &amperrors.IOError{Op: "rename", Path: dest, Cause: err}
}
