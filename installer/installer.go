// Package installer stages a downloaded release asset into a new versioned
// slot: stream the asset to disk, extract its archive, verify every target
// binary is present and executable, then promote the result into place via
// a staging-then-rename discipline.
package installer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	archiver "github.com/jfrog/archiver/v3"
	"github.com/sirupsen/logrus"

	"github.com/ampup/ampup/amperrors"
	"github.com/ampup/ampup/internal/atomicfs"
	"github.com/ampup/ampup/layout"
	"github.com/ampup/ampup/releaseclient"
)

// AssetDownloader is the subset of releaseclient.Client the Installer needs;
// narrowed to an interface so tests can substitute a fake downloader.
type AssetDownloader interface {
	DownloadAsset(ctx context.Context, asset releaseclient.Asset, dest io.Writer, progress releaseclient.ProgressFunc) error
}

// Installer stages and promotes a release asset into Layout's versions/ tree.
type Installer struct {
	Layout   *layout.Layout
	Releases AssetDownloader
	Log      logrus.FieldLogger
}

// New returns an Installer that downloads through releases and stages under l.
func New(l *layout.Layout, releases AssetDownloader, log logrus.FieldLogger) *Installer {
	if log == nil {
		log = logrus.New()
	}
	return &Installer{Layout: l, Releases: releases, Log: log}
}

// Install downloads asset, extracts it, and promotes it to versions/<version>.
// progress is forwarded from the download step only; extraction has no
// natural progress signal and is expected to be fast relative to download.
func (in *Installer) Install(ctx context.Context, version string, asset releaseclient.Asset, progress releaseclient.ProgressFunc) error {
	versionsDir, err := in.Layout.VersionsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(versionsDir, 0o755); err != nil {
		return &amperrors.IOError{Op: "mkdir", Path: versionsDir, Cause: err}
	}

	staging := filepath.Join(versionsDir, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return &amperrors.IOError{Op: "mkdir", Path: staging, Cause: err}
	}
	defer os.RemoveAll(staging)

	archivePath := filepath.Join(staging, "archive"+archiveExt(asset.Name))
	if err := in.download(ctx, asset, archivePath, progress); err != nil {
		return err
	}

	unpacked := filepath.Join(staging, "unpacked")
	if err := extract(archivePath, unpacked); err != nil {
		return err
	}
	if err := flattenSingleTopLevelDir(unpacked); err != nil {
		return err
	}
	if err := enforceExecutable(unpacked); err != nil {
		return err
	}
	if err := verifyComplete(unpacked); err != nil {
		return err
	}

	dest, err := in.Layout.VersionDir(version)
	if err != nil {
		return err
	}
	if exists, err := atomicfs.Exists(dest); err != nil {
		return &amperrors.IOError{Op: "stat", Path: dest, Cause: err}
	} else if exists {
		return &amperrors.AlreadyInstalledError{Version: version}
	}

	if err := atomicfs.RenameWithFallback(unpacked, dest); err != nil {
		return &amperrors.IOError{Op: "rename", Path: dest, Cause: err}
	}

	in.Log.WithField("version", version).Info("installed version")
	return nil
}

func (in *Installer) download(ctx context.Context, asset releaseclient.Asset, dest string, progress releaseclient.ProgressFunc) error {
	f, err := os.Create(dest)
	if err != nil {
		return &amperrors.IOError{Op: "create", Path: dest, Cause: err}
	}
	defer f.Close()

	if err := in.Releases.DownloadAsset(ctx, asset, f, progress); err != nil {
		return err
	}
	return nil
}

func archiveExt(name string) string {
	switch {
	case hasAnySuffix(name, ".tar.gz", ".tgz"):
		return ".tar.gz"
	case hasAnySuffix(name, ".tar"):
		return ".tar"
	case hasAnySuffix(name, ".zip"):
		return ".zip"
	default:
		return filepath.Ext(name)
	}
}

func hasAnySuffix(name string, suffixes ...string) bool {
	for _, s := range suffixes {
		if len(name) >= len(s) && name[len(name)-len(s):] == s {
			return true
		}
	}
	return false
}

// extract dispatches on archivePath's extension across the closed set of
// recognized archive formats (gzip-tar, plain tar, zip); archiver.Unarchive
// already performs this dispatch internally, so this is a thin,
// error-classifying wrapper over it.
func extract(archivePath, dest string) error {
	if err := archiver.Unarchive(archivePath, dest); err != nil {
		return &amperrors.ArchiveError{Path: archivePath, Cause: err}
	}
	return nil
}

// flattenSingleTopLevelDir rewrites dest in place if its only entry is a
// single directory, moving that directory's contents up one level. Release
// archives commonly wrap their payload in one top-level directory; both
// shapes (flat or wrapped) must be accepted.
func flattenSingleTopLevelDir(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return &amperrors.IOError{Op: "readdir", Path: dest, Cause: err}
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	wrapped := filepath.Join(dest, entries[0].Name())
	tmp := dest + ".flatten-tmp"
	if err := os.Rename(wrapped, tmp); err != nil {
		return &amperrors.IOError{Op: "rename", Path: wrapped, Cause: err}
	}
	if err := os.Remove(dest); err != nil {
		return &amperrors.IOError{Op: "remove", Path: dest, Cause: err}
	}
	if err := os.Rename(tmp, dest); err != nil {
		return &amperrors.IOError{Op: "rename", Path: tmp, Cause: err}
	}
	return nil
}

// enforceExecutable sets mode 0o755 on every target binary present in dest,
// since archive formats don't reliably preserve the executable bit across
// platforms.
func enforceExecutable(dest string) error {
	for _, name := range layout.TargetBinaries {
		path := filepath.Join(dest, name)
		if ok, err := atomicfs.IsRegular(path); err != nil {
			return &amperrors.IOError{Op: "stat", Path: path, Cause: err}
		} else if !ok {
			continue
		}
		if err := os.Chmod(path, 0o755); err != nil {
			return &amperrors.IOError{Op: "chmod", Path: path, Cause: err}
		}
	}
	return nil
}

// verifyComplete fails with IncompleteAssetError for the first missing
// target binary.
func verifyComplete(dest string) error {
	for _, name := range layout.TargetBinaries {
		ok, err := atomicfs.IsRegular(filepath.Join(dest, name))
		if err != nil {
			return &amperrors.IOError{Op: "stat", Path: filepath.Join(dest, name), Cause: err}
		}
		if !ok {
			return &amperrors.IncompleteAssetError{Name: name}
		}
	}
	return nil
}
