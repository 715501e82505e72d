package installer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ampup/ampup/amperrors"
	"github.com/ampup/ampup/layout"
	"github.com/ampup/ampup/releaseclient"
)

type fakeDownloader struct {
	payload []byte
	err     error
}

func (f *fakeDownloader) DownloadAsset(ctx context.Context, asset releaseclient.Asset, dest io.Writer, progress releaseclient.ProgressFunc) error {
	if f.err != nil {
		return f.err
	}
	_, err := dest.Write(f.payload)
	if progress != nil {
		progress(int64(len(f.payload)), int64(len(f.payload)))
	}
	return err
}

func newTestLayout(t *testing.T) *layout.Layout {
	t.Helper()
	return &layout.Layout{Getenv: func(string) string { return "" }, InstallDirOverride: t.TempDir()}
}

// tarGzWithWrapperDir builds a .tar.gz whose contents sit under a single
// top-level directory, the common shape release archives use.
func tarGzWithWrapperDir(t *testing.T, wrapper string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for name, content := range files {
		hdr := &tar.Header{
			Name: filepath.Join(wrapper, name),
			Mode: 0o755,
			Size: int64(len(content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func zipFlat(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestInstallExtractsTarGzWrapperDirAndPromotes(t *testing.T) {
	l := newTestLayout(t)
	payload := tarGzWithWrapperDir(t, "amp-v1.2.3", map[string]string{
		"ampd":   "#!/bin/sh\necho ampd\n",
		"ampctl": "#!/bin/sh\necho ampctl\n",
	})

	in := New(l, &fakeDownloader{payload: payload}, nil)
	err := in.Install(context.Background(), "v1.2.3", releaseclient.Asset{Name: "amp-v1.2.3-linux-x86_64.tar.gz"}, nil)
	require.NoError(t, err)

	dir, err := l.VersionDir("v1.2.3")
	require.NoError(t, err)
	for _, name := range layout.TargetBinaries {
		fi, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		require.True(t, fi.Mode().IsRegular())
		require.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
	}
}

func TestInstallExtractsFlatZip(t *testing.T) {
	l := newTestLayout(t)
	payload := zipFlat(t, map[string]string{
		"ampd":   "binary-content-d",
		"ampctl": "binary-content-ctl",
	})

	in := New(l, &fakeDownloader{payload: payload}, nil)
	err := in.Install(context.Background(), "v2.0.0", releaseclient.Asset{Name: "amp-v2.0.0-darwin-aarch64.zip"}, nil)
	require.NoError(t, err)

	dir, err := l.VersionDir("v2.0.0")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "ampd"))
	require.NoError(t, err)
	require.Equal(t, "binary-content-d", string(data))
}

func TestInstallMissingBinaryIsIncompleteAssetError(t *testing.T) {
	l := newTestLayout(t)
	payload := tarGzWithWrapperDir(t, "amp", map[string]string{"ampd": "only one binary"})

	in := New(l, &fakeDownloader{payload: payload}, nil)
	err := in.Install(context.Background(), "v1.0.0", releaseclient.Asset{Name: "amp-linux-x86_64.tar.gz"}, nil)

	var incomplete *amperrors.IncompleteAssetError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, "ampctl", incomplete.Name)
}

func TestInstallAlreadyExistingSlotFailsAndLeavesStagingRemoved(t *testing.T) {
	l := newTestLayout(t)
	dir, err := l.VersionDir("v1.2.3")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	payload := tarGzWithWrapperDir(t, "amp", map[string]string{"ampd": "x", "ampctl": "y"})
	in := New(l, &fakeDownloader{payload: payload}, nil)

	err = in.Install(context.Background(), "v1.2.3", releaseclient.Asset{Name: "amp-linux-x86_64.tar.gz"}, nil)
	var already *amperrors.AlreadyInstalledError
	require.ErrorAs(t, err, &already)

	versionsDir, err := l.VersionsDir()
	require.NoError(t, err)
	entries, err := os.ReadDir(versionsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1) // only the pre-existing v1.2.3, staging cleaned up
}

func TestInstallDownloadFailureCleansUpStaging(t *testing.T) {
	l := newTestLayout(t)
	in := New(l, &fakeDownloader{err: &amperrors.NetworkError{Op: "download", Cause: context.DeadlineExceeded}}, nil)

	err := in.Install(context.Background(), "v1.0.0", releaseclient.Asset{Name: "amp-linux-x86_64.tar.gz"}, nil)
	require.Error(t, err)

	versionsDir, err := l.VersionsDir()
	require.NoError(t, err)
	entries, err := os.ReadDir(versionsDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestInstallReportsProgress(t *testing.T) {
	l := newTestLayout(t)
	payload := tarGzWithWrapperDir(t, "amp", map[string]string{"ampd": "x", "ampctl": "y"})
	in := New(l, &fakeDownloader{payload: payload}, nil)

	var gotDownloaded, gotTotal int64
	err := in.Install(context.Background(), "v1.0.0", releaseclient.Asset{Name: "amp-linux-x86_64.tar.gz"}, func(downloaded, total int64) {
		gotDownloaded, gotTotal = downloaded, total
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), gotDownloaded)
	require.Equal(t, int64(len(payload)), gotTotal)
}
