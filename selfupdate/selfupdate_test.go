package selfupdate

import (
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

func newTestLayout(t *testing.T) *layout.Layout {
	t.Helper()
	return &layout.Layout{Getenv: func(string) string { return "" }, InstallDirOverride: t.TempDir()}
}

type fakeAssetSource struct {
	release                 *releaseclient.Release
	payload                 []byte
	resolveErr, downloadErr error
}

func (f *fakeAssetSource) ResolveRelease(ctx context.Context, version string) (*releaseclient.Release, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.release, nil
}

func (f *fakeAssetSource) DownloadAsset(ctx context.Context, asset releaseclient.Asset, dest io.Writer, progress releaseclient.ProgressFunc) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	_, err := dest.Write(f.payload)
	if progress != nil {
		progress(int64(len(f.payload)), int64(len(f.payload)))
	}
	return err
}

// scriptPayload is a shell script standing in for a compiled ampup binary;
// its --version output is used by the verification step.
func scriptPayload(versionOutput string) []byte {
	return []byte("#!/bin/sh\necho \"" + versionOutput + "\"\n")
}

func writeLiveManager(t *testing.T, l *layout.Layout, content string) string {
	t.Helper()
	path, err := l.ManagerBinaryPath()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestUpdateIsNoOpWhenAlreadyCurrent(t *testing.T) {
	l := newTestLayout(t)
	managerPath := writeLiveManager(t, l, "#!/bin/sh\necho old\n")

	src := &fakeAssetSource{release: &releaseclient.Release{Tag: "v1.2.0", Assets: []releaseclient.Asset{{ID: 1, Name: "ampup-linux-amd64"}}}}
	s := New(l, src, "v1.2.0", nil)

	res, err := s.Update(context.Background(), "v1.2.0", "linux-amd64", nil)
	require.NoError(t, err)
	require.False(t, res.Updated)
	require.Equal(t, "v1.2.0", res.Version)

	got, err := os.ReadFile(managerPath)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho old\n", string(got))
}

func TestUpdateReplacesManagerAtomically(t *testing.T) {
	l := newTestLayout(t)
	managerPath := writeLiveManager(t, l, "#!/bin/sh\necho old\n")

	src := &fakeAssetSource{
		release: &releaseclient.Release{Tag: "v2.0.0", Assets: []releaseclient.Asset{{ID: 1, Name: "ampup-linux-amd64.tar.gz"}}},
		payload: scriptPayload("v2.0.0"),
	}
	s := New(l, src, "v1.2.0", nil)

	var lastProgress int64
	res, err := s.Update(context.Background(), "v2.0.0", "linux-amd64", func(downloaded, total int64) { lastProgress = downloaded })
	require.NoError(t, err)
	require.True(t, res.Updated)
	require.Equal(t, "v2.0.0", res.Version)
	require.Equal(t, int64(len(src.payload)), lastProgress)

	got, err := os.ReadFile(managerPath)
	require.NoError(t, err)
	require.Equal(t, string(src.payload), string(got))

	entries, err := os.ReadDir(filepath.Dir(managerPath))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".ampup.new-")
	}
}

func TestUpdateRejectsVersionMismatch(t *testing.T) {
	l := newTestLayout(t)
	managerPath := writeLiveManager(t, l, "#!/bin/sh\necho old\n")

	src := &fakeAssetSource{
		release: &releaseclient.Release{Tag: "v2.0.0", Assets: []releaseclient.Asset{{ID: 1, Name: "ampup-linux-amd64.tar.gz"}}},
		payload: scriptPayload("v9.9.9"),
	}
	s := New(l, src, "v1.2.0", nil)

	_, err := s.Update(context.Background(), "v2.0.0", "linux-amd64", nil)
	var mismatch *amperrors.VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "v2.0.0", mismatch.Wanted)

	got, err := os.ReadFile(managerPath)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho old\n", string(got))

	entries, err := os.ReadDir(filepath.Dir(managerPath))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".ampup.new-")
	}
}

func TestUpdateSurfacesDownloadFailure(t *testing.T) {
	l := newTestLayout(t)
	writeLiveManager(t, l, "#!/bin/sh\necho old\n")

	src := &fakeAssetSource{
		release:     &releaseclient.Release{Tag: "v2.0.0", Assets: []releaseclient.Asset{{ID: 1, Name: "ampup-linux-amd64.tar.gz"}}},
		downloadErr: &amperrors.NetworkError{Op: "download", Cause: context.DeadlineExceeded},
	}
	s := New(l, src, "v1.2.0", nil)

	_, err := s.Update(context.Background(), "v2.0.0", "linux-amd64", nil)
	var netErr *amperrors.NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestUpdateNoMatchingAssetIsAssetNotFound(t *testing.T) {
	l := newTestLayout(t)
	writeLiveManager(t, l, "#!/bin/sh\necho old\n")

	src := &fakeAssetSource{release: &releaseclient.Release{Tag: "v2.0.0", Assets: []releaseclient.Asset{{ID: 1, Name: "ampup-darwin-arm64.tar.gz"}}}}
	s := New(l, src, "v1.2.0", nil)

	_, err := s.Update(context.Background(), "v2.0.0", "linux-amd64", nil)
	var notFound *amperrors.AssetNotFoundError
	require.ErrorAs(t, err, &notFound)
}
