package releaseclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ampup/ampup/amperrors"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	c, err := New(Config{
		Repo:       "sourcegraph/amp",
		BaseURL:    server.URL + "/",
		HTTPClient: server.Client(),
		MaxRetries: 1,
	})
	require.NoError(t, err)
	return c
}

func TestResolveReleaseByTag(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/tags/v1.2.3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tag_name":"v1.2.3","assets":[{"id":1,"name":"amp-linux-x86_64.tar.gz","size":1024}]}`)
	})
	c := newTestClient(t, mux)

	rel, err := c.ResolveRelease(context.Background(), "v1.2.3")
	require.NoError(t, err)
	require.Equal(t, "v1.2.3", rel.Tag)
	require.Len(t, rel.Assets, 1)
	require.Equal(t, "amp-linux-x86_64.tar.gz", rel.Assets[0].Name)
}

func TestResolveReleaseLatestWhenVersionEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tag_name":"v2.0.0","assets":[]}`)
	})
	c := newTestClient(t, mux)

	rel, err := c.ResolveRelease(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "v2.0.0", rel.Tag)
}

func TestResolveReleaseNotFoundClassifiesAsReleaseNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/tags/v9.9.9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	c := newTestClient(t, mux)

	_, err := c.ResolveRelease(context.Background(), "v9.9.9")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestResolveReleaseUnauthorizedClassifiesAsAuthRequired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/tags/v1.0.0", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
	})
	c := newTestClient(t, mux)

	_, err := c.ResolveRelease(context.Background(), "v1.0.0")
	require.Error(t, err)
	require.Contains(t, err.Error(), "authentication required")
}

func TestSelectAssetMatchesSuffix(t *testing.T) {
	release := &Release{Assets: []Asset{
		{ID: 1, Name: "amp-linux-x86_64.tar.gz"},
		{ID: 2, Name: "amp-darwin-aarch64.tar.gz"},
	}}

	asset, err := SelectAsset(release, "linux-x86_64")
	require.NoError(t, err)
	require.Equal(t, "amp-linux-x86_64.tar.gz", asset.Name)
}

func TestSelectAssetNoMatchIsAssetNotFound(t *testing.T) {
	release := &Release{Assets: []Asset{{ID: 1, Name: "amp-darwin-aarch64.tar.gz"}}}

	_, err := SelectAsset(release, "linux-x86_64")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no release asset matches")
}

func TestSelectAssetAmbiguousMatchFails(t *testing.T) {
	release := &Release{Assets: []Asset{
		{ID: 1, Name: "amp-linux-x86_64.tar.gz"},
		{ID: 2, Name: "amp-linux-x86_64.zip"},
	}}

	_, err := SelectAsset(release, "linux-x86_64")
	require.Error(t, err)
	require.Contains(t, err.Error(), "multiple release assets")
}

func TestSelectAssetIgnoresUnrecognizedExtensions(t *testing.T) {
	release := &Release{Assets: []Asset{
		{ID: 1, Name: "amp-linux-x86_64.sha256"},
		{ID: 2, Name: "amp-linux-x86_64.tar.gz"},
	}}

	asset, err := SelectAsset(release, "linux-x86_64")
	require.NoError(t, err)
	require.Equal(t, "amp-linux-x86_64.tar.gz", asset.Name)
}

func TestDownloadAssetStreamsBodyAndReportsProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 256*1024)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/assets/7", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/octet-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	})
	c := newTestClient(t, mux)
	c.chunkInactivity = time.Second

	var dest bytes.Buffer
	var lastDownloaded, lastTotal int64
	err := c.DownloadAsset(context.Background(), Asset{ID: 7, Name: "amp-linux-x86_64.tar.gz", Size: int64(len(payload))}, &dest, func(downloaded, total int64) {
		lastDownloaded, lastTotal = downloaded, total
	})
	require.NoError(t, err)
	require.Equal(t, payload, dest.Bytes())
	require.Equal(t, int64(len(payload)), lastDownloaded)
	require.Equal(t, int64(len(payload)), lastTotal)
}

func TestDownloadAssetRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/assets/9", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("payload-body"))
	})
	c := newTestClient(t, mux)
	c.maxRetries = 2

	var dest bytes.Buffer
	err := c.DownloadAsset(context.Background(), Asset{ID: 9, Name: "amp.tar.gz"}, &dest, nil)
	require.NoError(t, err)
	require.Equal(t, "payload-body", dest.String())
	require.GreaterOrEqual(t, calls, 2)
}

func TestDownloadAssetVerifiesMatchingDigest(t *testing.T) {
	payload := []byte("release-payload")
	sum := sha256.Sum256(payload)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/assets/11", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+r.Host+"/objects/amp-linux-x86_64.tar.gz", http.StatusFound)
	})
	mux.HandleFunc("/objects/amp-linux-x86_64.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Amz-Checksum-Sha256", base64.StdEncoding.EncodeToString(sum[:]))
		w.Write(payload)
	})
	c := newTestClient(t, mux)

	var dest bytes.Buffer
	err := c.DownloadAsset(context.Background(), Asset{ID: 11, Name: "amp-linux-x86_64.tar.gz", Size: int64(len(payload))}, &dest, nil)
	require.NoError(t, err)
	require.Equal(t, payload, dest.Bytes())
}

func TestDownloadAssetRejectsMismatchedDigest(t *testing.T) {
	payload := []byte("release-payload")
	wrongSum := sha256.Sum256([]byte("not-the-payload"))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/assets/12", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+r.Host+"/objects/amp-linux-x86_64.tar.gz", http.StatusFound)
	})
	mux.HandleFunc("/objects/amp-linux-x86_64.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Amz-Checksum-Sha256", base64.StdEncoding.EncodeToString(wrongSum[:]))
		w.Write(payload)
	})
	c := newTestClient(t, mux)
	c.maxRetries = 1

	var dest bytes.Buffer
	err := c.DownloadAsset(context.Background(), Asset{ID: 12, Name: "amp-linux-x86_64.tar.gz", Size: int64(len(payload))}, &dest, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")
}

func TestDownloadAssetVerifiesRFC3230DigestHeader(t *testing.T) {
	payload := []byte("another-payload")
	sum := sha256.Sum256(payload)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/assets/13", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+r.Host+"/objects/amp.tar.gz", http.StatusFound)
	})
	mux.HandleFunc("/objects/amp.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Digest", "sha-256="+base64.StdEncoding.EncodeToString(sum[:]))
		w.Write(payload)
	})
	c := newTestClient(t, mux)

	var dest bytes.Buffer
	err := c.DownloadAsset(context.Background(), Asset{ID: 13, Name: "amp.tar.gz", Size: int64(len(payload))}, &dest, nil)
	require.NoError(t, err)
	require.Equal(t, payload, dest.Bytes())
}

func TestDownloadAssetFailsFastOn404(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/releases/assets/404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)
	c.maxRetries = 3

	var dest bytes.Buffer
	err := c.DownloadAsset(context.Background(), Asset{ID: 404, Name: "amp.tar.gz"}, &dest, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "http 404")
}

func TestResolveBranchReturnsCloneURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/branches/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"main","commit":{"sha":"deadbeef"}}`)
	})
	c := newTestClient(t, mux)

	ref, err := c.ResolveBranch(context.Background(), "", "main")
	require.NoError(t, err)
	require.Equal(t, "https://github.com/sourcegraph/amp.git", ref.CloneURL)
	require.Equal(t, "main", ref.Ref)
}

func TestResolveCommitVerifiesExistence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/commits/abc1234", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha":"abc1234"}`)
	})
	c := newTestClient(t, mux)

	ref, err := c.ResolveCommit(context.Background(), "", "abc1234")
	require.NoError(t, err)
	require.Equal(t, "abc1234", ref.Ref)
}

func TestResolveCommitMissingIsGitError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/commits/ffffff", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	_, err := c.ResolveCommit(context.Background(), "", "ffffff")
	require.Error(t, err)
	var gitErr *amperrors.GitError
	require.ErrorAs(t, err, &gitErr)
}

func TestResolvePRUsesHeadRepoForFork(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":42,"head":{"sha":"abc1234","repo":{"clone_url":"https://github.com/contributor/amp.git"}}}`)
	})
	c := newTestClient(t, mux)

	ref, err := c.ResolvePR(context.Background(), "", 42)
	require.NoError(t, err)
	require.Equal(t, "https://github.com/contributor/amp.git", ref.CloneURL)
	require.Equal(t, "abc1234", ref.Ref)
}

func TestResolvePRMissingHeadRepoIsGitError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":7,"head":{"sha":"abc1234"}}`)
	})
	c := newTestClient(t, mux)

	_, err := c.ResolvePR(context.Background(), "", 7)
	require.Error(t, err)
	var gitErr *amperrors.GitError
	require.ErrorAs(t, err, &gitErr)
	require.Contains(t, gitErr.Cause.Error(), "deleted fork")
}

func TestResolveDefaultReturnsRepoDefaultBranch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/sourcegraph/amp", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"default_branch":"main"}`)
	})
	c := newTestClient(t, mux)

	ref, err := c.ResolveDefault(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "main", ref.Ref)
	require.Equal(t, "https://github.com/sourcegraph/amp.git", ref.CloneURL)
}

func TestResolveBranchOnExplicitRepoOverridesDefault(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/other/fork/branches/feature", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"feature","commit":{"sha":"cafef00d"}}`)
	})
	c := newTestClient(t, mux)

	ref, err := c.ResolveBranch(context.Background(), "other/fork", "feature")
	require.NoError(t, err)
	require.Equal(t, "https://github.com/other/fork.git", ref.CloneURL)
}
