// Package releaseclient talks to the upstream hosting service on behalf of
// Installer and Builder: it resolves release tags, selects and streams
// release assets, and resolves source refs (branches, commits, pull
// requests) to a clone URL and a checkout target: a commit SHA for commits
// and pull requests, the branch name itself for branches and the default
// branch (those are not pinned to a commit). It is built on
// google/go-github for the JSON surface, hashicorp/go-retryablehttp
// underneath it for capped exponential backoff on transient failures, and
// bmatcuk/doublestar for the asset-suffix glob match.
package releaseclient

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/go-github/v59/github"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ampup/ampup/amperrors"
)

// DefaultRepo is used when neither --repo nor $AMP_REPO names one.
const DefaultRepo = "sourcegraph/amp"

const (
	defaultOverallTimeout  = 5 * time.Minute
	defaultChunkInactivity = 30 * time.Second
	defaultMaxRetries      = 5
	defaultRetryWaitMin    = 250 * time.Millisecond
	defaultRetryWaitMax    = 10 * time.Second
)

// Config configures a Client. Zero-value fields take documented defaults.
type Config struct {
	// Repo is "owner/name". Empty uses DefaultRepo.
	Repo string
	// Token is the bearer token; the command layer fills it from
	// $GITHUB_TOKEN and has no command-line flag for it. Empty means
	// unauthenticated.
	Token string
	// HTTPClient, if set, replaces the retryable transport entirely; tests
	// use this to point at an httptest.Server.
	HTTPClient *http.Client
	// BaseURL overrides the GitHub API root; tests point this at an
	// httptest.Server instead of api.github.com.
	BaseURL string
	Log      logrus.FieldLogger

	OverallTimeout  time.Duration
	ChunkInactivity time.Duration
	MaxRetries      int
}

// Client resolves releases/assets/source-refs against one configured repo.
type Client struct {
	gh              *github.Client
	httpClient      *http.Client
	owner, repoName string
	log             logrus.FieldLogger
	overallTimeout  time.Duration
	chunkInactivity time.Duration
	maxRetries      int
}

// New builds a Client from cfg, filling in defaults.
func New(cfg Config) (*Client, error) {
	repo := cfg.Repo
	if repo == "" {
		repo = DefaultRepo
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		rc := retryablehttp.NewClient()
		rc.RetryMax = defaultMaxRetries
		rc.RetryWaitMin = defaultRetryWaitMin
		rc.RetryWaitMax = defaultRetryWaitMax
		rc.Logger = newRetryableLogAdapter(log)
		httpClient = rc.StandardClient()
	}

	gh := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "parsing BaseURL")
		}
		gh.BaseURL = base
	}
	if cfg.Token != "" {
		gh = gh.WithAuthToken(cfg.Token)
	}

	overall := cfg.OverallTimeout
	if overall == 0 {
		overall = defaultOverallTimeout
	}
	chunk := cfg.ChunkInactivity
	if chunk == 0 {
		chunk = defaultChunkInactivity
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		gh:              gh,
		httpClient:      httpClient,
		owner:           owner,
		repoName:        name,
		log:             log,
		overallTimeout:  overall,
		chunkInactivity: chunk,
		maxRetries:      maxRetries,
	}, nil
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &amperrors.BadArgumentError{Msg: fmt.Sprintf("repo %q must be in owner/name form", repo)}
	}
	return parts[0], parts[1], nil
}

// Asset is one release asset, the unit ReleaseClient's consumers download.
type Asset struct {
	ID   int64
	Name string
	Size int64
}

// Release is the subset of upstream release metadata callers need: its tag
// and the assets attached to it.
type Release struct {
	Tag    string
	Assets []Asset
}

// ResolveRelease returns the named release, or the most recent published
// release if version is empty.
func (c *Client) ResolveRelease(ctx context.Context, version string) (*Release, error) {
	var rel *github.RepositoryRelease
	var err error

	if version == "" {
		rel, _, err = c.gh.Repositories.GetLatestRelease(ctx, c.owner, c.repoName)
	} else {
		rel, _, err = c.gh.Repositories.GetReleaseByTag(ctx, c.owner, c.repoName, version)
	}
	if err != nil {
		return nil, c.classifyReleaseErr(err, version)
	}

	out := &Release{Tag: rel.GetTagName()}
	for _, a := range rel.Assets {
		out.Assets = append(out.Assets, Asset{ID: a.GetID(), Name: a.GetName(), Size: int64(a.GetSize())})
	}
	return out, nil
}

func (c *Client) classifyReleaseErr(err error, version string) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &amperrors.AuthRequiredError{Version: displayVersion(version)}
		case http.StatusNotFound:
			return &amperrors.ReleaseNotFoundError{
				Version: displayVersion(version),
				Hint:    "if this is a private repository, set GITHUB_TOKEN",
			}
		default:
			return &amperrors.HTTPError{Status: ghErr.Response.StatusCode, URL: ghErr.Response.Request.URL.String()}
		}
	}
	return &amperrors.NetworkError{Op: "resolve release", Cause: err}
}

func displayVersion(version string) string {
	if version == "" {
		return "latest"
	}
	return version
}

// SelectAsset picks the single asset in release whose name matches
// "*-<suffix>*" (case-sensitive), per the canonical
// "<primary>-<platform>-<arch>.<ext>" asset naming scheme.
func SelectAsset(release *Release, suffix string) (*Asset, error) {
	pattern := "*-" + suffix + "*"
	var matches []Asset
	for _, a := range release.Assets {
		ok, err := doublestar.Match(pattern, a.Name)
		if err != nil {
			return nil, errors.Wrap(err, "matching asset suffix pattern")
		}
		if ok && hasRecognizedExt(a.Name) {
			matches = append(matches, a)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &amperrors.AssetNotFoundError{Suffix: suffix}
	case 1:
		return &matches[0], nil
	default:
		var names []string
		for _, a := range matches {
			names = append(names, a.Name)
		}
		return nil, &amperrors.AmbiguousAssetError{Suffix: suffix, Matches: names}
	}
}

var recognizedExts = []string{".tar.gz", ".tgz", ".tar", ".zip"}

func hasRecognizedExt(name string) bool {
	for _, ext := range recognizedExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// ProgressFunc reports download progress; total is the asset's size as
// listed in the release metadata (Asset.Size), 0 if that is unknown.
type ProgressFunc func(downloaded, total int64)

// DownloadAsset streams asset's bytes to dest, retrying the whole transfer
// (from the start) up to the client's configured retry budget on transient
// network failures and stalls, and failing fast on 4xx responses.
func (c *Client) DownloadAsset(ctx context.Context, asset Asset, dest io.Writer, progress ProgressFunc) error {
	overallCtx, cancel := context.WithTimeout(ctx, c.overallTimeout)
	defer cancel()

	var lastErr error
	wait := defaultRetryWaitMin
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.log.WithFields(logrus.Fields{"asset": asset.Name, "attempt": attempt}).Warn("retrying asset download")
			select {
			case <-time.After(wait):
			case <-overallCtx.Done():
				return &amperrors.NetworkError{Op: "download asset", Cause: overallCtx.Err()}
			}
			wait *= 2
			if wait > defaultRetryWaitMax {
				wait = defaultRetryWaitMax
			}
		}

		err := c.downloadOnce(overallCtx, asset, dest, progress)
		if err == nil {
			return nil
		}
		if !isRetriable(err) {
			return err
		}
		lastErr = err
	}
	return &amperrors.NetworkError{Op: "download asset", Cause: lastErr}
}

func (c *Client) downloadOnce(ctx context.Context, asset Asset, dest io.Writer, progress ProgressFunc) error {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	// followRedirectsClient is passed as nil so go-github hands back the
	// redirect location instead of following it itself: the content
	// service's redirect target (typically a presigned object-storage URL)
	// is the response whose headers we need to inspect for a digest, and
	// go-github doesn't expose headers from a redirect it followed
	// internally.
	rc, redirectURL, err := c.gh.Repositories.DownloadReleaseAsset(attemptCtx, c.owner, c.repoName, asset.ID, nil)
	if err != nil {
		return classifyDownloadErr(err)
	}
	var verifier *checksumVerifier
	if rc == nil {
		resp, err := c.httpClient.Do(withContext(attemptCtx, mustGet(redirectURL)))
		if err != nil {
			return &amperrors.NetworkError{Op: "download asset", Cause: err}
		}
		if resp.StatusCode/100 != 2 {
			resp.Body.Close()
			return httpStatusErr(resp.StatusCode, redirectURL)
		}
		rc = resp.Body
		// e.g. an S3-style x-amz-checksum-sha256 on the presigned asset URL.
		verifier = newChecksumVerifier(resp.Header)
	}
	defer rc.Close()

	total := asset.Size
	watchdog := newStallWatchdog(cancelAttempt, c.chunkInactivity)
	defer watchdog.stop()

	reader := watchdog.wrap(rc)

	var downloaded int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, werr := dest.Write(buf[:n]); werr != nil {
				return &amperrors.IOError{Op: "write", Path: asset.Name, Cause: werr}
			}
			if verifier != nil {
				verifier.write(buf[:n])
			}
			downloaded += int64(n)
			if progress != nil {
				progress(downloaded, total)
			}
		}
		if readErr == io.EOF {
			if verifier != nil {
				if err := verifier.check(asset.Name); err != nil {
					return err
				}
			}
			return nil
		}
		if readErr != nil {
			if attemptCtx.Err() != nil {
				return &amperrors.NetworkError{Op: "download asset", Cause: attemptCtx.Err()}
			}
			return &amperrors.DownloadError{Asset: asset.Name, Cause: readErr}
		}
	}
}

// checksumVerifier accumulates a running hash over a download's bytes and
// checks it against a digest the content service supplied out-of-band, per
// §4.2's ChecksumMismatch failure mode. A nil *checksumVerifier (no
// recognized digest header present) means there is nothing to verify.
type checksumVerifier struct {
	alg      string
	expected string
	h        hash.Hash
}

// newChecksumVerifier checks, in priority order, RFC 3230's Digest header,
// S3's x-amz-checksum-sha256 (used on the presigned URLs GitHub redirects
// release-asset downloads to), and the legacy Content-MD5; it returns nil if
// none of them are present.
func newChecksumVerifier(header http.Header) *checksumVerifier {
	if alg, expected, ok := parseDigestHeader(header.Get("Digest")); ok {
		return newVerifierFor(alg, expected)
	}
	if v := header.Get("X-Amz-Checksum-Sha256"); v != "" {
		if expected, ok := decodeDigestValue(v); ok {
			return newVerifierFor("sha256", expected)
		}
	}
	if v := header.Get("Content-MD5"); v != "" {
		if expected, ok := decodeDigestValue(v); ok {
			return newVerifierFor("md5", expected)
		}
	}
	return nil
}

func newVerifierFor(alg, expectedHex string) *checksumVerifier {
	var h hash.Hash
	switch alg {
	case "sha256":
		h = sha256.New()
	case "md5":
		h = md5.New()
	default:
		return nil
	}
	return &checksumVerifier{alg: alg, expected: strings.ToLower(expectedHex), h: h}
}

// parseDigestHeader parses an RFC 3230 "Digest: sha-256=<base64>" header
// (only the sha-256 and md5 algorithm tokens are recognized; others are
// ignored since nothing here can verify them).
func parseDigestHeader(value string) (alg, expectedHex string, ok bool) {
	if value == "" {
		return "", "", false
	}
	for _, part := range strings.Split(value, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "sha-256":
			if d, ok := decodeDigestValue(kv[1]); ok {
				return "sha256", d, true
			}
		case "md5":
			if d, ok := decodeDigestValue(kv[1]); ok {
				return "md5", d, true
			}
		}
	}
	return "", "", false
}

// decodeDigestValue accepts either base64 (the RFC 3230 / S3 convention) or
// plain hex, returning the digest as lowercase hex for comparison.
func decodeDigestValue(value string) (string, bool) {
	if raw, err := base64.StdEncoding.DecodeString(value); err == nil {
		return hex.EncodeToString(raw), true
	}
	if _, err := hex.DecodeString(value); err == nil {
		return strings.ToLower(value), true
	}
	return "", false
}

func (v *checksumVerifier) write(p []byte) {
	v.h.Write(p)
}

func (v *checksumVerifier) check(assetName string) error {
	got := hex.EncodeToString(v.h.Sum(nil))
	if got != v.expected {
		return &amperrors.ChecksumMismatchError{Asset: assetName, Expected: v.expected, Actual: got}
	}
	return nil
}

func classifyDownloadErr(err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return httpStatusErr(ghErr.Response.StatusCode, ghErr.Response.Request.URL.String())
	}
	return &amperrors.NetworkError{Op: "download asset", Cause: err}
}

func httpStatusErr(status int, url string) error {
	if status >= 500 {
		return &amperrors.NetworkError{Op: "download asset", Cause: errors.Errorf("http %d", status)}
	}
	return &amperrors.HTTPError{Status: status, URL: url}
}

func isRetriable(err error) bool {
	var netErr *amperrors.NetworkError
	return errors.As(err, &netErr)
}

func mustGet(url string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	return req
}

func withContext(ctx context.Context, req *http.Request) *http.Request {
	return req.WithContext(ctx)
}

// stallWatchdog cancels its context if no Read has completed for longer
// than timeout, implementing the per-chunk inactivity timeout from the
// core design's timeout model; it's the network-stream analogue of
// internal/procmon's activity-tracked subprocess monitoring.
type stallWatchdog struct {
	cancel  context.CancelFunc
	timeout time.Duration
	reset   chan struct{}
	done    chan struct{}
}

func newStallWatchdog(cancel context.CancelFunc, timeout time.Duration) *stallWatchdog {
	w := &stallWatchdog{cancel: cancel, timeout: timeout, reset: make(chan struct{}, 1), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *stallWatchdog) run() {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	for {
		select {
		case <-w.reset:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.timeout)
		case <-timer.C:
			w.cancel()
			return
		case <-w.done:
			return
		}
	}
}

func (w *stallWatchdog) stop() {
	close(w.done)
}

func (w *stallWatchdog) wrap(r io.Reader) io.Reader {
	return &watchdogReader{r: r, w: w}
}

type watchdogReader struct {
	r io.Reader
	w *stallWatchdog
}

func (wr *watchdogReader) Read(p []byte) (int, error) {
	n, err := wr.r.Read(p)
	if n > 0 {
		select {
		case wr.w.reset <- struct{}{}:
		default:
		}
	}
	return n, err
}

// retryableLogAdapter lets retryablehttp log through logrus instead of the
// standard library logger it defaults to.
type retryableLogAdapter struct {
	log logrus.FieldLogger
}

func newRetryableLogAdapter(log logrus.FieldLogger) *retryableLogAdapter {
	return &retryableLogAdapter{log: log}
}

func (a *retryableLogAdapter) Printf(format string, args ...interface{}) {
	a.log.Debugf(format, args...)
}

// ResolvedRef is what Builder needs to materialize a workspace: where to
// clone from and what commit (or branch) to check out.
type ResolvedRef struct {
	CloneURL string
	// Ref is a checkout target: a commit SHA, a branch name, or (for
	// ResolveDefault) the repo's default branch name.
	Ref string
}

// ResolveBranch resolves a plain branch name on repo (owner/name, or "" for
// the client's configured repo) to its clone URL, verifying the branch
// exists.
func (c *Client) ResolveBranch(ctx context.Context, repo, branch string) (*ResolvedRef, error) {
	owner, name, err := c.resolveRepo(repo)
	if err != nil {
		return nil, err
	}
	if _, _, err := c.gh.Repositories.GetBranch(ctx, owner, name, branch, 1); err != nil {
		return nil, classifyRefErr(err, "branch "+branch)
	}
	return &ResolvedRef{CloneURL: cloneURL(owner, name), Ref: branch}, nil
}

// ResolveCommit resolves a commit SHA on repo, verifying it exists.
func (c *Client) ResolveCommit(ctx context.Context, repo, sha string) (*ResolvedRef, error) {
	owner, name, err := c.resolveRepo(repo)
	if err != nil {
		return nil, err
	}
	if _, _, err := c.gh.Repositories.GetCommit(ctx, owner, name, sha, nil); err != nil {
		return nil, classifyRefErr(err, "commit "+sha)
	}
	return &ResolvedRef{CloneURL: cloneURL(owner, name), Ref: sha}, nil
}

// ResolvePR resolves a pull request number to its head commit and head
// repository, which may be a fork distinct from repo.
func (c *Client) ResolvePR(ctx context.Context, repo string, number int) (*ResolvedRef, error) {
	owner, name, err := c.resolveRepo(repo)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, classifyRefErr(err, fmt.Sprintf("pr #%d", number))
	}
	head := pr.GetHead()
	if head.GetRepo() == nil || head.GetSHA() == "" {
		return nil, &amperrors.GitError{Op: fmt.Sprintf("resolve pr #%d", number), Cause: errors.New("pull request head repository unavailable (deleted fork?)")}
	}
	return &ResolvedRef{CloneURL: head.GetRepo().GetCloneURL(), Ref: head.GetSHA()}, nil
}

// ResolveDefault resolves repo's default branch.
func (c *Client) ResolveDefault(ctx context.Context, repo string) (*ResolvedRef, error) {
	owner, name, err := c.resolveRepo(repo)
	if err != nil {
		return nil, err
	}
	r, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, classifyRefErr(err, "default branch")
	}
	return &ResolvedRef{CloneURL: cloneURL(owner, name), Ref: r.GetDefaultBranch()}, nil
}

// resolveRepo defaults an empty repo override to the client's configured
// owner/name, otherwise parses "owner/name".
func (c *Client) resolveRepo(repo string) (owner, name string, err error) {
	if repo == "" {
		return c.owner, c.repoName, nil
	}
	return splitRepo(repo)
}

func cloneURL(owner, name string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
}

func classifyRefErr(err error, what string) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &amperrors.AuthRequiredError{Version: what}
		case http.StatusNotFound:
			return &amperrors.GitError{Op: "resolve " + what, Cause: errors.New("not found")}
		}
	}
	return &amperrors.GitError{Op: "resolve " + what, Cause: err}
}

