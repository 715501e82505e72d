// Package amperrors defines the narrow error kinds shared by ampup's
// components, per the taxonomy in the system's core design: Configuration,
// Network, Protocol, I/O, Archive, Build, State, Integrity, and User errors.
// Each kind is represented by one or more small structs carrying just the
// fields a caller or the command layer needs to render a remediation hint;
// every struct that carries an underlying Cause has an Unwrap method so the
// standard errors.As/errors.Is compose with it.
package amperrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError indicates the install root or platform/arch could not be
// resolved.
type ConfigError struct {
	Msg   string
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// UnsupportedPlatformError indicates the running (or requested) OS/arch pair
// falls outside the closed support matrix.
type UnsupportedPlatformError struct {
	Platform string
	Arch     string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform/arch: %s/%s", e.Platform, e.Arch)
}

// ReleaseNotFoundError indicates the requested version tag does not exist
// upstream, or the distinction from an auth failure could not be made.
type ReleaseNotFoundError struct {
	Version string
	Hint    string
}

func (e *ReleaseNotFoundError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("release %q not found: %s", e.Version, e.Hint)
	}
	return fmt.Sprintf("release %q not found", e.Version)
}

// AuthRequiredError indicates the upstream host distinguished a missing/
// invalid token from a plain not-found.
type AuthRequiredError struct {
	Version string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required to access release %q; set GITHUB_TOKEN", e.Version)
}

// AssetNotFoundError indicates a release exists but no asset matches the
// computed platform/arch suffix.
type AssetNotFoundError struct {
	Suffix string
}

func (e *AssetNotFoundError) Error() string {
	return fmt.Sprintf("no release asset matches suffix %q", e.Suffix)
}

// AmbiguousAssetError indicates more than one asset matched the computed
// suffix.
type AmbiguousAssetError struct {
	Suffix  string
	Matches []string
}

func (e *AmbiguousAssetError) Error() string {
	return fmt.Sprintf("multiple release assets match suffix %q: %v", e.Suffix, e.Matches)
}

// NetworkError wraps a transient transport failure (connection reset,
// timeout) that the ReleaseClient's retry policy gave up on.
type NetworkError struct {
	Op    string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s", e.Op)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// HTTPError wraps a non-2xx HTTP response that was not a retriable 5xx.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d requesting %s", e.Status, e.URL)
}

// ChecksumMismatchError indicates the upstream-supplied digest disagreed
// with the bytes actually streamed.
type ChecksumMismatchError struct {
	Asset    string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Asset, e.Expected, e.Actual)
}

// IOError wraps a local filesystem failure (permissions, no space,
// cross-device rename that couldn't fall back).
type IOError struct {
	Op    string
	Path  string
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("i/o error during %s %s", e.Op, e.Path)
}

func (e *IOError) Unwrap() error { return e.Cause }

// DownloadError wraps a failure mid-stream while writing an asset to
// staging.
type DownloadError struct {
	Asset string
	Cause error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed downloading %s", e.Asset)
}

func (e *DownloadError) Unwrap() error { return e.Cause }

// ArchiveError indicates the downloaded archive was malformed or could not
// be extracted into the expected shape.
type ArchiveError struct {
	Path  string
	Cause error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive error extracting %s", e.Path)
}

func (e *ArchiveError) Unwrap() error { return e.Cause }

// IncompleteAssetError indicates the extracted archive is missing one of
// the required target binaries.
type IncompleteAssetError struct {
	Name string
}

func (e *IncompleteAssetError) Error() string {
	return fmt.Sprintf("extracted asset is missing required binary %q", e.Name)
}

// AlreadyInstalledError indicates the promote step found an existing slot
// at the destination path.
type AlreadyInstalledError struct {
	Version string
}

func (e *AlreadyInstalledError) Error() string {
	return fmt.Sprintf("version %q is already installed", e.Version)
}

// NotInstalledError indicates an operation targeted a version with no slot
// on disk.
type NotInstalledError struct {
	Version string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("version %q is not installed", e.Version)
}

// InvalidVersionNameError indicates a user-supplied or derived version
// name is unsafe as a filesystem path component.
type InvalidVersionNameError struct {
	Name string
}

func (e *InvalidVersionNameError) Error() string {
	return fmt.Sprintf("invalid version name %q", e.Name)
}

// GitError wraps a failure cloning or checking out a source ref.
type GitError struct {
	Op    string
	Cause error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git error during %s", e.Op)
}

func (e *GitError) Unwrap() error { return e.Cause }

// BuildFailedError wraps a non-zero exit from the upstream build tool,
// carrying the captured tail of its output.
type BuildFailedError struct {
	ExitCode int
	Tail     string
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build failed with exit code %d:\n%s", e.ExitCode, e.Tail)
}

// BuildOutputMissingError indicates the build tool exited 0 but the
// expected artifact never appeared at its conventional output path.
type BuildOutputMissingError struct {
	Name string
	Path string
}

func (e *BuildOutputMissingError) Error() string {
	return fmt.Sprintf("build output %q missing at %s", e.Name, e.Path)
}

// VersionMismatchError indicates a self-update's staged binary reported a
// different version than the one targeted.
type VersionMismatchError struct {
	Wanted string
	Got    string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("staged binary reports version %q, wanted %q", e.Got, e.Wanted)
}

// StagingFilesystemError indicates the staged file and its promotion
// target are not on the same filesystem, so the final rename cannot be
// made atomic.
type StagingFilesystemError struct {
	Staged string
	Target string
}

func (e *StagingFilesystemError) Error() string {
	return fmt.Sprintf("staged file %s is not on the same filesystem as %s", e.Staged, e.Target)
}

// CancelledError indicates the caller's context was cancelled mid-operation.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Op)
}

// BadArgumentError indicates a mutually-exclusive or otherwise invalid
// combination of user-supplied arguments.
type BadArgumentError struct {
	Msg string
}

func (e *BadArgumentError) Error() string {
	return e.Msg
}

// Chain renders an error and its full wrapped-cause chain, one cause per
// line, the way the command layer prints a failure: a one-line summary
// followed by each wrapped cause.
func Chain(err error) []string {
	var lines []string
	for err != nil {
		lines = append(lines, err.Error())
		cause := errors.Unwrap(err)
		if cause == nil {
			break
		}
		err = cause
	}
	return lines
}
