// Package layout resolves ampup's install root and the derived paths and
// platform/arch identifiers every other component keys off of, via an
// ordered-candidate-path resolution generalized to the install root's
// four-way priority chain.
package layout

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"

	"github.com/ampup/ampup/amperrors"
)

// Platform is one of the closed set of operating systems ampup supports.
type Platform string

// Arch is one of the closed set of CPU architectures ampup supports.
type Arch string

const (
	Linux  Platform = "linux"
	Darwin Platform = "darwin"

	X86_64  Arch = "x86_64"
	Aarch64 Arch = "aarch64"
)

// TargetBinaries are the executables every installed slot must contain.
var TargetBinaries = []string{"ampd", "ampctl"}

// ManagerBinaryName is the name of ampup's own executable inside bin/.
const ManagerBinaryName = "ampup"

// VersionMarkerName is the file under R/ naming the active version.
const VersionMarkerName = ".version"

var supportedPlatforms = map[Platform]map[Arch]bool{
	Linux:  {X86_64: true, Aarch64: true},
	Darwin: {X86_64: true, Aarch64: true},
}

// Layout resolves ampup's install root and derived paths. Resolution reads
// only environment variables and an optional explicit override; it performs
// no I/O beyond that.
type Layout struct {
	// InstallDirOverride is the --install-dir flag value, if the caller set
	// one. Empty means "not set".
	InstallDirOverride string
	// PlatformOverride / ArchOverride let callers force a target platform
	// and arch (e.g. --platform/--arch flags); either may be set alone, and
	// an empty one is detected from the running system.
	PlatformOverride Platform
	ArchOverride     Arch

	// Getenv is broken out so tests can stub the environment without
	// mutating the process's real one; nil reads the real environment.
	Getenv func(string) string
}

// New returns a Layout that reads the real process environment.
func New() *Layout {
	return &Layout{Getenv: os.Getenv}
}

func (l *Layout) getenv(key string) string {
	if l.Getenv != nil {
		return l.Getenv(key)
	}
	return os.Getenv(key)
}

// Root resolves R in priority order: --install-dir, $AMP_DIR,
// $XDG_CONFIG_HOME/.amp, $HOME/.amp.
func (l *Layout) Root() (string, error) {
	if l.InstallDirOverride != "" {
		return l.InstallDirOverride, nil
	}
	if v := l.getenv("AMP_DIR"); v != "" {
		return v, nil
	}
	if v := l.getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, ".amp"), nil
	}
	if v := l.getenv("HOME"); v != "" {
		return filepath.Join(v, ".amp"), nil
	}
	return "", &amperrors.ConfigError{
		Msg:   "cannot resolve install root: no --install-dir, $AMP_DIR, $XDG_CONFIG_HOME, or $HOME",
		Cause: errors.New("no install root candidate available"),
	}
}

// BinDir is R/bin, the active surface callers should put on PATH.
func (l *Layout) BinDir() (string, error) {
	root, err := l.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "bin"), nil
}

// VersionsDir is R/versions, the parent of every installed slot.
func (l *Layout) VersionsDir() (string, error) {
	root, err := l.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "versions"), nil
}

// VersionDir is R/versions/<v>, the slot for a specific installed version.
func (l *Layout) VersionDir(version string) (string, error) {
	versions, err := l.VersionsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(versions, version), nil
}

// VersionMarkerPath is R/.version, the active-version marker file.
func (l *Layout) VersionMarkerPath() (string, error) {
	root, err := l.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, VersionMarkerName), nil
}

// ManagerBinaryPath is R/bin/ampup, ampup's own executable.
func (l *Layout) ManagerBinaryPath() (string, error) {
	bin, err := l.BinDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(bin, ManagerBinaryName), nil
}

// Platform returns the detected (or overridden) operating system,
// validated against the closed support matrix.
func (l *Layout) Platform() (Platform, error) {
	p := l.PlatformOverride
	if p == "" {
		p = detectPlatform(runtime.GOOS)
	}
	a, err := l.Arch()
	if err != nil {
		return "", err
	}
	if !supportedPlatforms[p][a] {
		return "", &amperrors.UnsupportedPlatformError{Platform: string(p), Arch: string(a)}
	}
	return p, nil
}

// Arch returns the detected (or overridden) CPU architecture, validated
// against the closed support matrix.
func (l *Layout) Arch() (Arch, error) {
	a := l.ArchOverride
	if a == "" {
		a = detectArch(runtime.GOARCH)
	}
	p := l.PlatformOverride
	if p == "" {
		p = detectPlatform(runtime.GOOS)
	}
	if !supportedPlatforms[p][a] {
		return "", &amperrors.UnsupportedPlatformError{Platform: string(p), Arch: string(a)}
	}
	return a, nil
}

// AssetSuffix builds the canonical "<platform>-<arch>" token used to select
// a release asset.
func (l *Layout) AssetSuffix() (string, error) {
	p, err := l.Platform()
	if err != nil {
		return "", err
	}
	a, err := l.Arch()
	if err != nil {
		return "", err
	}
	return string(p) + "-" + string(a), nil
}

func detectPlatform(goos string) Platform {
	switch goos {
	case "linux":
		return Linux
	case "darwin":
		return Darwin
	default:
		return Platform(goos)
	}
}

func detectArch(goarch string) Arch {
	switch goarch {
	case "amd64":
		return X86_64
	case "arm64":
		return Aarch64
	default:
		return Arch(goarch)
	}
}
