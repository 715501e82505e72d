// Package versionmanager owns the on-disk lifecycle of installed version
// slots: listing them, activating one (symlink swap + marker write),
// deactivating, and uninstalling. It is the direct custodian of the
// invariants in the core design's data model: the active marker names a
// slot if and only if every target binary link resolves into it.
package versionmanager

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ampup/ampup/amperrors"
	"github.com/ampup/ampup/internal/atomicfs"
	"github.com/ampup/ampup/layout"
)

// VersionManager implements list/isInstalled/active/activate/uninstall/use
// against a single install root.
type VersionManager struct {
	Layout *layout.Layout
	Log    logrus.FieldLogger
}

// New returns a VersionManager rooted at l. A nil logger is replaced by a
// new logrus logger, which writes to stderr.
func New(l *layout.Layout, log logrus.FieldLogger) *VersionManager {
	if log == nil {
		log = logrus.New()
	}
	return &VersionManager{Layout: l, Log: log}
}

// Entry describes one installed slot as returned by List.
type Entry struct {
	Version string
	Active  bool
}

// List returns every version slot under versions/, in stable (lexical)
// order, annotated with whether it is the active one. A directory that
// exists under versions/ but is missing a required target binary is not a
// valid slot and is excluded: list() is entries of versions/ that are
// directories and contain a target binary.
func (vm *VersionManager) List() ([]Entry, error) {
	versionsDir, err := vm.Layout.VersionsDir()
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(versionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &amperrors.IOError{Op: "readdir", Path: versionsDir, Cause: err}
	}

	active, _ := vm.Active()

	var out []Entry
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		ok, err := vm.isValidSlot(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Entry{Version: name, Active: name == active})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (vm *VersionManager) isValidSlot(version string) (bool, error) {
	dir, err := vm.Layout.VersionDir(version)
	if err != nil {
		return false, err
	}
	for _, name := range layout.TargetBinaries {
		ok, err := atomicfs.IsRegular(filepath.Join(dir, name))
		if err != nil {
			return false, &amperrors.IOError{Op: "stat", Path: filepath.Join(dir, name), Cause: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// IsInstalled reports whether version has a valid slot on disk.
func (vm *VersionManager) IsInstalled(version string) (bool, error) {
	return vm.isValidSlot(version)
}

// Active returns the currently active version name, or "" if none is
// active. A marker naming a slot that no longer exists is treated as no
// active version for read purposes; a subsequent successful Activate
// repairs it.
func (vm *VersionManager) Active() (string, error) {
	marker, err := vm.Layout.VersionMarkerPath()
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", &amperrors.IOError{Op: "read", Path: marker, Cause: err}
	}

	version := string(data)
	// Guard against a corrupted (non-UTF-8, trailing garbage) marker the
	// same way: if what's recorded doesn't name a real slot, there is no
	// active version as far as reads are concerned.
	ok, err := vm.isValidSlot(version)
	if err != nil {
		return "", err
	}
	if !ok {
		vm.Log.WithField("marker", version).Warn("active marker names a missing or incomplete version; treating as no active version")
		return "", nil
	}
	return version, nil
}

// Activate makes version the active one: it points every target binary
// link in bin/ at versions/<version>/ and then writes the marker, in that
// order, so a reader observing .version = V is guaranteed bin/ already
// resolves into versions/V/.
func (vm *VersionManager) Activate(version string) error {
	installed, err := vm.IsInstalled(version)
	if err != nil {
		return err
	}
	if !installed {
		return &amperrors.NotInstalledError{Version: version}
	}

	binDir, err := vm.Layout.BinDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return &amperrors.IOError{Op: "mkdir", Path: binDir, Cause: err}
	}

	versionDir, err := vm.Layout.VersionDir(version)
	if err != nil {
		return err
	}

	for _, name := range layout.TargetBinaries {
		linkPath := filepath.Join(binDir, name)
		target := filepath.Join(versionDir, name)
		if err := replaceLink(linkPath, target); err != nil {
			return &amperrors.IOError{Op: "link", Path: linkPath, Cause: err}
		}
	}

	marker, err := vm.Layout.VersionMarkerPath()
	if err != nil {
		return err
	}
	if err := atomicfs.WriteFileAtomic(marker, []byte(version), 0o644, ".tmp"); err != nil {
		return &amperrors.IOError{Op: "write", Path: marker, Cause: err}
	}

	vm.Log.WithFields(logrus.Fields{"version": version}).Info("activated version")
	return nil
}

// replaceLink removes whatever (if anything) exists at linkPath and
// recreates it as a symlink to target, falling back to a hardlink on
// filesystems without symlink support. It never falls back further to a
// copy: a copy would make switching versions an O(n) operation and risk
// drift between the link and its target.
func replaceLink(linkPath, target string) error {
	if exists, err := atomicfs.Exists(linkPath); err != nil {
		return err
	} else if exists {
		if err := os.Remove(linkPath); err != nil {
			return err
		}
	}

	if err := os.Symlink(target, linkPath); err == nil {
		return nil
	}

	return os.Link(target, linkPath)
}

// Use is an alias for Activate: switching to an already-installed version.
func (vm *VersionManager) Use(version string) error {
	return vm.Activate(version)
}

// Uninstall removes version's slot entirely. Uninstalling a version that
// isn't installed is not an error (idempotent); the caller should surface
// a warning, which Uninstall signals by returning (false, nil) for its
// "found" return value. If version is active, bin/ links for target
// binaries and the marker are removed first.
func (vm *VersionManager) Uninstall(version string) (found bool, err error) {
	installed, err := vm.IsInstalled(version)
	if err != nil {
		return false, err
	}
	if !installed {
		return false, nil
	}

	active, err := vm.Active()
	if err != nil {
		return false, err
	}
	if active == version {
		if err := vm.deactivate(); err != nil {
			return true, err
		}
	}

	dir, err := vm.Layout.VersionDir(version)
	if err != nil {
		return true, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, &amperrors.IOError{Op: "removeall", Path: dir, Cause: err}
	}

	vm.Log.WithField("version", version).Info("uninstalled version")
	return true, nil
}

// deactivate removes the bin/ links for target binaries and clears the
// marker, leaving bin/ampup untouched. The marker is cleared first so a
// failure partway through link removal never leaves the marker naming a
// slot whose links have already been stripped.
func (vm *VersionManager) deactivate() error {
	marker, err := vm.Layout.VersionMarkerPath()
	if err != nil {
		return err
	}
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return &amperrors.IOError{Op: "remove", Path: marker, Cause: err}
	}

	binDir, err := vm.Layout.BinDir()
	if err != nil {
		return err
	}
	for _, name := range layout.TargetBinaries {
		linkPath := filepath.Join(binDir, name)
		if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
			return &amperrors.IOError{Op: "remove", Path: linkPath, Cause: err}
		}
	}
	return nil
}

// ValidateVersionName checks a user-supplied or derived version string is
// safe to use as a single filesystem path component: no separators, no
// leading dot, non-empty.
func ValidateVersionName(name string) error {
	if name == "" {
		return &amperrors.InvalidVersionNameError{Name: name}
	}
	if name != filepath.Base(name) {
		return &amperrors.InvalidVersionNameError{Name: name}
	}
	if name[0] == '.' {
		return &amperrors.InvalidVersionNameError{Name: name}
	}
	if name == "." || name == ".." {
		return &amperrors.InvalidVersionNameError{Name: name}
	}
	return nil
}
