// Package atomicfs provides the filesystem primitives every component that
// promotes a staging directory into published state relies on: rename with
// a cross-device copy fallback, and simple existence checks. It is a direct
// descendant of the teacher's fs.go (renameWithFallback/CopyDir/CopyFile/
// IsDir/IsRegular), generalized so callers outside package dep can use it.
package atomicfs

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
)

// IsRegular reports whether name exists and is a regular file.
func IsRegular(name string) (bool, error) {
	fi, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// IsDir reports whether name exists and is a directory.
func IsDir(name string) (bool, error) {
	fi, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// Exists reports whether name exists at all (file, dir, or symlink).
func Exists(name string) (bool, error) {
	_, err := os.Lstat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RenameWithFallback attempts to rename src to dest, falling back to a
// recursive copy-then-remove when the two paths live on different
// filesystems (syscall.EXDEV). If the fallback copy succeeds, src is still
// removed, emulating normal rename behavior.
func RenameWithFallback(src, dest string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return errors.Wrap(err, "stat rename source")
	}

	if runtime.GOOS == "windows" && fi.IsDir() {
		if err := CopyDir(src, dest); err != nil {
			return err
		}
		return os.RemoveAll(src)
	}

	err = os.Rename(src, dest)
	if err == nil {
		return nil
	}

	linkErr, ok := err.(*os.LinkError)
	if !ok {
		return err
	}

	crossDevice := false
	if errno, ok := linkErr.Err.(syscall.Errno); ok && errno == syscall.EXDEV {
		crossDevice = true
	}
	if !crossDevice {
		return linkErr
	}

	var copyErr error
	if fi.IsDir() {
		copyErr = CopyDir(src, dest)
	} else {
		copyErr = CopyFile(src, dest)
	}
	if copyErr != nil {
		return copyErr
	}

	return os.RemoveAll(src)
}

// CopyDir recursively copies src's contents into dest, preserving file
// modes. Symlinks inside src are skipped.
func CopyDir(src, dest string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dest, fi.Mode()); err != nil {
		return err
	}

	dir, err := os.Open(src)
	if err != nil {
		return err
	}
	defer dir.Close()

	entries, err := dir.Readdir(-1)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Mode()&os.ModeSymlink != 0 {
			continue
		}

		srcPath := filepath.Join(src, entry.Name())
		destPath := filepath.Join(dest, entry.Name())

		if entry.IsDir() {
			if err := CopyDir(srcPath, destPath); err != nil {
				return err
			}
			continue
		}
		if err := CopyFile(srcPath, destPath); err != nil {
			return err
		}
	}

	return nil
}

// CopyFile copies src to dest, preserving the permission bits.
func CopyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dest, info.Mode())
}

// WriteFileAtomic writes data to a temp file next to path, then renames it
// over path, so concurrent readers never observe a torn write. tmpSuffix
// names the sidecar (e.g. ".tmp").
func WriteFileAtomic(path string, data []byte, perm os.FileMode, tmpSuffix string) error {
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename temp file into place")
	}
	return nil
}
