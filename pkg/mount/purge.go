package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// PurgeVolumeDir removes basePath/volumeID recursively. Returns true if a
// directory was removed, false if nothing existed.
//
// Guards, in order:
//   - the joined path must resolve to a direct child of basePath
//   - the volume root must not be a symlink (checked with Lstat and again
//     with an O_NOFOLLOW open, so a swap between the two calls still fails)
//   - removal happens via os.RemoveAll, which uses unlinkat/openat
//     fd-relative descent and does not follow symlinks inside the tree
func PurgeVolumeDir(basePath, volumeID string) (bool, error) {
	base := filepath.Clean(basePath)
	dir := filepath.Join(base, volumeID)

	if filepath.Dir(dir) != base {
		return false, fmt.Errorf("volume path %s escapes base path %s", dir, base)
	}

	fi, err := os.Lstat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		return false, fmt.Errorf("refusing to purge %s: volume root is a symlink", dir)
	}
	if !fi.IsDir() {
		return false, fmt.Errorf("refusing to purge %s: not a directory", dir)
	}

	fd, err := unix.Open(dir, unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_RDONLY, 0)
	if err != nil {
		if err == unix.ELOOP || err == unix.ENOTDIR {
			return false, fmt.Errorf("refusing to purge %s: volume root changed underneath us", dir)
		}
		if err == unix.ENOENT {
			return false, nil
		}
		return false, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	unix.Close(fd)

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", dir, err)
	}

	klog.V(2).Infof("Purged volume directory %s", dir)
	return true, nil
}

// EnsureVolumeDir creates basePath/volumeID with mode 0755, idempotently.
// Refuses a final path component that is a symlink.
func EnsureVolumeDir(basePath, volumeID string) (string, error) {
	base := filepath.Clean(basePath)
	dir := filepath.Join(base, volumeID)

	if filepath.Dir(dir) != base {
		return "", fmt.Errorf("volume path %s escapes base path %s", dir, base)
	}

	if err := os.MkdirAll(base, 0755); err != nil {
		return "", fmt.Errorf("failed to create base path %s: %w", base, err)
	}

	if err := os.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
		return "", fmt.Errorf("failed to create volume directory %s: %w", dir, err)
	}

	fi, err := os.Lstat(dir)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("refusing to use %s: volume path is a symlink", dir)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("refusing to use %s: not a directory", dir)
	}

	return dir, nil
}
