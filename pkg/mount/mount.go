package mount

import (
	"fmt"
	"os"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Mounter handles bind-mount operations for local cache directories.
type Mounter interface {
	// BindMount bind-mounts source to target. With readonly, the mount is
	// remounted read-only afterwards (a plain MS_BIND ignores MS_RDONLY).
	BindMount(source, target string, readonly bool) error

	// Unmount unmounts the target. An unmounted target is success.
	Unmount(target string) error

	// IsMountPoint checks whether path is a mount point. A missing path
	// is not a mount point, not an error.
	IsMountPoint(path string) (bool, error)

	// CountBindMounts returns how many mount entries bind the given
	// directory. Used by eager delete to detect the last unpublish.
	CountBindMounts(dir string) (int, error)
}

// mounter implements Mounter with mount syscalls and /proc/self/mountinfo.
type mounter struct{}

// NewMounter creates the syscall-backed Mounter.
func NewMounter() Mounter {
	return &mounter{}
}

// BindMount bind-mounts source to target, idempotently from the caller's
// perspective: callers check IsMountPoint first.
func (m *mounter) BindMount(source, target string, readonly bool) error {
	klog.V(2).Infof("Bind mounting %s to %s (readonly: %v)", source, target, readonly)

	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s failed: %w", source, target, err)
	}

	if readonly {
		// MS_RDONLY is ignored on the initial bind; apply it via remount.
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount("", target, "", flags, ""); err != nil {
			// Undo the writable bind rather than hand out a writable
			// mount the caller asked to be read-only.
			if uerr := unix.Unmount(target, 0); uerr != nil {
				klog.Errorf("Failed to unmount %s after readonly remount failure: %v", target, uerr)
			}
			return fmt.Errorf("readonly remount of %s failed: %w", target, err)
		}
	}

	klog.V(2).Infof("Successfully mounted %s to %s", source, target)
	return nil
}

// Unmount unmounts the target path. Not-mounted targets and EINVAL are
// success; a busy mount falls back to a lazy unmount.
func (m *mounter) Unmount(target string) error {
	klog.V(2).Infof("Unmounting %s", target)

	mounted, err := m.IsMountPoint(target)
	if err != nil {
		return fmt.Errorf("failed to check if %s is mounted: %w", target, err)
	}
	if !mounted {
		klog.V(2).Infof("Path %s is not mounted, nothing to unmount", target)
		return nil
	}

	if err := unix.Unmount(target, 0); err != nil {
		if err == unix.EINVAL {
			// Not a mount point (raced with another unmount).
			return nil
		}
		klog.Warningf("Unmount of %s failed (%v), trying lazy unmount", target, err)
		if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("lazy unmount of %s failed: %w", target, err)
		}
	}

	klog.V(2).Infof("Successfully unmounted %s", target)
	return nil
}

// IsMountPoint checks whether path is a mount point.
func (m *mounter) IsMountPoint(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check mount point %s: %w", path, err)
	}
	return mounted, nil
}

// CountBindMounts counts mount entries binding dir. Bind mounts of a
// directory surface the directory as the mount root in mountinfo rather
// than as the source device, so the match is on the Root field.
func (m *mounter) CountBindMounts(dir string) (int, error) {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read mountinfo: %w", err)
	}

	count := 0
	for _, mi := range mounts {
		if mi.Root == dir || strings.HasSuffix(mi.Root, dir) {
			count++
		}
	}
	klog.V(4).Infof("Found %d bind mounts of %s", count, dir)
	return count, nil
}
