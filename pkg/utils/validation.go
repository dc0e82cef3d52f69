package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateTargetPath validates a kubelet-supplied target path.
// The path must be absolute and must not contain traversal segments;
// the driver never constructs target paths itself, but it refuses to
// mount onto anything that could escape the kubelet's pod directories.
func ValidateTargetPath(path string) error {
	if path == "" {
		return fmt.Errorf("target path cannot be empty")
	}

	if !filepath.IsAbs(path) {
		return fmt.Errorf("target path must be absolute: %s", path)
	}

	for _, segment := range strings.Split(path, string(filepath.Separator)) {
		if segment == ".." {
			return fmt.Errorf("target path contains traversal segment: %s", path)
		}
	}

	return nil
}

// ValidateNodeName validates a node name for use in the coordination record.
// Node names come from the kubelet and are DNS-1123 subdomains; the check
// here only guards against empties and whitespace corruption.
func ValidateNodeName(name string) error {
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("node name contains surrounding whitespace: %q", name)
	}
	return nil
}
