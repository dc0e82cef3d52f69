package utils

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

const (
	// VolumeIDPrefix is prepended to all volume IDs
	VolumeIDPrefix = "nlc-"
)

var (
	// volumeIDPattern matches strict UUID format with nlc- prefix
	// Format: nlc-<lowercase-uuid>
	// Example: nlc-550e8400-e29b-41d4-a716-446655440000
	volumeIDPattern = regexp.MustCompile(`^nlc-[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

	// Namespace UUID for generating deterministic volume IDs
	volumeNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
)

// VolumeNameToID generates a deterministic volume ID from a volume name.
// Uses UUID v5 (SHA-1 based) over a fixed driver namespace, so repeated
// CreateVolume calls with the same name always produce the same ID.
func VolumeNameToID(name string) string {
	id := uuid.NewSHA1(volumeNamespace, []byte(name))
	return VolumeIDPrefix + id.String()
}

// ValidateVolumeID validates that a volume ID has the expected
// nlc-<lowercase-uuid> format. IDs are used as directory names under the
// base path, so anything outside this pattern is rejected.
func ValidateVolumeID(volumeID string) error {
	if volumeID == "" {
		return fmt.Errorf("volume ID cannot be empty")
	}

	if !volumeIDPattern.MatchString(volumeID) {
		return fmt.Errorf("invalid volume ID format: %s (expected nlc-<lowercase-uuid>)", volumeID)
	}

	return nil
}
