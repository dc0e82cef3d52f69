package utils

import (
	"strings"
	"testing"
)

func TestVolumeNameToID_Deterministic(t *testing.T) {
	id1 := VolumeNameToID("cache-x")
	id2 := VolumeNameToID("cache-x")

	if id1 != id2 {
		t.Fatalf("Expected identical IDs for identical names, got %s and %s", id1, id2)
	}

	if !strings.HasPrefix(id1, VolumeIDPrefix) {
		t.Errorf("Expected ID to have prefix %s, got %s", VolumeIDPrefix, id1)
	}

	// "nlc-" + canonical 36-character UUID
	if len(id1) != len(VolumeIDPrefix)+36 {
		t.Errorf("Expected ID length %d, got %d (%s)", len(VolumeIDPrefix)+36, len(id1), id1)
	}
}

func TestVolumeNameToID_DistinctNames(t *testing.T) {
	if VolumeNameToID("cache-x") == VolumeNameToID("cache-y") {
		t.Fatal("Expected different names to produce different IDs")
	}
}

func TestVolumeNameToID_Validates(t *testing.T) {
	id := VolumeNameToID("pvc-12345678-1234-1234-1234-123456789abc")
	if err := ValidateVolumeID(id); err != nil {
		t.Fatalf("Generated ID failed validation: %v", err)
	}
}

func TestValidateVolumeID(t *testing.T) {
	tests := []struct {
		name     string
		volumeID string
		wantErr  bool
	}{
		{"valid", "nlc-550e8400-e29b-41d4-a716-446655440000", false},
		{"empty", "", true},
		{"wrong prefix", "pvc-550e8400-e29b-41d4-a716-446655440000", true},
		{"no prefix", "550e8400-e29b-41d4-a716-446655440000", true},
		{"not a uuid", "nlc-not-a-uuid", true},
		{"uppercase uuid", "nlc-550E8400-E29B-41D4-A716-446655440000", true},
		{"path traversal", "nlc-../../../etc", true},
		{"truncated", "nlc-550e8400-e29b-41d4-a716", true},
		{"trailing garbage", "nlc-550e8400-e29b-41d4-a716-446655440000x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVolumeID(tt.volumeID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVolumeID(%q) error = %v, wantErr %v", tt.volumeID, err, tt.wantErr)
			}
		})
	}
}
