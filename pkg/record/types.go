// Package record implements the per-volume coordination record that the
// cleanup protocol runs over. One record exists per volume, stored as a
// labeled object in the cluster's generic key/value store (ConfigMaps), and
// mutated only through optimistic-concurrency read-modify-write.
package record

import (
	"fmt"
	"strings"
	"time"
)

const (
	// LabelKey is the label carried by every coordination record. Its value
	// is the record state, which lets watchers select on state transitions.
	LabelKey = "node-local-cache.csi.io/cleanup"

	// KeyPrefix prefixes every coordination record name.
	// Full key: nlc-cleanup-<volumeID>
	KeyPrefix = "nlc-cleanup-"

	// Finalizer is the marker placed on PVs owned by this driver. While
	// present, the orchestrator will not delete the PV.
	Finalizer = "node-local-cache.csi.io/cleanup"
)

// State is the lifecycle state of a coordination record.
type State string

const (
	// StateActive means the volume is live; nodes may register themselves.
	StateActive State = "active"

	// StateCleanupPending means DeleteVolume ran; nodes must sweep their
	// local directories. NodesWithVolume is frozen in this state.
	StateCleanupPending State = "cleanup-pending"

	// StateCleanupComplete means all expected nodes finished (or the
	// deadline forced completion); the record is about to be deleted.
	StateCleanupComplete State = "cleanup-complete"
)

// Record is the coordination record payload, serialized as JSON into the
// backing object. Field names match the on-wire format.
type Record struct {
	VolumeID        string     `json:"volume_id"`
	CreatedAt       time.Time  `json:"created_at"`
	State           State      `json:"state"`
	CapacityBytes   int64      `json:"capacity_bytes,omitempty"`
	NodesWithVolume []string   `json:"nodes_with_volume"`
	NodesCompleted  []string   `json:"nodes_completed"`
	DeadlineAt      *time.Time `json:"deadline_at,omitempty"`
}

// New returns a fresh active record for the given volume.
func New(volumeID string, now time.Time) Record {
	return Record{
		VolumeID:  volumeID,
		CreatedAt: now.UTC(),
		State:     StateActive,
	}
}

// Key returns the record name for a volume ID.
func Key(volumeID string) string {
	return KeyPrefix + volumeID
}

// VolumeIDFromKey extracts the volume ID from a record name.
func VolumeIDFromKey(key string) (string, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", fmt.Errorf("not a cleanup record key: %s", key)
	}
	id := strings.TrimPrefix(key, KeyPrefix)
	if id == "" {
		return "", fmt.Errorf("cleanup record key has empty volume ID: %s", key)
	}
	return id, nil
}

// HasNode reports whether the node is registered in NodesWithVolume.
func (r *Record) HasNode(nodeName string) bool {
	return contains(r.NodesWithVolume, nodeName)
}

// HasCompleted reports whether the node already reported its sweep done.
func (r *Record) HasCompleted(nodeName string) bool {
	return contains(r.NodesCompleted, nodeName)
}

// AddNode registers a node in NodesWithVolume. The set is union-only and
// frozen once cleanup starts; both are enforced here. Returns true if the
// record changed.
func (r *Record) AddNode(nodeName string) bool {
	if r.State != StateActive {
		return false
	}
	if contains(r.NodesWithVolume, nodeName) {
		return false
	}
	r.NodesWithVolume = append(r.NodesWithVolume, nodeName)
	return true
}

// MarkCompleted inserts a node into NodesCompleted. Grow-only and
// idempotent. Returns true if the record changed.
func (r *Record) MarkCompleted(nodeName string) bool {
	if contains(r.NodesCompleted, nodeName) {
		return false
	}
	r.NodesCompleted = append(r.NodesCompleted, nodeName)
	return true
}

// BeginCleanup transitions an active record to cleanup-pending and stamps
// the completion deadline. Returns false if the record already left the
// active state (the transition is idempotent).
func (r *Record) BeginCleanup(now time.Time, timeout time.Duration) bool {
	if r.State != StateActive {
		return false
	}
	deadline := now.UTC().Add(timeout)
	r.State = StateCleanupPending
	r.DeadlineAt = &deadline
	return true
}

// Expired reports whether the completion deadline has passed.
func (r *Record) Expired(now time.Time) bool {
	return r.DeadlineAt != nil && !now.Before(*r.DeadlineAt)
}

// RemainingNodes returns the live registered nodes that have not yet
// reported completion. Nodes absent from live (decommissioned) are dropped.
func (r *Record) RemainingNodes(live map[string]bool) []string {
	var remaining []string
	for _, node := range r.NodesWithVolume {
		if !live[node] {
			continue
		}
		if !contains(r.NodesCompleted, node) {
			remaining = append(remaining, node)
		}
	}
	return remaining
}

func contains(set []string, member string) bool {
	for _, s := range set {
		if s == member {
			return true
		}
	}
	return false
}
