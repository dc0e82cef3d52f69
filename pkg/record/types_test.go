package record

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRecordSetOperations(t *testing.T) {
	rec := New("nlc-550e8400-e29b-41d4-a716-446655440000", time.Now())

	if !rec.AddNode("n1") {
		t.Fatal("Expected first AddNode to change the record")
	}
	if rec.AddNode("n1") {
		t.Fatal("Expected duplicate AddNode to be a no-op")
	}
	if !rec.HasNode("n1") {
		t.Fatal("Expected n1 to be registered")
	}

	if !rec.MarkCompleted("n1") {
		t.Fatal("Expected first MarkCompleted to change the record")
	}
	if rec.MarkCompleted("n1") {
		t.Fatal("Expected duplicate MarkCompleted to be a no-op")
	}
	if !rec.HasCompleted("n1") {
		t.Fatal("Expected n1 to be completed")
	}
}

func TestRecordFreezeOnCleanup(t *testing.T) {
	rec := New("nlc-550e8400-e29b-41d4-a716-446655440000", time.Now())
	rec.AddNode("n1")

	if !rec.BeginCleanup(time.Now(), time.Minute) {
		t.Fatal("Expected BeginCleanup to transition an active record")
	}
	if rec.State != StateCleanupPending {
		t.Fatalf("Expected state cleanup-pending, got %s", rec.State)
	}
	if rec.DeadlineAt == nil {
		t.Fatal("Expected deadline to be set")
	}

	// Frozen: registrations after the transition do not land.
	if rec.AddNode("n2") {
		t.Fatal("Expected AddNode to be rejected after freeze")
	}
	if rec.HasNode("n2") {
		t.Fatal("Expected n2 to be absent after freeze")
	}

	// Repeated DeleteVolume is a no-op.
	if rec.BeginCleanup(time.Now(), time.Minute) {
		t.Fatal("Expected second BeginCleanup to be a no-op")
	}
}

func TestRecordExpired(t *testing.T) {
	rec := New("nlc-550e8400-e29b-41d4-a716-446655440000", time.Now())

	if rec.Expired(time.Now()) {
		t.Fatal("Expected active record without deadline to never expire")
	}

	rec.BeginCleanup(time.Now(), time.Minute)
	if rec.Expired(time.Now()) {
		t.Fatal("Expected record to not be expired before the deadline")
	}
	if !rec.Expired(time.Now().Add(2 * time.Minute)) {
		t.Fatal("Expected record to be expired after the deadline")
	}
}

func TestRemainingNodes(t *testing.T) {
	rec := New("nlc-550e8400-e29b-41d4-a716-446655440000", time.Now())
	rec.AddNode("n1")
	rec.AddNode("n2")
	rec.AddNode("n3")
	rec.BeginCleanup(time.Now(), time.Minute)
	rec.MarkCompleted("n1")

	// n3 is decommissioned and must be dropped from the expectation.
	live := map[string]bool{"n1": true, "n2": true}

	remaining := rec.RemainingNodes(live)
	if len(remaining) != 1 || remaining[0] != "n2" {
		t.Fatalf("Expected remaining [n2], got %v", remaining)
	}

	rec.MarkCompleted("n2")
	if remaining := rec.RemainingNodes(live); len(remaining) != 0 {
		t.Fatalf("Expected no remaining nodes, got %v", remaining)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	volumeID := "nlc-550e8400-e29b-41d4-a716-446655440000"
	key := Key(volumeID)

	if key != "nlc-cleanup-"+volumeID {
		t.Fatalf("Unexpected key: %s", key)
	}

	got, err := VolumeIDFromKey(key)
	if err != nil {
		t.Fatalf("VolumeIDFromKey failed: %v", err)
	}
	if got != volumeID {
		t.Fatalf("Expected %s, got %s", volumeID, got)
	}

	if _, err := VolumeIDFromKey("some-other-configmap"); err == nil {
		t.Fatal("Expected error for non-record key")
	}
}

func TestRecordJSONFieldNames(t *testing.T) {
	rec := New("nlc-550e8400-e29b-41d4-a716-446655440000", time.Now())
	rec.AddNode("n1")
	rec.BeginCleanup(time.Now(), time.Minute)

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	for _, key := range []string{"volume_id", "created_at", "state", "nodes_with_volume", "nodes_completed", "deadline_at"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("Expected JSON field %q to be present", key)
		}
	}
}
