package driver

import "sync"

// VolumeLockManager provides the per-volume advisory lock that serializes
// the three in-process writers of a volume's local state: NodePublish,
// NodeUnpublish, and the cleanup sweeper. Operations on different volumes
// proceed concurrently.
type VolumeLockManager struct {
	// mu protects the locks map itself
	mu sync.Mutex

	// locks maps volumeID to per-volume mutex
	locks map[string]*sync.Mutex
}

// NewVolumeLockManager creates a new VolumeLockManager
func NewVolumeLockManager() *VolumeLockManager {
	return &VolumeLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the per-volume lock for the specified volumeID, creating
// it on first use. Blocks until the lock is acquired.
func (vlm *VolumeLockManager) Lock(volumeID string) {
	vlm.mu.Lock()
	lock, exists := vlm.locks[volumeID]
	if !exists {
		lock = &sync.Mutex{}
		vlm.locks[volumeID] = lock
	}
	// Release the manager lock before acquiring the per-volume lock;
	// holding it while blocked would serialize unrelated volumes.
	vlm.mu.Unlock()

	lock.Lock()
}

// Unlock releases the per-volume lock for the specified volumeID.
// The lock must have been previously acquired with Lock().
func (vlm *VolumeLockManager) Unlock(volumeID string) {
	vlm.mu.Lock()
	lock, exists := vlm.locks[volumeID]
	vlm.mu.Unlock()

	if exists {
		lock.Unlock()
	}
}
