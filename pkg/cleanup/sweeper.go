package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/mount"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/observability"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/record"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/utils"
)

const (
	// DefaultSweepResyncInterval is how often the sweeper re-lists pending
	// records in addition to consuming watch events.
	DefaultSweepResyncInterval = 10 * time.Second

	// purgeConsecutiveFailures opens the per-volume purge breaker
	purgeConsecutiveFailures = 3

	// purgeBreakerTimeout is how long an open breaker blocks purge retries
	purgeBreakerTimeout = 30 * time.Second
)

// VolumeLocker serializes in-process operations on a single volume. The
// node server's per-volume lock manager satisfies this, which is what
// keeps a sweep from racing a concurrent NodePublish on the same id.
type VolumeLocker interface {
	Lock(volumeID string)
	Unlock(volumeID string)
}

// SweeperConfig holds configuration for the node-side sweeper.
type SweeperConfig struct {
	// Store is the coordination record store (required)
	Store record.Store

	// K8sClient is used by the startup scan to find live PVs (required)
	K8sClient kubernetes.Interface

	// DriverName identifies this driver's PVs (required)
	DriverName string

	// NodeName is this node's name as reported in NodeGetInfo (required)
	NodeName string

	// BasePath is the local directory holding volume directories (required)
	BasePath string

	// Locks serializes sweeps against publish/unpublish (required)
	Locks VolumeLocker

	// Metrics is optional Prometheus metrics recorder (may be nil)
	Metrics *observability.Metrics

	// ResyncInterval is how often to re-list pending records
	ResyncInterval time.Duration
}

// Sweeper watches for cleanup-pending records and purges this node's local
// directory for each, recording completion in the record. It is safe to
// restart at any point: the purge is idempotent and completion is recorded
// only after the directory is gone.
type Sweeper struct {
	config SweeperConfig

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
}

// NewSweeper creates a node-side sweeper.
func NewSweeper(config SweeperConfig) (*Sweeper, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if config.K8sClient == nil {
		return nil, fmt.Errorf("K8sClient is required")
	}
	if config.DriverName == "" {
		return nil, fmt.Errorf("DriverName is required")
	}
	if config.NodeName == "" {
		return nil, fmt.Errorf("NodeName is required")
	}
	if config.BasePath == "" {
		return nil, fmt.Errorf("BasePath is required")
	}
	if config.Locks == nil {
		return nil, fmt.Errorf("Locks is required")
	}
	if config.ResyncInterval <= 0 {
		config.ResyncInterval = DefaultSweepResyncInterval
	}

	return &Sweeper{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs the startup orphan scan synchronously, then launches the
// watch-and-sweep loop. The scan runs before the node reports ready so a
// directory left behind by a crash never survives into serving traffic.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.StartupScan(ctx); err != nil {
		return fmt.Errorf("startup scan failed: %w", err)
	}

	events, err := s.config.Store.Watch(ctx, record.StateCleanupPending)
	if err != nil {
		return fmt.Errorf("failed to start cleanup watch: %w", err)
	}

	klog.Infof("Cleanup sweeper started (node=%s, base_path=%s, resync=%v)",
		s.config.NodeName, s.config.BasePath, s.config.ResyncInterval)

	s.started = true
	go s.run(ctx, events)
	return nil
}

// Stop stops the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if !s.started {
		return
	}
	close(s.stopCh)
	if s.cancel != nil {
		s.cancel()
	}
	<-s.doneCh
	klog.Info("Cleanup sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, events <-chan record.Event) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == record.EventDeleted {
				// Absent record plus a stray directory is garbage; the
				// startup scan owns that case.
				continue
			}
			s.process(ctx, ev.Record)
		case <-ticker.C:
			pending, err := s.config.Store.List(ctx, record.StateCleanupPending)
			if err != nil {
				klog.Warningf("Failed to list pending cleanups: %v", err)
				continue
			}
			for _, v := range pending {
				s.process(ctx, v)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// process handles a single pending record observation for this node.
func (s *Sweeper) process(ctx context.Context, v record.Versioned) {
	rec := v.Record
	if rec.State != record.StateCleanupPending {
		return
	}
	if rec.HasCompleted(s.config.NodeName) {
		return
	}

	// Serialize against publish/unpublish for the same id so no purge can
	// race an active mount on this node.
	s.config.Locks.Lock(rec.VolumeID)
	err := s.purge(rec.VolumeID)
	s.config.Locks.Unlock(rec.VolumeID)

	if err != nil {
		klog.Errorf("Failed to purge volume %s on node %s: %v (will retry on next observation)",
			rec.VolumeID, s.config.NodeName, err)
		return
	}

	if err := s.markCompleted(ctx, rec.VolumeID); err != nil {
		klog.Warningf("Failed to record sweep completion for volume %s: %v", rec.VolumeID, err)
	}
}

// purge removes the local directory through the per-volume circuit breaker,
// so a persistently failing filesystem does not hot-loop on every watch
// tick. The deadline-bounded force completion preserves liveness.
func (s *Sweeper) purge(volumeID string) error {
	cb := s.getBreaker(volumeID)

	start := time.Now()
	_, err := cb.Execute(func() (interface{}, error) {
		removed, err := mount.PurgeVolumeDir(s.config.BasePath, volumeID)
		if err != nil {
			return nil, err
		}
		if removed {
			klog.V(2).Infof("Swept volume directory for %s on node %s", volumeID, s.config.NodeName)
		} else {
			klog.V(4).Infof("No directory for volume %s on node %s, nothing to sweep", volumeID, s.config.NodeName)
		}
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("purge breaker open for volume %s after repeated failures", volumeID)
	}

	if s.config.Metrics != nil {
		s.config.Metrics.RecordSweep(err, time.Since(start))
	}
	if err == nil {
		s.dropBreaker(volumeID)
	}
	return err
}

// markCompleted inserts this node into the record's completed set.
// A vanished record means the completer already finished; that is success.
func (s *Sweeper) markCompleted(ctx context.Context, volumeID string) error {
	_, err := record.Mutate(ctx, s.config.Store, volumeID, func(r *record.Record) error {
		if !r.MarkCompleted(s.config.NodeName) {
			return record.ErrUnchanged
		}
		return nil
	})
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	return err
}

// StartupScan purges any local directory whose volume id has no live PV of
// this driver. This is the stateless safety net: it converges nodes that
// missed the cleanup signal entirely (crash mid-sweep, offline past the
// deadline, lost record).
func (s *Sweeper) StartupScan(ctx context.Context) error {
	entries, err := os.ReadDir(s.config.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read base path %s: %w", s.config.BasePath, err)
	}

	live, err := activeVolumeHandles(ctx, s.config.K8sClient, s.config.DriverName)
	if err != nil {
		return err
	}

	purged := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		volumeID := entry.Name()
		if utils.ValidateVolumeID(volumeID) != nil {
			klog.V(4).Infof("Skipping non-volume directory %s in %s", volumeID, s.config.BasePath)
			continue
		}
		if live[volumeID] {
			continue
		}

		s.config.Locks.Lock(volumeID)
		removed, err := mount.PurgeVolumeDir(s.config.BasePath, volumeID)
		s.config.Locks.Unlock(volumeID)
		if err != nil {
			klog.Errorf("Startup scan failed to purge %s: %v", volumeID, err)
			continue
		}
		if removed {
			purged++
			klog.Infof("Startup scan purged orphaned volume directory %s", volumeID)
			if s.config.Metrics != nil {
				s.config.Metrics.RecordOrphanPurged()
			}
		}

		// If a pending record is still around, record our completion so
		// the completer does not wait out the deadline on our account.
		if err := s.markCompleted(ctx, volumeID); err != nil {
			klog.Warningf("Startup scan could not record completion for %s: %v", volumeID, err)
		}
	}

	klog.V(2).Infof("Startup scan complete (checked=%d, purged=%d)", len(entries), purged)
	return nil
}

func (s *Sweeper) getBreaker(volumeID string) *gobreaker.CircuitBreaker {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()

	if cb, ok := s.breakers[volumeID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        volumeID,
		MaxRequests: 1,
		Timeout:     purgeBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= purgeConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Purge breaker for volume %s: %s -> %s", name, from, to)
		},
	})
	s.breakers[volumeID] = cb
	return cb
}

func (s *Sweeper) dropBreaker(volumeID string) {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	delete(s.breakers, volumeID)
}
