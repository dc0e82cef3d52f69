package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/observability"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/record"
)

const (
	// DefaultCompleterTickInterval bounds the deadline detection latency.
	DefaultCompleterTickInterval = 1 * time.Second

	// DefaultCompleterResyncInterval is how often the completer re-lists
	// pending records to refresh its watch-derived working set.
	DefaultCompleterResyncInterval = 60 * time.Second

	// DefaultCleanupTimeout is the default per-volume cleanup deadline.
	DefaultCleanupTimeout = 60 * time.Second
)

// EventPoster posts Kubernetes events for cleanup lifecycle transitions.
// Optional; the driver package supplies the implementation.
type EventPoster interface {
	// PostCleanupForced posts an event when a cleanup force-completes at
	// its deadline with nodes still outstanding.
	PostCleanupForced(ctx context.Context, volumeID string, remaining []string)
}

// CompleterConfig holds configuration for the controller-side completer.
type CompleterConfig struct {
	// Store is the coordination record store (required)
	Store record.Store

	// K8sClient is used for node liveness, PV lookup and finalizers (required)
	K8sClient kubernetes.Interface

	// DriverName identifies this driver's PVs (required)
	DriverName string

	// CleanupTimeout is the deadline applied to records recreated by the
	// startup reconciliation
	CleanupTimeout time.Duration

	// TickInterval is the deadline evaluation granularity
	TickInterval time.Duration

	// ResyncInterval is how often to re-list pending records
	ResyncInterval time.Duration

	// Metrics is optional Prometheus metrics recorder (may be nil)
	Metrics *observability.Metrics

	// EventPoster is optional, may be nil
	EventPoster EventPoster
}

// Completer is the controller-side half of the cleanup protocol. It runs
// single-instance (the controller is single-replica) and keeps no state
// beyond a watch-derived working set that a restart rebuilds from the
// records themselves.
type Completer struct {
	config CompleterConfig

	// pending is the watch-derived working set, keyed by volume ID. It is
	// only touched by the run goroutine.
	pending map[string]record.Versioned

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
}

// NewCompleter creates the controller-side completer.
func NewCompleter(config CompleterConfig) (*Completer, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if config.K8sClient == nil {
		return nil, fmt.Errorf("K8sClient is required")
	}
	if config.DriverName == "" {
		return nil, fmt.Errorf("DriverName is required")
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = DefaultCleanupTimeout
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultCompleterTickInterval
	}
	if config.ResyncInterval <= 0 {
		config.ResyncInterval = DefaultCompleterResyncInterval
	}

	return &Completer{
		config:  config,
		pending: make(map[string]record.Versioned),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start runs the startup reconciliation, then launches the completion loop.
func (c *Completer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.StartupReconcile(ctx); err != nil {
		// Reconciliation failures must not keep the controller down; the
		// resync repeats it.
		klog.Errorf("Startup reconciliation failed: %v", err)
	}

	events, err := c.config.Store.Watch(ctx, record.StateCleanupPending)
	if err != nil {
		return fmt.Errorf("failed to start cleanup watch: %w", err)
	}

	klog.Infof("Cleanup completer started (tick=%v, resync=%v)",
		c.config.TickInterval, c.config.ResyncInterval)

	c.started = true
	go c.run(ctx, events)
	return nil
}

// Stop stops the completion loop and waits for it to exit.
func (c *Completer) Stop() {
	if !c.started {
		return
	}
	close(c.stopCh)
	if c.cancel != nil {
		c.cancel()
	}
	<-c.doneCh
	klog.Info("Cleanup completer stopped")
}

func (c *Completer) run(ctx context.Context, events <-chan record.Event) {
	defer close(c.doneCh)

	tick := time.NewTicker(c.config.TickInterval)
	defer tick.Stop()
	resync := time.NewTicker(c.config.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case record.EventDeleted:
				delete(c.pending, ev.Record.Record.VolumeID)
			default:
				c.pending[ev.Record.Record.VolumeID] = ev.Record
				c.evaluate(ctx, ev.Record)
			}
		case <-tick.C:
			// Deadline pass over the working set; evaluate re-reads the
			// record before acting, so staleness here is harmless.
			for _, v := range c.pending {
				c.evaluate(ctx, v)
			}
		case <-resync.C:
			if err := c.StartupReconcile(ctx); err != nil {
				klog.Warningf("Periodic reconciliation failed: %v", err)
			}
			pending, err := c.config.Store.List(ctx, record.StateCleanupPending)
			if err != nil {
				klog.Warningf("Failed to re-list pending records: %v", err)
				continue
			}
			c.pending = make(map[string]record.Versioned, len(pending))
			for _, v := range pending {
				c.pending[v.Record.VolumeID] = v
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// evaluate decides whether a pending record can complete, either because
// every live registered node reported done or because the deadline passed.
func (c *Completer) evaluate(ctx context.Context, v record.Versioned) {
	rec := v.Record
	if rec.State != record.StateCleanupPending {
		return
	}

	live, err := c.liveNodes(ctx)
	if err != nil {
		klog.Warningf("Failed to list cluster nodes: %v", err)
		return
	}

	remaining := rec.RemainingNodes(live)
	forced := rec.Expired(time.Now())

	if len(remaining) > 0 && !forced {
		return
	}

	if forced && len(remaining) > 0 {
		klog.Warningf("Cleanup deadline reached for volume %s, force-completing with nodes outstanding: %v",
			rec.VolumeID, remaining)
		if c.config.EventPoster != nil {
			c.config.EventPoster.PostCleanupForced(ctx, rec.VolumeID, remaining)
		}
	}

	if err := c.complete(ctx, rec.VolumeID, forced && len(remaining) > 0); err != nil {
		klog.Errorf("Failed to complete cleanup for volume %s: %v", rec.VolumeID, err)
		return
	}
	delete(c.pending, rec.VolumeID)
}

// complete drives the three-step completion: mark the record complete,
// release the PV, delete the record. Each step is idempotent, so a crash
// between steps resumes cleanly on the next observation.
func (c *Completer) complete(ctx context.Context, volumeID string, forced bool) error {
	latest, err := record.Mutate(ctx, c.config.Store, volumeID, func(r *record.Record) error {
		if r.State == record.StateCleanupComplete {
			return record.ErrUnchanged
		}
		r.State = record.StateCleanupComplete
		return nil
	})
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to mark record complete: %w", err)
	}

	pv, err := FindPVByVolumeHandle(ctx, c.config.K8sClient, c.config.DriverName, volumeID)
	if err != nil {
		return err
	}
	if pv != nil {
		if err := RemoveFinalizer(ctx, c.config.K8sClient, pv.Name); err != nil {
			return err
		}
	}

	if err := c.config.Store.Delete(ctx, volumeID, latest.Version); err != nil {
		if errors.Is(err, record.ErrConflict) {
			// A late completion marking raced in; the record is already
			// complete, so an unconditional delete is safe.
			if err := c.config.Store.Delete(ctx, volumeID, ""); err != nil {
				return fmt.Errorf("failed to delete record: %w", err)
			}
		} else {
			return fmt.Errorf("failed to delete record: %w", err)
		}
	}

	if c.config.Metrics != nil {
		// The deadline was set at cleanup-pending time as start + timeout.
		pendingSince := latest.Record.CreatedAt
		if latest.Record.DeadlineAt != nil {
			pendingSince = latest.Record.DeadlineAt.Add(-c.config.CleanupTimeout)
		}
		c.config.Metrics.RecordCleanupCompleted(forced, time.Since(pendingSince))
	}

	klog.Infof("Cleanup complete for volume %s (forced=%v)", volumeID, forced)
	return nil
}

// liveNodes returns the set of currently registered worker node names.
func (c *Completer) liveNodes(ctx context.Context) (map[string]bool, error) {
	nodeList, err := c.config.K8sClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(nodeList.Items))
	for i := range nodeList.Items {
		live[nodeList.Items[i].Name] = true
	}
	return live, nil
}

// StartupReconcile repairs the record set against the PVs:
//   - a PV carrying the finalizer with no record gets a fresh
//     cleanup-pending record naming every live node, cleaning conservatively
//   - an undeleted PV of this driver missing the finalizer (the provisioner
//     persisted it after CreateVolume returned) gets the finalizer added
func (c *Completer) StartupReconcile(ctx context.Context) error {
	records, err := c.config.Store.List(ctx, "")
	if err != nil {
		return err
	}
	haveRecord := make(map[string]record.State, len(records))
	for _, v := range records {
		haveRecord[v.Record.VolumeID] = v.Record.State
	}

	pvList, err := c.config.K8sClient.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list PVs: %w", err)
	}

	var live map[string]bool
	now := time.Now()

	for i := range pvList.Items {
		pv := &pvList.Items[i]
		if pv.Spec.CSI == nil || pv.Spec.CSI.Driver != c.config.DriverName {
			continue
		}
		volumeID := pv.Spec.CSI.VolumeHandle

		state, recordExists := haveRecord[volumeID]

		if !HasFinalizer(pv) {
			// The provisioner persists the PV after CreateVolume returns,
			// so the finalizer is added here once the PV exists. Never
			// re-add it to a volume whose cleanup already started.
			if pv.DeletionTimestamp == nil && (!recordExists || state == record.StateActive) {
				if err := EnsureFinalizer(ctx, c.config.K8sClient, pv.Name); err != nil {
					klog.Warningf("Failed to ensure finalizer on PV %s: %v", pv.Name, err)
				}
			}
			continue
		}

		if recordExists {
			continue
		}

		// Finalizer with no record: the record was lost. Recreate it in
		// cleanup-pending naming all live nodes, cleaning everywhere.
		if live == nil {
			live, err = c.liveNodes(ctx)
			if err != nil {
				return err
			}
		}

		rec := record.New(volumeID, now)
		for node := range live {
			rec.AddNode(node)
		}
		rec.BeginCleanup(now, c.config.CleanupTimeout)

		if _, err := c.config.Store.Create(ctx, rec); err != nil && !errors.Is(err, record.ErrAlreadyExists) {
			klog.Warningf("Failed to recreate lost record for volume %s: %v", volumeID, err)
			continue
		}
		klog.Warningf("Recreated lost coordination record for volume %s in cleanup-pending (nodes=%d)",
			volumeID, len(rec.NodesWithVolume))
	}

	return nil
}
