package driver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/cleanup"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/mount"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/observability"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/record"
)

const (
	// DriverName is the official name of this CSI driver
	DriverName = "node-local-cache.csi.io"

	// DefaultBasePath is where volume directories live on every node
	DefaultBasePath = "/var/node-local-cache"

	// DefaultNamespace holds the cleanup coordination records
	DefaultNamespace = "node-local-cache"

	// defaultVersion is reported when no version is set at build time;
	// version, gitCommit and buildDate below are set via ldflags
	defaultVersion = "dev"
)

var (
	version   = defaultVersion
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Mode selects which role this process serves.
type Mode string

const (
	// ModeController serves the Controller and Identity services.
	ModeController Mode = "controller"

	// ModeNode serves the Node and Identity services.
	ModeNode Mode = "node"
)

// Driver implements the CSI Controller, Node, and Identity services
type Driver struct {
	name     string
	version  string
	mode     Mode
	nodeName string

	basePath          string
	cleanupTimeout    time.Duration
	deleteOnUnpublish bool

	// CSI services
	ids csi.IdentityServer
	cs  csi.ControllerServer
	ns  csi.NodeServer

	// Kubernetes client (nil only with cleanup disabled)
	k8sClient kubernetes.Interface

	// Coordination record store (nil with cleanup disabled)
	store record.Store

	// Prometheus metrics (may be nil if disabled)
	metrics *observability.Metrics

	// Per-volume advisory locks (node role)
	locks *VolumeLockManager

	// Cleanup protocol halves
	sweeper   *cleanup.Sweeper
	completer *cleanup.Completer

	// Event posting (may be nil)
	eventPoster *EventPoster

	// Mounter used by the node service
	mounter mount.Mounter

	ready  atomic.Bool
	server *NonBlockingGRPCServer
	cancel context.CancelFunc

	// Capabilities
	vcaps  []*csi.VolumeCapability_AccessMode
	cscaps []*csi.ControllerServiceCapability
	nscaps []*csi.NodeServiceCapability
}

// DriverConfig contains configuration for creating a driver instance
type DriverConfig struct {
	DriverName string
	Version    string
	Mode       Mode

	// NodeName identifies this node (required in node mode)
	NodeName string

	// BasePath is the local directory holding volume directories
	BasePath string

	// Namespace holds the cleanup coordination records
	Namespace string

	// CleanupTimeout bounds the per-volume cleanup wait
	CleanupTimeout time.Duration

	// DeleteOnUnpublish purges the volume directory on the last unpublish
	// instead of keeping it warm for re-use
	DeleteOnUnpublish bool

	// K8sClient is the Kubernetes clientset (required unless DisableCleanup)
	K8sClient kubernetes.Interface

	// Store overrides the coordination record store (tests)
	Store record.Store

	// Mounter overrides the mounter (tests)
	Mounter mount.Mounter

	// Metrics is optional Prometheus metrics recorder (may be nil)
	Metrics *observability.Metrics

	// DisableCleanup disables registration, sweeping and completion.
	// Testing only: leaks disk space.
	DisableCleanup bool
}

// NewDriver creates a new node-local-cache CSI driver
func NewDriver(config DriverConfig) (*Driver, error) {
	if config.DriverName == "" {
		config.DriverName = DriverName
	}
	if config.Version == "" {
		config.Version = version
	}
	if config.BasePath == "" {
		config.BasePath = DefaultBasePath
	}
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = cleanup.DefaultCleanupTimeout
	}

	switch config.Mode {
	case ModeController, ModeNode:
	default:
		return nil, fmt.Errorf("invalid mode %q (expected controller or node)", config.Mode)
	}

	if config.Mode == ModeNode && config.NodeName == "" {
		return nil, fmt.Errorf("node name is required in node mode")
	}

	klog.Infof("Driver: %s Version: %s GitCommit: %s BuildDate: %s", config.DriverName, config.Version, gitCommit, buildDate)

	driver := &Driver{
		name:              config.DriverName,
		version:           config.Version,
		mode:              config.Mode,
		nodeName:          config.NodeName,
		basePath:          config.BasePath,
		cleanupTimeout:    config.CleanupTimeout,
		deleteOnUnpublish: config.DeleteOnUnpublish,
		k8sClient:         config.K8sClient,
		store:             config.Store,
		metrics:           config.Metrics,
		locks:             NewVolumeLockManager(),
		mounter:           config.Mounter,
	}
	if driver.mounter == nil {
		driver.mounter = mount.NewMounter()
	}

	if config.DisableCleanup {
		klog.Warning("Cleanup service disabled. This will leak disk space!")
		driver.store = nil
	} else {
		if driver.store == nil {
			if config.K8sClient == nil {
				return nil, fmt.Errorf("Kubernetes client is required unless cleanup is disabled")
			}
			store, err := record.NewConfigMapStore(record.ConfigMapStoreConfig{
				Client:    config.K8sClient,
				Namespace: config.Namespace,
				Metrics:   config.Metrics,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create coordination record store: %w", err)
			}
			driver.store = store
		}

		if config.K8sClient != nil {
			driver.eventPoster = NewEventPoster(config.K8sClient, config.DriverName)
			driver.eventPoster.metrics = config.Metrics
		}

		switch config.Mode {
		case ModeController:
			completer, err := cleanup.NewCompleter(cleanup.CompleterConfig{
				Store:          driver.store,
				K8sClient:      config.K8sClient,
				DriverName:     config.DriverName,
				CleanupTimeout: config.CleanupTimeout,
				Metrics:        config.Metrics,
				EventPoster:    driver.eventPoster,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create cleanup completer: %w", err)
			}
			driver.completer = completer

		case ModeNode:
			sweeper, err := cleanup.NewSweeper(cleanup.SweeperConfig{
				Store:      driver.store,
				K8sClient:  config.K8sClient,
				DriverName: config.DriverName,
				NodeName:   config.NodeName,
				BasePath:   config.BasePath,
				Locks:      driver.locks,
				Metrics:    config.Metrics,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create cleanup sweeper: %w", err)
			}
			driver.sweeper = sweeper
		}
	}

	driver.addVolumeCapabilities()
	if config.Mode == ModeController {
		driver.addControllerServiceCapabilities()
	}
	if config.Mode == ModeNode {
		driver.addNodeServiceCapabilities()
	}

	return driver, nil
}

// addVolumeCapabilities adds supported volume access modes. Each node sees
// its own independent directory, so only single-node writers make sense.
func (d *Driver) addVolumeCapabilities() {
	d.vcaps = []*csi.VolumeCapability_AccessMode{
		{
			Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		},
	}
}

// addControllerServiceCapabilities adds controller service capabilities
func (d *Driver) addControllerServiceCapabilities() {
	d.cscaps = []*csi.ControllerServiceCapability{
		{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
				},
			},
		},
	}
}

// addNodeServiceCapabilities adds node service capabilities.
// Bind mounts need no staging, so the set is empty.
func (d *Driver) addNodeServiceCapabilities() {
	d.nscaps = []*csi.NodeServiceCapability{}
}

// Run starts the CSI driver gRPC server and the role's cleanup subsystem
func (d *Driver) Run(endpoint string) error {
	klog.Infof("Starting node-local-cache CSI driver at endpoint %s (mode=%s)", endpoint, d.mode)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.ids = NewIdentityServer(d)

	switch d.mode {
	case ModeController:
		klog.Info("Controller service enabled")
		d.cs = NewControllerServer(d)
		if d.completer != nil {
			if err := d.completer.Start(ctx); err != nil {
				return fmt.Errorf("failed to start cleanup completer: %w", err)
			}
			klog.Info("Cleanup completer started")
		}

	case ModeNode:
		klog.Info("Node service enabled")
		d.ns = NewNodeServer(d)
		if d.sweeper != nil {
			// The startup scan runs inside Start, before the node reports
			// ready, so orphaned directories never survive into serving.
			if err := d.sweeper.Start(ctx); err != nil {
				return fmt.Errorf("failed to start cleanup sweeper: %w", err)
			}
			klog.Info("Cleanup sweeper started")
		}
	}

	d.server = NewNonBlockingGRPCServer(endpoint)
	if err := d.server.Start(d.ids, d.cs, d.ns); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	d.ready.Store(true)
	klog.Info("Driver initialization complete, server running")

	// Block forever (shutdown handled by Stop method via signal handler)
	select {}
}

// Stop stops the driver and cleans up resources
func (d *Driver) Stop() {
	klog.Info("Stopping node-local-cache CSI driver")
	d.ready.Store(false)

	if d.cancel != nil {
		d.cancel()
	}
	if d.completer != nil {
		d.completer.Stop()
	}
	if d.sweeper != nil {
		d.sweeper.Stop()
	}
	if d.server != nil {
		d.server.Stop()
	}
}

// Ready reports whether the role-specific subsystems are up.
func (d *Driver) Ready() bool {
	return d.ready.Load()
}

// GetMetrics returns the Prometheus metrics instance (may be nil if disabled)
func (d *Driver) GetMetrics() *observability.Metrics {
	return d.metrics
}

// GetVolumeLocks returns the per-volume lock manager. External sweepers
// must share it so sweeps serialize with publish/unpublish (exported for
// testing).
func (d *Driver) GetVolumeLocks() *VolumeLockManager {
	return d.locks
}
