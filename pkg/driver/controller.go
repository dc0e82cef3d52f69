package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/cleanup"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/record"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/utils"
)

// errCapacityMismatch signals a CreateVolume retry whose capacity disagrees
// with the volume already on record.
var errCapacityMismatch = errors.New("capacity mismatch with existing volume")

// ControllerServer implements the CSI Controller service
type ControllerServer struct {
	csi.UnimplementedControllerServer
	driver *Driver
}

// NewControllerServer creates a new Controller service
func NewControllerServer(driver *Driver) *ControllerServer {
	return &ControllerServer{
		driver: driver,
	}
}

// CreateVolume provisions a new cache volume. No storage is allocated here:
// directories materialize lazily on whichever nodes the claim lands on.
// The response never carries topology, which is what lets the scheduler
// place pods freely.
func (cs *ControllerServer) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	startTime := time.Now()
	klog.V(2).Infof("CreateVolume called with name: %s", req.GetName())

	if req.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume name is required")
	}
	if len(req.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities are required")
	}
	if err := cs.validateVolumeCapabilities(req.GetVolumeCapabilities()); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid volume capabilities: %v", err)
	}

	// Deterministic id: the same request name always yields the same
	// volume, making retries indistinguishable from the first call.
	volumeID := utils.VolumeNameToID(req.GetName())
	capacityBytes := req.GetCapacityRange().GetRequiredBytes()

	if cs.driver.store != nil {
		_, err := record.MutateOrCreate(ctx, cs.driver.store, volumeID,
			func() record.Record {
				rec := record.New(volumeID, time.Now())
				rec.CapacityBytes = capacityBytes
				return rec
			},
			func(r *record.Record) error {
				// A record created by node registration carries no
				// capacity yet; adopt the request's.
				if r.CapacityBytes == 0 && capacityBytes != 0 {
					r.CapacityBytes = capacityBytes
					return nil
				}
				if capacityBytes != 0 && r.CapacityBytes != capacityBytes {
					return errCapacityMismatch
				}
				// Existing record: the upsert is a no-op, repeated calls
				// are indistinguishable from the first.
				return record.ErrUnchanged
			})
		if err != nil {
			if errors.Is(err, errCapacityMismatch) {
				return nil, status.Errorf(codes.AlreadyExists,
					"volume %s already exists with different capacity", req.GetName())
			}
			if cs.driver.metrics != nil {
				cs.driver.metrics.RecordVolumeOp("create", err, time.Since(startTime))
			}
			return nil, status.Errorf(codes.Unavailable, "failed to write coordination record: %v", err)
		}

		// The PV usually does not exist yet (the provisioner persists it
		// after this call returns); the completer adds the finalizer then.
		cs.ensureFinalizer(ctx, volumeID)
	}

	klog.V(2).Infof("Created volume %s (name=%s, capacity=%d)", volumeID, req.GetName(), capacityBytes)
	if cs.driver.metrics != nil {
		cs.driver.metrics.RecordVolumeOp("create", nil, time.Since(startTime))
	}

	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:      volumeID,
			CapacityBytes: capacityBytes,
			// No topology constraints - accessible from any node
			AccessibleTopology: nil,
		},
	}, nil
}

// DeleteVolume starts the distributed cleanup and returns immediately.
// The PV finalizer holds the orchestrator back until the completer
// observes convergence (or the deadline) and releases it.
func (cs *ControllerServer) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	startTime := time.Now()
	volumeID := req.GetVolumeId()
	klog.V(2).Infof("DeleteVolume called for volume: %s", volumeID)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if err := utils.ValidateVolumeID(volumeID); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid volume ID: %v", err)
	}

	if cs.driver.store == nil {
		klog.Warningf("Cleanup disabled; volume %s directories will leak", volumeID)
		return &csi.DeleteVolumeResponse{}, nil
	}

	_, err := record.Mutate(ctx, cs.driver.store, volumeID, func(r *record.Record) error {
		if !r.BeginCleanup(time.Now(), cs.driver.cleanupTimeout) {
			// Already past active; repeated deletes are no-ops.
			return record.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			// No record means cleanup already ran (or nothing ever
			// materialized); deletion is idempotent.
			klog.V(2).Infof("No coordination record for volume %s, assuming already cleaned", volumeID)
			if cs.driver.metrics != nil {
				cs.driver.metrics.RecordVolumeOp("delete", nil, time.Since(startTime))
			}
			return &csi.DeleteVolumeResponse{}, nil
		}
		if cs.driver.metrics != nil {
			cs.driver.metrics.RecordVolumeOp("delete", err, time.Since(startTime))
		}
		if errors.Is(err, record.ErrConflict) {
			return nil, status.Errorf(codes.Unavailable, "coordination record busy for volume %s: %v", volumeID, err)
		}
		return nil, status.Errorf(codes.Unavailable, "failed to update coordination record: %v", err)
	}

	klog.V(2).Infof("Volume %s entered cleanup-pending (deadline in %v)", volumeID, cs.driver.cleanupTimeout)
	if cs.driver.metrics != nil {
		cs.driver.metrics.RecordVolumeOp("delete", nil, time.Since(startTime))
	}

	return &csi.DeleteVolumeResponse{}, nil
}

// ValidateVolumeCapabilities confirms single-node-writer filesystem
// capabilities and rejects everything else
func (cs *ControllerServer) ValidateVolumeCapabilities(ctx context.Context, req *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	volumeID := req.GetVolumeId()
	klog.V(4).Infof("ValidateVolumeCapabilities called for volume: %s", volumeID)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if err := utils.ValidateVolumeID(volumeID); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid volume ID: %v", err)
	}
	if len(req.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities are required")
	}

	if cs.driver.store != nil {
		if _, err := cs.driver.store.Get(ctx, volumeID); err != nil {
			if errors.Is(err, record.ErrNotFound) {
				return nil, status.Errorf(codes.NotFound, "volume %s not found", volumeID)
			}
			return nil, status.Errorf(codes.Unavailable, "failed to read coordination record: %v", err)
		}
	}

	if err := cs.validateVolumeCapabilities(req.GetVolumeCapabilities()); err != nil {
		return &csi.ValidateVolumeCapabilitiesResponse{
			Message: err.Error(),
		}, nil
	}

	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeCapabilities: req.GetVolumeCapabilities(),
		},
	}, nil
}

// ControllerGetCapabilities returns the capabilities of the controller service
func (cs *ControllerServer) ControllerGetCapabilities(ctx context.Context, req *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	klog.V(5).Info("ControllerGetCapabilities called")

	return &csi.ControllerGetCapabilitiesResponse{
		Capabilities: cs.driver.cscaps,
	}, nil
}

// ensureFinalizer places the cleanup finalizer on the PV if it already
// exists. Best effort: the PV is normally persisted only after
// CreateVolume returns, and the completer covers that ordering.
func (cs *ControllerServer) ensureFinalizer(ctx context.Context, volumeID string) {
	if cs.driver.k8sClient == nil {
		return
	}

	pv, err := cleanup.FindPVByVolumeHandle(ctx, cs.driver.k8sClient, cs.driver.name, volumeID)
	if err != nil || pv == nil {
		return
	}
	if err := cleanup.EnsureFinalizer(ctx, cs.driver.k8sClient, pv.Name); err != nil {
		klog.Warningf("Failed to ensure finalizer on PV %s: %v", pv.Name, err)
	}
}

// validateVolumeCapabilities checks if the requested capabilities are supported
func (cs *ControllerServer) validateVolumeCapabilities(caps []*csi.VolumeCapability) error {
	for _, cap := range caps {
		accessMode := cap.GetAccessMode().GetMode()
		supported := false
		for _, supportedMode := range cs.driver.vcaps {
			if accessMode == supportedMode.GetMode() {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("access mode %v is not supported (only single-node-writer)", accessMode)
		}

		if cap.GetBlock() == nil && cap.GetMount() == nil {
			return fmt.Errorf("volume capability must specify either block or mount")
		}
	}

	return nil
}
