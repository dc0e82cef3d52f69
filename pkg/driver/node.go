package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/mount"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/record"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/utils"
)

// VolumeContext keys populated by the external-provisioner
const (
	volumeContextPVCNamespace = "csi.storage.k8s.io/pvc/namespace"
	volumeContextPVCName      = "csi.storage.k8s.io/pvc/name"
)

// NodeServer implements the CSI Node service
type NodeServer struct {
	csi.UnimplementedNodeServer
	driver  *Driver
	mounter mount.Mounter
}

// NewNodeServer creates a new Node service
func NewNodeServer(driver *Driver) *NodeServer {
	return &NodeServer{
		driver:  driver,
		mounter: driver.mounter,
	}
}

// NodePublishVolume materializes the local cache directory for a volume and
// bind-mounts it to the kubelet-supplied target path. The directory is
// created empty on first touch on this node; content written through an
// earlier mount on the same node is still there (warm cache), content
// written on other nodes never is.
func (ns *NodeServer) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	startTime := time.Now()
	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()
	readonly := req.GetReadonly()

	klog.V(2).Infof("NodePublishVolume called for volume: %s, target path: %s, readonly: %v", volumeID, targetPath, readonly)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if err := utils.ValidateVolumeID(volumeID); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid volume ID: %v", err)
	}
	if err := utils.ValidateTargetPath(targetPath); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid target path: %v", err)
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}

	// Serialize with unpublish and the cleanup sweeper for this id.
	ns.driver.locks.Lock(volumeID)
	defer ns.driver.locks.Unlock(volumeID)

	sourcePath, err := mount.EnsureVolumeDir(ns.driver.basePath, volumeID)
	if err != nil {
		ns.recordOp("publish", err, startTime)
		return nil, status.Errorf(codes.Internal, "failed to create volume directory: %v", err)
	}

	mounted, err := ns.mounter.IsMountPoint(targetPath)
	if err != nil {
		ns.recordOp("publish", err, startTime)
		return nil, status.Errorf(codes.Internal, "failed to check target path: %v", err)
	}
	if mounted {
		klog.V(2).Infof("Target path %s already mounted, skipping (idempotent)", targetPath)
		ns.recordOp("publish", nil, startTime)
		return &csi.NodePublishVolumeResponse{}, nil
	}

	if err := os.MkdirAll(targetPath, 0750); err != nil {
		ns.recordOp("publish", err, startTime)
		return nil, status.Errorf(codes.FailedPrecondition, "failed to create target path: %v", err)
	}

	if err := ns.mounter.BindMount(sourcePath, targetPath, readonly); err != nil {
		ns.recordOp("publish", err, startTime)
		return nil, status.Errorf(codes.Internal, "failed to bind mount: %v", err)
	}

	klog.V(2).Infof("Successfully published volume %s to %s", volumeID, targetPath)
	ns.recordOp("publish", nil, startTime)

	// Register this node in the coordination record so cleanup knows to
	// visit. Advisory: the startup scan reaps anything registration missed.
	ns.registerNode(ctx, volumeID)

	if ns.driver.eventPoster != nil {
		volCtx := req.GetVolumeContext()
		ns.driver.eventPoster.PostVolumePublished(ctx,
			volCtx[volumeContextPVCNamespace], volCtx[volumeContextPVCName],
			volumeID, ns.driver.nodeName, targetPath)
	}

	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume unmounts the target path. The backing directory is
// kept by default, betting on rapid re-use of the same node; eager-delete
// mode purges it once the last bind mount on this node is gone.
func (ns *NodeServer) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	startTime := time.Now()
	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()

	klog.V(2).Infof("NodeUnpublishVolume called for volume: %s, target path: %s", volumeID, targetPath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if err := utils.ValidateVolumeID(volumeID); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid volume ID: %v", err)
	}
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	ns.driver.locks.Lock(volumeID)
	defer ns.driver.locks.Unlock(volumeID)

	if err := ns.mounter.Unmount(targetPath); err != nil {
		ns.recordOp("unpublish", err, startTime)
		return nil, status.Errorf(codes.Internal, "failed to unmount target path: %v", err)
	}

	// The target mountpoint directory belongs to this mount; remove it so
	// the kubelet sees a clean pod directory.
	if err := os.Remove(targetPath); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Failed to remove target path %s: %v", targetPath, err)
	}

	if ns.driver.deleteOnUnpublish {
		ns.eagerDelete(volumeID)
	}

	klog.V(2).Infof("Successfully unpublished volume %s from %s", volumeID, targetPath)
	ns.recordOp("unpublish", nil, startTime)

	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeGetCapabilities returns the supported capabilities of the node service
func (ns *NodeServer) NodeGetCapabilities(ctx context.Context, req *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	klog.V(5).Info("NodeGetCapabilities called")

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: ns.driver.nscaps,
	}, nil
}

// NodeGetInfo returns information about the node. No topology is reported:
// every volume is accessible from every node.
func (ns *NodeServer) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	klog.V(4).Infof("NodeGetInfo called for node: %s", ns.driver.nodeName)

	return &csi.NodeGetInfoResponse{
		NodeId: ns.driver.nodeName,
		// MaxVolumesPerNode: 0 means unlimited
		MaxVolumesPerNode: 0,
	}, nil
}

// registerNode inserts this node into the record's nodesWithVolume set.
// If the record has not appeared yet (racing a just-created volume), wait
// briefly, then create it. A record already frozen for cleanup is left
// alone: the directory just created will be reaped by the next sweep
// observation or the startup scan.
func (ns *NodeServer) registerNode(ctx context.Context, volumeID string) {
	if ns.driver.store == nil {
		return
	}

	mutate := func() error {
		_, err := record.Mutate(ctx, ns.driver.store, volumeID, func(r *record.Record) error {
			if !r.AddNode(ns.driver.nodeName) {
				return record.ErrUnchanged
			}
			return nil
		})
		return err
	}

	err := utils.RetryWithBackoff(ctx, utils.RegistrationBackoff(),
		func(err error) bool { return errors.Is(err, record.ErrNotFound) },
		mutate)

	if errors.Is(err, record.ErrNotFound) {
		rec := record.New(volumeID, time.Now())
		rec.AddNode(ns.driver.nodeName)
		if _, cerr := ns.driver.store.Create(ctx, rec); cerr != nil {
			if errors.Is(cerr, record.ErrAlreadyExists) {
				err = mutate()
			} else {
				err = cerr
			}
		} else {
			err = nil
		}
	}

	if err != nil {
		klog.Warningf("Failed to register node %s for volume %s cleanup tracking: %v",
			ns.driver.nodeName, volumeID, err)
		return
	}
	klog.V(4).Infof("Registered node %s for volume %s", ns.driver.nodeName, volumeID)
}

// eagerDelete purges the backing directory when no bind mounts of it
// remain on this node. Caller holds the per-volume lock.
func (ns *NodeServer) eagerDelete(volumeID string) {
	sourcePath := filepath.Join(ns.driver.basePath, volumeID)

	count, err := ns.mounter.CountBindMounts(sourcePath)
	if err != nil {
		klog.Warningf("Failed to count bind mounts of %s, skipping eager delete: %v", sourcePath, err)
		return
	}
	if count > 0 {
		klog.V(4).Infof("Volume %s still has %d bind mounts on this node, keeping directory", volumeID, count)
		return
	}

	if removed, err := mount.PurgeVolumeDir(ns.driver.basePath, volumeID); err != nil {
		klog.Warningf("Eager delete of volume %s failed: %v", volumeID, err)
	} else if removed {
		klog.V(2).Infof("Eagerly deleted volume directory for %s", volumeID)
	}
}

func (ns *NodeServer) recordOp(operation string, err error, startTime time.Time) {
	if ns.driver.metrics != nil {
		ns.driver.metrics.RecordVolumeOp(operation, err, time.Since(startTime))
	}
}
