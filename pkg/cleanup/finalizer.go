package cleanup

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/record"
)

// FindPVByVolumeHandle returns the PersistentVolume provisioned by this
// driver for the given volume ID, or nil if none exists. PV names are
// chosen by the provisioner, so the lookup matches on the CSI volume handle.
func FindPVByVolumeHandle(ctx context.Context, client kubernetes.Interface, driverName, volumeID string) (*corev1.PersistentVolume, error) {
	pvList, err := client.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list PVs: %w", err)
	}

	for i := range pvList.Items {
		pv := &pvList.Items[i]
		if pv.Spec.CSI != nil && pv.Spec.CSI.Driver == driverName && pv.Spec.CSI.VolumeHandle == volumeID {
			return pv, nil
		}
	}
	return nil, nil
}

// HasFinalizer reports whether the PV carries the driver's cleanup finalizer.
func HasFinalizer(pv *corev1.PersistentVolume) bool {
	for _, f := range pv.Finalizers {
		if f == record.Finalizer {
			return true
		}
	}
	return false
}

// EnsureFinalizer adds the driver's cleanup finalizer to the named PV.
// Idempotent; uses RetryOnConflict to handle concurrent updates safely.
func EnsureFinalizer(ctx context.Context, client kubernetes.Interface, pvName string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		pv, err := client.CoreV1().PersistentVolumes().Get(ctx, pvName, metav1.GetOptions{})
		if err != nil {
			return err
		}

		if HasFinalizer(pv) {
			return nil
		}

		pv.Finalizers = append(pv.Finalizers, record.Finalizer)
		_, err = client.CoreV1().PersistentVolumes().Update(ctx, pv, metav1.UpdateOptions{})
		return err
	})

	if err != nil {
		if apierrors.IsNotFound(err) {
			// PV may not exist yet; the completer's resync covers this.
			klog.V(4).Infof("PV %s not found while ensuring finalizer", pvName)
			return nil
		}
		return fmt.Errorf("failed to ensure finalizer on PV %s: %w", pvName, err)
	}

	klog.V(2).Infof("Ensured cleanup finalizer on PV %s", pvName)
	return nil
}

// RemoveFinalizer strips the driver's cleanup finalizer from the named PV,
// releasing it for deletion. Idempotent.
func RemoveFinalizer(ctx context.Context, client kubernetes.Interface, pvName string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		pv, err := client.CoreV1().PersistentVolumes().Get(ctx, pvName, metav1.GetOptions{})
		if err != nil {
			return err
		}

		if !HasFinalizer(pv) {
			return nil
		}

		var kept []string
		for _, f := range pv.Finalizers {
			if f != record.Finalizer {
				kept = append(kept, f)
			}
		}
		pv.Finalizers = kept
		_, err = client.CoreV1().PersistentVolumes().Update(ctx, pv, metav1.UpdateOptions{})
		return err
	})

	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove finalizer from PV %s: %w", pvName, err)
	}

	klog.V(2).Infof("Removed cleanup finalizer from PV %s", pvName)
	return nil
}

// activeVolumeHandles returns the set of volume IDs that currently have a
// PV provisioned by this driver.
func activeVolumeHandles(ctx context.Context, client kubernetes.Interface, driverName string) (map[string]bool, error) {
	pvList, err := client.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list PVs: %w", err)
	}

	handles := make(map[string]bool)
	for i := range pvList.Items {
		pv := &pvList.Items[i]
		if pv.Spec.CSI != nil && pv.Spec.CSI.Driver == driverName {
			handles[pv.Spec.CSI.VolumeHandle] = true
		}
	}
	return handles, nil
}
