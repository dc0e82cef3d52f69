package driver

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/cleanup"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/observability"
)

// Event reasons - use consistent naming for filtering
const (
	EventReasonVolumePublished = "VolumePublished"
	EventReasonCleanupForced   = "CleanupForced"
)

// EventPoster posts Kubernetes events for volume lifecycle transitions.
// All posting is best-effort: failures are logged, never surfaced.
type EventPoster struct {
	recorder   record.EventRecorder
	clientset  kubernetes.Interface
	driverName string
	metrics    *observability.Metrics
}

// eventSinkAdapter adapts the EventInterface to record.EventSink
// record.EventSink has methods without context, but EventInterface requires context
type eventSinkAdapter struct {
	eventInterface typedcorev1.EventInterface
}

func (a *eventSinkAdapter) Create(event *corev1.Event) (*corev1.Event, error) {
	return a.eventInterface.Create(context.Background(), event, metav1.CreateOptions{})
}

func (a *eventSinkAdapter) Update(event *corev1.Event) (*corev1.Event, error) {
	return a.eventInterface.Update(context.Background(), event, metav1.UpdateOptions{})
}

func (a *eventSinkAdapter) Patch(event *corev1.Event, data []byte) (*corev1.Event, error) {
	return a.eventInterface.Patch(context.Background(), event.Name, types.JSONPatchType, data, metav1.PatchOptions{})
}

// NewEventPoster creates a new EventPoster
func NewEventPoster(clientset kubernetes.Interface, driverName string) *EventPoster {
	broadcaster := record.NewBroadcaster()
	broadcaster.StartLogging(klog.Infof)
	broadcaster.StartRecordingToSink(&eventSinkAdapter{
		eventInterface: clientset.CoreV1().Events(""),
	})

	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{
		Component: "node-local-cache-csi",
	})

	return &EventPoster{
		recorder:   recorder,
		clientset:  clientset,
		driverName: driverName,
	}
}

// PostVolumePublished posts a Normal event to the PVC when a volume is
// mounted on a node.
func (ep *EventPoster) PostVolumePublished(ctx context.Context, pvcNamespace, pvcName, volumeID, nodeName, targetPath string) {
	if pvcNamespace == "" || pvcName == "" {
		klog.V(4).Infof("Cannot post publish event for %s: PVC info not in volume context", volumeID)
		return
	}

	pvc, err := ep.clientset.CoreV1().PersistentVolumeClaims(pvcNamespace).Get(ctx, pvcName, metav1.GetOptions{})
	if err != nil {
		klog.Warningf("Failed to get PVC %s/%s for event posting: %v", pvcNamespace, pvcName, err)
		return
	}

	message := fmt.Sprintf("Volume %s mounted on node %s at %s", volumeID, nodeName, targetPath)
	ep.recorder.Event(pvc, corev1.EventTypeNormal, EventReasonVolumePublished, message)
	if ep.metrics != nil {
		ep.metrics.RecordEventPosted(EventReasonVolumePublished)
	}
	klog.V(4).Infof("Posted publish event to PVC %s/%s", pvcNamespace, pvcName)
}

// PostCleanupForced posts a Warning event to the bound PVC when a cleanup
// force-completes at its deadline with nodes still outstanding. The PVC is
// resolved through the PV's claimRef.
func (ep *EventPoster) PostCleanupForced(ctx context.Context, volumeID string, remaining []string) {
	pv, err := cleanup.FindPVByVolumeHandle(ctx, ep.clientset, ep.driverName, volumeID)
	if err != nil || pv == nil {
		klog.V(4).Infof("Cannot post forced-cleanup event for %s: no PV found", volumeID)
		return
	}

	claimRef := pv.Spec.ClaimRef
	if claimRef == nil {
		klog.V(4).Infof("PV %s has no claimRef for forced-cleanup event", pv.Name)
		return
	}

	pvc, err := ep.clientset.CoreV1().PersistentVolumeClaims(claimRef.Namespace).Get(ctx, claimRef.Name, metav1.GetOptions{})
	if err != nil {
		klog.Warningf("Failed to get PVC %s/%s for forced-cleanup event: %v", claimRef.Namespace, claimRef.Name, err)
		return
	}

	message := fmt.Sprintf("Cleanup for volume %s force-completed at deadline; nodes not confirmed: %s",
		volumeID, strings.Join(remaining, ", "))
	ep.recorder.Event(pvc, corev1.EventTypeWarning, EventReasonCleanupForced, message)
	if ep.metrics != nil {
		ep.metrics.RecordEventPosted(EventReasonCleanupForced)
	}
	klog.V(2).Infof("Posted forced-cleanup event to PVC %s/%s", claimRef.Namespace, claimRef.Name)
}
