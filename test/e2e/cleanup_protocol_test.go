package e2e

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/cleanup"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/driver"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/record"
)

const driverName = "node-local-cache.csi.io"

// fakeMounter tracks bind mounts in memory so the suite runs unprivileged.
type fakeMounter struct {
	mu     sync.Mutex
	mounts map[string]string
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{mounts: make(map[string]string)}
}

func (f *fakeMounter) BindMount(source, target string, readonly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts[target] = source
	return nil
}

func (f *fakeMounter) Unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mounts, target)
	return nil
}

func (f *fakeMounter) IsMountPoint(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mounts[path]
	return ok, nil
}

func (f *fakeMounter) CountBindMounts(dir string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, source := range f.mounts {
		if source == dir {
			count++
		}
	}
	return count, nil
}

// testNode is one simulated worker: its own base path, node service, and
// (optionally started) sweeper.
type testNode struct {
	name     string
	basePath string
	ns       csi.NodeServer
	sweeper  *cleanup.Sweeper
}

// harness wires a controller, N nodes, the in-memory record store, and a
// fake cluster into a single-process rendition of the cleanup protocol.
type harness struct {
	ctx       context.Context
	cancel    context.CancelFunc
	store     *record.MemoryStore
	client    *k8sfake.Clientset
	cs        csi.ControllerServer
	completer *cleanup.Completer
	nodes     map[string]*testNode
	started   []*cleanup.Sweeper
}

func newHarness(cleanupTimeout time.Duration, nodeNames ...string) *harness {
	ctx, cancel := context.WithCancel(context.Background())

	client := k8sfake.NewSimpleClientset()
	for _, name := range nodeNames {
		_, err := client.CoreV1().Nodes().Create(ctx, &corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: name},
		}, metav1.CreateOptions{})
		Expect(err).NotTo(HaveOccurred())
	}

	store := record.NewMemoryStore()

	ctrlDrv, err := driver.NewDriver(driver.DriverConfig{
		Mode:           driver.ModeController,
		CleanupTimeout: cleanupTimeout,
		K8sClient:      client,
		Store:          store,
	})
	Expect(err).NotTo(HaveOccurred())

	completer, err := cleanup.NewCompleter(cleanup.CompleterConfig{
		Store:          store,
		K8sClient:      client,
		DriverName:     driverName,
		CleanupTimeout: cleanupTimeout,
		TickInterval:   50 * time.Millisecond,
		ResyncInterval: 500 * time.Millisecond,
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(completer.Start(ctx)).To(Succeed())

	h := &harness{
		ctx:       ctx,
		cancel:    cancel,
		store:     store,
		client:    client,
		cs:        driver.NewControllerServer(ctrlDrv),
		completer: completer,
		nodes:     make(map[string]*testNode),
	}

	for _, name := range nodeNames {
		h.addNode(name)
	}
	return h
}

func (h *harness) addNode(name string) *testNode {
	basePath, err := os.MkdirTemp("", "nlc-e2e-"+name+"-")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { os.RemoveAll(basePath) })

	drv, err := driver.NewDriver(driver.DriverConfig{
		Mode:      driver.ModeNode,
		NodeName:  name,
		BasePath:  basePath,
		K8sClient: h.client,
		Store:     h.store,
		Mounter:   newFakeMounter(),
	})
	Expect(err).NotTo(HaveOccurred())

	sweeper, err := cleanup.NewSweeper(cleanup.SweeperConfig{
		Store:          h.store,
		K8sClient:      h.client,
		DriverName:     driverName,
		NodeName:       name,
		BasePath:       basePath,
		Locks:          drv.GetVolumeLocks(),
		ResyncInterval: 100 * time.Millisecond,
	})
	Expect(err).NotTo(HaveOccurred())

	node := &testNode{
		name:     name,
		basePath: basePath,
		ns:       driver.NewNodeServer(drv),
		sweeper:  sweeper,
	}
	h.nodes[name] = node
	return node
}

// startSweeper runs the node's startup scan and sweep loop. Left unstarted,
// the node simulates being offline.
func (h *harness) startSweeper(name string) {
	node := h.nodes[name]
	Expect(node.sweeper.Start(h.ctx)).To(Succeed())
	h.started = append(h.started, node.sweeper)
}

func (h *harness) stop() {
	for _, s := range h.started {
		s.Stop()
	}
	h.completer.Stop()
	h.cancel()
}

func (h *harness) createVolume(name string) string {
	resp, err := h.cs.CreateVolume(h.ctx, &csi.CreateVolumeRequest{
		Name: name,
		VolumeCapabilities: []*csi.VolumeCapability{{
			AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}},
			AccessMode: &csi.VolumeCapability_AccessMode{
				Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
			},
		}},
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.Volume.AccessibleTopology).To(BeEmpty())
	return resp.Volume.VolumeId
}

func (h *harness) deleteVolume(volumeID string) {
	_, err := h.cs.DeleteVolume(h.ctx, &csi.DeleteVolumeRequest{VolumeId: volumeID})
	Expect(err).NotTo(HaveOccurred())
}

func (h *harness) publish(nodeName, volumeID string) string {
	node := h.nodes[nodeName]
	target, err := os.MkdirTemp("", "nlc-e2e-target-")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { os.RemoveAll(target) })
	targetPath := filepath.Join(target, "mount")

	_, err = node.ns.NodePublishVolume(h.ctx, &csi.NodePublishVolumeRequest{
		VolumeId:   volumeID,
		TargetPath: targetPath,
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}},
			AccessMode: &csi.VolumeCapability_AccessMode{
				Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
			},
		},
	})
	Expect(err).NotTo(HaveOccurred())
	return targetPath
}

func (h *harness) createPV(pvName, volumeID string) {
	pv := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{
			Name:       pvName,
			Finalizers: []string{record.Finalizer},
		},
		Spec: corev1.PersistentVolumeSpec{
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				CSI: &corev1.CSIPersistentVolumeSource{
					Driver:       driverName,
					VolumeHandle: volumeID,
				},
			},
		},
	}
	_, err := h.client.CoreV1().PersistentVolumes().Create(h.ctx, pv, metav1.CreateOptions{})
	Expect(err).NotTo(HaveOccurred())
}

func (h *harness) volumeDir(nodeName, volumeID string) string {
	return filepath.Join(h.nodes[nodeName].basePath, volumeID)
}

func (h *harness) recordGone(volumeID string) bool {
	_, err := h.store.Get(h.ctx, volumeID)
	return err != nil
}

func (h *harness) finalizerGone(pvName string) bool {
	pv, err := h.client.CoreV1().PersistentVolumes().Get(h.ctx, pvName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return true
	}
	Expect(err).NotTo(HaveOccurred())
	return !cleanup.HasFinalizer(pv)
}

var _ = Describe("Cleanup protocol", func() {
	It("derives the same volume id for the same request name", func() {
		h := newHarness(time.Minute, "n1")
		defer h.stop()

		id1 := h.createVolume("cache-x")
		id2 := h.createVolume("cache-x")
		Expect(id1).To(Equal(id2))
		Expect(id1).To(HavePrefix("nlc-"))
		Expect(id1).To(HaveLen(4 + 36))
	})

	It("gives each node an independent empty directory", func() {
		h := newHarness(time.Minute, "n1", "n2")
		defer h.stop()
		h.startSweeper("n1")
		h.startSweeper("n2")

		volumeID := h.createVolume("cache-x")
		h.publish("n1", volumeID)

		// Pod on n1 writes through the cache.
		Expect(os.WriteFile(filepath.Join(h.volumeDir("n1", volumeID), "testfile"),
			[]byte("hello-from-n1"), 0644)).To(Succeed())

		// The same claim lands on n2: fresh directory, no data travels.
		h.publish("n2", volumeID)
		Expect(filepath.Join(h.volumeDir("n2", volumeID), "testfile")).NotTo(BeAnExistingFile())
	})

	It("converges cleanup across every node that held the volume", func() {
		h := newHarness(time.Minute, "n1", "n2", "n3")
		defer h.stop()
		h.startSweeper("n1")
		h.startSweeper("n2")
		h.startSweeper("n3")

		volumeID := h.createVolume("cache-y")
		h.createPV("pv-cache-y", volumeID)
		h.publish("n1", volumeID)
		h.publish("n2", volumeID)

		h.deleteVolume(volumeID)

		Eventually(func() bool {
			return h.recordGone(volumeID)
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue(), "record should be deleted")

		Expect(h.volumeDir("n1", volumeID)).NotTo(BeADirectory())
		Expect(h.volumeDir("n2", volumeID)).NotTo(BeADirectory())
		Expect(h.finalizerGone("pv-cache-y")).To(BeTrue())
	})

	It("tolerates a decommissioned node", func() {
		h := newHarness(time.Minute, "n1", "n2")
		defer h.stop()
		h.startSweeper("n1")
		// n2's sweeper never starts: the node is gone.

		volumeID := h.createVolume("cache-z")
		h.createPV("pv-cache-z", volumeID)
		h.publish("n1", volumeID)
		h.publish("n2", volumeID)

		// Decommission n2.
		Expect(h.client.CoreV1().Nodes().Delete(h.ctx, "n2", metav1.DeleteOptions{})).To(Succeed())

		h.deleteVolume(volumeID)

		Eventually(func() bool {
			return h.recordGone(volumeID) && h.finalizerGone("pv-cache-z")
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())

		Expect(h.volumeDir("n1", volumeID)).NotTo(BeADirectory())
		// n2's residue is irrelevant while the node is gone; if it ever
		// returns, its startup scan purges the orphan.
		Expect(h.client.CoreV1().PersistentVolumes().Delete(h.ctx, "pv-cache-z", metav1.DeleteOptions{})).To(Succeed())
		Expect(h.nodes["n2"].sweeper.StartupScan(h.ctx)).To(Succeed())
		Expect(h.volumeDir("n2", volumeID)).NotTo(BeADirectory())
	})

	It("recovers from a crash mid-sweep via the startup scan", func() {
		h := newHarness(time.Minute, "n1")
		defer h.stop()

		volumeID := h.createVolume("cache-q")
		h.publish("n1", volumeID)
		h.deleteVolume(volumeID)

		// Driver died before sweeping; the directory and the pending
		// record are still there. Restart brings the sweeper up, whose
		// startup scan purges the orphan and records completion.
		Expect(h.volumeDir("n1", volumeID)).To(BeADirectory())
		h.startSweeper("n1")

		Eventually(func() bool {
			return h.recordGone(volumeID)
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
		Expect(h.volumeDir("n1", volumeID)).NotTo(BeADirectory())
	})

	It("force-completes at the deadline when a node never reports", func() {
		h := newHarness(300*time.Millisecond, "n1")
		defer h.stop()
		// n1 registered but its sweeper is down for the whole window.

		volumeID := h.createVolume("cache-stuck")
		h.createPV("pv-cache-stuck", volumeID)
		h.publish("n1", volumeID)

		h.deleteVolume(volumeID)

		Eventually(func() bool {
			return h.recordGone(volumeID) && h.finalizerGone("pv-cache-stuck")
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue(),
			"deadline should force completion without the node")
	})

	It("leaves retained volumes alone when DeleteVolume is never called", func() {
		h := newHarness(time.Minute, "n1")
		defer h.stop()
		h.startSweeper("n1")

		volumeID := h.createVolume("cache-retained")
		h.createPV("pv-cache-retained", volumeID)
		h.publish("n1", volumeID)

		Consistently(func() string {
			v, err := h.store.Get(h.ctx, volumeID)
			if err != nil {
				return "gone"
			}
			return string(v.Record.State)
		}, 500*time.Millisecond, 100*time.Millisecond).Should(Equal("active"))

		Expect(h.volumeDir("n1", volumeID)).To(BeADirectory())
	})
})
