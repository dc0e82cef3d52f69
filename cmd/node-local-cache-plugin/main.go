package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/driver"
	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/observability"
)

var (
	// Driver configuration
	mode      = flag.String("mode", "", "Run mode: controller or node")
	csiSocket = flag.String("csi-socket", "/csi/csi.sock", "Path to the CSI socket")
	nodeName  = flag.String("node-name", os.Getenv("NODE_NAME"), "Node name (required in node mode, defaults to NODE_NAME)")
	basePath  = flag.String("base-path", driver.DefaultBasePath, "Base path for cache volume directories")
	namespace = flag.String("namespace", envOr("POD_NAMESPACE", driver.DefaultNamespace), "Kubernetes namespace for cleanup coordination")

	// Cleanup configuration
	cleanupTimeout    = flag.Duration("cleanup-timeout", 60*time.Second, "Deadline for distributed cleanup before force-completion")
	deleteOnUnpublish = flag.Bool("delete-on-unpublish", false, "Purge the volume directory on the last unpublish instead of keeping it warm")
	noCleanupService  = flag.Bool("no-cleanup-service", false, "Disable cleanup coordination (testing only - will leak disk space)")

	// Observability
	logLevel       = flag.String("log-level", "info", "Log level: trace, debug, info, warn or error")
	metricsAddress = flag.String("metrics-address", "", "Address to serve Prometheus metrics on (empty to disable)")

	// Version flag
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// logLevelVerbosity maps the CLI log levels onto klog verbosity.
var logLevelVerbosity = map[string]string{
	"trace": "5",
	"debug": "4",
	"info":  "2",
	"warn":  "1",
	"error": "0",
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *showVersion {
		fmt.Println(driver.DriverName)
		os.Exit(0)
	}

	if v, ok := logLevelVerbosity[*logLevel]; ok {
		if err := flag.Set("v", v); err != nil {
			klog.Fatalf("Failed to set log verbosity: %v", err)
		}
	} else {
		klog.Fatalf("Invalid --log-level %q (expected trace, debug, info, warn or error)", *logLevel)
	}

	driverMode := driver.Mode(*mode)
	switch driverMode {
	case driver.ModeController, driver.ModeNode:
	default:
		klog.Fatal("--mode must be controller or node")
	}

	if driverMode == driver.ModeNode && *nodeName == "" {
		klog.Fatal("--node-name (or NODE_NAME) is required in node mode")
	}

	// The Kubernetes client carries the whole cleanup protocol; without it
	// the driver can only run in the leaky testing configuration.
	var k8sClient kubernetes.Interface
	if !*noCleanupService {
		config, err := rest.InClusterConfig()
		if err != nil {
			klog.Fatalf("Failed to create Kubernetes client config: %v. Use --no-cleanup-service for testing without cleanup.", err)
		}
		k8sClient, err = kubernetes.NewForConfig(config)
		if err != nil {
			klog.Fatalf("Failed to create Kubernetes client: %v", err)
		}
		klog.Infof("Kubernetes client initialized, cleanup enabled (namespace=%s)", *namespace)
	}

	var metrics *observability.Metrics
	if *metricsAddress != "" {
		metrics = observability.NewMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			klog.Infof("Serving metrics on %s", *metricsAddress)
			if err := http.ListenAndServe(*metricsAddress, mux); err != nil {
				klog.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	klog.Info("Creating node-local-cache CSI driver")
	drv, err := driver.NewDriver(driver.DriverConfig{
		Mode:              driverMode,
		NodeName:          *nodeName,
		BasePath:          *basePath,
		Namespace:         *namespace,
		CleanupTimeout:    *cleanupTimeout,
		DeleteOnUnpublish: *deleteOnUnpublish,
		K8sClient:         k8sClient,
		Metrics:           metrics,
		DisableCleanup:    *noCleanupService,
	})
	if err != nil {
		klog.Fatalf("Failed to create driver: %v", err)
	}

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.Infof("Received signal %s, shutting down", sig)
		drv.Stop()
		os.Exit(0)
	}()

	klog.Infof("Starting driver in %s mode", driverMode)
	if err := drv.Run(*csiSocket); err != nil {
		klog.Fatalf("Failed to run driver: %v", err)
	}
}
