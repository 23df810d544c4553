// hypervisord is the hypervisor control plane daemon: it wires the
// sandbox manager, isolation manager, network policy engine, resource
// monitor, image verifier, audit bridge, observer, agent registry,
// and edge deployer together and exposes their operations over HTTP.
//
// Usage:
//
//	hypervisord [-config path]
//
// Build: go build -o hypervisord ./cmd/hypervisord
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pipeops/hypervisor-control-plane/pkg/audit"
	"github.com/pipeops/hypervisor-control-plane/pkg/config"
	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/pipeops/hypervisor-control-plane/pkg/edge"
	"github.com/pipeops/hypervisor-control-plane/pkg/isolation"
	"github.com/pipeops/hypervisor-control-plane/pkg/netpolicy"
	"github.com/pipeops/hypervisor-control-plane/pkg/observer"
	"github.com/pipeops/hypervisor-control-plane/pkg/registry"
	"github.com/pipeops/hypervisor-control-plane/pkg/resource"
	"github.com/pipeops/hypervisor-control-plane/pkg/sandbox"
	"github.com/pipeops/hypervisor-control-plane/pkg/verifier"
	"github.com/pipeops/hypervisor-control-plane/pkg/vsock"
	"github.com/sirupsen/logrus"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to hypervisord config file")
	flag.Parse()

	log := logrus.New()
	var cfg *config.RuntimeConfig
	var err error
	if *configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyToLogger(log)
	entry := logrus.NewEntry(log).WithField("component", "hypervisord")
	entry.WithField("version", version).Info("Starting hypervisor control plane")

	d, err := newDaemon(cfg, log)
	if err != nil {
		entry.WithError(err).Fatal("Failed to build daemon")
	}
	d.start()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("Shutdown signal received")
		cancel()
	}()

	srv := d.httpServer(cfg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("HTTP server exited")
		}
	}()
	entry.WithField("address", srv.Addr).Info("HTTP server listening")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Sandbox.ShutdownTimeout)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	d.sandbox.Close(shutdownCtx)
	entry.Info("Shutdown complete")
}

// daemon holds every wired component.
type daemon struct {
	log        *logrus.Entry
	sandbox    *sandbox.Manager
	isolation  *isolation.Manager
	netpolicy  *netpolicy.Manager
	resource   *resource.Monitor
	metrics    *resource.PrometheusExporter
	verifier   *verifier.Verifier
	audit      *audit.Bridge
	observer   *observer.Observer
	registry   *registry.Deployer
	edge       *edge.Deployer
}

func newDaemon(cfg *config.RuntimeConfig, log *logrus.Logger) (*daemon, error) {
	entry := logrus.NewEntry(log)

	sandboxCfg := sandbox.Config{MaxConcurrentVMs: cfg.Sandbox.MaxConcurrentVMs}
	if cfg.Sandbox.Driver == "firecracker" {
		fcDriver := sandbox.NewFirecrackerDriver(sandbox.FirecrackerDriverConfig{
			RuntimeDir: "/run/hypervisor/vms",
		}, entry)
		sandboxCfg.Driver = fcDriver
		sandboxCfg.Executor = sandbox.NewChannelExecutor(
			firecrackerVSOCKDialer{driver: fcDriver, port: cfg.VSock.Port},
			cfg.VSock.RequestTimeout,
			entry,
		)
	} else {
		sandboxCfg.Executor = sandbox.NewChannelExecutor(sandbox.PipeDialer{}, cfg.VSock.RequestTimeout, entry)
	}
	sandboxMgr := sandbox.New(sandboxCfg, entry)
	sandboxMgr.Start()

	isolationMgr := isolation.New(cfg.Isolation.CgroupRoot, cfg.Isolation.ViolationLogSize, entry)
	if cfg.Isolation.EnableCNI {
		cniCfg := isolation.DefaultCNIConfig()
		cniCfg.PluginDir = cfg.Isolation.CNIPluginDir
		cniCfg.ConfDir = cfg.Isolation.CNIConfDir
		provisioner, err := isolation.NewCNIProvisioner(cniCfg, entry)
		if err != nil {
			return nil, fmt.Errorf("building CNI provisioner: %w", err)
		}
		isolationMgr.SetNetworkProvisioner(provisioner)
	}

	defaultAction := domain.ActionDeny
	if cfg.Network.DefaultAction == "allow" {
		defaultAction = domain.ActionAllow
	}
	netpolicyMgr := netpolicy.New(defaultAction, cfg.Network.EvaluationLogSize, entry)

	resourceMon := resource.New(cfg.Resource.RingBufferSize, cfg.Resource.WarningRatio, cfg.Resource.CriticalRatio, entry)
	metricsExporter := resource.NewPrometheusExporter()

	imageVerifier := verifier.New(entry)

	store, err := buildAuditStore(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("building audit store: %w", err)
	}
	auditBridge := audit.NewBridge(store, entry)
	auditBridge.AttachToManager(sandboxMgr)
	auditBridge.AttachToManager(isolationMgr)

	obs := observer.New(observer.DefaultConfig(), entry)
	obs.AttachToManager(sandboxMgr)
	obs.AttachToManager(isolationMgr)

	agentRegistry := registry.New(entry)
	deployer := registry.NewDeployer(agentRegistry, sandboxMgr, registry.MapLoader{}, entry)

	edgeDeployer := edge.NewDeployer(
		edgeTCPReachability{timeout: cfg.Edge.ReachabilityTimeout},
		edgeNoHAL{},
		edgeUnsupportedSpawner{},
		edgeMetricsSink{log: entry},
		entry,
	)

	return &daemon{
		log:       entry,
		sandbox:   sandboxMgr,
		isolation: isolationMgr,
		netpolicy: netpolicyMgr,
		resource:  resourceMon,
		metrics:   metricsExporter,
		verifier:  imageVerifier,
		audit:     auditBridge,
		observer:  obs,
		registry:  deployer,
		edge:      edgeDeployer,
	}, nil
}

func buildAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	if cfg.Backend == "bolt" {
		return audit.NewBoltStore(cfg.BoltPath)
	}
	return audit.NewMemoryStore(cfg.MemoryCap), nil
}

func (d *daemon) start() {
	d.log.Info("All components wired")
}

// firecrackerVSOCKDialer is the production sandbox.VSOCKDialer: it
// dials the real mdlayher/vsock transport against the CID
// FirecrackerDriver assigned vmID at boot, falling back to that VM's
// proxied Unix socket when no VSOCK device is reachable (vsock.Dial's
// own fallback path).
type firecrackerVSOCKDialer struct {
	driver *sandbox.FirecrackerDriver
	port   uint32
}

func (d firecrackerVSOCKDialer) Dial(ctx context.Context, vmID string) (net.Conn, error) {
	cid, ok := d.driver.CID(vmID)
	if !ok {
		return nil, domain.NewError(domain.ErrKindNotFound, "no vsock CID registered for vm "+vmID, nil)
	}
	return vsock.Dial(cid, d.port, d.driver.VSOCKUnixFallback(vmID))
}

// edgeTCPReachability checks reachability with a plain TCP dial,
// the simplest meaningful probe available without a remote agent
// protocol of its own.
type edgeTCPReachability struct {
	timeout time.Duration
}

func (r edgeTCPReachability) CheckReachable(ctx context.Context, target domain.RemoteTarget) (bool, error) {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", target.Address, timeout)
	if err != nil {
		return false, nil
	}
	conn.Close()
	return true, nil
}

// edgeNoHAL reports that no hardware abstraction layer is available
// on any remote target. A real deployment wires a driver-specific
// HAL probe here; none ships by default.
type edgeNoHAL struct{}

func (edgeNoHAL) CheckHAL(ctx context.Context, target domain.RemoteTarget) (bool, error) {
	return false, nil
}

// edgeUnsupportedSpawner reports that remote provisioning is not
// wired to any concrete hypervisor driver in this build.
type edgeUnsupportedSpawner struct{}

func (edgeUnsupportedSpawner) Spawn(ctx context.Context, target domain.RemoteTarget, spec domain.VMSpec) (string, error) {
	return "", domain.NewError(domain.ErrKindHALUnavailable, "no remote spawner configured for this target", nil)
}

// edgeMetricsSink logs provisioning outcomes rather than exporting
// them, until a dedicated edge metric is wired into PrometheusExporter.
type edgeMetricsSink struct {
	log *logrus.Entry
}

func (s edgeMetricsSink) RecordProvision(ctx context.Context, target domain.RemoteTarget, result domain.ProvisionResult) {
	s.log.WithFields(logrus.Fields{
		"target_id": target.TargetID,
		"status":    result.Status,
	}).Info("Remote provisioning outcome")
}

func (d *daemon) httpServer(cfg *config.RuntimeConfig) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"healthy": d.observer.IsHealthy()})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.observer.Snapshot())
	})

	mux.HandleFunc("/events/recent", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.observer.RecentEvents())
	})

	mux.HandleFunc("/vms", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, d.sandbox.List())
		case http.MethodPost:
			var spec domain.VMSpec
			if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			vmID, err := d.sandbox.Spawn(r.Context(), spec)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"vm_id": vmID})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/vms/", func(w http.ResponseWriter, r *http.Request) {
		vmID := strings.TrimPrefix(r.URL.Path, "/vms/")
		if vmID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			instance, err := d.sandbox.GetStatus(vmID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, instance)
		case http.MethodDelete:
			if err := d.sandbox.Terminate(r.Context(), vmID); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/agents/", func(w http.ResponseWriter, r *http.Request) {
		agentName := strings.TrimPrefix(r.URL.Path, "/agents/")
		if agentName == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodPost:
			deployment, err := d.registry.DeployAgent(r.Context(), agentName, nil)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, deployment)
		case http.MethodDelete:
			if err := d.registry.UndeployAgent(r.Context(), agentName); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/edge/provision", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Target domain.RemoteTarget `json:"target"`
			Spec   domain.VMSpec       `json:"spec"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result := d.edge.ProvisionRemote(r.Context(), req.Target, req.Spec)
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("/edge/retry", func(w http.ResponseWriter, r *http.Request) {
		var target domain.RemoteTarget
		if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, d.edge.RetryQueued(r.Context(), target))
	})

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, d.metrics.Handler())
	}

	addr := cfg.Metrics.Address
	if addr == "" {
		addr = ":9090"
	}
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := domain.KindOf(err); ok {
		switch kind {
		case domain.ErrKindNotFound:
			status = http.StatusNotFound
		case domain.ErrKindValidationFailed, domain.ErrKindParse:
			status = http.StatusBadRequest
		case domain.ErrKindCapacityExceeded:
			status = http.StatusServiceUnavailable
		case domain.ErrKindInvalidState, domain.ErrKindPolicyDenied, domain.ErrKindIsolationViolation:
			status = http.StatusConflict
		case domain.ErrKindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	writeError(w, status, err)
}
