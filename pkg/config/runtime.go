// Package config loads and validates the hypervisor control plane's
// daemon configuration and the per-VM spec document format (C2).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// RuntimeConfig holds all configuration for the hypervisord daemon.
// Sections mirror the components they configure.
type RuntimeConfig struct {
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Isolation IsolationConfig `toml:"isolation"`
	Resource ResourceConfig `toml:"resource"`
	Network  NetworkConfig  `toml:"network"`
	Audit    AuditConfig    `toml:"audit"`
	Edge     EdgeConfig     `toml:"edge"`
	VSock    VSockConfig    `toml:"vsock"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Log      LogConfig      `toml:"log"`
}

// SandboxConfig controls the sandbox manager (C7).
type SandboxConfig struct {
	MaxConcurrentVMs int           `toml:"max_concurrent_vms"`
	DefaultBootTimeout time.Duration `toml:"default_boot_timeout"`
	ShutdownTimeout  time.Duration `toml:"shutdown_timeout"`
	Driver           string        `toml:"driver"` // "firecracker" or "simulated"
}

// IsolationConfig controls the isolation manager (C4).
type IsolationConfig struct {
	CgroupRoot        string `toml:"cgroup_root"`
	ViolationLogSize  int    `toml:"violation_log_size"`
	EnableCNI         bool   `toml:"enable_cni"`
	CNIPluginDir      string `toml:"cni_plugin_dir"`
	CNIConfDir        string `toml:"cni_conf_dir"`
}

// ResourceConfig controls the resource monitor (C6).
type ResourceConfig struct {
	RingBufferSize   int     `toml:"ring_buffer_size"`
	WarningRatio     float64 `toml:"warning_ratio"`
	CriticalRatio    float64 `toml:"critical_ratio"`
}

// NetworkConfig controls the network policy engine (C5).
type NetworkConfig struct {
	EvaluationLogSize int  `toml:"evaluation_log_size"`
	DefaultAction     string `toml:"default_action"` // "allow" or "deny"
}

// AuditConfig controls the audit bridge and store (C8).
type AuditConfig struct {
	Backend     string `toml:"backend"` // "memory" or "bolt"
	BoltPath    string `toml:"bolt_path"`
	MemoryCap   int    `toml:"memory_cap"`
}

// EdgeConfig controls the edge deployer (C11).
type EdgeConfig struct {
	ReachabilityTimeout time.Duration `toml:"reachability_timeout"`
	RetryInterval       time.Duration `toml:"retry_interval"`
	MaxQueueSize        int           `toml:"max_queue_size"`
}

// VSockConfig controls the VSOCK channel (C12).
type VSockConfig struct {
	Port           uint32        `toml:"port"`
	DialTimeout    time.Duration `toml:"dial_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	UnixFallback   string        `toml:"unix_fallback"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Default returns a RuntimeConfig with sensible defaults.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		Sandbox: SandboxConfig{
			MaxConcurrentVMs:   32,
			DefaultBootTimeout: 5 * time.Second,
			ShutdownTimeout:    30 * time.Second,
			Driver:             "simulated",
		},
		Isolation: IsolationConfig{
			CgroupRoot:       "/sys/fs/cgroup/hypervisor",
			ViolationLogSize: 256,
			EnableCNI:        false,
			CNIPluginDir:     "/opt/cni/bin",
			CNIConfDir:       "/etc/cni/net.d",
		},
		Resource: ResourceConfig{
			RingBufferSize: 120,
			WarningRatio:   0.80,
			CriticalRatio:  0.95,
		},
		Network: NetworkConfig{
			EvaluationLogSize: 512,
			DefaultAction:     "deny",
		},
		Audit: AuditConfig{
			Backend:   "memory",
			BoltPath:  "/var/lib/hypervisor/audit.db",
			MemoryCap: 10000,
		},
		Edge: EdgeConfig{
			ReachabilityTimeout: 5 * time.Second,
			RetryInterval:       30 * time.Second,
			MaxQueueSize:        1000,
		},
		VSock: VSockConfig{
			Port:           1024,
			DialTimeout:    30 * time.Second,
			RequestTimeout: 60 * time.Second,
			UnixFallback:   "/run/hypervisor/vsock.sock",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a document-format file
// (SPEC_FULL.md §4.1 ambient stack). Missing files yield defaults,
// matching the teacher's LoadFromFile behavior.
func LoadFromFile(path string) (*RuntimeConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	doc, err := decodeDocument(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDocument(cfg, doc)
	return cfg, nil
}

// LoadFromEnv overlays environment variables, prefixed HYPERVISOR_ and
// underscore-separated, onto an already-loaded config.
func LoadFromEnv(cfg *RuntimeConfig) {
	loadEnvInt(&cfg.Sandbox.MaxConcurrentVMs, "HYPERVISOR_SANDBOX_MAX_CONCURRENT_VMS")
	loadEnvDuration(&cfg.Sandbox.DefaultBootTimeout, "HYPERVISOR_SANDBOX_DEFAULT_BOOT_TIMEOUT")
	loadEnvDuration(&cfg.Sandbox.ShutdownTimeout, "HYPERVISOR_SANDBOX_SHUTDOWN_TIMEOUT")
	loadEnvString(&cfg.Sandbox.Driver, "HYPERVISOR_SANDBOX_DRIVER")

	loadEnvBool(&cfg.Isolation.EnableCNI, "HYPERVISOR_ISOLATION_ENABLE_CNI")
	loadEnvString(&cfg.Isolation.CgroupRoot, "HYPERVISOR_ISOLATION_CGROUP_ROOT")

	loadEnvInt(&cfg.Resource.RingBufferSize, "HYPERVISOR_RESOURCE_RING_BUFFER_SIZE")

	loadEnvString(&cfg.Network.DefaultAction, "HYPERVISOR_NETWORK_DEFAULT_ACTION")

	loadEnvString(&cfg.Audit.Backend, "HYPERVISOR_AUDIT_BACKEND")
	loadEnvString(&cfg.Audit.BoltPath, "HYPERVISOR_AUDIT_BOLT_PATH")

	loadEnvDuration(&cfg.Edge.ReachabilityTimeout, "HYPERVISOR_EDGE_REACHABILITY_TIMEOUT")
	loadEnvDuration(&cfg.Edge.RetryInterval, "HYPERVISOR_EDGE_RETRY_INTERVAL")

	loadEnvString(&cfg.VSock.UnixFallback, "HYPERVISOR_VSOCK_UNIX_FALLBACK")

	loadEnvBool(&cfg.Metrics.Enabled, "HYPERVISOR_METRICS_ENABLED")
	loadEnvString(&cfg.Metrics.Address, "HYPERVISOR_METRICS_ADDRESS")

	loadEnvString(&cfg.Log.Level, "HYPERVISOR_LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "HYPERVISOR_LOG_FORMAT")
}

// Validate checks cross-field invariants the way the teacher's
// Config.Validate does: no filesystem side effects beyond ensuring
// state directories exist.
func (c *RuntimeConfig) Validate() error {
	if c.Sandbox.MaxConcurrentVMs <= 0 {
		return fmt.Errorf("sandbox.max_concurrent_vms must be positive")
	}
	if c.Sandbox.Driver != "firecracker" && c.Sandbox.Driver != "simulated" {
		return fmt.Errorf("invalid sandbox.driver: %s (must be 'firecracker' or 'simulated')", c.Sandbox.Driver)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Resource.WarningRatio <= 0 || c.Resource.WarningRatio >= 1 {
		return fmt.Errorf("resource.warning_ratio must be in (0, 1)")
	}
	if c.Resource.CriticalRatio <= c.Resource.WarningRatio || c.Resource.CriticalRatio >= 1 {
		return fmt.Errorf("resource.critical_ratio must be in (warning_ratio, 1)")
	}

	if c.Audit.Backend != "memory" && c.Audit.Backend != "bolt" {
		return fmt.Errorf("invalid audit.backend: %s (must be 'memory' or 'bolt')", c.Audit.Backend)
	}
	if c.Audit.Backend == "bolt" {
		if err := os.MkdirAll(filepath.Dir(c.Audit.BoltPath), 0755); err != nil {
			return fmt.Errorf("failed to ensure audit store directory: %w", err)
		}
	}

	if c.Network.DefaultAction != "allow" && c.Network.DefaultAction != "deny" {
		return fmt.Errorf("invalid network.default_action: %s (must be 'allow' or 'deny')", c.Network.DefaultAction)
	}

	return nil
}

// ApplyToLogger configures a logrus.Logger from the Log section.
func (c *RuntimeConfig) ApplyToLogger(log *logrus.Logger) {
	switch c.Log.Level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.Log.File != "" {
		dir := filepath.Dir(c.Log.File)
		if err := os.MkdirAll(dir, 0755); err == nil {
			if f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				log.SetOutput(f)
			}
		}
	}
}

// =============================================================================
// document -> RuntimeConfig
// =============================================================================

func applyDocument(cfg *RuntimeConfig, doc document) {
	if t, ok := doc.getTable("sandbox"); ok {
		if v, ok := t.getInt("max_concurrent_vms"); ok {
			cfg.Sandbox.MaxConcurrentVMs = int(v)
		}
		if v, ok := t.getString("default_boot_timeout"); ok {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.Sandbox.DefaultBootTimeout = d
			}
		}
		if v, ok := t.getString("shutdown_timeout"); ok {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.Sandbox.ShutdownTimeout = d
			}
		}
		if v, ok := t.getString("driver"); ok {
			cfg.Sandbox.Driver = v
		}
	}

	if t, ok := doc.getTable("isolation"); ok {
		if v, ok := t.getString("cgroup_root"); ok {
			cfg.Isolation.CgroupRoot = v
		}
		if v, ok := t.getInt("violation_log_size"); ok {
			cfg.Isolation.ViolationLogSize = int(v)
		}
		if v, ok := t.getBool("enable_cni"); ok {
			cfg.Isolation.EnableCNI = v
		}
		if v, ok := t.getString("cni_plugin_dir"); ok {
			cfg.Isolation.CNIPluginDir = v
		}
		if v, ok := t.getString("cni_conf_dir"); ok {
			cfg.Isolation.CNIConfDir = v
		}
	}

	if t, ok := doc.getTable("resource"); ok {
		if v, ok := t.getInt("ring_buffer_size"); ok {
			cfg.Resource.RingBufferSize = int(v)
		}
	}

	if t, ok := doc.getTable("network"); ok {
		if v, ok := t.getInt("evaluation_log_size"); ok {
			cfg.Network.EvaluationLogSize = int(v)
		}
		if v, ok := t.getString("default_action"); ok {
			cfg.Network.DefaultAction = v
		}
	}

	if t, ok := doc.getTable("audit"); ok {
		if v, ok := t.getString("backend"); ok {
			cfg.Audit.Backend = v
		}
		if v, ok := t.getString("bolt_path"); ok {
			cfg.Audit.BoltPath = v
		}
		if v, ok := t.getInt("memory_cap"); ok {
			cfg.Audit.MemoryCap = int(v)
		}
	}

	if t, ok := doc.getTable("edge"); ok {
		if v, ok := t.getString("reachability_timeout"); ok {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.Edge.ReachabilityTimeout = d
			}
		}
		if v, ok := t.getString("retry_interval"); ok {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.Edge.RetryInterval = d
			}
		}
		if v, ok := t.getInt("max_queue_size"); ok {
			cfg.Edge.MaxQueueSize = int(v)
		}
	}

	if t, ok := doc.getTable("vsock"); ok {
		if v, ok := t.getInt("port"); ok {
			cfg.VSock.Port = uint32(v)
		}
		if v, ok := t.getString("unix_fallback"); ok {
			cfg.VSock.UnixFallback = v
		}
	}

	if t, ok := doc.getTable("metrics"); ok {
		if v, ok := t.getBool("enabled"); ok {
			cfg.Metrics.Enabled = v
		}
		if v, ok := t.getString("address"); ok {
			cfg.Metrics.Address = v
		}
		if v, ok := t.getString("path"); ok {
			cfg.Metrics.Path = v
		}
	}

	if t, ok := doc.getTable("log"); ok {
		if v, ok := t.getString("level"); ok {
			cfg.Log.Level = v
		}
		if v, ok := t.getString("format"); ok {
			cfg.Log.Format = v
		}
		if v, ok := t.getString("file"); ok {
			cfg.Log.File = v
		}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func loadEnvString(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func loadEnvBool(target *bool, key string) {
	if val := os.Getenv(key); val != "" {
		if b, err := parseBoolLoose(val); err == nil {
			*target = b
		}
	}
}

func loadEnvInt(target *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := parseIntLoose(val); err == nil {
			*target = int(i)
		}
	}
}

func loadEnvDuration(target *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*target = d
		}
	}
}
