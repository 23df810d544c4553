package isolation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containernetworking/cni/libcni"
	"github.com/sirupsen/logrus"
)

// CNIConfig configures CNIProvisioner. Adapted from the teacher's
// CNIServiceConfig: same plugin/conf/cache directory knobs, minus the
// pod-identity fields that don't apply outside a Kubernetes CRI.
type CNIConfig struct {
	PluginDir     string
	ConfDir       string
	NetnsDir      string
	NetworkName   string
	DefaultSubnet string
}

// DefaultCNIConfig returns the teacher's same directory conventions.
func DefaultCNIConfig() CNIConfig {
	return CNIConfig{
		PluginDir:     "/opt/cni/bin",
		ConfDir:       "/etc/cni/net.d",
		NetnsDir:      "/var/run/netns",
		DefaultSubnet: "10.88.0.0/16",
	}
}

// CNIProvisioner implements NetworkProvisioner using
// containernetworking/cni/libcni, adapted from the teacher's
// pkg/network.CNIService: the same network-namespace-per-workload and
// AddNetworkList/DelNetworkList flow, generalized from a Firecracker
// sandbox object to a bare vm_id since isolation contexts here aren't
// tied to any one provider.
type CNIProvisioner struct {
	config    CNIConfig
	cniConfig *libcni.CNIConfig
	netConfig *libcni.NetworkConfigList
	log       *logrus.Entry
}

// NewCNIProvisioner loads the CNI network configuration from disk (or
// synthesizes a default bridge network, matching the teacher's
// fallback) and returns a ready CNIProvisioner.
func NewCNIProvisioner(config CNIConfig, log *logrus.Entry) (*CNIProvisioner, error) {
	cniConfig := libcni.NewCNIConfig([]string{config.PluginDir}, nil)

	netConfig, err := loadCNINetworkConfig(config)
	if err != nil {
		return nil, fmt.Errorf("loading CNI network config: %w", err)
	}

	return &CNIProvisioner{
		config:    config,
		cniConfig: cniConfig,
		netConfig: netConfig,
		log:       log.WithField("component", "cni-provisioner"),
	}, nil
}

// SetupNetNS creates a network namespace for vmID and runs the CNI
// ADD chain against it.
func (p *CNIProvisioner) SetupNetNS(ctx context.Context, vmID string) (string, error) {
	netnsPath, err := p.createNetNS(vmID)
	if err != nil {
		return "", fmt.Errorf("creating network namespace for %s: %w", vmID, err)
	}

	rt := &libcni.RuntimeConf{
		ContainerID: vmID,
		NetNS:       netnsPath,
		IfName:      "eth0",
		Args:        [][2]string{{"IgnoreUnknown", "1"}},
	}

	if _, err := p.cniConfig.AddNetworkList(ctx, p.netConfig, rt); err != nil {
		return "", fmt.Errorf("CNI AddNetworkList for %s: %w", vmID, err)
	}

	p.log.WithFields(logrus.Fields{"vm_id": vmID, "netns": netnsPath}).Info("Network namespace provisioned")
	return netnsPath, nil
}

// TeardownNetNS runs the CNI DEL chain and removes vmID's network
// namespace. Best-effort: CNI DEL failures are logged, not returned,
// matching the teacher's Teardown behavior.
func (p *CNIProvisioner) TeardownNetNS(ctx context.Context, vmID string) error {
	netnsPath := p.netnsPath(vmID)

	rt := &libcni.RuntimeConf{ContainerID: vmID, NetNS: netnsPath, IfName: "eth0"}
	if err := p.cniConfig.DelNetworkList(ctx, p.netConfig, rt); err != nil {
		p.log.WithError(err).WithField("vm_id", vmID).Warn("CNI DelNetworkList failed")
	}

	if err := os.Remove(netnsPath); err != nil && !os.IsNotExist(err) {
		p.log.WithError(err).WithField("vm_id", vmID).Warn("Failed to remove network namespace")
	}
	return nil
}

func (p *CNIProvisioner) netnsPath(vmID string) string {
	return filepath.Join(p.config.NetnsDir, vmID)
}

func (p *CNIProvisioner) createNetNS(vmID string) (string, error) {
	if err := os.MkdirAll(p.config.NetnsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating netns directory: %w", err)
	}

	nsPath := p.netnsPath(vmID)
	f, err := os.Create(nsPath)
	if err != nil {
		return "", fmt.Errorf("creating netns file: %w", err)
	}
	f.Close()
	return nsPath, nil
}

func loadCNINetworkConfig(config CNIConfig) (*libcni.NetworkConfigList, error) {
	if config.NetworkName != "" {
		if confList, err := libcni.LoadConfList(config.ConfDir, config.NetworkName); err == nil {
			return confList, nil
		}
	}

	files, err := libcni.ConfFiles(config.ConfDir, []string{".conflist", ".conf"})
	if err != nil || len(files) == 0 {
		return defaultCNINetworkConfig(config)
	}

	if filepath.Ext(files[0]) == ".conflist" {
		return libcni.ConfListFromFile(files[0])
	}
	conf, err := libcni.ConfFromFile(files[0])
	if err != nil {
		return nil, err
	}
	return libcni.ConfListFromConf(conf)
}

func defaultCNINetworkConfig(config CNIConfig) (*libcni.NetworkConfigList, error) {
	defaultConf := map[string]interface{}{
		"cniVersion": "1.0.0",
		"name":       "hv-net",
		"plugins": []map[string]interface{}{
			{
				"type":      "bridge",
				"bridge":    "hv-br0",
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]interface{}{
					"type":   "host-local",
					"subnet": config.DefaultSubnet,
					"routes": []map[string]string{{"dst": "0.0.0.0/0"}},
				},
			},
		},
	}

	confBytes, err := json.Marshal(defaultConf)
	if err != nil {
		return nil, err
	}
	return libcni.ConfListFromBytes(confBytes)
}
