package isolation

import "context"

// NetworkProvisioner sets up and tears down the network namespace
// backing an isolation context's "net" namespace. The default is a
// no-op; CNIProvisioner in cni.go wires a real implementation.
type NetworkProvisioner interface {
	SetupNetNS(ctx context.Context, vmID string) (netnsPath string, err error)
	TeardownNetNS(ctx context.Context, vmID string) error
}

// noopNetworkProvisioner satisfies NetworkProvisioner without touching
// the host, used when a manager is constructed without one.
type noopNetworkProvisioner struct{}

func (noopNetworkProvisioner) SetupNetNS(ctx context.Context, vmID string) (string, error) {
	return "", nil
}

func (noopNetworkProvisioner) TeardownNetNS(ctx context.Context, vmID string) error {
	return nil
}
