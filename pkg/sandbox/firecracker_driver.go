package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// FirecrackerDriverConfig configures FirecrackerDriver.
type FirecrackerDriverConfig struct {
	// RuntimeDir holds per-VM sockets and state, one subdirectory per
	// vm_id.
	RuntimeDir string
	// DefaultKernelArgs is the kernel command line passed to every
	// microVM; VMSpec carries no boot arguments of its own.
	DefaultKernelArgs string
}

// FirecrackerDriver is the production BootDriver: it boots
// domain.ProviderMicroVM specs as real Firecracker microVMs via
// firecracker-go-sdk. Grounded directly on the teacher's
// Manager.CreateVM (pkg/vm/manager.go): same Config/MachineConfiguration/
// VsockDevices/Drives assembly and firecracker.NewMachine/Start flow,
// generalized from the teacher's single-sandbox-object bookkeeping to
// the vm_id-keyed lookup the sandbox manager already owns.
type FirecrackerDriver struct {
	mu         sync.Mutex
	config     FirecrackerDriverConfig
	machines   map[string]*firecracker.Machine
	cids       map[string]uint32
	cidCounter uint32
	log        *logrus.Entry
}

// NewFirecrackerDriver constructs a FirecrackerDriver.
func NewFirecrackerDriver(config FirecrackerDriverConfig, log *logrus.Entry) *FirecrackerDriver {
	return &FirecrackerDriver{
		config:     config,
		machines:   make(map[string]*firecracker.Machine),
		cids:       make(map[string]uint32),
		cidCounter: 3, // 0-2 are reserved by the vsock address family
		log:        log.WithField("component", "firecracker-driver"),
	}
}

// CID returns the VSOCK context ID assigned to vmID's vsock device at
// boot, if vmID is still tracked. The VSOCKDialer cmd/hypervisord
// wires against this driver uses it to dial the guest agent.
func (d *FirecrackerDriver) CID(vmID string) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cid, ok := d.cids[vmID]
	return cid, ok
}

// VSOCKUnixFallback returns the path to the Unix socket this driver's
// vsock device proxies through for vmID, the same fallback transport
// cmd/sandbox-agent listens on when no real VSOCK device is present.
func (d *FirecrackerDriver) VSOCKUnixFallback(vmID string) string {
	return filepath.Join(d.config.RuntimeDir, vmID, "vsock.sock")
}

// Boot starts a Firecracker microVM for spec under vmID. Only
// domain.ProviderMicroVM specs are accepted; any other provider is a
// validation-failed error, since this driver has no emulator/container
// backend of its own.
func (d *FirecrackerDriver) Boot(ctx context.Context, vmID string, spec domain.VMSpec) error {
	if spec.Provider != domain.ProviderMicroVM {
		return domain.NewError(domain.ErrKindValidationFailed,
			"firecracker driver only boots microvm-provider specs", nil)
	}

	vmDir := filepath.Join(d.config.RuntimeDir, vmID)
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		return domain.NewError(domain.ErrKindInvalidState, "creating VM runtime directory", err)
	}

	d.mu.Lock()
	cid := d.cidCounter
	d.cidCounter++
	d.mu.Unlock()

	fcConfig := firecracker.Config{
		SocketPath:      filepath.Join(vmDir, "firecracker.sock"),
		KernelImagePath: spec.KernelImage,
		KernelArgs:      d.config.DefaultKernelArgs,
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(millicoresToVCPUs(spec.Resources.CPUMillicores)),
			MemSizeMib: firecracker.Int64(spec.Resources.MemoryMB),
		},
		VsockDevices: []firecracker.VsockDevice{
			{Path: filepath.Join(vmDir, "vsock.sock"), CID: cid},
		},
		Drives: driveConfigs(spec.Drives),
	}

	machine, err := firecracker.NewMachine(ctx, fcConfig, firecracker.WithLogger(d.log))
	if err != nil {
		return domain.NewError(domain.ErrKindInvalidState, "creating firecracker machine", err)
	}
	if err := machine.Start(ctx); err != nil {
		return domain.NewError(domain.ErrKindInvalidState, "starting firecracker machine", err)
	}

	d.mu.Lock()
	d.machines[vmID] = machine
	d.cids[vmID] = cid
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{"vm_id": vmID, "cid": cid}).Info("Firecracker machine started")
	return nil
}

// Terminate stops and removes the Firecracker machine for vmID, if
// any. A vmID with no tracked machine is a no-op.
func (d *FirecrackerDriver) Terminate(ctx context.Context, vmID string) error {
	d.mu.Lock()
	machine, ok := d.machines[vmID]
	delete(d.machines, vmID)
	delete(d.cids, vmID)
	d.mu.Unlock()

	if !ok {
		return nil
	}
	if err := machine.StopVMM(); err != nil {
		return domain.NewError(domain.ErrKindInvalidState, "stopping firecracker machine", err)
	}
	return nil
}

func millicoresToVCPUs(millicores int64) int64 {
	vcpus := millicores / 1000
	if vcpus < 1 {
		return 1
	}
	return vcpus
}

func driveConfigs(drives []domain.Drive) []models.Drive {
	if len(drives) == 0 {
		return nil
	}
	out := make([]models.Drive, 0, len(drives))
	for _, drv := range drives {
		out = append(out, models.Drive{
			DriveID:      firecracker.String(drv.ID),
			PathOnHost:   firecracker.String(drv.PathOnHost),
			IsRootDevice: firecracker.Bool(drv.IsRoot),
			IsReadOnly:   firecracker.Bool(drv.IsReadOnly),
		})
	}
	return out
}
