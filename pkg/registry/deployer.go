package registry

import (
	"context"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// ConfigLoader resolves a named agent to its base VM spec. Overrides
// are passed through so loaders backed by templated configuration can
// use them, but the simple map-backed loader in this package ignores
// them — Deployer.DeployAgent applies overrides itself after loading.
type ConfigLoader interface {
	Load(agentName string, overrides *Overrides) (domain.VMSpec, error)
}

// Overrides carries the optional per-deployment overrides accepted by
// deploy_agent. Nil fields leave the loaded base spec untouched.
type Overrides struct {
	Image          *string
	Resources      *domain.Resources
	NetworkEnabled *bool
	Metadata       map[string]string
	BootTimeoutMs  *int64
}

func applyOverrides(spec domain.VMSpec, overrides *Overrides) domain.VMSpec {
	if overrides == nil {
		return spec
	}
	if overrides.Image != nil {
		spec.Image = *overrides.Image
	}
	if overrides.Resources != nil {
		spec.Resources = *overrides.Resources
	}
	if overrides.NetworkEnabled != nil {
		spec.NetworkEnabled = *overrides.NetworkEnabled
	}
	if overrides.Metadata != nil {
		spec.Metadata = overrides.Metadata
	}
	if overrides.BootTimeoutMs != nil {
		spec.BootTimeoutMs = *overrides.BootTimeoutMs
	}
	return spec
}

// MapLoader is a ConfigLoader backed by a static in-memory map of
// agent_name -> base VMSpec, the config-file-driven equivalent of
// pkg/config's parser output keyed by agent name.
type MapLoader map[string]domain.VMSpec

// Load returns a copy of the base spec registered for agentName.
func (m MapLoader) Load(agentName string, _ *Overrides) (domain.VMSpec, error) {
	spec, ok := m[agentName]
	if !ok {
		return domain.VMSpec{}, domain.NewError(domain.ErrKindNotFound,
			"no base spec registered for agent "+agentName, nil)
	}
	return spec, nil
}

// SandboxManager is the narrow slice of pkg/sandbox.Manager the
// deployer composes against, so tests can substitute a fake without
// booting real sandboxes.
type SandboxManager interface {
	Spawn(ctx context.Context, spec domain.VMSpec) (string, error)
	Terminate(ctx context.Context, vmID string) error
	GetStatus(vmID string) (*domain.VMInstance, error)
}

// Deployer composes a Registry with a SandboxManager to implement
// named-agent deploy/undeploy.
type Deployer struct {
	registry *Registry
	manager  SandboxManager
	loader   ConfigLoader
	log      *logrus.Entry
}

// NewDeployer constructs a Deployer.
func NewDeployer(registry *Registry, manager SandboxManager, loader ConfigLoader, log *logrus.Entry) *Deployer {
	return &Deployer{
		registry: registry,
		manager:  manager,
		loader:   loader,
		log:      log.WithField("component", "deployer"),
	}
}

// DeployAgent loads agentName's base spec, applies overrides, spawns a
// VM for it, and upserts the resulting deployment. A failure to load
// the base spec surfaces as not-found ("unknown agent"); a failure
// during spawn surfaces wrapped as a VM lifecycle failure so callers
// can distinguish the two.
func (d *Deployer) DeployAgent(ctx context.Context, agentName string, overrides *Overrides) (domain.AgentDeployment, error) {
	base, err := d.loader.Load(agentName, overrides)
	if err != nil {
		return domain.AgentDeployment{}, domain.NewError(domain.ErrKindNotFound,
			"loading base spec for agent "+agentName, err)
	}
	spec := applyOverrides(base, overrides)
	spec.AgentID = agentName

	vmID, err := d.manager.Spawn(ctx, spec)
	if err != nil {
		return domain.AgentDeployment{}, domain.NewError(domain.ErrKindInvalidState,
			"spawning VM for agent "+agentName, err)
	}

	instance, err := d.manager.GetStatus(vmID)
	if err != nil {
		return domain.AgentDeployment{}, domain.NewError(domain.ErrKindInvalidState,
			"reading status of freshly-spawned VM "+vmID, err)
	}

	deployment := domain.AgentDeployment{
		AgentName:  agentName,
		VMID:       vmID,
		Spec:       spec,
		DeployedAt: instance.CreatedAt,
		Status:     domain.DeploymentStatusDeployed,
	}
	d.registry.Upsert(deployment)
	d.log.WithField("agent_name", agentName).WithField("vm_id", vmID).Info("Agent deployed")
	return deployment, nil
}

// UndeployAgent looks up agentName's deployment, terminates its VM,
// and unregisters it. Looking up an unknown agent surfaces as
// not-found; a failure terminating the VM surfaces wrapped as a VM
// lifecycle failure, and the deployment is left registered so the
// caller can retry.
func (d *Deployer) UndeployAgent(ctx context.Context, agentName string) error {
	deployment, err := d.registry.Get(agentName)
	if err != nil {
		return err
	}

	if err := d.manager.Terminate(ctx, deployment.VMID); err != nil {
		return domain.NewError(domain.ErrKindInvalidState,
			"terminating VM "+deployment.VMID+" for agent "+agentName, err)
	}

	d.registry.Unregister(agentName)
	d.log.WithField("agent_name", agentName).WithField("vm_id", deployment.VMID).Info("Agent undeployed")
	return nil
}
