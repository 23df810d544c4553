// Package registry implements the agent registry (C10): a keyed store
// mapping agent names to their current VM deployment.
package registry

import (
	"sync"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// Registry is a keyed agent_name -> AgentDeployment store.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]domain.AgentDeployment
	log     *logrus.Entry
}

// New constructs an empty Registry.
func New(log *logrus.Entry) *Registry {
	return &Registry{
		entries: make(map[string]domain.AgentDeployment),
		log:     log.WithField("component", "registry"),
	}
}

// Register adds a new deployment. It fails if the name already exists.
func (r *Registry) Register(deployment domain.AgentDeployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[deployment.AgentName]; exists {
		return domain.NewError(domain.ErrKindValidationFailed,
			"agent "+deployment.AgentName+" is already registered", nil)
	}
	r.entries[deployment.AgentName] = deployment
	return nil
}

// Upsert registers or replaces a deployment unconditionally.
func (r *Registry) Upsert(deployment domain.AgentDeployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[deployment.AgentName] = deployment
}

// Unregister removes a deployment. It is a no-op if the name is
// absent.
func (r *Registry) Unregister(agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, agentName)
}

// Get returns the deployment for agentName, or a not-found error.
func (r *Registry) Get(agentName string) (domain.AgentDeployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	deployment, ok := r.entries[agentName]
	if !ok {
		return domain.AgentDeployment{}, domain.NewError(domain.ErrKindNotFound,
			"no agent registered as "+agentName, nil)
	}
	return deployment, nil
}

// List returns every registered deployment.
func (r *Registry) List() []domain.AgentDeployment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentDeployment, 0, len(r.entries))
	for _, deployment := range r.entries {
		out = append(out, deployment)
	}
	return out
}
