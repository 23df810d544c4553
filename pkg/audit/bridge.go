package audit

import (
	"sync"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// Subscriber is satisfied by every component that owns an
// domain.EventBus (the sandbox manager, isolation manager, resource
// monitor, ...). Accepting this narrow interface rather than a
// concrete *sandbox.Manager avoids an import cycle back into the
// components the bridge observes.
type Subscriber interface {
	Subscribe(fn func(name string, args ...interface{})) (unsubscribe func())
}

// Bridge is the audit bridge (C8): it validates events against an
// "attached" vm_id allowlist and forwards them into a pluggable
// append-only Store.
type Bridge struct {
	mu       sync.RWMutex
	attached map[string]bool
	store    Store
	log      *logrus.Entry
}

// NewBridge constructs a Bridge writing into store.
func NewBridge(store Store, log *logrus.Entry) *Bridge {
	return &Bridge{
		attached: make(map[string]bool),
		store:    store,
		log:      log.WithField("component", "audit-bridge"),
	}
}

// Attach marks vmID's events as eligible for recording.
func (b *Bridge) Attach(vmID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached[vmID] = true
}

// Detach stops recording vmID's events.
func (b *Bridge) Detach(vmID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attached, vmID)
}

// IsAttached reports whether vmID's events are currently recorded.
func (b *Bridge) IsAttached(vmID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attached[vmID]
}

// LogEvent validates event and appends it to the store, unless its
// vm_id is set but not attached (in which case it is silently
// dropped). Events with no vm_id are always recorded.
func (b *Bridge) LogEvent(event domain.AuditEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	if event.VMID != "" && !b.IsAttached(event.VMID) {
		return nil
	}

	envelope := domain.AuditEnvelope{
		Source:  "hypervisor",
		VMID:    event.VMID,
		AgentID: event.AgentID,
		Event:   event,
	}
	_, err := b.store.Append(envelope)
	if err != nil {
		b.log.WithError(err).Warn("Failed to append audit event")
	}
	return err
}

// AttachToManager subscribes to sub's event stream and forwards every
// recognized event into LogEvent. Returns an unsubscribe handle.
func (b *Bridge) AttachToManager(sub Subscriber) (unsubscribe func()) {
	return sub.Subscribe(func(name string, args ...interface{}) {
		event, ok := translateEvent(name, args)
		if !ok {
			return
		}
		if err := b.LogEvent(event); err != nil {
			b.log.WithError(err).WithField("event_type", event.EventType).Warn("Dropped audit event")
		}
	})
}

// ReadAllEvents returns every recorded event, in append order.
func (b *Bridge) ReadAllEvents() ([]domain.AuditEvent, error) {
	return b.readFiltered(func(domain.AuditEvent) bool { return true })
}

// ReadVMEvents returns every recorded event for vmID, in append order.
func (b *Bridge) ReadVMEvents(vmID string) ([]domain.AuditEvent, error) {
	return b.readFiltered(func(e domain.AuditEvent) bool { return e.VMID == vmID })
}

// ReadEventsByType returns every recorded event of the given type, in
// append order.
func (b *Bridge) ReadEventsByType(t domain.EventType) ([]domain.AuditEvent, error) {
	return b.readFiltered(func(e domain.AuditEvent) bool { return e.EventType == t })
}

func (b *Bridge) readFiltered(keep func(domain.AuditEvent) bool) ([]domain.AuditEvent, error) {
	n, err := b.store.Length()
	if err != nil {
		return nil, err
	}

	out := make([]domain.AuditEvent, 0, n)
	for i := 0; i < n; i++ {
		envelope, err := b.store.Get(i)
		if err != nil {
			return nil, err
		}
		if keep(envelope.Event) {
			out = append(out, envelope.Event)
		}
	}
	return out, nil
}
