// Package observer implements the read-only aggregator (C9): it
// subscribes to the sandbox manager's event stream and maintains
// rolling counters, a provider histogram, a bounded recent-event
// ring, and a health verdict derived from recent error/security
// activity.
package observer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// Subscriber is satisfied by any component owning a domain.EventBus.
// Accepting this narrow interface — rather than a concrete
// *sandbox.Manager — keeps the observer's dependency on the manager a
// borrowed reference used only for event subscription, per the
// Design Notes' cyclic-reference avoidance: the observer never calls
// back into the manager.
type Subscriber interface {
	Subscribe(fn func(name string, args ...interface{})) (unsubscribe func())
}

// Config configures an Observer.
type Config struct {
	RecentEventsCap        int
	HealthWarningWindow    time.Duration
	HealthWarningThreshold int
}

// DefaultConfig returns sensible defaults: a 100-entry recent-event
// ring and an unhealthy verdict once 5 error/security events land
// within a trailing 60s window.
func DefaultConfig() Config {
	return Config{
		RecentEventsCap:        100,
		HealthWarningWindow:    60 * time.Second,
		HealthWarningThreshold: 5,
	}
}

// RecentEvent is a single entry in the observer's bounded event ring.
type RecentEvent struct {
	Name      string
	VMID      string
	Timestamp time.Time
}

// Counters is a snapshot of the observer's aggregate state.
type Counters struct {
	Spawned        int64
	Terminated     int64
	Running        int64
	Errors         int64
	TasksExecuted  int64
	ProviderCounts map[domain.Provider]int64

	PolicyViolations      int64
	ImageFailures         int64
	UnauthorizedAttempts  int64
	SandboxEscapeAttempts int64
}

// Observer is the sandbox manager's read-only aggregator.
type Observer struct {
	mu        sync.RWMutex
	counters  Counters
	recent    []RecentEvent
	recentCap int

	window           time.Duration
	threshold        int
	concerningEvents []time.Time
	healthy          bool

	bus *domain.EventBus
	log *logrus.Entry
}

// New constructs an Observer. Call AttachToManager to start
// aggregating a manager's event stream.
func New(cfg Config, log *logrus.Entry) *Observer {
	if cfg.RecentEventsCap <= 0 {
		cfg.RecentEventsCap = 100
	}
	if cfg.HealthWarningWindow <= 0 {
		cfg.HealthWarningWindow = 60 * time.Second
	}
	if cfg.HealthWarningThreshold <= 0 {
		cfg.HealthWarningThreshold = 5
	}

	return &Observer{
		counters:  Counters{ProviderCounts: make(map[domain.Provider]int64)},
		recentCap: cfg.RecentEventsCap,
		window:    cfg.HealthWarningWindow,
		threshold: cfg.HealthWarningThreshold,
		healthy:   true,
		bus:       domain.NewEventBus(),
		log:       log.WithField("component", "observer"),
	}
}

// Subscribe registers fn for the observer's own synthesized events
// (currently just health-warning).
func (o *Observer) Subscribe(fn func(name string, args ...interface{})) (unsubscribe func()) {
	return o.bus.Subscribe(fn)
}

// AttachToManager subscribes to sub's event stream.
func (o *Observer) AttachToManager(sub Subscriber) (unsubscribe func()) {
	return sub.Subscribe(o.handleEvent)
}

func (o *Observer) handleEvent(name string, args ...interface{}) {
	switch name {
	case "vm-spawned":
		if len(args) != 1 {
			return
		}
		instance, ok := args[0].(*domain.VMInstance)
		if !ok {
			return
		}
		o.mu.Lock()
		o.counters.Spawned++
		o.counters.Running++
		o.counters.ProviderCounts[instance.Spec.Provider]++
		o.mu.Unlock()
		o.recordRecent("vm-spawned", instance.VMID)

	case "vm-terminated":
		if len(args) != 2 {
			return
		}
		vmID, _ := args[0].(string)
		o.mu.Lock()
		o.counters.Terminated++
		if o.counters.Running > 0 {
			o.counters.Running--
		}
		o.mu.Unlock()
		o.recordRecent("vm-terminated", vmID)

	case "task-executed":
		if len(args) != 2 {
			return
		}
		vmID, _ := args[0].(string)
		o.mu.Lock()
		o.counters.TasksExecuted++
		o.mu.Unlock()
		o.recordRecent("task-executed", vmID)

	case "error":
		vmID := ""
		if len(args) > 1 {
			vmID, _ = args[1].(string)
		}
		o.mu.Lock()
		o.counters.Errors++
		o.mu.Unlock()
		o.recordRecent("error", vmID)
		o.recordConcerning()

	case "security-violation":
		vmID, reason := "", ""
		if len(args) > 0 {
			vmID, _ = args[0].(string)
		}
		if len(args) > 1 {
			reason, _ = args[1].(string)
		}
		o.mu.Lock()
		switch categorizeSecurityEvent(reason) {
		case categoryImageFailure:
			o.counters.ImageFailures++
		case categoryUnauthorized:
			o.counters.UnauthorizedAttempts++
		case categorySandboxEscape:
			o.counters.SandboxEscapeAttempts++
		default:
			o.counters.PolicyViolations++
		}
		o.mu.Unlock()
		o.recordRecent("security-violation", vmID)
		o.recordConcerning()
	}
}

type securityCategory int

const (
	categoryPolicyViolation securityCategory = iota
	categoryImageFailure
	categoryUnauthorized
	categorySandboxEscape
)

func categorizeSecurityEvent(reason string) securityCategory {
	switch {
	case containsAny(reason, "hash mismatch", "verification", "not found"):
		return categoryImageFailure
	case containsAny(reason, "unauthorized"):
		return categoryUnauthorized
	case containsAny(reason, "escape", "capability"):
		return categorySandboxEscape
	default:
		return categoryPolicyViolation
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(sub) <= len(s) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (o *Observer) recordRecent(name, vmID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.recent = append(o.recent, RecentEvent{Name: name, VMID: vmID, Timestamp: time.Now()})
	if len(o.recent) > o.recentCap {
		o.recent = o.recent[len(o.recent)-o.recentCap:]
	}
}

// recordConcerning tracks an error/security-violation occurrence for
// the trailing-window health check, and synthesizes health-warning on
// the healthy-to-unhealthy transition.
func (o *Observer) recordConcerning() {
	o.mu.Lock()
	now := time.Now()
	o.concerningEvents = append(o.concerningEvents, now)
	o.pruneConcerningLocked(now)

	count := len(o.concerningEvents)
	wasHealthy := o.healthy
	nowHealthy := count < o.threshold
	o.healthy = nowHealthy
	o.mu.Unlock()

	if wasHealthy && !nowHealthy {
		o.log.WithField("error_count", count).Warn("Observer health check failed")
		o.bus.Emit("health-warning", fmt.Sprintf("%d error/security events in the trailing window", count), count)
	}
}

func (o *Observer) pruneConcerningLocked(now time.Time) {
	cutoff := now.Add(-o.window)
	i := 0
	for i < len(o.concerningEvents) && o.concerningEvents[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		o.concerningEvents = o.concerningEvents[i:]
	}
}

// IsHealthy reports whether the count of error/security-violation
// events within the trailing health-warning window is below the
// configured threshold.
func (o *Observer) IsHealthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneConcerningLocked(time.Now())
	return len(o.concerningEvents) < o.threshold
}

// Snapshot returns a copy of the observer's aggregate counters.
func (o *Observer) Snapshot() Counters {
	o.mu.RLock()
	defer o.mu.RUnlock()

	providerCounts := make(map[domain.Provider]int64, len(o.counters.ProviderCounts))
	for k, v := range o.counters.ProviderCounts {
		providerCounts[k] = v
	}
	snapshot := o.counters
	snapshot.ProviderCounts = providerCounts
	return snapshot
}

// RecentEvents returns a copy of the bounded recent-event ring.
func (o *Observer) RecentEvents() []RecentEvent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]RecentEvent(nil), o.recent...)
}
