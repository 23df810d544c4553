// Package resource records per-VM telemetry snapshots and raises
// threshold alerts.
package resource

import (
	"sync"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

type vmRecord struct {
	snapshots []domain.ResourceSnapshot
	threshold *domain.ResourceThreshold
}

// Monitor keeps a bounded ring of snapshots per VM and evaluates
// configured thresholds on every recorded sample. Grounded on the
// teacher's Collector (pkg/metrics/metrics.go): a mutex-guarded struct
// holding bounded float slices per dimension with an appendWithLimit
// helper, generalized here to per-VM ring buffers of whole snapshots
// rather than flat per-operation latency slices, since the spec's
// telemetry unit is a multi-dimension sample, not a single duration.
type Monitor struct {
	mu            sync.RWMutex
	vms           map[string]*vmRecord
	ringSize      int
	warningRatio  float64
	criticalRatio float64

	bus *domain.EventBus
	log *logrus.Entry
}

// New constructs a Monitor. ringSize bounds the snapshot history kept
// per VM; warningRatio/criticalRatio are the percent-of-threshold
// cutoffs from SPEC_FULL.md §4.6 (defaults 0.80/0.95).
func New(ringSize int, warningRatio, criticalRatio float64, log *logrus.Entry) *Monitor {
	return &Monitor{
		vms:           make(map[string]*vmRecord),
		ringSize:      ringSize,
		warningRatio:  warningRatio,
		criticalRatio: criticalRatio,
		bus:           domain.NewEventBus(),
		log:           log.WithField("component", "resource-monitor"),
	}
}

// Subscribe registers fn for "health-warning" notifications raised by
// critical-severity alerts.
func (m *Monitor) Subscribe(fn func(name string, args ...interface{})) (unsubscribe func()) {
	return m.bus.Subscribe(fn)
}

// SetThreshold installs or replaces the threshold for a VM.
func (m *Monitor) SetThreshold(t domain.ResourceThreshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.vmRecordLocked(t.VMID)
	th := t
	rec.threshold = &th
}

func (m *Monitor) vmRecordLocked(vmID string) *vmRecord {
	rec, ok := m.vms[vmID]
	if !ok {
		rec = &vmRecord{}
		m.vms[vmID] = rec
	}
	return rec
}

// RecordSnapshot appends snap to vmID's ring and evaluates it against
// any configured threshold, returning the alerts raised (zero, one,
// or several — one per dimension exceeding its ratio).
func (m *Monitor) RecordSnapshot(snap domain.ResourceSnapshot) []domain.ResourceAlert {
	m.mu.Lock()
	rec := m.vmRecordLocked(snap.VMID)
	rec.snapshots = append(rec.snapshots, snap)
	if m.ringSize > 0 && len(rec.snapshots) > m.ringSize {
		rec.snapshots = rec.snapshots[len(rec.snapshots)-m.ringSize:]
	}
	threshold := rec.threshold
	warningRatio, criticalRatio := m.warningRatio, m.criticalRatio
	m.mu.Unlock()

	if threshold == nil {
		return nil
	}

	var alerts []domain.ResourceAlert
	check := func(dim domain.ResourceDimension, current, limit int64) {
		if limit <= 0 {
			return
		}
		ratio := float64(current) / float64(limit)
		if ratio < warningRatio {
			return
		}
		severity := domain.SeverityWarning
		if ratio >= criticalRatio {
			severity = domain.SeverityCritical
		}
		alert := domain.ResourceAlert{
			VMID:         snap.VMID,
			Resource:     dim,
			CurrentValue: current,
			Threshold:    limit,
			PercentUsed:  int(ratio * 100),
			Timestamp:    snap.Timestamp,
			Severity:     severity,
		}
		alerts = append(alerts, alert)
		if severity == domain.SeverityCritical {
			m.log.WithFields(logrus.Fields{
				"vm_id": snap.VMID, "resource": dim, "percent_used": alert.PercentUsed,
			}).Warn("Resource threshold critical")
			m.bus.Emit("health-warning", alert)
		}
	}

	check(domain.DimensionCPU, snap.CPUMillicores, threshold.CPUMillicores)
	check(domain.DimensionMemory, snap.MemoryMB, threshold.MemoryMB)
	check(domain.DimensionDisk, snap.DiskMB, threshold.DiskMB)
	check(domain.DimensionNetworkRx, snap.NetworkRxKbps, threshold.NetworkRxKbps)
	check(domain.DimensionNetworkTx, snap.NetworkTxKbps, threshold.NetworkTxKbps)

	return alerts
}

// GetUsage summarizes the snapshots stored for vmID: latest, average,
// and peak (by memory_mb) samples.
func (m *Monitor) GetUsage(vmID string) (domain.ResourceUsage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.vms[vmID]
	if !ok || len(rec.snapshots) == 0 {
		return domain.ResourceUsage{}, false
	}

	var sum domain.ResourceSnapshot
	peak := rec.snapshots[0]
	for _, s := range rec.snapshots {
		sum.CPUMillicores += s.CPUMillicores
		sum.MemoryMB += s.MemoryMB
		sum.DiskMB += s.DiskMB
		sum.NetworkRxKbps += s.NetworkRxKbps
		sum.NetworkTxKbps += s.NetworkTxKbps
		if s.MemoryMB > peak.MemoryMB {
			peak = s
		}
	}
	n := int64(len(rec.snapshots))
	avg := domain.ResourceSnapshot{
		VMID:          vmID,
		CPUMillicores: sum.CPUMillicores / n,
		MemoryMB:      sum.MemoryMB / n,
		DiskMB:        sum.DiskMB / n,
		NetworkRxKbps: sum.NetworkRxKbps / n,
		NetworkTxKbps: sum.NetworkTxKbps / n,
	}

	return domain.ResourceUsage{
		Latest:        rec.snapshots[len(rec.snapshots)-1],
		Avg:           avg,
		Peak:          peak,
		SnapshotCount: len(rec.snapshots),
	}, true
}

// RemoveVM drops all recorded state for vmID, called when a VM is
// destroyed.
func (m *Monitor) RemoveVM(vmID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vms, vmID)
}
