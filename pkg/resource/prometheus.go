package resource

import (
	"net/http"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter publishes a Monitor's latest per-VM snapshots as
// gauges on a dedicated registry, replacing the teacher's hand-rolled
// PrometheusHandler (pkg/metrics/metrics.go, writeMetric/writeMetricFloat/
// appendInt/appendFloat) with the ecosystem's own exposition library.
// The hand-rolled writer the teacher uses exists because
// client_golang wasn't in that repo's dependency set; it is in the
// wider example pack (sharedco-cilo), so the real library is used
// here instead of reproducing that approach.
type PrometheusExporter struct {
	registry *prometheus.Registry

	cpu    *prometheus.GaugeVec
	memory *prometheus.GaugeVec
	disk   *prometheus.GaugeVec
	netRx  *prometheus.GaugeVec
	netTx  *prometheus.GaugeVec
	alerts *prometheus.CounterVec
}

// NewPrometheusExporter builds an exporter on its own registry so
// multiple exporters (e.g. in tests) never collide on global metric
// registration.
func NewPrometheusExporter() *PrometheusExporter {
	e := &PrometheusExporter{
		registry: prometheus.NewRegistry(),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hypervisor_vm_cpu_millicores",
			Help: "Latest recorded CPU usage in millicores, per VM.",
		}, []string{"vm_id"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hypervisor_vm_memory_mb",
			Help: "Latest recorded memory usage in MB, per VM.",
		}, []string{"vm_id"}),
		disk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hypervisor_vm_disk_mb",
			Help: "Latest recorded disk usage in MB, per VM.",
		}, []string{"vm_id"}),
		netRx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hypervisor_vm_network_rx_kbps",
			Help: "Latest recorded network receive rate in kbps, per VM.",
		}, []string{"vm_id"}),
		netTx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hypervisor_vm_network_tx_kbps",
			Help: "Latest recorded network transmit rate in kbps, per VM.",
		}, []string{"vm_id"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypervisor_resource_alerts_total",
			Help: "Total resource alerts raised, by VM and severity.",
		}, []string{"vm_id", "severity", "resource"}),
	}

	e.registry.MustRegister(e.cpu, e.memory, e.disk, e.netRx, e.netTx, e.alerts)
	return e
}

// Observe updates the gauges for a newly recorded snapshot.
func (e *PrometheusExporter) Observe(snap domain.ResourceSnapshot) {
	e.cpu.WithLabelValues(snap.VMID).Set(float64(snap.CPUMillicores))
	e.memory.WithLabelValues(snap.VMID).Set(float64(snap.MemoryMB))
	e.disk.WithLabelValues(snap.VMID).Set(float64(snap.DiskMB))
	e.netRx.WithLabelValues(snap.VMID).Set(float64(snap.NetworkRxKbps))
	e.netTx.WithLabelValues(snap.VMID).Set(float64(snap.NetworkTxKbps))
}

// ObserveAlert increments the alert counter for the given VM,
// severity, and resource dimension.
func (e *PrometheusExporter) ObserveAlert(vmID, severity, resource string) {
	e.alerts.WithLabelValues(vmID, severity, resource).Inc()
}

// RemoveVM deletes vmID's series from every gauge, called when a VM
// is destroyed so stale series don't accumulate.
func (e *PrometheusExporter) RemoveVM(vmID string) {
	e.cpu.DeleteLabelValues(vmID)
	e.memory.DeleteLabelValues(vmID)
	e.disk.DeleteLabelValues(vmID)
	e.netRx.DeleteLabelValues(vmID)
	e.netTx.DeleteLabelValues(vmID)
}

// Handler returns the HTTP handler hypervisord mounts at the
// configured metrics path.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
