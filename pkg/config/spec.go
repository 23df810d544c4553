package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
)

// ParseSpec decodes the VM spec document format described in
// SPEC_FULL.md §4.1, generalizing the teacher's parseTOML in
// pkg/config/config.go to the VMSpec shape: a top-level table of
// scalar fields, a "[resources]" table, and a "[[drives]]"
// array-of-tables.
func ParseSpec(text string) (domain.VMSpec, error) {
	doc, err := decodeDocument(text)
	if err != nil {
		return domain.VMSpec{}, err
	}

	spec := domain.VMSpec{
		Provider:       domain.ProviderMicroVM,
		IsolationLevel: domain.IsolationVM,
		BootTimeoutMs:  5000,
	}

	if v, ok := doc.getString("name"); ok {
		spec.Name = v
	}
	if v, ok := doc.getString("provider"); ok {
		spec.Provider = domain.Provider(v)
	}
	if v, ok := doc.getString("image"); ok {
		spec.Image = v
	}
	if v, ok := doc.getString("kernel_image"); ok {
		spec.KernelImage = v
	}
	if v, ok := doc.getString("isolation_level"); ok {
		spec.IsolationLevel = domain.IsolationLevel(v)
	}
	if v, ok := doc.getBool("network_enabled"); ok {
		spec.NetworkEnabled = v
	}
	if v, ok := doc.getString("agent_id"); ok {
		spec.AgentID = v
	}
	if v, ok := doc.getInt("boot_timeout_ms"); ok {
		spec.BootTimeoutMs = v
	}

	if resTable, ok := doc.getTable("resources"); ok {
		if v, ok := resTable.getInt("cpu_millicores"); ok {
			spec.Resources.CPUMillicores = v
		}
		if v, ok := resTable.getInt("memory_mb"); ok {
			spec.Resources.MemoryMB = v
		}
		if v, ok := resTable.getInt("disk_mb"); ok {
			spec.Resources.DiskMB = v
		}
		if v, ok := resTable.getInt("network_kbps"); ok {
			spec.Resources.NetworkKbps = v
		}
		if v, ok := resTable.getInt("max_processes"); ok {
			spec.Resources.MaxProcesses = v
		}
	}

	if metaTable, ok := doc.getTable("metadata"); ok {
		spec.Metadata = make(map[string]string, len(metaTable))
		for k, v := range metaTable {
			if s, ok := v.(string); ok {
				spec.Metadata[k] = s
			} else {
				spec.Metadata[k] = fmt.Sprintf("%v", v)
			}
		}
	}

	if drives, ok := doc.getArray("drives"); ok {
		for _, d := range drives {
			drive := domain.Drive{}
			if v, ok := d.getString("id"); ok {
				drive.ID = v
			}
			if v, ok := d.getString("path_on_host"); ok {
				drive.PathOnHost = v
			}
			if v, ok := d.getBool("is_root"); ok {
				drive.IsRoot = v
			}
			if v, ok := d.getBool("is_read_only"); ok {
				drive.IsReadOnly = v
			}
			spec.Drives = append(spec.Drives, drive)
		}
	}

	if err := spec.Validate(); err != nil {
		return domain.VMSpec{}, err
	}

	return spec, nil
}

// EmitSpec renders a VMSpec back into the document format ParseSpec
// reads. A round trip through Parse(Emit(s)) reproduces s field for
// field for every spec produced by DefaultTemplate.
func EmitSpec(spec domain.VMSpec) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "name = %s\n", quoteString(spec.Name))
	fmt.Fprintf(&b, "provider = %s\n", quoteString(string(spec.Provider)))
	fmt.Fprintf(&b, "image = %s\n", quoteString(spec.Image))
	if spec.KernelImage != "" {
		fmt.Fprintf(&b, "kernel_image = %s\n", quoteString(spec.KernelImage))
	}
	fmt.Fprintf(&b, "isolation_level = %s\n", quoteString(string(spec.IsolationLevel)))
	fmt.Fprintf(&b, "network_enabled = %t\n", spec.NetworkEnabled)
	if spec.AgentID != "" {
		fmt.Fprintf(&b, "agent_id = %s\n", quoteString(spec.AgentID))
	}
	fmt.Fprintf(&b, "boot_timeout_ms = %d\n", spec.BootTimeoutMs)

	b.WriteString("\n[resources]\n")
	fmt.Fprintf(&b, "cpu_millicores = %d\n", spec.Resources.CPUMillicores)
	fmt.Fprintf(&b, "memory_mb = %d\n", spec.Resources.MemoryMB)
	fmt.Fprintf(&b, "disk_mb = %d\n", spec.Resources.DiskMB)
	fmt.Fprintf(&b, "network_kbps = %d\n", spec.Resources.NetworkKbps)
	fmt.Fprintf(&b, "max_processes = %d\n", spec.Resources.MaxProcesses)

	if len(spec.Metadata) > 0 {
		b.WriteString("\n[metadata]\n")
		keys := make([]string, 0, len(spec.Metadata))
		for k := range spec.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s = %s\n", k, quoteString(spec.Metadata[k]))
		}
	}

	for _, d := range spec.Drives {
		b.WriteString("\n[[drives]]\n")
		fmt.Fprintf(&b, "id = %s\n", quoteString(d.ID))
		fmt.Fprintf(&b, "path_on_host = %s\n", quoteString(d.PathOnHost))
		fmt.Fprintf(&b, "is_root = %t\n", d.IsRoot)
		fmt.Fprintf(&b, "is_read_only = %t\n", d.IsReadOnly)
	}

	return b.String(), nil
}

func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// ValidateSpec checks spec against host capacity per SPEC_FULL.md
// §4.1: a hard error when any requested dimension exceeds what the
// host has, and a warning once allocation passes 80% of any host
// dimension (mirroring the resource monitor's own warning ratio).
func ValidateSpec(spec domain.VMSpec, host domain.HostCapacity) domain.ValidationResult {
	result := domain.ValidationResult{Valid: true}

	if spec.Name == "" {
		result.Errors = append(result.Errors, "name is required")
	}
	if spec.Image == "" {
		result.Errors = append(result.Errors, "image is required")
	}

	checkDim := func(label string, requested, capacity int64) {
		if capacity <= 0 {
			return
		}
		if requested > capacity {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"%s requests %d which exceeds host capacity %d", label, requested, capacity))
			return
		}
		if pct := requested * 100 / capacity; pct >= 80 {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"%s requests %d%% of host capacity %d", label, pct, capacity))
		}
	}

	checkDim("cpu_millicores", spec.Resources.CPUMillicores, host.CPUMillicores)
	checkDim("memory_mb", spec.Resources.MemoryMB, host.MemoryMB)
	checkDim("disk_mb", spec.Resources.DiskMB, host.DiskMB)
	checkDim("network_kbps", spec.Resources.NetworkKbps, host.NetworkKbps)
	checkDim("max_processes", spec.Resources.MaxProcesses, host.MaxProcesses)

	if spec.Provider == domain.ProviderMicroVM && spec.KernelImage == "" {
		result.Warnings = append(result.Warnings, "microvm provider without kernel_image set")
	}

	if len(result.Errors) > 0 {
		result.Valid = false
	}
	return result
}

// DefaultTemplate returns a reasonable starting spec for the given
// provider. Callers are expected to set Name before use.
func DefaultTemplate(provider domain.Provider) domain.VMSpec {
	spec := domain.VMSpec{
		Provider:       provider,
		IsolationLevel: domain.IsolationVM,
		NetworkEnabled: true,
		BootTimeoutMs:  5000,
		Resources: domain.Resources{
			CPUMillicores: 1000,
			MemoryMB:      512,
			DiskMB:        1024,
			NetworkKbps:   10000,
			MaxProcesses:  64,
		},
	}

	switch provider {
	case domain.ProviderMicroVM:
		spec.Image = "/var/lib/hypervisor/images/rootfs.ext4"
		spec.KernelImage = "/var/lib/hypervisor/kernels/vmlinux"
		spec.Drives = []domain.Drive{
			{ID: "rootfs", PathOnHost: spec.Image, IsRoot: true, IsReadOnly: false},
		}
	case domain.ProviderContainer:
		spec.Image = "docker.io/library/alpine:latest"
		spec.IsolationLevel = domain.IsolationNamespace
	case domain.ProviderEmulator:
		spec.Image = "/var/lib/hypervisor/images/emulator-disk.qcow2"
	}

	return spec
}

// parseBoolLoose accepts the handful of boolean spellings the teacher's
// hand-rolled config parser historically accepted in environment
// overrides, kept here for LoadFromEnv in runtime.go.
func parseBoolLoose(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

func parseIntLoose(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
