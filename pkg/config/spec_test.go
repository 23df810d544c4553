package config

import (
	"strings"
	"testing"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
)

func TestParseSpec_Basic(t *testing.T) {
	text := `
name = "web-1"
provider = "microvm"
image = "/images/web.ext4"
kernel_image = "/kernels/vmlinux"
isolation_level = "vm"
network_enabled = true
boot_timeout_ms = 8000

[resources]
cpu_millicores = 2000
memory_mb = 1024
disk_mb = 4096
network_kbps = 20000
max_processes = 128

[metadata]
owner = "team-a"

[[drives]]
id = "rootfs"
path_on_host = "/images/web.ext4"
is_root = true
is_read_only = false

[[drives]]
id = "scratch"
path_on_host = "/images/scratch.ext4"
is_root = false
is_read_only = false
`
	spec, err := ParseSpec(text)
	if err != nil {
		t.Fatalf("ParseSpec failed: %v", err)
	}

	if spec.Name != "web-1" {
		t.Errorf("Name = %q, want web-1", spec.Name)
	}
	if spec.Provider != domain.ProviderMicroVM {
		t.Errorf("Provider = %q, want microvm", spec.Provider)
	}
	if spec.Resources.MemoryMB != 1024 {
		t.Errorf("MemoryMB = %d, want 1024", spec.Resources.MemoryMB)
	}
	if len(spec.Drives) != 2 {
		t.Fatalf("len(Drives) = %d, want 2", len(spec.Drives))
	}
	if !spec.Drives[0].IsRoot {
		t.Errorf("expected first drive to be root")
	}
	if spec.Metadata["owner"] != "team-a" {
		t.Errorf("metadata owner = %q, want team-a", spec.Metadata["owner"])
	}
}

func TestParseSpec_QuoteAwareComments(t *testing.T) {
	text := `
name = "has # not a comment"
provider = "container"
image = "alpine" # this is a real comment

[resources]
cpu_millicores = 500
memory_mb = 256
disk_mb = 512
network_kbps = 1000
max_processes = 16
`
	spec, err := ParseSpec(text)
	if err != nil {
		t.Fatalf("ParseSpec failed: %v", err)
	}
	if spec.Name != "has # not a comment" {
		t.Errorf("Name = %q, want literal hash preserved", spec.Name)
	}
}

func TestParseSpec_MissingRequiredFields(t *testing.T) {
	text := `
provider = "microvm"

[resources]
cpu_millicores = 500
memory_mb = 256
disk_mb = 512
network_kbps = 1000
max_processes = 16
`
	_, err := ParseSpec(text)
	if err == nil {
		t.Fatal("expected validation error for missing name/image")
	}
}

func TestParseSpec_MalformedLine(t *testing.T) {
	_, err := ParseSpec("this is not valid\n")
	if err == nil {
		t.Fatal("expected parse error for malformed line")
	}
	kind, ok := domain.KindOf(err)
	if !ok || kind != domain.ErrKindParse {
		t.Fatalf("expected ErrKindParse, got %v", kind)
	}
}

func TestEmitSpec_RoundTripsDefaultTemplates(t *testing.T) {
	for _, provider := range []domain.Provider{domain.ProviderMicroVM, domain.ProviderContainer, domain.ProviderEmulator} {
		spec := DefaultTemplate(provider)
		spec.Name = "round-trip-" + string(provider)

		text, err := EmitSpec(spec)
		if err != nil {
			t.Fatalf("EmitSpec(%s) failed: %v", provider, err)
		}

		decoded, err := ParseSpec(text)
		if err != nil {
			t.Fatalf("ParseSpec(Emit(%s)) failed: %v\ndocument:\n%s", provider, err, text)
		}

		if decoded.Name != spec.Name || decoded.Provider != spec.Provider || decoded.Image != spec.Image {
			t.Errorf("round trip mismatch for %s: got %+v, want %+v", provider, decoded, spec)
		}
		if decoded.Resources != spec.Resources {
			t.Errorf("round trip resources mismatch for %s: got %+v, want %+v", provider, decoded.Resources, spec.Resources)
		}
		if len(decoded.Drives) != len(spec.Drives) {
			t.Errorf("round trip drive count mismatch for %s: got %d, want %d", provider, len(decoded.Drives), len(spec.Drives))
		}
	}
}

func TestValidateSpec_ExceedsCapacity(t *testing.T) {
	spec := DefaultTemplate(domain.ProviderMicroVM)
	spec.Name = "big"
	spec.Resources.MemoryMB = 8192

	host := domain.HostCapacity{
		CPUMillicores: 4000,
		MemoryMB:      4096,
		DiskMB:        8192,
		NetworkKbps:   50000,
		MaxProcesses:  256,
	}

	result := ValidateSpec(spec, host)
	if result.Valid {
		t.Fatal("expected invalid result when memory exceeds host capacity")
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected at least one error")
	}
}

func TestValidateSpec_WarningAt80Percent(t *testing.T) {
	spec := DefaultTemplate(domain.ProviderMicroVM)
	spec.Name = "tight"
	spec.Resources.MemoryMB = 820

	host := domain.HostCapacity{
		CPUMillicores: 4000,
		MemoryMB:      1000,
		DiskMB:        8192,
		NetworkKbps:   50000,
		MaxProcesses:  256,
	}

	result := ValidateSpec(spec, host)
	if !result.Valid {
		t.Fatalf("expected valid result, got errors: %v", result.Errors)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "memory_mb") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a memory_mb warning, got %v", result.Warnings)
	}
}

func TestValidateSpec_MicroVMWithoutKernelWarns(t *testing.T) {
	spec := DefaultTemplate(domain.ProviderMicroVM)
	spec.Name = "no-kernel"
	spec.KernelImage = ""

	result := ValidateSpec(spec, domain.HostCapacity{})
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "kernel_image") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected kernel_image warning, got %v", result.Warnings)
	}
}

func TestDefaultTemplate_ProviderDefaults(t *testing.T) {
	microvm := DefaultTemplate(domain.ProviderMicroVM)
	if microvm.KernelImage == "" {
		t.Error("expected microvm template to set kernel_image")
	}
	if len(microvm.Drives) != 1 || !microvm.Drives[0].IsRoot {
		t.Error("expected microvm template to include a root drive")
	}

	container := DefaultTemplate(domain.ProviderContainer)
	if container.IsolationLevel != domain.IsolationNamespace {
		t.Errorf("expected container template to default to namespace isolation, got %s", container.IsolationLevel)
	}
}
