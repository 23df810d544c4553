package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestVerify_NoManifestLoaded(t *testing.T) {
	v := New(logrus.NewEntry(logrus.New()))

	res := v.Verify(domain.ManifestImages, "/img", []byte("A"))
	if res.Verified {
		t.Fatal("expected verification to fail with no manifest loaded")
	}
	if !strings.Contains(res.Error, "no manifest loaded") {
		t.Fatalf("unexpected error: %q", res.Error)
	}
}

func TestVerify_S5Scenario(t *testing.T) {
	v := New(logrus.NewEntry(logrus.New()))
	v.LoadManifest(&domain.TrustedManifest{
		Version: "1",
		Images:  map[string]string{"/img": hashOf("A")},
	})

	res := v.Verify(domain.ManifestImages, "/img", []byte("A"))
	if !res.Verified {
		t.Fatalf("expected verified=true, got error %q", res.Error)
	}

	res = v.Verify(domain.ManifestImages, "/img", []byte("B"))
	if res.Verified {
		t.Fatal("expected verified=false for mismatched content")
	}
	if !strings.Contains(res.Error, "hash mismatch") {
		t.Fatalf("unexpected error: %q", res.Error)
	}

	res = v.Verify(domain.ManifestImages, "/other", []byte("A"))
	if res.Verified {
		t.Fatal("expected verified=false for unknown key")
	}
	if !strings.Contains(res.Error, "not found") {
		t.Fatalf("unexpected error: %q", res.Error)
	}
}

func TestVerify_ReplacesManifest(t *testing.T) {
	v := New(logrus.NewEntry(logrus.New()))
	v.LoadManifest(&domain.TrustedManifest{Images: map[string]string{"/a": hashOf("x")}})
	v.LoadManifest(&domain.TrustedManifest{Kernels: map[string]string{"/k": hashOf("y")}})

	res := v.Verify(domain.ManifestImages, "/a", []byte("x"))
	if res.Verified {
		t.Fatal("expected old manifest to no longer be active")
	}

	res = v.Verify(domain.ManifestKernels, "/k", []byte("y"))
	if !res.Verified {
		t.Fatalf("expected new manifest to verify, got error %q", res.Error)
	}
}
