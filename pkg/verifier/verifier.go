// Package verifier implements cryptographic verification of images,
// kernels, and plugins against a trusted manifest.
package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// Verifier checks artifact data against a loaded trusted manifest. It
// is stateless beyond the currently loaded manifest; loading a new
// manifest replaces the previous one outright.
type Verifier struct {
	mu       sync.RWMutex
	manifest *domain.TrustedManifest
	log      *logrus.Entry
}

// New creates a Verifier with no manifest loaded.
func New(log *logrus.Entry) *Verifier {
	return &Verifier{log: log.WithField("component", "image-verifier")}
}

// LoadManifest replaces the currently loaded manifest.
func (v *Verifier) LoadManifest(m *domain.TrustedManifest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.manifest = m
	v.log.WithField("version", m.Version).Info("Loaded trusted manifest")
}

// Verify computes the SHA-256 digest of data and compares it against
// the digest recorded in the manifest under manifest[kind][key].
func (v *Verifier) Verify(kind domain.ManifestKind, key string, data []byte) domain.VerificationResult {
	now := time.Now()

	v.mu.RLock()
	manifest := v.manifest
	v.mu.RUnlock()

	if manifest == nil {
		return domain.VerificationResult{
			Path:       key,
			VerifiedAt: now,
			Error:      "no manifest loaded",
		}
	}

	digestMap := manifest.Lookup(kind)
	expected, ok := digestMap[key]
	if !ok {
		return domain.VerificationResult{
			Path:       key,
			VerifiedAt: now,
			Error:      fmt.Sprintf("key %q not found in %s manifest", key, kind),
		}
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])

	if actual != expected {
		return domain.VerificationResult{
			Path:         key,
			ExpectedHash: expected,
			ActualHash:   actual,
			VerifiedAt:   now,
			Error:        fmt.Sprintf("hash mismatch for %q: expected %s, got %s", key, expected, actual),
		}
	}

	return domain.VerificationResult{
		Verified:     true,
		Path:         key,
		ExpectedHash: expected,
		ActualHash:   actual,
		VerifiedAt:   now,
	}
}
