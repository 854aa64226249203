package attest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"

	"metald/services/lifecycle"
)

// Evidence is a measured-boot quote collected from a machine.
type Evidence struct {
	PCRs map[string]string
}

// Digest returns a stable SHA-256 over the measured values, used to tie a
// persisted report to the exact evidence it judged.
func (e Evidence) Digest() string {
	indices := make([]string, 0, len(e.PCRs))
	for idx := range e.PCRs {
		indices = append(indices, idx)
	}
	sort.Strings(indices)

	h := sha256.New()
	for _, idx := range indices {
		h.Write([]byte(idx))
		h.Write([]byte{0})
		h.Write([]byte(e.PCRs[idx]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// QuoteSource retrieves measurement evidence for an entity.
type QuoteSource interface {
	Quote(ctx context.Context, entity lifecycle.Entity) (Evidence, error)
}

// Provider is a measured-boot attestation backend.
type Provider interface {
	Name() string
	Supported() bool
	Quote(ctx context.Context, entity lifecycle.Entity) (Evidence, error)
}

// TPMProvider collects TPM quotes through a QuoteSource.
type TPMProvider struct {
	Source QuoteSource
}

func (p *TPMProvider) Name() string    { return "tpm" }
func (p *TPMProvider) Supported() bool { return true }

func (p *TPMProvider) Quote(ctx context.Context, entity lifecycle.Entity) (Evidence, error) {
	if p.Source == nil {
		return Evidence{}, errors.New("tpm provider has no quote source")
	}
	return p.Source.Quote(ctx, entity)
}

// UnsupportedProvider is used for fleets without measured-boot hardware.
// Entities gated through it stay in Attesting.
type UnsupportedProvider struct{}

func (UnsupportedProvider) Name() string    { return "none" }
func (UnsupportedProvider) Supported() bool { return false }

func (UnsupportedProvider) Quote(ctx context.Context, entity lifecycle.Entity) (Evidence, error) {
	return Evidence{}, errors.New("attestation not supported")
}
