package attest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"metald/pkg/telemetry"
	"metald/services/lifecycle"
)

// Verdict is the outcome of an attestation check.
type Verdict string

const (
	VerdictVerified    Verdict = "verified"
	VerdictFailed      Verdict = "failed"
	VerdictUnsupported Verdict = "unsupported"
)

type reportModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntityID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Verdict        string    `gorm:"type:text;not null"`
	EvidenceDigest string    `gorm:"type:text"`
	Detail         string    `gorm:"type:text"`
	At             time.Time `gorm:"not null"`
}

func (reportModel) TableName() string { return "attestation_reports" }

// Report is a persisted attestation outcome.
type Report struct {
	ID             uuid.UUID `json:"id"`
	EntityID       uuid.UUID `json:"entity_id"`
	Verdict        Verdict   `json:"verdict"`
	EvidenceDigest string    `json:"evidence_digest,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

func (m reportModel) toAPI() Report {
	return Report{
		ID:             m.ID,
		EntityID:       m.EntityID,
		Verdict:        Verdict(m.Verdict),
		EvidenceDigest: m.EvidenceDigest,
		Detail:         m.Detail,
		At:             m.At,
	}
}

// EntityStore is the slice of the lifecycle store the gate drives.
type EntityStore interface {
	List(ctx context.Context, states ...lifecycle.State) ([]lifecycle.Entity, error)
	Transition(ctx context.Context, entityID uuid.UUID, to lifecycle.State, cause string) (lifecycle.Transition, error)
}

// reportStore persists and reads attestation reports.
type reportStore interface {
	insert(ctx context.Context, m reportModel) error
	latest(ctx context.Context, entityID uuid.UUID) (Report, bool, error)
	byEntity(ctx context.Context, entityID uuid.UUID) ([]Report, error)
}

type gormReports struct {
	orm *gorm.DB
}

func (s gormReports) insert(ctx context.Context, m reportModel) error {
	if err := s.orm.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("persist attestation report: %w", err)
	}
	return nil
}

func (s gormReports) latest(ctx context.Context, entityID uuid.UUID) (Report, bool, error) {
	var model reportModel
	err := s.orm.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}
	return model.toAPI(), true, nil
}

func (s gormReports) byEntity(ctx context.Context, entityID uuid.UUID) ([]Report, error) {
	var models []reportModel
	err := s.orm.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]Report, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// Gate admits paired entities into attestation, runs checks on entities in
// the Attesting state, and drives the resulting transitions.
type Gate struct {
	reports  reportStore
	entities EntityStore
	provider Provider
	policy   Policy
	logger   *log.Logger
}

// NewGate creates a Gate using the given provider and golden-values policy.
func NewGate(orm *gorm.DB, entities EntityStore, provider Provider, policy Policy, logger *log.Logger) (*Gate, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if entities == nil {
		return nil, errors.New("entity store is required")
	}
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Gate{
		reports:  gormReports{orm: orm},
		entities: entities,
		provider: provider,
		policy:   policy,
		logger:   logger,
	}, nil
}

// Check attests a single entity. Verified moves the entity to Attested and a
// policy mismatch moves it to AttestationFailed. A failed quote is treated as
// transient: the fault is reported but the entity stays in Attesting and is
// retried on the next tick. An unsupported provider also leaves the entity in
// Attesting. Repeated identical outcomes reuse the latest report instead of
// appending a new row per tick.
func (g *Gate) Check(ctx context.Context, entity lifecycle.Entity) (Report, error) {
	if !g.provider.Supported() {
		return g.recordOnce(ctx, entity.ID, VerdictUnsupported, "", "provider "+g.provider.Name()+" does not support attestation")
	}

	evidence, err := g.provider.Quote(ctx, entity)
	if err != nil {
		return g.recordOnce(ctx, entity.ID, VerdictFailed, "", "quote: "+err.Error())
	}

	ok, detail := g.policy.Evaluate(evidence)
	verdict := VerdictVerified
	next := lifecycle.StateAttested
	cause := "measurements match golden values"
	if !ok {
		verdict = VerdictFailed
		next = lifecycle.StateAttestationFailed
		cause = detail
	}

	report, err := g.record(ctx, entity.ID, verdict, evidence.Digest(), detail)
	if err != nil {
		return Report{}, err
	}
	if _, err := g.entities.Transition(ctx, entity.ID, next, cause); err != nil {
		return report, err
	}
	return report, nil
}

// Run admits Paired entities and checks every Attesting entity on each
// interval tick until ctx is done.
func (g *Gate) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		g.checkAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gate) checkAll(ctx context.Context) {
	g.admitPaired(ctx)

	entities, err := g.entities.List(ctx, lifecycle.StateAttesting)
	if err != nil {
		g.logger.Printf("[ERROR] list attesting entities: %v", err)
		return
	}
	for _, entity := range entities {
		if _, err := g.Check(ctx, entity); err != nil {
			g.logger.Printf("[ERROR] attest entity %s: %v", entity.ID, err)
		}
	}
}

// admitPaired moves freshly paired entities into Attesting so the same tick
// picks them up for checking.
func (g *Gate) admitPaired(ctx context.Context) {
	entities, err := g.entities.List(ctx, lifecycle.StatePaired)
	if err != nil {
		g.logger.Printf("[ERROR] list paired entities: %v", err)
		return
	}
	for _, entity := range entities {
		if _, err := g.entities.Transition(ctx, entity.ID, lifecycle.StateAttesting, "attestation started"); err != nil {
			g.logger.Printf("[ERROR] admit entity %s into attestation: %v", entity.ID, err)
		}
	}
}

// recordOnce persists a report unless the latest report for the entity
// already carries the same verdict and detail, so entities parked in
// Attesting do not accrete one identical row per tick.
func (g *Gate) recordOnce(ctx context.Context, entityID uuid.UUID, verdict Verdict, digest, detail string) (Report, error) {
	last, ok, err := g.reports.latest(ctx, entityID)
	if err != nil {
		return Report{}, err
	}
	if ok && last.Verdict == verdict && last.Detail == detail {
		return last, nil
	}
	return g.record(ctx, entityID, verdict, digest, detail)
}

func (g *Gate) record(ctx context.Context, entityID uuid.UUID, verdict Verdict, digest, detail string) (Report, error) {
	model := reportModel{
		ID:             uuid.New(),
		EntityID:       entityID,
		Verdict:        string(verdict),
		EvidenceDigest: digest,
		Detail:         detail,
		At:             time.Now().UTC(),
	}
	if err := g.reports.insert(ctx, model); err != nil {
		return Report{}, err
	}
	telemetry.AttestationsTotal.WithLabelValues(string(verdict)).Inc()
	return model.toAPI(), nil
}

// Reports returns the attestation history for an entity, oldest first.
func (g *Gate) Reports(ctx context.Context, entityID uuid.UUID) ([]Report, error) {
	return g.reports.byEntity(ctx, entityID)
}
