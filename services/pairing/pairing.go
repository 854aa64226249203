package pairing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"metald/pkg/telemetry"
	"metald/services/explorer"
	"metald/services/lifecycle"
)

// Pairer matches explored endpoints against the expected-machine inventory
// and creates managed entities for them.
type Pairer struct {
	orm       *gorm.DB
	lifecycle *lifecycle.Store
	logger    *log.Logger
}

// New creates a Pairer.
func New(orm *gorm.DB, lc *lifecycle.Store, logger *log.Logger) (*Pairer, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if lc == nil {
		return nil, errors.New("lifecycle store is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pairer{orm: orm, lifecycle: lc, logger: logger}, nil
}

// Pair scans unpaired endpoints and tries to match each against the expected
// machines. A serial match is preferred; MAC is the fallback. Ambiguous or
// missing matches leave the endpoint unpaired with the reason recorded.
func (p *Pairer) Pair(ctx context.Context) error {
	endpoints, err := p.unpairedEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("list unpaired endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	machines, err := p.unclaimedMachines(ctx)
	if err != nil {
		return fmt.Errorf("list expected machines: %w", err)
	}

	for _, ep := range endpoints {
		machine, reason := matchExpected(ep, machines)
		if machine == nil {
			p.recordReason(ctx, ep.ID, reason)
			telemetry.PairingsTotal.WithLabelValues("rejected").Inc()
			continue
		}

		if err := p.pairOne(ctx, ep, *machine); err != nil {
			p.logger.Printf("[ERROR] pair endpoint %s: %v", ep.Address, err)
			p.recordReason(ctx, ep.ID, err.Error())
			telemetry.PairingsTotal.WithLabelValues("error").Inc()
			continue
		}
		telemetry.PairingsTotal.WithLabelValues("paired").Inc()

		// Claimed machines drop out of the candidate set for the rest of
		// the scan.
		machines = without(machines, machine.ID)
	}

	return nil
}

// matchExpected finds the expected machine for an endpoint. Exact serial
// match wins; MAC match is the fallback. More than one candidate is an
// ambiguity and pairs nothing.
func matchExpected(ep explorer.Endpoint, machines []ExpectedMachine) (*ExpectedMachine, string) {
	var bySerial, byMAC []ExpectedMachine

	for _, m := range machines {
		if ep.Serial != "" && m.Serial != "" && strings.EqualFold(ep.Serial, m.Serial) {
			bySerial = append(bySerial, m)
		}
		if ep.MAC != "" && m.MAC != "" && strings.EqualFold(ep.MAC, m.MAC) {
			byMAC = append(byMAC, m)
		}
	}

	switch {
	case len(bySerial) == 1:
		return &bySerial[0], ""
	case len(bySerial) > 1:
		return nil, fmt.Sprintf("ambiguous pairing: %d expected machines share serial %s", len(bySerial), ep.Serial)
	case len(byMAC) == 1:
		return &byMAC[0], ""
	case len(byMAC) > 1:
		return nil, fmt.Sprintf("ambiguous pairing: %d expected machines share mac %s", len(byMAC), ep.MAC)
	default:
		return nil, "no expected machine matches this endpoint"
	}
}

func without(machines []ExpectedMachine, id uuid.UUID) []ExpectedMachine {
	out := make([]ExpectedMachine, 0, len(machines))
	for _, m := range machines {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// pairOne creates the managed entity, claims the expected machine, marks the
// endpoint paired, and records Discovered -> Paired in the ledger.
func (p *Pairer) pairOne(ctx context.Context, ep explorer.Endpoint, machine ExpectedMachine) error {
	kind := lifecycle.Kind(ep.Kind)
	if !lifecycle.ValidKind(kind) {
		kind = lifecycle.KindHost
	}

	name := machine.Serial
	if name == "" {
		name = machine.MAC
	}

	// The claim and the entity creation share one transaction: a claim that
	// loses the race rolls the entity back instead of leaving an orphan
	// holding the endpoint's unique index.
	entity, err := p.lifecycle.CreateWith(ctx, kind, name, ep.ID, "paired from endpoint "+ep.Address,
		func(tx *gorm.DB, entity lifecycle.Entity) error {
			res := tx.Model(&expectedMachineModel{}).
				Where("id = ? AND entity_id IS NULL", machine.ID).
				Updates(map[string]any{"entity_id": entity.ID, "updated_at": time.Now().UTC()})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errors.New("expected machine already claimed")
			}

			return tx.Table("endpoints").
				Where("id = ? AND paired = false", ep.ID).
				Updates(map[string]any{"paired": true, "last_error": "", "updated_at": time.Now().UTC()}).Error
		})
	if err != nil {
		return fmt.Errorf("create entity and claim machine: %w", err)
	}

	if _, err := p.lifecycle.Transition(ctx, entity.ID, lifecycle.StatePaired, "matched expected machine "+machine.ID.String()); err != nil {
		return fmt.Errorf("transition to paired: %w", err)
	}

	return nil
}

func (p *Pairer) unpairedEndpoints(ctx context.Context) ([]explorer.Endpoint, error) {
	store, err := explorer.NewStore(p.orm)
	if err != nil {
		return nil, err
	}
	paired := false
	return store.List(ctx, &paired)
}

func (p *Pairer) unclaimedMachines(ctx context.Context) ([]ExpectedMachine, error) {
	var models []expectedMachineModel
	err := p.orm.WithContext(ctx).
		Where("entity_id IS NULL").
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]ExpectedMachine, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

func (p *Pairer) recordReason(ctx context.Context, endpointID uuid.UUID, reason string) {
	if reason == "" {
		return
	}
	err := p.orm.WithContext(ctx).Table("endpoints").
		Where("id = ?", endpointID).
		Updates(map[string]any{"last_error": reason, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		p.logger.Printf("[WARN] record pairing reason: %v", err)
	}
}

// Run pairs on every interval tick until ctx is done.
func (p *Pairer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.Pair(ctx); err != nil {
			p.logger.Printf("[ERROR] pairing scan: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
