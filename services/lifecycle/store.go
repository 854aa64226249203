package lifecycle

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"metald/pkg/bus"
	"metald/pkg/telemetry"
)

// TransitionsSubject carries every recorded transition for external consumers.
const TransitionsSubject = "metald.lifecycle.transitions"

// ErrEntityNotFound is returned when an entity id does not exist in the store.
var ErrEntityNotFound = errors.New("entity not found")

// Store owns managed entities and their append-only transition ledger.
// All state changes go through Transition; writes for a given entity are
// serialized with a per-entity lock rather than a store-wide one.
type Store struct {
	orm    *gorm.DB
	bus    *bus.Bus
	logger *log.Logger

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewStore creates a Store bound to the provided dependencies. The bus is
// optional; without it transitions are recorded but not published.
func NewStore(orm *gorm.DB, eventBus *bus.Bus, logger *log.Logger) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		orm:    orm,
		bus:    eventBus,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(entityID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[entityID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[entityID] = mu
	}
	return mu
}

// Create inserts a new entity in the Discovered state and records the
// creation in the ledger. endpointID links the entity to the explored
// endpoint it was paired from.
func (s *Store) Create(ctx context.Context, kind Kind, name string, endpointID uuid.UUID, cause string) (Entity, error) {
	return s.CreateWith(ctx, kind, name, endpointID, cause, nil)
}

// CreateWith is Create with an extra step run inside the same transaction.
// Callers that must couple their own writes to the creation, such as claiming
// an inventory row, pass fn; if fn fails the entity rolls back with it. The
// creation event publishes only after commit.
func (s *Store) CreateWith(ctx context.Context, kind Kind, name string, endpointID uuid.UUID, cause string, fn func(tx *gorm.DB, entity Entity) error) (Entity, error) {
	if !ValidKind(kind) {
		return Entity{}, errors.New("unsupported entity kind: " + string(kind))
	}
	if name == "" {
		return Entity{}, errors.New("entity name is required")
	}

	now := time.Now().UTC()
	epID := endpointID
	model := entityModel{
		ID:         uuid.New(),
		Kind:       string(kind),
		Name:       name,
		State:      string(StateDiscovered),
		EndpointID: &epID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	record := transitionModel{
		ID:       uuid.New(),
		EntityID: model.ID,
		ToState:  string(StateDiscovered),
		Cause:    cause,
		Accepted: true,
		At:       now,
	}

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if fn != nil {
			return fn(tx, model.toAPI())
		}
		return nil
	})
	if err != nil {
		return Entity{}, err
	}

	s.publish(ctx, record.toAPI())
	return model.toAPI(), nil
}

// Transition moves an entity to a new state. The request is validated against
// the transition table; both accepted and rejected attempts are appended to
// the ledger. A rejected attempt leaves the entity state untouched and
// returns an IllegalTransitionError.
func (s *Store) Transition(ctx context.Context, entityID uuid.UUID, to State, cause string) (Transition, error) {
	mu := s.lockFor(entityID)
	mu.Lock()
	defer mu.Unlock()

	var record transitionModel
	var illegal *IllegalTransitionError

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entity entityModel
		if err := tx.First(&entity, "id = ?", entityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntityNotFound
			}
			return err
		}

		from := State(entity.State)
		accepted := legalTransition(from, to)
		record = transitionModel{
			ID:        uuid.New(),
			EntityID:  entityID,
			FromState: string(from),
			ToState:   string(to),
			Cause:     cause,
			Accepted:  accepted,
			At:        time.Now().UTC(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if !accepted {
			illegal = &IllegalTransitionError{EntityID: entityID.String(), From: from, To: to}
			return nil
		}

		updates := map[string]any{
			"state":      string(to),
			"updated_at": record.At,
		}
		return tx.Model(&entityModel{}).Where("id = ?", entityID).Updates(updates).Error
	})
	if err != nil {
		return Transition{}, err
	}

	s.publish(ctx, record.toAPI())
	if illegal != nil {
		s.logger.Printf("[ERROR] rejected transition %s -> %s for entity %s: %s", illegal.From, illegal.To, entityID, cause)
		return record.toAPI(), illegal
	}
	return record.toAPI(), nil
}

// SetNeedsAttention flags an entity for operator review without changing its
// lifecycle state.
func (s *Store) SetNeedsAttention(ctx context.Context, entityID uuid.UUID, needs bool) error {
	res := s.orm.WithContext(ctx).Model(&entityModel{}).
		Where("id = ?", entityID).
		Updates(map[string]any{"needs_attention": needs, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEntityNotFound
	}
	return nil
}

// Get returns a single entity by id.
func (s *Store) Get(ctx context.Context, entityID uuid.UUID) (Entity, error) {
	var model entityModel
	if err := s.orm.WithContext(ctx).First(&model, "id = ?", entityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entity{}, ErrEntityNotFound
		}
		return Entity{}, err
	}
	return model.toAPI(), nil
}

// GetByEndpoint returns the entity paired to the given explored endpoint.
func (s *Store) GetByEndpoint(ctx context.Context, endpointID uuid.UUID) (Entity, error) {
	var model entityModel
	if err := s.orm.WithContext(ctx).First(&model, "endpoint_id = ?", endpointID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entity{}, ErrEntityNotFound
		}
		return Entity{}, err
	}
	return model.toAPI(), nil
}

// List returns all entities, optionally filtered by state.
func (s *Store) List(ctx context.Context, states ...State) ([]Entity, error) {
	query := s.orm.WithContext(ctx).Order("created_at ASC")
	if len(states) > 0 {
		values := make([]string, 0, len(states))
		for _, st := range states {
			values = append(values, string(st))
		}
		query = query.Where("state IN ?", values)
	}

	var models []entityModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// History returns the full transition ledger for an entity, oldest first.
func (s *Store) History(ctx context.Context, entityID uuid.UUID) ([]Transition, error) {
	var models []transitionModel
	err := s.orm.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]Transition, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

func (s *Store) publish(ctx context.Context, tr Transition) {
	telemetry.TransitionsTotal.WithLabelValues(string(tr.To), strconv.FormatBool(tr.Accepted)).Inc()
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, TransitionsSubject, tr); err != nil {
		s.logger.Printf("[WARN] publish transition %s: %v", tr.ID, err)
	}
}
