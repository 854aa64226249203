package explorer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEndpointNotFound is returned when an endpoint id does not exist.
var ErrEndpointNotFound = errors.New("endpoint not found")

// Store persists explored endpoints.
type Store struct {
	orm *gorm.DB
}

// NewStore creates a Store over the given gorm handle.
func NewStore(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm}, nil
}

// RecordIdentity upserts the endpoint row keyed by address with the probed
// identity and clears any prior error.
func (s *Store) RecordIdentity(ctx context.Context, target Target, id Identity) error {
	now := time.Now().UTC()
	mac := ""
	if len(id.MACs) > 0 {
		mac = id.MACs[0]
	}

	model := endpointModel{
		ID:           uuid.New(),
		Address:      target.Address,
		Kind:         id.Kind,
		Serial:       id.Serial,
		MAC:          mac,
		Manufacturer: id.Manufacturer,
		Model:        id.Model,
		Capabilities: id.Capabilities,
		LastSeenAt:   &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return s.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "serial", "mac", "manufacturer", "model",
			"capabilities", "last_error", "last_seen_at", "updated_at",
		}),
	}).Create(&model).Error
}

// RecordFailure upserts the endpoint row with the failure reason so operators
// can see which targets are unreachable.
func (s *Store) RecordFailure(ctx context.Context, target Target, cause error) error {
	now := time.Now().UTC()
	model := endpointModel{
		ID:        uuid.New(),
		Address:   target.Address,
		Kind:      target.Kind,
		LastError: cause.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	return s.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_error", "updated_at"}),
	}).Create(&model).Error
}

// Get returns a single endpoint by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Endpoint, error) {
	var model endpointModel
	if err := s.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Endpoint{}, ErrEndpointNotFound
		}
		return Endpoint{}, err
	}
	return model.toAPI(), nil
}

// List returns explored endpoints, optionally filtered by pairing status.
func (s *Store) List(ctx context.Context, paired *bool) ([]Endpoint, error) {
	query := s.orm.WithContext(ctx).Order("address ASC")
	if paired != nil {
		query = query.Where("paired = ?", *paired)
	}

	var models []endpointModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Endpoint, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}
