package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

type entityModel struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Kind           string     `gorm:"type:text;not null"`
	Name           string     `gorm:"type:text;not null"`
	State          string     `gorm:"type:text;not null"`
	EndpointID     *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	NeedsAttention bool       `gorm:"not null;default:false"`
	CreatedAt      time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (entityModel) TableName() string { return "entities" }

func (m entityModel) toAPI() Entity {
	return Entity{
		ID:             m.ID,
		Kind:           Kind(m.Kind),
		Name:           m.Name,
		State:          State(m.State),
		EndpointID:     m.EndpointID,
		NeedsAttention: m.NeedsAttention,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

type transitionModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntityID  uuid.UUID `gorm:"type:uuid;not null;index"`
	FromState string    `gorm:"type:text;not null"`
	ToState   string    `gorm:"type:text;not null"`
	Cause     string    `gorm:"type:text"`
	Accepted  bool      `gorm:"not null"`
	At        time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

func (transitionModel) TableName() string { return "transitions" }

func (m transitionModel) toAPI() Transition {
	return Transition{
		ID:       m.ID,
		EntityID: m.EntityID,
		From:     State(m.FromState),
		To:       State(m.ToState),
		Cause:    m.Cause,
		Accepted: m.Accepted,
		At:       m.At,
	}
}

// Entity is a paired, tracked machine, DPU, switch or power shelf.
type Entity struct {
	ID             uuid.UUID  `json:"id"`
	Kind           Kind       `json:"kind"`
	Name           string     `json:"name"`
	State          State      `json:"state"`
	EndpointID     *uuid.UUID `json:"endpoint_id,omitempty"`
	NeedsAttention bool       `json:"needs_attention"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Transition is one recorded lifecycle change, accepted or rejected.
type Transition struct {
	ID       uuid.UUID `json:"id"`
	EntityID uuid.UUID `json:"entity_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Cause    string    `json:"cause"`
	Accepted bool      `json:"accepted"`
	At       time.Time `json:"at"`
}
