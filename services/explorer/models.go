package explorer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type endpointModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Address      string            `gorm:"type:text;uniqueIndex;not null"`
	Kind         string            `gorm:"type:text"`
	Serial       string            `gorm:"type:text;index"`
	MAC          string            `gorm:"type:text;index"`
	Manufacturer string            `gorm:"type:text"`
	Model        string            `gorm:"type:text"`
	Capabilities datatypes.JSONMap `gorm:"type:jsonb"`
	Paired       bool              `gorm:"not null;default:false"`
	LastError    string            `gorm:"type:text"`
	LastSeenAt   *time.Time        `gorm:"type:timestamptz"`
	CreatedAt    time.Time         `gorm:"autoCreateTime"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime"`
}

func (endpointModel) TableName() string { return "endpoints" }

// Endpoint is the API representation of an explored management endpoint.
type Endpoint struct {
	ID           uuid.UUID      `json:"id"`
	Address      string         `json:"address"`
	Kind         string         `json:"kind"`
	Serial       string         `json:"serial,omitempty"`
	MAC          string         `json:"mac,omitempty"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Paired       bool           `json:"paired"`
	LastError    string         `json:"last_error,omitempty"`
	LastSeenAt   *time.Time     `json:"last_seen_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (m endpointModel) toAPI() Endpoint {
	return Endpoint{
		ID:           m.ID,
		Address:      m.Address,
		Kind:         m.Kind,
		Serial:       m.Serial,
		MAC:          m.MAC,
		Manufacturer: m.Manufacturer,
		Model:        m.Model,
		Capabilities: m.Capabilities,
		Paired:       m.Paired,
		LastError:    m.LastError,
		LastSeenAt:   m.LastSeenAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
