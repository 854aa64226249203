package pairing

import (
	"time"

	"github.com/google/uuid"
)

type expectedMachineModel struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Serial    string     `gorm:"type:text;uniqueIndex"`
	MAC       string     `gorm:"type:text;uniqueIndex"`
	Role      string     `gorm:"type:text;not null"`
	Site      string     `gorm:"type:text;not null"`
	EntityID  *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime"`
}

func (expectedMachineModel) TableName() string { return "expected_machines" }

// ExpectedMachine is an operator-declared machine awaiting pairing.
type ExpectedMachine struct {
	ID       uuid.UUID  `json:"id"`
	Serial   string     `json:"serial,omitempty"`
	MAC      string     `json:"mac,omitempty"`
	Role     string     `json:"role"`
	Site     string     `json:"site"`
	EntityID *uuid.UUID `json:"entity_id,omitempty"`
}

func (m expectedMachineModel) toAPI() ExpectedMachine {
	return ExpectedMachine{
		ID:       m.ID,
		Serial:   m.Serial,
		MAC:      m.MAC,
		Role:     m.Role,
		Site:     m.Site,
		EntityID: m.EntityID,
	}
}
