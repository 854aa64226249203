package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Endpoint struct {
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
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type ExpectedMachine struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Serial    string     `gorm:"type:text;uniqueIndex"`
	MAC       string     `gorm:"type:text;uniqueIndex"`
	Role      string     `gorm:"type:text;not null"`
	Site      string     `gorm:"type:text;not null"`
	EntityID  *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	CreatedAt time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Entity struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Kind           string     `gorm:"type:text;not null"`
	Name           string     `gorm:"type:text;not null"`
	State          string     `gorm:"type:text;not null"`
	EndpointID     *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	NeedsAttention bool       `gorm:"not null;default:false"`
	CreatedAt      time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Endpoint       Endpoint   `gorm:"foreignKey:EndpointID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type Transition struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntityID  uuid.UUID `gorm:"type:uuid;not null;index"`
	FromState string    `gorm:"type:text;not null"`
	ToState   string    `gorm:"type:text;not null"`
	Cause     string    `gorm:"type:text"`
	Accepted  bool      `gorm:"not null"`
	At        time.Time `gorm:"type:timestamptz;not null;default:now()"`
	Entity    Entity    `gorm:"foreignKey:EntityID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type AttestationReport struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntityID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Verdict        string    `gorm:"type:text;not null"`
	EvidenceDigest string    `gorm:"type:text"`
	Detail         string    `gorm:"type:text"`
	At             time.Time `gorm:"type:timestamptz;not null;default:now()"`
	Entity         Entity    `gorm:"foreignKey:EntityID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Endpoint{},
		&ExpectedMachine{},
		&Entity{},
		&Transition{},
		&AttestationReport{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&Entity{}, "Endpoint"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Transition{}, "Entity"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&AttestationReport{}, "Entity"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&AttestationReport{},
		&Transition{},
		&Entity{},
		&ExpectedMachine{},
		&Endpoint{},
	); err != nil {
		return err
	}

	return nil
}
