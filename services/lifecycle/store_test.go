package lifecycle

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"metald/pkg/db"
)

// Store tests need a real Postgres; they are gated on METALD_TEST_DB_DSN and
// skipped otherwise.
func testStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := os.Getenv("METALD_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("METALD_TEST_DB_DSN not set")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	orm, err := db.OpenORM(dsn)
	if err != nil {
		t.Fatalf("open orm: %v", err)
	}

	store, err := NewStore(orm, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, orm
}

func seedEndpoint(t *testing.T, orm *gorm.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := orm.Exec(
		"INSERT INTO endpoints (id, address) VALUES (?, ?)",
		id, "https://bmc-"+id.String(),
	).Error
	if err != nil {
		t.Fatalf("seed endpoint: %v", err)
	}
	return id
}

func TestTransitionRejectedIsLedgered(t *testing.T) {
	store, orm := testStore(t)
	ctx := context.Background()
	epID := seedEndpoint(t, orm)

	entity, err := store.Create(ctx, KindHost, "host-"+epID.String(), epID, "paired from endpoint")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Transition(ctx, entity.ID, StatePaired, "matched expected machine"); err != nil {
		t.Fatalf("Transition to paired: %v", err)
	}

	_, err = store.Transition(ctx, entity.ID, StateReady, "skipping the pipeline")
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("err = %v, want IllegalTransitionError", err)
	}
	if illegal.From != StatePaired || illegal.To != StateReady {
		t.Errorf("illegal transition %s -> %s, want paired -> ready", illegal.From, illegal.To)
	}

	got, err := store.Get(ctx, entity.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StatePaired {
		t.Errorf("state = %s, rejected transition must not change it", got.State)
	}

	history, err := store.History(ctx, entity.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("ledger rows = %d, want creation, paired, and the rejected attempt", len(history))
	}
	last := history[2]
	if last.Accepted {
		t.Error("rejected attempt ledgered with accepted = true")
	}
	if last.From != StatePaired || last.To != StateReady {
		t.Errorf("rejected row %s -> %s, want paired -> ready", last.From, last.To)
	}
}

func TestCreateWithRollsBackOnStepFailure(t *testing.T) {
	store, orm := testStore(t)
	ctx := context.Background()
	epID := seedEndpoint(t, orm)

	boom := errors.New("claim lost")
	_, err := store.CreateWith(ctx, KindHost, "host-"+epID.String(), epID, "paired from endpoint",
		func(tx *gorm.DB, entity Entity) error {
			return boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the step failure", err)
	}

	if _, err := store.GetByEndpoint(ctx, epID); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("GetByEndpoint err = %v, entity persisted despite failed step", err)
	}
}

func TestCreateWithRunsStepInSameTransaction(t *testing.T) {
	store, orm := testStore(t)
	ctx := context.Background()
	epID := seedEndpoint(t, orm)

	entity, err := store.CreateWith(ctx, KindHost, "host-"+epID.String(), epID, "paired from endpoint",
		func(tx *gorm.DB, entity Entity) error {
			// The entity row must be visible to the step before commit.
			var count int64
			if err := tx.Model(&entityModel{}).Where("id = ?", entity.ID).Count(&count).Error; err != nil {
				return err
			}
			if count != 1 {
				return errors.New("entity row not visible inside transaction")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("CreateWith: %v", err)
	}

	got, err := store.Get(ctx, entity.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateDiscovered {
		t.Errorf("state = %s, want discovered", got.State)
	}
}
