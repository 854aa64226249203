package attest

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"metald/services/lifecycle"
)

type fakeEntityStore struct {
	mu          sync.Mutex
	entities    map[uuid.UUID]*lifecycle.Entity
	transitions []lifecycle.Transition
}

func newFakeEntityStore(entities ...lifecycle.Entity) *fakeEntityStore {
	store := &fakeEntityStore{entities: make(map[uuid.UUID]*lifecycle.Entity)}
	for i := range entities {
		e := entities[i]
		store.entities[e.ID] = &e
	}
	return store
}

func (f *fakeEntityStore) List(ctx context.Context, states ...lifecycle.State) ([]lifecycle.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []lifecycle.Entity
	for _, e := range f.entities {
		for _, st := range states {
			if e.State == st {
				out = append(out, *e)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeEntityStore) Transition(ctx context.Context, entityID uuid.UUID, to lifecycle.State, cause string) (lifecycle.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entity, ok := f.entities[entityID]
	if !ok {
		return lifecycle.Transition{}, lifecycle.ErrEntityNotFound
	}
	tr := lifecycle.Transition{EntityID: entityID, From: entity.State, To: to, Cause: cause, Accepted: true}
	entity.State = to
	f.transitions = append(f.transitions, tr)
	return tr, nil
}

func (f *fakeEntityStore) stateOf(id uuid.UUID) lifecycle.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[id].State
}

func (f *fakeEntityStore) recorded() []lifecycle.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lifecycle.Transition(nil), f.transitions...)
}

type fakeReports struct {
	mu   sync.Mutex
	rows []Report
}

func (f *fakeReports) insert(ctx context.Context, m reportModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, m.toAPI())
	return nil
}

func (f *fakeReports) latest(ctx context.Context, entityID uuid.UUID) (Report, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].EntityID == entityID {
			return f.rows[i], true, nil
		}
	}
	return Report{}, false, nil
}

func (f *fakeReports) byEntity(ctx context.Context, entityID uuid.UUID) ([]Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Report
	for _, r := range f.rows {
		if r.EntityID == entityID {
			out = append(out, r)
		}
	}
	return out, nil
}

type stubProvider struct {
	evidence Evidence
	err      error
}

func (stubProvider) Name() string    { return "stub" }
func (stubProvider) Supported() bool { return true }

func (p stubProvider) Quote(ctx context.Context, entity lifecycle.Entity) (Evidence, error) {
	return p.evidence, p.err
}

func testGate(t *testing.T, entities EntityStore, provider Provider) (*Gate, *fakeReports) {
	t.Helper()
	reports := &fakeReports{}
	gate := &Gate{
		reports:  reports,
		entities: entities,
		provider: provider,
		policy:   Policy{PCRs: map[string]string{"0": "aa11", "7": "bb22"}},
		logger:   log.New(io.Discard, "", 0),
	}
	return gate, reports
}

func goodEvidence() Evidence {
	return Evidence{PCRs: map[string]string{"0": "aa11", "7": "bb22"}}
}

func pairedEntity() lifecycle.Entity {
	return lifecycle.Entity{
		ID:        uuid.New(),
		Kind:      lifecycle.KindHost,
		Name:      "SN200",
		State:     lifecycle.StatePaired,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestCheckAllAdmitsPairedEntities(t *testing.T) {
	entity := pairedEntity()
	entities := newFakeEntityStore(entity)
	gate, reports := testGate(t, entities, stubProvider{evidence: goodEvidence()})

	gate.checkAll(context.Background())

	if got := entities.stateOf(entity.ID); got != lifecycle.StateAttested {
		t.Fatalf("state = %s, want attested", got)
	}

	recorded := entities.recorded()
	if len(recorded) != 2 {
		t.Fatalf("transitions = %d, want 2 (attesting then attested)", len(recorded))
	}
	if recorded[0].To != lifecycle.StateAttesting {
		t.Errorf("first transition to %s, want attesting", recorded[0].To)
	}
	if recorded[1].To != lifecycle.StateAttested {
		t.Errorf("second transition to %s, want attested", recorded[1].To)
	}

	history, err := reports.byEntity(context.Background(), entity.ID)
	if err != nil {
		t.Fatalf("byEntity: %v", err)
	}
	if len(history) != 1 || history[0].Verdict != VerdictVerified {
		t.Errorf("reports = %v, want one verified report", history)
	}
}

func TestCheckQuoteFaultKeepsEntityAttesting(t *testing.T) {
	entity := pairedEntity()
	entity.State = lifecycle.StateAttesting
	entities := newFakeEntityStore(entity)
	gate, reports := testGate(t, entities, stubProvider{err: errors.New("bmc unreachable")})

	for i := 0; i < 3; i++ {
		gate.checkAll(context.Background())
	}

	if got := entities.stateOf(entity.ID); got != lifecycle.StateAttesting {
		t.Fatalf("state = %s, want attesting after quote fault", got)
	}
	if recorded := entities.recorded(); len(recorded) != 0 {
		t.Errorf("transitions = %v, want none for a transient fault", recorded)
	}

	history, err := reports.byEntity(context.Background(), entity.ID)
	if err != nil {
		t.Fatalf("byEntity: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("reports = %d, want identical faults recorded once", len(history))
	}
	if history[0].Verdict != VerdictFailed || history[0].Detail != "quote: bmc unreachable" {
		t.Errorf("report = %+v, want failed quote detail", history[0])
	}
}

func TestCheckPolicyMismatchFailsAttestation(t *testing.T) {
	entity := pairedEntity()
	entity.State = lifecycle.StateAttesting
	entities := newFakeEntityStore(entity)
	gate, reports := testGate(t, entities, stubProvider{
		evidence: Evidence{PCRs: map[string]string{"0": "aa11", "7": "ffff"}},
	})

	if _, err := gate.Check(context.Background(), entity); err != nil {
		t.Fatalf("Check: %v", err)
	}

	if got := entities.stateOf(entity.ID); got != lifecycle.StateAttestationFailed {
		t.Fatalf("state = %s, want attestation_failed", got)
	}
	history, _ := reports.byEntity(context.Background(), entity.ID)
	if len(history) != 1 || history[0].Verdict != VerdictFailed {
		t.Fatalf("reports = %v, want one failed report", history)
	}
	if history[0].Detail != "pcr 7 mismatch" {
		t.Errorf("detail = %q, want the mismatched pcr named", history[0].Detail)
	}
}

func TestCheckUnsupportedProviderRecordsOnce(t *testing.T) {
	entity := pairedEntity()
	entity.State = lifecycle.StateAttesting
	entities := newFakeEntityStore(entity)
	gate, reports := testGate(t, entities, UnsupportedProvider{})

	for i := 0; i < 5; i++ {
		gate.checkAll(context.Background())
	}

	if got := entities.stateOf(entity.ID); got != lifecycle.StateAttesting {
		t.Fatalf("state = %s, want attesting", got)
	}
	if recorded := entities.recorded(); len(recorded) != 0 {
		t.Errorf("transitions = %v, want none", recorded)
	}

	history, err := reports.byEntity(context.Background(), entity.ID)
	if err != nil {
		t.Fatalf("byEntity: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("reports = %d, want a single unsupported report", len(history))
	}
	if history[0].Verdict != VerdictUnsupported {
		t.Errorf("verdict = %s, want unsupported", history[0].Verdict)
	}
}

func TestRecordOnceRecordsRecovery(t *testing.T) {
	entity := pairedEntity()
	entity.State = lifecycle.StateAttesting
	entities := newFakeEntityStore(entity)
	gate, reports := testGate(t, entities, stubProvider{err: errors.New("bmc unreachable")})

	gate.checkAll(context.Background())
	gate.provider = stubProvider{evidence: goodEvidence()}
	gate.checkAll(context.Background())

	history, err := reports.byEntity(context.Background(), entity.ID)
	if err != nil {
		t.Fatalf("byEntity: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("reports = %d, want fault then verified", len(history))
	}
	if history[1].Verdict != VerdictVerified {
		t.Errorf("second verdict = %s, want verified", history[1].Verdict)
	}
	if got := entities.stateOf(entity.ID); got != lifecycle.StateAttested {
		t.Errorf("state = %s, want attested after recovery", got)
	}
}
