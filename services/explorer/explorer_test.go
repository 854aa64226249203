package explorer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"metald/services/creds"
)

type fakeStore struct {
	mu         sync.Mutex
	identities map[string]Identity
	failures   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities: make(map[string]Identity),
		failures:   make(map[string]string),
	}
}

func (f *fakeStore) RecordIdentity(ctx context.Context, target Target, id Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[target.Address] = id
	delete(f.failures, target.Address)
	return nil
}

func (f *fakeStore) RecordFailure(ctx context.Context, target Target, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[target.Address] = cause.Error()
	return nil
}

type fakeProber struct {
	mu      sync.Mutex
	probes  int
	failFor map[string]error
}

func (f *fakeProber) Probe(ctx context.Context, target Target, cred creds.Credential) (Identity, error) {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()
	if err, ok := f.failFor[target.Address]; ok {
		return Identity{}, err
	}
	return Identity{
		Kind:   inferKind(target, "PowerEdge R750"),
		Serial: "SN-" + target.Address,
		MACs:   []string{"aa:bb:cc:dd:ee:ff"},
	}, nil
}

type fakeCreds struct {
	err error
}

func (f *fakeCreds) Resolve(ctx context.Context, req creds.Request) (creds.Credential, error) {
	if f.err != nil {
		return creds.Credential{}, f.err
	}
	return creds.Credential{Username: "admin", Password: "secret"}, nil
}

func TestSweepContinuesPastFailingTargets(t *testing.T) {
	store := newFakeStore()
	prober := &fakeProber{failFor: map[string]error{
		"10.0.0.2": errors.New("connection refused"),
	}}
	targets := []Target{
		{Address: "10.0.0.1", Site: "sjc01"},
		{Address: "10.0.0.2", Site: "sjc01"},
		{Address: "10.0.0.3", Site: "sjc01"},
	}

	e, err := New(store, prober, &fakeCreds{}, targets, 2, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Sweep(context.Background())

	if len(store.identities) != 2 {
		t.Errorf("recorded identities = %d, want 2", len(store.identities))
	}
	if _, ok := store.failures["10.0.0.2"]; !ok {
		t.Error("failing target not recorded as failure")
	}
	if _, ok := store.identities["10.0.0.1"]; !ok {
		t.Error("healthy target 10.0.0.1 missing")
	}
	if _, ok := store.identities["10.0.0.3"]; !ok {
		t.Error("healthy target 10.0.0.3 missing")
	}
}

func TestSweepRecordsCredentialFailure(t *testing.T) {
	store := newFakeStore()
	prober := &fakeProber{}
	targets := []Target{{Address: "10.0.0.9", Site: "sjc01"}}
	source := &fakeCreds{err: &creds.CredentialNotFoundError{
		Attempted: []string{"bmc/sites/sjc01/login"},
	}}

	e, err := New(store, prober, source, targets, 1, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Sweep(context.Background())

	if prober.probes != 0 {
		t.Errorf("probes = %d, want 0 when credentials are missing", prober.probes)
	}
	reason, ok := store.failures["10.0.0.9"]
	if !ok {
		t.Fatal("credential failure not recorded on endpoint")
	}
	if !strings.Contains(reason, "bmc/sites/sjc01/login") {
		t.Errorf("recorded reason %q does not name the attempted scope", reason)
	}
}

func TestInferKind(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		model  string
		want   string
	}{
		{"declared kind wins", Target{Kind: "power_shelf"}, "BlueField-3", "power_shelf"},
		{"bluefield is a dpu", Target{}, "NVIDIA BlueField-3 DPU", "dpu"},
		{"switch by model", Target{}, "SN4700 Switch", "switch"},
		{"default host", Target{}, "PowerEdge R750", "host"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := inferKind(tc.target, tc.model); got != tc.want {
				t.Errorf("inferKind = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLoadTargets(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	t.Run("valid file", func(t *testing.T) {
		path := write("ok.yaml", `
targets:
  - address: https://10.0.0.1
    site: sjc01
    role: compute
  - address: https://10.0.0.2
    site: sjc01
    kind: dpu
`)
		targets, err := LoadTargets(path)
		if err != nil {
			t.Fatalf("LoadTargets: %v", err)
		}
		if len(targets) != 2 {
			t.Fatalf("targets = %d, want 2", len(targets))
		}
		if targets[1].Kind != "dpu" {
			t.Errorf("Kind = %q, want dpu", targets[1].Kind)
		}
	})

	t.Run("duplicate address", func(t *testing.T) {
		path := write("dup.yaml", `
targets:
  - address: https://10.0.0.1
  - address: https://10.0.0.1
`)
		if _, err := LoadTargets(path); err == nil {
			t.Fatal("expected error for duplicate address")
		}
	})

	t.Run("empty address", func(t *testing.T) {
		path := write("empty.yaml", `
targets:
  - site: sjc01
`)
		if _, err := LoadTargets(path); err == nil {
			t.Fatal("expected error for empty address")
		}
	})
}
