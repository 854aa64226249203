package pairing

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"metald/services/explorer"
)

func machine(serial, mac string) ExpectedMachine {
	return ExpectedMachine{ID: uuid.New(), Serial: serial, MAC: mac, Role: "compute", Site: "sjc01"}
}

func TestMatchExpected(t *testing.T) {
	m1 := machine("SN100", "aa:aa:aa:aa:aa:01")
	m2 := machine("SN200", "aa:aa:aa:aa:aa:02")
	m3 := machine("", "aa:aa:aa:aa:aa:03")

	cases := []struct {
		name       string
		endpoint   explorer.Endpoint
		machines   []ExpectedMachine
		wantID     *uuid.UUID
		wantReason string
	}{
		{
			name:     "exact serial match",
			endpoint: explorer.Endpoint{Serial: "SN100", MAC: "ff:ff:ff:ff:ff:ff"},
			machines: []ExpectedMachine{m1, m2, m3},
			wantID:   &m1.ID,
		},
		{
			name:     "serial match is case insensitive",
			endpoint: explorer.Endpoint{Serial: "sn200"},
			machines: []ExpectedMachine{m1, m2},
			wantID:   &m2.ID,
		},
		{
			name:     "mac fallback when serial unknown",
			endpoint: explorer.Endpoint{MAC: "aa:aa:aa:aa:aa:03"},
			machines: []ExpectedMachine{m1, m2, m3},
			wantID:   &m3.ID,
		},
		{
			name:     "serial beats mac",
			endpoint: explorer.Endpoint{Serial: "SN100", MAC: "aa:aa:aa:aa:aa:02"},
			machines: []ExpectedMachine{m1, m2},
			wantID:   &m1.ID,
		},
		{
			name:       "no match",
			endpoint:   explorer.Endpoint{Serial: "SN999", MAC: "00:00:00:00:00:00"},
			machines:   []ExpectedMachine{m1, m2},
			wantReason: "no expected machine",
		},
		{
			name:     "ambiguous mac match pairs nothing",
			endpoint: explorer.Endpoint{MAC: "aa:aa:aa:aa:aa:09"},
			machines: []ExpectedMachine{
				machine("", "aa:aa:aa:aa:aa:09"),
				machine("", "aa:aa:aa:aa:aa:09"),
			},
			wantReason: "ambiguous",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := matchExpected(tc.endpoint, tc.machines)

			if tc.wantID != nil {
				if got == nil {
					t.Fatalf("matched nothing, reason %q; want machine %s", reason, tc.wantID)
				}
				if got.ID != *tc.wantID {
					t.Errorf("matched %s, want %s", got.ID, tc.wantID)
				}
				return
			}

			if got != nil {
				t.Fatalf("matched %s, want rejection", got.ID)
			}
			if !strings.Contains(reason, tc.wantReason) {
				t.Errorf("reason %q does not contain %q", reason, tc.wantReason)
			}
		})
	}
}

func TestMatchExpectedIgnoresEmptyKeys(t *testing.T) {
	// An endpoint with no serial and no MAC must never match a machine whose
	// keys are also empty.
	got, reason := matchExpected(explorer.Endpoint{}, []ExpectedMachine{machine("", "")})
	if got != nil {
		t.Fatalf("matched %s on empty identity keys", got.ID)
	}
	if reason == "" {
		t.Error("expected a recorded reason")
	}
}

func TestWithout(t *testing.T) {
	m1 := machine("SN1", "")
	m2 := machine("SN2", "")

	left := without([]ExpectedMachine{m1, m2}, m1.ID)
	if len(left) != 1 || left[0].ID != m2.ID {
		t.Errorf("without = %v, want only %s", left, m2.ID)
	}
}
