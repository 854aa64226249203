package attest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPolicyEvaluate(t *testing.T) {
	policy := Policy{PCRs: map[string]string{
		"0": "aaaa",
		"7": "bbbb",
	}}

	cases := []struct {
		name       string
		evidence   Evidence
		wantOK     bool
		wantDetail string
	}{
		{
			name:     "all golden values match",
			evidence: Evidence{PCRs: map[string]string{"0": "aaaa", "7": "bbbb"}},
			wantOK:   true,
		},
		{
			name:     "case insensitive comparison",
			evidence: Evidence{PCRs: map[string]string{"0": "AAAA", "7": "BBBB"}},
			wantOK:   true,
		},
		{
			name:     "extra measured pcrs are ignored",
			evidence: Evidence{PCRs: map[string]string{"0": "aaaa", "7": "bbbb", "14": "cccc"}},
			wantOK:   true,
		},
		{
			name:       "mismatch names the pcr",
			evidence:   Evidence{PCRs: map[string]string{"0": "aaaa", "7": "tampered"}},
			wantDetail: "pcr 7 mismatch",
		},
		{
			name:       "missing pcr names the pcr",
			evidence:   Evidence{PCRs: map[string]string{"0": "aaaa"}},
			wantDetail: "pcr 7 not measured",
		},
		{
			name:       "multiple problems reported in order",
			evidence:   Evidence{PCRs: map[string]string{"0": "bad"}},
			wantDetail: "pcr 0 mismatch; pcr 7 not measured",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, detail := policy.Evaluate(tc.evidence)
			if ok != tc.wantOK {
				t.Errorf("ok = %v, want %v (detail %q)", ok, tc.wantOK, detail)
			}
			if tc.wantDetail != "" && !strings.Contains(detail, tc.wantDetail) {
				t.Errorf("detail %q does not contain %q", detail, tc.wantDetail)
			}
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	t.Run("valid policy normalizes case", func(t *testing.T) {
		path := write("ok.yaml", "pcrs:\n  \"0\": \"ABCD\"\n  \"7\": \"ef01\"\n")
		p, err := LoadPolicy(path)
		if err != nil {
			t.Fatalf("LoadPolicy: %v", err)
		}
		if p.PCRs["0"] != "abcd" {
			t.Errorf("PCRs[0] = %q, want lowercased abcd", p.PCRs["0"])
		}
	})

	t.Run("empty policy rejected", func(t *testing.T) {
		path := write("empty.yaml", "pcrs: {}\n")
		if _, err := LoadPolicy(path); err == nil {
			t.Fatal("expected error for empty policy")
		}
	})

	t.Run("empty golden value rejected", func(t *testing.T) {
		path := write("blank.yaml", "pcrs:\n  \"0\": \"\"\n")
		if _, err := LoadPolicy(path); err == nil {
			t.Fatal("expected error for blank golden value")
		}
	})
}

func TestEvidenceDigest(t *testing.T) {
	a := Evidence{PCRs: map[string]string{"0": "aaaa", "7": "bbbb"}}
	b := Evidence{PCRs: map[string]string{"7": "bbbb", "0": "aaaa"}}
	c := Evidence{PCRs: map[string]string{"0": "aaaa", "7": "cccc"}}

	if a.Digest() != b.Digest() {
		t.Error("digest must not depend on map iteration order")
	}
	if a.Digest() == c.Digest() {
		t.Error("different measurements must produce different digests")
	}
	if len(a.Digest()) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a.Digest()))
	}
}
