package attest

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy holds the golden measurement values a machine must present.
// Keys are PCR indices (as strings), values are lowercase hex digests.
type Policy struct {
	PCRs map[string]string `yaml:"pcrs"`
}

// LoadPolicy reads a golden-values policy from a YAML file.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if len(p.PCRs) == 0 {
		return Policy{}, fmt.Errorf("policy %s declares no golden values", path)
	}

	normalized := make(map[string]string, len(p.PCRs))
	for k, v := range p.PCRs {
		if v == "" {
			return Policy{}, fmt.Errorf("policy %s: empty golden value for pcr %s", path, k)
		}
		normalized[k] = strings.ToLower(v)
	}
	p.PCRs = normalized

	return p, nil
}

// Evaluate compares evidence against the policy. Every golden PCR must be
// present and equal; extra measured PCRs are ignored. The returned detail
// names each mismatched or missing PCR.
func (p Policy) Evaluate(ev Evidence) (bool, string) {
	var problems []string

	indices := make([]string, 0, len(p.PCRs))
	for idx := range p.PCRs {
		indices = append(indices, idx)
	}
	sort.Strings(indices)

	for _, idx := range indices {
		measured, ok := ev.PCRs[idx]
		if !ok {
			problems = append(problems, fmt.Sprintf("pcr %s not measured", idx))
			continue
		}
		if !strings.EqualFold(measured, p.PCRs[idx]) {
			problems = append(problems, fmt.Sprintf("pcr %s mismatch", idx))
		}
	}

	if len(problems) > 0 {
		return false, strings.Join(problems, "; ")
	}
	return true, ""
}
