package explorer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Target is a management endpoint address the explorer probes during sweeps.
type Target struct {
	Address  string `yaml:"address"`
	Site     string `yaml:"site"`
	Role     string `yaml:"role"`
	Kind     string `yaml:"kind"`
	Insecure bool   `yaml:"insecure"`
}

type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads the sweep target list from a YAML file. Duplicate or
// empty addresses fail the load.
func LoadTargets(path string) ([]Target, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}

	var file targetsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Targets))
	for i, t := range file.Targets {
		if t.Address == "" {
			return nil, fmt.Errorf("target %d has no address", i)
		}
		if _, dup := seen[t.Address]; dup {
			return nil, fmt.Errorf("duplicate target address %q", t.Address)
		}
		seen[t.Address] = struct{}{}
	}

	return file.Targets, nil
}
